package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tickreplay/internal/logger"
	"tickreplay/internal/market"
	"tickreplay/internal/pkg/circuit"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
	JobStatusPartial = "partial"
)

// ImportParams 描述一次导入请求。
type ImportParams struct {
	Instrument string `json:"instrument"`
	Exchange   string `json:"exchange"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
}

// ImportJob 是导入任务的状态快照。
type ImportJob struct {
	ID        string       `json:"id"`
	Status    string       `json:"status"`
	Params    ImportParams `json:"params"`
	Total     int64        `json:"total_ms"`
	Completed int64        `json:"completed_ms"`
	Trades    int64        `json:"trades"`
	Message   string       `json:"message,omitempty"`
	Missing   []Period     `json:"missing,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Percent 返回导入进度百分比。
func (j ImportJob) Percent() float64 {
	if j.Total <= 0 {
		return 100
	}
	return float64(j.Completed) / float64(j.Total) * 100
}

func (j *ImportJob) copy() ImportJob {
	out := *j
	out.Missing = append([]Period(nil), j.Missing...)
	out.Warnings = append([]string(nil), j.Warnings...)
	return out
}

// ServiceConfig 配置导入服务。
type ServiceConfig struct {
	Store           *Store
	Sources         map[string]Source // 按交易所名称
	RateLimitPerMin int
	MaxConcurrent   int
	Chunk           time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	// 连续失败 BreakerThreshold 次后暂停该交易所的拉取 BreakerCooldown。
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Service 管理导入任务：按缺口分段拉取、限速、网络错误重试并写库。
type Service struct {
	store        *Store
	sources      map[string]Source
	chunk        int64
	maxRetries   int
	retryBackoff time.Duration

	limiter  *rate.Limiter
	sem      chan struct{}
	breakers map[string]*circuit.Breaker

	mu   sync.RWMutex
	jobs map[string]*ImportJob

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	chunk := cfg.Chunk
	if chunk <= 0 {
		chunk = time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	svc := &Service{
		store:        cfg.Store,
		sources:      make(map[string]Source),
		chunk:        chunk.Milliseconds(),
		maxRetries:   maxRetries,
		retryBackoff: backoff,
		limiter:      rate.NewLimiter(ratePerSec, 1),
		sem:          make(chan struct{}, maxConcurrent),
		breakers:     make(map[string]*circuit.Breaker),
		jobs:         make(map[string]*ImportJob),
		baseCtx:      context.Background(),
	}
	for k, v := range cfg.Sources {
		name := strings.ToLower(k)
		svc.sources[name] = v
		svc.breakers[name] = circuit.New(name+"/"+v.Name(), threshold, cooldown)
	}
	return svc, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Store 返回底层成交存储。
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) prepare(params ImportParams) (*ImportJob, Source, []Period, error) {
	if params.Instrument == "" || params.Exchange == "" {
		return nil, nil, nil, fmt.Errorf("instrument/exchange 不能为空")
	}
	if _, _, err := market.SplitSymbol(params.Instrument); err != nil {
		return nil, nil, nil, err
	}
	src := s.sources[strings.ToLower(params.Exchange)]
	if src == nil {
		return nil, nil, nil, fmt.Errorf("未知数据源: %s", params.Exchange)
	}
	params.Start = market.TruncateMinute(params.Start)
	if params.End <= params.Start {
		return nil, nil, nil, fmt.Errorf("start 与 end 需要构成区间")
	}
	gaps, err := s.store.Coverage(s.ctx(), params.Instrument, params.Exchange, params.Start, params.End)
	if err != nil {
		return nil, nil, nil, err
	}
	total := params.End - params.Start
	var missing int64
	for _, g := range gaps {
		missing += g.End - g.Start
	}
	now := time.Now()
	job := &ImportJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     total,
		Completed: total - missing,
		Missing:   append([]Period(nil), gaps...),
		StartedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("[history] 任务 %s 提交：%s@%s [%d,%d) 缺口=%d", job.ID, params.Instrument, params.Exchange, params.Start, params.End, len(gaps))
	return job, src, gaps, nil
}

// SubmitImport 提交后台导入任务；区间已完整时直接完成。
func (s *Service) SubmitImport(params ImportParams) (ImportJob, error) {
	job, src, gaps, err := s.prepare(params)
	if err != nil {
		return ImportJob{}, err
	}
	if len(gaps) == 0 {
		s.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需重新导入", nil)
		snap, _ := s.JobSnapshot(job.ID)
		return snap, nil
	}
	go func() {
		_ = s.runJob(s.ctx(), job.ID, src, gaps, nil)
	}()
	return job.copy(), nil
}

// Import 同步导入并通过 progress 回报百分比，供 worker 进程使用。
func (s *Service) Import(ctx context.Context, params ImportParams, progress func(percent float64)) (ImportJob, error) {
	job, src, gaps, err := s.prepare(params)
	if err != nil {
		return ImportJob{}, err
	}
	if len(gaps) == 0 {
		s.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需重新导入", nil)
		if progress != nil {
			progress(100)
		}
		snap, _ := s.JobSnapshot(job.ID)
		return snap, nil
	}
	err = s.runJob(ctx, job.ID, src, gaps, progress)
	snap, _ := s.JobSnapshot(job.ID)
	return snap, err
}

func (s *Service) runJob(ctx context.Context, jobID string, source Source, gaps []Period, progress func(float64)) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.setJobStatus(jobID, JobStatusFailed, "服务已关闭", nil)
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	job := s.getJob(jobID)
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	params := job.Params
	var missing time.Duration
	for _, g := range gaps {
		missing += g.Duration()
	}
	logger.Infof("[history] 任务 %s 开始，数据源=%s 缺口=%d 共 %s", jobID, source.Name(), len(gaps), missing)
	s.updateJob(jobID, func(j *ImportJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	var warnings []string
	for _, gap := range gaps {
		for cursor := gap.Start; cursor < gap.End; {
			if err := ctx.Err(); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return err
			}
			to := cursor + s.chunk
			if to > gap.End {
				to = gap.End
			}
			trades, err := s.fetchWithRetry(ctx, params.Exchange, source, FetchRequest{Instrument: params.Instrument, Start: cursor, End: to})
			if err != nil {
				s.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("%s 拉取失败: %v", source.Name(), err), nil)
				return err
			}
			inserted, err := s.store.InsertTrades(ctx, params.Instrument, params.Exchange, trades)
			if err != nil {
				s.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("写入失败: %v", err), nil)
				return err
			}
			if err := s.store.MarkImported(ctx, params.Instrument, params.Exchange, source.Name(), Period{Start: cursor, End: to}); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("写入失败: %v", err), nil)
				return err
			}
			if len(trades) == 0 {
				warnings = append(warnings, fmt.Sprintf("区间 %s 无成交", Period{Start: cursor, End: to}))
			}
			span := to - cursor
			cursor = to
			var pct float64
			s.updateJob(jobID, func(j *ImportJob) {
				j.Completed += span
				j.Trades += int64(inserted)
				j.UpdatedAt = time.Now()
				pct = j.Percent()
			})
			if progress != nil {
				progress(pct)
			}
		}
	}

	finalGaps, err := s.store.Coverage(ctx, params.Instrument, params.Exchange, params.Start, params.End)
	status := JobStatusDone
	message := "导入完成"
	if err != nil {
		status = JobStatusFailed
		message = "完整性检查失败: " + err.Error()
	} else if len(finalGaps) > 0 {
		status = JobStatusPartial
		message = "已完成，但仍存在缺口"
	}
	s.updateJob(jobID, func(j *ImportJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Period(nil), finalGaps...)
		j.UpdatedAt = time.Now()
		if len(warnings) > 0 {
			j.Warnings = append([]string(nil), warnings...)
		}
	})
	logger.Infof("[history] 任务 %s 完成，状态=%s，缺口=%d", jobID, status, len(finalGaps))
	if status == JobStatusFailed {
		return errors.New(message)
	}
	return nil
}

// fetchWithRetry 只对网络类错误按指数退避重试；熔断打开时直接失败。
func (s *Service) fetchWithRetry(ctx context.Context, exchange string, source Source, req FetchRequest) ([]Trade, error) {
	breaker := s.breakers[strings.ToLower(exchange)]
	delay := s.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				return nil, fmt.Errorf("%s 暂停拉取: %w", exchange, err)
			}
		}
		trades, err := source.FetchTrades(ctx, req)
		if breaker != nil {
			if err == nil || retryable(err) {
				breaker.Record(err)
			} else {
				breaker.Record(nil)
			}
		}
		if err == nil {
			return trades, nil
		}
		lastErr = err
		if !retryable(err) || attempt == s.maxRetries {
			break
		}
		logger.Warnf("[history] %s 拉取 %s 失败（第 %d 次），%s 后重试: %v", source.Name(), Period{Start: req.Start, End: req.End}, attempt+1, delay, err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, lastErr
}

// retryable 判断是否属于可重试的网络错误；ctx 取消不重试。
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"connection reset", "connection refused", "eof", "timeout", "too many requests", "503", "502"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) setJobStatus(jobID, status, message string, gaps []Period) {
	s.updateJob(jobID, func(j *ImportJob) {
		j.Status = status
		j.Message = message
		if gaps != nil || status == JobStatusDone {
			j.Missing = append([]Period(nil), gaps...)
		}
		if status == JobStatusDone {
			j.Completed = j.Total
		}
		j.UpdatedAt = time.Now()
	})
}

func (s *Service) getJob(id string) *ImportJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

func (s *Service) updateJob(id string, fn func(*ImportJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (ImportJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return ImportJob{}, false
	}
	return job.copy(), true
}

// JobsSnapshot 返回所有任务副本，按开始时间倒序。
func (s *Service) JobsSnapshot() []ImportJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ImportJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
