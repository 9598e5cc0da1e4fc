package backtesthttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tickreplay/internal/backtest"
	"tickreplay/internal/history"
	"tickreplay/internal/logger"

	"github.com/gin-gonic/gin"
)

// Runs 为回测任务的提交与查询接口，*backtest.Manager 与 *backtest.ResultStore 组合实现。
type Runs interface {
	StartRun(req backtest.RunRequest) (backtest.Run, error)
	Cancel(id string) bool
}

type Results interface {
	GetRun(ctx context.Context, id string) (backtest.Run, error)
	ListRuns(ctx context.Context, limit int) ([]backtest.Run, error)
	ListFills(ctx context.Context, runID string, limit int) ([]backtest.FillModel, error)
	ListSnapshots(ctx context.Context, runID string, limit int) ([]backtest.Snapshot, error)
}

// Imports 为历史成交导入任务接口，由 *history.Service 实现。
type Imports interface {
	SubmitImport(params history.ImportParams) (history.ImportJob, error)
	JobSnapshot(id string) (history.ImportJob, bool)
	JobsSnapshot() []history.ImportJob
}

// Server 提供回测相关的 HTTP API。
type Server struct {
	addr    string
	runs    Runs
	results Results
	imports Imports
	router  *gin.Engine
}

// Config 描述回测 HTTP Server 的依赖。
type Config struct {
	Addr    string
	Runs    Runs
	Results Results
	Imports Imports
}

// NewServer 构建回测 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runs == nil || cfg.Results == nil {
		return nil, errors.New("runs/results 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:    cfg.Addr,
		runs:    cfg.Runs,
		results: cfg.Results,
		imports: cfg.Imports,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

// Handler 暴露路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.DELETE("/runs/:id", s.handleRunCancel)
	api.GET("/runs/:id/fills", s.handleRunFills)
	api.GET("/runs/:id/snapshots", s.handleRunSnapshots)
	api.POST("/imports", s.handleImport)
	api.GET("/imports", s.handleImportList)
	api.GET("/imports/:id", s.handleImportStatus)
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.runs.StartRun(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backtest.ErrInvalidConfig) || errors.Is(err, backtest.ErrUnknownInstrument) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(runErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunCancel(c *gin.Context) {
	if !s.runs.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not active"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) handleRunFills(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	fills, err := s.results.ListFills(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleRunSnapshots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "400"))
	snaps, err := s.results.ListSnapshots(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) handleImport(c *gin.Context) {
	if s.imports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "导入服务未启用"})
		return
	}
	var req struct {
		Instrument string `json:"instrument" binding:"required"`
		Exchange   string `json:"exchange" binding:"required"`
		Start      int64  `json:"start" binding:"required"`
		End        int64  `json:"end" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.imports.SubmitImport(history.ImportParams{
		Instrument: req.Instrument,
		Exchange:   req.Exchange,
		Start:      req.Start,
		End:        req.End,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleImportList(c *gin.Context) {
	if s.imports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "导入服务未启用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.imports.JobsSnapshot()})
}

func (s *Server) handleImportStatus(c *gin.Context) {
	if s.imports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "导入服务未启用"})
		return
	}
	job, ok := s.imports.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func runErrorStatus(err error) int {
	if errors.Is(err, backtest.ErrRunNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[http] listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
