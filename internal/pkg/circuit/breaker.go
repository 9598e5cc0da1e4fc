// Package circuit 在连续失败过多后暂停调用出错的依赖。
package circuit

import (
	"errors"
	"sync"
	"time"

	"tickreplay/internal/logger"
)

// ErrOpen 表示熔断器处于拒绝状态。
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker 连续失败 threshold 次后打开，冷却结束后只放行一次试探调用，成功则重新关闭。
type Breaker struct {
	mu        sync.Mutex
	name      string
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	trial     bool
	now       func() time.Time
	onChange  func(name string, from, to State)
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange 注册状态切换回调，在切换时同步调用。
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow 判断是否允许调用，放行后必须调用 Record。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

// Record 记录一次放行调用的结果，err 为 nil 视为成功。
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
		return
	}
	logger.Warnf("[circuit] %s %s -> %s (failures=%d/%d, cooldown=%s)", b.name, from, to, b.failures, b.threshold, b.cooldown)
}
