package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState 断路器状态
type BreakerState int

const (
	// StateClosed 正常放行
	StateClosed BreakerState = iota
	// StateHalfOpen 放行少量请求探测服务商是否恢复
	StateHalfOpen
	// StateOpen 直接拒绝
	StateOpen
)

// String 返回状态名称
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen 服务商连续失败，暂停投递
var ErrCircuitOpen = errors.New("dispatch: circuit breaker is open")

// BreakerConfig 断路器参数
type BreakerConfig struct {
	// Threshold 连续失败多少次后开路
	Threshold uint32
	// Timeout 开路多久后转为半开
	Timeout time.Duration
	// HalfOpenMaxRequests 半开状态同时放行的请求数
	HalfOpenMaxRequests uint32
	// SuccessThreshold 半开状态连续成功多少次后关闭
	SuccessThreshold uint32
}

// DefaultBreakerConfig 默认断路器参数
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:           5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    2,
	}
}

// StateChangeListener 状态变更回调，在锁外同步调用
type StateChangeListener func(name string, from, to BreakerState)

// Breaker 包在服务商网关外的断路器
// 服务商持续故障时快速失败，不再占用投递超时
type Breaker struct {
	name      string
	next      Gateway
	cfg       BreakerConfig
	listeners []StateChangeListener
	now       func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        uint32
	successes       uint32
	halfOpenAllowed uint32
	lastStateChange time.Time
}

// BreakerOption 配置 Breaker
type BreakerOption func(*Breaker)

// WithBreakerClock 设置时钟
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateListener 添加状态变更回调
func WithStateListener(l StateChangeListener) BreakerOption {
	return func(b *Breaker) {
		if l != nil {
			b.listeners = append(b.listeners, l)
		}
	}
}

// NewBreaker 创建断路器，零值参数使用默认值
func NewBreaker(name string, next Gateway, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	b := &Breaker{name: name, next: next, cfg: cfg, now: time.Now, state: StateClosed}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	b.halfOpenAllowed = cfg.HalfOpenMaxRequests
	return b
}

// Send 实现 Gateway
func (b *Breaker) Send(ctx context.Context, msg Message) (string, error) {
	if !b.allow() {
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	id, err := b.next.Send(ctx, msg)
	switch {
	case err == nil:
		b.success()
	case errors.Is(err, context.Canceled):
		// 调用方放弃不算服务商故障
		b.release()
	default:
		b.failure()
	}
	return id, err
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	var from, to BreakerState
	b.mu.Lock()
	ok := false
	switch b.state {
	case StateClosed:
		ok = true
	case StateOpen:
		if b.now().Sub(b.lastStateChange) >= b.cfg.Timeout {
			from, to = b.changeState(StateHalfOpen)
			b.halfOpenAllowed--
			ok = true
		}
	case StateHalfOpen:
		if b.halfOpenAllowed > 0 {
			b.halfOpenAllowed--
			ok = true
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

func (b *Breaker) success() {
	var from, to BreakerState
	b.mu.Lock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			from, to = b.changeState(StateClosed)
		} else {
			b.halfOpenAllowed++
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) failure() {
	var from, to BreakerState
	b.mu.Lock()
	b.failures++
	switch {
	case b.state == StateHalfOpen:
		from, to = b.changeState(StateOpen)
	case b.state == StateClosed && b.failures >= b.cfg.Threshold:
		from, to = b.changeState(StateOpen)
	}
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.halfOpenAllowed++
	}
	b.mu.Unlock()
}

// changeState 调用方持有锁
func (b *Breaker) changeState(to BreakerState) (BreakerState, BreakerState) {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	switch to {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes = 0
		b.halfOpenAllowed = b.cfg.HalfOpenMaxRequests
	}
	return from, to
}

func (b *Breaker) notify(from, to BreakerState) {
	if from == to {
		return
	}
	for _, l := range b.listeners {
		l(b.name, from, to)
	}
}
