package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/metrics"

	"github.com/google/uuid"
)

// ReceiverName 页面内提取脚本注册的全局对象名，脚本须提供 collect(req) 方法。
const ReceiverName = "__fiyattakibi"

// ErrNoReceiver 表示注入脚本尚未注册监听器，提取请求可以重试。
var ErrNoReceiver = errors.New("extraction listener not registered")

var errFailsafe = errors.New("session failsafe fired")

const (
	defaultAttempts  = 5
	defaultBackoff   = 500 * time.Millisecond
	defaultBlockPoll = 2 * time.Second
	defaultTimeout   = 30 * time.Second
)

// Kind 会话类型，决定保险丝时长与指标标签。
type Kind string

const (
	KindRetailer   Kind = "retailer"
	KindCompetitor Kind = "competitor"
	KindSearch     Kind = "search"
)

// State 会话状态。
type State int

const (
	StateCreated State = iota
	StateNavigationPending
	StateBlockedByAntiBot
	StateScriptInjected
	StateAwaitingExtraction
	StateResolved
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNavigationPending:
		return "navigation_pending"
	case StateBlockedByAntiBot:
		return "blocked_by_antibot"
	case StateScriptInjected:
		return "script_injected"
	case StateAwaitingExtraction:
		return "awaiting_extraction"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle 是一个打开的浏览上下文。
type Handle interface {
	// WaitNavigation 阻塞直到当前导航完成。
	WaitNavigation(ctx context.Context) error
	// Title 返回当前页面标题。
	Title(ctx context.Context) (string, error)
	// Surface 把上下文切到前台，让用户处理人机验证。
	Surface(ctx context.Context) error
	// Inject 在页面中执行提取脚本。
	Inject(ctx context.Context, script string) error
	// Send 向提取脚本发送请求；监听器未注册时返回 ErrNoReceiver。
	Send(ctx context.Context, payload any) (json.RawMessage, error)
	// Close 销毁上下文。
	Close() error
}

// OpenOptions 打开上下文的参数。
type OpenOptions struct {
	Active  bool     // 是否前台打开
	Preload []string // 在页面脚本之前执行的脚本
}

// Provider 创建浏览上下文。
type Provider interface {
	Open(ctx context.Context, url string, opts OpenOptions) (Handle, error)
}

// Request 一次抓取请求。
type Request struct {
	URL     string
	Kind    Kind
	Script  string        // 导航完成后注入的提取脚本
	Preload []string      // 导航前注册的脚本（如 JSON.parse 拦截）
	Payload any           // 发送给提取脚本的请求体
	Timeout time.Duration // 保险丝时长，0 表示使用默认值
}

// Options Runner 配置。
type Options struct {
	Attempts     int                   // 提取请求最大尝试次数
	Backoff      time.Duration         // 提取请求重试间隔
	BlockPoll    time.Duration         // 人机验证页面轮询间隔
	Timeout      time.Duration         // 默认保险丝时长
	IsBlocked    func(title string) bool
	OnTransition func(id string, from, to State)
}

// Runner 驱动一次性抓取会话。可并发使用，每次 Scrape 都是独立的会话。
type Runner struct {
	provider Provider
	logger   *slog.Logger
	opts     Options
}

// NewRunner 创建会话执行器。
func NewRunner(provider Provider, logger *slog.Logger, opts Options) *Runner {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.BlockPoll <= 0 {
		opts.BlockPoll = defaultBlockPoll
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.IsBlocked == nil {
		opts.IsBlocked = IsBlockedTitle
	}
	return &Runner{provider: provider, logger: logger, opts: opts}
}

// Scrape 打开一个后台上下文，等待导航、注入脚本并取回提取结果。
//
// 无论成功与否上下文都会被关闭；保险丝到期时返回 model.ErrTimeout。
func (r *Runner) Scrape(ctx context.Context, req Request) (json.RawMessage, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}
	if req.Kind == "" {
		req.Kind = KindRetailer
	}
	kind := req.Kind

	id := uuid.NewString()
	s := &session{
		id:     id,
		runner: r,
		req:    req,
		logger: r.logger.With(slog.String("session_id", id), slog.String("kind", string(kind))),
	}

	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	fired := make(chan struct{})
	var stuck State
	failsafe := time.AfterFunc(timeout, func() {
		defer close(fired)
		stuck = s.current()
		s.logger.Warn("session failsafe fired", slog.String("url", req.URL), slog.Duration("timeout", timeout))
		cancel(errFailsafe)
		s.transition(StateFailed)
		s.close()
	})

	result, err := s.run(ctx)
	if !failsafe.Stop() {
		<-fired
	}
	if err != nil && errors.Is(context.Cause(ctx), errFailsafe) {
		err = fmt.Errorf("%w: %s after %s (state %s)", model.ErrTimeout, req.URL, timeout, stuck)
	}

	if err != nil {
		s.transition(StateFailed)
	} else {
		s.transition(StateResolved)
	}
	s.close()

	outcome := "success"
	if err != nil {
		outcome = model.ErrorLabel(err)
		metrics.ErrorsTotal.WithLabelValues("session", outcome).Inc()
	}
	metrics.ScrapeSessionsTotal.WithLabelValues(string(kind), outcome).Inc()
	metrics.ScrapeSessionDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	return result, err
}

type session struct {
	id     string
	runner *Runner
	req    Request
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	handle Handle
	closed bool
}

func (s *session) run(ctx context.Context) (json.RawMessage, error) {
	opts := s.runner.opts

	h, err := s.runner.provider.Open(ctx, s.req.URL, OpenOptions{Active: false, Preload: s.req.Preload})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrNavigation, s.req.URL, err)
	}
	if !s.attach(h) {
		return nil, context.Cause(ctx)
	}
	s.transition(StateNavigationPending)

	surfaced := false
	for {
		if err := h.WaitNavigation(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %v", model.ErrNavigation, s.req.URL, err)
		}
		title, err := h.Title(ctx)
		if err != nil || !opts.IsBlocked(title) {
			break
		}

		s.transition(StateBlockedByAntiBot)
		if !surfaced {
			surfaced = true
			metrics.AntiBotSurfacedTotal.WithLabelValues(string(s.req.Kind)).Inc()
			s.logger.Warn("anti-bot interstitial detected, surfacing context",
				slog.String("url", s.req.URL), slog.String("title", title))
			if err := h.Surface(ctx); err != nil {
				s.logger.Warn("surface context failed", slog.String("error", err.Error()))
			}
		}
		if err := sleep(ctx, opts.BlockPoll); err != nil {
			return nil, err
		}
		s.transition(StateNavigationPending)
	}

	if s.req.Script != "" {
		if err := h.Inject(ctx, s.req.Script); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: inject: %v", model.ErrInjection, err)
		}
	}
	s.transition(StateScriptInjected)
	s.transition(StateAwaitingExtraction)

	for attempt := 1; ; attempt++ {
		res, err := h.Send(ctx, s.req.Payload)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrNoReceiver) {
			return nil, fmt.Errorf("%w: extraction request: %v", model.ErrInjection, err)
		}
		if attempt >= opts.Attempts {
			return nil, fmt.Errorf("%w: no listener after %d attempts", model.ErrInjection, attempt)
		}
		s.logger.Debug("extraction listener not ready, retrying", slog.Int("attempt", attempt))
		if err := sleep(ctx, opts.Backoff); err != nil {
			return nil, err
		}
	}
}

// attach 记录打开的上下文；会话已被保险丝关闭时立即销毁并返回 false。
func (s *session) attach(h Handle) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err := h.Close(); err != nil {
			s.logger.Debug("close late context failed", slog.String("error", err.Error()))
		}
		return false
	}
	s.handle = h
	s.mu.Unlock()
	return true
}

// close 幂等地销毁上下文，错误只记录不返回。
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	h := s.handle
	s.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			s.logger.Debug("close context failed", slog.String("error", err.Error()))
		}
	}
	s.transition(StateClosed)
}

func (s *session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed || ((from == StateResolved || from == StateFailed) && to != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debug("session transition", slog.String("from", from.String()), slog.String("to", to.String()))
	if hook := s.runner.opts.OnTransition; hook != nil {
		hook(s.id, from, to)
	}
}

func (s *session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
