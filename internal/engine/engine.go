package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"tracktrace/internal/buffer"
	"tracktrace/internal/event"
	"tracktrace/internal/ledger"
	"tracktrace/internal/orders"
	"tracktrace/internal/station"
	"tracktrace/internal/telemetry"
	"tracktrace/internal/types"
	"tracktrace/internal/util"
)

var (
	// ErrNotInitialized 环境还没有调用 Initialize
	ErrNotInitialized = errors.New("engine: environment not initialized")
	// ErrStopped 引擎或环境已经停止
	ErrStopped = errors.New("engine: stopped")
)

// Journal 原始消息日志，清空环境时需要记录
type Journal interface {
	buffer.Journal
	Clear(env string) error
}

// Replayer 能回放历史消息的日志
type Replayer interface {
	Replay() (map[string][]telemetry.Message, error)
}

// Options 引擎的依赖与参数
type Options struct {
	Catalog    *station.Catalog
	Bus        *event.Bus // 为空时内部创建
	Journal    Journal    // 可为空
	Retention  int        // 每个 topic 缓存的消息条数
	InboxSize  int        // 每个环境的消息队列长度
	SupplierID string
	CustomerID string
}

type requestKind int

const (
	reqMessage requestKind = iota
	reqRestore
	reqClear
	reqFlush
)

type request struct {
	kind requestKind
	ctx  context.Context
	msg  telemetry.Message
	done chan struct{} // 为空表示调用方不等待
}

// session 一个环境唯一的写者
type session struct {
	env     string
	tracker *Tracker
	inbox   chan request
	quit    chan struct{}
	done    chan struct{}
}

// Engine 管理所有环境的会话
// 每个环境的消息在独立的 goroutine 中顺序处理，不同环境之间互不影响
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup

	opts     Options
	ledger   *ledger.Ledger
	bus      *event.Bus
	resolver *orders.Resolver
	base     *slog.Logger
	logger   *slog.Logger
}

// New 创建引擎
func New(opts Options, logger *slog.Logger) *Engine {
	if opts.Bus == nil {
		opts.Bus = event.NewBus()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.Retention <= 0 {
		opts.Retention = 100
	}
	return &Engine{
		sessions: make(map[string]*session),
		opts:     opts,
		ledger:   ledger.New(opts.Bus),
		bus:      opts.Bus,
		resolver: orders.NewResolver(opts.Catalog, opts.SupplierID, opts.CustomerID, logger),
		base:     logger,
		logger:   logger.With("component", "engine"),
	}
}

// Bus 返回引擎发布履历变化的事件总线
func (e *Engine) Bus() *event.Bus { return e.bus }

// Resolver 返回订单上下文解析器
func (e *Engine) Resolver() *orders.Resolver { return e.resolver }

// Initialize 启动一个环境的会话，已初始化的环境直接返回
func (e *Engine) Initialize(env string) error {
	if env == "" {
		return fmt.Errorf("engine: empty environment name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStopped
	}
	if _, ok := e.sessions[env]; ok {
		return nil
	}

	var journal buffer.Journal
	if e.opts.Journal != nil {
		journal = e.opts.Journal
	}
	buf := buffer.New(env, e.opts.Retention, journal, e.base)
	s := &session{
		env:     env,
		tracker: NewTracker(env, e.ledger, buf, e.bus, e.opts.Catalog, e.resolver, e.base),
		inbox:   make(chan request, e.opts.InboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	e.sessions[env] = s
	e.wg.Add(1)
	go e.run(s)

	e.logger.Info("环境已初始化", "env", env)
	return nil
}

func (e *Engine) session(env string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrStopped
	}
	s, ok := e.sessions[env]
	if !ok {
		return nil, fmt.Errorf("%s: %w", env, ErrNotInitialized)
	}
	return s, nil
}

// run 会话的处理循环，直到 Stop 或 Shutdown
func (e *Engine) run(s *session) {
	defer e.wg.Done()
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.inbox:
			e.serve(s, req)
		}
	}
}

func (e *Engine) serve(s *session, req request) {
	switch req.kind {
	case reqMessage:
		s.tracker.Handle(req.ctx, req.msg)
	case reqRestore:
		s.tracker.Restore(req.ctx, req.msg)
	case reqClear:
		if e.opts.Journal != nil {
			if err := e.opts.Journal.Clear(s.env); err != nil {
				e.logger.Error("记录清空操作失败", "env", s.env, "error", err)
			}
		}
		s.tracker.Reset()
		e.ledger.Clear(s.env)
		e.logger.Info("环境已清空", "env", s.env)
	case reqFlush:
	}
	if req.done != nil {
		close(req.done)
	}
}

func (e *Engine) enqueue(ctx context.Context, s *session, req request) error {
	select {
	case s.inbox <- req:
		return nil
	case <-s.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) await(ctx context.Context, s *session, req request) error {
	req.done = make(chan struct{})
	if err := e.enqueue(ctx, s, req); err != nil {
		return err
	}
	select {
	case <-req.done:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit 把一条原始消息放入环境的队列
// 队列满时阻塞直到 ctx 结束；消息本身的处理结果不会返回给调用方
func (e *Engine) Submit(ctx context.Context, env string, msg telemetry.Message) error {
	s, err := e.session(env)
	if err != nil {
		return err
	}
	msgCtx, _ := util.EnsureTraceID(context.WithoutCancel(ctx))
	return e.enqueue(ctx, s, request{kind: reqMessage, ctx: msgCtx, msg: msg})
}

// Flush 等待此前提交的消息全部处理完毕
func (e *Engine) Flush(ctx context.Context, env string) error {
	s, err := e.session(env)
	if err != nil {
		return err
	}
	return e.await(ctx, s, request{kind: reqFlush})
}

// Clear 清空一个环境的履历和缓冲区
// 已初始化的环境通过队列执行，保证与消息处理串行
func (e *Engine) Clear(ctx context.Context, env string) error {
	s, err := e.session(env)
	if errors.Is(err, ErrNotInitialized) {
		// 没有写者，直接清空
		if e.opts.Journal != nil {
			if err := e.opts.Journal.Clear(env); err != nil {
				return err
			}
		}
		e.ledger.Clear(env)
		return nil
	}
	if err != nil {
		return err
	}
	return e.await(ctx, s, request{kind: reqClear})
}

// Stop 停止一个环境的会话，之后的消息不再修改它的履历，其他环境不受影响
// 已有的履历保留，可以再次 Initialize
func (e *Engine) Stop(env string) {
	e.mu.Lock()
	s, ok := e.sessions[env]
	delete(e.sessions, env)
	e.mu.Unlock()
	if !ok {
		return
	}
	close(s.quit)
	<-s.done
	e.logger.Info("环境已停止", "env", env)
}

// Shutdown 停止所有会话并等待它们退出
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		close(s.quit)
	}
	e.wg.Wait()
}

// Replay 从日志回放消息重建履历，回放的消息不会再次写入日志
func (e *Engine) Replay(ctx context.Context, r Replayer) error {
	entries, err := r.Replay()
	if err != nil {
		return fmt.Errorf("读取消息日志失败: %w", err)
	}
	for env, msgs := range entries {
		if err := e.Initialize(env); err != nil {
			return err
		}
		s, err := e.session(env)
		if err != nil {
			return err
		}
		replayCtx := util.ContextWithTraceID(context.Background(), util.NewTraceID())
		for _, msg := range msgs {
			if err := e.enqueue(ctx, s, request{kind: reqRestore, ctx: replayCtx, msg: msg}); err != nil {
				return err
			}
		}
		if err := e.await(ctx, s, request{kind: reqFlush}); err != nil {
			return err
		}
		e.logger.Info("消息日志回放完成", "env", env, "messages", len(msgs), "workpieces", e.ledger.Snapshot(env).Len())
	}
	return nil
}

// Snapshot 返回环境当前的只读快照
func (e *Engine) Snapshot(env string) *ledger.Snapshot {
	return e.ledger.Snapshot(env)
}

// History 返回环境全部工件履历的副本
func (e *Engine) History(env string) map[string]*types.WorkpieceHistory {
	return e.ledger.Snapshot(env).Map()
}

// Workpiece 返回单个工件履历的副本
func (e *Engine) Workpiece(env, id string) (*types.WorkpieceHistory, bool) {
	return e.ledger.Snapshot(env).Get(id)
}

// Watch 订阅环境快照：立即回调一次当前快照，之后每次变化回调一次
// 回调在写者 goroutine 中执行，不能阻塞；返回的函数用于取消订阅
func (e *Engine) Watch(env string, fn func(*ledger.Snapshot)) func() {
	var mu sync.Mutex
	var last uint64
	emitted := false
	emit := func() {
		mu.Lock()
		defer mu.Unlock()
		snap := e.ledger.Snapshot(env)
		if emitted && snap.Version <= last {
			return
		}
		emitted, last = true, snap.Version
		fn(snap)
	}

	handler := func(ev event.Event) {
		if ev.Env == env {
			emit()
		}
	}
	unsubUpdated := e.bus.Subscribe(event.HistoryUpdated, handler)
	unsubCleared := e.bus.Subscribe(event.HistoryCleared, handler)
	emit()

	return func() {
		unsubUpdated()
		unsubCleared()
	}
}

// WatchWorkpiece 订阅单个工件的履历，工件不存在或环境被清空时回调 (nil, false)
func (e *Engine) WatchWorkpiece(env, id string, fn func(*types.WorkpieceHistory, bool)) func() {
	var mu sync.Mutex
	var last uint64
	emitted := false
	emit := func() {
		mu.Lock()
		defer mu.Unlock()
		snap := e.ledger.Snapshot(env)
		if emitted && snap.Version <= last {
			return
		}
		emitted, last = true, snap.Version
		fn(snap.Get(id))
	}

	unsubUpdated := e.bus.Subscribe(event.HistoryUpdated, func(ev event.Event) {
		if ev.Env == env && ev.WorkpieceID == id {
			emit()
		}
	})
	unsubCleared := e.bus.Subscribe(event.HistoryCleared, func(ev event.Event) {
		if ev.Env == env {
			emit()
		}
	})
	emit()

	return func() {
		unsubUpdated()
		unsubCleared()
	}
}
