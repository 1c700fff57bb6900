package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"tracktrace/internal/buffer"
	"tracktrace/internal/event"
	"tracktrace/internal/fsm"
	"tracktrace/internal/ledger"
	"tracktrace/internal/metrics"
	"tracktrace/internal/orders"
	"tracktrace/internal/station"
	"tracktrace/internal/telemetry"
	"tracktrace/internal/types"
	"tracktrace/internal/util"

	"github.com/google/uuid"
)

// Tracker 负责一个环境的消息关联
// Handle 必须由同一个 goroutine 顺序调用，因此内部状态不加锁
type Tracker struct {
	env      string
	ledger   *ledger.Ledger
	buffer   *buffer.Buffer
	bus      *event.Bus
	catalog  *station.Catalog
	resolver *orders.Resolver
	fsm      *fsm.FSM
	book     orders.Book
	turns    map[string]string // TURN 动作 ID -> 转向方向
	newID    func() string
	logger   *slog.Logger
}

// NewTracker 创建一个环境的关联器
func NewTracker(
	env string,
	l *ledger.Ledger,
	buf *buffer.Buffer,
	bus *event.Bus,
	catalog *station.Catalog,
	resolver *orders.Resolver,
	logger *slog.Logger,
) *Tracker {
	return &Tracker{
		env:      env,
		ledger:   l,
		buffer:   buf,
		bus:      bus,
		catalog:  catalog,
		resolver: resolver,
		fsm:      fsm.New(),
		book:     orders.NewBook(),
		turns:    make(map[string]string),
		newID:    uuid.NewString,
		logger:   logger.With("component", "tracker", "env", env),
	}
}

// Handle 处理一条原始消息
// 任何解析失败都只丢弃这一条观测，不会返回错误，也不会留下部分更新
func (t *Tracker) Handle(ctx context.Context, msg telemetry.Message) {
	t.handle(ctx, msg, true)
}

// Restore 处理一条从日志回放的消息，不再写回日志
func (t *Tracker) Restore(ctx context.Context, msg telemetry.Message) {
	t.handle(ctx, msg, false)
}

func (t *Tracker) handle(ctx context.Context, msg telemetry.Message, journal bool) {
	family, _ := telemetry.Classify(msg.Topic)
	logger := t.logger.With("topic", msg.Topic)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	publish := t.buffer.Publish
	if !journal {
		publish = t.buffer.Restore
	}
	if !publish(msg.Topic, msg.Payload, msg.Timestamp) {
		logger.Debug("重复消息，忽略")
		metrics.SightingsTotal.WithLabelValues(string(family), "duplicate").Inc()
		return
	}

	start := time.Now()
	var err error
	switch family {
	case telemetry.FamilyVehicleState:
		err = t.handleVehicle(msg, logger)
	case telemetry.FamilyModuleState:
		err = t.handleModule(msg, logger)
	case telemetry.FamilyOrderActive, telemetry.FamilyOrderCompleted:
		err = t.handleOrders(family, msg)
	case telemetry.FamilyOrderFts:
		err = t.handleFtsOrder(msg)
	default:
		logger.Debug("未知 topic，仅缓存")
		metrics.SightingsTotal.WithLabelValues(string(family), "ignored").Inc()
		return
	}
	metrics.SightingDuration.WithLabelValues(string(family)).Observe(time.Since(start).Seconds())

	if err != nil {
		var miss *correlationMiss
		if errors.As(err, &miss) {
			logger.Warn("工站观测无法关联到工件", "module", miss.serial, "order_id", miss.orderID,
				"order_update_id", miss.updateID, "workpiece_type", miss.wpType, "command", miss.command)
			metrics.SightingsTotal.WithLabelValues(string(family), "uncorrelated").Inc()
			t.publish(event.Event{Type: event.CorrelationMissed, Topic: msg.Topic, Family: string(family), Module: miss.serial})
			return
		}
		logger.Warn("丢弃无法解析的观测", "error", err)
		metrics.SightingsTotal.WithLabelValues(string(family), "discarded").Inc()
		t.publish(event.Event{Type: event.SightingDiscarded, Topic: msg.Topic, Family: string(family), Error: err})
		return
	}
	metrics.SightingsTotal.WithLabelValues(string(family), "applied").Inc()
}

// Reset 清空环境的缓冲区和订单状态，履历由调用方清空
func (t *Tracker) Reset() {
	t.buffer.Clear()
	t.book = orders.NewBook()
	t.turns = make(map[string]string)
}

func (t *Tracker) publish(e event.Event) {
	if t.bus == nil {
		return
	}
	e.Env = t.env
	t.bus.Publish(e)
}

// handleOrders 更新活动/已完成订单集合
// 集合以缓冲区中该 topic 的最新消息为准，已完成集合变化时重新推导所有上下文的状态
func (t *Tracker) handleOrders(family telemetry.Family, msg telemetry.Message) error {
	latest, ok := t.buffer.Latest(msg.Topic)
	if !ok {
		latest = msg
	}
	list, err := telemetry.ParseOrders(latest)
	if err != nil {
		return err
	}

	set := make(map[string]types.Order, len(list))
	for _, o := range list {
		set[o.OrderID] = o
	}
	for id, dir := range telemetry.TurnDirections(list) {
		t.turns[id] = dir
	}

	if family == telemetry.FamilyOrderActive {
		t.book.Active = set
		return nil
	}
	t.book.Completed = set
	t.refreshStatuses()
	return nil
}

func (t *Tracker) handleFtsOrder(msg telemetry.Message) error {
	turns, err := telemetry.ParseTurnDirections(msg)
	if err != nil {
		return err
	}
	for id, dir := range turns {
		t.turns[id] = dir
	}
	return nil
}

func (t *Tracker) refreshStatuses() {
	snap := t.ledger.Snapshot(t.env)
	for _, id := range snap.IDs() {
		_, err := t.ledger.Upsert(t.env, id, func(h *types.WorkpieceHistory) error {
			if !orders.RefreshStatus(h.Orders, t.book) {
				return ledger.ErrNoChange
			}
			return nil
		})
		if err != nil {
			t.logger.Error("刷新订单状态失败", "workpiece_id", id, "error", err)
		}
	}
}
