package orders

import (
	"log/slog"
	"sort"
	"strings"
	"time"
	"tracktrace/internal/station"
	"tracktrace/internal/types"
)

// Book 当前已知的后端订单，Key 为后端订单号
type Book struct {
	Active    map[string]types.Order
	Completed map[string]types.Order
}

// NewBook 创建空的订单簿
func NewBook() Book {
	return Book{Active: map[string]types.Order{}, Completed: map[string]types.Order{}}
}

// Status 订单号出现在已完成集合中即为 COMPLETED
func (b Book) Status(orderID string) types.OrderStatus {
	if _, ok := b.Completed[orderID]; ok {
		return types.OrderCompleted
	}
	return types.OrderActive
}

// find 按订单号查找，已完成集合中的版本更新
func (b Book) find(orderID string) (types.Order, bool) {
	if o, ok := b.Completed[orderID]; ok {
		return o, true
	}
	o, ok := b.Active[orderID]
	return o, ok
}

// all 返回去重后的全部订单，按订单号排序保证结果确定
func (b Book) all() []types.Order {
	seen := make(map[string]types.Order, len(b.Active)+len(b.Completed))
	for id, o := range b.Active {
		seen[id] = o
	}
	for id, o := range b.Completed {
		seen[id] = o
	}
	out := make([]types.Order, 0, len(seen))
	for _, o := range seen {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Resolver 为工件匹配订单上下文
type Resolver struct {
	catalog    *station.Catalog
	supplierID string
	customerID string
	now        func() time.Time
	logger     *slog.Logger
}

// NewResolver 创建订单上下文解析器
func NewResolver(catalog *station.Catalog, supplierID, customerID string, logger *slog.Logger) *Resolver {
	return &Resolver{
		catalog:    catalog,
		supplierID: supplierID,
		customerID: customerID,
		now:        time.Now,
		logger:     logger.With("component", "order-resolver"),
	}
}

// SetClock 替换时钟，临时上下文的时间戳基于它生成
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve 返回工件的订单上下文
//
// realOrderID 非空时只考虑订单号相同的订单，避免串单；找不到时生成一对共享该订单号的
// 临时 STORAGE/PRODUCTION 上下文。realOrderID 为空时只使用后端订单中能关联上的订单，
// 绝不生成订单号。
func (r *Resolver) Resolve(h *types.WorkpieceHistory, book Book, realOrderID string) []types.OrderContext {
	if realOrderID != "" {
		if o, ok := book.find(realOrderID); ok {
			return []types.OrderContext{r.build(h, o, book)}
		}
		return r.provisional(realOrderID, book)
	}

	matched := r.correlate(h, book)
	if len(matched) == 0 {
		r.logger.Warn("数据质量: 没有真实订单号，无法建立订单上下文",
			"workpiece_id", h.WorkpieceID, "workpiece_type", h.WorkpieceType)
		return nil
	}
	contexts := make([]types.OrderContext, 0, len(matched))
	for _, o := range matched {
		contexts = append(contexts, r.build(h, o, book))
	}
	return contexts
}

// correlate 在没有订单号时做弱关联：
// 先找携带该工件 ID 的订单，再找同颜色、在工件最后一次事件之前开始的最近订单 (每种类型至多一个)
func (r *Resolver) correlate(h *types.WorkpieceHistory, book Book) []types.Order {
	all := book.all()
	var byID []types.Order
	for _, o := range all {
		if o.WorkpieceID != "" && o.WorkpieceID == h.WorkpieceID {
			byID = append(byID, o)
		}
	}
	if len(byID) > 0 {
		return byID
	}

	last := h.LastEvent()
	if last == nil || h.WorkpieceType == "" {
		return nil
	}
	best := make(map[types.OrderType]types.Order)
	for _, o := range all {
		if o.WorkpieceType != h.WorkpieceType || o.StartedAt == nil || o.StartedAt.After(last.Timestamp) {
			continue
		}
		if cur, ok := best[o.OrderType]; !ok || o.StartedAt.After(*cur.StartedAt) {
			best[o.OrderType] = o
		}
	}
	var out []types.Order
	for _, t := range []types.OrderType{types.OrderStorage, types.OrderProduction} {
		if o, ok := best[t]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (r *Resolver) build(h *types.WorkpieceHistory, o types.Order, book Book) types.OrderContext {
	orderType := o.OrderType
	if orderType == "" {
		orderType = types.OrderStorage
		if firstAt(h.Events, r.catalog.IsManufacturing) != nil {
			orderType = types.OrderProduction
		}
	}
	ctx := types.OrderContext{
		OrderID:   o.OrderID,
		OrderType: orderType,
		Status:    book.Status(o.OrderID),
	}

	events := eventsOfType(h.Events, orderType)
	ctx.OrderDate = orFallback(nil, o.StartedAt)
	if ctx.OrderDate == nil && len(events) > 0 {
		ctx.OrderDate = timePtr(events[0].Timestamp)
	}

	switch orderType {
	case types.OrderStorage:
		ctx.SupplierID = r.supplierID
		ctx.PurchaseOrderNumber = "PO-" + erpSuffix(o.OrderID)
		ctx.DeliveryDate = orFallback(firstAt(events, r.catalog.IsDelivery), o.StartedAt)
		ctx.StorageDate = orFallback(firstAt(events, r.catalog.IsStorage), o.StoppedAt)
	case types.OrderProduction:
		ctx.CustomerID = r.customerID
		ctx.CustomerOrderNumber = "CO-" + erpSuffix(o.OrderID)
		start := firstAt(events, r.catalog.IsManufacturing)
		ctx.ProductionStartDate = orFallback(start, o.StartedAt)
		var end *time.Time
		if start != nil {
			end = lastAfter(events, *start, r.catalog.IsDelivery)
		}
		ctx.DeliveryEndDate = orFallback(end, o.StoppedAt)
	}
	return ctx
}

// provisional 生成一对临时上下文，订单号沿用真实订单号
// 后续分组时按实际观察到的事件类型选用其中一个
func (r *Resolver) provisional(orderID string, book Book) []types.OrderContext {
	now := r.now().UTC()
	hourAgo := now.Add(-time.Hour)
	status := book.Status(orderID)

	r.logger.Info("未找到匹配的后端订单，生成临时订单上下文", "order_id", orderID)
	return []types.OrderContext{
		{
			OrderID:             orderID,
			OrderType:           types.OrderStorage,
			Status:              status,
			Provisional:         true,
			SupplierID:          r.supplierID,
			PurchaseOrderNumber: "PO-" + erpSuffix(orderID),
			OrderDate:           timePtr(hourAgo),
			DeliveryDate:        timePtr(hourAgo),
			StorageDate:         timePtr(now),
		},
		{
			OrderID:             orderID,
			OrderType:           types.OrderProduction,
			Status:              status,
			Provisional:         true,
			CustomerID:          r.customerID,
			CustomerOrderNumber: "CO-" + erpSuffix(orderID),
			OrderDate:           timePtr(hourAgo),
			ProductionStartDate: timePtr(hourAgo),
			DeliveryEndDate:     timePtr(now),
		},
	}
}

// Merge 把新解析出的上下文合并到已有列表：同订单号同类型的条目被细化，其余追加，从不删除
func Merge(existing, resolved []types.OrderContext) []types.OrderContext {
	out := make([]types.OrderContext, len(existing), len(existing)+len(resolved))
	copy(out, existing)
	for _, c := range resolved {
		replaced := false
		for i := range out {
			if out[i].OrderID == c.OrderID && out[i].OrderType == c.OrderType {
				// 临时上下文只在第一次出现时写入，不覆盖已有条目
				if c.Provisional {
					replaced = true
					break
				}
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

// RefreshStatus 按当前已完成集合重新推导状态，返回是否有变化
func RefreshStatus(contexts []types.OrderContext, book Book) bool {
	changed := false
	for i := range contexts {
		if s := book.Status(contexts[i].OrderID); s != contexts[i].Status {
			contexts[i].Status = s
			changed = true
		}
	}
	return changed
}

func erpSuffix(orderID string) string {
	s := strings.ToUpper(strings.ReplaceAll(orderID, "-", ""))
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func eventsOfType(events []types.StationEvent, t types.OrderType) []types.StationEvent {
	var out []types.StationEvent
	for _, e := range events {
		if e.OrderType == t {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return events
	}
	return out
}

func firstAt(events []types.StationEvent, match func(serial string) bool) *time.Time {
	for _, e := range events {
		if match(e.Location) {
			return timePtr(e.Timestamp)
		}
	}
	return nil
}

func lastAfter(events []types.StationEvent, after time.Time, match func(serial string) bool) *time.Time {
	var last *time.Time
	for _, e := range events {
		if match(e.Location) && e.Timestamp.After(after) {
			last = timePtr(e.Timestamp)
		}
	}
	return last
}

func orFallback(v, fallback *time.Time) *time.Time {
	if v != nil {
		return v
	}
	if fallback != nil {
		return timePtr(*fallback)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
