package engine

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"tracktrace/internal/ledger"
	"tracktrace/internal/metrics"
	"tracktrace/internal/orders"
	"tracktrace/internal/station"
	"tracktrace/internal/telemetry"
	"tracktrace/internal/types"
)

// correlationMiss 工站观测找不到对应的工件
type correlationMiss struct {
	serial   string
	orderID  string
	updateID int
	wpType   types.WorkpieceType
	command  string
}

func (e *correlationMiss) Error() string {
	return fmt.Sprintf("no workpiece for module %s order %s/%d type %s", e.serial, e.orderID, e.updateID, e.wpType)
}

// DetermineOrderType 根据工件履历推断订单类型
// 到过仓储工站后为 STORAGE，直到出现在加工工站后永久变为 PRODUCTION；
// 履历中没有这两类信号时才退回到只看当前位置
func DetermineOrderType(catalog *station.Catalog, events []types.StationEvent, currentNode string) types.OrderType {
	wasAtStorage, wasAtManufacturing := false, false
	for _, e := range events {
		if catalog.IsStorage(e.Location) {
			wasAtStorage = true
		}
		if catalog.IsManufacturing(e.Location) {
			wasAtManufacturing = true
		}
	}

	switch {
	case wasAtManufacturing || catalog.IsManufacturing(currentNode):
		return types.OrderProduction
	case wasAtStorage || catalog.IsStorage(currentNode):
		return types.OrderStorage
	default:
		// 新工件第一段路程总是从出入库工站入库
		return types.OrderStorage
	}
}

// vehicleEventType 小车动作命令到事件类型的映射，未知命令视为运输
func vehicleEventType(a *telemetry.Action) types.EventType {
	if a == nil {
		return types.EventTransport
	}
	switch t := types.EventType(a.Command); t {
	case types.EventDock, types.EventPick, types.EventDrop, types.EventTurn, types.EventPass:
		return t
	}
	return types.EventTransport
}

// moduleEventType 工站只关心 PICK/PROCESS/DROP，质检视为加工
func moduleEventType(command string) (types.EventType, bool) {
	switch command {
	case "PICK":
		return types.EventPick, true
	case "DROP":
		return types.EventDrop, true
	case "PROCESS", "CHECK_QUALITY":
		return types.EventProcess, true
	}
	return "", false
}

func subOrderID(orderID, workpieceID string, eventCount int) string {
	key := orderID
	if key == "" {
		key = workpieceID
	}
	return key + "-" + strconv.Itoa(eventCount)
}

// handleVehicle 处理一条小车观测，所有载货位在同一个快照中提交
// 任何一个载货位失败时整条观测被丢弃
func (t *Tracker) handleVehicle(msg telemetry.Message, logger *slog.Logger) error {
	s, err := telemetry.ParseVehicleState(msg)
	if err != nil {
		return err
	}
	logger = logger.With("vehicle", s.VehicleID, "node", s.Node)

	loads := make(map[string]telemetry.Load, len(s.Loads))
	ids := make([]string, 0, len(s.Loads))
	for _, load := range s.Loads {
		if _, dup := loads[load.ID]; !dup {
			ids = append(ids, load.ID)
		}
		loads[load.ID] = load
	}
	if len(ids) == 0 {
		return nil
	}

	appended := make(map[string][]types.StationEvent, len(ids))
	_, err = t.ledger.UpsertAll(t.env, ids, func(h *types.WorkpieceHistory) error {
		events, err := t.applyVehicleLoad(h, s, loads[h.WorkpieceID], logger)
		if err != nil {
			return fmt.Errorf("workpiece %s: %w", h.WorkpieceID, err)
		}
		appended[h.WorkpieceID] = events
		return nil
	})
	if err != nil {
		return err
	}
	for _, events := range appended {
		for _, e := range events {
			metrics.EventsAppendedTotal.WithLabelValues(string(e.EventType)).Inc()
		}
	}
	return nil
}

// applyVehicleLoad 处理小车上一个载货位的观测，返回追加的事件
// 与小车上一次所在的节点相同时不追加任何事件，重复观测是幂等的
// 这里不能比较时间上最后一条事件的位置：合成的 DROP 时间戳在观测时间之后
func (t *Tracker) applyVehicleLoad(h *types.WorkpieceHistory, s *telemetry.VehicleSighting, load telemetry.Load, logger *slog.Logger) ([]types.StationEvent, error) {
	if h.WorkpieceType == "" {
		h.WorkpieceType = load.Type
	}
	if len(h.Events) > 0 && h.CurrentLocation == s.Node {
		return nil, ledger.ErrNoChange
	}

	var appended []types.StationEvent
	orderType := DetermineOrderType(t.catalog, h.Events, s.Node)
	st, known := t.catalog.Lookup(s.Node)
	if known && st.IsManufacturing() && orderType == types.OrderProduction {
		routed, err := t.catalog.Routes(h.WorkpieceType, st, orderType)
		if err != nil {
			return nil, err
		}
		if routed {
			appended = t.synthesizeVisit(h, s, st, orderType)
		} else {
			logger.Debug("工件颜色不经过该工站，记录为普通运输事件",
				"workpiece_id", h.WorkpieceID, "workpiece_type", h.WorkpieceType, "station", st.Name)
		}
	}
	if appended == nil {
		appended = []types.StationEvent{t.vehicleEvent(h, s, load, orderType)}
	}

	h.Events = append(h.Events, appended...)
	types.SortEvents(h.Events)
	h.CurrentLocation = s.Node
	for _, e := range appended {
		h.CurrentState = t.fsm.Next(h.CurrentState, e.EventType)
	}
	h.Orders = orders.Merge(h.Orders, t.resolver.Resolve(h, t.book, s.OrderID))
	return appended, nil
}

// synthesizeVisit 小车不上报工站的取放料，用一次到站观测合成 PICK -> PROCESS -> DROP
func (t *Tracker) synthesizeVisit(h *types.WorkpieceHistory, s *telemetry.VehicleSighting, st station.Station, orderType types.OrderType) []types.StationEvent {
	actionID := ""
	if s.Action != nil {
		actionID = s.Action.ID
	}
	base := types.StationEvent{
		WorkpieceID:   h.WorkpieceID,
		WorkpieceType: h.WorkpieceType,
		ModuleID:      st.Serial,
		ModuleName:    st.Name,
		Location:      st.Serial,
		OrderID:       s.OrderID,
		OrderUpdateID: s.OrderUpdateID,
		OrderType:     orderType,
		SubOrderID:    subOrderID(s.OrderID, h.WorkpieceID, len(h.Events)),
		ActionID:      actionID,
		StationID:     st.Serial,
		StationName:   st.Name,
	}
	details := func() map[string]string {
		return map[string]string{"vehicleId": s.VehicleID, "synthesized": "true"}
	}
	duration := time.Duration(st.ProcessDuration) * time.Second

	pick := base
	pick.EventType = types.EventPick
	pick.Timestamp = s.Timestamp
	pick.Details = details()

	process := base
	process.EventType = types.EventProcess
	process.Timestamp = s.Timestamp.Add(time.Second)
	process.ProcessDuration = st.ProcessDuration
	process.Details = details()

	drop := base
	drop.EventType = types.EventDrop
	drop.Timestamp = s.Timestamp.Add(time.Second + duration)
	drop.Details = details()

	return []types.StationEvent{pick, process, drop}
}

// vehicleEvent 生成一条普通的运输/停靠/转向事件
func (t *Tracker) vehicleEvent(h *types.WorkpieceHistory, s *telemetry.VehicleSighting, load telemetry.Load, orderType types.OrderType) types.StationEvent {
	ev := types.StationEvent{
		Timestamp:     s.Timestamp,
		EventType:     vehicleEventType(s.Action),
		WorkpieceID:   h.WorkpieceID,
		WorkpieceType: h.WorkpieceType,
		ModuleID:      s.VehicleID,
		ModuleName:    station.NameFTS,
		Location:      s.Node,
		OrderID:       s.OrderID,
		OrderUpdateID: s.OrderUpdateID,
		OrderType:     orderType,
		Details: map[string]string{
			"vehicleId": s.VehicleID,
			"position":  load.Position,
			"driving":   strconv.FormatBool(s.Driving),
		},
	}
	if st, ok := t.catalog.Lookup(s.Node); ok {
		ev.StationID = st.Serial
		ev.StationName = st.Name
	}
	if s.Action != nil {
		ev.ActionID = s.Action.ID
		ev.Details["state"] = s.Action.State
		ev.Details["command"] = s.Action.Command
	}

	switch ev.EventType {
	case types.EventDock:
		// 停靠代表一次工站访问，工站随后的动作会继承这个分组
		ev.SubOrderID = subOrderID(s.OrderID, h.WorkpieceID, len(h.Events))
	case types.EventTurn:
		dir := s.Action.Metadata["direction"]
		if dir == "" {
			dir = t.turns[s.Action.ID]
		}
		if dir != "" {
			ev.Details["direction"] = dir
		}
	}
	return ev
}

func (t *Tracker) handleModule(msg telemetry.Message, logger *slog.Logger) error {
	s, err := telemetry.ParseModuleState(msg)
	if err != nil {
		return err
	}
	if s.Action == nil {
		logger.Debug("工站没有执行中的动作", "module", s.Serial)
		return nil
	}
	evType, ok := moduleEventType(s.Action.Command)
	if !ok {
		logger.Debug("忽略工站动作", "module", s.Serial, "command", s.Action.Command)
		return nil
	}
	if s.OrderID == "" {
		return fmt.Errorf("orderId: %w", telemetry.ErrMissingField)
	}

	wpID, ok := t.attribute(t.ledger.Snapshot(t.env), s)
	if !ok {
		return &correlationMiss{
			serial:   s.Serial,
			orderID:  s.OrderID,
			updateID: s.OrderUpdateID,
			wpType:   s.WorkpieceType,
			command:  s.Action.Command,
		}
	}

	name := s.Serial
	duration := 1
	if st, known := t.catalog.Lookup(s.Serial); known {
		name = st.Name
		duration = st.ProcessDuration
	}

	appended := false
	_, err = t.ledger.Upsert(t.env, wpID, func(h *types.WorkpieceHistory) error {
		for _, e := range h.Events {
			if e.ModuleID == s.Serial && e.EventType == evType && e.ActionID == s.Action.ID && e.Timestamp.Equal(s.Timestamp) {
				return ledger.ErrNoChange
			}
		}
		ev := types.StationEvent{
			Timestamp:     s.Timestamp,
			EventType:     evType,
			WorkpieceID:   h.WorkpieceID,
			WorkpieceType: h.WorkpieceType,
			ModuleID:      s.Serial,
			ModuleName:    name,
			Location:      s.Serial,
			OrderID:       s.OrderID,
			OrderUpdateID: s.OrderUpdateID,
			OrderType:     DetermineOrderType(t.catalog, h.Events, s.Serial),
			SubOrderID:    t.inheritSubOrder(h, s),
			ActionID:      s.Action.ID,
			StationID:     s.Serial,
			StationName:   name,
			Details:       map[string]string{"state": s.Action.State, "command": s.Action.Command},
		}
		if evType == types.EventProcess {
			ev.ProcessDuration = duration
		}
		if last := h.LastEvent(); last == nil || !ev.Timestamp.Before(last.Timestamp) {
			h.CurrentLocation = s.Serial
			h.CurrentState = t.fsm.Next(h.CurrentState, evType)
		}
		h.Events = append(h.Events, ev)
		appended = true
		return nil
	})
	if err != nil {
		return err
	}
	if appended {
		metrics.EventsAppendedTotal.WithLabelValues(string(evType)).Inc()
	}
	return nil
}

// attribute 找到工站观测对应的工件：颜色一致，且最近一条该订单的事件的更新号与工站相同
// 第一个命中者胜出；更新号对不上时视为关联失败
func (t *Tracker) attribute(snap *ledger.Snapshot, s *telemetry.ModuleSighting) (string, bool) {
	for _, id := range snap.LookupOrder(s.OrderID, s.OrderUpdateID) {
		h, ok := snap.Peek(id)
		if !ok {
			continue
		}
		if s.WorkpieceType != "" && h.WorkpieceType != "" && h.WorkpieceType != s.WorkpieceType {
			continue
		}
		for i := len(h.Events) - 1; i >= 0; i-- {
			if h.Events[i].OrderID == s.OrderID {
				if h.Events[i].OrderUpdateID == s.OrderUpdateID {
					return id, true
				}
				break
			}
		}
	}
	return "", false
}

// inheritSubOrder 工站事件沿用同一次访问的分组：
// 运送该工件的小车在同工站同订单下最近的 DOCK，其次是订单号/更新号相同的最近事件，都没有时生成新 ID
// 工站观测不带小车编号，小车取工件最近一条小车事件的 vehicleId
func (t *Tracker) inheritSubOrder(h *types.WorkpieceHistory, s *telemetry.ModuleSighting) string {
	vehicleID := ""
	for i := len(h.Events) - 1; i >= 0 && vehicleID == ""; i-- {
		vehicleID = h.Events[i].Details["vehicleId"]
	}
	for i := len(h.Events) - 1; i >= 0 && vehicleID != ""; i-- {
		e := h.Events[i]
		if e.EventType == types.EventDock && e.Location == s.Serial && e.OrderID == s.OrderID &&
			e.Details["vehicleId"] == vehicleID && e.SubOrderID != "" {
			return e.SubOrderID
		}
	}
	for i := len(h.Events) - 1; i >= 0; i-- {
		e := h.Events[i]
		if e.OrderID == s.OrderID && e.OrderUpdateID == s.OrderUpdateID && e.SubOrderID != "" {
			return e.SubOrderID
		}
	}
	return t.newID()
}
