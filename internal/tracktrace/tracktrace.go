package tracktrace

import (
	"sort"
	"time"
	"tracktrace/internal/types"
)

// NoSubOrder 没有分组键的事件归入的最后一组
const NoSubOrder = "no-sub-order"

// QualityStation 质检工站的逻辑名称
const QualityStation = "AIQS"

// StationTaskGroup 一次工站访问内的 PICK/PROCESS/DROP 事件
type StationTaskGroup struct {
	SubOrderID  string               `json:"subOrderId"`
	StationID   string               `json:"stationId"`
	StationName string               `json:"stationName"`
	Events      []types.StationEvent `json:"events"`
	StartTime   time.Time            `json:"startTime"`
	EndTime     time.Time            `json:"endTime"`
	Duration    int                  `json:"duration"` // 秒
}

// SubOrderGroup 展示用的分组，ModuleID 为空表示没有匹配到工站任务
type SubOrderGroup struct {
	SubOrderID string               `json:"subOrderId"`
	ModuleID   string               `json:"moduleId,omitempty"`
	ModuleName string               `json:"moduleName,omitempty"`
	Events     []types.StationEvent `json:"events"`
}

// Segment 履历中订单类型相同的一段连续事件
type Segment struct {
	OrderType    types.OrderType      `json:"orderType"`
	Context      *types.OrderContext  `json:"orderContext"`
	Events       []types.StationEvent `json:"events"`
	StationTasks []StationTaskGroup   `json:"stationTasks,omitempty"`
	SubOrders    []SubOrderGroup      `json:"subOrders"`
}

// SegmentByOrder 按订单类型把事件切成最长的连续段，并为每段匹配第一个同类型的订单上下文
func SegmentByOrder(h *types.WorkpieceHistory) []Segment {
	var segments []Segment
	for _, e := range h.Events {
		if n := len(segments); n > 0 && segments[n-1].OrderType == e.OrderType {
			segments[n-1].Events = append(segments[n-1].Events, e)
			continue
		}
		segments = append(segments, Segment{
			OrderType: e.OrderType,
			Context:   contextFor(h.Orders, e.OrderType),
			Events:    []types.StationEvent{e},
		})
	}
	return segments
}

func contextFor(contexts []types.OrderContext, t types.OrderType) *types.OrderContext {
	for i := range contexts {
		if contexts[i].OrderType == t {
			c := contexts[i]
			return &c
		}
	}
	return nil
}

func isStationTask(e types.StationEvent) bool {
	if e.StationID == "" {
		return false
	}
	switch e.EventType {
	case types.EventPick, types.EventProcess, types.EventDrop:
		return true
	}
	return false
}

// GroupStationTasks 按 subOrderId 把工站事件分组，组的工站取第一条成员事件的工站
// 结果按开始时间升序
func GroupStationTasks(events []types.StationEvent) []StationTaskGroup {
	sorted := sortedCopy(events)
	index := make(map[string]int)
	var groups []StationTaskGroup
	for _, e := range sorted {
		if !isStationTask(e) {
			continue
		}
		key := e.SubOrderID
		if key == "" {
			key = "station:" + e.StationID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, StationTaskGroup{
				SubOrderID:  e.SubOrderID,
				StationID:   e.StationID,
				StationName: e.StationName,
				StartTime:   e.Timestamp,
				EndTime:     e.Timestamp,
			})
		}
		g := &groups[i]
		g.Events = append(g.Events, e)
		if e.Timestamp.Before(g.StartTime) {
			g.StartTime = e.Timestamp
		}
		if e.Timestamp.After(g.EndTime) {
			g.EndTime = e.Timestamp
		}
	}

	for i := range groups {
		groups[i].Duration = int(groups[i].EndTime.Sub(groups[i].StartTime) / time.Second)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].StartTime.Before(groups[j].StartTime)
	})
	return groups
}

// GroupSubOrders 按 subOrderId 分组展示
// 能从工站任务匹配到工站的组排在最前，其次是未匹配的组，没有 subOrderId 的事件放在最后一组
func GroupSubOrders(events []types.StationEvent, tasks []StationTaskGroup) []SubOrderGroup {
	type label struct{ id, name string }
	modules := make(map[string]label)
	for _, t := range tasks {
		if t.SubOrderID == "" {
			continue
		}
		if _, ok := modules[t.SubOrderID]; !ok {
			modules[t.SubOrderID] = label{t.StationID, t.StationName}
		}
	}

	index := make(map[string]int)
	var groups []SubOrderGroup
	var rest []types.StationEvent
	for _, e := range events {
		if e.SubOrderID == "" {
			rest = append(rest, e)
			continue
		}
		i, ok := index[e.SubOrderID]
		if !ok {
			i = len(groups)
			index[e.SubOrderID] = i
			g := SubOrderGroup{SubOrderID: e.SubOrderID}
			if m, ok := modules[e.SubOrderID]; ok {
				g.ModuleID, g.ModuleName = m.id, m.name
			}
			groups = append(groups, g)
		}
		groups[i].Events = append(groups[i].Events, e)
	}

	for i := range groups {
		types.SortEvents(groups[i].Events)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if (a.ModuleID != "") != (b.ModuleID != "") {
			return a.ModuleID != ""
		}
		if !a.Events[0].Timestamp.Equal(b.Events[0].Timestamp) {
			return a.Events[0].Timestamp.Before(b.Events[0].Timestamp)
		}
		return a.SubOrderID < b.SubOrderID
	})

	if len(rest) > 0 {
		rest = sortedCopy(rest)
		groups = append(groups, SubOrderGroup{SubOrderID: NoSubOrder, Events: rest})
	}
	return groups
}

// Build 生成工件的完整追溯视图
// 工站任务只在生产段中计算，子订单分组覆盖每一段的全部事件
func Build(h *types.WorkpieceHistory) []Segment {
	segments := SegmentByOrder(h)
	for i := range segments {
		s := &segments[i]
		if s.OrderType == types.OrderProduction {
			s.StationTasks = GroupStationTasks(s.Events)
		}
		s.SubOrders = GroupSubOrders(s.Events, s.StationTasks)
	}
	return segments
}

// QualityChecks 返回质检工站的 PROCESS 事件
func QualityChecks(h *types.WorkpieceHistory) []types.StationEvent {
	var out []types.StationEvent
	for _, e := range h.Events {
		if e.EventType == types.EventProcess && e.StationName == QualityStation {
			out = append(out, e)
		}
	}
	return out
}

func sortedCopy(events []types.StationEvent) []types.StationEvent {
	out := make([]types.StationEvent, len(events))
	copy(out, events)
	types.SortEvents(out)
	return out
}
