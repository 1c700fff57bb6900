package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"tracktrace/internal/types"
)

var (
	// ErrUnknownTopic topic 不属于任何已知的消息族
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrMissingField 消息缺少必需字段
	ErrMissingField = errors.New("missing required field")
)

// Message 是传输层投递的一条原始消息
type Message struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Family 消息族
type Family string

const (
	FamilyUnknown        Family = "unknown"
	FamilyVehicleState   Family = "vehicle_state"
	FamilyModuleState    Family = "module_state"
	FamilyOrderActive    Family = "order_active"
	FamilyOrderCompleted Family = "order_completed"
	FamilyOrderFts       Family = "order_fts"
)

// Classify 根据 topic 判断消息族，并提取其中的设备序列号
//
//	<vehicle-class>/v1/ff/<serial>/state
//	module/v1/ff/[NodeRed/]<serial>/state
//	ccu/order/{active,completed,fts}
func Classify(topic string) (Family, string) {
	switch topic {
	case "ccu/order/active":
		return FamilyOrderActive, ""
	case "ccu/order/completed":
		return FamilyOrderCompleted, ""
	case "ccu/order/fts":
		return FamilyOrderFts, ""
	}

	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[1] != "v1" || parts[2] != "ff" || parts[len(parts)-1] != "state" {
		return FamilyUnknown, ""
	}
	if parts[0] == "module" {
		switch {
		case len(parts) == 5:
			return FamilyModuleState, parts[3]
		case len(parts) == 6 && parts[3] == "NodeRed":
			return FamilyModuleState, parts[4]
		}
		return FamilyUnknown, ""
	}
	if len(parts) != 5 || parts[0] == "" || parts[0] == "ccu" {
		return FamilyUnknown, ""
	}
	return FamilyVehicleState, parts[3]
}

// Normalize 统一负载格式：负载可能是 JSON 对象，也可能是被编码成字符串的 JSON
func Normalize(payload []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload: %w", ErrMissingField)
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("decode string payload: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
	}
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, fmt.Errorf("payload is not a JSON object or array")
	}
	return trimmed, nil
}

// Action 设备当前执行的动作
type Action struct {
	ID       string
	Command  string
	State    string
	Metadata map[string]string
}

// Load 小车上的一个载货位
type Load struct {
	ID       string              // 工件 ID (由小车读取，不在本地生成)
	Type     types.WorkpieceType // 工件颜色
	Position string              // 载货位编号
}

// VehicleSighting 小车状态消息归一化后的观测
type VehicleSighting struct {
	VehicleID     string
	Node          string // 小车当前所在节点
	Timestamp     time.Time
	OrderID       string
	OrderUpdateID int
	Driving       bool
	Action        *Action // 最近一个动作，可能为空
	Loads         []Load
}

// ModuleSighting 工站状态消息归一化后的观测
type ModuleSighting struct {
	Serial        string
	Timestamp     time.Time
	OrderID       string
	OrderUpdateID int
	Action        *Action // 空闲状态时为空
	WorkpieceType types.WorkpieceType
}

type actionWire struct {
	ID       string         `json:"id"`
	Command  string         `json:"command"`
	Type     string         `json:"actionType"`
	State    string         `json:"state"`
	Metadata map[string]any `json:"metadata"`
}

type loadWire struct {
	LoadID       string `json:"loadId"`
	LoadType     string `json:"loadType"`
	LoadPosition string `json:"loadPosition"`
}

type stateWire struct {
	SerialNumber  string       `json:"serialNumber"`
	Timestamp     string       `json:"timestamp"`
	OrderID       string       `json:"orderId"`
	OrderUpdateID int          `json:"orderUpdateId"`
	LastNodeID    string       `json:"lastNodeId"`
	Driving       bool         `json:"driving"`
	ActionStates  []actionWire `json:"actionStates"`
	ActionState   *actionWire  `json:"actionState"`
	Loads         []loadWire   `json:"loads"`
}

func decodeState(msg Message) (*stateWire, time.Time, error) {
	payload, err := Normalize(msg.Payload)
	if err != nil {
		return nil, time.Time{}, err
	}
	var w stateWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode state: %w", err)
	}
	ts := msg.Timestamp
	if w.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("parse timestamp %q: %w", w.Timestamp, err)
		}
		ts = parsed
	}
	if ts.IsZero() {
		return nil, time.Time{}, fmt.Errorf("timestamp: %w", ErrMissingField)
	}
	return &w, ts.UTC(), nil
}

func (a *actionWire) toAction() *Action {
	if a == nil {
		return nil
	}
	cmd := a.Command
	if cmd == "" {
		cmd = a.Type
	}
	return &Action{
		ID:       a.ID,
		Command:  strings.ToUpper(cmd),
		State:    a.State,
		Metadata: stringify(a.Metadata),
	}
}

func stringify(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// ParseVehicleState 解析小车状态消息
func ParseVehicleState(msg Message) (*VehicleSighting, error) {
	family, serial := Classify(msg.Topic)
	if family != FamilyVehicleState {
		return nil, fmt.Errorf("%s: %w", msg.Topic, ErrUnknownTopic)
	}
	w, ts, err := decodeState(msg)
	if err != nil {
		return nil, err
	}
	if w.LastNodeID == "" {
		return nil, fmt.Errorf("lastNodeId: %w", ErrMissingField)
	}
	if w.SerialNumber != "" {
		serial = w.SerialNumber
	}

	s := &VehicleSighting{
		VehicleID:     serial,
		Node:          w.LastNodeID,
		Timestamp:     ts,
		OrderID:       w.OrderID,
		OrderUpdateID: w.OrderUpdateID,
		Driving:       w.Driving,
	}
	if n := len(w.ActionStates); n > 0 {
		s.Action = w.ActionStates[n-1].toAction()
	}
	for _, l := range w.Loads {
		if l.LoadID == "" {
			continue
		}
		s.Loads = append(s.Loads, Load{
			ID:       l.LoadID,
			Type:     types.WorkpieceType(strings.ToUpper(l.LoadType)),
			Position: l.LoadPosition,
		})
	}
	return s, nil
}

// ParseModuleState 解析工站状态消息
func ParseModuleState(msg Message) (*ModuleSighting, error) {
	family, serial := Classify(msg.Topic)
	if family != FamilyModuleState {
		return nil, fmt.Errorf("%s: %w", msg.Topic, ErrUnknownTopic)
	}
	w, ts, err := decodeState(msg)
	if err != nil {
		return nil, err
	}
	if w.SerialNumber != "" {
		serial = w.SerialNumber
	}

	s := &ModuleSighting{
		Serial:        serial,
		Timestamp:     ts,
		OrderID:       w.OrderID,
		OrderUpdateID: w.OrderUpdateID,
		Action:        w.ActionState.toAction(),
	}
	if s.Action == nil && len(w.ActionStates) > 0 {
		s.Action = w.ActionStates[len(w.ActionStates)-1].toAction()
	}
	if len(w.Loads) > 0 {
		s.WorkpieceType = types.WorkpieceType(strings.ToUpper(w.Loads[0].LoadType))
	}
	return s, nil
}

// ParseOrders 解析 ccu/order/active 与 ccu/order/completed，负载为订单数组或单个订单
func ParseOrders(msg Message) ([]types.Order, error) {
	payload, err := Normalize(msg.Payload)
	if err != nil {
		return nil, err
	}
	var orders []types.Order
	if payload[0] == '{' {
		var o types.Order
		if err := json.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		orders = append(orders, o)
	} else if err := json.Unmarshal(payload, &orders); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}

	valid := orders[:0]
	for _, o := range orders {
		if o.OrderID == "" {
			continue
		}
		o.WorkpieceType = types.WorkpieceType(strings.ToUpper(string(o.WorkpieceType)))
		o.OrderType = types.OrderType(strings.ToUpper(string(o.OrderType)))
		valid = append(valid, o)
	}
	return valid, nil
}

type ftsOrderWire struct {
	OrderID string `json:"orderId"`
	Nodes   []struct {
		ID      string       `json:"id"`
		Action  *actionWire  `json:"action"`
		Actions []actionWire `json:"actions"`
	} `json:"nodes"`
}

// ParseTurnDirections 扫描小车订单 (ccu/order/fts)，返回 TURN 动作 ID 到转向方向的映射
func ParseTurnDirections(msg Message) (map[string]string, error) {
	payload, err := Normalize(msg.Payload)
	if err != nil {
		return nil, err
	}
	var wires []ftsOrderWire
	if payload[0] == '{' {
		var w ftsOrderWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode fts order: %w", err)
		}
		wires = append(wires, w)
	} else if err := json.Unmarshal(payload, &wires); err != nil {
		return nil, fmt.Errorf("decode fts orders: %w", err)
	}

	turns := make(map[string]string)
	for _, w := range wires {
		for _, node := range w.Nodes {
			actions := node.Actions
			if node.Action != nil {
				actions = append(actions, *node.Action)
			}
			for _, a := range actions {
				addTurn(turns, a.toAction())
			}
		}
	}
	return turns, nil
}

// TurnDirections 从后端订单的生产步骤中提取 TURN 动作的方向
func TurnDirections(orders []types.Order) map[string]string {
	turns := make(map[string]string)
	for _, o := range orders {
		for _, st := range o.Steps {
			cmd := st.Command
			if cmd == "" {
				cmd = st.Type
			}
			addTurn(turns, &Action{ID: st.ID, Command: strings.ToUpper(cmd), Metadata: stringify(st.Metadata)})
		}
	}
	return turns
}

func addTurn(turns map[string]string, a *Action) {
	if a == nil || a.ID == "" || a.Command != string(types.EventTurn) {
		return
	}
	if dir := a.Metadata["direction"]; dir != "" {
		turns[a.ID] = dir
	}
}
