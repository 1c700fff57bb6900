package fsm

import (
	"fmt"
	"tracktrace/internal/types"
)

// State 工件的运输状态
type State = types.TransportState

// Event 触发状态转移的履历事件
type Event = types.EventType

// StateUnknown 尚未观察到任何事件
const StateUnknown State = ""

// FSM 工件运输状态机
// 状态由最后一条事件的类型决定，与时间无关，同一张表可以被所有工件共享
type FSM struct {
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
}

// New 创建运输状态机
func New() *FSM {
	f := &FSM{transitions: make(map[State]map[Event]State)}
	f.initTransitions()
	return f
}

func (f *FSM) initTransitions() {
	for _, from := range []State{StateUnknown, types.StateInTransport, types.StateStationary} {
		// 小车在路网上移动
		f.addTransition(from, types.EventTransport, types.StateInTransport)
		f.addTransition(from, types.EventTurn, types.StateInTransport)
		f.addTransition(from, types.EventPass, types.StateInTransport)

		// 停靠或在工站中被处理
		f.addTransition(from, types.EventDock, types.StateStationary)
		f.addTransition(from, types.EventPick, types.StateStationary)
		f.addTransition(from, types.EventProcess, types.StateStationary)
		f.addTransition(from, types.EventDrop, types.StateStationary)
	}
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// Fire 计算事件发生后的状态
func (f *FSM) Fire(current State, event Event) (State, error) {
	next, ok := f.transitions[current][event]
	if !ok {
		return current, fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, current)
	}
	return next, nil
}

// Next 与 Fire 相同，但未知事件保持当前状态
func (f *FSM) Next(current State, event Event) State {
	next, _ := f.Fire(current, event)
	return next
}
