package ledger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"tracktrace/internal/event"
	"tracktrace/internal/types"
)

var (
	// ErrNoChange 由修改函数返回，表示本次观测没有带来变化 (不发布新快照)
	ErrNoChange = errors.New("ledger: no change")
	// ErrEventsRemoved 修改函数试图删除已追加的事件
	ErrEventsRemoved = errors.New("ledger: events may only be appended")
)

// Snapshot 是某个环境在某一时刻的不可变工件履历集合
// 快照一经发布就不会再被修改，读者无需加锁
type Snapshot struct {
	Env       string
	Version   uint64
	histories map[string]*types.WorkpieceHistory
	order     []string // 工件首次出现的顺序
	index     orderIndex
}

func emptySnapshot(env string) *Snapshot {
	return &Snapshot{
		Env:       env,
		histories: map[string]*types.WorkpieceHistory{},
		index:     orderIndex{},
	}
}

// Len 返回工件数量
func (s *Snapshot) Len() int { return len(s.histories) }

// IDs 按首次出现顺序返回工件 ID
func (s *Snapshot) IDs() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Get 返回工件履历的副本
func (s *Snapshot) Get(id string) (*types.WorkpieceHistory, bool) {
	h, ok := s.histories[id]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

// Map 返回所有工件履历的副本
func (s *Snapshot) Map() map[string]*types.WorkpieceHistory {
	out := make(map[string]*types.WorkpieceHistory, len(s.histories))
	for id, h := range s.histories {
		out[id] = h.Clone()
	}
	return out
}

// Range 按首次出现顺序遍历履历，fn 返回 false 时停止
// 传入的指针指向快照内部数据，调用方不得修改
func (s *Snapshot) Range(fn func(h *types.WorkpieceHistory) bool) {
	for _, id := range s.order {
		if !fn(s.histories[id]) {
			return
		}
	}
}

// Peek 返回快照内部的履历指针，调用方不得修改
func (s *Snapshot) Peek(id string) (*types.WorkpieceHistory, bool) {
	h, ok := s.histories[id]
	return h, ok
}

// LookupOrder 返回带有该订单号/更新号事件的工件 ID (按首次出现顺序)
func (s *Snapshot) LookupOrder(orderID string, updateID int) []string {
	return s.index.lookup(s.order, orderKey{orderID: orderID, updateID: updateID})
}

// Ledger 按环境保存工件履历
// 同一环境只允许一个写者 (由引擎的会话 goroutine 保证)，读者通过原子指针读取快照
type Ledger struct {
	mu   sync.Mutex // 只保护 envs 映射本身
	envs map[string]*atomic.Pointer[Snapshot]
	bus  *event.Bus
}

// New 创建履历账本，bus 可为空
func New(bus *event.Bus) *Ledger {
	return &Ledger{
		envs: make(map[string]*atomic.Pointer[Snapshot]),
		bus:  bus,
	}
}

func (l *Ledger) slot(env string) *atomic.Pointer[Snapshot] {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.envs[env]
	if !ok {
		p = &atomic.Pointer[Snapshot]{}
		p.Store(emptySnapshot(env))
		l.envs[env] = p
	}
	return p
}

// Snapshot 返回环境当前的快照，未知环境返回空快照
func (l *Ledger) Snapshot(env string) *Snapshot {
	return l.slot(env).Load()
}

// Upsert 修改单个工件的履历
// fn 作用在履历的副本上，返回错误时不发布任何变化，旧快照保持不变
// fn 返回 ErrNoChange 表示幂等的重复观测，Upsert 返回当前快照和 nil
func (l *Ledger) Upsert(env, id string, fn func(h *types.WorkpieceHistory) error) (*Snapshot, error) {
	return l.UpsertAll(env, []string{id}, fn)
}

// UpsertAll 是唯一的修改入口，在同一个新快照中依次修改多个工件
// 任何一个 fn 返回错误 (ErrNoChange 除外) 时所有修改都不生效
// 同一个 ID 出现多次时，后一次看到的是前一次修改后的副本
func (l *Ledger) UpsertAll(env string, ids []string, fn func(h *types.WorkpieceHistory) error) (*Snapshot, error) {
	p := l.slot(env)
	cur := p.Load()

	working := make(map[string]*types.WorkpieceHistory, len(ids))
	var changed []string
	for _, id := range ids {
		if id == "" {
			return cur, fmt.Errorf("ledger: empty workpiece id")
		}
		h, seen := working[id]
		if !seen {
			if prev, ok := cur.histories[id]; ok {
				h = prev.Clone()
			} else {
				h = &types.WorkpieceHistory{WorkpieceID: id, Events: []types.StationEvent{}, Orders: []types.OrderContext{}}
			}
		}
		attempt := h.Clone()
		if err := fn(attempt); err != nil {
			if errors.Is(err, ErrNoChange) {
				continue
			}
			return cur, err
		}
		if attempt.WorkpieceID != id {
			return cur, fmt.Errorf("ledger: workpiece id changed from %s to %s", id, attempt.WorkpieceID)
		}
		if len(attempt.Events) < len(h.Events) {
			return cur, ErrEventsRemoved
		}
		types.SortEvents(attempt.Events)
		if !contains(changed, id) {
			changed = append(changed, id)
		}
		working[id] = attempt
	}
	if len(changed) == 0 {
		return cur, nil
	}

	next := &Snapshot{
		Env:       env,
		Version:   cur.Version + 1,
		histories: make(map[string]*types.WorkpieceHistory, len(cur.histories)+len(changed)),
		order:     cur.order,
		index:     cur.index,
	}
	for k, v := range cur.histories {
		next.histories[k] = v
	}
	var added []string
	for _, id := range changed {
		h := working[id]
		if _, existed := cur.histories[id]; !existed {
			added = append(added, id)
		}
		next.histories[id] = h
		next.index = next.index.with(id, h.Events)
	}
	if len(added) > 0 {
		next.order = append(append(make([]string, 0, len(cur.order)+len(added)), cur.order...), added...)
	}
	p.Store(next)

	if l.bus != nil {
		for _, id := range changed {
			l.bus.Publish(event.Event{Type: event.HistoryUpdated, Env: env, WorkpieceID: id, Version: next.Version})
		}
	}
	return next, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Clear 丢弃一个环境的全部履历，其他环境不受影响
func (l *Ledger) Clear(env string) {
	p := l.slot(env)
	cur := p.Load()
	next := emptySnapshot(env)
	next.Version = cur.Version + 1
	p.Store(next)

	if l.bus != nil {
		l.bus.Publish(event.Event{Type: event.HistoryCleared, Env: env, Version: next.Version})
	}
}
