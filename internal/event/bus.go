package event

import (
	"sync"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	HistoryUpdated    EventType = "HistoryUpdated"    // 某个工件的履历发生变化
	HistoryCleared    EventType = "HistoryCleared"    // 环境被清空
	SightingDiscarded EventType = "SightingDiscarded" // 一条观测因解析失败被丢弃
	CorrelationMissed EventType = "CorrelationMissed" // 工站观测无法关联到工件
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type        EventType // 事件类型
	Env         string    // 所属环境
	WorkpieceID string    // 关联的工件 ID (仅履历相关事件)
	Version     uint64    // 事件发生后的快照版本
	Topic       string    // 原始消息 topic (仅观测相关事件)
	Family      string    // 消息族 (仅观测相关事件)
	Module      string    // 工站序列号 (仅关联失败事件)
	Error       error     // 错误信息 (仅丢弃事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe 订阅一个特定类型的事件，返回取消订阅的函数
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			// 复制一份，正在进行的 Publish 仍持有旧切片
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.handlers[eventType] = next
			return
		}
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 处理器在发布者的 goroutine 中同步执行，保证同一环境内的事件顺序
// 处理器中不要再调用 Subscribe 或取消订阅以外的阻塞操作
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, s := range handlers {
		s.handler(e)
	}
}
