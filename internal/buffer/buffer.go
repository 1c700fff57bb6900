package buffer

import (
	"bytes"
	"log/slog"
	"sort"
	"sync"
	"time"
	"tracktrace/internal/telemetry"
)

// Journal 持久化被接收的原始消息
type Journal interface {
	Append(env string, msg telemetry.Message) error
}

// ring 单个 topic 的环形缓冲区
type ring struct {
	items []telemetry.Message
	start int // 最旧消息的位置
	size  int
}

func (r *ring) push(msg telemetry.Message) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = msg
		r.size++
		return
	}
	// 已满，覆盖最旧的消息
	r.items[r.start] = msg
	r.start = (r.start + 1) % len(r.items)
}

func (r *ring) at(i int) telemetry.Message {
	return r.items[(r.start+i)%len(r.items)]
}

// Buffer 按 topic 缓存最近的原始消息，与业务语义无关
type Buffer struct {
	mu        sync.RWMutex
	env       string
	retention int
	topics    map[string]*ring
	journal   Journal // 可为空
	logger    *slog.Logger
}

// New 创建一个缓冲区，retention 为每个 topic 保留的条数
func New(env string, retention int, journal Journal, logger *slog.Logger) *Buffer {
	if retention <= 0 {
		retention = 1
	}
	return &Buffer{
		env:       env,
		retention: retention,
		topics:    make(map[string]*ring),
		journal:   journal,
		logger:    logger.With("component", "buffer", "env", env),
	}
}

// Publish 写入一条消息
// 如果该 topic 中已保留了负载和时间戳完全相同的消息，则视为重复投递，返回 false
func (b *Buffer) Publish(topic string, payload []byte, ts time.Time) bool {
	return b.publish(topic, payload, ts, true)
}

// Restore 与 Publish 相同但不写日志，用于从日志回放
func (b *Buffer) Restore(topic string, payload []byte, ts time.Time) bool {
	return b.publish(topic, payload, ts, false)
}

func (b *Buffer) publish(topic string, payload []byte, ts time.Time, journal bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.topics[topic]
	if !ok {
		r = &ring{items: make([]telemetry.Message, b.retention)}
		b.topics[topic] = r
	}
	for i := 0; i < r.size; i++ {
		m := r.at(i)
		if m.Timestamp.Equal(ts) && bytes.Equal(m.Payload, payload) {
			return false
		}
	}

	msg := telemetry.Message{Topic: topic, Payload: append([]byte(nil), payload...), Timestamp: ts}
	r.push(msg)

	if journal && b.journal != nil {
		if err := b.journal.Append(b.env, msg); err != nil {
			b.logger.Error("写入消息日志失败", "error", err, "topic", topic)
		}
	}
	return true
}

// Latest 返回 topic 最新的一条消息
func (b *Buffer) Latest(topic string) (telemetry.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.topics[topic]
	if !ok || r.size == 0 {
		return telemetry.Message{}, false
	}
	return r.at(r.size - 1), true
}

// History 返回 topic 最近的至多 limit 条消息，按写入顺序 (最新的在最后)
func (b *Buffer) History(topic string, limit int) []telemetry.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.topics[topic]
	if !ok {
		return nil
	}
	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]telemetry.Message, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// Topics 返回所有出现过的 topic (字典序)
func (b *Buffer) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Clear 丢弃所有缓存的消息
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string]*ring)
}
