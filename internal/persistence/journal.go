package persistence

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
	"tracktrace/internal/telemetry"
)

const (
	entryMessage = "MESSAGE" // 一条原始消息
	entryClear   = "CLEAR"   // 环境被清空
)

// LogEntry 代表日志文件中的一条记录
type LogEntry struct {
	Type      string    `json:"type"`
	Env       string    `json:"env"`
	Topic     string    `json:"topic,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Journal 是原始遥测消息的追加日志，重启后用于重建工件履历
type Journal struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// NewJournal 创建或打开一个日志文件
func NewJournal(path string) (*Journal, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

// Append 记录一条被缓冲区接收的消息
func (j *Journal) Append(env string, msg telemetry.Message) error {
	return j.write(LogEntry{
		Type:      entryMessage,
		Env:       env,
		Topic:     msg.Topic,
		Payload:   string(msg.Payload),
		Timestamp: msg.Timestamp,
	})
}

// Clear 记录环境被清空，回放时此前的消息全部作废
func (j *Journal) Clear(env string) error {
	return j.write(LogEntry{Type: entryClear, Env: env})
}

func (j *Journal) write(entry LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return j.file.Sync()
}

// Replay 读取整个日志，返回每个环境最后一次清空之后的消息 (保持文件顺序)
func (j *Journal) Replay() (map[string][]telemetry.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	result := make(map[string][]telemetry.Message)
	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}

		switch entry.Type {
		case entryMessage:
			result[entry.Env] = append(result[entry.Env], telemetry.Message{
				Topic:     entry.Topic,
				Payload:   []byte(entry.Payload),
				Timestamp: entry.Timestamp,
			})
		case entryClear:
			delete(result, entry.Env)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return result, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
