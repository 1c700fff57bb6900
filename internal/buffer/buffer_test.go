package buffer

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
	"tracktrace/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingJournal struct {
	entries []telemetry.Message
}

func (j *recordingJournal) Append(env string, msg telemetry.Message) error {
	j.entries = append(j.entries, msg)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestBuffer_RetentionAndHistory(t *testing.T) {
	b := New("live", 3, nil, discardLogger())
	base := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ok := b.Publish("t", []byte(fmt.Sprintf(`{"i":%d}`, i)), base.Add(time.Duration(i)*time.Second))
		require.True(t, ok)
	}

	latest, ok := b.Latest("t")
	require.True(t, ok)
	assert.Equal(t, `{"i":4}`, string(latest.Payload))

	all := b.History("t", 0)
	require.Len(t, all, 3, "只保留最近 3 条")
	assert.Equal(t, `{"i":2}`, string(all[0].Payload))
	assert.Equal(t, `{"i":4}`, string(all[2].Payload))

	last2 := b.History("t", 2)
	require.Len(t, last2, 2)
	assert.Equal(t, `{"i":3}`, string(last2[0].Payload))

	_, ok = b.Latest("missing")
	assert.False(t, ok)
	assert.Nil(t, b.History("missing", 5))
}

func TestBuffer_DuplicateSuppression(t *testing.T) {
	j := &recordingJournal{}
	b := New("live", 10, j, discardLogger())
	ts := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)

	assert.True(t, b.Publish("t", []byte(`{}`), ts))
	assert.False(t, b.Publish("t", []byte(`{}`), ts), "完全相同的消息应被丢弃")
	assert.True(t, b.Publish("t", []byte(`{}`), ts.Add(time.Second)), "时间戳不同不算重复")
	assert.True(t, b.Publish("other", []byte(`{}`), ts), "不同 topic 互不影响")

	assert.Len(t, j.entries, 3, "只有被接收的消息写入日志")
	assert.Equal(t, []string{"other", "t"}, b.Topics())

	b.Clear()
	assert.Empty(t, b.Topics())
}

func TestBuffer_RestoreSkipsJournal(t *testing.T) {
	j := &recordingJournal{}
	b := New("live", 5, j, discardLogger())
	ts := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)

	require.True(t, b.Restore("t", []byte(`{"i":1}`), ts))
	assert.Empty(t, j.entries, "回放的消息不再写日志")
	assert.False(t, b.Publish("t", []byte(`{"i":1}`), ts), "回放的消息同样参与去重")

	require.True(t, b.Publish("t", []byte(`{"i":2}`), ts))
	assert.Len(t, j.entries, 1)
}
