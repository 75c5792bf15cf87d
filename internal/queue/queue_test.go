package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/attendance"
)

func TestInMemoryRoundTrip(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, Message{Type: "a", Body: []byte("one")}))
	require.NoError(t, q.Publish(ctx, Message{Type: "b", Body: []byte("two")}))

	out, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := <-out
	assert.Equal(t, "a", msg.Type)
	assert.Equal(t, "one", string(msg.Body))
	msg = <-out
	assert.Equal(t, "b", msg.Type)
}

func TestInMemoryPublishCancelled(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Publish(ctx, Message{Type: "fill"}))

	cancel()
	err := q.Publish(ctx, Message{Type: "blocked"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecordNotifierPublishesRecord(t *testing.T) {
	q := NewInMemory(4)
	n := NewRecordNotifier(q)

	when := time.Date(2024, 3, 4, 7, 30, 0, 0, time.Local)
	rec := &attendance.Record{EmployeeID: "NV001", Name: "Alice", Day: attendance.DayOf(when), MorningIn: &when}
	n.NotifyRecord(rec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-out:
		assert.Equal(t, TypeRecord, msg.Type)
		var got attendance.Record
		require.NoError(t, json.Unmarshal(msg.Body, &got))
		assert.Equal(t, "NV001", got.EmployeeID)
	case <-ctx.Done():
		t.Fatal("no message published")
	}
}
