package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/model"
)

var testKey = model.DeviceKey{UserID: "bob", DeviceID: "tablet"}

func entry(kind model.EntryKind, dedup string) model.QueueEntry {
	return model.QueueEntry{
		TargetUserID:   testKey.UserID,
		TargetDeviceID: testKey.DeviceID,
		Kind:           kind,
		Payload:        json.RawMessage(`{"event":"new-message","data":{}}`),
		DedupKey:       dedup,
	}
}

// queueContract 内存与 Redis 实现共用的行为测试
func queueContract(t *testing.T, newQueue func(Policy, clock.Clock) Queue) {
	ctx := context.Background()

	t.Run("sequences are increasing and drain is ordered", func(t *testing.T) {
		q := newQueue(Policy{Capacity: 100, MaxAge: time.Hour}, clock.NewMock(time.Now()))
		var seqs []int64
		for i := 0; i < 3; i++ {
			res, err := q.Enqueue(ctx, entry(model.KindMessage, fmt.Sprintf("msg:%d", i)))
			require.NoError(t, err)
			seqs = append(seqs, res.Sequence)
		}
		assert.Less(t, seqs[0], seqs[1])
		assert.Less(t, seqs[1], seqs[2])

		got, err := q.Drain(ctx, testKey, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, e := range got {
			assert.Equal(t, seqs[i], e.Sequence)
			assert.Equal(t, model.KindMessage, e.Kind)
		}

		after, err := q.Drain(ctx, testKey, seqs[0], 1)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, seqs[1], after[0].Sequence)
	})

	t.Run("dedup key enqueues once", func(t *testing.T) {
		q := newQueue(Policy{Capacity: 100, MaxAge: time.Hour}, clock.NewMock(time.Now()))
		first, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:1"))
		require.NoError(t, err)
		second, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:1"))
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Sequence, second.Sequence)
		n, err := q.Count(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// 已确认的条目在保留期内仍然去重
		_, err = q.Acknowledge(ctx, testKey, first.Sequence)
		require.NoError(t, err)
		third, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:1"))
		require.NoError(t, err)
		assert.True(t, third.Duplicate)
	})

	t.Run("capacity evicts oldest", func(t *testing.T) {
		q := newQueue(Policy{Capacity: 5, MaxAge: time.Hour}, clock.NewMock(time.Now()))
		var seqs []int64
		evicted := 0
		for i := 0; i < 7; i++ {
			res, err := q.Enqueue(ctx, entry(model.KindMessage, fmt.Sprintf("msg:%d", i)))
			require.NoError(t, err)
			seqs = append(seqs, res.Sequence)
			evicted += res.Evicted
		}
		assert.Equal(t, 2, evicted)

		got, err := q.Drain(ctx, testKey, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 5)
		assert.Equal(t, seqs[2], got[0].Sequence)
		assert.Equal(t, seqs[6], got[4].Sequence)
	})

	t.Run("entries older than max age are purged", func(t *testing.T) {
		clk := clock.NewMock(time.Now())
		q := newQueue(Policy{Capacity: 100, MaxAge: time.Minute}, clk)
		_, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:old"))
		require.NoError(t, err)

		clk.Advance(30 * time.Second)
		_, err = q.Enqueue(ctx, entry(model.KindMessage, "msg:new"))
		require.NoError(t, err)

		clk.Advance(45 * time.Second)
		got, err := q.Drain(ctx, testKey, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "msg:new", got[0].DedupKey)

		// 去重记录随条目一起过期
		res, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:old"))
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
	})

	t.Run("acknowledge removes up to sequence", func(t *testing.T) {
		q := newQueue(Policy{Capacity: 100, MaxAge: time.Hour}, clock.NewMock(time.Now()))
		var seqs []int64
		for i := 0; i < 4; i++ {
			res, err := q.Enqueue(ctx, entry(model.KindMessage, fmt.Sprintf("msg:%d", i)))
			require.NoError(t, err)
			seqs = append(seqs, res.Sequence)
		}

		acked, err := q.Acknowledge(ctx, testKey, seqs[1])
		require.NoError(t, err)
		require.Len(t, acked, 2)
		assert.Equal(t, "msg:0", acked[0].DedupKey)

		require.NoError(t, q.Remove(ctx, testKey, seqs[3]))
		got, err := q.Drain(ctx, testKey, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, seqs[2], got[0].Sequence)

		again, err := q.Acknowledge(ctx, testKey, seqs[1])
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("last reports highest queued sequence", func(t *testing.T) {
		q := newQueue(Policy{Capacity: 100, MaxAge: time.Hour}, clock.NewMock(time.Now()))
		last, err := q.Last(ctx, testKey)
		require.NoError(t, err)
		assert.Zero(t, last)

		var seqs []int64
		for i := 0; i < 3; i++ {
			res, err := q.Enqueue(ctx, entry(model.KindMessage, fmt.Sprintf("msg:%d", i)))
			require.NoError(t, err)
			seqs = append(seqs, res.Sequence)
		}
		last, err = q.Last(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, seqs[2], last)

		_, err = q.Acknowledge(ctx, testKey, seqs[2])
		require.NoError(t, err)
		last, err = q.Last(ctx, testKey)
		require.NoError(t, err)
		assert.Zero(t, last)
	})

	t.Run("without max age dedup covers queued entries only", func(t *testing.T) {
		q := newQueue(Policy{Capacity: 2}, clock.NewMock(time.Now()))
		first, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:1"))
		require.NoError(t, err)
		dup, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:1"))
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)

		_, err = q.Acknowledge(ctx, testKey, first.Sequence)
		require.NoError(t, err)
		again, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:1"))
		require.NoError(t, err)
		assert.False(t, again.Duplicate)
		assert.Greater(t, again.Sequence, first.Sequence)
	})

	t.Run("devices are isolated", func(t *testing.T) {
		q := newQueue(Policy{Capacity: 100, MaxAge: time.Hour}, clock.NewMock(time.Now()))
		_, err := q.Enqueue(ctx, entry(model.KindMessage, "msg:1"))
		require.NoError(t, err)

		other := model.DeviceKey{UserID: testKey.UserID, DeviceID: "phone"}
		n, err := q.Count(ctx, other)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestMemoryQueue(t *testing.T) {
	queueContract(t, func(p Policy, clk clock.Clock) Queue {
		return NewMemory(p, clk)
	})
}

func TestMemoryQueue_DedupBoundedWithoutMaxAge(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Policy{Capacity: 3}, clock.NewMock(time.Now()))
	for i := 0; i < 50; i++ {
		_, err := q.Enqueue(ctx, entry(model.KindMessage, fmt.Sprintf("msg:%d", i)))
		require.NoError(t, err)
	}

	dq := q.queueFor(testKey)
	dq.mu.Lock()
	marks := len(dq.dedup)
	dq.mu.Unlock()
	assert.LessOrEqual(t, marks, 4, "only marks of queued entries survive")

	n, err := q.Count(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
