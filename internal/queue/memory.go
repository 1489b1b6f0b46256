package queue

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/model"
)

const memoryShards = 32

type dedupMark struct {
	seq int64
	at  time.Time
}

// deviceQueue 单设备队列，entries 按序号升序
type deviceQueue struct {
	mu      sync.Mutex
	entries []model.QueueEntry
	nextSeq int64
	dedup   map[string]dedupMark
}

type memoryShard struct {
	mu     sync.Mutex
	queues map[model.DeviceKey]*deviceQueue
}

// Memory 进程内离线队列
type Memory struct {
	policy Policy
	clock  clock.Clock
	shards [memoryShards]*memoryShard
}

// NewMemory 创建内存队列
func NewMemory(policy Policy, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Memory{policy: policy, clock: clk}
	for i := range m.shards {
		m.shards[i] = &memoryShard{queues: make(map[model.DeviceKey]*deviceQueue)}
	}
	return m
}

func (m *Memory) queueFor(key model.DeviceKey) *deviceQueue {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	s := m.shards[h.Sum32()%memoryShards]

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = &deviceQueue{dedup: make(map[string]dedupMark)}
		s.queues[key] = q
	}
	return q
}

// purge 淘汰过期条目与去重记录，需持有 q.mu
func (m *Memory) purge(q *deviceQueue, now time.Time) int {
	if m.policy.MaxAge <= 0 {
		pruneDedup(q)
		return 0
	}
	cutoff := now.Add(-m.policy.MaxAge)
	i := 0
	for i < len(q.entries) && q.entries[i].EnqueuedAt.Before(cutoff) {
		i++
	}
	q.entries = q.entries[i:]
	for k, mark := range q.dedup {
		if mark.at.Before(cutoff) {
			delete(q.dedup, k)
		}
	}
	return i
}

// pruneDedup 删除已离开队列的条目的去重记录，需持有 q.mu
func pruneDedup(q *deviceQueue) {
	floor := q.nextSeq + 1
	if len(q.entries) > 0 {
		floor = q.entries[0].Sequence
	}
	for k, mark := range q.dedup {
		if mark.seq < floor {
			delete(q.dedup, k)
		}
	}
}

func (m *Memory) Enqueue(_ context.Context, e model.QueueEntry) (EnqueueResult, error) {
	q := m.queueFor(e.Key())
	now := m.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	res := EnqueueResult{Evicted: m.purge(q, now)}
	if e.DedupKey != "" {
		if mark, ok := q.dedup[e.DedupKey]; ok {
			res.Sequence = mark.seq
			res.Duplicate = true
			return res, nil
		}
	}

	q.nextSeq++
	e.Sequence = q.nextSeq
	e.EnqueuedAt = now
	q.entries = append(q.entries, e)
	if e.DedupKey != "" {
		q.dedup[e.DedupKey] = dedupMark{seq: e.Sequence, at: now}
	}

	if limit := m.policy.Capacity; limit > 0 && len(q.entries) > limit {
		over := len(q.entries) - limit
		q.entries = append([]model.QueueEntry(nil), q.entries[over:]...)
		res.Evicted += over
	}
	res.Sequence = e.Sequence
	return res, nil
}

func (m *Memory) Drain(_ context.Context, key model.DeviceKey, afterSeq int64, limit int) ([]model.QueueEntry, error) {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	m.purge(q, m.clock.Now())
	start := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].Sequence > afterSeq })
	end := len(q.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]model.QueueEntry(nil), q.entries[start:end]...), nil
}

func (m *Memory) Acknowledge(_ context.Context, key model.DeviceKey, upTo int64) ([]model.QueueEntry, error) {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	n := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].Sequence > upTo })
	acked := append([]model.QueueEntry(nil), q.entries[:n]...)
	q.entries = q.entries[n:]
	return acked, nil
}

func (m *Memory) Remove(_ context.Context, key model.DeviceKey, seq int64) error {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Sequence == seq {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Count(_ context.Context, key model.DeviceKey) (int, error) {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	m.purge(q, m.clock.Now())
	return len(q.entries), nil
}

func (m *Memory) Last(_ context.Context, key model.DeviceKey) (int64, error) {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()

	m.purge(q, m.clock.Now())
	if len(q.entries) == 0 {
		return 0, nil
	}
	return q.entries[len(q.entries)-1].Sequence, nil
}
