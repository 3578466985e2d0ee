package logstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"LiveAvatarGateway/internal/conversation"
)

type memoryRecord struct {
	log     *conversation.Log
	version int64
}

// MemoryBackend 进程内后端；每个键独立做比较并交换，不同会话互不阻塞
type MemoryBackend struct {
	records sync.Map // map[string]*memoryRecord
}

// NewMemoryBackend 创建内存后端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load 实现 Backend
func (m *MemoryBackend) Load(ctx context.Context, sessionID string) (Record, error) {
	v, ok := m.records.Load(sessionID)
	if !ok {
		return Record{}, ErrNotFound
	}
	rec := v.(*memoryRecord)
	return Record{Log: rec.log.Clone(), Version: rec.version}, nil
}

// Create 实现 Backend
func (m *MemoryBackend) Create(ctx context.Context, log *conversation.Log) (Record, error) {
	rec := &memoryRecord{log: log.Clone(), version: 1}
	if _, loaded := m.records.LoadOrStore(log.SessionID, rec); loaded {
		return Record{}, ErrConflict
	}
	return Record{Log: rec.log.Clone(), Version: rec.version}, nil
}

// Update 实现 Backend
func (m *MemoryBackend) Update(ctx context.Context, log *conversation.Log, version int64) (Record, error) {
	v, ok := m.records.Load(log.SessionID)
	if !ok {
		return Record{}, ErrNotFound
	}
	cur := v.(*memoryRecord)
	if cur.version != version {
		return Record{}, ErrConflict
	}

	next := &memoryRecord{log: log.Clone(), version: version + 1}
	if !m.records.CompareAndSwap(log.SessionID, cur, next) {
		return Record{}, ErrConflict
	}
	return Record{Log: next.log.Clone(), Version: next.version}, nil
}

// List 按开始时间升序返回 [from, to) 内开始的日志；零值表示不限
func (m *MemoryBackend) List(ctx context.Context, from, to time.Time) ([]*conversation.Log, error) {
	var out []*conversation.Log
	m.records.Range(func(_, v interface{}) bool {
		l := v.(*memoryRecord).log
		if inRange(l.StartedAt, from, to) {
			out = append(out, l.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Ping 实现 Backend
func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

// Close 实现 Backend
func (m *MemoryBackend) Close() error { return nil }

// Len 记录数
func (m *MemoryBackend) Len() int {
	n := 0
	m.records.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
