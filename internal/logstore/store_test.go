package logstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/conversation"
)

func msg(speaker conversation.Speaker, text string) conversation.Message {
	return conversation.Message{Speaker: speaker, Text: text, Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func texts(l *conversation.Log) []string {
	out := make([]string, 0, len(l.Messages))
	for _, m := range l.Messages {
		out = append(out, m.Text)
	}
	return out
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestAppendCreatesThenMerges(t *testing.T) {
	clock := &steppingClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend()
	store := New(backend, WithClock(clock.Now))
	ctx := context.Background()

	first, err := store.Append(ctx, "abc", []conversation.Message{msg(conversation.SpeakerUser, "m1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, texts(first))
	assert.Equal(t, first.StartedAt, first.LastUpdatedAt)

	second, err := store.Append(ctx, "abc", []conversation.Message{
		msg(conversation.SpeakerAvatar, "m2"),
		msg(conversation.SpeakerUser, "m3"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2", "m3"}, texts(second))
	assert.Equal(t, first.StartedAt, second.StartedAt)
	assert.True(t, second.LastUpdatedAt.After(first.LastUpdatedAt))
	assert.Equal(t, 1, backend.Len())

	got, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, texts(got))
}

func TestAppendFillsMissingTimestamp(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := New(NewMemoryBackend(), WithClock(func() time.Time { return fixed }))

	out, err := store.Append(context.Background(), "s", []conversation.Message{{Speaker: conversation.SpeakerUser, Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, fixed, out.Messages[0].Timestamp)
}

func TestAppendValidation(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend)
	ctx := context.Background()
	one := []conversation.Message{msg(conversation.SpeakerUser, "m1")}

	tests := []struct {
		name      string
		sessionID string
		messages  []conversation.Message
	}{
		{"empty session id", "", one},
		{"blank session id", "   ", one},
		{"no messages", "abc", nil},
		{"invalid speaker", "abc", []conversation.Message{{Text: "x"}}},
		{"empty text", "abc", []conversation.Message{{Speaker: conversation.SpeakerAvatar}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(ctx, tt.sessionID, tt.messages)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.InvalidInput)
		})
	}
	assert.Equal(t, 0, backend.Len())
}

func TestAppendWithoutBackendIsNotConfigured(t *testing.T) {
	store := New(nil)
	_, err := store.Append(context.Background(), "abc", []conversation.Message{msg(conversation.SpeakerUser, "m1")})
	assert.ErrorIs(t, err, apperr.NotConfigured)
	assert.Equal(t, 500, apperr.HTTPStatus(err))

	assert.ErrorIs(t, store.Ping(context.Background()), apperr.NotConfigured)
	_, err = store.List(context.Background(), time.Time{}, time.Time{})
	assert.ErrorIs(t, err, apperr.NotConfigured)
}

func TestConcurrentAppendsForNewSession(t *testing.T) {
	for round := 0; round < 20; round++ {
		backend := NewMemoryBackend()
		store := New(backend)
		id := fmt.Sprintf("new-%d", round)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, batch := range [][]string{{"a1", "a2", "a3"}, {"b1", "b2"}} {
			wg.Add(1)
			go func(batch []string) {
				defer wg.Done()
				msgs := make([]conversation.Message, 0, len(batch))
				for _, text := range batch {
					msgs = append(msgs, msg(conversation.SpeakerUser, text))
				}
				<-start
				_, err := store.Append(context.Background(), id, msgs)
				assert.NoError(t, err)
			}(batch)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, backend.Len())
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)

		all := texts(got)
		require.Len(t, all, 5)
		// 每个批次内部连续且有序
		a, b := indexOf(all, "a1"), indexOf(all, "b1")
		assert.Equal(t, []string{"a1", "a2", "a3"}, all[a:a+3])
		assert.Equal(t, []string{"b1", "b2"}, all[b:b+2])
	}
}

func TestManyWritersNeverLoseMessages(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(context.Background(), "hot", []conversation.Message{
				msg(conversation.SpeakerUser, fmt.Sprintf("w%d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(context.Background(), "hot")
	require.NoError(t, err)
	assert.Len(t, got.Messages, writers)
}

// slowBackend 给每次读写加上固定延迟，模拟真实往返
type slowBackend struct {
	*MemoryBackend
	delay time.Duration
}

func (b *slowBackend) Load(ctx context.Context, id string) (Record, error) {
	time.Sleep(b.delay)
	return b.MemoryBackend.Load(ctx, id)
}

func (b *slowBackend) Create(ctx context.Context, l *conversation.Log) (Record, error) {
	time.Sleep(b.delay)
	return b.MemoryBackend.Create(ctx, l)
}

func (b *slowBackend) Update(ctx context.Context, l *conversation.Log, version int64) (Record, error) {
	time.Sleep(b.delay)
	return b.MemoryBackend.Update(ctx, l, version)
}

func TestContendedAppendsWithLatency(t *testing.T) {
	backend := &slowBackend{MemoryBackend: NewMemoryBackend(), delay: time.Millisecond}
	store := New(backend)

	const writers = 24
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.Append(context.Background(), "busy", []conversation.Message{
				msg(conversation.SpeakerUser, fmt.Sprintf("w%d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	close(start)
	wg.Wait()

	got, err := store.Get(context.Background(), "busy")
	require.NoError(t, err)
	all := texts(got)
	require.Len(t, all, writers)
	for i := 0; i < writers; i++ {
		assert.Contains(t, all, fmt.Sprintf("w%d", i))
	}
	assert.Zero(t, store.locks.size())
}

func TestTwoStoresSharingBackend(t *testing.T) {
	backend := &slowBackend{MemoryBackend: NewMemoryBackend(), delay: time.Millisecond}
	stores := []*Store{New(backend), New(backend)}

	const perStore = 6
	var wg sync.WaitGroup
	for si, store := range stores {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(store *Store, name string) {
				defer wg.Done()
				_, err := store.Append(context.Background(), "shared", []conversation.Message{msg(conversation.SpeakerAvatar, name)})
				assert.NoError(t, err)
			}(store, fmt.Sprintf("s%d-%d", si, i))
		}
	}
	wg.Wait()

	got, err := stores[0].Get(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2*perStore)
	assert.Equal(t, 1, backend.Len())
}

// gatedBackend 对指定会话的读取阻塞到gate关闭
type gatedBackend struct {
	*MemoryBackend
	id      string
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (b *gatedBackend) Load(ctx context.Context, id string) (Record, error) {
	if id == b.id {
		b.once.Do(func() { close(b.entered) })
		<-b.gate
	}
	return b.MemoryBackend.Load(ctx, id)
}

func TestQueuedAppendHonorsContext(t *testing.T) {
	backend := &gatedBackend{MemoryBackend: NewMemoryBackend(), id: "slow", gate: make(chan struct{}), entered: make(chan struct{})}
	store := New(backend)

	firstDone := make(chan error, 1)
	go func() {
		_, err := store.Append(context.Background(), "slow", []conversation.Message{msg(conversation.SpeakerUser, "first")})
		firstDone <- err
	}()
	<-backend.entered

	// 其他会话不受阻塞
	_, err := store.Append(context.Background(), "fast", []conversation.Message{msg(conversation.SpeakerUser, "x")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.Append(ctx, "slow", []conversation.Message{msg(conversation.SpeakerUser, "second")})
	assert.ErrorIs(t, err, apperr.TransientIO)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(backend.gate)
	require.NoError(t, <-firstDone)

	got, err := store.Get(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, texts(got))
	assert.Zero(t, store.locks.size())
}

func TestDifferentSessionsAreIndependent(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(context.Background(), fmt.Sprintf("s%d", i), []conversation.Message{msg(conversation.SpeakerAvatar, "hi")})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, backend.Len())
}

// flakyBackend 在内存后端外包一层可注入的故障
type flakyBackend struct {
	*MemoryBackend
	loadErr   error
	createErr error
	loads     int
	mu        sync.Mutex
}

func (f *flakyBackend) Load(ctx context.Context, id string) (Record, error) {
	f.mu.Lock()
	f.loads++
	err := f.loadErr
	f.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	return f.MemoryBackend.Load(ctx, id)
}

func (f *flakyBackend) Create(ctx context.Context, l *conversation.Log) (Record, error) {
	if f.createErr != nil {
		return Record{}, f.createErr
	}
	return f.MemoryBackend.Create(ctx, l)
}

func TestLookupErrorFallsThroughToCreate(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), loadErr: errors.New("connection reset")}
	store := New(backend, WithMaxAttempts(3))

	out, err := store.Append(context.Background(), "abc", []conversation.Message{msg(conversation.SpeakerUser, "m1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, texts(out))

	// 记录已存在时，持续的查询失败只会让创建撞上唯一约束，不会产生第二条记录
	_, err = store.Append(context.Background(), "abc", []conversation.Message{msg(conversation.SpeakerUser, "m2")})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.TransientIO)
	assert.Equal(t, 1, backend.Len())
	assert.Equal(t, 4, backend.loads)
}

func TestBackendFailureIsNotConfigured(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), createErr: errors.New("dial tcp: connection refused")}
	store := New(backend)

	_, err := store.Append(context.Background(), "abc", []conversation.Message{msg(conversation.SpeakerUser, "m1")})
	assert.ErrorIs(t, err, apperr.NotConfigured)
}

func TestListenersNotifiedAfterAppend(t *testing.T) {
	var got []string
	var total int
	store := New(NewMemoryBackend(), WithListener(ListenerFunc(func(ctx context.Context, l *conversation.Log, appended []conversation.Message) {
		total = len(l.Messages)
		for _, m := range appended {
			got = append(got, m.Text)
		}
	})))

	_, err := store.Append(context.Background(), "abc", []conversation.Message{msg(conversation.SpeakerUser, "m1")})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), "abc", []conversation.Message{msg(conversation.SpeakerAvatar, "m2")})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), "", []conversation.Message{msg(conversation.SpeakerAvatar, "m3")})
	require.Error(t, err)

	assert.Equal(t, []string{"m1", "m2"}, got)
	assert.Equal(t, 2, total)
}

func TestGetAndList(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base
	store := New(NewMemoryBackend(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i, id := range []string{"s1", "s2", "s3"} {
		now = base.Add(time.Duration(i) * time.Hour)
		_, err := store.Append(ctx, id, []conversation.Message{msg(conversation.SpeakerUser, id)})
		require.NoError(t, err)
	}

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "")
	assert.ErrorIs(t, err, apperr.InvalidInput)

	logs, err := store.List(ctx, base.Add(30*time.Minute), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "s2", logs[0].SessionID)
	assert.Equal(t, "s3", logs[1].SessionID)

	all, err := store.List(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = store.List(ctx, base.Add(time.Hour), base)
	assert.ErrorIs(t, err, apperr.InvalidInput)
}

func indexOf(items []string, v string) int {
	for i, item := range items {
		if item == v {
			return i
		}
	}
	return -1
}
