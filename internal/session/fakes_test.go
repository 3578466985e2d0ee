package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
)

type fakeIssuer struct {
	mu       sync.Mutex
	requests []avatar.TokenRequest
	err      error
	calls    atomic.Int32
}

func (f *fakeIssuer) IssueToken(ctx context.Context, req avatar.TokenRequest) (avatar.Token, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return avatar.Token{}, f.err
	}
	return avatar.Token{SessionID: "sess-1", SessionToken: "tok-1"}, nil
}

func (f *fakeIssuer) lastRequest() avatar.TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeTransport struct {
	events chan avatar.Event

	failStart  atomic.Int32 // <0 表示总是失败
	startCalls atomic.Int32
	attachErr  error
	messageErr error
	autoReady  bool

	mu        sync.Mutex
	messages  []string
	stopped   bool
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan avatar.Event, 64), autoReady: true}
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.startCalls.Add(1)
	if n := f.failStart.Load(); n != 0 {
		if n > 0 {
			f.failStart.Add(-1)
		}
		return apperr.New(apperr.KindTransientIO, "start", "start rejected")
	}
	if f.autoReady {
		f.emit(avatar.Event{Kind: avatar.EventSessionStateChanged, State: "connected"})
		f.emit(avatar.Event{Kind: avatar.EventStreamReady})
	}
	return nil
}

func (f *fakeTransport) Attach(ctx context.Context, sinkID string) error {
	return f.attachErr
}

func (f *fakeTransport) Message(ctx context.Context, text string) error {
	f.mu.Lock()
	f.messages = append(f.messages, text)
	f.mu.Unlock()
	return f.messageErr
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) Events() <-chan avatar.Event {
	return f.events
}

func (f *fakeTransport) emit(ev avatar.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.events <- ev
	}
}

func (f *fakeTransport) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTransport) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

// fakeDialer 每次拨号返回下一个传输
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	prepare    func(*fakeTransport)
	err        error
}

func (d *fakeDialer) Dial(ctx context.Context, token avatar.Token) (avatar.Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	if token.SessionToken == "" {
		return nil, errors.New("missing token")
	}
	tr := newFakeTransport()
	if d.prepare != nil {
		d.prepare(tr)
	}
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	return tr, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

type recordingSink struct {
	mu     sync.Mutex
	events []conversation.TranscriptEvent
	ids    []string
}

func (s *recordingSink) Submit(sessionID string, ev conversation.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, sessionID)
	s.events = append(s.events, ev)
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Text)
	}
	return out
}

type fakeKeepAliver struct {
	calls atomic.Int32
	err   error
}

func (k *fakeKeepAliver) KeepAlive(ctx context.Context, token string) error {
	k.calls.Add(1)
	return k.err
}
