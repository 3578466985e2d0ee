package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/gatewayclient"
	"LiveAvatarGateway/internal/liveavatar"
	"LiveAvatarGateway/internal/logstore"
)

type fakeUpstream struct {
	mu         sync.Mutex
	configured bool
	tokenErr   error
	tokenReqs  []avatar.TokenRequest
	keepAlives []string
}

func (f *fakeUpstream) Configured() bool { return f.configured }

func (f *fakeUpstream) IssueToken(ctx context.Context, req avatar.TokenRequest) (avatar.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenReqs = append(f.tokenReqs, req)
	if f.tokenErr != nil {
		return avatar.Token{}, f.tokenErr
	}
	return avatar.Token{SessionID: "s-1", SessionToken: "tok-1"}, nil
}

func (f *fakeUpstream) StartSession(ctx context.Context, sessionToken string) (liveavatar.StartResponse, error) {
	return liveavatar.StartResponse{LiveKitURL: "wss://media", LiveKitClientToken: "lk", SessionID: "s-1"}, nil
}

func (f *fakeUpstream) KeepAlive(ctx context.Context, sessionToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives = append(f.keepAlives, sessionToken)
	return nil
}

func newTestServer(t *testing.T, cfg Config, store *logstore.Store, up Upstream) *APIServer {
	t.Helper()
	s := NewAPIServer(cfg, store, up)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func batchBody(sessionID string, texts ...string) map[string]interface{} {
	msgs := make([]map[string]string, 0, len(texts))
	for i, text := range texts {
		speaker := "user"
		if i%2 == 1 {
			speaker = "avatar"
		}
		msgs = append(msgs, map[string]string{"type": speaker, "message": text, "timestamp": "2025-02-01T10:00:00Z"})
	}
	return map[string]interface{}{"session_id": sessionID, "messages": msgs}
}

func TestLogBatchAppendsInOrder(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), logstore.New(logstore.NewMemoryBackend()), nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", batchBody("s1", "a", "b"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Success       bool              `json:"success"`
		Data          *conversation.Log `json:"data"`
		SavedMessages int               `json:"saved_messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.SavedMessages)

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", batchBody("s1", "c", "d"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/liveavatar/logs/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Data conversation.Log `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	var texts []string
	for _, m := range got.Data.Messages {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, texts)

	rec = doJSON(t, h, http.MethodGet, "/api/liveavatar/logs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogBatchValidation(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), logstore.New(logstore.NewMemoryBackend()), nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", map[string]interface{}{"messages": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_id is required")

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", map[string]interface{}{"session_id": "s"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", `{"session_id":"s","messages":[{"type":"robot","message":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogWithoutBackendIsNotConfigured(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", map[string]interface{}{})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/log", map[string]string{"type": "user", "message": "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"storage":"not_configured"`)
}

func TestSingleLogDefaultsSession(t *testing.T) {
	store := logstore.New(logstore.NewMemoryBackend())
	s := newTestServer(t, DefaultConfig(), store, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/liveavatar/log", map[string]interface{}{
		"type": "avatar", "message": "ciao", "timestamp": "2025-02-01T10:00:00Z",
		"metadata": map[string]string{"source": "test"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	log, err := store.Get(context.Background(), "no-session")
	require.NoError(t, err)
	require.Len(t, log.Messages, 1)
	assert.Equal(t, conversation.SpeakerAvatar, log.Messages[0].Speaker)

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/log", map[string]interface{}{"session_id": "s", "type": "user", "message": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenHandler(t *testing.T) {
	up := &fakeUpstream{}
	s := newTestServer(t, DefaultConfig(), nil, up)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/liveavatar/token", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "LIVEAVATAR_API_KEY")

	up.configured = true
	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"session_id":"s-1","session_token":"tok-1"}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/token", map[string]string{"language": "en"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "en", up.tokenReqs[len(up.tokenReqs)-1].Language)

	up.tokenErr = apperr.Wrap(apperr.KindInvalidInput, "token",
		&liveavatar.UpstreamError{Op: "token", StatusCode: http.StatusUnauthorized, Body: "bad key"})
	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad key")

	up.tokenErr = apperr.New(apperr.KindTransientIO, "token", "connection reset")
	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/token", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStartAndKeepAlive(t *testing.T) {
	up := &fakeUpstream{configured: true}
	s := newTestServer(t, DefaultConfig(), nil, up)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/liveavatar/keep-alive", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/keep-alive", map[string]string{"session_token": "tok-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tok-1"}, up.keepAlives)

	rec = doJSON(t, h, http.MethodPost, "/api/liveavatar/start", map[string]string{"session_token": "tok-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"livekit_url":"wss://media","livekit_client_token":"lk","session_id":"s-1"}`, rec.Body.String())
}

func TestListLogsRange(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	store := logstore.New(logstore.NewMemoryBackend(), logstore.WithClock(func() time.Time { return clock }))
	s := newTestServer(t, DefaultConfig(), store, nil)
	h := s.Handler()

	doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", batchBody("old", "x"))
	clock = now.Add(2 * time.Hour)
	doJSON(t, h, http.MethodPost, "/api/liveavatar/log/batch", batchBody("new", "y"))

	from := now.Add(time.Hour).Format(time.RFC3339)
	rec := doJSON(t, h, http.MethodGet, "/api/liveavatar/logs?from="+from, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data  []conversation.Log `json:"data"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "new", resp.Data[0].SessionID)

	rec = doJSON(t, h, http.MethodGet, "/api/liveavatar/logs?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), nil, nil)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/health", nil)
	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "liveavatar_http_requests_total")
}

func TestFeedStreamFiltersBySession(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), logstore.New(logstore.NewMemoryBackend()), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/liveavatar/logs/stream?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello FeedMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	client := gatewayclient.New(ts.URL, ts.Client())
	msgs := []conversation.Message{{Speaker: conversation.SpeakerUser, Text: "other", Timestamp: time.Now()}}
	_, err = client.PostBatch(context.Background(), "s2", msgs)
	require.NoError(t, err)
	msgs[0].Text = "mine"
	saved, err := client.PostBatch(context.Background(), "s1", msgs)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	var ev FeedMessage
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "messages_appended", ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	require.Len(t, ev.Messages, 1)
	assert.Equal(t, "mine", ev.Messages[0].Text)
}

func TestFeedHubCloseDisconnectsClients(t *testing.T) {
	s := NewAPIServer(DefaultConfig(), logstore.New(logstore.NewMemoryBackend()), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/liveavatar/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.Hub().Close()
	assert.Equal(t, 0, s.Hub().ClientCount())

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
