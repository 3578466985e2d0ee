package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/config"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/httpserver"
	"LiveAvatarGateway/internal/liveavatar"
	"LiveAvatarGateway/internal/logstore"
	"LiveAvatarGateway/internal/testserver"
)

type tokenUpstream struct{}

func (tokenUpstream) Configured() bool { return true }

func (tokenUpstream) IssueToken(ctx context.Context, req avatar.TokenRequest) (avatar.Token, error) {
	return avatar.Token{SessionID: "chat-1", SessionToken: "tok-chat"}, nil
}

func (tokenUpstream) StartSession(ctx context.Context, sessionToken string) (liveavatar.StartResponse, error) {
	return liveavatar.StartResponse{}, nil
}

func (tokenUpstream) KeepAlive(ctx context.Context, sessionToken string) error { return nil }

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liveavatar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestChatThroughGateway(t *testing.T) {
	avatarSrv := testserver.New(testserver.DefaultServerConfig(""))
	avatarTS := httptest.NewServer(avatarSrv.Handler())
	defer avatarTS.Close()
	defer avatarSrv.CloseAll()

	store := logstore.New(logstore.NewMemoryBackend())
	api := httpserver.NewAPIServer(httpserver.DefaultConfig(), store, tokenUpstream{})
	gatewayTS := httptest.NewServer(api.Handler())
	defer gatewayTS.Close()
	defer api.Shutdown(context.Background())

	cfg, err := config.Load(writeConfig(t, fmt.Sprintf(`
session:
  gateway_url: %s
  avatar_url: ws%s/ws
  initial_delay: 10ms
  flush_interval: 20ms
  response_timeout: 5s
`, gatewayTS.URL, strings.TrimPrefix(avatarTS.URL, "http"))))
	require.NoError(t, err)

	var out bytes.Buffer
	in := strings.NewReader("hello\n/state\n/quit\n")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, runChat(ctx, cfg, in, &out))

	text := out.String()
	assert.Contains(t, text, "* session ready (chat-1)")
	assert.Contains(t, text, "[user] hello")
	assert.Equal(t, 1, strings.Count(text, "[avatar] You said: hello"), text)
	assert.Contains(t, text, `"lifecycle"`)

	log, err := store.Get(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, log.Messages, 2)
	assert.Equal(t, conversation.SpeakerUser, log.Messages[0].Speaker)
	assert.Equal(t, "hello", log.Messages[0].Text)
	assert.Equal(t, conversation.SpeakerAvatar, log.Messages[1].Speaker)
	assert.Equal(t, "You said: hello", log.Messages[1].Text)
}

func TestChatReportsStartFailure(t *testing.T) {
	gatewayTS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad avatar"}`))
	}))
	defer gatewayTS.Close()

	cfg, err := config.Load(writeConfig(t, fmt.Sprintf(`
session:
  gateway_url: %s
  avatar_url: ws://127.0.0.1:1/ws
  initial_delay: 5ms
`, gatewayTS.URL)))
	require.NoError(t, err)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runChat(ctx, cfg, strings.NewReader("hi\n"), &out))

	assert.Contains(t, out.String(), "* session error")
	assert.Contains(t, out.String(), "! ")
}

func TestConfigPrintCommand(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":8123\"\nliveavatar:\n  api_key: hidden-key\n")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"config", "print", "--config", path})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), ":8123")
	assert.NotContains(t, out.String(), "hidden-key")
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":8123\"\n")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"config", "print", "--config", path, "--log-level", "debug"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "level: debug")
}

func TestBuildGatewaySQLite(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, fmt.Sprintf(`
storage:
  driver: sqlite
  sqlite_path: %s
server:
  addr: 127.0.0.1:0
  grpc_addr: 127.0.0.1:0
`, filepath.Join(t.TempDir(), "gw.db"))))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, err := buildGateway(ctx, cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(g.api.Handler())
	resp, err := ts.Client().Post(ts.URL+"/api/liveavatar/log/batch", "application/json",
		strings.NewReader(`{"session_id":"s","messages":[{"type":"user","message":"hi"}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ts.Close()

	done := make(chan error, 1)
	go func() { done <- g.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
