package gatewayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
)

func TestClientTokenAndKeepAlive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/liveavatar/token", func(w http.ResponseWriter, r *http.Request) {
		var req avatar.TokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "en", req.Language)
		w.Write([]byte(`{"session_id":"s-1","session_token":"t-1"}`))
	})
	mux.HandleFunc("/api/liveavatar/keep-alive", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["session_token"] != "t-1" {
			http.Error(w, `{"error":"session_token required"}`, http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"success":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL+"/", srv.Client())
	tok, err := c.IssueToken(context.Background(), avatar.TokenRequest{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", tok.SessionToken)

	require.NoError(t, c.KeepAlive(context.Background(), "t-1"))
	err = c.KeepAlive(context.Background(), "bad")
	assert.ErrorIs(t, err, apperr.InvalidInput)
	assert.Contains(t, err.Error(), "session_token required")
}

func TestClientErrorMapping(t *testing.T) {
	status := http.StatusInternalServerError
	body := `{"error":"storage backend is not configured"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()
	c := New(srv.URL, srv.Client())
	msgs := []conversation.Message{{Speaker: conversation.SpeakerUser, Text: "hi", Timestamp: time.Now()}}

	_, err := c.PostBatch(context.Background(), "s", msgs)
	assert.ErrorIs(t, err, apperr.NotConfigured)
	assert.False(t, NotCommitted(err))

	status, body = http.StatusBadGateway, `{"error":"upstream"}`
	_, err = c.PostBatch(context.Background(), "s", msgs)
	assert.ErrorIs(t, err, apperr.TransientIO)
	assert.True(t, NotCommitted(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "upstream", se.Message)

	status = http.StatusGatewayTimeout
	_, err = c.PostBatch(context.Background(), "s", msgs)
	assert.ErrorIs(t, err, apperr.TransientIO)
	assert.False(t, NotCommitted(err), "a timeout may have committed")

	srv.Close()
	_, err = c.PostBatch(context.Background(), "s", msgs)
	assert.ErrorIs(t, err, apperr.TransientIO)
	assert.True(t, NotCommitted(err), "refused connection never reached the gateway")
}

func TestClientPostMessageShape(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/liveavatar/log", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true,"saved_messages":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	err := c.PostMessage(context.Background(), "s-1", conversation.Message{
		Speaker: conversation.SpeakerAvatar, Text: "ciao", Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "s-1", got["session_id"])
	assert.Equal(t, "avatar", got["type"])
	assert.Equal(t, "ciao", got["message"])
	assert.Equal(t, "2025-01-01T00:00:00Z", got["timestamp"])
}
