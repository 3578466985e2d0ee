// Package gatewayclient 会话端访问网关HTTP接口的客户端：令牌、保活与转写上报
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
)

// Client 网关客户端，实现 avatar.TokenIssuer 与 heartbeat.KeepAliver
type Client struct {
	baseURL string
	http    *http.Client
}

// New 创建客户端；httpClient为nil时使用15秒超时
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// IssueToken 通过网关获取会话令牌
func (c *Client) IssueToken(ctx context.Context, req avatar.TokenRequest) (avatar.Token, error) {
	var tok avatar.Token
	if err := c.post(ctx, "token", "/api/liveavatar/token", req, &tok); err != nil {
		return avatar.Token{}, err
	}
	if tok.SessionToken == "" {
		return avatar.Token{}, apperr.New(apperr.KindTransientIO, "token", "gateway returned no session token")
	}
	return tok, nil
}

// KeepAlive 通过网关保活
func (c *Client) KeepAlive(ctx context.Context, sessionToken string) error {
	body := map[string]string{"session_token": sessionToken}
	return c.post(ctx, "keep-alive", "/api/liveavatar/keep-alive", body, nil)
}

type batchRequest struct {
	SessionID string                 `json:"session_id"`
	Messages  []conversation.Message `json:"messages"`
}

type appendResponse struct {
	Success       bool `json:"success"`
	SavedMessages int  `json:"saved_messages"`
}

// PostBatch 批量上报消息，返回服务端确认保存的条数
func (c *Client) PostBatch(ctx context.Context, sessionID string, messages []conversation.Message) (int, error) {
	var out appendResponse
	err := c.post(ctx, "log batch", "/api/liveavatar/log/batch", batchRequest{SessionID: sessionID, Messages: messages}, &out)
	if err != nil {
		return 0, err
	}
	return out.SavedMessages, nil
}

type singleRequest struct {
	SessionID string                 `json:"session_id"`
	Speaker   conversation.Speaker   `json:"type"`
	Text      string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PostMessage 上报单条消息
func (c *Client) PostMessage(ctx context.Context, sessionID string, m conversation.Message) error {
	body := singleRequest{SessionID: sessionID, Speaker: m.Speaker, Text: m.Text, Timestamp: m.Timestamp}
	return c.post(ctx, "log", "/api/liveavatar/log", body, nil)
}

// StatusError 网关返回的非2xx响应
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.Code, e.Message)
}

// NotCommitted 错误是否证明网关没有写入：连接未建立，或网关以 408/429/502/503 拒绝。
// 网关仅在存储放弃写入时返回502
func NotCommitted(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
			return true
		}
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func (c *Client) post(ctx context.Context, op, path string, in, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, op, err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		msg := strings.TrimSpace(string(payload))
		if json.Unmarshal(payload, &eb) == nil && eb.Error != "" {
			msg = eb.Error
			if eb.Details != "" {
				msg += ": " + eb.Details
			}
		}
		err := &StatusError{Code: resp.StatusCode, Message: msg}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
			return apperr.Wrap(apperr.KindTransientIO, op, err)
		case resp.StatusCode < 500:
			return apperr.Wrap(apperr.KindInvalidInput, op, err)
		case resp.StatusCode == http.StatusInternalServerError && strings.Contains(msg, "not configured"):
			return apperr.Wrap(apperr.KindNotConfigured, op, err)
		default:
			return apperr.Wrap(apperr.KindTransientIO, op, err)
		}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
