// Package liveavatar 上游LiveAvatar会话API的REST客户端；API密钥只在服务端持有
package liveavatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/logger"
)

// DefaultBaseURL 上游API地址
const DefaultBaseURL = "https://api.liveavatar.com"

// Config 客户端配置
type Config struct {
	BaseURL          string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey           string        `mapstructure:"api_key" yaml:"-"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Mode             string        `mapstructure:"mode" yaml:"mode"`
	DefaultAvatarID  string        `mapstructure:"avatar_id" yaml:"avatar_id"`
	DefaultVoiceID   string        `mapstructure:"voice_id" yaml:"voice_id"`
	DefaultContextID string        `mapstructure:"context_id" yaml:"context_id"`
	DefaultLanguage  string        `mapstructure:"language" yaml:"language"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		Timeout:         15 * time.Second,
		Mode:            "FULL",
		DefaultAvatarID: "9f63d9e0-48a2-4921-9b1a-d6b058167396",
		DefaultLanguage: "it",
	}
}

// UpstreamError 上游返回的非2xx响应
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("liveavatar %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// StatusOf 返回上游状态码，不是上游错误时返回0
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// StartResponse 会话启动结果，客户端据此连接媒体房间
type StartResponse struct {
	LiveKitURL         string `json:"livekit_url"`
	LiveKitClientToken string `json:"livekit_client_token"`
	SessionID          string `json:"session_id"`
}

type persona struct {
	VoiceID   string `json:"voice_id,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Language  string `json:"language"`
}

type tokenRequestBody struct {
	Mode          string  `json:"mode"`
	AvatarID      string  `json:"avatar_id"`
	AvatarPersona persona `json:"avatar_persona"`
}

// envelope 上游响应统一包在 data 字段中
type envelope[T any] struct {
	Data T `json:"data"`
}

// Client 上游客户端
type Client struct {
	config Config
	http   *http.Client
	log    zerolog.Logger
}

// New 创建客户端；httpClient为nil时按配置超时创建
func New(config Config, httpClient *http.Client) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Mode == "" {
		config.Mode = "FULL"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		config: config,
		http:   httpClient,
		log:    logger.WithComponent("liveavatar"),
	}
}

// Configured 是否配置了API密钥
func (c *Client) Configured() bool {
	return c.config.APIKey != ""
}

// IssueToken 创建会话令牌，实现 avatar.TokenIssuer。未填写的字段取配置默认值。
func (c *Client) IssueToken(ctx context.Context, req avatar.TokenRequest) (avatar.Token, error) {
	const op = "token"
	if !c.Configured() {
		return avatar.Token{}, apperr.New(apperr.KindNotConfigured, op, "LIVEAVATAR_API_KEY is not configured")
	}

	body := tokenRequestBody{
		Mode:     c.config.Mode,
		AvatarID: firstNonEmpty(req.AvatarID, c.config.DefaultAvatarID),
		AvatarPersona: persona{
			VoiceID:   firstNonEmpty(req.VoiceID, c.config.DefaultVoiceID),
			ContextID: firstNonEmpty(req.ContextID, c.config.DefaultContextID),
			Language:  firstNonEmpty(req.Language, c.config.DefaultLanguage),
		},
	}

	var out envelope[avatar.Token]
	headers := http.Header{"X-API-KEY": []string{c.config.APIKey}}
	if err := c.do(ctx, op, "/v1/sessions/token", headers, body, &out); err != nil {
		return avatar.Token{}, err
	}
	if out.Data.SessionToken == "" {
		return avatar.Token{}, apperr.New(apperr.KindTransientIO, op, "upstream returned no session token")
	}

	c.log.Info().Str("sessionId", out.Data.SessionID).Str("language", body.AvatarPersona.Language).Msg("session token created")
	return out.Data, nil
}

// StartSession 启动上游会话
func (c *Client) StartSession(ctx context.Context, sessionToken string) (StartResponse, error) {
	const op = "start"
	if sessionToken == "" {
		return StartResponse{}, apperr.New(apperr.KindInvalidInput, op, "session_token is required")
	}

	var out envelope[StartResponse]
	if err := c.do(ctx, op, "/v1/sessions/start", bearer(sessionToken), nil, &out); err != nil {
		return StartResponse{}, err
	}
	return out.Data, nil
}

// KeepAlive 延长会话空闲过期，实现 heartbeat.KeepAliver
func (c *Client) KeepAlive(ctx context.Context, sessionToken string) error {
	const op = "keep-alive"
	if sessionToken == "" {
		return apperr.New(apperr.KindInvalidInput, op, "session_token is required")
	}
	return c.do(ctx, op, "/v1/sessions/keep-alive", bearer(sessionToken), nil, nil)
}

// do 发送POST请求并解码JSON响应；out为nil时丢弃响应体
func (c *Client) do(ctx context.Context, op, path string, headers http.Header, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidInput, op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, body)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream := &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		c.log.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("upstream request failed")
		// 4xx为调用方问题，408/429与5xx可重试
		kind := apperr.KindTransientIO
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			kind = apperr.KindInvalidInput
		}
		return apperr.Wrap(kind, op, upstream)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
