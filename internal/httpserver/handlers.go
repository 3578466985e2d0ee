package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/liveavatar"
	"LiveAvatarGateway/internal/logstore"
)

const (
	maxBodyBytes     = 1 << 20
	defaultSessionID = "no-session"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type appendResponse struct {
	Success       bool              `json:"success"`
	Data          *conversation.Log `json:"data"`
	SavedMessages int               `json:"saved_messages"`
}

type sessionTokenRequest struct {
	SessionToken string `json:"session_token"`
}

type logRequest struct {
	SessionID string                 `json:"session_id"`
	Type      conversation.Speaker   `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type batchRequest struct {
	SessionID string                 `json:"session_id"`
	Messages  []conversation.Message `json:"messages"`
}

// tokenHandler 签发会话令牌，请求体可省略
func (s *APIServer) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil || !s.upstream.Configured() {
		s.writeError(w, http.StatusInternalServerError, "LIVEAVATAR_API_KEY is not configured", "")
		return
	}

	var req avatar.TokenRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	tok, err := s.upstream.IssueToken(r.Context(), req)
	if err != nil {
		s.writeAppError(w, "token creation failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, tok)
}

// startHandler 启动上游会话，返回媒体房间连接信息
func (s *APIServer) startHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := s.sessionToken(w, r)
	if !ok {
		return
	}
	resp, err := s.upstream.StartSession(r.Context(), token)
	if err != nil {
		s.writeAppError(w, "session start failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// keepAliveHandler 延长上游会话
func (s *APIServer) keepAliveHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := s.sessionToken(w, r)
	if !ok {
		return
	}
	if err := s.upstream.KeepAlive(r.Context(), token); err != nil {
		s.log.Warn().Err(err).Msg("keep-alive failed")
		s.writeAppError(w, "keep-alive failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *APIServer) sessionToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.upstream == nil || !s.upstream.Configured() {
		s.writeError(w, http.StatusInternalServerError, "LIVEAVATAR_API_KEY is not configured", "")
		return "", false
	}
	var req sessionTokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return "", false
	}
	if req.SessionToken == "" {
		s.writeError(w, http.StatusBadRequest, "session_token is required", "")
		return "", false
	}
	return req.SessionToken, true
}

// logHandler 追加单条消息，缺少session_id时记入 no-session
func (s *APIServer) logHandler(w http.ResponseWriter, r *http.Request) {
	if !s.store.Configured() {
		s.writeError(w, http.StatusInternalServerError, "storage backend is not configured", "")
		return
	}

	var req logRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = defaultSessionID
	}

	msg := conversation.Message{Speaker: req.Type, Text: req.Message, Timestamp: req.Timestamp}
	log, err := s.store.Append(r.Context(), sessionID, []conversation.Message{msg})
	if err != nil {
		s.writeAppError(w, "failed to save log", err)
		return
	}
	s.writeJSON(w, http.StatusOK, appendResponse{Success: true, Data: log, SavedMessages: 1})
}

// logBatchHandler 按顺序追加一批消息
func (s *APIServer) logBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !s.store.Configured() {
		s.writeError(w, http.StatusInternalServerError, "storage backend is not configured", "")
		return
	}

	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required", "")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages array is required and must not be empty", "")
		return
	}

	log, err := s.store.Append(r.Context(), req.SessionID, req.Messages)
	if err != nil {
		s.writeAppError(w, "failed to save batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, appendResponse{Success: true, Data: log, SavedMessages: len(req.Messages)})
}

// getLogHandler 读取单个会话日志
func (s *APIServer) getLogHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	log, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found", "")
			return
		}
		s.writeAppError(w, "failed to read log", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": log})
}

// listLogsHandler 按开始时间范围列出日志，from/to 为RFC3339
func (s *APIServer) listLogsHandler(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid from", err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid to", err.Error())
		return
	}

	logs, err := s.store.List(r.Context(), from, to)
	if err != nil {
		s.writeAppError(w, "failed to list logs", err)
		return
	}
	if logs == nil {
		logs = []*conversation.Log{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": logs, "count": len(logs)})
}

// healthCheckHandler 存储已配置但不可达时返回503
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	storage := "ok"
	status := http.StatusOK
	if !s.store.Configured() {
		storage = "not_configured"
	} else if err := s.store.Ping(r.Context()); err != nil {
		storage = "unreachable"
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":              http.StatusText(status),
		"storage":             storage,
		"upstream_configured": s.upstream != nil && s.upstream.Configured(),
		"feed_clients":        s.hub.ClientCount(),
		"uptime":              time.Since(s.startTime).Round(time.Second).String(),
		"timestamp":           time.Now().Unix(),
	})
}

// writeAppError 上游错误透传状态码，其余按错误类别映射
func (s *APIServer) writeAppError(w http.ResponseWriter, msg string, err error) {
	status := liveavatar.StatusOf(err)
	if status == 0 {
		status = apperr.HTTPStatus(err)
	}
	if status >= 500 {
		s.log.Error().Err(err).Int("status", status).Msg(msg)
	}
	s.writeError(w, status, msg, err.Error())
}

func (s *APIServer) writeError(w http.ResponseWriter, status int, msg, details string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
