package wsclient

import (
	"context"
	"errors"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
)

// Dialer 用会话令牌建立WebSocket传输，实现 avatar.Dialer
type Dialer struct {
	// Template 除URL与Token以外的连接参数
	Template ClientConfig
	// URL 为空时使用模板中的URL
	URL string
}

// NewDialer 创建拨号器
func NewDialer(url string) *Dialer {
	return &Dialer{Template: *DefaultClientConfig(url, ""), URL: url}
}

// Dial 实现 avatar.Dialer
func (d *Dialer) Dial(ctx context.Context, token avatar.Token) (avatar.Transport, error) {
	if token.SessionToken == "" {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "dial", errors.New("empty session token"))
	}

	cfg := d.Template
	if d.URL != "" {
		cfg.URL = d.URL
	}
	cfg.Token = token.SessionToken

	client := New(&cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
