package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/bluecircle/internal/model"
)

// Client は1つのブラウザ（client_idクッキー）から見たIdentity Provider。
// クッキーから復元したトークンを保持し、サインイン状態の変化をBrokerへ発行する。
type Client struct {
	id      string
	service *Service
	broker  Broker

	// resolveMu はストアへの問い合わせを直列化する。muはI/Oの間保持しない
	resolveMu sync.Mutex

	mu       sync.Mutex
	access   string
	refresh  string
	resolved bool
	current  *model.Session
	// changed はクッキーへの書き戻しが必要な変化があったかどうか
	changed bool
}

// NewClient はクッキーの値からClientを復元する。
func NewClient(id string, service *Service, broker Broker, accessToken, refreshID string) *Client {
	return &Client{
		id:      id,
		service: service,
		broker:  broker,
		access:  accessToken,
		refresh: refreshID,
	}
}

// ID はクライアントIDを返す。
func (c *Client) ID() string {
	return c.id
}

// GetCurrentSession は現在のセッションを返す。未サインインの場合はnilを返す。
// アクセストークンが期限切れでリフレッシュセッションが有効な場合はローテーションし、
// TOKEN_REFRESHEDを発行する。
func (c *Client) GetCurrentSession(ctx context.Context) (*model.Session, error) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	c.mu.Lock()
	if c.resolved {
		defer c.mu.Unlock()
		return c.current, nil
	}
	access, refresh := c.access, c.refresh
	c.mu.Unlock()

	if access != "" {
		session, err := c.service.Verify(access)
		if err == nil {
			if refresh == session.ID {
				c.mu.Lock()
				defer c.mu.Unlock()
				if c.resolved {
					return c.current, nil
				}
				c.current = session
				c.resolved = true
				return session, nil
			}
		} else if !errors.Is(err, ErrInvalidToken) {
			return nil, err
		}
	}

	if refresh == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.resolved = true
		return c.current, nil
	}

	session, err := c.service.Refresh(ctx, refresh)

	c.mu.Lock()
	if c.refresh != refresh {
		// 問い合わせ中にサインイン・サインアウトで置き換えられた
		defer c.mu.Unlock()
		return c.current, nil
	}
	if err != nil {
		if errors.Is(err, model.ErrAuthFailure) {
			c.clearLocked()
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()
		return nil, err
	}
	c.setLocked(session)
	c.mu.Unlock()

	c.publish(ctx, model.AuthEvent{Type: model.AuthEventTokenRefreshed, Session: session})
	return session, nil
}

// OnSessionChange はこのブラウザのセッション変更通知を購読する。
func (c *Client) OnSessionChange(fn func(model.AuthEvent)) func() {
	return c.broker.Subscribe(c.id, fn)
}

// SignUp は新規登録してサインイン状態にする。
func (c *Client) SignUp(ctx context.Context, in model.SignUpInput) (*model.Session, error) {
	session, err := c.service.SignUp(ctx, in)
	if err != nil {
		return nil, err
	}
	c.Establish(ctx, session)
	return session, nil
}

// SignIn はパスワードでサインインする。
func (c *Client) SignIn(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	session, err := c.service.SignIn(ctx, creds)
	if err != nil {
		return nil, err
	}
	c.Establish(ctx, session)
	return session, nil
}

// Establish は発行済みのセッションをこのブラウザのセッションとし、SIGNED_INを発行する。
func (c *Client) Establish(ctx context.Context, session *model.Session) {
	c.mu.Lock()
	previous := c.refresh
	c.setLocked(session)
	c.mu.Unlock()

	if previous != "" && previous != session.ID {
		if err := c.service.SignOut(ctx, previous); err != nil {
			slog.Warn("failed to revoke replaced session", slog.String("error", err.Error()))
		}
	}
	c.publish(ctx, model.AuthEvent{Type: model.AuthEventSignedIn, Session: session})
}

// Refresh は明示的にトークンをローテーションする。
func (c *Client) Refresh(ctx context.Context) (*model.Session, error) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()

	session, err := c.service.Refresh(ctx, refresh)

	c.mu.Lock()
	if err != nil {
		if errors.Is(err, model.ErrAuthFailure) && c.refresh == refresh {
			c.clearLocked()
		}
		c.mu.Unlock()
		return nil, err
	}
	c.setLocked(session)
	c.mu.Unlock()

	c.publish(ctx, model.AuthEvent{Type: model.AuthEventTokenRefreshed, Session: session})
	return session, nil
}

// SignOut はセッションを破棄し、SIGNED_OUTを発行する。
// サインインしていない場合も成功として扱う。
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refresh
	c.clearLocked()
	c.mu.Unlock()

	if refresh != "" {
		if err := c.service.SignOut(ctx, refresh); err != nil {
			return err
		}
	}
	c.publish(ctx, model.AuthEvent{Type: model.AuthEventSignedOut})
	return nil
}

// Pending はクッキーへ書き戻すべき状態を返す。
// changedがfalseの場合は書き戻し不要、sessionがnilの場合はクッキーを削除する。
func (c *Client) Pending() (session *model.Session, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.changed
}

func (c *Client) setLocked(session *model.Session) {
	c.current = session
	c.access = session.AccessToken
	c.refresh = session.ID
	c.resolved = true
	c.changed = true
}

func (c *Client) clearLocked() {
	c.current = nil
	c.access = ""
	c.refresh = ""
	c.resolved = true
	c.changed = true
}

func (c *Client) publish(ctx context.Context, ev model.AuthEvent) {
	if err := c.broker.Publish(ctx, c.id, ev); err != nil {
		slog.Warn("failed to publish auth event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
