package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken はアクセストークンの署名不正、形式不正、期限切れを表す。
var ErrInvalidToken = errors.New("invalid access token")

// AccessClaims はアクセストークンから取り出した主張。
type AccessClaims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// TokenIssuer はHS256署名の短命アクセストークンを発行・検証する。
type TokenIssuer struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, nowFunc: time.Now}
}

// Issue はユーザーとリフレッシュセッションに紐づくアクセストークンを発行する。
func (t *TokenIssuer) Issue(userID, sessionID string) (string, time.Time, error) {
	now := t.nowFunc()
	expiresAt := now.Add(t.ttl)
	claims := jwt.MapClaims{
		"sub": userID,
		"sid": sessionID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.New().String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, time.Unix(expiresAt.Unix(), 0), nil
}

// Parse はアクセストークンを検証し主張を返す。
// 検証に失敗した場合はErrInvalidTokenをラップして返す。
func (t *TokenIssuer) Parse(raw string) (*AccessClaims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.nowFunc), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)
	exp, _ := claims["exp"].(float64)
	if sub == "" || sid == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &AccessClaims{
		UserID:    sub,
		SessionID: sid,
		ExpiresAt: time.Unix(int64(exp), 0),
	}, nil
}
