package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"digiqc/internal/remote"
	"digiqc/internal/repo"
)

var (
	ErrNoSession          = errors.New("not signed in")
	ErrInvalidOTP         = errors.New("invalid otp")
	ErrBackendUnavailable = errors.New("login backend unavailable")
)

// KVStore persists the signed-in session between runs.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// OTPBackend is the part of the remote API used for login.
type OTPBackend interface {
	RequestOTP(ctx context.Context, req remote.LoginRequest) error
	VerifyOTP(ctx context.Context, req remote.LoginRequest) (remote.VerifyResult, error)
}

// Session is the signed-in inspector.
type Session struct {
	Token      string            `json:"token"`
	User       remote.TenantUser `json:"user"`
	Identifier string            `json:"identifier"`
	LoginType  string            `json:"login_type"`
	CreatedAt  string            `json:"created_at"`
	ExpiresAt  string            `json:"expires_at,omitempty"`
}

func (s Session) expired(now time.Time) bool {
	if s.ExpiresAt == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil {
		return false
	}
	return !now.Before(exp)
}

// SessionManager owns the current session. It is safe for concurrent use.
type SessionManager struct {
	KV        KVStore
	Backend   OTPBackend
	Validator Validator
	Key       string
	Now       func() time.Time
	Log       logrus.FieldLogger

	mu sync.Mutex
}

func (m *SessionManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *SessionManager) key() string {
	if m.Key != "" {
		return m.Key
	}
	return "auth.session"
}

func (m *SessionManager) log() logrus.FieldLogger {
	if m.Log != nil {
		return m.Log
	}
	return logrus.StandardLogger()
}

// SendOTP validates the identifier and asks the backend to send a code.
func (m *SessionManager) SendOTP(ctx context.Context, identifier, countryCode string) (Identity, error) {
	id, err := m.Validator.Identify(identifier, countryCode)
	if err != nil {
		return Identity{}, err
	}
	if m.Backend == nil {
		return Identity{}, fmt.Errorf("%w: not configured", ErrBackendUnavailable)
	}
	if err := m.Backend.RequestOTP(ctx, loginRequest(id, "")); err != nil {
		return Identity{}, fmt.Errorf("%w: send otp: %v", ErrBackendUnavailable, err)
	}
	m.log().WithField("login_type", id.LoginType).Info("otp requested")
	return id, nil
}

// VerifyOTP exchanges a six digit code for a session and persists it.
func (m *SessionManager) VerifyOTP(ctx context.Context, identifier, otp string) (Session, error) {
	if err := ValidateOTP(otp); err != nil {
		return Session{}, err
	}
	id, err := m.Validator.Identify(identifier, "")
	if err != nil {
		return Session{}, err
	}
	if m.Backend == nil {
		return Session{}, fmt.Errorf("%w: not configured", ErrBackendUnavailable)
	}
	res, err := m.Backend.VerifyOTP(ctx, loginRequest(id, strings.TrimSpace(otp)))
	if err != nil {
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return Session{}, ErrInvalidOTP
		}
		return Session{}, fmt.Errorf("%w: verify otp: %v", ErrBackendUnavailable, err)
	}
	if res.Token == "" {
		return Session{}, ErrInvalidOTP
	}
	s := Session{
		Token:      res.Token,
		User:       res.User,
		Identifier: id.Value,
		LoginType:  id.LoginType,
	}
	if exp, ok := tokenExpiry(res.Token); ok {
		s.ExpiresAt = exp.UTC().Format(time.RFC3339)
	}
	if err := m.Save(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Save stores s as the current session.
func (m *SessionManager) Save(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt == "" {
		s.CreatedAt = m.now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.KV.Set(ctx, m.key(), string(data)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Current returns the stored session. Expired sessions are removed.
func (m *SessionManager) Current(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.KV.Get(ctx, m.key())
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		m.log().WithError(err).Warn("discarding unreadable session")
		_ = m.KV.Delete(ctx, m.key())
		return Session{}, ErrNoSession
	}
	if s.expired(m.now()) {
		_ = m.KV.Delete(ctx, m.key())
		return Session{}, ErrNoSession
	}
	return s, nil
}

func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.KV.Delete(ctx, m.key())
}

// Token returns the current bearer token, or "" when signed out.
func (m *SessionManager) Token(ctx context.Context) string {
	s, err := m.Current(ctx)
	if err != nil {
		return ""
	}
	return s.Token
}

func loginRequest(id Identity, otp string) remote.LoginRequest {
	req := remote.LoginRequest{LoginType: id.LoginType, OTP: otp}
	if id.LoginType == LoginEmail {
		req.Email = id.Value
	} else {
		req.Phone = id.Value
	}
	return req
}

// tokenExpiry reads exp from a JWT without checking its signature; the
// backend owns the key.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
