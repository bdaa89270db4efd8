package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	adsbridge "github.com/opengovern/meta-ads-bridge"
)

const (
	sessionKeyPrefix = "session:"
	tokenKeyPrefix   = "token:"

	DefaultSessionTTL = 30 * 24 * time.Hour
	DefaultTokenTTL   = 90 * 24 * time.Hour
)

// SessionRecord is an inbound session created by a completed OAuth login.
type SessionRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	ProviderUserID string    `json:"provider_user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
}

type SessionRepository struct {
	store Store
	ttl   time.Duration
}

// NewSessionRepository keeps sessions for ttl after their last save; zero uses
// DefaultSessionTTL.
func NewSessionRepository(s Store, ttl time.Duration) *SessionRepository {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionRepository{store: s, ttl: ttl}
}

func (r *SessionRepository) Save(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		return errors.New("session ID cannot be empty")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, sessionKeyPrefix+rec.ID, raw, r.ttl)
}

// Load returns ErrNotFound for unknown or expired sessions.
func (r *SessionRepository) Load(ctx context.Context, id string) (*SessionRecord, error) {
	raw, err := r.store.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

// Touch records a use of the session and extends its lifetime.
func (r *SessionRepository) Touch(ctx context.Context, id string, at time.Time) (*SessionRecord, error) {
	rec, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.LastUsedAt = at
	if err := r.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, sessionKeyPrefix+id)
}

// storedToken is the at-rest form of adsbridge.TokenRecord; token strings are sealed.
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenRepository stores provider tokens per user. It implements adsbridge.TokenStore.
type TokenRepository struct {
	store  Store
	sealer *Sealer
	ttl    time.Duration
}

var _ adsbridge.TokenStore = (*TokenRepository)(nil)

// NewTokenRepository seals token strings with sealer when it is non-nil.
func NewTokenRepository(s Store, sealer *Sealer, ttl time.Duration) *TokenRepository {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenRepository{store: s, sealer: sealer, ttl: ttl}
}

func (r *TokenRepository) LoadToken(ctx context.Context, userID string) (*adsbridge.TokenRecord, error) {
	raw, err := r.store.Get(ctx, tokenKeyPrefix+userID)
	if errors.Is(err, ErrNotFound) {
		return nil, adsbridge.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode token for %s: %w", userID, err)
	}
	access, err := r.sealer.Open(st.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := r.sealer.Open(st.RefreshToken)
	if err != nil {
		return nil, err
	}
	return &adsbridge.TokenRecord{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    st.TokenType,
		Scopes:       st.Scopes,
		ExpiresAt:    st.ExpiresAt,
		UpdatedAt:    st.UpdatedAt,
	}, nil
}

func (r *TokenRepository) SaveToken(ctx context.Context, userID string, rec *adsbridge.TokenRecord) error {
	if userID == "" {
		return errors.New("user ID cannot be empty")
	}
	access, err := r.sealer.Seal(rec.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.sealer.Seal(rec.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	raw, err := json.Marshal(storedToken{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    rec.TokenType,
		Scopes:       rec.Scopes,
		ExpiresAt:    rec.ExpiresAt,
		UpdatedAt:    rec.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return r.store.Set(ctx, tokenKeyPrefix+userID, raw, r.ttl)
}

func (r *TokenRepository) DeleteToken(ctx context.Context, userID string) error {
	return r.store.Delete(ctx, tokenKeyPrefix+userID)
}
