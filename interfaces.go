package adsbridge

import (
	"context"
	"time"
)

// ProviderAdapter is the transport the bridge drives. Implementations perform exactly one
// HTTP exchange per ExecuteRequest call; retries, quota and credentials live in the bridge.
type ProviderAdapter interface {
	ExecuteRequest(ctx context.Context, req *NormalizedRequest) (*NormalizedResponse, error)
	ParseRateLimitInfo(resp *NormalizedResponse) (*NormalizedRateLimitInfo, error)

	// IdentifyRequestType returns RequestTypeRead or RequestTypeWrite.
	IdentifyRequestType(req *NormalizedRequest) string
}

const (
	RequestTypeRead  = "read"
	RequestTypeWrite = "write"
)

// TokenRecord is the persisted form of a user's provider token.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenStore persists token records per user id. Load returns ErrTokenNotFound when the
// user has no stored token.
type TokenStore interface {
	LoadToken(ctx context.Context, userID string) (*TokenRecord, error)
	SaveToken(ctx context.Context, userID string, rec *TokenRecord) error
	DeleteToken(ctx context.Context, userID string) error
}

// CredentialSource resolves the credential manager responsible for the call in ctx.
type CredentialSource interface {
	Credentials(ctx context.Context) (*CredentialManager, error)
}
