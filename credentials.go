// credentials.go
// ---------------
// CredentialManager owns the access token used for outbound calls: it produces the
// authentication headers, introspects the token when its validity is unknown, and swaps a
// short-lived token for a long-lived one when it nears expiry.
//
// State machine: Unconfigured -> Valid -> NearExpiry -> Refreshing -> {Valid, Failed}.
// Failed is terminal until Reconfigure.
package adsbridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	scopePrefix = "act_"

	// DefaultNearExpiryWindow is how close to expiry a token is treated as short-lived.
	DefaultNearExpiryWindow = 24 * time.Hour
)

// NormalizeScopeID returns the prefixed ad account id ("123" -> "act_123"). Already
// prefixed ids are returned unchanged.
func NormalizeScopeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, scopePrefix) {
		return id
	}
	return scopePrefix + id
}

type CredentialState int

const (
	StateUnconfigured CredentialState = iota
	StateValid
	StateNearExpiry
	StateRefreshing
	StateFailed
)

func (s CredentialState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateValid:
		return "valid"
	case StateNearExpiry:
		return "near_expiry"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Validity distinguishes a token the provider confirmed from one never checked.
type Validity int

const (
	ValidityUnknown Validity = iota
	ValidityConfirmed
	ValidityRejected
)

type AppIdentity struct {
	ID          string
	Secret      string
	RedirectURI string
}

func (a AppIdentity) complete() bool {
	return a.ID != "" && a.Secret != "" && a.RedirectURI != ""
}

func (a AppIdentity) appToken() string {
	if a.ID == "" || a.Secret == "" {
		return ""
	}
	return a.ID + "|" + a.Secret
}

// Credential is the token plus the application identity needed to authenticate and
// refresh. A zero Token.Expiry means the provider did not report one.
type Credential struct {
	Token       *oauth2.Token
	App         AppIdentity
	AutoRefresh bool
	APIVersion  string
	BaseURL     string
	Scopes      []string
}

// CredentialFromConfig builds the single-tenant credential described by cfg.
func CredentialFromConfig(cfg Config) *Credential {
	c := &Credential{
		App:         AppIdentity{ID: cfg.AppID, Secret: cfg.AppSecret, RedirectURI: cfg.RedirectURI},
		AutoRefresh: cfg.AutoRefresh,
		APIVersion:  cfg.APIVersion,
		BaseURL:     cfg.BaseURL,
	}
	if cfg.AccessToken != "" {
		c.Token = &oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "bearer"}
	}
	return c
}

func (c *Credential) accessToken() string {
	if c == nil || c.Token == nil {
		return ""
	}
	return c.Token.AccessToken
}

type CredentialManager struct {
	mu       sync.RWMutex
	cred     *Credential
	state    CredentialState
	validity Validity
	checked  string // token that has already been introspected

	adapter    ProviderAdapter
	store      TokenStore
	userID     string
	nearExpiry time.Duration
	userAgent  string

	group singleflight.Group
	now   func() time.Time
	log   logrus.FieldLogger
}

type CredentialOption func(*CredentialManager)

// WithTokenStore persists refreshed tokens for userID.
func WithTokenStore(store TokenStore, userID string) CredentialOption {
	return func(m *CredentialManager) {
		m.store = store
		m.userID = userID
	}
}

func WithNearExpiryWindow(d time.Duration) CredentialOption {
	return func(m *CredentialManager) { m.nearExpiry = d }
}

func WithCredentialClock(now func() time.Time) CredentialOption {
	return func(m *CredentialManager) { m.now = now }
}

func WithCredentialLogger(l logrus.FieldLogger) CredentialOption {
	return func(m *CredentialManager) { m.log = l }
}

func WithUserAgent(ua string) CredentialOption {
	return func(m *CredentialManager) { m.userAgent = ua }
}

// NewCredentialManager wraps cred. adapter carries the introspection and exchange calls.
func NewCredentialManager(cred *Credential, adapter ProviderAdapter, opts ...CredentialOption) *CredentialManager {
	m := &CredentialManager{
		adapter:    adapter,
		nearExpiry: DefaultNearExpiryWindow,
		userAgent:  DefaultUserAgent,
		now:        time.Now,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Reconfigure(cred)
	return m
}

// Reconfigure installs a new credential. It is the only way out of StateFailed.
func (m *CredentialManager) Reconfigure(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	m.validity = ValidityUnknown
	m.checked = ""
	if cred.accessToken() == "" {
		m.state = StateUnconfigured
		return
	}
	m.state = StateValid
}

// State reports the manager's position in the credential lifecycle.
func (m *CredentialManager) State() CredentialState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateValid && m.nearExpiryLocked(m.now()) {
		return StateNearExpiry
	}
	return m.state
}

// Validity reports whether the provider has confirmed the current token.
func (m *CredentialManager) Validity() Validity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validity
}

// Credential returns a copy of the active credential.
func (m *CredentialManager) Credential() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return Credential{}
	}
	c := *m.cred
	if c.Token != nil {
		tok := *c.Token
		c.Token = &tok
	}
	return c
}

func (m *CredentialManager) CurrentToken() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tok := m.cred.accessToken(); tok != "" {
		return tok, nil
	}
	return "", &APIError{Kind: KindCredentialMissing, Message: "no access token configured", Err: ErrCredentialMissing}
}

// AuthHeaders returns the headers that authenticate an outbound call.
func (m *CredentialManager) AuthHeaders() (http.Header, error) {
	tok, err := m.CurrentToken()
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	h.Set("User-Agent", m.userAgent)
	return h, nil
}

// AppSecretProof is the hex HMAC-SHA256 of the token keyed by the app secret, or "" when
// no secret is configured.
func (m *CredentialManager) AppSecretProof() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok := m.cred.accessToken()
	if m.cred == nil || m.cred.App.Secret == "" || tok == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(m.cred.App.Secret))
	mac.Write([]byte(tok))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *CredentialManager) NormalizeScopeID(id string) string {
	return NormalizeScopeID(id)
}

// RefreshIfNeeded makes sure the token is usable before a call. It introspects the token
// once when its expiry is unknown, and exchanges it for a long-lived token when it is
// invalid or close to expiry and auto-refresh is on. Concurrent callers share one refresh.
func (m *CredentialManager) RefreshIfNeeded(ctx context.Context) error {
	m.mu.RLock()
	state := m.state
	token := m.cred.accessToken()
	needed := m.needsCheckLocked(m.now())
	m.mu.RUnlock()

	switch state {
	case StateUnconfigured:
		return &APIError{Kind: KindCredentialMissing, Message: "no access token configured", Err: ErrCredentialMissing}
	case StateFailed:
		return &APIError{Kind: KindRefreshFailed, Message: "credential failed; reconfigure to recover", Err: ErrRefreshFailed}
	}
	if !needed {
		return nil
	}

	_, err, _ := m.group.Do(token, func() (interface{}, error) {
		return nil, m.refresh(ctx, token)
	})
	return err
}

func (m *CredentialManager) needsCheckLocked(now time.Time) bool {
	if m.cred == nil || m.cred.Token == nil {
		return false
	}
	if m.validity == ValidityRejected {
		return true
	}
	if !m.cred.Token.Expiry.IsZero() {
		return m.nearExpiryLocked(now)
	}
	return m.checked != m.cred.Token.AccessToken
}

func (m *CredentialManager) nearExpiryLocked(now time.Time) bool {
	if m.cred == nil || m.cred.Token == nil || m.cred.Token.Expiry.IsZero() {
		return false
	}
	return m.cred.Token.Expiry.Sub(now) < m.nearExpiry
}

func (m *CredentialManager) refresh(ctx context.Context, token string) error {
	m.mu.RLock()
	if m.cred.accessToken() != token {
		// another caller already replaced the token
		m.mu.RUnlock()
		return nil
	}
	cred := *m.cred
	tok := *cred.Token
	checked := m.checked == token
	validity := m.validity
	m.mu.RUnlock()

	if tok.Expiry.IsZero() && !checked && validity == ValidityUnknown {
		info, err := m.introspect(ctx, token, cred.App)
		m.mu.Lock()
		m.checked = token
		if err != nil {
			m.mu.Unlock()
			// validity stays unknown; the call itself will surface a rejected token
			m.log.WithError(err).Warn("token introspection unavailable")
			return nil
		}
		if info.valid {
			m.validity = ValidityConfirmed
		} else {
			m.validity = ValidityRejected
		}
		if !info.expiresAt.IsZero() && m.cred.Token != nil {
			m.cred.Token.Expiry = info.expiresAt
			tok.Expiry = info.expiresAt
		}
		if len(info.scopes) > 0 {
			m.cred.Scopes = info.scopes
		}
		validity = m.validity
		m.mu.Unlock()
	}

	now := m.now()
	nearExpiry := !tok.Expiry.IsZero() && tok.Expiry.Sub(now) < m.nearExpiry
	if validity != ValidityRejected && !nearExpiry {
		return nil
	}
	if !cred.AutoRefresh {
		m.log.WithFields(logrus.Fields{"expiry": tok.Expiry, "validity": validity}).
			Warn("access token needs renewal but auto-refresh is disabled")
		return nil
	}
	if !cred.App.complete() {
		return m.fail(errors.New("app id, app secret and redirect uri are required to refresh"))
	}

	m.mu.Lock()
	m.state = StateRefreshing
	m.mu.Unlock()

	fresh, err := m.exchange(ctx, token, cred.App)
	if err != nil {
		return m.fail(err)
	}

	m.mu.Lock()
	m.cred.Token = fresh
	m.state = StateValid
	m.validity = ValidityConfirmed
	m.checked = fresh.AccessToken
	scopes := m.cred.Scopes
	store, userID := m.store, m.userID
	m.mu.Unlock()

	m.log.WithField("expiry", fresh.Expiry).Info("access token exchanged for long-lived token")
	if store != nil && userID != "" {
		rec := &TokenRecord{
			AccessToken:  fresh.AccessToken,
			RefreshToken: fresh.RefreshToken,
			TokenType:    fresh.TokenType,
			Scopes:       scopes,
			ExpiresAt:    fresh.Expiry,
			UpdatedAt:    m.now(),
		}
		if err := store.SaveToken(ctx, userID, rec); err != nil {
			m.log.WithError(err).WithField("user", userID).Error("failed to persist refreshed token")
		}
	}
	return nil
}

func (m *CredentialManager) fail(cause error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()
	m.log.WithError(cause).Error("token refresh failed")
	return &APIError{Kind: KindRefreshFailed, Message: cause.Error(), Err: fmt.Errorf("%w: %w", ErrRefreshFailed, cause)}
}

type tokenInfo struct {
	valid     bool
	expiresAt time.Time
	scopes    []string
}

// introspect asks the provider about token via debug_token, authenticated with the app
// access token.
func (m *CredentialManager) introspect(ctx context.Context, token string, app AppIdentity) (*tokenInfo, error) {
	appToken := app.appToken()
	if appToken == "" {
		return nil, errors.New("app id and secret required for introspection")
	}
	if m.adapter == nil {
		return nil, errors.New("no adapter configured")
	}
	req := &NormalizedRequest{
		Method:   http.MethodGet,
		Endpoint: "debug_token",
		Params:   url.Values{"input_token": {token}, "access_token": {appToken}},
	}
	data, err := m.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var body struct {
		Data struct {
			IsValid   bool     `json:"is_valid"`
			ExpiresAt int64    `json:"expires_at"`
			Scopes    []string `json:"scopes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode debug_token: %w", err)
	}
	info := &tokenInfo{valid: body.Data.IsValid, scopes: body.Data.Scopes}
	if body.Data.ExpiresAt > 0 {
		info.expiresAt = time.Unix(body.Data.ExpiresAt, 0)
	}
	return info, nil
}

// exchange trades token for a long-lived one.
func (m *CredentialManager) exchange(ctx context.Context, token string, app AppIdentity) (*oauth2.Token, error) {
	if m.adapter == nil {
		return nil, errors.New("no adapter configured")
	}
	req := &NormalizedRequest{
		Method:   http.MethodGet,
		Endpoint: "oauth/access_token",
		Params: url.Values{
			"grant_type":        {"fb_exchange_token"},
			"client_id":         {app.ID},
			"client_secret":     {app.Secret},
			"redirect_uri":      {app.RedirectURI},
			"fb_exchange_token": {token},
		},
	}
	data, err := m.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeTokenResponse(data, m.now())
}

func decodeTokenResponse(data []byte, now time.Time) (*oauth2.Token, error) {
	var body struct {
		AccessToken string          `json:"access_token"`
		TokenType   string          `json:"token_type"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("token response carried no access_token")
	}
	tok := &oauth2.Token{AccessToken: body.AccessToken, TokenType: body.TokenType}
	// expires_in arrives as a number or a numeric string
	if raw := strings.Trim(string(body.ExpiresIn), `"`); raw != "" && raw != "null" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			tok.Expiry = now.Add(time.Duration(secs) * time.Second)
		}
	}
	return tok, nil
}

func (m *CredentialManager) call(ctx context.Context, req *NormalizedRequest) ([]byte, error) {
	resp, err := m.adapter.ExecuteRequest(ctx, req)
	if err != nil {
		return nil, ClassifyTransportError(req.Describe(), err)
	}
	if apiErr := ClassifyResponse(req.Describe(), resp); apiErr != nil {
		return nil, apiErr
	}
	return resp.Data, nil
}

// Revoke withdraws the app's permissions for the token, forgets the stored copy and
// moves the manager to StateFailed.
func (m *CredentialManager) Revoke(ctx context.Context) error {
	headers, err := m.AuthHeaders()
	if err != nil {
		return err
	}
	req := &NormalizedRequest{
		Method:   http.MethodDelete,
		Endpoint: "me/permissions",
		Headers:  map[string]string{"Authorization": headers.Get("Authorization")},
	}
	if _, err := m.call(ctx, req); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = StateFailed
	m.validity = ValidityRejected
	store, userID := m.store, m.userID
	m.mu.Unlock()

	if store != nil && userID != "" {
		if err := store.DeleteToken(ctx, userID); err != nil && !errors.Is(err, ErrTokenNotFound) {
			return fmt.Errorf("delete stored token: %w", err)
		}
	}
	return nil
}

// StaticCredentials serves one manager to every caller (single-tenant deployments).
type StaticCredentials struct {
	Manager *CredentialManager
}

func (s StaticCredentials) Credentials(context.Context) (*CredentialManager, error) {
	if s.Manager == nil {
		return nil, &APIError{Kind: KindCredentialMissing, Message: "no credential configured", Err: ErrCredentialMissing}
	}
	return s.Manager, nil
}

type userIDKey struct{}

// WithUserID attaches the authenticated user id used by TenantCredentials.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// TenantCredentials resolves one CredentialManager per user id, loading tokens from a
// TokenStore the first time a user calls.
type TenantCredentials struct {
	mu       sync.Mutex
	managers map[string]*CredentialManager

	store    TokenStore
	adapter  ProviderAdapter
	template Credential
	opts     []CredentialOption
}

// NewTenantCredentials uses template for the application identity and endpoint settings
// of every user; token material comes from store.
func NewTenantCredentials(store TokenStore, adapter ProviderAdapter, template Credential, opts ...CredentialOption) *TenantCredentials {
	template.Token = nil
	return &TenantCredentials{
		managers: make(map[string]*CredentialManager),
		store:    store,
		adapter:  adapter,
		template: template,
		opts:     opts,
	}
}

// Credentials returns the manager cached for the context's user, loading the stored token
// on first use. A cached manager in StateFailed is replaced once the store holds a
// different token, e.g. after the user logs in again, and dropped once the stored token
// is gone.
func (t *TenantCredentials) Credentials(ctx context.Context) (*CredentialManager, error) {
	userID := UserIDFromContext(ctx)
	if userID == "" {
		return nil, &APIError{Kind: KindCredentialMissing, Message: "no authenticated user in context", Err: ErrCredentialMissing}
	}

	t.mu.Lock()
	cached, ok := t.managers[userID]
	t.mu.Unlock()
	if ok && cached.State() != StateFailed {
		return cached, nil
	}

	// store I/O runs unlocked so one user's load never stalls another's
	rec, err := t.store.LoadToken(ctx, userID)
	if errors.Is(err, ErrTokenNotFound) {
		if ok {
			t.evict(userID, cached)
		}
		return nil, &APIError{Kind: KindCredentialMissing, Message: "no stored token for user " + userID, Err: ErrCredentialMissing}
	}
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %w", userID, err)
	}
	if ok {
		if cur, _ := cached.CurrentToken(); cur == rec.AccessToken {
			return cached, nil
		}
	}

	fresh := t.newManager(userID, rec)
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, exists := t.managers[userID]; exists && m != cached {
		// another caller installed a manager while this one was loading
		return m, nil
	}
	t.managers[userID] = fresh
	return fresh, nil
}

func (t *TenantCredentials) newManager(userID string, rec *TokenRecord) *CredentialManager {
	cred := t.template
	cred.Token = &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Expiry:       rec.ExpiresAt,
	}
	cred.Scopes = rec.Scopes
	opts := append(append([]CredentialOption(nil), t.opts...), WithTokenStore(t.store, userID))
	return NewCredentialManager(&cred, t.adapter, opts...)
}

func (t *TenantCredentials) evict(userID string, m *CredentialManager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.managers[userID] == m {
		delete(t.managers, userID)
	}
}

// Forget drops the cached manager for userID, e.g. after logout.
func (t *TenantCredentials) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.managers, userID)
}
