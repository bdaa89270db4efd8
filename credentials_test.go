package adsbridge_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	adsbridge "github.com/opengovern/meta-ads-bridge"
	"github.com/opengovern/meta-ads-bridge/mock"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type memoryTokenStore struct {
	mu      sync.Mutex
	records map[string]*adsbridge.TokenRecord
	deleted []string
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{records: make(map[string]*adsbridge.TokenRecord)}
}

func (s *memoryTokenStore) LoadToken(_ context.Context, userID string) (*adsbridge.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, adsbridge.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memoryTokenStore) SaveToken(_ context.Context, userID string, rec *adsbridge.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[userID] = &cp
	return nil
}

func (s *memoryTokenStore) DeleteToken(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	s.deleted = append(s.deleted, userID)
	return nil
}

func fullApp() adsbridge.AppIdentity {
	return adsbridge.AppIdentity{ID: "111", Secret: "app-secret", RedirectURI: "https://example.com/cb"}
}

func credential(token string, expiry time.Time, app adsbridge.AppIdentity, autoRefresh bool) *adsbridge.Credential {
	return &adsbridge.Credential{
		Token:       &oauth2.Token{AccessToken: token, Expiry: expiry},
		App:         app,
		AutoRefresh: autoRefresh,
	}
}

func exchangeBody(token string, expiresIn int) string {
	return fmt.Sprintf(`{"access_token":%q,"token_type":"bearer","expires_in":%d}`, token, expiresIn)
}

func TestNormalizeScopeID(t *testing.T) {
	assert.Equal(t, "act_123", adsbridge.NormalizeScopeID("123"))
	assert.Equal(t, "act_123", adsbridge.NormalizeScopeID("act_123"))
	assert.Equal(t, "act_123", adsbridge.NormalizeScopeID(adsbridge.NormalizeScopeID("123")))
	assert.Equal(t, "act_123", adsbridge.NormalizeScopeID(" 123 "))
	assert.Equal(t, "", adsbridge.NormalizeScopeID(""))
}

func TestCredentialManager_Unconfigured(t *testing.T) {
	m := adsbridge.NewCredentialManager(&adsbridge.Credential{}, mock.NewMockAdapter())

	assert.Equal(t, adsbridge.StateUnconfigured, m.State())
	_, err := m.CurrentToken()
	assert.ErrorIs(t, err, adsbridge.ErrCredentialMissing)
	_, err = m.AuthHeaders()
	assert.ErrorIs(t, err, adsbridge.ErrCredentialMissing)
	assert.ErrorIs(t, m.RefreshIfNeeded(context.Background()), adsbridge.ErrCredentialMissing)
}

func TestCredentialManager_AuthHeaders(t *testing.T) {
	m := adsbridge.NewCredentialManager(
		credential("tok", time.Time{}, adsbridge.AppIdentity{}, false),
		mock.NewMockAdapter(),
		adsbridge.WithUserAgent("test-agent/1"),
	)
	h, err := m.AuthHeaders()
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "test-agent/1", h.Get("User-Agent"))
	assert.Equal(t, "", m.AppSecretProof())
}

func TestCredentialManager_AppSecretProof(t *testing.T) {
	m := adsbridge.NewCredentialManager(credential("tok", time.Time{}, fullApp(), false), mock.NewMockAdapter())

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte("tok"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), m.AppSecretProof())
}

func TestCredentialManager_IntrospectsUnknownExpiryOnce(t *testing.T) {
	adapter := mock.NewMockAdapter()
	expires := fixedNow.Add(50 * 24 * time.Hour).Unix()
	adapter.Route("debug_token", mock.Response{Body: fmt.Sprintf(`{"data":{"is_valid":true,"expires_at":%d,"scopes":["ads_read"]}}`, expires)})

	m := adsbridge.NewCredentialManager(credential("tok", time.Time{}, fullApp(), true), adapter, adsbridge.WithCredentialClock(clock))
	ctx := context.Background()

	require.NoError(t, m.RefreshIfNeeded(ctx))
	require.NoError(t, m.RefreshIfNeeded(ctx))

	assert.Equal(t, 1, adapter.CallCount("debug_token"))
	assert.Equal(t, 0, adapter.CallCount("oauth/access_token"))
	assert.Equal(t, adsbridge.ValidityConfirmed, m.Validity())
	assert.Equal(t, adsbridge.StateValid, m.State())
	assert.Equal(t, time.Unix(expires, 0), m.Credential().Token.Expiry)
	assert.Equal(t, []string{"ads_read"}, m.Credential().Scopes)

	req := adapter.Requests()[0]
	assert.Equal(t, "tok", req.Params.Get("input_token"))
	assert.Equal(t, "111|app-secret", req.Params.Get("access_token"))
}

func TestCredentialManager_UnknownStaysUnknownWithoutAppIdentity(t *testing.T) {
	adapter := mock.NewMockAdapter()
	m := adsbridge.NewCredentialManager(credential("tok", time.Time{}, adsbridge.AppIdentity{}, true), adapter)

	require.NoError(t, m.RefreshIfNeeded(context.Background()))
	assert.Equal(t, adsbridge.ValidityUnknown, m.Validity())
	assert.Equal(t, 0, adapter.CallCount(""))
}

func TestCredentialManager_ExchangesNearExpiryToken(t *testing.T) {
	adapter := mock.NewMockAdapter()
	adapter.Route("oauth/access_token", mock.Response{Body: exchangeBody("long-lived", 5184000)})
	store := newMemoryTokenStore()

	m := adsbridge.NewCredentialManager(
		credential("short", fixedNow.Add(time.Hour), fullApp(), true), adapter,
		adsbridge.WithCredentialClock(clock),
		adsbridge.WithTokenStore(store, "user-1"),
	)
	assert.Equal(t, adsbridge.StateNearExpiry, m.State())

	require.NoError(t, m.RefreshIfNeeded(context.Background()))

	tok, err := m.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "long-lived", tok)
	assert.Equal(t, adsbridge.StateValid, m.State())
	assert.Equal(t, fixedNow.Add(5184000*time.Second), m.Credential().Token.Expiry)

	req := adapter.Requests()[0]
	assert.Equal(t, "fb_exchange_token", req.Params.Get("grant_type"))
	assert.Equal(t, "short", req.Params.Get("fb_exchange_token"))
	assert.Equal(t, "111", req.Params.Get("client_id"))

	rec, err := store.LoadToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "long-lived", rec.AccessToken)
	assert.Equal(t, fixedNow, rec.UpdatedAt)
}

func TestCredentialManager_ConcurrentRefreshExchangesOnce(t *testing.T) {
	adapter := mock.NewMockAdapter()
	adapter.Route("oauth/access_token", mock.Response{Body: exchangeBody("long-lived", 5184000), Delay: 50 * time.Millisecond})

	m := adsbridge.NewCredentialManager(
		credential("short", fixedNow.Add(time.Hour), fullApp(), true), adapter,
		adsbridge.WithCredentialClock(clock),
	)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.RefreshIfNeeded(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, adapter.CallCount("oauth/access_token"))
	tok, _ := m.CurrentToken()
	assert.Equal(t, "long-lived", tok)

	// a later caller sees the fresh token and does nothing
	require.NoError(t, m.RefreshIfNeeded(context.Background()))
	assert.Equal(t, 1, adapter.CallCount(""))
}

func TestCredentialManager_RefreshFailsWithoutAppIdentity(t *testing.T) {
	adapter := mock.NewMockAdapter()
	app := adsbridge.AppIdentity{ID: "111", Secret: "app-secret"} // no redirect uri
	m := adsbridge.NewCredentialManager(credential("short", fixedNow.Add(time.Hour), app, true), adapter, adsbridge.WithCredentialClock(clock))
	ctx := context.Background()

	err := m.RefreshIfNeeded(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, adsbridge.ErrRefreshFailed)
	assert.Equal(t, adsbridge.StateFailed, m.State())

	// failed is terminal and short-circuits
	assert.ErrorIs(t, m.RefreshIfNeeded(ctx), adsbridge.ErrRefreshFailed)
	assert.Equal(t, 0, adapter.CallCount(""))

	// the current token is still served
	tok, err := m.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "short", tok)

	m.Reconfigure(credential("new", fixedNow.Add(90*24*time.Hour), app, true))
	assert.Equal(t, adsbridge.StateValid, m.State())
	assert.NoError(t, m.RefreshIfNeeded(ctx))
}

func TestCredentialManager_ExchangeErrorFails(t *testing.T) {
	adapter := mock.NewMockAdapter()
	adapter.Route("oauth/access_token", mock.Response{StatusCode: 400, Body: `{"error":{"message":"Error validating access token","code":190}}`})
	m := adsbridge.NewCredentialManager(credential("short", fixedNow.Add(time.Hour), fullApp(), true), adapter, adsbridge.WithCredentialClock(clock))

	err := m.RefreshIfNeeded(context.Background())
	assert.ErrorIs(t, err, adsbridge.ErrRefreshFailed)
	assert.Equal(t, adsbridge.KindRefreshFailed, adsbridge.Kind(err))
	assert.Equal(t, adsbridge.StateFailed, m.State())
}

func TestCredentialManager_AutoRefreshDisabled(t *testing.T) {
	adapter := mock.NewMockAdapter()
	m := adsbridge.NewCredentialManager(credential("short", fixedNow.Add(time.Hour), fullApp(), false), adapter, adsbridge.WithCredentialClock(clock))

	assert.NoError(t, m.RefreshIfNeeded(context.Background()))
	assert.Equal(t, 0, adapter.CallCount(""))
	assert.Equal(t, adsbridge.StateNearExpiry, m.State())
}

func TestCredentialManager_Revoke(t *testing.T) {
	adapter := mock.NewMockAdapter()
	adapter.Route("me/permissions", mock.Response{Body: `{"success":true}`})
	store := newMemoryTokenStore()
	require.NoError(t, store.SaveToken(context.Background(), "u1", &adsbridge.TokenRecord{AccessToken: "tok"}))

	m := adsbridge.NewCredentialManager(credential("tok", time.Time{}, fullApp(), true), adapter, adsbridge.WithTokenStore(store, "u1"))
	require.NoError(t, m.Revoke(context.Background()))

	assert.Equal(t, adsbridge.StateFailed, m.State())
	assert.Equal(t, []string{"u1"}, store.deleted)
	assert.Equal(t, "DELETE", adapter.Requests()[0].Method)
}

func TestTenantCredentials(t *testing.T) {
	store := newMemoryTokenStore()
	require.NoError(t, store.SaveToken(context.Background(), "alice", &adsbridge.TokenRecord{
		AccessToken: "alice-token",
		ExpiresAt:   fixedNow.Add(30 * 24 * time.Hour),
		Scopes:      []string{"ads_management"},
	}))
	tenants := adsbridge.NewTenantCredentials(store, mock.NewMockAdapter(), adsbridge.Credential{App: fullApp(), AutoRefresh: true})

	_, err := tenants.Credentials(context.Background())
	assert.ErrorIs(t, err, adsbridge.ErrCredentialMissing)

	_, err = tenants.Credentials(adsbridge.WithUserID(context.Background(), "bob"))
	assert.ErrorIs(t, err, adsbridge.ErrCredentialMissing)

	ctx := adsbridge.WithUserID(context.Background(), "alice")
	m, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	tok, err := m.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "alice-token", tok)
	assert.Equal(t, []string{"ads_management"}, m.Credential().Scopes)

	again, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	assert.Same(t, m, again)

	tenants.Forget("alice")
	fresh, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	assert.NotSame(t, m, fresh)
}

type blockingTokenStore struct {
	*memoryTokenStore
	release chan struct{}
	loads   chan string
}

func (s *blockingTokenStore) LoadToken(ctx context.Context, userID string) (*adsbridge.TokenRecord, error) {
	s.loads <- userID
	if userID == "slow" {
		<-s.release
	}
	return s.memoryTokenStore.LoadToken(ctx, userID)
}

func TestTenantCredentials_LoadDoesNotBlockOtherUsers(t *testing.T) {
	inner := newMemoryTokenStore()
	for _, id := range []string{"slow", "fast"} {
		require.NoError(t, inner.SaveToken(context.Background(), id, &adsbridge.TokenRecord{AccessToken: id + "-token"}))
	}
	store := &blockingTokenStore{memoryTokenStore: inner, release: make(chan struct{}), loads: make(chan string, 4)}
	tenants := adsbridge.NewTenantCredentials(store, mock.NewMockAdapter(), adsbridge.Credential{})

	slowDone := make(chan *adsbridge.CredentialManager, 1)
	go func() {
		m, _ := tenants.Credentials(adsbridge.WithUserID(context.Background(), "slow"))
		slowDone <- m
	}()
	require.Equal(t, "slow", <-store.loads)

	m, err := tenants.Credentials(adsbridge.WithUserID(context.Background(), "fast"))
	require.NoError(t, err)
	tok, _ := m.CurrentToken()
	assert.Equal(t, "fast-token", tok)

	close(store.release)
	slow := <-slowDone
	require.NotNil(t, slow)
	tok, _ = slow.CurrentToken()
	assert.Equal(t, "slow-token", tok)
}

func TestTenantCredentials_ConcurrentFirstCallsShareManager(t *testing.T) {
	store := newMemoryTokenStore()
	require.NoError(t, store.SaveToken(context.Background(), "alice", &adsbridge.TokenRecord{AccessToken: "alice-token"}))
	tenants := adsbridge.NewTenantCredentials(store, mock.NewMockAdapter(), adsbridge.Credential{})
	ctx := adsbridge.WithUserID(context.Background(), "alice")

	var wg sync.WaitGroup
	got := make([]*adsbridge.CredentialManager, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = tenants.Credentials(ctx)
		}(i)
	}
	wg.Wait()

	last, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	for _, m := range got {
		assert.Same(t, last, m)
	}
}

func TestTenantCredentials_FailedManagerIsReplacedAfterLogin(t *testing.T) {
	adapter := mock.NewMockAdapter()
	adapter.Route("me/permissions", mock.Response{Body: `{"success":true}`})
	store := newMemoryTokenStore()
	require.NoError(t, store.SaveToken(context.Background(), "alice", &adsbridge.TokenRecord{AccessToken: "old"}))
	tenants := adsbridge.NewTenantCredentials(store, adapter, adsbridge.Credential{})
	ctx := adsbridge.WithUserID(context.Background(), "alice")

	m, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx))
	assert.Equal(t, adsbridge.StateFailed, m.State())

	// the revoked token was deleted, so the failed manager is dropped
	_, err = tenants.Credentials(ctx)
	assert.ErrorIs(t, err, adsbridge.ErrCredentialMissing)

	require.NoError(t, store.SaveToken(ctx, "alice", &adsbridge.TokenRecord{AccessToken: "new"}))
	fresh, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	assert.NotSame(t, m, fresh)
	assert.NotEqual(t, adsbridge.StateFailed, fresh.State())
	tok, _ := fresh.CurrentToken()
	assert.Equal(t, "new", tok)
}

func TestTenantCredentials_FailedManagerKeptWhileTokenUnchanged(t *testing.T) {
	adapter := mock.NewMockAdapter()
	store := newMemoryTokenStore()
	require.NoError(t, store.SaveToken(context.Background(), "alice", &adsbridge.TokenRecord{
		AccessToken: "short",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	app := adsbridge.AppIdentity{ID: "111", Secret: "app-secret"}
	tenants := adsbridge.NewTenantCredentials(store, adapter, adsbridge.Credential{App: app, AutoRefresh: true})
	ctx := adsbridge.WithUserID(context.Background(), "alice")

	m, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, m.RefreshIfNeeded(ctx), adsbridge.ErrRefreshFailed)

	again, err := tenants.Credentials(ctx)
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Equal(t, adsbridge.StateFailed, again.State())
	assert.Equal(t, 0, adapter.CallCount(""))
}
