package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"

	adsbridge "github.com/opengovern/meta-ads-bridge"
	"github.com/opengovern/meta-ads-bridge/store"
)

const (
	stateKeyPrefix = "oauth_state:"
	stateTTL       = 15 * time.Minute
)

// DefaultScopes are the permissions requested at login.
var DefaultScopes = []string{"ads_read", "ads_management", "business_management"}

var ErrInvalidState = errors.New("invalid or expired oauth state")

// LoginResult is returned to the browser after a completed login.
type LoginResult struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name,omitempty"`
}

// OAuthFlow runs the authorization-code login: it exchanges the code, upgrades the
// short-lived token to a long-lived one, stores the token for the user and opens a
// session.
type OAuthFlow struct {
	oauth   *oauth2.Config
	cfg     adsbridge.Config
	adapter adsbridge.ProviderAdapter
	states  store.Store
	tokens  adsbridge.TokenStore
	authn   *Authenticator
	now     func() time.Time
	logger  log.FieldLogger

	// OnLogin runs after a user's token is stored, e.g. to drop a cached credential.
	OnLogin func(userID string)
}

func NewOAuthFlow(cfg adsbridge.Config, adapter adsbridge.ProviderAdapter, states store.Store, tokens adsbridge.TokenStore, authn *Authenticator) *OAuthFlow {
	endpoint := facebook.Endpoint
	if cfg.BaseURL != "" && cfg.BaseURL != adsbridge.DefaultBaseURL {
		endpoint.TokenURL = cfg.VersionedBaseURL() + "/oauth/access_token"
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &OAuthFlow{
		oauth: &oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       DefaultScopes,
		},
		cfg:     cfg,
		adapter: adapter,
		states:  states,
		tokens:  tokens,
		authn:   authn,
		now:     time.Now,
		logger:  authn.logger.WithField("component", "oauth"),
	}
}

// AuthCodeURL starts a login and returns the provider consent URL.
func (f *OAuthFlow) AuthCodeURL(ctx context.Context) (string, error) {
	if f.cfg.AppID == "" || f.cfg.AppSecret == "" || f.cfg.RedirectURI == "" {
		return "", errors.New("oauth login requires app id, app secret and redirect uri")
	}
	state, err := randomID()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	if err := f.states.Set(ctx, stateKeyPrefix+state, []byte("1"), stateTTL); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return f.oauth.AuthCodeURL(state), nil
}

// Complete finishes a login started by AuthCodeURL.
func (f *OAuthFlow) Complete(ctx context.Context, code, state string) (*LoginResult, error) {
	if state == "" {
		return nil, ErrInvalidState
	}
	if _, err := f.states.Get(ctx, stateKeyPrefix+state); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}
	_ = f.states.Delete(ctx, stateKeyPrefix+state)

	tok, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	// the code grant yields a short-lived token; the credential manager upgrades it
	mgr := adsbridge.NewCredentialManager(&adsbridge.Credential{
		Token:       tok,
		App:         adsbridge.AppIdentity{ID: f.cfg.AppID, Secret: f.cfg.AppSecret, RedirectURI: f.cfg.RedirectURI},
		AutoRefresh: true,
	}, f.adapter, adsbridge.WithCredentialClock(f.now), adsbridge.WithCredentialLogger(f.logger))
	if err := mgr.RefreshIfNeeded(ctx); err != nil {
		f.logger.WithError(err).Warn("could not upgrade to a long-lived token, keeping the short-lived one")
	}
	cred := mgr.Credential()

	profile, err := f.fetchProfile(ctx, cred.Token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	now := f.now()
	if err := f.tokens.SaveToken(ctx, profile.ID, &adsbridge.TokenRecord{
		AccessToken:  cred.Token.AccessToken,
		RefreshToken: cred.Token.RefreshToken,
		TokenType:    cred.Token.TokenType,
		Scopes:       cred.Scopes,
		ExpiresAt:    cred.Token.Expiry,
		UpdatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	if f.OnLogin != nil {
		f.OnLogin(profile.ID)
	}

	sid, err := randomID()
	if err != nil {
		return nil, err
	}
	sess := &store.SessionRecord{
		ID:             sid,
		UserID:         profile.ID,
		DisplayName:    profile.Name,
		ProviderUserID: profile.ID,
		CreatedAt:      now,
		LastUsedAt:     now,
	}
	if err := f.authn.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	signed, expires, err := f.authn.IssueSessionToken(sess)
	if err != nil {
		return nil, err
	}

	f.logger.WithFields(log.Fields{"user": profile.ID, "token_expiry": cred.Token.Expiry}).Info("login completed")
	return &LoginResult{SessionToken: signed, ExpiresAt: expires, UserID: profile.ID, DisplayName: profile.Name}, nil
}

type profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (f *OAuthFlow) fetchProfile(ctx context.Context, token string) (*profile, error) {
	req := &adsbridge.NormalizedRequest{
		Method:   http.MethodGet,
		Endpoint: "me",
		Params:   url.Values{"fields": {"id,name"}},
		Headers:  map[string]string{"Authorization": "Bearer " + token},
	}
	resp, err := f.adapter.ExecuteRequest(ctx, req)
	if err != nil {
		return nil, adsbridge.ClassifyTransportError(req.Describe(), err)
	}
	if apiErr := adsbridge.ClassifyResponse(req.Describe(), resp); apiErr != nil {
		return nil, apiErr
	}
	var p profile
	if err := json.Unmarshal(resp.Data, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("profile carried no id")
	}
	return &p, nil
}

// HandleLogin redirects the browser to the consent screen.
func (f *OAuthFlow) HandleLogin(w http.ResponseWriter, r *http.Request) {
	u, err := f.AuthCodeURL(r.Context())
	if err != nil {
		f.logger.WithError(err).Error("cannot start oauth login")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// HandleCallback completes the login and returns the session token as JSON.
func (f *OAuthFlow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": e, "error_description": q.Get("error_description")})
		return
	}
	res, err := f.Complete(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrInvalidState) {
			status = http.StatusBadRequest
		}
		f.logger.WithError(err).Warn("oauth callback failed")
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
