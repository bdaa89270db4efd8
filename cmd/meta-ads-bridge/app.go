package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	adsbridge "github.com/opengovern/meta-ads-bridge"
	"github.com/opengovern/meta-ads-bridge/adapters"
	"github.com/opengovern/meta-ads-bridge/auth"
	"github.com/opengovern/meta-ads-bridge/store"
	"github.com/opengovern/meta-ads-bridge/tools"
)

const redisKeyPrefix = "meta-ads-bridge:"

// settings are the server-only options; the API client reads its own via LoadConfig.
type settings struct {
	Addr          string
	JWTSecret     string
	ServiceKeys   []string
	ServiceUserID string
	RedisURL      string
	TokenKey      string
}

func loadSettings(v *viper.Viper) settings {
	v.SetDefault("addr", ":8080")
	var keys []string
	for _, k := range strings.Split(v.GetString("service_keys"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return settings{
		Addr:          v.GetString("addr"),
		JWTSecret:     v.GetString("jwt_secret"),
		ServiceKeys:   keys,
		ServiceUserID: v.GetString("service_user"),
		RedisURL:      v.GetString("redis_url"),
		TokenKey:      v.GetString("token_key"),
	}
}

type app struct {
	cfg      adsbridge.Config
	settings settings
	bridge   *adsbridge.Bridge
	tenants  *adsbridge.TenantCredentials
	tools    *tools.Server
	kv       store.Store
	handler  http.Handler
	logger   *log.Logger
}

// newApp wires config, transport, storage, credentials and the tool surface. With
// META_ACCESS_TOKEN set every caller shares that token; otherwise each authenticated user
// brings the token stored at login.
func newApp(ctx context.Context, v *viper.Viper, logger *log.Logger) (*app, error) {
	cfg, err := adsbridge.LoadConfig(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s := loadSettings(v)

	a := &app{cfg: cfg, settings: s, logger: logger}
	if s.RedisURL != "" {
		client, err := store.Connect(ctx, s.RedisURL)
		if err != nil {
			return nil, err
		}
		a.kv = store.NewRedisStore(client, redisKeyPrefix)
	} else {
		logger.Warn("no redis url configured, sessions and tokens are kept in memory")
		a.kv = store.NewMemoryStore()
	}

	var sealer *store.Sealer
	if s.TokenKey != "" {
		if sealer, err = store.NewSealer(s.TokenKey); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("META_TOKEN_KEY not set, stored tokens are not encrypted")
	}
	tokens := store.NewTokenRepository(a.kv, sealer, 0)
	sessions := store.NewSessionRepository(a.kv, 0)
	authn := auth.NewAuthenticator(auth.Config{
		JWTSecret:     s.JWTSecret,
		ServiceKeys:   s.ServiceKeys,
		ServiceUserID: s.ServiceUserID,
	}, sessions, logger.WithField("component", "auth"))

	adapter := adapters.NewGraphAdapterFromConfig(cfg, nil)
	opts := []adsbridge.Option{adsbridge.WithLogger(logger)}
	if cfg.AccessToken == "" {
		a.tenants = adsbridge.NewTenantCredentials(tokens, adapter, adsbridge.Credential{
			App:         adsbridge.AppIdentity{ID: cfg.AppID, Secret: cfg.AppSecret, RedirectURI: cfg.RedirectURI},
			AutoRefresh: cfg.AutoRefresh,
			APIVersion:  cfg.APIVersion,
			BaseURL:     cfg.BaseURL,
		}, adsbridge.WithUserAgent(cfg.UserAgent), adsbridge.WithCredentialLogger(logger.WithField("component", "credentials")))
		opts = append(opts, adsbridge.WithCredentialSource(a.tenants))
		logger.Info("multi-tenant mode: tokens are resolved per authenticated user")
	} else {
		logger.Info("single-tenant mode: using META_ACCESS_TOKEN for every caller")
	}

	if a.bridge, err = adsbridge.NewBridge(cfg, adapter, opts...); err != nil {
		return nil, err
	}
	a.tools = tools.NewServer(a.bridge, version, logger.WithField("component", "tools"))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/mcp", authn.Middleware(a.tools.Handler()))
	if cfg.AppID != "" && cfg.AppSecret != "" && cfg.RedirectURI != "" && s.JWTSecret != "" {
		flow := auth.NewOAuthFlow(cfg, adapter, a.kv, tokens, authn)
		if a.tenants != nil {
			flow.OnLogin = a.tenants.Forget
		}
		mux.HandleFunc("/oauth/login", flow.HandleLogin)
		mux.HandleFunc("/oauth/callback", flow.HandleCallback)
	}
	a.handler = mux
	return a, nil
}

// requireInboundAuth guards the HTTP surface, which must never serve unauthenticated.
func (a *app) requireInboundAuth() error {
	if len(a.settings.ServiceKeys) == 0 && a.settings.JWTSecret == "" {
		return errors.New("no inbound authentication configured: set META_SERVICE_KEYS or META_JWT_SECRET")
	}
	return nil
}

func (a *app) Close() error {
	return a.kv.Close()
}

// userScoped pins every call to one user, for transports without inbound auth.
type userScoped struct {
	*adsbridge.Bridge
	userID string
}

func (u userScoped) Request(ctx context.Context, req *adsbridge.NormalizedRequest) (*adsbridge.Result, error) {
	return u.Bridge.Request(adsbridge.WithUserID(ctx, u.userID), req)
}

func (u userScoped) ListAdAccounts(ctx context.Context, fields ...string) ([]json.RawMessage, error) {
	return u.Bridge.ListAdAccounts(adsbridge.WithUserID(ctx, u.userID), fields...)
}
