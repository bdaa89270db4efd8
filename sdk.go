// sdk.go
// ------
// The sdk.go file contains the Bridge, the composition root callers use to reach the
// Marketing API.
//
// Every call flows one way:
//   caller -> Bridge.Request -> QuotaTracker gate -> CredentialManager (refresh + headers)
//          -> RequestExecutor loop -> ProviderAdapter -> pagination -> caller
//
// The Bridge owns one QuotaTracker. Separate tenants or tests build separate Bridges so
// quota windows never leak between them.
package adsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opengovern/meta-ads-bridge/internal"
)

const providerName = "meta"

type Bridge struct {
	mu       sync.Mutex
	cfg      Config
	adapter  ProviderAdapter
	creds    CredentialSource
	quota    *QuotaTracker
	executor *RequestExecutor
	logger   *logrus.Logger

	Debug bool // If true, log at debug level
}

type Option func(*Bridge)

func WithCredentialSource(src CredentialSource) Option {
	return func(b *Bridge) { b.creds = src }
}

func WithQuotaTracker(q *QuotaTracker) Option {
	return func(b *Bridge) { b.quota = q }
}

func WithExecutor(e *RequestExecutor) Option {
	return func(b *Bridge) { b.executor = e }
}

func WithLogger(l *logrus.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// NewBridge wires the runtime around adapter. Without WithCredentialSource, a static
// credential is built from cfg when it carries an access token.
func NewBridge(cfg Config, adapter ProviderAdapter, opts ...Option) (*Bridge, error) {
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:     cfg,
		adapter: adapter,
		logger:  logrus.New(),
	}
	for _, opt := range opts {
		opt(b)
	}

	log := b.log()
	if b.quota == nil {
		b.quota = NewQuotaTracker(cfg.Tier, cfg.MaxQuotaWait)
	}
	b.quota.SetLogger(log.WithField("component", "quota"))
	if b.executor == nil {
		b.executor = NewRequestExecutor(cfg)
	}
	b.executor.SetLogger(log.WithField("component", "executor"))
	if b.creds == nil && cfg.AccessToken != "" {
		b.creds = StaticCredentials{Manager: NewCredentialManager(
			CredentialFromConfig(cfg), adapter,
			WithUserAgent(cfg.UserAgent),
			WithCredentialLogger(log.WithField("component", "credentials")),
		)}
	}
	log.Debugf("bridge ready: base=%s tier=%s", cfg.VersionedBaseURL(), cfg.Tier.Name)
	return b, nil
}

// SetDebug enables or disables debug logging for the bridge.
func (b *Bridge) SetDebug(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Debug = enabled
	if enabled {
		b.logger.SetLevel(logrus.DebugLevel)
	} else {
		b.logger.SetLevel(logrus.InfoLevel)
	}
}

func (b *Bridge) Config() Config { return b.cfg }

func (b *Bridge) Quota() *QuotaTracker { return b.quota }

// Credentials resolves the credential manager for the caller in ctx.
func (b *Bridge) Credentials(ctx context.Context) (*CredentialManager, error) {
	if b.creds == nil {
		return nil, &APIError{Kind: KindCredentialMissing, Message: "no credential configured", Err: ErrCredentialMissing}
	}
	return b.creds.Credentials(ctx)
}

// Request sends req through quota, credentials, retry and pagination.
func (b *Bridge) Request(ctx context.Context, req *NormalizedRequest) (*Result, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	req = req.clone()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)
	call := req.Describe()
	entry := b.log().WithFields(logrus.Fields{"provider": providerName, "call": call})

	scope := NormalizeScopeID(req.ScopeKey)
	req.ScopeKey = scope
	if scope != "" {
		if err := b.quota.CheckAndReserve(ctx, scope, b.cost(req)); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				apiErr.Call = call
			}
			return nil, err
		}
	} else {
		entry.Debug("call not attributable to an ad account, quota not tracked")
	}

	headers, mgr, err := b.authenticate(ctx)
	if err != nil {
		if scope != "" {
			// nothing reached the provider
			b.quota.Release(scope, b.cost(req))
		}
		// refresh errors can be shared between callers, so annotate a copy
		if apiErr, ok := err.(*APIError); ok && apiErr.Call == "" {
			annotated := *apiErr
			annotated.Call = call
			err = &annotated
		}
		entry.WithError(err).Warn("no usable credential, call not sent")
		return nil, err
	}
	for k := range headers {
		req.Headers[k] = headers.Get(k)
	}
	if proof := mgr.AppSecretProof(); proof != "" {
		req.Params.Set("appsecret_proof", proof)
	}

	entry.Debug("sending request")
	resp, err := b.executor.Execute(ctx, call, func(ctx context.Context) (*NormalizedResponse, error) {
		resp, err := b.adapter.ExecuteRequest(ctx, req)
		if resp != nil && scope != "" {
			b.quota.Observe(scope, b.rateInfo(resp))
		}
		return resp, err
	}, b.rateInfo)
	if err != nil {
		return nil, err
	}

	result := &Result{StatusCode: resp.StatusCode, Body: resp.Data, Attempts: resp.Attempts}
	if IsListEnvelope(resp.Data) {
		page, err := NormalizePage(resp.Data, b.cfg.VersionedBaseURL())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", call, err)
		}
		result.Page = page
	}
	return result, nil
}

func (b *Bridge) Get(ctx context.Context, endpoint string, params url.Values, scopeKey string) (*Result, error) {
	return b.Request(ctx, &NormalizedRequest{Method: http.MethodGet, Endpoint: endpoint, Params: params, ScopeKey: scopeKey})
}

func (b *Bridge) Post(ctx context.Context, endpoint string, params url.Values, scopeKey string) (*Result, error) {
	return b.Request(ctx, &NormalizedRequest{Method: http.MethodPost, Endpoint: endpoint, Params: params, ScopeKey: scopeKey})
}

func (b *Bridge) Delete(ctx context.Context, endpoint string, params url.Values, scopeKey string) (*Result, error) {
	return b.Request(ctx, &NormalizedRequest{Method: http.MethodDelete, Endpoint: endpoint, Params: params, ScopeKey: scopeKey})
}

// authenticate resolves the caller's credential and returns its headers. A credential in
// StateFailed, or one whose refresh fails, is never sent.
func (b *Bridge) authenticate(ctx context.Context) (http.Header, *CredentialManager, error) {
	mgr, err := b.Credentials(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.RefreshIfNeeded(ctx); err != nil {
		return nil, nil, err
	}
	if mgr.State() == StateFailed {
		return nil, nil, &APIError{Kind: KindRefreshFailed, Message: "credential failed; reconfigure to recover", Err: ErrRefreshFailed}
	}
	headers, err := mgr.AuthHeaders()
	if err != nil {
		return nil, nil, err
	}
	return headers, mgr, nil
}

// WalkAllPages follows the forward cursor from req until the provider reports no next
// page, returning every record. It has no page-count bound and is meant for small
// listings such as the caller's ad accounts.
func (b *Bridge) WalkAllPages(ctx context.Context, req *NormalizedRequest) ([]json.RawMessage, error) {
	var all []json.RawMessage
	cur := req.clone()
	seen := make(map[string]bool)
	for {
		res, err := b.Request(ctx, cur)
		if err != nil {
			return all, err
		}
		if !res.IsPage() {
			return all, fmt.Errorf("%s: response is not a list", cur.Describe())
		}
		all = append(all, res.Page.Data...)
		if !res.Page.HasNextPage {
			return all, nil
		}

		next := cur.clone()
		key := res.Page.After
		if key != "" {
			next.Params.Set("after", key)
			next.Params.Del("before")
		} else {
			key = res.Page.NextPath
			next.Endpoint = res.Page.NextPath
			next.Params = url.Values{}
		}
		if seen[key] {
			b.log().WithField("call", cur.Describe()).Warn("pagination cursor repeated, stopping walk")
			return all, nil
		}
		seen[key] = true
		cur = next
	}
}

// ListAdAccounts walks me/adaccounts for the authenticated user.
func (b *Bridge) ListAdAccounts(ctx context.Context, fields ...string) ([]json.RawMessage, error) {
	if len(fields) == 0 {
		fields = []string{"id", "account_id", "name", "account_status", "currency", "timezone_name"}
	}
	return b.WalkAllPages(ctx, &NormalizedRequest{
		Method:   http.MethodGet,
		Endpoint: "me/adaccounts",
		Params:   url.Values{"fields": {strings.Join(fields, ",")}, "limit": {"100"}},
	})
}

// GetQuotaStatus returns the local quota window for an ad account.
func (b *Bridge) GetQuotaStatus(accountID string) QuotaStatus {
	return b.quota.Snapshot(NormalizeScopeID(accountID))
}

func (b *Bridge) cost(req *NormalizedRequest) int {
	if b.adapter.IdentifyRequestType(req) == RequestTypeWrite {
		return CostWrite
	}
	return CostRead
}

func (b *Bridge) rateInfo(resp *NormalizedResponse) *NormalizedRateLimitInfo {
	info, err := b.adapter.ParseRateLimitInfo(resp)
	if err != nil {
		return nil
	}
	return info
}

func (b *Bridge) log() *logrus.Logger {
	return b.logger
}

// RateLimitInfoFromHeaders decodes the provider's usage headers. Adapters use it to
// implement ParseRateLimitInfo.
func RateLimitInfoFromHeaders(headers map[string]string, now time.Time) *NormalizedRateLimitInfo {
	usage, ok := internal.ParseHeaders(headers)
	if !ok {
		return nil
	}
	info := &NormalizedRateLimitInfo{UsagePercent: usage.MaxPercent}
	if usage.RegainAfter > 0 {
		at := now.Add(usage.RegainAfter)
		info.RegainAccessAt = &at
	}
	return info
}
