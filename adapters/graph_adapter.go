// graph_adapter.go
// ----------------
// This adapter integrates with the Meta Graph / Marketing API. It performs exactly one HTTP
// exchange per call; retries, quota and token handling happen in the bridge.
//
// Key Points:
// - Endpoints are resolved against {BaseURL}/{APIVersion}.
// - Reads (GET) send parameters in the query string; writes send them form-encoded.
// - Endpoints may already carry a query string (paging paths); request params are merged
//   on top of it.
// - Response headers are lower-cased so usage headers can be looked up directly.
// - Usage headers (x-app-usage, x-ad-account-usage, x-business-use-case-usage) are decoded
//   into NormalizedRateLimitInfo.
package adapters

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	adsbridge "github.com/opengovern/meta-ads-bridge"
)

const (
	GraphDefaultTimeout = 60 * time.Second
	maxResponseBytes    = 32 << 20
)

type GraphAdapter struct {
	BaseURL    string
	APIVersion string

	client *http.Client
	now    func() time.Time
}

// NewGraphAdapter builds an adapter for baseURL/apiVersion. A nil client gets a default
// with GraphDefaultTimeout; the bridge applies its own per-attempt timeout on top.
func NewGraphAdapter(baseURL, apiVersion string, client *http.Client) *GraphAdapter {
	if baseURL == "" {
		baseURL = adsbridge.DefaultBaseURL
	}
	if apiVersion == "" {
		apiVersion = adsbridge.DefaultAPIVersion
	}
	if client == nil {
		client = &http.Client{Timeout: GraphDefaultTimeout}
	}
	return &GraphAdapter{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIVersion: apiVersion,
		client:     client,
		now:        time.Now,
	}
}

// NewGraphAdapterFromConfig is NewGraphAdapter using cfg's endpoint settings.
func NewGraphAdapterFromConfig(cfg adsbridge.Config, client *http.Client) *GraphAdapter {
	return NewGraphAdapter(cfg.BaseURL, cfg.APIVersion, client)
}

// IdentifyRequestType classifies GETs as reads and everything else as writes.
func (g *GraphAdapter) IdentifyRequestType(req *adsbridge.NormalizedRequest) string {
	if req.Method == "" || strings.EqualFold(req.Method, http.MethodGet) {
		return adsbridge.RequestTypeRead
	}
	return adsbridge.RequestTypeWrite
}

func (g *GraphAdapter) ExecuteRequest(ctx context.Context, req *adsbridge.NormalizedRequest) (*adsbridge.NormalizedResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	fullURL, query, err := g.resolve(req.Endpoint)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	isWrite := g.IdentifyRequestType(req) == adsbridge.RequestTypeWrite
	if isWrite && method != http.MethodDelete {
		form := url.Values{}
		for k, v := range req.Params {
			form[k] = v
		}
		body = strings.NewReader(form.Encode())
	} else {
		for k, v := range req.Params {
			query[k] = v
		}
	}
	if enc := query.Encode(); enc != "" {
		fullURL += "?" + enc
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string)
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headers[strings.ToLower(k)] = vals[0]
		}
	}

	return &adsbridge.NormalizedResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Data:       data,
	}, nil
}

// ParseRateLimitInfo decodes the usage headers. A response without any returns nil.
func (g *GraphAdapter) ParseRateLimitInfo(resp *adsbridge.NormalizedResponse) (*adsbridge.NormalizedRateLimitInfo, error) {
	if resp == nil {
		return nil, nil
	}
	return adsbridge.RateLimitInfoFromHeaders(resp.Headers, g.now()), nil
}

// resolve splits endpoint into the absolute URL without query and its existing query.
func (g *GraphAdapter) resolve(endpoint string) (string, url.Values, error) {
	path := strings.TrimLeft(endpoint, "/")
	rawQuery := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, rawQuery = path[:i], path[i+1:]
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, err
	}
	return g.BaseURL + "/" + g.APIVersion + "/" + path, query, nil
}
