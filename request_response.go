package adsbridge

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// NormalizedRequest describes one logical Graph API call. Endpoint is relative to the
// versioned base URL (e.g. "act_123/campaigns") and may carry its own query string, as the
// paths recovered from paging links do.
type NormalizedRequest struct {
	Method   string
	Endpoint string
	Params   url.Values // query-encoded for reads, form-encoded for writes
	Headers  map[string]string

	// ScopeKey is the ad account the call is attributed to. Empty skips quota tracking.
	ScopeKey string
}

// Describe returns "METHOD endpoint", the call description attached to errors and logs.
func (r *NormalizedRequest) Describe() string {
	method := r.Method
	if method == "" {
		method = "GET"
	}
	endpoint := r.Endpoint
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return strings.ToUpper(method) + " " + endpoint
}

// clone copies the request so retries and page walks never mutate the caller's value.
func (r *NormalizedRequest) clone() *NormalizedRequest {
	c := *r
	c.Params = url.Values{}
	for k, v := range r.Params {
		c.Params[k] = append([]string(nil), v...)
	}
	c.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		c.Headers[k] = v
	}
	return &c
}

type NormalizedResponse struct {
	StatusCode int
	Headers    map[string]string // lower-cased keys
	Data       []byte

	// Attempts is the number of transport attempts the executor made to obtain this response.
	Attempts int
}

// NormalizedRateLimitInfo is the provider's own view of usage, decoded from the
// x-business-use-case-usage, x-ad-account-usage and x-app-usage headers.
type NormalizedRateLimitInfo struct {
	// UsagePercent is the highest utilisation percentage reported by any usage header.
	UsagePercent float64
	// RegainAccessAt is set when the provider announced a throttle with a recovery estimate.
	RegainAccessAt *time.Time
}

// Result is what Bridge.Request hands back: either a decoded list page or the raw body of a
// single-resource call.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	Page       *Page
	Attempts   int
}

// IsPage reports whether the response was a list envelope.
func (r *Result) IsPage() bool {
	return r != nil && r.Page != nil
}
