package mock

import (
	"context"
	"sync"
	"time"

	adsbridge "github.com/opengovern/meta-ads-bridge"
)

// Response is one scripted reply. Err simulates a transport failure.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Err        error
	Delay      time.Duration
}

// MockAdapter replays scripted responses in order and records every request it sees.
// Once the script is exhausted it repeats Fallback (200 {"success":true} by default).
// Routes, when set, answer by endpoint before the script is consulted.
type MockAdapter struct {
	mu       sync.Mutex
	script   []Response
	Routes   map[string][]Response
	Fallback *Response
	requests []adsbridge.NormalizedRequest
}

func NewMockAdapter(script ...Response) *MockAdapter {
	return &MockAdapter{script: script, Routes: make(map[string][]Response)}
}

// Enqueue appends responses to the script.
func (m *MockAdapter) Enqueue(rs ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, rs...)
}

// Route scripts responses for a single endpoint (path without query).
func (m *MockAdapter) Route(endpoint string, rs ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Routes == nil {
		m.Routes = make(map[string][]Response)
	}
	m.Routes[endpoint] = append(m.Routes[endpoint], rs...)
}

func (m *MockAdapter) ExecuteRequest(ctx context.Context, req *adsbridge.NormalizedRequest) (*adsbridge.NormalizedResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	r := m.next(endpointPath(req.Endpoint))
	m.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Delay):
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	status := r.StatusCode
	if status == 0 {
		status = 200
	}
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &adsbridge.NormalizedResponse{
		StatusCode: status,
		Headers:    headers,
		Data:       []byte(r.Body),
	}, nil
}

func (m *MockAdapter) next(endpoint string) Response {
	if rs := m.Routes[endpoint]; len(rs) > 0 {
		m.Routes[endpoint] = rs[1:]
		return rs[0]
	}
	if len(m.script) > 0 {
		r := m.script[0]
		m.script = m.script[1:]
		return r
	}
	if m.Fallback != nil {
		return *m.Fallback
	}
	return Response{StatusCode: 200, Body: `{"success":true}`}
}

func (m *MockAdapter) ParseRateLimitInfo(resp *adsbridge.NormalizedResponse) (*adsbridge.NormalizedRateLimitInfo, error) {
	return adsbridge.RateLimitInfoFromHeaders(resp.Headers, time.Now()), nil
}

func (m *MockAdapter) IdentifyRequestType(req *adsbridge.NormalizedRequest) string {
	if req.Method == "" || req.Method == "GET" {
		return adsbridge.RequestTypeRead
	}
	return adsbridge.RequestTypeWrite
}

// Requests returns a copy of every request received so far.
func (m *MockAdapter) Requests() []adsbridge.NormalizedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adsbridge.NormalizedRequest(nil), m.requests...)
}

// CallCount returns how many requests hit endpoint; "" counts all.
func (m *MockAdapter) CallCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if endpoint == "" {
		return len(m.requests)
	}
	n := 0
	for _, r := range m.requests {
		if endpointPath(r.Endpoint) == endpoint {
			n++
		}
	}
	return n
}

func endpointPath(endpoint string) string {
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == '?' {
			return endpoint[:i]
		}
	}
	return endpoint
}
