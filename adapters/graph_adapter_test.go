package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adsbridge "github.com/opengovern/meta-ads-bridge"
)

type captured struct {
	method      string
	path        string
	query       url.Values
	form        url.Values
	contentType string
	auth        string
}

func newGraphServer(t *testing.T, status int, body string, headers map[string]string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.path = r.URL.Path
		c.query = r.URL.Query()
		c.contentType = r.Header.Get("Content-Type")
		c.auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		c.form, _ = url.ParseQuery(string(raw))
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestNewGraphAdapterDefaults(t *testing.T) {
	g := NewGraphAdapter("", "", nil)
	assert.Equal(t, adsbridge.DefaultBaseURL, g.BaseURL)
	assert.Equal(t, adsbridge.DefaultAPIVersion, g.APIVersion)
}

func TestGraphAdapter_GetSendsQuery(t *testing.T) {
	srv, c := newGraphServer(t, 200, `{"data":[]}`, nil)
	g := NewGraphAdapter(srv.URL+"/", "v22.0", srv.Client())

	resp, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{
		Endpoint: "/act_1/campaigns",
		Params:   url.Values{"fields": {"id,name"}},
		Headers:  map[string]string{"Authorization": "Bearer tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"data":[]}`, string(resp.Data))

	assert.Equal(t, http.MethodGet, c.method)
	assert.Equal(t, "/v22.0/act_1/campaigns", c.path)
	assert.Equal(t, "id,name", c.query.Get("fields"))
	assert.Equal(t, "Bearer tok", c.auth)
	assert.Empty(t, c.contentType)
}

func TestGraphAdapter_MergesEndpointQuery(t *testing.T) {
	srv, c := newGraphServer(t, 200, `{}`, nil)
	g := NewGraphAdapter(srv.URL, "v22.0", srv.Client())

	_, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{
		Method:   "GET",
		Endpoint: "act_1/ads?after=c1&limit=25",
		Params:   url.Values{"limit": {"50"}, "appsecret_proof": {"p"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/v22.0/act_1/ads", c.path)
	assert.Equal(t, "c1", c.query.Get("after"))
	assert.Equal(t, "50", c.query.Get("limit"))
	assert.Equal(t, "p", c.query.Get("appsecret_proof"))
}

func TestGraphAdapter_PostSendsForm(t *testing.T) {
	srv, c := newGraphServer(t, 200, `{"id":"42"}`, nil)
	g := NewGraphAdapter(srv.URL, "v22.0", srv.Client())

	_, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{
		Method:   "post",
		Endpoint: "act_1/campaigns",
		Params:   url.Values{"name": {"Spring"}, "status": {"PAUSED"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "application/x-www-form-urlencoded", c.contentType)
	assert.Equal(t, "Spring", c.form.Get("name"))
	assert.Equal(t, "PAUSED", c.form.Get("status"))
	assert.Empty(t, c.query)
}

func TestGraphAdapter_DeleteUsesQuery(t *testing.T) {
	srv, c := newGraphServer(t, 200, `{"success":true}`, nil)
	g := NewGraphAdapter(srv.URL, "v22.0", srv.Client())

	_, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{
		Method:   http.MethodDelete,
		Endpoint: "me/permissions",
		Params:   url.Values{"permission": {"ads_read"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, c.method)
	assert.Equal(t, "ads_read", c.query.Get("permission"))
}

func TestGraphAdapter_ErrorStatusIsNotATransportError(t *testing.T) {
	srv, _ := newGraphServer(t, 400, `{"error":{"message":"bad","code":100}}`, nil)
	g := NewGraphAdapter(srv.URL, "v22.0", srv.Client())

	resp, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{Endpoint: "act_1"})
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGraphAdapter_TransportFailure(t *testing.T) {
	srv, _ := newGraphServer(t, 200, `{}`, nil)
	g := NewGraphAdapter(srv.URL, "v22.0", srv.Client())
	srv.Close()

	_, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{Endpoint: "me"})
	assert.Error(t, err)
}

func TestGraphAdapter_UsageHeaders(t *testing.T) {
	srv, _ := newGraphServer(t, 200, `{}`, map[string]string{
		"X-App-Usage":        `{"call_count":12,"total_time":7,"total_cputime":3}`,
		"X-Ad-Account-Usage": `{"acc_id_util_pct":87.5,"reset_time_duration":120}`,
	})
	g := NewGraphAdapter(srv.URL, "v22.0", srv.Client())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	resp, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{Endpoint: "act_1"})
	require.NoError(t, err)
	assert.Contains(t, resp.Headers, "x-app-usage")

	info, err := g.ParseRateLimitInfo(resp)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 87.5, info.UsagePercent)
	assert.Nil(t, info.RegainAccessAt, "below the limit the reset time is not a throttle")
}

func TestGraphAdapter_ThrottledAccountHeaders(t *testing.T) {
	srv, _ := newGraphServer(t, 200, `{}`, map[string]string{
		"X-Ad-Account-Usage": `{"acc_id_util_pct":100,"reset_time_duration":120}`,
	})
	g := NewGraphAdapter(srv.URL, "v22.0", srv.Client())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	resp, err := g.ExecuteRequest(context.Background(), &adsbridge.NormalizedRequest{Endpoint: "act_1"})
	require.NoError(t, err)

	info, err := g.ParseRateLimitInfo(resp)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.NotNil(t, info.RegainAccessAt)
	assert.Equal(t, now.Add(2*time.Minute), *info.RegainAccessAt)
}

func TestGraphAdapter_NoUsageHeaders(t *testing.T) {
	g := NewGraphAdapter("", "", nil)
	info, err := g.ParseRateLimitInfo(&adsbridge.NormalizedResponse{Headers: map[string]string{}})
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = g.ParseRateLimitInfo(nil)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGraphAdapter_IdentifyRequestType(t *testing.T) {
	g := NewGraphAdapter("", "", nil)
	assert.Equal(t, adsbridge.RequestTypeRead, g.IdentifyRequestType(&adsbridge.NormalizedRequest{}))
	assert.Equal(t, adsbridge.RequestTypeRead, g.IdentifyRequestType(&adsbridge.NormalizedRequest{Method: "get"}))
	assert.Equal(t, adsbridge.RequestTypeWrite, g.IdentifyRequestType(&adsbridge.NormalizedRequest{Method: "POST"}))
	assert.Equal(t, adsbridge.RequestTypeWrite, g.IdentifyRequestType(&adsbridge.NormalizedRequest{Method: "DELETE"}))
}
