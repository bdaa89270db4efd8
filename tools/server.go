// Package tools exposes the bridge to agents as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"

	adsbridge "github.com/opengovern/meta-ads-bridge"
)

const serverName = "meta-ads-bridge"

// Client is the part of adsbridge.Bridge the tools drive.
type Client interface {
	Request(ctx context.Context, req *adsbridge.NormalizedRequest) (*adsbridge.Result, error)
	ListAdAccounts(ctx context.Context, fields ...string) ([]json.RawMessage, error)
	GetQuotaStatus(accountID string) adsbridge.QuotaStatus
}

type ListAdAccountsParams struct {
	Fields []string `json:"fields,omitempty" jsonschema:"fields to return for each ad account"`
}

type GraphParams struct {
	Path      string            `json:"path" jsonschema:"endpoint relative to the versioned Graph API root, e.g. act_123/campaigns"`
	Params    map[string]string `json:"params,omitempty" jsonschema:"query or form parameters"`
	AccountID string            `json:"account_id,omitempty" jsonschema:"ad account the call counts against; inferred from an act_ path when omitted"`
}

type QuotaStatusParams struct {
	AccountID string `json:"account_id" jsonschema:"ad account id, with or without the act_ prefix"`
}

type Server struct {
	client  Client
	server  *mcp.Server
	handler http.Handler
	logger  log.FieldLogger
}

// NewServer registers the tool set for client.
func NewServer(client Client, version string, logger log.FieldLogger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Server{
		client: client,
		logger: logger,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: version,
		}, &mcp.ServerOptions{
			Capabilities: &mcp.ServerCapabilities{
				Tools: &mcp.ToolCapabilities{},
			},
		}),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_ad_accounts",
		Description: "List the ad accounts the authenticated user can access",
	}, s.handleListAdAccounts)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "graph_get",
		Description: "Read a Marketing API object or edge. List results include paging cursors",
	}, s.handleGraphGet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "graph_post",
		Description: "Create or update a Marketing API object",
	}, s.handleGraphPost)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_quota_status",
		Description: "Show the local call budget for an ad account",
	}, s.handleGetQuotaStatus)

	s.handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
	return s
}

// MCPServer returns the underlying server, e.g. to run it over stdio.
func (s *Server) MCPServer() *mcp.Server { return s.server }

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleListAdAccounts(ctx context.Context, _ *mcp.CallToolRequest, params ListAdAccountsParams) (*mcp.CallToolResult, any, error) {
	accounts, err := s.client.ListAdAccounts(ctx, params.Fields...)
	if err != nil {
		return s.errorResult("list_ad_accounts", err), nil, nil
	}
	if accounts == nil {
		accounts = []json.RawMessage{}
	}
	return jsonResult(map[string]any{"data": accounts, "count": len(accounts)}), nil, nil
}

func (s *Server) handleGraphGet(ctx context.Context, _ *mcp.CallToolRequest, params GraphParams) (*mcp.CallToolResult, any, error) {
	return s.graphCall(ctx, "graph_get", http.MethodGet, params), nil, nil
}

func (s *Server) handleGraphPost(ctx context.Context, _ *mcp.CallToolRequest, params GraphParams) (*mcp.CallToolResult, any, error) {
	return s.graphCall(ctx, "graph_post", http.MethodPost, params), nil, nil
}

func (s *Server) handleGetQuotaStatus(_ context.Context, _ *mcp.CallToolRequest, params QuotaStatusParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.AccountID) == "" {
		return textError("account_id is required"), nil, nil
	}
	return jsonResult(s.client.GetQuotaStatus(params.AccountID)), nil, nil
}

func (s *Server) graphCall(ctx context.Context, tool, method string, params GraphParams) *mcp.CallToolResult {
	path := strings.TrimLeft(strings.TrimSpace(params.Path), "/")
	if path == "" {
		return textError("path is required")
	}
	values := url.Values{}
	for k, v := range params.Params {
		values.Set(k, v)
	}
	scope := params.AccountID
	if scope == "" {
		scope = ScopeFromPath(path)
	}

	res, err := s.client.Request(ctx, &adsbridge.NormalizedRequest{
		Method:   method,
		Endpoint: path,
		Params:   values,
		ScopeKey: scope,
	})
	if err != nil {
		return s.errorResult(tool, err)
	}
	if res.IsPage() {
		return jsonResult(res.Page)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(res.Body)}},
	}
}

// ScopeFromPath returns the ad account a path addresses ("act_1/ads" -> "act_1"), or "".
func ScopeFromPath(path string) string {
	first := strings.TrimLeft(path, "/")
	if i := strings.IndexAny(first, "/?"); i >= 0 {
		first = first[:i]
	}
	if strings.HasPrefix(first, "act_") && len(first) > len("act_") {
		return first
	}
	return ""
}

func jsonResult(v any) *mcp.CallToolResult {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return textError("encode result: " + err.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}
}

func textError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
