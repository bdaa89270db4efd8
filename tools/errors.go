package tools

import (
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"

	adsbridge "github.com/opengovern/meta-ads-bridge"
)

const paymentMethodSubcode = 1359188

// ErrorPayload is the structured body of a failed tool call.
type ErrorPayload struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Call      string `json:"call,omitempty"`
	Status    int    `json:"status,omitempty"`
	Code      int    `json:"code,omitempty"`
	Subcode   int    `json:"subcode,omitempty"`
	FBTraceID string `json:"fbtrace_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// Describe converts err into the payload returned to agents.
func Describe(err error) ErrorPayload {
	p := ErrorPayload{Error: "internal_error", Message: err.Error()}
	var apiErr *adsbridge.APIError
	if !errors.As(err, &apiErr) {
		return p
	}
	p.Error = string(apiErr.Kind)
	p.Message = apiErr.Message
	p.Call = apiErr.Call
	p.Status = apiErr.StatusCode
	p.Code = apiErr.Code
	p.Subcode = apiErr.Subcode
	p.FBTraceID = apiErr.FBTraceID
	p.Attempts = apiErr.Attempts

	// an exhausted retry carries the provider details on the wrapped failure
	var last *adsbridge.APIError
	if apiErr.Kind == adsbridge.KindExhaustedRetries && errors.As(apiErr.Err, &last) {
		if p.Code == 0 {
			p.Code, p.Subcode, p.FBTraceID = last.Code, last.Subcode, last.FBTraceID
		}
		if p.Status == 0 {
			p.Status = last.StatusCode
		}
	}
	if p.Message == "" {
		p.Message = err.Error()
	}
	p.Hint = hint(apiErr.Kind, p.Code, p.Subcode)
	return p
}

func hint(kind adsbridge.ErrorKind, code, subcode int) string {
	switch {
	case subcode == paymentMethodSubcode:
		return "The ad account has no valid payment method. Add one in the account's billing settings, then retry."
	case code == 10 || (code >= 200 && code <= 299):
		return "The token lacks a permission this call needs. Log in again granting ads_management, or check the user's role on the ad account."
	}
	switch kind {
	case adsbridge.KindCredentialMissing:
		return "No Meta token is available for this caller. Complete the login at /oauth/login."
	case adsbridge.KindProviderAuthInvalid, adsbridge.KindRefreshFailed:
		return "The Meta access token was rejected or could not be renewed. Log in again."
	case adsbridge.KindQuotaExceeded:
		return "The local call budget for this ad account is used up. Check get_quota_status for when it reopens."
	case adsbridge.KindProviderRateLimited, adsbridge.KindExhaustedRetries:
		return "Meta is throttling or failing this call. Wait before retrying."
	case adsbridge.KindProviderValidation:
		return "Meta rejected a parameter. Check field names and values against the endpoint's reference."
	}
	return ""
}

func (s *Server) errorResult(tool string, err error) *mcp.CallToolResult {
	p := Describe(err)
	s.logger.WithFields(log.Fields{"tool": tool, "kind": p.Error, "code": p.Code}).WithError(err).Warn("tool call failed")
	raw, mErr := json.MarshalIndent(p, "", "  ")
	if mErr != nil {
		return textError(err.Error())
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}
}
