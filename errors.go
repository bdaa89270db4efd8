package adsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies every failure the bridge can surface.
type ErrorKind string

const (
	KindCredentialMissing   ErrorKind = "credential_missing"
	KindRefreshFailed       ErrorKind = "refresh_failed"
	KindQuotaExceeded       ErrorKind = "quota_exceeded"
	KindTransientNetwork    ErrorKind = "transient_network"
	KindProviderServer      ErrorKind = "provider_server_error"
	KindProviderRateLimited ErrorKind = "provider_rate_limited"
	KindProviderAuthInvalid ErrorKind = "provider_auth_invalid"
	KindProviderValidation  ErrorKind = "provider_validation_error"
	KindProviderPermanent   ErrorKind = "provider_permanent_error"
	KindExhaustedRetries    ErrorKind = "exhausted_retries"
)

var (
	ErrCredentialMissing   = errors.New("credential missing")
	ErrRefreshFailed       = errors.New("token refresh failed")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrTransientNetwork    = errors.New("transient network error")
	ErrProviderServer      = errors.New("provider server error")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderAuthInvalid = errors.New("provider authentication invalid")
	ErrProviderValidation  = errors.New("provider validation error")
	ErrProviderPermanent   = errors.New("provider error")
	ErrExhaustedRetries    = errors.New("retries exhausted")

	ErrTokenNotFound = errors.New("token not found")
)

var kindSentinels = map[ErrorKind]error{
	KindCredentialMissing:   ErrCredentialMissing,
	KindRefreshFailed:       ErrRefreshFailed,
	KindQuotaExceeded:       ErrQuotaExceeded,
	KindTransientNetwork:    ErrTransientNetwork,
	KindProviderServer:      ErrProviderServer,
	KindProviderRateLimited: ErrProviderRateLimited,
	KindProviderAuthInvalid: ErrProviderAuthInvalid,
	KindProviderValidation:  ErrProviderValidation,
	KindProviderPermanent:   ErrProviderPermanent,
	KindExhaustedRetries:    ErrExhaustedRetries,
}

// Provider error codes. See the Graph API error reference.
var (
	rateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}
	authCodes      = map[int]bool{102: true, 190: true, 463: true, 467: true}
)

const codeInvalidParameter = 100

// APIError is the structured failure returned to callers.
type APIError struct {
	Kind       ErrorKind
	Call       string // "METHOD endpoint"
	StatusCode int

	Code      int
	Subcode   int
	Type      string
	Message   string
	FBTraceID string
	Transient bool

	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Call != "" {
		b.WriteString(" [" + e.Call + "]")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " code=%d", e.Code)
	}
	if e.Subcode != 0 {
		fmt.Fprintf(&b, " subcode=%d", e.Subcode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " attempts=%d", e.Attempts)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrQuotaExceeded) works.
func (e *APIError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Retryable reports whether the executor may try the call again.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindTransientNetwork, KindProviderServer, KindProviderRateLimited:
		return true
	}
	return false
}

// Kind extracts the classification of err, or "" when err carries none.
func Kind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

type graphErrorEnvelope struct {
	Error *struct {
		Message     string `json:"message"`
		Type        string `json:"type"`
		Code        int    `json:"code"`
		Subcode     int    `json:"error_subcode"`
		FBTraceID   string `json:"fbtrace_id"`
		IsTransient bool   `json:"is_transient"`
		UserTitle   string `json:"error_user_title"`
		UserMsg     string `json:"error_user_msg"`
	} `json:"error"`
}

// ClassifyTransportError wraps a failure that happened before a response was read.
func ClassifyTransportError(call string, err error) *APIError {
	return &APIError{
		Kind:    KindTransientNetwork,
		Call:    call,
		Message: err.Error(),
		Err:     err,
	}
}

// ClassifyResponse inspects a completed exchange. It returns nil for a success.
func ClassifyResponse(call string, resp *NormalizedResponse) *APIError {
	var env graphErrorEnvelope
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &env)
	}
	if resp.StatusCode < 400 && env.Error == nil {
		return nil
	}

	apiErr := &APIError{Call: call, StatusCode: resp.StatusCode}
	if env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Subcode = env.Error.Subcode
		apiErr.Type = env.Error.Type
		apiErr.Message = env.Error.Message
		apiErr.FBTraceID = env.Error.FBTraceID
		apiErr.Transient = env.Error.IsTransient
		if env.Error.UserMsg != "" {
			apiErr.Message = strings.TrimSpace(apiErr.Message + " " + env.Error.UserMsg)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case IsRateLimitCode(apiErr.Code) || resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = KindProviderRateLimited
	case authCodes[apiErr.Code]:
		apiErr.Kind = KindProviderAuthInvalid
	case resp.StatusCode >= 500 || apiErr.Transient:
		apiErr.Kind = KindProviderServer
	case apiErr.Code == codeInvalidParameter:
		apiErr.Kind = KindProviderValidation
	default:
		apiErr.Kind = KindProviderPermanent
	}
	apiErr.Err = kindSentinels[apiErr.Kind]
	return apiErr
}

// IsRateLimitCode reports whether code is one of the provider's throttling codes,
// including the 80000-80014 business use case range.
func IsRateLimitCode(code int) bool {
	return rateLimitCodes[code] || (code >= 80000 && code <= 80014)
}

// isContextError separates caller cancellation from an attempt timing out.
func isContextError(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
