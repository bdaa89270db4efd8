package adsbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Page is one page of a cursor-paginated listing.
type Page struct {
	Data []json.RawMessage `json:"data"`

	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`

	// NextPath / PreviousPath are the paging links relative to the versioned base URL,
	// with credentials stripped, ready to be used as a NormalizedRequest endpoint.
	NextPath     string `json:"next_path,omitempty"`
	PreviousPath string `json:"previous_path,omitempty"`

	HasNextPage     bool `json:"has_next_page"`
	HasPreviousPage bool `json:"has_previous_page"`
}

type rawEnvelope struct {
	Data   *[]json.RawMessage `json:"data"`
	Paging *struct {
		Cursors *struct {
			Before string `json:"before"`
			After  string `json:"after"`
		} `json:"cursors"`
		Next     string `json:"next"`
		Previous string `json:"previous"`
	} `json:"paging"`
}

// credentialParams never leave the bridge inside a paging path.
var credentialParams = []string{"access_token", "appsecret_proof"}

// IsListEnvelope reports whether raw is a JSON object with a top-level "data" array.
func IsListEnvelope(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var env rawEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return false
	}
	return env.Data != nil
}

// NormalizePage converts the provider's list envelope into a Page. baseURL is the
// versioned base (e.g. https://graph.facebook.com/v22.0) that paging links are made
// relative to.
func NormalizePage(raw []byte, baseURL string) (*Page, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode list envelope: %w", err)
	}
	page := &Page{}
	if env.Data != nil {
		page.Data = *env.Data
	}
	if env.Paging == nil {
		return page, nil
	}

	if c := env.Paging.Cursors; c != nil {
		page.Before = c.Before
		page.After = c.After
	}
	if env.Paging.Next != "" {
		path, query := relativeLink(env.Paging.Next, baseURL)
		page.NextPath = path
		if page.After == "" && query != nil {
			page.After = query.Get("after")
		}
	}
	if env.Paging.Previous != "" {
		path, query := relativeLink(env.Paging.Previous, baseURL)
		page.PreviousPath = path
		if page.Before == "" && query != nil {
			page.Before = query.Get("before")
		}
	}

	page.HasNextPage = page.After != "" || page.NextPath != ""
	page.HasPreviousPage = page.Before != "" || page.PreviousPath != ""
	return page, nil
}

// relativeLink strips the scheme, host and version prefix from link, and removes
// credential parameters from its query. Links that do not parse are kept verbatim.
func relativeLink(link, baseURL string) (string, url.Values) {
	u, err := url.Parse(link)
	if err != nil {
		return link, nil
	}
	path := u.Path
	if base, err := url.Parse(baseURL); err == nil {
		prefix := strings.TrimRight(base.Path, "/")
		if prefix != "" && strings.HasPrefix(path, prefix+"/") {
			path = strings.TrimPrefix(path, prefix)
		}
	}
	path = strings.TrimLeft(path, "/")

	query := u.Query()
	for _, p := range credentialParams {
		query.Del(p)
	}
	if enc := query.Encode(); enc != "" {
		return path + "?" + enc, query
	}
	return path, query
}
