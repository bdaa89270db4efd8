// internal/usage_parser.go
// -------------------------
// Helpers for decoding the provider's usage headers into utilisation percentages and
// recovery times.
//
// Headers:
// - x-app-usage:               {"call_count":28,"total_time":25,"total_cputime":25}
// - x-ad-account-usage:        {"acc_id_util_pct":9.67,"reset_time_duration":0}
// - x-business-use-case-usage: {"<business id>":[{"type":"ads_management","call_count":95,
//                               "total_cputime":20,"total_time":20,"estimated_time_to_regain_access":3}]}
package internal

import (
	"encoding/json"
	"strings"
	"time"
)

// FullUsage is the utilisation at which the provider starts rejecting an ad account's calls.
const FullUsage = 100.0

// Usage is the merged view of every usage header on one response.
type Usage struct {
	MaxPercent float64
	// RegainAfter is how long the provider asked callers to back off; zero when not throttled.
	RegainAfter time.Duration
}

// ParseAppUsage returns the highest percentage in an x-app-usage value.
func ParseAppUsage(s string) (float64, bool) {
	var v struct {
		CallCount    float64 `json:"call_count"`
		TotalTime    float64 `json:"total_time"`
		TotalCPUTime float64 `json:"total_cputime"`
	}
	if !decode(s, &v) {
		return 0, false
	}
	return maxOf(v.CallCount, v.TotalTime, v.TotalCPUTime), true
}

// ParseAdAccountUsage returns the utilisation and decay-to-zero duration of an
// x-ad-account-usage value.
func ParseAdAccountUsage(s string) (float64, time.Duration, bool) {
	var v struct {
		UtilPct           float64 `json:"acc_id_util_pct"`
		ResetTimeDuration int64   `json:"reset_time_duration"`
	}
	if !decode(s, &v) {
		return 0, 0, false
	}
	return v.UtilPct, SecondsToDuration(v.ResetTimeDuration), true
}

// ParseBusinessUseCaseUsage returns the highest utilisation across every business and
// use case, and the longest estimated time to regain access.
func ParseBusinessUseCaseUsage(s string) (float64, time.Duration, bool) {
	var v map[string][]struct {
		Type         string  `json:"type"`
		CallCount    float64 `json:"call_count"`
		TotalTime    float64 `json:"total_time"`
		TotalCPUTime float64 `json:"total_cputime"`
		RegainAccess int64   `json:"estimated_time_to_regain_access"`
	}
	if !decode(s, &v) {
		return 0, 0, false
	}
	var pct float64
	var regain time.Duration
	for _, entries := range v {
		for _, e := range entries {
			pct = maxOf(pct, e.CallCount, e.TotalTime, e.TotalCPUTime)
			if d := MinutesToDuration(e.RegainAccess); d > regain {
				regain = d
			}
		}
	}
	return pct, regain, true
}

// ParseHeaders merges the three usage headers from lower-cased response headers.
func ParseHeaders(h map[string]string) (Usage, bool) {
	var u Usage
	found := false
	if pct, ok := ParseAppUsage(h["x-app-usage"]); ok {
		u.MaxPercent = maxOf(u.MaxPercent, pct)
		found = true
	}
	if pct, reset, ok := ParseAdAccountUsage(h["x-ad-account-usage"]); ok {
		u.MaxPercent = maxOf(u.MaxPercent, pct)
		// reset_time_duration is the time until the score decays to zero, reported at
		// any utilisation; it only means "throttled" once the account is at its limit.
		if pct >= FullUsage && reset > u.RegainAfter {
			u.RegainAfter = reset
		}
		found = true
	}
	if pct, regain, ok := ParseBusinessUseCaseUsage(h["x-business-use-case-usage"]); ok {
		u.MaxPercent = maxOf(u.MaxPercent, pct)
		if regain > u.RegainAfter {
			u.RegainAfter = regain
		}
		found = true
	}
	return u, found
}

// MinutesToDuration converts the provider's minute counts.
func MinutesToDuration(m int64) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(m) * time.Minute
}

func SecondsToDuration(s int64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

func decode(s string, v interface{}) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return json.Unmarshal([]byte(s), v) == nil
}

func maxOf(vals ...float64) float64 {
	var m float64
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
