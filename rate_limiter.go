// rate_limiter.go
// ----------------
// QuotaTracker keeps a per-ad-account usage score against a decay window, mirroring the
// provider's own scoring so calls are held locally instead of being rejected upstream.
//
// Responsibilities:
// - Scoring every call attributable to an account (reads cost 1, writes cost 3).
// - Blocking an account once its score would exceed the tier maximum.
// - Holding callers of a blocked account until it unblocks, or failing with
//   ErrQuotaExceeded when the wait would exceed MaxWait.
// - Folding provider usage headers back in when they announce a throttle.
package adsbridge

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	CostRead  = 1
	CostWrite = 3
)

// CallCost is the fixed weight of a call by HTTP method.
func CallCost(method string) int {
	if method == "" || strings.EqualFold(method, http.MethodGet) {
		return CostRead
	}
	return CostWrite
}

type quotaWindow struct {
	score        int
	start        time.Time
	blockedUntil time.Time
}

// QuotaStatus is a point-in-time copy of one account's window.
type QuotaStatus struct {
	ScopeKey     string    `json:"scope_key"`
	Tier         string    `json:"tier"`
	Score        int       `json:"score"`
	MaxScore     int       `json:"max_score"`
	WindowStart  time.Time `json:"window_start,omitempty"`
	WindowEnd    time.Time `json:"window_end,omitempty"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
	Blocked      bool      `json:"blocked"`
}

type QuotaTracker struct {
	mu      sync.Mutex
	tier    Tier
	maxWait time.Duration
	windows map[string]*quotaWindow

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   logrus.FieldLogger
}

// NewQuotaTracker builds a tracker for one tier. maxWait bounds how long a caller is held
// by a local block; zero fails blocked calls immediately.
func NewQuotaTracker(tier Tier, maxWait time.Duration) *QuotaTracker {
	if tier.MaxScore == 0 {
		tier = TierDevelopment
	}
	return &QuotaTracker{
		tier:    tier,
		maxWait: maxWait,
		windows: make(map[string]*quotaWindow),
		now:     time.Now,
		sleep:   sleepContext,
		log:     logrus.StandardLogger(),
	}
}

// SetLogger replaces the tracker's logger.
func (q *QuotaTracker) SetLogger(l logrus.FieldLogger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.log = l
}

// CheckAndReserve scores a call of the given cost against scopeKey. It returns once the
// call may proceed, or with ErrQuotaExceeded / a context error.
func (q *QuotaTracker) CheckAndReserve(ctx context.Context, scopeKey string, cost int) error {
	for {
		wait, err := q.reserve(scopeKey, cost)
		if err != nil || wait == 0 {
			return err
		}
		q.log.WithFields(logrus.Fields{"scope": scopeKey, "delay": wait}).Debug("quota block, holding call")
		if err := q.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve performs one atomic read-modify-write of the window. A zero wait with a nil
// error means the cost was scored.
func (q *QuotaTracker) reserve(scopeKey string, cost int) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	w, ok := q.windows[scopeKey]
	if ok && now.Before(w.blockedUntil) {
		return q.holdLocked(scopeKey, w.blockedUntil.Sub(now))
	}
	if !ok || !now.Before(w.start.Add(q.tier.DecayWindow)) {
		q.windows[scopeKey] = &quotaWindow{score: cost, start: now}
		return 0, nil
	}
	if w.score+cost > q.tier.MaxScore {
		until := w.start.Add(q.tier.DecayWindow)
		if b := now.Add(q.tier.BlockDuration); b.After(until) {
			until = b
		}
		w.blockedUntil = until
		q.log.WithFields(logrus.Fields{
			"scope": scopeKey,
			"score": w.score,
			"cost":  cost,
			"until": until,
		}).Warn("quota exceeded, blocking scope")
		return q.holdLocked(scopeKey, until.Sub(now))
	}
	w.score += cost
	return 0, nil
}

func (q *QuotaTracker) holdLocked(scopeKey string, wait time.Duration) (time.Duration, error) {
	if wait > q.maxWait {
		return 0, &APIError{
			Kind:    KindQuotaExceeded,
			Call:    scopeKey,
			Message: "scope blocked for " + wait.Round(time.Second).String(),
			Err:     ErrQuotaExceeded,
		}
	}
	return wait, nil
}

// Release returns cost to scopeKey's current window, for a reserved call that was never
// sent. A window that has since decayed is left alone.
func (q *QuotaTracker) Release(scopeKey string, cost int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.windows[scopeKey]
	if !ok || !q.now().Before(w.start.Add(q.tier.DecayWindow)) {
		return
	}
	w.score -= cost
	if w.score < 0 {
		w.score = 0
	}
}

// Observe applies provider-reported usage. A regain-access estimate in the future blocks
// the scope until then, unless a longer local block is already in place.
func (q *QuotaTracker) Observe(scopeKey string, info *NormalizedRateLimitInfo) {
	if info == nil || info.RegainAccessAt == nil || scopeKey == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if !info.RegainAccessAt.After(now) {
		return
	}
	w, ok := q.windows[scopeKey]
	if !ok {
		w = &quotaWindow{start: now}
		q.windows[scopeKey] = w
	}
	if info.RegainAccessAt.After(w.blockedUntil) {
		w.blockedUntil = *info.RegainAccessAt
		q.log.WithFields(logrus.Fields{"scope": scopeKey, "until": w.blockedUntil, "usage": info.UsagePercent}).
			Warn("provider reported throttling, blocking scope")
	}
}

// Snapshot returns the current state of scopeKey's window.
func (q *QuotaTracker) Snapshot(scopeKey string) QuotaStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QuotaStatus{ScopeKey: scopeKey, Tier: q.tier.Name, MaxScore: q.tier.MaxScore}
	w, ok := q.windows[scopeKey]
	if !ok {
		return st
	}
	now := q.now()
	st.BlockedUntil = w.blockedUntil
	st.Blocked = now.Before(w.blockedUntil)
	if now.Before(w.start.Add(q.tier.DecayWindow)) {
		st.Score = w.score
		st.WindowStart = w.start
		st.WindowEnd = w.start.Add(q.tier.DecayWindow)
	}
	return st
}

// Tier returns the tier the tracker enforces.
func (q *QuotaTracker) Tier() Tier {
	return q.tier
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
