package adsbridge

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Operation performs a single transport attempt.
type Operation func(ctx context.Context) (*NormalizedResponse, error)

// RequestExecutor handles failure classification, retry and exponential backoff.
type RequestExecutor struct {
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	requestTimeout time.Duration

	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	log    logrus.FieldLogger
}

func NewRequestExecutor(cfg Config) *RequestExecutor {
	cfg = cfg.withDefaults()
	return &RequestExecutor{
		maxAttempts:    cfg.MaxAttempts,
		baseBackoff:    cfg.BaseBackoff,
		maxBackoff:     cfg.MaxBackoff,
		requestTimeout: cfg.RequestTimeout,
		jitter:         randomJitter,
		sleep:          sleepContext,
		now:            time.Now,
		log:            logrus.StandardLogger(),
	}
}

// SetLogger replaces the executor's logger.
func (re *RequestExecutor) SetLogger(l logrus.FieldLogger) {
	re.log = l
}

// Execute runs op until it succeeds, fails terminally, or MaxAttempts is reached.
// rateInfo, when non-nil, extracts a provider regain-access hint from a throttled response.
func (re *RequestExecutor) Execute(ctx context.Context, call string, op Operation, rateInfo func(*NormalizedResponse) *NormalizedRateLimitInfo) (*NormalizedResponse, error) {
	var last *APIError
	for attempt := 0; attempt < re.maxAttempts; attempt++ {
		entry := re.log.WithFields(logrus.Fields{"call": call, "attempt": attempt + 1})

		resp, err := re.attempt(ctx, op)
		if err != nil && isContextError(ctx, err) {
			return nil, err
		}

		var apiErr *APIError
		switch {
		case err != nil:
			apiErr = ClassifyTransportError(call, err)
		default:
			apiErr = ClassifyResponse(call, resp)
		}
		if apiErr == nil {
			resp.Attempts = attempt + 1
			if attempt > 0 {
				entry.Debug("request succeeded after retry")
			}
			return resp, nil
		}
		apiErr.Attempts = attempt + 1
		last = apiErr

		if !apiErr.Retryable() {
			entry.WithField("kind", apiErr.Kind).Debug("terminal failure, not retrying")
			return resp, apiErr
		}
		if attempt+1 >= re.maxAttempts {
			break
		}

		wait := re.Backoff(attempt)
		if apiErr.Kind == KindProviderRateLimited && resp != nil && rateInfo != nil {
			wait = re.rateLimitWait(wait, rateInfo(resp))
		}
		entry.WithFields(logrus.Fields{"kind": apiErr.Kind, "delay": wait}).Info("retrying request")
		if err := re.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &APIError{
		Kind:       KindExhaustedRetries,
		Call:       call,
		StatusCode: last.StatusCode,
		Code:       last.Code,
		Subcode:    last.Subcode,
		Type:       last.Type,
		Message:    last.Message,
		FBTraceID:  last.FBTraceID,
		Attempts:   last.Attempts,
		Err:        last,
	}
}

// attempt runs op under the per-attempt timeout. A timeout that is not the caller's own
// cancellation surfaces as a transport error.
func (re *RequestExecutor) attempt(ctx context.Context, op Operation) (*NormalizedResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, re.requestTimeout)
	defer cancel()

	resp, err := op(attemptCtx)
	if err == nil && resp == nil {
		err = errors.New("adapter returned no response")
	}
	return resp, err
}

// Backoff is the delay before retrying after the given 0-indexed attempt:
// base*2^attempt plus jitter below base/2, capped at MaxBackoff.
func (re *RequestExecutor) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return re.maxBackoff
	}
	backoff := re.baseBackoff * (1 << attempt)
	if backoff <= 0 || backoff >= re.maxBackoff {
		return re.maxBackoff
	}
	backoff += re.jitter(re.baseBackoff / 2)
	if backoff > re.maxBackoff {
		backoff = re.maxBackoff
	}
	return backoff
}

// rateLimitWait prefers the provider's regain-access estimate when it is longer than the
// computed backoff, still bounded by MaxBackoff.
func (re *RequestExecutor) rateLimitWait(backoff time.Duration, info *NormalizedRateLimitInfo) time.Duration {
	if info == nil || info.RegainAccessAt == nil {
		return backoff
	}
	if d := info.RegainAccessAt.Sub(re.now()); d > backoff {
		backoff = d
	}
	if backoff > re.maxBackoff {
		backoff = re.maxBackoff
	}
	return backoff
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
