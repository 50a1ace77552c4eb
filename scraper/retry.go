package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pmonitor/pmonitor/config"
)

const (
	// maxBackoffExponent caps 2^attempt so the shift cannot overflow.
	maxBackoffExponent = 30
	// maxBackoff caps a single exponential wait.
	maxBackoff = 24 * time.Hour
)

// Operation is one attempt of a fetch.
type Operation func(ctx context.Context) (*Response, error)

// Retrier wraps an Operation with bounded exponential backoff and jitter.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	JitterRange time.Duration

	// Sleep, RandN and Now are replaceable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	RandN func(n int64) int64
	Now   func() time.Time

	metrics *Metrics

	mu           sync.Mutex
	totalRetries int
}

// NewRetrier builds a Retrier from cfg.
func NewRetrier(cfg *config.Config, metrics *Metrics) *Retrier {
	return &Retrier{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryDelay,
		JitterRange: cfg.JitterRange,
		Sleep:       SleepContext,
		RandN:       rand.Int64N,
		Now:         time.Now,
		metrics:     metrics,
	}
}

// Do runs op until it succeeds, fails permanently, or MaxAttempts is spent.
// A 429 response is waited out (Retry-After when given, exponential backoff
// otherwise); transient errors back off exponentially; any other error is
// returned at once.
func (r *Retrier) Do(ctx context.Context, op Operation) (*Response, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := op(ctx)
		last := attempt == attempts-1

		if err == nil {
			if !resp.RateLimited() {
				return resp, nil
			}
			lastErr = ErrRateLimited{Err: errors.New("status 429"), RetryAfter: resp.RetryAfter}
			if last {
				break
			}
			wait := r.RateLimitWait(resp.RetryAfter, attempt)
			slog.Warn("rate limited, waiting before retry",
				slog.Duration("wait", wait),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", attempts),
			)
			if err := r.pause(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if last {
			break
		}

		delay := r.Backoff(attempt)
		slog.Warn("transient error, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", attempts),
			slog.Duration("wait", delay),
			slog.Any("error", err),
		)
		if err := r.pause(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// Backoff returns BaseDelay*2^attempt plus a non-negative jitter. The jitter
// never exceeds the exponential term, so delays never decrease with attempt.
func (r *Retrier) Backoff(attempt int) time.Duration {
	exp := r.exponential(attempt)
	jitter := r.Jitter()
	if jitter < 0 {
		jitter = -jitter
	}
	if jitter > exp {
		jitter = exp
	}
	return exp + jitter
}

// RateLimitWait computes the pause after a 429. A usable Retry-After hint is
// honored in full and only lengthened by jitter.
func (r *Retrier) RateLimitWait(retryAfter string, attempt int) time.Duration {
	if hint, ok := r.parseRetryAfter(retryAfter); ok {
		jitter := r.Jitter()
		if jitter < 0 {
			jitter = -jitter
		}
		return hint + jitter
	}

	wait := r.exponential(attempt+1) + r.Jitter()
	if wait < 0 {
		return 0
	}
	return wait
}

// Jitter returns a uniform offset in [-JitterRange, +JitterRange).
func (r *Retrier) Jitter() time.Duration {
	if r.JitterRange <= 0 {
		return 0
	}
	randN := r.RandN
	if randN == nil {
		randN = rand.Int64N
	}
	return time.Duration(randN(int64(2*r.JitterRange))) - r.JitterRange
}

// TotalRetries returns how many retries have been scheduled so far.
func (r *Retrier) TotalRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRetries
}

func (r *Retrier) exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	attempt = min(attempt, maxBackoffExponent)
	if r.BaseDelay <= 0 {
		return 0
	}
	if r.BaseDelay > maxBackoff>>attempt {
		return maxBackoff
	}
	return r.BaseDelay * time.Duration(1<<attempt)
}

func (r *Retrier) parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		d := at.Sub(now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func (r *Retrier) pause(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.totalRetries++
	r.mu.Unlock()
	r.metrics.IncRetries()

	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
