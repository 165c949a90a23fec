package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/nftfolio/backend/util"
)

var (
	DefaultRetry    = Retry{Base: time.Second, Cap: 30 * time.Second, Tries: 4}
	ErrOutOfRetries = errors.New("tried too many times")
)

const (
	// retryAfterBuffer pads the server-provided Retry-After so the next
	// attempt lands after the limiter window actually resets.
	retryAfterBuffer = 200 * time.Millisecond
	jitterMax        = 250 * time.Millisecond
)

type Retry struct {
	Base  time.Duration // Delay before the first retry
	Cap   time.Duration // Max delay per retry
	Tries int           // Total number of attempts
}

// ErrRateLimited indicates the upstream responded with a 429.
type ErrRateLimited struct {
	URL        string
	RetryAfter time.Duration // from the Retry-After header, 0 when absent
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited by %s (retry after %s)", e.URL, e.RetryAfter)
}

// ErrTransient indicates a 5xx or network-level failure that is safe to retry.
type ErrTransient struct {
	Err error
}

func (e ErrTransient) Error() string {
	return fmt.Sprintf("transient upstream error: %s", e.Err)
}

func (e ErrTransient) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a 404. It is never retried; callers decide what a
// missing resource means for them.
type ErrNotFound struct {
	URL string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.URL)
}

// IsRetryable reports whether err is an error class that retrying can help with.
func IsRetryable(err error) bool {
	var rateLimited ErrRateLimited
	var transient ErrTransient
	return errors.As(err, &rateLimited) || errors.As(err, &transient)
}

// Delay returns how long to wait before retry i (zero-indexed). Rate-limit
// errors never wait less than the server-provided Retry-After.
func (r Retry) Delay(i int, err error) time.Duration {
	delay := r.Base << i
	if delay <= 0 || delay > r.Cap {
		delay = r.Cap
	}

	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
		if after := rateLimited.RetryAfter + retryAfterBuffer; after > delay {
			delay = after
		}
		if delay > r.Cap {
			delay = r.Cap
		}
	}
	return delay
}

// Sleep waits out the delay for retry i, returning early if the context is done.
func (r Retry) Sleep(ctx context.Context, i int, err error) error {
	return waitFor(ctx, r.Delay(i, err)+time.Duration(rand.Int63n(int64(jitterMax))))
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls f until it succeeds, returns a non-retryable error, or runs out of
// attempts. The last error is returned after exhaustion so callers can still
// inspect its class.
func Do[T any](ctx context.Context, r Retry, f func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < r.Tries; i++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		result, err = f(ctx)
		if err == nil {
			return result, nil
		}

		if !IsRetryable(err) {
			return result, err
		}

		if i == r.Tries-1 {
			break
		}

		if sleepErr := r.Sleep(ctx, i, err); sleepErr != nil {
			return result, sleepErr
		}
	}
	return result, fmt.Errorf("%s: %w", ErrOutOfRetries, err)
}

// RetryFunc retries f whenever shouldRetry says the error is worth another attempt.
func RetryFunc(ctx context.Context, f func(ctx context.Context) error, shouldRetry func(error) bool, r Retry) error {
	var err error
	for i := 0; i < r.Tries; i++ {
		err = f(ctx)
		if err == nil {
			return nil
		}

		if !shouldRetry(err) {
			return err
		}

		if i == r.Tries-1 {
			break
		}

		if sleepErr := r.Sleep(ctx, i, err); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("%s: %w", ErrOutOfRetries, err)
}

func RetryRequest(c *http.Client, req *http.Request) (*http.Response, error) {
	return RetryRequestWithRetry(c, req, DefaultRetry)
}

// RetryRequestWithRetry performs req, retrying rate-limited and server-side
// failures. Responses with other statuses are returned to the caller unread.
func RetryRequestWithRetry(c *http.Client, req *http.Request, r Retry) (*http.Response, error) {
	var resp *http.Response
	var err error
	for i := 0; i < r.Tries; i++ {
		resp, err = c.Do(req)
		if err != nil {
			return resp, err
		}

		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}

		retryErr := FromResponse(resp)
		resp.Body.Close()

		if i == r.Tries-1 {
			break
		}

		if sleepErr := r.Sleep(req.Context(), i, retryErr); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, ErrOutOfRetries
}

// FromResponse classifies a non-2xx response into a typed retry error. The
// response body is consumed for non-retryable statuses.
func FromResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited{URL: resp.Request.URL.String(), RetryAfter: retryAfterDuration(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound{URL: resp.Request.URL.String()}
	case resp.StatusCode >= 500:
		return ErrTransient{Err: util.BodyAsError(resp)}
	default:
		return util.BodyAsError(resp)
	}
}

func retryAfterDuration(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if until := time.Until(at); until > 0 {
			return until
		}
	}
	return 0
}
