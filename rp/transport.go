package rp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

const retryBackoff = 200 * time.Millisecond

// Observer is notified about every outbound provider request attempt.
type Observer interface {
	ProviderRequest(endpoint string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ProviderRequest(string, time.Duration, error) {}

// statusError reports a non-success HTTP answer from the provider.
type statusError struct {
	StatusCode int
	Status     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// transport bounds and retries calls to the provider.
type transport struct {
	client   *http.Client
	timeout  time.Duration
	retries  int
	observer Observer
	logger   *slog.Logger
}

func newHTTPClient() *http.Client {
	return cleanhttp.DefaultPooledClient()
}

// retry runs fn with a per-attempt timeout until it succeeds, fails with a
// non-retryable error, or the retry budget is spent.
func (t *transport) retry(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	return t.retryWhen(ctx, endpoint, retryable, fn)
}

// retryWhen is retry with the caller deciding which failures are transient.
func (t *transport) retryWhen(ctx context.Context, endpoint string, transient func(context.Context, error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(retryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
		err := fn(attemptCtx)
		cancel()
		t.observer.ProviderRequest(endpoint, time.Since(start), err)
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(ctx, err) {
			return err
		}
		t.logger.Warn("provider request failed", "endpoint", endpoint, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", t.retries+1, lastErr)
}

// budget is the longest a retried call can take.
func (t *transport) budget() time.Duration {
	return time.Duration(t.retries+1)*t.timeout + time.Duration(t.retries)*retryBackoff
}

// getJSON fetches url and hands a successful response to decode.
func (t *transport) getJSON(ctx context.Context, endpoint, rawURL string, header http.Header, decode func(*http.Response) error) error {
	return t.retry(ctx, endpoint, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		for k, vals := range header {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
			return &statusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return decode(resp)
	})
}

// retryable reports whether err is a transient failure of a read-only
// request: a 5xx answer or a transport error.
func retryable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return unanswered(parent, err)
}

// unanswered reports whether err left the request without any response.
// The token endpoint is only retried on these, since a provider that answered
// may already have redeemed the code.
func unanswered(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	var re *oauth2.RetrieveError
	var se *statusError
	if errors.As(err, &re) || errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
