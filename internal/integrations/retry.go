package integrations

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs op with bounded exponential backoff. Errors wrapped with
// backoff.Permanent stop immediately.
func Retry(ctx context.Context, attempts uint64, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
}

// permanentStatus reports whether an HTTP status should not be retried.
func permanentStatus(code int) bool { return code >= 400 && code < 500 && code != 429 }
