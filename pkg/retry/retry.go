// Package retry re-runs short operations whose failures are transient.
// The caller decides what counts as transient through a predicate, so the
// helper stays agnostic of error taxonomies.
package retry

import (
	"context"
	"time"
)

// Do runs fn up to attempts times, sleeping delay between tries while
// transient(err) holds. The last error is returned unchanged so the caller
// keeps its classification. A cancelled context cuts the loop short.
func Do(ctx context.Context, attempts int, delay time.Duration, transient func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !transient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}
