package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// ChannelError records a channel that still failed after retries.
type ChannelError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// statusError classifies a non-2xx HTTP response. Client errors other than
// rate limiting are permanent.
func statusError(channel string, code int) error {
	err := fmt.Errorf("%s: unexpected status %d", channel, code)
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
