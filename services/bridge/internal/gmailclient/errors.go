package gmailclient

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"gmailbridge/services/bridge/internal/mail"
)

// clientError wraps provider errors that must not count against the breaker.
type clientError struct {
	err error
}

func (e *clientError) Error() string { return e.err.Error() }

func (e *clientError) Unwrap() error { return e.err }

type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(name string) *breaker {
	return &breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && ratio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})}
}

// call runs fn under the breaker. Server errors and throttling trip it;
// other 4xx responses pass through untouched.
func call[T any](b *breaker, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && !tripsBreaker(err) {
			return v, &clientError{err: err}
		}
		return v, err
	})
	var ce *clientError
	if errors.As(err, &ce) {
		err = ce.err
	}
	var zero T
	if err != nil {
		return zero, classify(err)
	}
	v, _ := out.(T)
	return v, nil
}

func tripsBreaker(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests
	}
	var retrieve *oauth2.RetrieveError
	return !errors.As(err, &retrieve)
}

// classify maps credential failures onto the mail package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.ErrorCode == "invalid_grant" || retrieve.ErrorCode == "unauthorized_client" ||
			(retrieve.Response != nil && (retrieve.Response.StatusCode == http.StatusBadRequest ||
				retrieve.Response.StatusCode == http.StatusUnauthorized)) {
			return errors.Join(mail.ErrTokenExpired, err)
		}
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return errors.Join(mail.ErrTokenExpired, err)
		case http.StatusNotFound:
			return errors.Join(mail.ErrNotFound, err)
		}
	}
	return err
}
