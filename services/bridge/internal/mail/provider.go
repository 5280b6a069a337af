// Package mail defines the mail-provider operations the bridge depends on.
package mail

import (
	"context"
	"errors"
	"time"

	"gmailbridge/pkg/domain"
)

var (
	// ErrTokenExpired means the provider rejected the user's credentials; the
	// user must log in again.
	ErrTokenExpired = errors.New("mail token expired or revoked")
	// ErrExchange marks a failed authorization code exchange.
	ErrExchange = errors.New("authorization code exchange failed")
	// ErrNotFound is returned for unknown message or thread ids.
	ErrNotFound = errors.New("mail not found")
)

// ExchangeError carries user-facing text for a failed code exchange.
type ExchangeError struct {
	Reason string
	Err    error
}

func (e *ExchangeError) Error() string { return e.Reason }

func (e *ExchangeError) Unwrap() error { return e.Err }

func (e *ExchangeError) Is(target error) bool { return target == ErrExchange }

// Provider issues credentials and opens mailboxes.
type Provider interface {
	AuthURL(state string) string
	// Exchange turns an authorization code into a token carrying the
	// account's email address. Failures are *ExchangeError.
	Exchange(ctx context.Context, code string) (domain.Token, error)
	Refresh(ctx context.Context, tok domain.Token) (domain.Token, error)
	Revoke(ctx context.Context, tok domain.Token) error
	// Open returns a mailbox for a logged-in user. fromName is the display
	// name used on outgoing mail; empty means the bare address.
	Open(ctx context.Context, user domain.LoggedInUser, fromName string) (Mailbox, error)
}

// Mailbox is one user's mailbox.
type Mailbox interface {
	Address() string
	// ListSince returns ids of received mail newer than after, excluding
	// mail sent by the mailbox owner. Ids may repeat and are unordered.
	ListSince(ctx context.Context, after time.Time) ([]string, error)
	ReceivedAt(ctx context.Context, mailID string) (time.Time, error)
	// Fetch returns a parsed and normalized mail.
	Fetch(ctx context.Context, mailID string) (domain.Mail, error)
	// Send submits draft and returns its thread id. An empty draft thread
	// starts a new thread.
	Send(ctx context.Context, draft domain.PreparedMail) (string, error)
	// Token returns the current, possibly refreshed, token.
	Token() (domain.Token, error)
}
