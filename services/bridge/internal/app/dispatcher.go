// Package app routes chat events pushed by the homeserver to the bridge
// components, exactly once per event id.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/naming"
	"gmailbridge/services/bridge/internal/auth"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/correspond"
	"gmailbridge/services/bridge/internal/metrics"
	"gmailbridge/services/bridge/internal/replay"
)

const (
	DefaultAttempts  = 5
	DefaultRetryBase = time.Second
)

// Ledger remembers applied event ids.
type Ledger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID string) error
}

// Threads is the correspondence engine as seen by dispatch.
type Threads interface {
	Members(ctx context.Context, room id.RoomID) (correspond.Members, error)
	Reply(ctx context.Context, evt *event.Event, members correspond.Members) error
	Notify(ctx context.Context, room id.RoomID, text string) error
}

// Auth handles messages typed in auth rooms.
type Auth interface {
	HandleMessage(ctx context.Context, evt *event.Event, joined int) error
}

// Replayer recovers messages missed before a virtual account joined.
type Replayer interface {
	Replay(ctx context.Context, join *event.Event, handle replay.Handler) error
}

// DispatchError reports an event that kept failing after every attempt.
type DispatchError struct {
	TxnID    string
	EventID  id.EventID
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch event %s of transaction %s failed after %d attempts: %v", e.EventID, e.TxnID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type Options struct {
	Chat     chat.Transport
	Codec    naming.Codec
	Ledger   Ledger
	Threads  Threads
	Auth     Auth
	Replayer Replayer
	// Attempts and RetryBase bound the retries of one event in a transaction.
	Attempts  int
	RetryBase time.Duration
}

type Dispatcher struct {
	chat      chat.Transport
	codec     naming.Codec
	ledger    Ledger
	threads   Threads
	auth      Auth
	replayer  Replayer
	attempts  int
	retryBase time.Duration
	logger    *slog.Logger
}

func New(opts Options) *Dispatcher {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	return &Dispatcher{
		chat:      opts.Chat,
		codec:     opts.Codec,
		ledger:    opts.Ledger,
		threads:   opts.Threads,
		auth:      opts.Auth,
		replayer:  opts.Replayer,
		attempts:  opts.Attempts,
		retryBase: opts.RetryBase,
		logger:    slog.Default().With("component", "dispatch"),
	}
}

// HandleTransaction dispatches events in order. Each event is retried with
// exponential backoff; an event that exhausts its attempts aborts the
// transaction with a *DispatchError.
func (d *Dispatcher) HandleTransaction(ctx context.Context, txnID string, events []*event.Event) error {
	for _, evt := range events {
		var err error
		for attempt := 0; attempt < d.attempts; attempt++ {
			if attempt > 0 {
				wait := d.retryBase << (attempt - 1)
				d.logger.Warn("retrying event", "txn_id", txnID, "event_id", evt.ID, "attempt", attempt+1, "wait", wait, "err", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
			if err = d.HandleEvent(ctx, evt); err == nil {
				break
			}
		}
		if err != nil {
			return &DispatchError{TxnID: txnID, EventID: evt.ID, Attempts: d.attempts, Err: err}
		}
	}
	return nil
}

// HandleEvent applies evt unless its id was already applied. The id is
// recorded only after the event was handled without error.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt *event.Event) error {
	if evt == nil || evt.ID == "" {
		d.logger.Warn("dropping event without id")
		return nil
	}
	logger := d.logger.With("event_id", evt.ID, "room_id", evt.RoomID)
	seen, err := d.ledger.Seen(ctx, evt.ID.String())
	if err != nil {
		return err
	}
	if seen {
		metrics.EventsDuplicate.Inc()
		logger.Debug("duplicate event")
		return nil
	}

	kind := chat.Classify(evt)
	metrics.EventsProcessed.WithLabelValues(kind.String()).Inc()
	switch kind {
	case chat.KindMember:
		err = d.handleMember(ctx, evt)
	case chat.KindText, chat.KindMedia:
		err = d.handleMessage(ctx, evt)
	case chat.KindOther:
		logger.Debug("dropping event", "type", evt.Type.Type)
	}
	if err != nil {
		return err
	}
	return d.ledger.Record(ctx, evt.ID.String())
}

func (d *Dispatcher) isOwn(user id.UserID) bool {
	return user == d.chat.BotID() || d.codec.IsVirtual(user)
}

func (d *Dispatcher) handleMember(ctx context.Context, evt *event.Event) error {
	switch chat.Membership(evt) {
	case event.MembershipInvite:
		return d.acceptInvite(ctx, evt)
	case event.MembershipJoin:
		if d.replayer == nil || !d.codec.IsVirtual(evt.Sender) {
			return nil
		}
		return d.replayer.Replay(ctx, evt, d.HandleEvent)
	}
	return nil
}

// acceptInvite joins rooms that outside users invite the bridge accounts
// to. A virtual account brings the bridge account along.
func (d *Dispatcher) acceptInvite(ctx context.Context, evt *event.Event) error {
	if d.isOwn(evt.Sender) {
		return nil
	}
	room := evt.RoomID
	target := id.UserID(*evt.StateKey)
	switch {
	case target == d.chat.BotID():
		if err := d.chat.Join(ctx, "", room); err != nil {
			return fmt.Errorf("accept invite: %w", err)
		}
		d.logger.Info("joined room", "room_id", room, "inviter", evt.Sender)
		return d.threads.Notify(ctx, room, auth.HelpText)
	case d.codec.IsValidAccount(target):
		if err := d.chat.EnsureAccount(ctx, target); err != nil {
			return err
		}
		if err := d.chat.Join(ctx, target, room); err != nil {
			return fmt.Errorf("accept invite as %s: %w", target, err)
		}
		d.logger.Info("virtual account joined room", "room_id", room, "user_id", target, "inviter", evt.Sender)
		return chat.InviteAndJoin(ctx, d.chat, target, d.chat.BotID(), room)
	}
	return nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, evt *event.Event) error {
	if d.isOwn(evt.Sender) {
		return nil
	}
	members, err := d.threads.Members(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if len(members.Others) > 1 {
		return d.threads.Notify(ctx, evt.RoomID, auth.OneUserText)
	}
	if members.IsAuthRoom() {
		joined := len(members.Others)
		if members.Appservice {
			joined++
		}
		return d.auth.HandleMessage(ctx, evt, joined)
	}
	return d.threads.Reply(ctx, evt, members)
}

// IsFatal reports whether err should stop the process.
func IsFatal(err error) bool {
	var dispatchErr *DispatchError
	return errors.As(err, &dispatchErr)
}
