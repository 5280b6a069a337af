// Package replay recovers messages a virtual account missed between being
// invited into a room by someone else and joining it.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/naming"
	"gmailbridge/services/bridge/internal/chat"
)

// Window is the number of timeline entries searched for the invite and join.
const Window = 100

// Handler ingests one replayed event exactly as if it had arrived live.
type Handler func(ctx context.Context, evt *event.Event) error

// Transport is the part of chat.Transport the replayer reads.
type Transport interface {
	BotID() id.UserID
	Event(ctx context.Context, as id.UserID, room id.RoomID, eventID id.EventID) (*event.Event, error)
	Timeline(ctx context.Context, as id.UserID, room id.RoomID, limit int) ([]*event.Event, error)
}

type Replayer struct {
	chat   Transport
	codec  naming.Codec
	window int
	logger *slog.Logger
}

func New(t Transport, codec naming.Codec) *Replayer {
	return &Replayer{
		chat:   t,
		codec:  codec,
		window: Window,
		logger: slog.Default().With("component", "replay"),
	}
}

// Replay feeds the messages sent between a virtual account's invite and its
// join into handle. Joins without an invite by an outside account replay
// nothing. When the invite cannot be found, or either boundary falls outside
// the window, the join is logged as an error and skipped.
func (r *Replayer) Replay(ctx context.Context, join *event.Event, handle Handler) error {
	if chat.Classify(join) != chat.KindMember || chat.Membership(join) != event.MembershipJoin {
		return nil
	}
	joiner := join.Sender
	if !r.codec.IsVirtual(joiner) {
		return nil
	}
	inviteID := join.Unsigned.ReplacesState
	if inviteID == "" {
		r.logger.Error("join replaces no invite, skipping replay", "room_id", join.RoomID, "join_id", join.ID)
		return nil
	}

	invite, err := r.chat.Event(ctx, joiner, join.RoomID, inviteID)
	if err != nil {
		if chat.IsNotFound(err) || chat.IsForbidden(err) {
			r.logger.Error("invite event not visible, skipping replay", "room_id", join.RoomID, "join_id", join.ID, "invite_id", inviteID, "error", err)
			return nil
		}
		return fmt.Errorf("fetch invite event: %w", err)
	}
	chat.ParseContent(invite)
	if chat.Membership(invite) != event.MembershipInvite {
		return nil
	}
	if invite.Sender == r.chat.BotID() || r.codec.IsVirtual(invite.Sender) {
		return nil
	}

	timeline, err := r.chat.Timeline(ctx, joiner, join.RoomID, r.window)
	if err != nil {
		return fmt.Errorf("fetch timeline: %w", err)
	}
	missed, ok := between(timeline, inviteID, join.ID)
	if !ok {
		r.logger.Error("invite or join outside the replay window", "room_id", join.RoomID, "invite_id", inviteID, "join_id", join.ID, "window", r.window)
		return nil
	}

	r.logger.Info("replaying missed events", "room_id", join.RoomID, "user_id", joiner, "count", len(missed))
	for _, evt := range missed {
		if err := handle(ctx, evt); err != nil {
			return fmt.Errorf("replay %s: %w", evt.ID, err)
		}
	}
	return nil
}

// between returns the text and media events strictly after from and before to.
func between(timeline []*event.Event, from, to id.EventID) ([]*event.Event, bool) {
	start, end := -1, -1
	for i, evt := range timeline {
		switch evt.ID {
		case from:
			start = i
		case to:
			end = i
		}
	}
	if start < 0 || end < 0 || start > end {
		return nil, false
	}
	var out []*event.Event
	for _, evt := range timeline[start+1 : end] {
		switch chat.Classify(evt) {
		case chat.KindText, chat.KindMedia:
			out = append(out, evt)
		}
	}
	return out, true
}
