// Package correspond keeps mail threads and chat rooms in step: incoming
// mail is posted into the thread's room and messages typed in a thread room
// are sent as mail.
package correspond

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"gmailbridge/internal/ratelimit"
	"gmailbridge/pkg/domain"
	"gmailbridge/pkg/naming"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/delivery"
	"gmailbridge/services/bridge/internal/mail"
)

// UserStore reads bridge users.
type UserStore interface {
	Get(ctx context.Context, userID string) (domain.User, error)
}

// Sessions ends a user's login after the provider rejected its token.
type Sessions interface {
	Expire(ctx context.Context, userID string) error
}

type Engine struct {
	chat        chat.Transport
	delivery    *delivery.Adapter
	codec       naming.Codec
	provider    mail.Provider
	users       UserStore
	sessions    Sessions
	throttle    ratelimit.Throttle
	defaultName string
	logger      *slog.Logger
}

type Options struct {
	Chat        chat.Transport
	Codec       naming.Codec
	Provider    mail.Provider
	Users       UserStore
	Sessions    Sessions
	Throttle    ratelimit.Throttle
	DefaultName string
}

func New(opts Options) *Engine {
	return &Engine{
		chat:        opts.Chat,
		delivery:    delivery.New(opts.Chat),
		codec:       opts.Codec,
		provider:    opts.Provider,
		users:       opts.Users,
		sessions:    opts.Sessions,
		throttle:    opts.Throttle,
		defaultName: opts.DefaultName,
		logger:      slog.Default().With("component", "correspond"),
	}
}

// SetSessions wires the session owner after construction; the auth machine
// and the engine depend on each other.
func (e *Engine) SetSessions(s Sessions) { e.sessions = s }

// Members splits a room's joined members.
type Members struct {
	Appservice bool
	Bots       []id.UserID
	Others     []id.UserID
}

// IsAuthRoom reports a room without virtual accounts.
func (m Members) IsAuthRoom() bool { return len(m.Bots) == 0 }

func (e *Engine) Members(ctx context.Context, room id.RoomID) (Members, error) {
	joined, err := e.chat.Members(ctx, room)
	if err != nil {
		return Members{}, fmt.Errorf("room members: %w", err)
	}
	var out Members
	for _, user := range joined {
		switch {
		case user == e.chat.BotID():
			out.Appservice = true
		case e.codec.IsVirtual(user):
			out.Bots = append(out.Bots, user)
		default:
			out.Others = append(out.Others, user)
		}
	}
	return out, nil
}

// ThreadOfRoom returns the thread bound to room by its bridge alias, or ""
// when the room has none. Extra bridge aliases are reported and ignored.
func (e *Engine) ThreadOfRoom(ctx context.Context, room id.RoomID) (string, error) {
	aliases, err := e.chat.Aliases(ctx, room)
	if err != nil {
		return "", fmt.Errorf("room aliases: %w", err)
	}
	var threads []id.RoomAlias
	for _, alias := range aliases {
		if e.codec.IsBridgeAlias(alias) {
			threads = append(threads, alias)
		}
	}
	if len(threads) == 0 {
		return "", nil
	}
	if len(threads) > 1 {
		e.logger.Warn("room has multiple thread aliases, using the first", "room_id", room, "aliases", threads)
	}
	thread, ok := e.codec.ExtractThread(threads[0])
	if !ok {
		e.logger.Warn("malformed thread alias", "room_id", room, "alias", threads[0])
		return "", nil
	}
	return thread, nil
}

// RoomForThread resolves the owner's room for a thread, or "" when none
// exists yet.
func (e *Engine) RoomForThread(ctx context.Context, owner domain.LoggedInUser, threadID string) (id.RoomID, error) {
	room, err := e.chat.ResolveAlias(ctx, e.codec.Alias(threadID, owner.Email()))
	if err != nil {
		return "", fmt.Errorf("resolve thread alias: %w", err)
	}
	return room, nil
}

// Notify posts a plain notice from the bridge account.
func (e *Engine) Notify(ctx context.Context, room id.RoomID, text string) error {
	if _, err := e.delivery.Send(ctx, "", room, chat.Notice(text)); err != nil {
		return fmt.Errorf("notify room: %w", err)
	}
	return nil
}

func (e *Engine) fromName(user domain.LoggedInUser) string {
	if user.Name() != "" {
		return user.Name()
	}
	return e.defaultName
}
