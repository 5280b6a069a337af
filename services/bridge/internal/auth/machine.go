// Package auth runs the per-user login flow driven by commands typed in a
// private room shared by one user and the bridge account.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/delivery"
	"gmailbridge/services/bridge/internal/mail"
)

// Users loads and persists bridge users.
type Users interface {
	Get(ctx context.Context, userID string) (domain.User, error)
	Upsert(ctx context.Context, user domain.User) error
}

// Sync owns the per-user mail polling tasks.
type Sync interface {
	Start(ctx context.Context, user domain.LoggedInUser) error
	Stop(userID string)
}

type Machine struct {
	users    Users
	provider mail.Provider
	sync     Sync
	delivery *delivery.Adapter
	logger   *slog.Logger
}

type Options struct {
	Users    Users
	Provider mail.Provider
	Sync     Sync
	Chat     delivery.Sender
}

func New(opts Options) *Machine {
	return &Machine{
		users:    opts.Users,
		provider: opts.Provider,
		sync:     opts.Sync,
		delivery: delivery.New(opts.Chat),
		logger:   slog.Default().With("component", "auth"),
	}
}

// SetSync wires the sync supervisor after construction.
func (m *Machine) SetSync(s Sync) { m.sync = s }

// HandleMessage applies one message typed in an auth room. joined is the
// room's joined member count.
func (m *Machine) HandleMessage(ctx context.Context, evt *event.Event, joined int) error {
	room := evt.RoomID
	if chat.Classify(evt) == chat.KindMedia {
		if err := m.reply(ctx, room, NoMediaText); err != nil {
			return err
		}
		return m.reply(ctx, room, HelpText)
	}
	if joined != 2 {
		return m.reply(ctx, room, SecurityText)
	}
	msg := chat.MessageContent(evt)
	if msg == nil {
		return nil
	}

	user, err := m.users.Get(ctx, evt.Sender.String())
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	user.AuthRoom = room.String()
	body := strings.TrimSpace(msg.Body)
	command, arg, _ := strings.Cut(body, " ")
	command = strings.ToLower(command)
	arg = strings.TrimSpace(arg)

	switch {
	case command == "help" && arg == "":
		return m.reply(ctx, room, HelpText)
	case command == "status" && arg == "":
		return m.status(ctx, room, user)
	case command == "name" && arg != "":
		user.EmailName = arg
		return m.setOverride(ctx, room, user, fmt.Sprintf("Name Set to \"%s\"", arg))
	case command == "email" && arg != "":
		user.EmailAddress = arg
		return m.setOverride(ctx, room, user, fmt.Sprintf("Email Set to \"%s\"", arg))
	}

	switch user.AuthState {
	case domain.AuthLoggedOut:
		if command != "start" || arg != "" {
			return m.reply(ctx, room, HelpText)
		}
		return m.start(ctx, room, user)
	case domain.AuthWaitingForToken:
		return m.exchange(ctx, room, user, body)
	case domain.AuthLoggedIn:
		if command != "logout" || arg != "" {
			return m.reply(ctx, room, HelpText)
		}
		return m.logout(ctx, room, user)
	default:
		return fmt.Errorf("user %s in unknown auth state %q", user.ID, user.AuthState)
	}
}

func (m *Machine) start(ctx context.Context, room id.RoomID, user domain.User) error {
	url := m.provider.AuthURL(user.ID)
	if err := m.reply(ctx, room, fmt.Sprintf(authURLTemplate, url)); err != nil {
		return err
	}
	user.AuthState = domain.AuthWaitingForToken
	if err := m.users.Upsert(ctx, user); err != nil {
		return err
	}
	m.logger.Info("oauth flow started", "user_id", user.ID)
	return nil
}

func (m *Machine) exchange(ctx context.Context, room id.RoomID, user domain.User, code string) error {
	tok, err := m.provider.Exchange(ctx, code)
	if err != nil {
		var exchangeErr *mail.ExchangeError
		if !errors.As(err, &exchangeErr) {
			return fmt.Errorf("exchange code: %w", err)
		}
		m.logger.Warn("authorization code rejected", "user_id", user.ID, "err", err)
		return m.reply(ctx, room, exchangeErr.Reason+loginRetrySuffix)
	}

	loggedIn := user.LoggedIn(tok)
	if _, err := loggedIn.User().Narrow(); err != nil {
		return err
	}
	if err := m.users.Upsert(ctx, loggedIn.User()); err != nil {
		return err
	}
	if err := m.sync.Start(ctx, loggedIn); err != nil {
		return fmt.Errorf("start mail sync: %w", err)
	}
	m.logger.Info("user logged in", "user_id", user.ID, "email", tok.Email)
	return m.reply(ctx, room, "Login was successful as "+tok.Email)
}

func (m *Machine) logout(ctx context.Context, room id.RoomID, user domain.User) error {
	if user.Token != nil {
		if err := m.provider.Revoke(ctx, *user.Token); err != nil {
			m.logger.Warn("token revocation failed", "user_id", user.ID, "err", err)
		}
	}
	m.sync.Stop(user.ID)
	if err := m.users.Upsert(ctx, user.LoggedOut()); err != nil {
		return err
	}
	m.logger.Info("user logged out", "user_id", user.ID)
	return m.reply(ctx, room, "Logout was successful")
}

// Expire forces a user whose token the provider rejected back to logged
// out. Users already logged out are left alone.
func (m *Machine) Expire(ctx context.Context, userID string) error {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user.AuthState == domain.AuthLoggedOut {
		return nil
	}
	m.sync.Stop(userID)
	if err := m.users.Upsert(ctx, user.LoggedOut()); err != nil {
		return err
	}
	m.logger.Warn("token expired, user logged out", "user_id", userID, "state", user.AuthState)
	if user.AuthRoom == "" {
		return nil
	}
	if err := m.reply(ctx, id.RoomID(user.AuthRoom), TokenExpiredText); err != nil {
		m.logger.Warn("token expired notice failed", "user_id", userID, "room_id", user.AuthRoom, "err", err)
	}
	return nil
}

type statusView struct {
	MatrixID  string           `json:"matrixId"`
	AuthState domain.AuthState `json:"authState"`
	Name      string           `json:"name,omitempty"`
	Email     string           `json:"email,omitempty"`
}

func (m *Machine) status(ctx context.Context, room id.RoomID, user domain.User) error {
	body, err := json.MarshalIndent(statusView{
		MatrixID:  user.ID,
		AuthState: user.AuthState,
		Name:      user.EmailName,
		Email:     user.ResolvedEmail(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = m.delivery.Send(ctx, "", room, chat.Message{
		Type: event.MsgText,
		Body: "Auth: \n" + string(body),
		HTML: "Auth: <pre>" + html.EscapeString(string(body)) + "</pre>",
	})
	return err
}

// setOverride persists a name or email override and restarts the user's
// mail client so the change applies to the next cycle.
func (m *Machine) setOverride(ctx context.Context, room id.RoomID, user domain.User, confirm string) error {
	if err := m.users.Upsert(ctx, user); err != nil {
		return err
	}
	if loggedIn, err := user.Narrow(); err == nil {
		m.sync.Stop(user.ID)
		if err := m.sync.Start(ctx, loggedIn); err != nil {
			return fmt.Errorf("restart mail sync: %w", err)
		}
	}
	return m.reply(ctx, room, confirm)
}

func (m *Machine) reply(ctx context.Context, room id.RoomID, text string) error {
	if _, err := m.delivery.Send(ctx, "", room, chat.Notice(text)); err != nil {
		return fmt.Errorf("reply in auth room: %w", err)
	}
	return nil
}
