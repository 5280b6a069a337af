package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/domain"
	"gmailbridge/pkg/naming"
	"gmailbridge/pkg/store"
	"gmailbridge/pkg/vault"
	"gmailbridge/services/bridge/internal/auth"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/chat/chattest"
	"gmailbridge/services/bridge/internal/correspond"
	"gmailbridge/services/bridge/internal/mail/mailtest"
	"gmailbridge/services/bridge/internal/replay"
)

const (
	botID      = id.UserID("@appservice-gmail:hs")
	ownerID    = id.UserID("@alice:hs")
	ownerEmail = "alice@example.com"
)

type noSync struct{}

func (noSync) Start(context.Context, domain.LoggedInUser) error { return nil }
func (noSync) Stop(string)                                      {}

type fixture struct {
	dispatcher *Dispatcher
	chat       *chattest.Transport
	provider   *mailtest.Provider
	ledger     *store.Ledger
	codec      naming.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	f := &fixture{
		chat:     chattest.New(botID),
		provider: mailtest.New(ownerEmail),
		ledger:   store.NewLedger(store.NewMemoryKV()),
		codec:    naming.New("_gmail_bridge_", "hs"),
	}
	users := store.NewUsers(store.NewMemoryKV(), v, "")
	owner := domain.NewUser(ownerID.String(), "").LoggedIn(domain.Token{
		AccessToken: "a", RefreshToken: "r", Email: ownerEmail, Expiry: time.Now().Add(time.Hour),
	})
	if err := users.Upsert(context.Background(), owner.User()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	engine := correspond.New(correspond.Options{Chat: f.chat, Codec: f.codec, Provider: f.provider, Users: users})
	machine := auth.New(auth.Options{Users: users, Provider: f.provider, Sync: noSync{}, Chat: f.chat})
	engine.SetSessions(machine)
	f.dispatcher = New(Options{
		Chat:      f.chat,
		Codec:     f.codec,
		Ledger:    f.ledger,
		Threads:   engine,
		Auth:      machine,
		Replayer:  replay.New(f.chat, f.codec),
		RetryBase: time.Millisecond,
	})
	return f
}

func (f *fixture) lastEvent(room id.RoomID) *event.Event {
	events := f.chat.Room(room).Events
	evt := *events[len(events)-1]
	return &evt
}

func text(evtID id.EventID, room id.RoomID, sender id.UserID, body string) *event.Event {
	return &event.Event{
		ID:      evtID,
		RoomID:  room,
		Sender:  sender,
		Type:    event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}},
	}
}

func (f *fixture) threadRoom(room id.RoomID) id.UserID {
	virtual := f.codec.AccountID("bob@example.com")
	f.chat.AddRoom(room, "Plans", botID, ownerID, virtual)
	return virtual
}

func TestDuplicateEventSendsOneMail(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!thread:hs")
	f.threadRoom(room)
	evt := text("$reply", room, ownerID, "see you there")
	ctx := context.Background()

	if err := f.dispatcher.HandleTransaction(ctx, "txn1", []*event.Event{evt, evt}); err != nil {
		t.Fatalf("txn1: %v", err)
	}
	if err := f.dispatcher.HandleTransaction(ctx, "txn1", []*event.Event{evt}); err != nil {
		t.Fatalf("txn1 resent: %v", err)
	}
	if got := len(f.provider.Mailbox(ownerEmail).SentMails()); got != 1 {
		t.Fatalf("sent %d mails, want 1", got)
	}
}

func TestAuthRoomMessagesReachAuthMachine(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!dm:hs")
	f.chat.AddRoom(room, "", botID, ownerID)
	if err := f.dispatcher.HandleEvent(context.Background(), text("$help", room, ownerID, "help")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !f.chat.HasNotice(room, "OAUTH_FLOW") {
		t.Fatal("help not sent in auth room")
	}
}

func TestRoomsWithTwoHumansAreRefused(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!crowd:hs")
	f.threadRoom(room)
	f.chat.Room(room).Joined["@carol:hs"] = true
	if err := f.dispatcher.HandleEvent(context.Background(), text("$m", room, ownerID, "hi")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !f.chat.HasNotice(room, auth.OneUserText) {
		t.Fatal("refusal not sent")
	}
	if len(f.provider.Mailbox(ownerEmail).SentMails()) != 0 {
		t.Fatal("mail sent from crowded room")
	}
}

func TestOwnMessagesAreRecordedAndIgnored(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!thread:hs")
	virtual := f.threadRoom(room)
	ctx := context.Background()
	if err := f.dispatcher.HandleEvent(ctx, text("$own", room, virtual, "bridged mail")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if seen, _ := f.ledger.Seen(ctx, "$own"); !seen {
		t.Fatal("own event not recorded")
	}
	if len(f.provider.Mailbox(ownerEmail).SentMails()) != 0 {
		t.Fatal("own message echoed as mail")
	}
}

func TestInviteToBridgeAccountIsAccepted(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!new:hs")
	f.chat.AddRoom(room, "", ownerID)
	ctx := context.Background()
	if err := f.chat.Invite(ctx, ownerID, room, botID); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := f.dispatcher.HandleEvent(ctx, f.lastEvent(room)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !f.chat.Room(room).Joined[botID] {
		t.Fatal("bridge account did not join")
	}
	if !f.chat.HasNotice(room, "OAUTH_FLOW") {
		t.Fatal("help not sent after join")
	}
}

func TestInviteToVirtualAccountBringsBridgeAlong(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!adhoc:hs")
	f.chat.AddRoom(room, "Adhoc", ownerID)
	virtual := f.codec.AccountID("bob@example.com")
	ctx := context.Background()
	if err := f.chat.Invite(ctx, ownerID, room, virtual); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := f.dispatcher.HandleEvent(ctx, f.lastEvent(room)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	r := f.chat.Room(room)
	if !r.Joined[virtual] || !r.Joined[botID] {
		t.Fatalf("joined = %v", r.Joined)
	}
}

func TestInvalidVirtualInviteIgnored(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!bad:hs")
	f.chat.AddRoom(room, "", ownerID)
	ctx := context.Background()
	bogus := id.UserID("@_gmail_bridge_not-an-email:hs")
	if err := f.chat.Invite(ctx, ownerID, room, bogus); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := f.dispatcher.HandleEvent(ctx, f.lastEvent(room)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.chat.Room(room).Joined[bogus] {
		t.Fatal("invalid account joined")
	}
}

func TestJoinReplaysMissedMessages(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!late:hs")
	f.chat.AddRoom(room, "Late", botID, ownerID)
	virtual := f.codec.AccountID("bob@example.com")
	ctx := context.Background()

	if err := f.chat.Invite(ctx, ownerID, room, virtual); err != nil {
		t.Fatalf("invite: %v", err)
	}
	invite := f.lastEvent(room)
	var missed []*event.Event
	for _, body := range []string{"one", "two", "three"} {
		if _, err := f.chat.Send(ctx, ownerID, room, chat.Notice(body)); err != nil {
			t.Fatalf("send: %v", err)
		}
		missed = append(missed, f.lastEvent(room))
	}
	if err := f.chat.Join(ctx, virtual, room); err != nil {
		t.Fatalf("join: %v", err)
	}
	join := f.lastEvent(room)
	join.Unsigned.ReplacesState = invite.ID

	if err := f.dispatcher.HandleEvent(ctx, join); err != nil {
		t.Fatalf("handle join: %v", err)
	}
	// The homeserver may still deliver the missed events later.
	if err := f.dispatcher.HandleTransaction(ctx, "late", missed); err != nil {
		t.Fatalf("late delivery: %v", err)
	}
	sent := f.provider.Mailbox(ownerEmail).SentMails()
	if len(sent) != 3 || sent[0].Content.Body != "one" || sent[2].Content.Body != "three" {
		t.Fatalf("sent = %+v", sent)
	}
	for _, evt := range missed {
		if seen, _ := f.ledger.Seen(ctx, evt.ID.String()); !seen {
			t.Fatalf("replayed event %s not recorded", evt.ID)
		}
	}
}

func TestFailingEventEscalatesAfterRetries(t *testing.T) {
	f := newFixture(t)
	room := id.RoomID("!thread:hs")
	f.threadRoom(room)
	f.provider.Mailbox(ownerEmail).SetErr(errors.New("backend unavailable"))
	ctx := context.Background()

	err := f.dispatcher.HandleTransaction(ctx, "txn9", []*event.Event{text("$fail", room, ownerID, "hi")})
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("err = %v, want *DispatchError", err)
	}
	if dispatchErr.Attempts != DefaultAttempts || dispatchErr.EventID != "$fail" || !IsFatal(err) {
		t.Fatalf("dispatch error = %+v", dispatchErr)
	}
	if !strings.Contains(err.Error(), "backend unavailable") {
		t.Fatalf("err = %v", err)
	}
	if seen, _ := f.ledger.Seen(ctx, "$fail"); seen {
		t.Fatal("failed event recorded")
	}
}
