package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/naming"
	"gmailbridge/pkg/store"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/chat/chattest"
)

const (
	botID = id.UserID("@appservice-gmail:hs")
	human = id.UserID("@bob:hs")
	room  = id.RoomID("!room:hs")
)

var codec = naming.New("_gmail_bridge_", "hs")

// setup invites a virtual account as inviter, posts texts, then joins it.
// It returns the join event as the dispatcher would see it.
func setup(t *testing.T, inviter id.UserID, texts ...string) (*chattest.Transport, *event.Event) {
	t.Helper()
	ctx := context.Background()
	tr := chattest.New(botID)
	tr.AddRoom(room, "Room", botID, human)
	virtual := codec.AccountID("x@y.com")

	if err := tr.Invite(ctx, inviter, room, virtual); err != nil {
		t.Fatalf("invite: %v", err)
	}
	invite := lastEvent(tr)
	for _, text := range texts {
		if _, err := tr.Send(ctx, human, room, chat.Notice(text)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := tr.Join(ctx, virtual, room); err != nil {
		t.Fatalf("join: %v", err)
	}
	join := *lastEvent(tr)
	join.Unsigned.ReplacesState = invite.ID
	return tr, &join
}

func lastEvent(tr *chattest.Transport) *event.Event {
	events := tr.Room(room).Events
	return events[len(events)-1]
}

// ingest mimics the dispatcher: each id passes the ledger once.
type ingest struct {
	ledger  *store.Ledger
	checked map[id.EventID]int
	applied []string
}

func newIngest() *ingest {
	return &ingest{ledger: store.NewLedger(store.NewMemoryKV()), checked: make(map[id.EventID]int)}
}

func (in *ingest) handle(ctx context.Context, evt *event.Event) error {
	in.checked[evt.ID]++
	seen, err := in.ledger.Seen(ctx, evt.ID.String())
	if err != nil || seen {
		return err
	}
	in.applied = append(in.applied, chat.MessageContent(evt).Body)
	return in.ledger.Record(ctx, evt.ID.String())
}

func TestReplayDeliversMessagesBetweenInviteAndJoin(t *testing.T) {
	tr, join := setup(t, human, "one", "two", "three")
	in := newIngest()
	if err := New(tr, codec).Replay(context.Background(), join, in.handle); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(in.applied) != 3 || in.applied[0] != "one" || in.applied[2] != "three" {
		t.Fatalf("applied = %v", in.applied)
	}
	for evtID, n := range in.checked {
		if n != 1 {
			t.Fatalf("event %s checked %d times", evtID, n)
		}
	}
}

func TestReplayIsIdempotentThroughLedger(t *testing.T) {
	tr, join := setup(t, human, "one", "two")
	in := newIngest()
	r := New(tr, codec)
	for i := 0; i < 2; i++ {
		if err := r.Replay(context.Background(), join, in.handle); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if len(in.applied) != 2 {
		t.Fatalf("applied = %v", in.applied)
	}
}

func TestReplaySkipsBridgeInvites(t *testing.T) {
	tr, join := setup(t, botID, "one")
	in := newIngest()
	if err := New(tr, codec).Replay(context.Background(), join, in.handle); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(in.checked) != 0 {
		t.Fatalf("replayed %d events for a bridge invite", len(in.checked))
	}
}

func TestReplayAbandonsWhenOutsideWindow(t *testing.T) {
	tr, join := setup(t, human, "one", "two", "three")
	r := New(tr, codec)
	r.window = 3
	in := newIngest()
	if err := r.Replay(context.Background(), join, in.handle); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(in.checked) != 0 {
		t.Fatalf("partial replay of %d events", len(in.checked))
	}
}

// captureErrors points r's logger at a buffer and returns the decoded
// error records on demand.
func captureErrors(t *testing.T, r *Replayer) func() []map[string]any {
	t.Helper()
	var buf bytes.Buffer
	r.logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	return func() []map[string]any {
		var records []map[string]any
		dec := json.NewDecoder(&buf)
		for dec.More() {
			var rec map[string]any
			if err := dec.Decode(&rec); err != nil {
				t.Fatalf("decode log: %v", err)
			}
			records = append(records, rec)
		}
		return records
	}
}

func TestReplayIgnoresJoinsWithoutHistory(t *testing.T) {
	tr, join := setup(t, human, "one")
	join.Unsigned.ReplacesState = ""
	r := New(tr, codec)
	errorsLogged := captureErrors(t, r)
	in := newIngest()
	if err := r.Replay(context.Background(), join, in.handle); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(in.checked) != 0 {
		t.Fatal("replayed without an invite")
	}
	records := errorsLogged()
	if len(records) != 1 {
		t.Fatalf("error records = %v", records)
	}
	if records[0]["room_id"] != room.String() || records[0]["join_id"] != join.ID.String() {
		t.Fatalf("record = %v", records[0])
	}
}

func TestReplayLogsMissingInvite(t *testing.T) {
	tr, join := setup(t, human, "one")
	join.Unsigned.ReplacesState = "$gone"
	r := New(tr, codec)
	errorsLogged := captureErrors(t, r)
	in := newIngest()
	if err := r.Replay(context.Background(), join, in.handle); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(in.checked) != 0 {
		t.Fatal("replayed without a visible invite")
	}
	records := errorsLogged()
	if len(records) != 1 {
		t.Fatalf("error records = %v", records)
	}
	rec := records[0]
	if rec["level"] != "ERROR" || rec["room_id"] != room.String() || rec["join_id"] != join.ID.String() || rec["invite_id"] != "$gone" {
		t.Fatalf("record = %v", rec)
	}
}
