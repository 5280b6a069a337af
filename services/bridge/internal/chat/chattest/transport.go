// Package chattest provides an in-memory chat.Transport for tests.
package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/services/bridge/internal/chat"
)

// Room is the fake's view of one room.
type Room struct {
	ID      id.RoomID
	Name    string
	Joined  map[id.UserID]bool
	Invited map[id.UserID]bool
	Levels  *event.PowerLevelsEventContent
	Aliases []id.RoomAlias
	Events  []*event.Event
}

// Sent records one Send call.
type Sent struct {
	As      id.UserID
	Room    id.RoomID
	Message chat.Message
	EventID id.EventID
}

type Transport struct {
	mu       sync.Mutex
	bot      id.UserID
	rooms    map[id.RoomID]*Room
	aliases  map[id.RoomAlias]id.RoomID
	accounts map[id.UserID]bool
	media    map[id.ContentURIString][]byte
	seq      int

	Sent []Sent
	// SendErr, when set, can reject a Send before it is recorded.
	SendErr func(as id.UserID, room id.RoomID, msg chat.Message) error
}

var _ chat.Transport = (*Transport)(nil)

func New(bot id.UserID) *Transport {
	return &Transport{
		bot:      bot,
		rooms:    make(map[id.RoomID]*Room),
		aliases:  make(map[id.RoomAlias]id.RoomID),
		accounts: map[id.UserID]bool{bot: true},
		media:    make(map[id.ContentURIString][]byte),
	}
}

func (t *Transport) BotID() id.UserID { return t.bot }

func (t *Transport) next(prefix string) string {
	t.seq++
	return fmt.Sprintf("%s%d", prefix, t.seq)
}

func (t *Transport) actor(as id.UserID) id.UserID {
	if as == "" {
		return t.bot
	}
	return as
}

// AddRoom registers a pre-existing room with the given joined members.
func (t *Transport) AddRoom(room id.RoomID, name string, joined ...id.UserID) *Room {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &Room{
		ID:      room,
		Name:    name,
		Joined:  make(map[id.UserID]bool),
		Invited: make(map[id.UserID]bool),
		Levels:  &event.PowerLevelsEventContent{Users: map[id.UserID]int{}},
	}
	for _, user := range joined {
		r.Joined[user] = true
	}
	t.rooms[room] = r
	return r
}

// Room returns the room state, or nil.
func (t *Transport) Room(room id.RoomID) *Room {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms[room]
}

// Accounts lists registered accounts.
func (t *Transport) Accounts() []id.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]id.UserID, 0, len(t.accounts))
	for user := range t.accounts {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SentTo returns the messages posted into room.
func (t *Transport) SentTo(room id.RoomID) []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Sent
	for _, s := range t.Sent {
		if s.Room == room {
			out = append(out, s)
		}
	}
	return out
}

// AppendEvent adds a raw event to a room's timeline.
func (t *Transport) AppendEvent(evt *event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r := t.rooms[evt.RoomID]; r != nil {
		r.Events = append(r.Events, evt)
	}
}

func (t *Transport) EnsureAccount(_ context.Context, user id.UserID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accounts[user] = true
	return nil
}

func (t *Transport) CreateRoom(_ context.Context, req chat.CreateRoom) (id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := id.RoomID(t.next("!room") + ":hs")
	r := &Room{
		ID:      room,
		Name:    req.Name,
		Joined:  map[id.UserID]bool{t.bot: true},
		Invited: make(map[id.UserID]bool),
		Levels:  &event.PowerLevelsEventContent{Users: map[id.UserID]int{t.bot: 100}},
	}
	for user, level := range req.PowerLevels {
		r.Levels.Users[user] = level
	}
	for _, user := range req.Invite {
		r.Invited[user] = true
	}
	if req.AliasLocalpart != "" {
		alias := id.RoomAlias("#" + req.AliasLocalpart + ":" + t.bot.Homeserver())
		if _, taken := t.aliases[alias]; taken {
			return "", mautrix.MRoomInUse
		}
		t.aliases[alias] = room
		r.Aliases = append(r.Aliases, alias)
	}
	t.rooms[room] = r
	return room, nil
}

func (t *Transport) Invite(_ context.Context, as id.UserID, room id.RoomID, user id.UserID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return mautrix.MNotFound
	}
	if !r.Joined[t.actor(as)] || r.Joined[user] {
		return mautrix.MForbidden
	}
	r.Invited[user] = true
	r.Events = append(r.Events, t.memberEvent(room, t.actor(as), user, event.MembershipInvite))
	return nil
}

func (t *Transport) Join(_ context.Context, as id.UserID, room id.RoomID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return mautrix.MNotFound
	}
	user := t.actor(as)
	if r.Joined[user] {
		return nil
	}
	if !r.Invited[user] {
		return mautrix.MForbidden
	}
	delete(r.Invited, user)
	r.Joined[user] = true
	r.Events = append(r.Events, t.memberEvent(room, user, user, event.MembershipJoin))
	return nil
}

func (t *Transport) memberEvent(room id.RoomID, sender, target id.UserID, membership event.Membership) *event.Event {
	key := target.String()
	return &event.Event{
		ID:       id.EventID(t.next("$member")),
		RoomID:   room,
		Sender:   sender,
		Type:     event.StateMember,
		StateKey: &key,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: membership}},
	}
}

func (t *Transport) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aliases[alias], nil
}

func (t *Transport) PutAlias(_ context.Context, alias id.RoomAlias, room id.RoomID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return mautrix.MNotFound
	}
	if _, taken := t.aliases[alias]; taken {
		return mautrix.MRoomInUse
	}
	t.aliases[alias] = room
	r.Aliases = append(r.Aliases, alias)
	return nil
}

func (t *Transport) Aliases(_ context.Context, room id.RoomID) ([]id.RoomAlias, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return nil, mautrix.MNotFound
	}
	return append([]id.RoomAlias(nil), r.Aliases...), nil
}

func (t *Transport) Members(_ context.Context, room id.RoomID) ([]id.UserID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return nil, mautrix.MNotFound
	}
	out := make([]id.UserID, 0, len(r.Joined))
	for user := range r.Joined {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *Transport) PowerLevels(_ context.Context, room id.RoomID) (*event.PowerLevelsEventContent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return nil, mautrix.MNotFound
	}
	return r.Levels.Clone(), nil
}

func (t *Transport) SetPowerLevels(_ context.Context, room id.RoomID, levels *event.PowerLevelsEventContent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return mautrix.MNotFound
	}
	r.Levels = levels.Clone()
	return nil
}

func (t *Transport) RoomName(_ context.Context, room id.RoomID) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return "", mautrix.MNotFound
	}
	return r.Name, nil
}

func (t *Transport) Send(_ context.Context, as id.UserID, room id.RoomID, msg chat.Message) (id.EventID, error) {
	if t.SendErr != nil {
		if err := t.SendErr(as, room, msg); err != nil {
			return "", err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return "", mautrix.MNotFound
	}
	sender := t.actor(as)
	if !r.Joined[sender] {
		return "", mautrix.MForbidden
	}
	raw, err := json.Marshal(msg.Content())
	if err != nil {
		return "", err
	}
	evtID := id.EventID(t.next("$event"))
	evt := &event.Event{ID: evtID, RoomID: room, Sender: sender, Type: event.EventMessage}
	if err := json.Unmarshal(raw, &evt.Content); err != nil {
		return "", err
	}
	chat.ParseContent(evt)
	r.Events = append(r.Events, evt)
	t.Sent = append(t.Sent, Sent{As: sender, Room: room, Message: msg, EventID: evtID})
	return evtID, nil
}

func (t *Transport) Upload(_ context.Context, _ id.UserID, data []byte, _, _ string) (id.ContentURIString, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	uri := id.ContentURIString("mxc://hs/" + t.next("media"))
	t.media[uri] = append([]byte(nil), data...)
	return uri, nil
}

// PutMedia stores media so that Download can return it.
func (t *Transport) PutMedia(uri id.ContentURIString, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.media[uri] = data
}

func (t *Transport) Download(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.media[uri]
	if !ok {
		return nil, mautrix.MNotFound
	}
	return data, nil
}

func (t *Transport) Event(_ context.Context, _ id.UserID, room id.RoomID, eventID id.EventID) (*event.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return nil, mautrix.MNotFound
	}
	for _, evt := range r.Events {
		if evt.ID == eventID {
			return evt, nil
		}
	}
	return nil, mautrix.MNotFound
}

func (t *Transport) Timeline(_ context.Context, _ id.UserID, room id.RoomID, limit int) ([]*event.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return nil, mautrix.MNotFound
	}
	events := r.Events
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]*event.Event(nil), events...), nil
}

func (t *Transport) LatestMessage(_ context.Context, room id.RoomID, senders []id.UserID) (*event.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[room]
	if r == nil {
		return nil, mautrix.MNotFound
	}
	allowed := make(map[id.UserID]bool, len(senders))
	for _, s := range senders {
		allowed[s] = true
	}
	for i := len(r.Events) - 1; i >= 0; i-- {
		evt := r.Events[i]
		if evt.Type.Type == event.EventMessage.Type && allowed[evt.Sender] {
			return evt, nil
		}
	}
	return nil, nil
}

// Notices returns the bodies the bridge account posted into room.
func (t *Transport) Notices(room id.RoomID) []string {
	var out []string
	for _, s := range t.SentTo(room) {
		if s.As == t.bot {
			out = append(out, s.Message.Body)
		}
	}
	return out
}

// HasNotice reports whether the bridge posted a notice containing text.
func (t *Transport) HasNotice(room id.RoomID, text string) bool {
	for _, body := range t.Notices(room) {
		if strings.Contains(body, text) {
			return true
		}
	}
	return false
}
