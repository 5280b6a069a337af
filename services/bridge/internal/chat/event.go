package chat

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
)

// Kind is the closed set of events the bridge reacts to.
type Kind int

const (
	KindOther Kind = iota
	KindMember
	KindText
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindMember:
		return "member"
	case KindText:
		return "text"
	case KindMedia:
		return "media"
	default:
		return "other"
	}
}

// ParseEvent decodes one event of an appservice transaction and parses its
// content for known types.
func ParseEvent(raw json.RawMessage) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ParseContent(&evt)
	return &evt, nil
}

// ParseContent fills evt.Content.Parsed. Unknown types are left unparsed.
func ParseContent(evt *event.Event) {
	if evt == nil {
		return
	}
	if evt.StateKey != nil {
		evt.Type.Class = event.StateEventType
	} else if evt.Type.Class == event.UnknownEventType {
		evt.Type.Class = event.MessageEventType
	}
	if evt.Content.Parsed != nil {
		return
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		evt.Content.Parsed = nil
	}
}

// Classify maps evt onto Kind.
func Classify(evt *event.Event) Kind {
	if evt == nil {
		return KindOther
	}
	switch evt.Type.Type {
	case event.StateMember.Type:
		if evt.StateKey != nil && Membership(evt) != "" {
			return KindMember
		}
	case event.EventMessage.Type:
		msg, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok {
			return KindOther
		}
		switch msg.MsgType {
		case event.MsgText, event.MsgNotice, event.MsgEmote:
			return KindText
		case event.MsgImage, event.MsgAudio, event.MsgVideo, event.MsgFile:
			return KindMedia
		}
	}
	return KindOther
}

// MessageContent returns the parsed message content of evt or nil.
func MessageContent(evt *event.Event) *event.MessageEventContent {
	if evt == nil {
		return nil
	}
	msg, _ := evt.Content.Parsed.(*event.MessageEventContent)
	return msg
}

// Membership returns the membership carried by a member event.
func Membership(evt *event.Event) event.Membership {
	if evt == nil {
		return ""
	}
	member, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return ""
	}
	return member.Membership
}
