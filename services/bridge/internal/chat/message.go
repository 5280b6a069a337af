package chat

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Metadata keys attached to bridged messages.
const (
	MetaTo            = "to"
	MetaCc            = "cc"
	MetaSender        = "sender"
	MetaMailID        = "mail_id"
	MetaAttachmentIDs = "attachment_ids"
)

// Message is an outgoing m.room.message. Metadata is merged into the top
// level of the event content.
type Message struct {
	Type     event.MessageType
	Body     string
	HTML     string
	URL      id.ContentURIString
	Info     *event.FileInfo
	Metadata map[string]any
}

// Notice builds a plain text message.
func Notice(body string) Message {
	return Message{Type: event.MsgText, Body: body}
}

// WithoutHTML drops the formatted body.
func (m Message) WithoutHTML() Message {
	m.HTML = ""
	return m
}

// Content renders m as event content.
func (m Message) Content() *event.Content {
	msgType := m.Type
	if msgType == "" {
		msgType = event.MsgText
	}
	parsed := &event.MessageEventContent{
		MsgType: msgType,
		Body:    m.Body,
		URL:     m.URL,
		Info:    m.Info,
	}
	if m.HTML != "" {
		parsed.Format = event.FormatHTML
		parsed.FormattedBody = m.HTML
	}
	content := &event.Content{Parsed: parsed}
	if len(m.Metadata) > 0 {
		raw := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			raw[k] = v
		}
		content.Raw = raw
	}
	return content
}

// StringList reads a string array stored under key in raw event content.
func StringList(raw map[string]any, key string) ([]string, bool) {
	v, ok := raw[key]
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
