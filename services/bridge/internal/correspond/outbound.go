package correspond

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/auth"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/mail"
	"gmailbridge/services/bridge/internal/metrics"
)

// Reply sends a message typed in a thread room as mail. members must be the
// room's current membership as returned by Members.
func (e *Engine) Reply(ctx context.Context, evt *event.Event, members Members) error {
	room := evt.RoomID
	if !members.Appservice && len(members.Bots) > 0 {
		e.logger.Error("thread room is missing the appservice account, re-inviting", "room_id", room, "bots", members.Bots)
		if err := chat.InviteAndJoin(ctx, e.chat, members.Bots[0], e.chat.BotID(), room); err != nil {
			return err
		}
	}

	user, err := e.users.Get(ctx, evt.Sender.String())
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	owner, err := user.Narrow()
	if err != nil {
		e.logger.Debug("message from user without login", "user_id", evt.Sender, "reason", err)
		return e.Notify(ctx, room, auth.HelpText)
	}

	err = e.reply(ctx, owner, evt, members)
	if errors.Is(err, mail.ErrTokenExpired) {
		return e.expire(ctx, owner, room)
	}
	return err
}

func (e *Engine) reply(ctx context.Context, owner domain.LoggedInUser, evt *event.Event, members Members) error {
	room := evt.RoomID
	content, err := e.contentOf(ctx, evt)
	if err != nil {
		return err
	}
	thread, err := e.ThreadOfRoom(ctx, room)
	if err != nil {
		return err
	}
	to, cc, err := e.recipients(ctx, owner, room, members)
	if err != nil {
		return err
	}

	mailbox, err := e.provider.Open(ctx, owner, e.fromName(owner))
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}
	draft := domain.PreparedMail{ThreadID: thread, To: to, Cc: cc, Content: content}
	if thread == "" {
		name, err := e.chat.RoomName(ctx, room)
		if err != nil {
			return err
		}
		draft.Content.Subject = name
	}
	sent, err := mailbox.Send(ctx, draft)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	metrics.MailsSent.Inc()
	e.logger.Info("mail sent", "user_id", owner.ID(), "room_id", room, "thread_id", sent, "new_thread", thread == "")
	if thread != "" {
		return nil
	}
	alias := e.codec.Alias(sent, owner.Email())
	if err := e.chat.PutAlias(ctx, alias, room); err != nil {
		return fmt.Errorf("bind room to thread: %w", err)
	}
	return nil
}

// recipients prefers the to/cc carried by the latest bridged mail in the
// room (reply-all), falling back to the room's roles.
func (e *Engine) recipients(ctx context.Context, owner domain.LoggedInUser, room id.RoomID, members Members) (to, cc []string, err error) {
	latest, err := e.chat.LatestMessage(ctx, room, members.Bots)
	if err != nil {
		return nil, nil, err
	}
	if latest != nil {
		metaTo, okTo := chat.StringList(latest.Content.Raw, chat.MetaTo)
		metaCc, okCc := chat.StringList(latest.Content.Raw, chat.MetaCc)
		if okTo && okCc {
			if sender, ok := e.codec.ExtractEmail(latest.Sender); ok {
				metaTo = appendUnique(append([]string(nil), metaTo...), sender)
			}
			return metaTo, metaCc, nil
		}
	}

	levels, err := e.chat.PowerLevels(ctx, room)
	if err != nil {
		return nil, nil, err
	}
	to, cc = Recipients(e.codec, levels, members.Bots)
	return appendUnique(to, owner.Email()), cc, nil
}

func (e *Engine) expire(ctx context.Context, owner domain.LoggedInUser, room id.RoomID) error {
	if e.throttle == nil || e.throttle.Allow(ctx, "token-expired:"+owner.ID()) {
		if err := e.Notify(ctx, room, auth.TokenExpiredText); err != nil {
			return err
		}
	} else {
		e.logger.Warn("token expired notice throttled", "user_id", owner.ID(), "room_id", room)
	}
	if e.sessions == nil {
		return nil
	}
	return e.sessions.Expire(ctx, owner.ID())
}

// contentOf converts a text or media event into mail content.
func (e *Engine) contentOf(ctx context.Context, evt *event.Event) (domain.Content, error) {
	msg := chat.MessageContent(evt)
	if msg == nil {
		return domain.Content{}, fmt.Errorf("event %s has no message content", evt.ID)
	}
	switch chat.Classify(evt) {
	case chat.KindText:
		htmlBody := msg.FormattedBody
		if msg.Format != event.FormatHTML || htmlBody == "" {
			htmlBody = "<div>" + html.EscapeString(msg.Body) + "</div>"
		}
		return domain.Content{Body: msg.Body, HTML: htmlBody}, nil
	case chat.KindMedia:
		data, err := e.chat.Download(ctx, msg.URL)
		if err != nil {
			return domain.Content{}, err
		}
		name := msg.Body
		if msg.FileName != "" {
			name = msg.FileName
		}
		return domain.Content{
			Body: name,
			HTML: "<div>" + html.EscapeString(name) + "</div>",
			Attachments: []domain.Attachment{{
				MimeType: MediaMimeType(msg, name),
				Content:  data,
				Name:     name,
			}},
		}, nil
	default:
		return domain.Content{}, fmt.Errorf("event %s is not a text or media message", evt.ID)
	}
}

// MediaMimeType picks the MIME type of an outgoing attachment: the event's
// declared type, else a family default refined by the file extension when
// both agree on the family.
func MediaMimeType(msg *event.MessageEventContent, name string) string {
	if msg.Info != nil && msg.Info.MimeType != "" {
		return msg.Info.MimeType
	}
	var byKind string
	switch msg.MsgType {
	case event.MsgImage:
		byKind = "image/*"
	case event.MsgAudio:
		byKind = "audio/*"
	case event.MsgVideo:
		byKind = "video/*"
	default:
		byKind = "application/octet-stream"
	}
	byName := mime.TypeByExtension(filepath.Ext(name))
	if byName == "" {
		return byKind
	}
	byName, _, _ = strings.Cut(byName, ";")
	family, _, _ := strings.Cut(byName, "/")
	if strings.HasPrefix(byKind, family+"/") {
		return byName
	}
	return byKind
}
