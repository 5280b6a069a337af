package correspond

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/metrics"
)

const ensureConcurrency = 4

// Deliver posts m into the owner's room for its thread, creating the room
// and the participants' virtual accounts as needed. Memberships and roles
// are settled before anything is posted.
func (e *Engine) Deliver(ctx context.Context, owner domain.LoggedInUser, m domain.Mail) error {
	alias := e.codec.Alias(m.ThreadID, owner.Email())
	room, err := e.chat.ResolveAlias(ctx, alias)
	if err != nil {
		return fmt.Errorf("resolve thread alias: %w", err)
	}

	powers := Roles(e.codec, owner.Email(), m)
	bots := sortedAccounts(powers)
	if err := e.ensureAccounts(ctx, bots); err != nil {
		return err
	}

	if room == "" {
		room, err = e.createThreadRoom(ctx, owner, alias, m.Content.Subject, bots, powers)
		if err != nil {
			return err
		}
	} else if err := e.refreshThreadRoom(ctx, room, bots, powers); err != nil {
		return err
	}

	sender := e.codec.AccountID(m.Sender)
	meta := map[string]any{
		chat.MetaTo:     nonNil(m.To),
		chat.MetaCc:     nonNil(m.Cc),
		chat.MetaMailID: m.ID,
		chat.MetaSender: m.Sender,
	}

	attachmentIDs := make([]string, 0, len(m.Content.Attachments))
	for _, a := range m.Content.Attachments {
		evtID, err := e.sendAttachment(ctx, sender, room, a, meta)
		if err != nil {
			return err
		}
		attachmentIDs = append(attachmentIDs, evtID.String())
	}

	bodyMeta := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		bodyMeta[k] = v
	}
	bodyMeta[chat.MetaAttachmentIDs] = attachmentIDs
	msg := chat.Message{Body: m.Content.Body, HTML: m.Content.HTML, Metadata: bodyMeta}
	if _, err := e.delivery.Send(ctx, sender, room, msg); err != nil {
		return fmt.Errorf("send mail body: %w", err)
	}
	metrics.MailsBridged.Inc()
	e.logger.Info("mail delivered", "user_id", owner.ID(), "mail_id", m.ID, "room_id", room, "attachments", len(attachmentIDs))
	return nil
}

func (e *Engine) ensureAccounts(ctx context.Context, bots []id.UserID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ensureConcurrency)
	for _, bot := range bots {
		g.Go(func() error {
			if err := e.chat.EnsureAccount(ctx, bot); err != nil {
				return fmt.Errorf("ensure account %s: %w", bot, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) createThreadRoom(ctx context.Context, owner domain.LoggedInUser, alias id.RoomAlias, subject string, bots []id.UserID, powers map[id.UserID]int) (id.RoomID, error) {
	invite := append([]id.UserID{id.UserID(owner.ID())}, bots...)
	room, err := e.chat.CreateRoom(ctx, chat.CreateRoom{
		AliasLocalpart: e.codec.AliasLocalpart(alias),
		Name:           subject,
		Invite:         invite,
		PowerLevels:    powers,
	})
	if err != nil {
		return "", fmt.Errorf("create thread room: %w", err)
	}
	for _, bot := range bots {
		if err := e.chat.Join(ctx, bot, room); err != nil {
			return "", fmt.Errorf("join %s: %w", bot, err)
		}
	}
	e.logger.Info("thread room created", "user_id", owner.ID(), "room_id", room, "alias", alias)
	return room, nil
}

// refreshThreadRoom brings the participants of the latest mail into room and
// applies the roles derived from that mail.
func (e *Engine) refreshThreadRoom(ctx context.Context, room id.RoomID, bots []id.UserID, powers map[id.UserID]int) error {
	for _, bot := range bots {
		if err := chat.InviteAndJoin(ctx, e.chat, "", bot, room); err != nil {
			return err
		}
	}
	levels, err := e.chat.PowerLevels(ctx, room)
	if err != nil {
		return err
	}
	changed := false
	for _, bot := range bots {
		if levels.GetUserLevel(bot) != powers[bot] {
			levels.SetUserLevel(bot, powers[bot])
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return e.chat.SetPowerLevels(ctx, room, levels)
}

func (e *Engine) sendAttachment(ctx context.Context, sender id.UserID, room id.RoomID, a domain.Attachment, meta map[string]any) (id.EventID, error) {
	uri, err := e.chat.Upload(ctx, sender, a.Content, a.MimeType, a.Name)
	if err != nil {
		return "", fmt.Errorf("upload attachment %q: %w", a.Name, err)
	}
	msg := chat.Message{
		Type:     msgTypeOf(a.Kind()),
		Body:     a.Name,
		URL:      uri,
		Info:     &event.FileInfo{MimeType: a.MimeType, Size: len(a.Content)},
		Metadata: meta,
	}
	evtID, err := e.delivery.Send(ctx, sender, room, msg)
	if err != nil {
		return "", fmt.Errorf("send attachment %q: %w", a.Name, err)
	}
	return evtID, nil
}

func msgTypeOf(kind domain.AttachmentKind) event.MessageType {
	switch kind {
	case domain.AttachmentImage:
		return event.MsgImage
	case domain.AttachmentAudio:
		return event.MsgAudio
	case domain.AttachmentVideo:
		return event.MsgVideo
	default:
		return event.MsgFile
	}
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
