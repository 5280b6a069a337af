package gmailclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/mail"
)

const listPageSize = 500

// Mailbox is one user's Gmail mailbox.
type Mailbox struct {
	svc      *gmail.Service
	src      oauth2.TokenSource
	breaker  *breaker
	address  string
	fromName string
	scopes   []string
}

var _ mail.Mailbox = (*Mailbox)(nil)

func (m *Mailbox) Address() string { return m.address }

// Query returns the Gmail search expression for received mail after t.
func Query(after time.Time, self string) string {
	return fmt.Sprintf("after:%d AND NOT label:sent AND NOT from:%s", after.Unix(), self)
}

func (m *Mailbox) ListSince(ctx context.Context, after time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	q := Query(after, m.address)
	pageToken := ""
	for {
		req := m.svc.Users.Messages.List("me").Q(q).MaxResults(listPageSize)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := call(m.breaker, func() (*gmail.ListMessagesResponse, error) {
			return req.Context(ctx).Do()
		})
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, msg := range resp.Messages {
			seen[msg.Id] = struct{}{}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mailbox) ReceivedAt(ctx context.Context, mailID string) (time.Time, error) {
	msg, err := call(m.breaker, func() (*gmail.Message, error) {
		return m.svc.Users.Messages.Get("me", mailID).Format("minimal").Context(ctx).Do()
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("get message %s: %w", mailID, err)
	}
	return time.UnixMilli(msg.InternalDate), nil
}

func (m *Mailbox) Fetch(ctx context.Context, mailID string) (domain.Mail, error) {
	msg, err := call(m.breaker, func() (*gmail.Message, error) {
		return m.svc.Users.Messages.Get("me", mailID).Format("raw").Context(ctx).Do()
	})
	if err != nil {
		return domain.Mail{}, fmt.Errorf("get message %s: %w", mailID, err)
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return domain.Mail{}, fmt.Errorf("decode message %s: %w", mailID, err)
	}
	return ParseMail(msg.Id, msg.ThreadId, raw)
}

func (m *Mailbox) Send(ctx context.Context, draft domain.PreparedMail) (string, error) {
	var reply *ReplyHeaders
	if draft.ThreadID != "" {
		headers, err := m.replyHeaders(ctx, draft.ThreadID)
		if err != nil {
			return "", err
		}
		reply = &headers
	}
	raw, err := BuildMIME(m.fromName, m.address, draft, reply)
	if err != nil {
		return "", err
	}

	msg := &gmail.Message{ThreadId: draft.ThreadID}
	req := m.svc.Users.Messages.Send("me", msg)
	if len(draft.Content.Attachments) > 0 {
		req = req.Media(bytes.NewReader(raw), googleapi.ContentType("message/rfc822"))
	} else {
		msg.Raw = base64.URLEncoding.EncodeToString(raw)
	}
	sent, err := call(m.breaker, func() (*gmail.Message, error) {
		return req.Context(ctx).Do()
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return sent.ThreadId, nil
}

func (m *Mailbox) Token() (domain.Token, error) {
	tok, err := m.src.Token()
	if err != nil {
		return domain.Token{}, classify(err)
	}
	out := fromOAuth(tok, m.address)
	out.Scopes = m.scopes
	return out, nil
}

// replyHeaders reads the subject and Message-ID of the first message of
// threadID.
func (m *Mailbox) replyHeaders(ctx context.Context, threadID string) (ReplyHeaders, error) {
	thread, err := call(m.breaker, func() (*gmail.Thread, error) {
		return m.svc.Users.Threads.Get("me", threadID).
			Format("metadata").
			MetadataHeaders("Subject", "Message-ID").
			Context(ctx).Do()
	})
	if err != nil {
		return ReplyHeaders{}, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	if len(thread.Messages) == 0 || thread.Messages[0].Payload == nil {
		return ReplyHeaders{}, fmt.Errorf("get thread %s: %w", threadID, mail.ErrNotFound)
	}
	var out ReplyHeaders
	for _, h := range thread.Messages[0].Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			out.Subject = h.Value
		case "message-id":
			out.MessageID = h.Value
		}
	}
	return out, nil
}

func decodeRaw(raw string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(raw)
}
