package gmailclient

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"gmailbridge/pkg/domain"
)

const defaultSubject = "(no subject)"

// ReplyHeaders are copied from the first message of a thread.
type ReplyHeaders struct {
	Subject   string
	MessageID string
}

// ReplySubject prefixes subject with "Re: " unless it already has it.
func ReplySubject(subject string) string {
	if strings.HasPrefix(subject, "Re: ") {
		return subject
	}
	return "Re: " + subject
}

// BuildMIME renders an outgoing message.
func BuildMIME(fromName, fromAddr string, draft domain.PreparedMail, reply *ReplyHeaders) ([]byte, error) {
	subject := draft.Content.Subject
	if reply != nil {
		subject = ReplySubject(reply.Subject)
	}
	if strings.TrimSpace(subject) == "" {
		subject = defaultSubject
	}
	htmlBody := draft.Content.HTML
	if htmlBody == "" {
		htmlBody = TextToHTML(draft.Content.Body)
	}
	text := draft.Content.Body
	if text == "" {
		text = HTMLToText(htmlBody)
	}

	builder := enmime.Builder().
		From(fromName, fromAddr).
		Subject(subject).
		ToAddrs(toAddresses(draft.To)).
		Text([]byte(text)).
		HTML([]byte(htmlBody))
	if len(draft.Cc) > 0 {
		builder = builder.CCAddrs(toAddresses(draft.Cc))
	}
	if reply != nil && reply.MessageID != "" {
		builder = builder.
			Header("In-Reply-To", reply.MessageID).
			Header("References", reply.MessageID)
	}
	for _, a := range draft.Content.Attachments {
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		builder = builder.AddAttachment(a.Content, mimeType, a.Name)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build mime: %w", err)
	}
	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode mime: %w", err)
	}
	return buf.Bytes(), nil
}

func toAddresses(list []string) []mail.Address {
	out := make([]mail.Address, 0, len(list))
	for _, addr := range list {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		out = append(out, mail.Address{Address: addr})
	}
	return out
}
