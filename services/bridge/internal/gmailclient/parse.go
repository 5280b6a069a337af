package gmailclient

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"gmailbridge/pkg/domain"
)

// ParseMail converts a raw RFC 5322 message into a normalized domain.Mail.
func ParseMail(mailID, threadID string, raw []byte) (domain.Mail, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return domain.Mail{}, fmt.Errorf("parse mime: %w", err)
	}
	from, err := addresses(env, "From")
	if err != nil {
		return domain.Mail{}, err
	}
	if len(from) == 0 {
		return domain.Mail{}, errors.New("parse mime: missing sender")
	}
	to, err := addresses(env, "To")
	if err != nil {
		return domain.Mail{}, err
	}
	cc, err := addresses(env, "Cc")
	if err != nil {
		return domain.Mail{}, err
	}

	body, htmlBody := bodies(env)
	if env.GetHeader("In-Reply-To") != "" || strings.Contains(htmlBody, quoteClass) {
		if stripped, ok := StripQuotes(htmlBody); ok {
			htmlBody = stripped
			body = HTMLToText(stripped)
		}
	}

	return domain.Mail{
		ID:       mailID,
		ThreadID: threadID,
		Sender:   from[0],
		To:       to,
		Cc:       cc,
		Content: domain.Content{
			Body:        body,
			HTML:        SanitizeHTML(htmlBody),
			Subject:     env.GetHeader("Subject"),
			Attachments: attachments(env, body, htmlBody),
		},
	}, nil
}

func addresses(env *enmime.Envelope, header string) ([]string, error) {
	list, err := env.AddressList(header)
	if errors.Is(err, mail.ErrHeaderNotPresent) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s header: %w", header, err)
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out, nil
}

// bodies returns the plain and HTML bodies, deriving whichever is missing.
// enmime down-converts HTML into env.Text, so a real text/plain part is
// looked up explicitly.
func bodies(env *enmime.Envelope) (string, string) {
	hasText := env.Root != nil && env.Root.BreadthMatchFirst(func(p *enmime.Part) bool {
		return p.ContentType == "text/plain" && !strings.HasPrefix(p.Disposition, "attachment")
	}) != nil
	hasHTML := strings.TrimSpace(env.HTML) != ""
	switch {
	case !hasText && !hasHTML:
		return "", "<div></div>"
	case !hasText:
		return HTMLToText(env.HTML), env.HTML
	case !hasHTML:
		return env.Text, TextToHTML(env.Text)
	default:
		return env.Text, env.HTML
	}
}

// attachments keeps every attachment except inline parts that neither the
// HTML (by content id) nor the text (by "[image: name]" marker) references.
// Related parts without a disposition (env.OtherParts) are treated as inline.
func attachments(env *enmime.Envelope, body, htmlBody string) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(env.Attachments)+len(env.Inlines))
	add := func(p *enmime.Part, inline bool) {
		cid := strings.Trim(p.ContentID, "<>")
		referenced := (cid != "" && strings.Contains(htmlBody, cid)) ||
			(p.FileName != "" && strings.Contains(body, "[image: "+p.FileName+"]"))
		if inline && !referenced {
			return
		}
		name := p.FileName
		if name == "" {
			name = cid
		}
		out = append(out, domain.Attachment{
			MimeType: p.ContentType,
			Content:  p.Content,
			Name:     name,
		})
	}
	for _, p := range env.Attachments {
		add(p, strings.HasPrefix(strings.ToLower(p.Disposition), "inline"))
	}
	for _, p := range env.Inlines {
		add(p, strings.HasPrefix(strings.ToLower(p.Disposition), "inline"))
	}
	for _, p := range env.OtherParts {
		if p.ContentType == "" || strings.HasPrefix(p.ContentType, "multipart/") {
			continue
		}
		add(p, true)
	}
	return out
}
