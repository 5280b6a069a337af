// Package mailtest provides an in-memory mail.Provider for tests.
package mailtest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/mail"
)

type Provider struct {
	mu        sync.Mutex
	mailboxes map[string]*Mailbox

	// Email is the address returned by a successful Exchange.
	Email string
	// RefreshErr, when set, is returned by Refresh.
	RefreshErr error
	Refreshed  int
	Revoked    []domain.Token
	Opened     []string
}

var _ mail.Provider = (*Provider)(nil)

func New(email string) *Provider {
	return &Provider{Email: email, mailboxes: make(map[string]*Mailbox)}
}

func (p *Provider) AuthURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

// Exchange accepts every code except "bad" and "noscope".
func (p *Provider) Exchange(_ context.Context, code string) (domain.Token, error) {
	switch strings.TrimSpace(code) {
	case "bad":
		return domain.Token{}, &mail.ExchangeError{Reason: "invalid_grant"}
	case "noscope":
		return domain.Token{}, &mail.ExchangeError{Reason: "Scopes Missing: [gmail.send]"}
	}
	return domain.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Email:        p.Email,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (p *Provider) Refresh(_ context.Context, tok domain.Token) (domain.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RefreshErr != nil {
		return domain.Token{}, p.RefreshErr
	}
	p.Refreshed++
	tok.AccessToken = "refreshed-" + tok.RefreshToken
	tok.Expiry = time.Now().Add(time.Hour)
	return tok, nil
}

func (p *Provider) Revoke(_ context.Context, tok domain.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Revoked = append(p.Revoked, tok)
	return nil
}

func (p *Provider) Open(_ context.Context, user domain.LoggedInUser, fromName string) (mail.Mailbox, error) {
	box := p.Mailbox(user.Email())
	p.mu.Lock()
	p.Opened = append(p.Opened, user.ID())
	p.mu.Unlock()
	box.mu.Lock()
	box.FromName = fromName
	box.token = user.Token()
	box.mu.Unlock()
	return box, nil
}

// Mailbox returns the mailbox for address, creating it on first use.
func (p *Provider) Mailbox(address string) *Mailbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	box := p.mailboxes[strings.ToLower(address)]
	if box == nil {
		box = &Mailbox{address: address, mails: make(map[string]stored)}
		p.mailboxes[strings.ToLower(address)] = box
	}
	return box
}

type stored struct {
	mail domain.Mail
	at   time.Time
}

type Mailbox struct {
	mu       sync.Mutex
	address  string
	mails    map[string]stored
	token    domain.Token
	threadID int

	FromName string
	Sent     []domain.PreparedMail
	Queries  []time.Time
	// Err, when set, fails every call.
	Err error
}

var _ mail.Mailbox = (*Mailbox)(nil)

// Add stores a received mail.
func (m *Mailbox) Add(msg domain.Mail, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mails[msg.ID] = stored{mail: msg, at: at}
}

func (m *Mailbox) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *Mailbox) Address() string { return m.address }

func (m *Mailbox) ListSince(_ context.Context, after time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Queries = append(m.Queries, after)
	var ids []string
	for mailID, s := range m.mails {
		if s.at.After(after) && !strings.EqualFold(s.mail.Sender, m.address) {
			ids = append(ids, mailID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mailbox) ReceivedAt(_ context.Context, mailID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return time.Time{}, m.Err
	}
	s, ok := m.mails[mailID]
	if !ok {
		return time.Time{}, mail.ErrNotFound
	}
	return s.at, nil
}

func (m *Mailbox) Fetch(_ context.Context, mailID string) (domain.Mail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return domain.Mail{}, m.Err
	}
	s, ok := m.mails[mailID]
	if !ok {
		return domain.Mail{}, mail.ErrNotFound
	}
	return s.mail, nil
}

func (m *Mailbox) Send(_ context.Context, draft domain.PreparedMail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, draft)
	if draft.ThreadID != "" {
		return draft.ThreadID, nil
	}
	m.threadID++
	return "thread" + strconv.Itoa(m.threadID), nil
}

func (m *Mailbox) Token() (domain.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return domain.Token{}, m.Err
	}
	return m.token, nil
}

// SentMails returns a copy of the sent drafts.
func (m *Mailbox) SentMails() []domain.PreparedMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PreparedMail(nil), m.Sent...)
}
