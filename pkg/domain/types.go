package domain

import (
	"mime"
	"path/filepath"
	"strings"
	"time"
)

type AuthState string

const (
	AuthLoggedOut       AuthState = "logged_out"
	AuthWaitingForToken AuthState = "waiting_for_token"
	AuthLoggedIn        AuthState = "logged_in"
)

// Token is an OAuth token for one mailbox.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Email        string    `json:"email"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.Expiry)
}

// User is a chat account that talks to the bridge. AuthRoom is the room the
// user last sent login commands from.
type User struct {
	ID           string    `json:"matrixId"`
	AuthState    AuthState `json:"authState"`
	EmailName    string    `json:"emailName,omitempty"`
	EmailAddress string    `json:"emailAddress,omitempty"`
	LastMailID   string    `json:"lastMailId,omitempty"`
	AuthRoom     string    `json:"authRoom,omitempty"`
	Token        *Token    `json:"-"`
}

// NewUser returns the default record for an unseen account.
func NewUser(id, defaultName string) User {
	return User{ID: id, AuthState: AuthLoggedOut, EmailName: defaultName}
}

// ResolvedEmail prefers the user override and falls back to the token email.
func (u User) ResolvedEmail() string {
	if u.EmailAddress != "" {
		return u.EmailAddress
	}
	if u.Token != nil {
		return u.Token.Email
	}
	return ""
}

// Narrow returns the logged-in view of u, or a *StateError when u does not
// satisfy the logged-in invariants.
func (u User) Narrow() (LoggedInUser, error) {
	if u.AuthState != AuthLoggedIn {
		return LoggedInUser{}, &StateError{UserID: u.ID, State: u.AuthState, Reason: "not logged in"}
	}
	if u.Token == nil {
		return LoggedInUser{}, &StateError{UserID: u.ID, State: u.AuthState, Reason: "missing token"}
	}
	if u.ResolvedEmail() == "" {
		return LoggedInUser{}, &StateError{UserID: u.ID, State: u.AuthState, Reason: "missing email address"}
	}
	return LoggedInUser{user: u}, nil
}

// LoggedIn returns u moved into the logged-in state with tok.
func (u User) LoggedIn(tok Token) LoggedInUser {
	u.Token = &tok
	u.AuthState = AuthLoggedIn
	return LoggedInUser{user: u}
}

// LoggedOut strips credentials and returns u in the logged-out state. The
// watermark and display name survive a logout.
func (u User) LoggedOut() User {
	u.Token = nil
	u.EmailAddress = ""
	u.AuthState = AuthLoggedOut
	return u
}

// LoggedInUser is a User that is guaranteed to carry a token and an email.
type LoggedInUser struct {
	user User
}

func (l LoggedInUser) User() User { return l.user }

func (l LoggedInUser) ID() string { return l.user.ID }

func (l LoggedInUser) Email() string { return l.user.ResolvedEmail() }

func (l LoggedInUser) Name() string { return l.user.EmailName }

func (l LoggedInUser) Token() Token { return *l.user.Token }

func (l LoggedInUser) LastMailID() string { return l.user.LastMailID }

// WithToken returns a copy holding a refreshed token.
func (l LoggedInUser) WithToken(tok Token) LoggedInUser {
	l.user.Token = &tok
	return l
}

// WithLastMailID returns a copy with the watermark moved to mailID.
func (l LoggedInUser) WithLastMailID(mailID string) LoggedInUser {
	l.user.LastMailID = mailID
	return l
}

// LoggedOut strips credentials.
func (l LoggedInUser) LoggedOut() User {
	return l.user.LoggedOut()
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
)

type Attachment struct {
	MimeType string `json:"mimeType"`
	Content  []byte `json:"-"`
	Name     string `json:"name"`
}

// Kind derives the media family from the MIME type, falling back to the
// filename extension when the MIME type is generic.
func (a Attachment) Kind() AttachmentKind {
	if k := kindOf(a.MimeType); k != AttachmentFile {
		return k
	}
	if ext := filepath.Ext(a.Name); ext != "" {
		return kindOf(mime.TypeByExtension(ext))
	}
	return AttachmentFile
}

func kindOf(mimeType string) AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image"):
		return AttachmentImage
	case strings.HasPrefix(mimeType, "audio"):
		return AttachmentAudio
	case strings.HasPrefix(mimeType, "video"):
		return AttachmentVideo
	default:
		return AttachmentFile
	}
}

// Content is the body of a mail or chat message.
type Content struct {
	Body        string       `json:"body"`
	HTML        string       `json:"html"`
	Subject     string       `json:"subject,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Mail is a message fetched from the provider.
type Mail struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Sender   string   `json:"sender"`
	To       []string `json:"to"`
	Cc       []string `json:"cc"`
	Content  Content  `json:"content"`
}

// Without returns a copy of m with email removed from the recipients.
func (m Mail) Without(email string) Mail {
	m.To = withoutAddress(m.To, email)
	m.Cc = withoutAddress(m.Cc, email)
	return m
}

func withoutAddress(list []string, email string) []string {
	out := make([]string, 0, len(list))
	for _, addr := range list {
		if !strings.EqualFold(addr, email) {
			out = append(out, addr)
		}
	}
	return out
}

// PreparedMail is an outbound draft. An empty ThreadID starts a new thread.
type PreparedMail struct {
	ThreadID string
	To       []string
	Cc       []string
	Content  Content
}
