// Package naming maps email addresses and mail thread ids onto the chat
// identifiers owned by the bridge, and back.
package naming

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"maunium.net/go/mautrix/id"
)

const (
	// AtKeyword replaces "@" inside account localparts.
	AtKeyword = "_at_"
	// ThreadSeparator joins a thread id and the sanitized owner email in an alias.
	ThreadSeparator = "."
)

var validate = validator.New()

// ValidEmail reports whether email is a syntactically valid address.
func ValidEmail(email string) bool {
	return validate.Var(strings.ToLower(email), "required,email") == nil
}

// Sanitize replaces the "@" of an email with AtKeyword.
func Sanitize(email string) string {
	return strings.ReplaceAll(email, "@", AtKeyword)
}

// Desanitize reverses Sanitize. The last AtKeyword is taken as the "@" since
// domains cannot contain underscores.
func Desanitize(token string) (string, bool) {
	idx := strings.LastIndex(token, AtKeyword)
	if idx < 0 {
		return "", false
	}
	email := token[:idx] + "@" + token[idx+len(AtKeyword):]
	if !ValidEmail(email) {
		return "", false
	}
	return email, true
}

// Codec builds namespaced identifiers for one homeserver.
type Codec struct {
	prefix     string
	homeserver string
}

// New returns a codec for the given namespace prefix and homeserver name.
func New(prefix, homeserver string) Codec {
	return Codec{prefix: prefix, homeserver: homeserver}
}

// Prefix returns the namespace prefix.
func (c Codec) Prefix() string { return c.prefix }

// Homeserver returns the homeserver name.
func (c Codec) Homeserver() string { return c.homeserver }

// AccountID returns the virtual account id for email. Localparts are
// lowercased because homeservers reject upper case user ids.
func (c Codec) AccountID(email string) id.UserID {
	return id.UserID("@" + c.prefix + strings.ToLower(Sanitize(email)) + ":" + c.homeserver)
}

// IsVirtual reports whether userID lives in the bridge's account namespace.
func (c Codec) IsVirtual(userID id.UserID) bool {
	return strings.HasPrefix(string(userID), "@"+c.prefix)
}

// Localpart strips the sigil and homeserver from userID.
func (c Codec) Localpart(userID id.UserID) string {
	s := strings.TrimPrefix(string(userID), "@")
	return strings.TrimSuffix(s, ":"+c.homeserver)
}

// ExtractEmail returns the email behind a virtual account id.
func (c Codec) ExtractEmail(userID id.UserID) (string, bool) {
	if !c.IsVirtual(userID) || !strings.HasSuffix(string(userID), ":"+c.homeserver) {
		return "", false
	}
	token := strings.TrimPrefix(c.Localpart(userID), c.prefix)
	return Desanitize(token)
}

// IsValidAccount reports whether userID is a virtual account whose localpart
// decodes to a valid email address.
func (c Codec) IsValidAccount(userID id.UserID) bool {
	_, ok := c.ExtractEmail(userID)
	return ok
}

// Alias returns the room alias for a thread. A non-empty ownerEmail scopes
// the alias to that mailbox so two bridged users sharing a thread get
// separate rooms.
func (c Codec) Alias(threadID, ownerEmail string) id.RoomAlias {
	name := threadID
	if ownerEmail != "" {
		name += ThreadSeparator + strings.ToLower(Sanitize(ownerEmail))
	}
	return id.RoomAlias("#" + c.prefix + name + ":" + c.homeserver)
}

// AliasLocalpart returns the alias without sigil and homeserver, the form
// expected by room creation.
func (c Codec) AliasLocalpart(alias id.RoomAlias) string {
	s := strings.TrimPrefix(string(alias), "#")
	return strings.TrimSuffix(s, ":"+c.homeserver)
}

// IsBridgeAlias reports whether alias lives in the bridge's alias namespace.
func (c Codec) IsBridgeAlias(alias id.RoomAlias) bool {
	return strings.HasPrefix(string(alias), "#"+c.prefix)
}

// ExtractThread returns the thread id encoded in a bridge alias.
func (c Codec) ExtractThread(alias id.RoomAlias) (string, bool) {
	if !c.IsBridgeAlias(alias) || !strings.HasSuffix(string(alias), ":"+c.homeserver) {
		return "", false
	}
	name := strings.TrimPrefix(c.AliasLocalpart(alias), c.prefix)
	thread, _, _ := strings.Cut(name, ThreadSeparator)
	if thread == "" {
		return "", false
	}
	return thread, true
}
