// Package chat defines the chat-network operations the bridge depends on.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Transport is the chat-network client. Calls that take an "as" account act
// on behalf of that account; the bridge account is used when as is empty.
type Transport interface {
	// BotID is the bridge's own (appservice) account.
	BotID() id.UserID
	// EnsureAccount registers a virtual account if it does not exist yet.
	EnsureAccount(ctx context.Context, user id.UserID) error

	CreateRoom(ctx context.Context, req CreateRoom) (id.RoomID, error)
	Invite(ctx context.Context, as id.UserID, room id.RoomID, user id.UserID) error
	Join(ctx context.Context, as id.UserID, room id.RoomID) error
	// ResolveAlias returns "" without error when the alias is unknown.
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	PutAlias(ctx context.Context, alias id.RoomAlias, room id.RoomID) error
	Aliases(ctx context.Context, room id.RoomID) ([]id.RoomAlias, error)
	// Members lists joined members.
	Members(ctx context.Context, room id.RoomID) ([]id.UserID, error)
	PowerLevels(ctx context.Context, room id.RoomID) (*event.PowerLevelsEventContent, error)
	SetPowerLevels(ctx context.Context, room id.RoomID, levels *event.PowerLevelsEventContent) error
	RoomName(ctx context.Context, room id.RoomID) (string, error)

	Send(ctx context.Context, as id.UserID, room id.RoomID, msg Message) (id.EventID, error)
	Upload(ctx context.Context, as id.UserID, data []byte, contentType, name string) (id.ContentURIString, error)
	Download(ctx context.Context, uri id.ContentURIString) ([]byte, error)

	Event(ctx context.Context, as id.UserID, room id.RoomID, eventID id.EventID) (*event.Event, error)
	// Timeline returns up to limit recent message and membership events in
	// chronological order, as seen by as.
	Timeline(ctx context.Context, as id.UserID, room id.RoomID, limit int) ([]*event.Event, error)
	// LatestMessage returns the newest message sent by one of senders, or nil.
	LatestMessage(ctx context.Context, room id.RoomID, senders []id.UserID) (*event.Event, error)
}

// CreateRoom describes a room created by the bridge account.
type CreateRoom struct {
	AliasLocalpart string
	Name           string
	Invite         []id.UserID
	PowerLevels    map[id.UserID]int
}

// InviteAndJoin brings a bridge-controlled account into room on behalf of
// inviter. Accounts already in the room are left alone.
func InviteAndJoin(ctx context.Context, t Transport, inviter, user id.UserID, room id.RoomID) error {
	if err := t.Invite(ctx, inviter, room, user); err != nil && !IsForbidden(err) {
		return fmt.Errorf("invite %s: %w", user, err)
	}
	if err := t.Join(ctx, user, room); err != nil && !IsForbidden(err) {
		return fmt.Errorf("join %s: %w", user, err)
	}
	return nil
}

func errCode(err error) string {
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		return respErr.ErrCode
	}
	var respPtr *mautrix.RespError
	if errors.As(err, &respPtr) && respPtr != nil {
		return respPtr.ErrCode
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.RespError != nil {
		return httpErr.RespError.ErrCode
	}
	return ""
}

func httpStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	return 0
}

// IsForbidden reports an M_FORBIDDEN rejection (missing permission, or the
// target is already a member).
func IsForbidden(err error) bool {
	return err != nil && (errCode(err) == mautrix.MForbidden.ErrCode || httpStatus(err) == http.StatusForbidden)
}

func IsNotFound(err error) bool {
	return err != nil && (errCode(err) == mautrix.MNotFound.ErrCode || httpStatus(err) == http.StatusNotFound)
}

func IsTooLarge(err error) bool {
	return err != nil && (errCode(err) == mautrix.MTooLarge.ErrCode || httpStatus(err) == http.StatusRequestEntityTooLarge)
}
