// Package delivery posts bridged messages, degrading oversize ones until the
// homeserver accepts them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"maunium.net/go/mautrix/id"

	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/metrics"
)

const (
	// Width is the largest body length, in characters, the homeserver is
	// known to accept.
	Width = 1000
	// TrimmedMarker is appended to truncated bodies.
	TrimmedMarker = " [... trimmed due to matrix limit]"
)

// ErrTruncationRejected means a body already cut to Width was still too
// large, so Width no longer matches the homeserver limit.
var ErrTruncationRejected = errors.New("truncated message still rejected as too large")

// Sender is the part of chat.Transport the adapter needs.
type Sender interface {
	Send(ctx context.Context, as id.UserID, room id.RoomID, msg chat.Message) (id.EventID, error)
}

type Adapter struct {
	sender Sender
	width  int
	logger *slog.Logger
}

func New(sender Sender) *Adapter {
	return &Adapter{sender: sender, width: Width, logger: slog.Default().With("component", "delivery")}
}

// Send posts msg as the given account. A too-large rejection is retried
// without HTML, then with the body truncated; metadata is kept on every
// attempt.
func (a *Adapter) Send(ctx context.Context, as id.UserID, room id.RoomID, msg chat.Message) (id.EventID, error) {
	evt, err := a.sender.Send(ctx, as, room, msg)
	if err == nil || !chat.IsTooLarge(err) {
		return evt, err
	}

	if msg.HTML != "" {
		a.logger.Warn("message too large, retrying without html", "room_id", room, "sender", as)
		metrics.DeliveryDegraded.WithLabelValues("strip_html").Inc()
		msg = msg.WithoutHTML()
		evt, err = a.sender.Send(ctx, as, room, msg)
		if err == nil || !chat.IsTooLarge(err) {
			return evt, err
		}
	}

	a.logger.Warn("message too large, retrying truncated", "room_id", room, "sender", as, "length", len([]rune(msg.Body)))
	metrics.DeliveryDegraded.WithLabelValues("truncate").Inc()
	msg.Body = Truncate(msg.Body, a.width)
	evt, err = a.sender.Send(ctx, as, room, msg)
	if chat.IsTooLarge(err) {
		return "", fmt.Errorf("%w: room %s: %v", ErrTruncationRejected, room, err)
	}
	return evt, err
}

// Truncate shortens body to at most width characters including
// TrimmedMarker, cutting at a word boundary where possible. Bodies that
// already fit are returned unchanged.
func Truncate(body string, width int) string {
	runes := []rune(body)
	if len(runes) <= width {
		return body
	}
	marker := []rune(TrimmedMarker)
	keep := width - len(marker)
	if keep <= 0 {
		return string(marker[:width])
	}
	cut := keep
	for i := keep; i > keep/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + TrimmedMarker
}
