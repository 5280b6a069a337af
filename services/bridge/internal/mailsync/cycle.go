package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/auth"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/mail"
)

var errLoggedOut = errors.New("user is not logged in")

// cycle delivers every mail received since the user's watermark. The
// watermark is persisted after each delivered mail.
func (s *Supervisor) cycle(ctx context.Context, userID string) error {
	owner, err := s.loggedIn(ctx, userID)
	if err != nil {
		return err
	}
	mailbox, err := s.opts.Provider.Open(ctx, owner, s.fromName(owner))
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}

	after, err := s.cursor(ctx, mailbox, owner.LastMailID())
	if err != nil {
		return err
	}
	listed, err := mailbox.ListSince(ctx, after)
	if err != nil {
		return fmt.Errorf("list mail: %w", err)
	}
	ids := newerThan(listed, owner.LastMailID())
	logger := s.logger.With("user_id", userID)
	logger.Debug("sync cycle", "after", after, "new", len(ids))

	for _, mailID := range ids {
		m, err := mailbox.Fetch(ctx, mailID)
		if errors.Is(err, mail.ErrNotFound) {
			logger.Warn("listed mail disappeared", "mail_id", mailID)
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch mail %s: %w", mailID, err)
		}
		if isSelf(m.Sender, mailbox.Address(), owner.Email()) {
			logger.Warn("skipping mail sent by the user", "mail_id", mailID, "sender", m.Sender)
		} else if err := s.opts.Deliverer.Deliver(ctx, owner, m); err != nil {
			if !chat.IsForbidden(err) {
				return fmt.Errorf("deliver mail %s: %w", mailID, err)
			}
			s.reportForbidden(ctx, owner, m, err)
			break
		}
		if err := s.update(ctx, userID, func(u domain.LoggedInUser) domain.LoggedInUser {
			return u.WithLastMailID(mailID)
		}); err != nil {
			return err
		}
	}

	tok, err := mailbox.Token()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	return s.update(ctx, userID, func(u domain.LoggedInUser) domain.LoggedInUser {
		return u.WithToken(tok)
	})
}

// cursor is one second before the watermark mail, but never further back
// than the lookback window.
func (s *Supervisor) cursor(ctx context.Context, mailbox mail.Mailbox, lastID string) (time.Time, error) {
	after := s.now().Add(-s.opts.Lookback)
	if lastID == "" {
		return after, nil
	}
	at, err := mailbox.ReceivedAt(ctx, lastID)
	if errors.Is(err, mail.ErrNotFound) {
		s.logger.Warn("watermark mail not found, using lookback window", "mail_id", lastID)
		return after, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("watermark time: %w", err)
	}
	if watermark := at.Add(-time.Second); watermark.After(after) {
		return watermark, nil
	}
	return after, nil
}

func (s *Supervisor) reportForbidden(ctx context.Context, owner domain.LoggedInUser, m domain.Mail, cause error) {
	s.logger.Warn("missing permissions in thread room", "user_id", owner.ID(), "thread_id", m.ThreadID, "err", cause)
	room, err := s.opts.Deliverer.RoomForThread(ctx, owner, m.ThreadID)
	if err != nil || room == "" {
		s.logger.Error("no room to report permission error", "thread_id", m.ThreadID, "err", err)
		return
	}
	if err := s.opts.Deliverer.Notify(ctx, room, auth.PermissionText); err != nil {
		s.logger.Error("permission notice failed", "room_id", room, "err", err)
	}
}

func (s *Supervisor) loggedIn(ctx context.Context, userID string) (domain.LoggedInUser, error) {
	user, err := s.opts.Users.Get(ctx, userID)
	if err != nil {
		return domain.LoggedInUser{}, err
	}
	owner, err := user.Narrow()
	if err != nil {
		return domain.LoggedInUser{}, fmt.Errorf("%w: %v", errLoggedOut, err)
	}
	return owner, nil
}

// update re-reads the user before writing so a concurrent logout or
// override is not overwritten.
func (s *Supervisor) update(ctx context.Context, userID string, apply func(domain.LoggedInUser) domain.LoggedInUser) error {
	owner, err := s.loggedIn(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.opts.Users.Upsert(ctx, apply(owner).User()); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Supervisor) fromName(owner domain.LoggedInUser) string {
	if owner.Name() != "" {
		return owner.Name()
	}
	return s.opts.DefaultName
}

// newerThan dedupes ids, sorts them and keeps those after lastID.
func newerThan(ids []string, lastID string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, mailID := range ids {
		if _, dup := seen[mailID]; dup || mailID <= lastID {
			continue
		}
		seen[mailID] = struct{}{}
		out = append(out, mailID)
	}
	sort.Strings(out)
	return out
}

func isSelf(sender string, addresses ...string) bool {
	for _, addr := range addresses {
		if addr != "" && strings.EqualFold(sender, addr) {
			return true
		}
	}
	return false
}
