package store

import (
	"context"
	"fmt"
	"strings"
)

const eventKeyPrefix = "t:"

// Ledger records chat event ids that were already applied.
type Ledger struct {
	kv KV
}

func NewLedger(kv KV) *Ledger {
	return &Ledger{kv: kv}
}

func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	_, ok, err := l.kv.Get(ctx, eventKeyPrefix+eventID)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return ok, nil
}

func (l *Ledger) Record(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ErrEmptyEventID
	}
	if err := l.kv.Set(ctx, eventKeyPrefix+eventID, "{}"); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}
