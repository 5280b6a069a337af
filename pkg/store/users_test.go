package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"gmailbridge/pkg/domain"
	"gmailbridge/pkg/vault"
)

func newTestUsers(t *testing.T, kv KV, key string) *Users {
	t.Helper()
	v, err := vault.New([]byte(key))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return NewUsers(kv, v, "Bridge User")
}

func testToken() domain.Token {
	return domain.Token{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		Email:        "alice@example.com",
		Expiry:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestUsersGetUnknownReturnsDefault(t *testing.T) {
	users := newTestUsers(t, NewMemoryKV(), "0123456789abcdef")
	u, err := users.Get(context.Background(), "@alice:hs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.AuthState != domain.AuthLoggedOut || u.EmailName != "Bridge User" || u.Token != nil {
		t.Fatalf("unexpected default user: %+v", u)
	}
	all, _ := users.All(context.Background())
	if len(all) != 0 {
		t.Fatalf("unknown user must not be persisted, got %d", len(all))
	}
}

func TestUsersRoundTripSealsToken(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	users := newTestUsers(t, kv, "0123456789abcdef")

	li := domain.NewUser("@alice:hs", "").LoggedIn(testToken()).WithLastMailID("18c0")
	if err := users.Upsert(ctx, li.User()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	raw, _, _ := kv.Get(ctx, "u:@alice:hs")
	if strings.Contains(raw, "ya29") || strings.Contains(raw, "1//refresh") {
		t.Fatalf("stored record leaks token: %s", raw)
	}

	got, err := users.Get(ctx, "@alice:hs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	narrowed, err := got.Narrow()
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	if narrowed.Token().RefreshToken != "1//refresh" || narrowed.LastMailID() != "18c0" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestUsersActiveFiltersLoggedOut(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t, NewMemoryKV(), "0123456789abcdef")
	if err := users.Upsert(ctx, domain.NewUser("@bob:hs", "")); err != nil {
		t.Fatalf("upsert bob: %v", err)
	}
	if err := users.Upsert(ctx, domain.NewUser("@alice:hs", "").LoggedIn(testToken()).User()); err != nil {
		t.Fatalf("upsert alice: %v", err)
	}
	all, err := users.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "@alice:hs" || all[1].ID != "@bob:hs" {
		t.Fatalf("unexpected index: %+v", all)
	}
	active, err := users.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].ID() != "@alice:hs" {
		t.Fatalf("unexpected active users: %+v", active)
	}
}

func TestUsersDecryptionFailureForcesLogout(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	writer := newTestUsers(t, kv, "0123456789abcdef")
	li := domain.NewUser("@alice:hs", "").LoggedIn(testToken()).WithLastMailID("18c0")
	if err := writer.Upsert(ctx, li.User()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reader := newTestUsers(t, kv, "fedcba9876543210")
	got, err := reader.Get(ctx, "@alice:hs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AuthState != domain.AuthLoggedOut || got.Token != nil {
		t.Fatalf("expected forced logout, got %+v", got)
	}
	if got.LastMailID != "18c0" {
		t.Fatalf("watermark lost on forced logout: %q", got.LastMailID)
	}
	raw, _, _ := kv.Get(ctx, "u:@alice:hs")
	if !strings.Contains(raw, `"authState":"logged_out"`) {
		t.Fatalf("forced logout not persisted: %s", raw)
	}
}
