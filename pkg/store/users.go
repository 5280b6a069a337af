package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gmailbridge/pkg/domain"
	"gmailbridge/pkg/vault"
)

const (
	userKeyPrefix = "u:"
	userIndexKey  = "all"
)

// TokenSealer encrypts tokens at rest.
type TokenSealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

type userRecord struct {
	domain.User
	SealedToken string `json:"token,omitempty"`
}

// Users persists user records with sealed tokens plus an index of known ids.
type Users struct {
	kv          KV
	sealer      TokenSealer
	defaultName string

	mu sync.Mutex
}

func NewUsers(kv KV, sealer TokenSealer, defaultName string) *Users {
	return &Users{kv: kv, sealer: sealer, defaultName: defaultName}
}

// Get loads a user. Unknown ids yield the default logged-out record without
// persisting it. A token that fails to decrypt forces the user to logged out.
func (u *Users) Get(ctx context.Context, userID string) (domain.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.User{}, ErrEmptyUserID
	}
	raw, ok, err := u.kv.Get(ctx, userKeyPrefix+userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.NewUser(userID, u.defaultName), nil
	}
	var rec userRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.User{}, fmt.Errorf("decode user %s: %w", userID, err)
	}
	user := rec.User
	user.ID = userID
	if rec.SealedToken == "" {
		user.Token = nil
		if user.AuthState == domain.AuthLoggedIn {
			user = user.LoggedOut()
		}
		return user, nil
	}
	tok, err := u.openToken(rec.SealedToken)
	if err != nil {
		if !vault.IsDecryptionError(err) {
			return domain.User{}, err
		}
		slog.Error("stored token unreadable, forcing logout", "user_id", userID, "err", err)
		user = user.LoggedOut()
		if err := u.Upsert(ctx, user); err != nil {
			return domain.User{}, err
		}
		return user, nil
	}
	user.Token = &tok
	return user, nil
}

// Upsert persists user and adds it to the index of known ids.
func (u *Users) Upsert(ctx context.Context, user domain.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return ErrEmptyUserID
	}
	rec := userRecord{User: user}
	if user.Token != nil {
		sealed, err := u.sealToken(*user.Token)
		if err != nil {
			return err
		}
		rec.SealedToken = sealed
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := u.kv.Set(ctx, userKeyPrefix+user.ID, string(body)); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return u.index(ctx, user.ID)
}

// All returns every persisted user in id order.
func (u *Users) All(ctx context.Context) ([]domain.User, error) {
	ids, err := u.ids(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		user, err := u.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, nil
}

// Active returns users that satisfy the logged-in invariants.
func (u *Users) Active(ctx context.Context) ([]domain.LoggedInUser, error) {
	all, err := u.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LoggedInUser, 0, len(all))
	for _, user := range all {
		if user.AuthState != domain.AuthLoggedIn {
			continue
		}
		li, err := user.Narrow()
		if err != nil {
			slog.Warn("skipping inconsistent user", "user_id", user.ID, "err", err)
			continue
		}
		out = append(out, li)
	}
	return out, nil
}

func (u *Users) index(ctx context.Context, userID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids, err := u.ids(ctx)
	if err != nil {
		return err
	}
	i := sort.SearchStrings(ids, userID)
	if i < len(ids) && ids[i] == userID {
		return nil
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = userID
	body, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode user index: %w", err)
	}
	if err := u.kv.Set(ctx, userIndexKey, string(body)); err != nil {
		return fmt.Errorf("save user index: %w", err)
	}
	return nil
}

func (u *Users) ids(ctx context.Context) ([]string, error) {
	raw, ok, err := u.kv.Get(ctx, userIndexKey)
	if err != nil {
		return nil, fmt.Errorf("load user index: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode user index: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (u *Users) sealToken(tok domain.Token) (string, error) {
	plain, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	sealed, err := u.sealer.Seal(plain)
	if err != nil {
		return "", fmt.Errorf("seal token: %w", err)
	}
	return sealed, nil
}

func (u *Users) openToken(sealed string) (domain.Token, error) {
	plain, err := u.sealer.Open(sealed)
	if err != nil {
		return domain.Token{}, err
	}
	var tok domain.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return domain.Token{}, &vault.DecryptionError{Err: err}
	}
	return tok, nil
}
