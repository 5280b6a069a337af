package vault

import (
	"bytes"
	"testing"
)

func newTestVault(t *testing.T, key string) *Vault {
	t.Helper()
	v, err := New([]byte(key))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef")
	plaintext := []byte(`{"accessToken":"ya29.x","refreshToken":"1//r"}`)
	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains([]byte(sealed), []byte("ya29")) {
		t.Fatalf("sealed value leaks plaintext")
	}
	got, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("open = %q, want %q", got, plaintext)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef")
	a, _ := v.Seal([]byte("same"))
	b, _ := v.Seal([]byte("same"))
	if a == b {
		t.Fatalf("two seals of the same plaintext should differ")
	}
}

func TestOpenWithWrongKeyIsDecryptionError(t *testing.T) {
	sealed, err := newTestVault(t, "0123456789abcdef").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err = newTestVault(t, "fedcba9876543210").Open(sealed)
	if !IsDecryptionError(err) {
		t.Fatalf("expected decryption error, got %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef")
	for _, in := range []string{"not base64!", "", "AAAA"} {
		if _, err := v.Open(in); !IsDecryptionError(err) {
			t.Fatalf("open(%q): expected decryption error, got %v", in, err)
		}
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("1d2rouuI7QxJqzXVfk5NBw==")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("key length = %d, want 16", len(key))
	}
}

func TestGenerateKeyParses(t *testing.T) {
	encoded, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	key, err := ParseKey(encoded)
	if err != nil {
		t.Fatalf("parse generated key: %v", err)
	}
	if _, err := New(key); err != nil {
		t.Fatalf("new vault from generated key: %v", err)
	}
}
