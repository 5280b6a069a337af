package gmailclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/mail"
)

type fakeGmail struct {
	mu        sync.Mutex
	scope     string
	queries   []string
	sent      []map[string]any
	revoked   []string
	expired   bool
	tokenHits int
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path
	switch {
	case path == "/token":
		f.tokenHits++
		_ = r.ParseForm()
		if r.Form.Get("code") == "bad" || (r.Form.Get("grant_type") == "refresh_token" && f.expired) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Bad Request"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-new",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         f.scope,
		})
	case path == "/revoke":
		_ = r.ParseForm()
		f.revoked = append(f.revoked, r.Form.Get("token"))
		_, _ = io.WriteString(w, `{}`)
	case f.expired:
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":401,"message":"Invalid Credentials"}}`)
	case strings.HasSuffix(path, "/users/me/profile"):
		_, _ = io.WriteString(w, `{"emailAddress":"owner@example.com"}`)
	case strings.HasSuffix(path, "/users/me/messages/send"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.sent = append(f.sent, body)
		thread, _ := body["threadId"].(string)
		if thread == "" {
			thread = "t-new"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "sent1", "threadId": thread})
	case strings.HasSuffix(path, "/users/me/messages"):
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"messages":[{"id":"0003"},{"id":"0001"}],"nextPageToken":"p2"}`)
			return
		}
		_, _ = io.WriteString(w, `{"messages":[{"id":"0001"},{"id":"0002"}]}`)
	case strings.Contains(path, "/users/me/messages/"):
		id := path[strings.LastIndex(path, "/")+1:]
		if id == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
			return
		}
		if r.URL.Query().Get("format") == "minimal" {
			_, _ = io.WriteString(w, `{"id":"`+id+`","internalDate":"1700000000000"}`)
			return
		}
		raw := base64.URLEncoding.EncodeToString([]byte(textOnlyMail))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "threadId": "t1", "raw": raw})
	case strings.Contains(path, "/users/me/threads/"):
		_, _ = io.WriteString(w, `{"id":"t1","messages":[{"id":"first","payload":{"headers":[`+
			`{"name":"Subject","value":"Lunch"},{"name":"Message-ID","value":"<first@example.com>"}]}}]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"unknown path"}}`)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeGmail) {
	t.Helper()
	fake := &fakeGmail{scope: strings.Join(Scopes, " ")}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c := New(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIEndpoint: srv.URL + "/",
		RevokeURL:   srv.URL + "/revoke",
		HTTPClient:  srv.Client(),
	})
	return c, fake
}

func loggedIn(tok domain.Token) domain.LoggedInUser {
	return domain.NewUser("@owner:hs", "").LoggedIn(tok)
}

func TestAuthURLRequestsOfflineAccess(t *testing.T) {
	c, _ := newTestClient(t)
	u := c.AuthURL("state-1")
	for _, want := range []string{"access_type=offline", "state=state-1", "redirect_uri=urn%3Aietf%3Awg%3Aoauth%3A2.0%3Aoob"} {
		if !strings.Contains(u, want) {
			t.Fatalf("auth url %q missing %q", u, want)
		}
	}
}

func TestExchangeResolvesEmail(t *testing.T) {
	c, _ := newTestClient(t)
	tok, err := c.Exchange(context.Background(), "good")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.Email != "owner@example.com" || tok.RefreshToken != "refresh-1" {
		t.Fatalf("token = %+v", tok)
	}
}

func TestExchangeFailures(t *testing.T) {
	c, fake := newTestClient(t)
	_, err := c.Exchange(context.Background(), "bad")
	var exErr *mail.ExchangeError
	if !errors.As(err, &exErr) || !errors.Is(err, mail.ErrExchange) {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if !strings.Contains(exErr.Reason, "invalid_grant") {
		t.Fatalf("reason = %q", exErr.Reason)
	}

	fake.mu.Lock()
	fake.scope = Scopes[0]
	fake.mu.Unlock()
	_, err = c.Exchange(context.Background(), "good")
	if !errors.As(err, &exErr) || !strings.HasPrefix(exErr.Reason, "Scopes Missing") {
		t.Fatalf("expected missing scopes, got %v", err)
	}
}

func TestRefreshRejectedIsTokenExpired(t *testing.T) {
	c, fake := newTestClient(t)
	fake.mu.Lock()
	fake.expired = true
	fake.mu.Unlock()
	_, err := c.Refresh(context.Background(), domain.Token{AccessToken: "a", RefreshToken: "r", Email: "owner@example.com"})
	if !errors.Is(err, mail.ErrTokenExpired) {
		t.Fatalf("expected token expired, got %v", err)
	}
}

func TestRevokePostsToken(t *testing.T) {
	c, fake := newTestClient(t)
	if err := c.Revoke(context.Background(), domain.Token{RefreshToken: "r1"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(fake.revoked) != 1 || fake.revoked[0] != "r1" {
		t.Fatalf("revoked = %v", fake.revoked)
	}
}

func openMailbox(t *testing.T, c *Client) mail.Mailbox {
	t.Helper()
	tok := domain.Token{AccessToken: "a", RefreshToken: "r", Email: "owner@example.com", Expiry: time.Now().Add(time.Hour)}
	box, err := c.Open(context.Background(), loggedIn(tok), "Owner")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return box
}

func TestListSincePaginatesAndDeduplicates(t *testing.T) {
	c, fake := newTestClient(t)
	box := openMailbox(t, c)
	ids, err := box.ListSince(context.Background(), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(ids, ",") != "0001,0002,0003" {
		t.Fatalf("ids = %v", ids)
	}
	want := "after:1700000000 AND NOT label:sent AND NOT from:owner@example.com"
	if len(fake.queries) != 2 || fake.queries[0] != want {
		t.Fatalf("queries = %v", fake.queries)
	}
}

func TestFetchAndReceivedAt(t *testing.T) {
	c, _ := newTestClient(t)
	box := openMailbox(t, c)
	m, err := box.Fetch(context.Background(), "0001")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if m.ID != "0001" || m.ThreadID != "t1" || m.Sender != "alice@example.com" {
		t.Fatalf("mail = %+v", m)
	}
	at, err := box.ReceivedAt(context.Background(), "0001")
	if err != nil {
		t.Fatalf("received at: %v", err)
	}
	if at.Unix() != 1700000000 {
		t.Fatalf("received at = %v", at)
	}
	if _, err := box.Fetch(context.Background(), "missing"); !errors.Is(err, mail.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendReplyUsesThreadHeaders(t *testing.T) {
	c, fake := newTestClient(t)
	box := openMailbox(t, c)
	thread, err := box.Send(context.Background(), domain.PreparedMail{
		ThreadID: "t1",
		To:       []string{"bob@example.com"},
		Content:  domain.Content{Body: "ok"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if thread != "t1" {
		t.Fatalf("thread = %q", thread)
	}
	raw, _ := fake.sent[0]["raw"].(string)
	decoded, err := decodeRaw(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(string(decoded), "Subject: Re: Lunch") || !strings.Contains(string(decoded), "In-Reply-To: <first@example.com>") {
		t.Fatalf("reply headers missing:\n%s", decoded)
	}
}

func TestUnauthorizedIsTokenExpired(t *testing.T) {
	c, fake := newTestClient(t)
	box := openMailbox(t, c)
	fake.mu.Lock()
	fake.expired = true
	fake.mu.Unlock()
	_, err := box.ListSince(context.Background(), time.Now())
	if !errors.Is(err, mail.ErrTokenExpired) {
		t.Fatalf("expected token expired, got %v", err)
	}
}
