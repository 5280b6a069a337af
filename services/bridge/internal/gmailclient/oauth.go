// Package gmailclient implements the mail provider on top of the Gmail API.
package gmailclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/mail"
)

const (
	DefaultRedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	defaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Scopes are the grants the bridge needs; a token missing any of them is
// refused at exchange time.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailComposeScope,
	gmail.GmailSendScope,
}

type Config struct {
	ClientID     string
	ClientSecret string
	ProjectID    string
	RedirectURL  string
	// Endpoint overrides Google's OAuth endpoint.
	Endpoint oauth2.Endpoint
	// APIEndpoint overrides the Gmail REST base URL.
	APIEndpoint string
	RevokeURL   string
	HTTPClient  *http.Client
}

// Client is the Gmail implementation of mail.Provider.
type Client struct {
	oauth      *oauth2.Config
	cfg        Config
	revoker    *resty.Client
	breaker    *breaker
	httpClient *http.Client
}

var _ mail.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = defaultRevokeURL
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		cfg:        cfg,
		revoker:    resty.NewWithClient(httpClient),
		breaker:    newBreaker("gmail-api"),
		httpClient: httpClient,
	}
}

func (c *Client) AuthURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (c *Client) Exchange(ctx context.Context, code string) (domain.Token, error) {
	ctx = c.withHTTPClient(ctx)
	tok, err := c.oauth.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Token{}, &mail.ExchangeError{Reason: exchangeReason(err), Err: err}
	}
	scopes := grantedScopes(tok)
	if missing := missingScopes(scopes); len(missing) > 0 {
		return domain.Token{}, &mail.ExchangeError{Reason: fmt.Sprintf("Scopes Missing: %v", missing)}
	}
	svc, err := c.service(ctx, tok)
	if err != nil {
		return domain.Token{}, &mail.ExchangeError{Reason: "could not reach Gmail", Err: err}
	}
	profile, err := call(c.breaker, func() (*gmail.Profile, error) {
		return svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err != nil {
		return domain.Token{}, &mail.ExchangeError{Reason: "could not read Gmail profile", Err: err}
	}
	out := fromOAuth(tok, profile.EmailAddress)
	out.Scopes = scopes
	return out, nil
}

// Refresh forces a new access token. A rejected refresh token maps to
// mail.ErrTokenExpired.
func (c *Client) Refresh(ctx context.Context, tok domain.Token) (domain.Token, error) {
	stale := toOAuth(tok)
	stale.Expiry = time.Now().Add(-time.Minute)
	fresh, err := c.oauth.TokenSource(c.withHTTPClient(ctx), stale).Token()
	if err != nil {
		return domain.Token{}, fmt.Errorf("refresh token: %w", classify(err))
	}
	out := fromOAuth(fresh, tok.Email)
	out.Scopes = tok.Scopes
	return out, nil
}

// Revoke invalidates the refresh token at Google.
func (c *Client) Revoke(ctx context.Context, tok domain.Token) error {
	value := tok.RefreshToken
	if value == "" {
		value = tok.AccessToken
	}
	if value == "" {
		return nil
	}
	resp, err := c.revoker.R().
		SetContext(ctx).
		SetFormData(map[string]string{"token": value}).
		Post(c.cfg.RevokeURL)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("revoke token: status %d", resp.StatusCode())
	}
	return nil
}

func (c *Client) Open(ctx context.Context, user domain.LoggedInUser, fromName string) (mail.Mailbox, error) {
	src := c.oauth.TokenSource(c.withHTTPClient(context.WithoutCancel(ctx)), toOAuth(user.Token()))
	svc, err := c.newService(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	return &Mailbox{
		svc:      svc,
		src:      src,
		breaker:  c.breaker,
		address:  user.Email(),
		fromName: fromName,
		scopes:   user.Token().Scopes,
	}, nil
}

func (c *Client) service(ctx context.Context, tok *oauth2.Token) (*gmail.Service, error) {
	return c.newService(ctx, c.oauth.TokenSource(ctx, tok))
}

func (c *Client) newService(ctx context.Context, src oauth2.TokenSource) (*gmail.Service, error) {
	opts := []option.ClientOption{option.WithTokenSource(src)}
	if c.cfg.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.APIEndpoint))
	}
	return gmail.NewService(ctx, opts...)
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func toOAuth(tok domain.Token) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       tok.Expiry,
	}
}

func fromOAuth(tok *oauth2.Token, email string) domain.Token {
	return domain.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Email:        email,
		Expiry:       tok.Expiry,
	}
}

func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// missingScopes returns required scopes absent from granted. An empty grant
// list means the server did not echo scopes, which Google does only when all
// requested scopes were granted.
func missingScopes(granted []string) []string {
	if len(granted) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range Scopes {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func exchangeReason(err error) string {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.ErrorCode != "" {
			if retrieve.ErrorDescription != "" {
				return retrieve.ErrorCode + ": " + retrieve.ErrorDescription
			}
			return retrieve.ErrorCode
		}
		if retrieve.Response != nil {
			return fmt.Sprintf("token endpoint returned %d", retrieve.Response.StatusCode)
		}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
