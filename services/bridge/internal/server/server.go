// Package server exposes the appservice API the homeserver pushes to.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/internal/util"
	"gmailbridge/pkg/naming"
	"gmailbridge/services/bridge/internal/app"
	"gmailbridge/services/bridge/internal/chat"
	"gmailbridge/services/bridge/internal/metrics"
)

const maxTransactionBytes = 64 << 20

// Dispatcher applies a pushed transaction.
type Dispatcher interface {
	HandleTransaction(ctx context.Context, txnID string, events []*event.Event) error
}

// Accounts registers virtual accounts the homeserver asks about.
type Accounts interface {
	EnsureAccount(ctx context.Context, user id.UserID) error
}

// Config wires the HTTP surface.
type Config struct {
	HSToken    string
	Dispatcher Dispatcher
	Accounts   Accounts
	Codec      naming.Codec
	Metrics    bool
	// Fatal is called when a transaction cannot be applied. Defaults to
	// util.Fatal.
	Fatal func(msg string, args ...any)
}

// Server exposes the appservice endpoints.
type Server struct {
	hsToken    string
	dispatcher Dispatcher
	accounts   Accounts
	codec      naming.Codec
	metrics    bool
	fatal      func(msg string, args ...any)
	mux        *http.ServeMux
}

// New constructs a Server.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.HSToken) == "" {
		return nil, errors.New("hs token required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("accounts required")
	}
	if cfg.Fatal == nil {
		cfg.Fatal = util.Fatal
	}
	s := &Server{
		hsToken:    cfg.HSToken,
		dispatcher: cfg.Dispatcher,
		accounts:   cfg.Accounts,
		codec:      cfg.Codec,
		metrics:    cfg.Metrics,
		fatal:      cfg.Fatal,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bridge", util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnId}", s.requireToken(s.handleTransaction))
	s.mux.HandleFunc("PUT /transactions/{txnId}", s.requireToken(s.handleTransaction))
	s.mux.HandleFunc("GET /_matrix/app/v1/users/{userId}", s.requireToken(s.handleUserQuery))
	s.mux.HandleFunc("GET /users/{userId}", s.requireToken(s.handleUserQuery))
	s.mux.HandleFunc("GET /_matrix/app/v1/rooms/{alias}", s.requireToken(s.handleRoomQuery))
	s.mux.HandleFunc("GET /rooms/{alias}", s.requireToken(s.handleRoomQuery))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireToken checks the homeserver token sent as a bearer header or as
// the access_token query parameter.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
			if bearer, ok := strings.CutPrefix(header, "Bearer "); ok {
				token = strings.TrimSpace(bearer)
			}
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.hsToken)) != 1 {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN", "bad token supplied")
			return
		}
		next(w, r)
	}
}

type transaction struct {
	Events []json.RawMessage `json:"events"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnId")
	logger := util.LoggerFromContext(r.Context()).With("txn_id", txnID)
	var txn transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTransactionBytes)).Decode(&txn); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "invalid transaction body")
		return
	}
	events := make([]*event.Event, 0, len(txn.Events))
	for _, raw := range txn.Events {
		evt, err := chat.ParseEvent(raw)
		if err != nil {
			logger.Warn("dropping malformed event", "err", err)
			continue
		}
		events = append(events, evt)
	}
	logger.Debug("transaction received", "events", len(events))

	if err := s.dispatcher.HandleTransaction(r.Context(), txnID, events); err != nil {
		if app.IsFatal(err) {
			s.fatal("transaction could not be applied", "txn_id", txnID, "err", err)
		}
		logger.Error("transaction aborted", "err", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "transaction aborted")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleUserQuery lets the homeserver provision virtual accounts on demand.
func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	user := id.UserID(r.PathValue("userId"))
	if !s.codec.IsValidAccount(user) {
		writeError(w, http.StatusNotFound, "gmail.NOT_VALID_EMAIL", "not a bridged email account")
		return
	}
	if err := s.accounts.EnsureAccount(r.Context(), user); err != nil {
		util.LoggerFromContext(r.Context()).Error("register account failed", "user_id", user, "err", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "register account failed")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// Rooms are only created by the bridge itself.
func (s *Server) handleRoomQuery(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "M_NOT_FOUND", "room not provisioned by the bridge")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": msg})
}
