// Package mailsync polls each logged-in user's mailbox and hands new mail to
// the correspondence engine, one task per user.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/domain"
	"gmailbridge/services/bridge/internal/mail"
	"gmailbridge/services/bridge/internal/metrics"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultRetryBase   = time.Second
	DefaultMaxBackoff  = 10 * time.Minute
	DefaultLookback    = 24 * time.Hour
	DefaultRefreshSpec = "@every 30m"

	refreshConcurrency = 4
)

// Users loads and persists bridge users.
type Users interface {
	Get(ctx context.Context, userID string) (domain.User, error)
	Upsert(ctx context.Context, user domain.User) error
	Active(ctx context.Context) ([]domain.LoggedInUser, error)
}

// Deliverer posts mail into chat rooms.
type Deliverer interface {
	Deliver(ctx context.Context, owner domain.LoggedInUser, m domain.Mail) error
	RoomForThread(ctx context.Context, owner domain.LoggedInUser, threadID string) (id.RoomID, error)
	Notify(ctx context.Context, room id.RoomID, text string) error
}

// Expirer logs out a user whose token the provider rejected.
type Expirer interface {
	Expire(ctx context.Context, userID string) error
}

type Options struct {
	Users       Users
	Provider    mail.Provider
	Deliverer   Deliverer
	Expirer     Expirer
	DefaultName string
	// Interval is the pause between successful cycles.
	Interval time.Duration
	// RetryBase and MaxBackoff bound the wait after a failed cycle.
	RetryBase  time.Duration
	MaxBackoff time.Duration
	// Lookback limits how far back the first sync of a user reaches.
	Lookback time.Duration
	// RefreshSpec is the cron spec of the token refresh sweep.
	RefreshSpec string
}

type task struct {
	id     string
	cancel context.CancelFunc
}

// Supervisor owns the per-user sync tasks. Tasks run until stopped, until
// their user's token is rejected, or until the supervisor closes.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	base   context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	cron   *cron.Cron

	mu    sync.Mutex
	tasks map[string]*task
}

func New(opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.RefreshSpec == "" {
		opts.RefreshSpec = DefaultRefreshSpec
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:   opts,
		logger: slog.Default().With("component", "mailsync"),
		now:    time.Now,
		base:   base,
		cancel: cancel,
		cron:   cron.New(),
		tasks:  make(map[string]*task),
	}
}

// SetExpirer wires the auth machine after construction.
func (s *Supervisor) SetExpirer(e Expirer) { s.opts.Expirer = e }

// Run refreshes every stored login, starts a task per logged-in user and
// schedules the refresh sweep. It blocks until ctx is done, then stops all
// tasks.
func (s *Supervisor) Run(ctx context.Context) error {
	users, err := s.opts.Users.Active(ctx)
	if err != nil {
		return fmt.Errorf("load active users: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, user := range users {
		g.Go(func() error {
			refreshed, ok := s.refresh(gctx, user.ID())
			if ok {
				return s.Start(gctx, refreshed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.opts.RefreshSpec, s.sweep); err != nil {
		return fmt.Errorf("schedule token refresh: %w", err)
	}
	s.cron.Start()
	s.logger.Info("mail sync running", "users", len(users), "interval", s.opts.Interval, "refresh", s.opts.RefreshSpec)

	<-ctx.Done()
	s.Close()
	return nil
}

// Close stops the sweep and every task and waits for them to return.
func (s *Supervisor) Close() {
	<-s.cron.Stop().Done()
	s.cancel()
	_ = s.group.Wait()
}

// Start launches a sync task for user, replacing any running one. The task
// outlives ctx.
func (s *Supervisor) Start(_ context.Context, user domain.LoggedInUser) error {
	if s.base.Err() != nil {
		return errors.New("mail sync is closed")
	}
	ctx, cancel := context.WithCancel(s.base)
	t := &task{id: uuid.NewString(), cancel: cancel}

	s.mu.Lock()
	if old := s.tasks[user.ID()]; old != nil {
		old.cancel()
	}
	s.tasks[user.ID()] = t
	s.mu.Unlock()

	metrics.SyncTasks.Inc()
	s.logger.Info("sync task started", "user_id", user.ID(), "task_id", t.id)
	s.group.Go(func() error {
		defer metrics.SyncTasks.Dec()
		defer s.release(user.ID(), t)
		s.loop(ctx, user.ID(), t.id)
		return nil
	})
	return nil
}

// Stop cancels the user's task without waiting for it.
func (s *Supervisor) Stop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[userID]; t != nil {
		t.cancel()
		delete(s.tasks, userID)
		s.logger.Info("sync task stopped", "user_id", userID, "task_id", t.id)
	}
}

// Running lists users with a live task.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for userID := range s.tasks {
		out = append(out, userID)
	}
	return out
}

func (s *Supervisor) release(userID string, t *task) {
	t.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[userID] == t {
		delete(s.tasks, userID)
	}
}

func (s *Supervisor) loop(ctx context.Context, userID, taskID string) {
	logger := s.logger.With("user_id", userID, "task_id", taskID)
	retry := 0
	for {
		err := s.cycle(ctx, userID)
		if ctx.Err() != nil {
			return
		}
		wait := s.opts.Interval
		switch {
		case errors.Is(err, mail.ErrTokenExpired):
			metrics.SyncErrors.WithLabelValues("token_expired").Inc()
			logger.Error("token expired, logging user out", "err", err)
			s.expire(ctx, userID)
			return
		case errors.Is(err, errLoggedOut):
			logger.Info("user no longer logged in, ending sync task")
			return
		case err != nil:
			metrics.SyncErrors.WithLabelValues("cycle").Inc()
			retry++
			wait = s.backoff(retry)
			logger.Error("sync cycle failed", "err", err, "retry", retry, "wait", wait)
		default:
			retry = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) backoff(retry int) time.Duration {
	wait := s.opts.RetryBase
	for i := 0; i < retry && wait < s.opts.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > s.opts.MaxBackoff {
		wait = s.opts.MaxBackoff
	}
	return wait
}

func (s *Supervisor) expire(ctx context.Context, userID string) {
	if s.opts.Expirer == nil {
		s.Stop(userID)
		return
	}
	if err := s.opts.Expirer.Expire(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Error("forced logout failed", "user_id", userID, "err", err)
	}
}

// refresh renews a stored token and persists it. A rejected refresh logs
// the user out; other failures keep the old token.
func (s *Supervisor) refresh(ctx context.Context, userID string) (domain.LoggedInUser, bool) {
	user, err := s.opts.Users.Get(ctx, userID)
	if err != nil {
		s.logger.Error("token refresh: load user", "user_id", userID, "err", err)
		return domain.LoggedInUser{}, false
	}
	owner, err := user.Narrow()
	if err != nil {
		return domain.LoggedInUser{}, false
	}
	tok, err := s.opts.Provider.Refresh(ctx, owner.Token())
	switch {
	case errors.Is(err, mail.ErrTokenExpired):
		s.logger.Warn("stored token rejected, logging user out", "user_id", userID, "err", err)
		s.expire(ctx, userID)
		return domain.LoggedInUser{}, false
	case err != nil:
		s.logger.Error("token refresh failed", "user_id", userID, "err", err)
		return owner, true
	}
	owner = owner.WithToken(tok)
	if err := s.opts.Users.Upsert(ctx, owner.User()); err != nil {
		s.logger.Error("token refresh: save user", "user_id", userID, "err", err)
	}
	return owner, true
}

func (s *Supervisor) sweep() {
	for _, userID := range s.Running() {
		if s.base.Err() != nil {
			return
		}
		s.refresh(s.base, userID)
	}
}
