package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"gmailbridge/internal/ratelimit"
	"gmailbridge/internal/util"
	"gmailbridge/pkg/naming"
	"gmailbridge/pkg/store"
	"gmailbridge/pkg/vault"
	"gmailbridge/services/bridge/internal/app"
	"gmailbridge/services/bridge/internal/auth"
	"gmailbridge/services/bridge/internal/config"
	"gmailbridge/services/bridge/internal/correspond"
	"gmailbridge/services/bridge/internal/gmailclient"
	"gmailbridge/services/bridge/internal/mailsync"
	"gmailbridge/services/bridge/internal/matrixclient"
	"gmailbridge/services/bridge/internal/metrics"
	"gmailbridge/services/bridge/internal/replay"
	"gmailbridge/services/bridge/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the appservice API and sync mailboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		util.InitLogger(cfg.LogLevel)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.FileConfig) error {
	if cfg.Metrics() {
		metrics.Register()
	}
	kv, err := store.Open(ctx, store.Options{Driver: cfg.StoreDriver, DSN: cfg.StoreDSN, Password: cfg.RedisPassword})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	key, err := cfg.TokenKeyBytes()
	if err != nil {
		return err
	}
	tokens, err := vault.New(key)
	if err != nil {
		return err
	}
	users := store.NewUsers(kv, tokens, cfg.DefaultEmailName)
	ledger := store.NewLedger(kv)
	codec := naming.New(cfg.NamespacePrefix, cfg.HomeserverName)

	matrix, err := matrixclient.New(matrixclient.Config{
		HomeserverURL: cfg.HomeserverURL,
		ASToken:       cfg.ASToken,
		BotID:         id.UserID(cfg.BotID()),
	})
	if err != nil {
		return fmt.Errorf("init matrix client: %w", err)
	}
	gmail := gmailclient.New(gmailclient.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		ProjectID:    cfg.GmailProjectID,
		RedirectURL:  cfg.GmailRedirectURL,
	})
	throttle, err := newThrottle(cfg)
	if err != nil {
		return err
	}
	if closer, ok := throttle.(io.Closer); ok {
		defer closer.Close()
	}

	engine := correspond.New(correspond.Options{
		Chat:        matrix,
		Codec:       codec,
		Provider:    gmail,
		Users:       users,
		Throttle:    throttle,
		DefaultName: cfg.DefaultEmailName,
	})
	supervisor := mailsync.New(mailsync.Options{
		Users:       users,
		Provider:    gmail,
		Deliverer:   engine,
		DefaultName: cfg.DefaultEmailName,
		Interval:    time.Duration(cfg.GmailRecheckSeconds) * time.Second,
		RefreshSpec: cfg.TokenRefreshCron,
	})
	machine := auth.New(auth.Options{
		Users:    users,
		Provider: gmail,
		Sync:     supervisor,
		Chat:     matrix,
	})
	supervisor.SetExpirer(machine)
	engine.SetSessions(machine)

	dispatcher := app.New(app.Options{
		Chat:     matrix,
		Codec:    codec,
		Ledger:   ledger,
		Threads:  engine,
		Auth:     machine,
		Replayer: replay.New(matrix, codec),
	})
	api, err := server.New(server.Config{
		HSToken:    cfg.HSToken,
		Dispatcher: dispatcher,
		Accounts:   matrix,
		Codec:      codec,
		Metrics:    cfg.Metrics(),
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	syncDone := make(chan error, 1)
	go func() { syncDone <- supervisor.Run(syncCtx) }()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "bot", cfg.BotID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var syncErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "err", err)
		}
	case syncErr = <-syncDone:
		syncDone = nil
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "err", err)
	}
	stopSync()
	if syncDone != nil {
		syncErr = <-syncDone
	}
	supervisor.Close()
	if syncErr != nil && !errors.Is(syncErr, context.Canceled) {
		return fmt.Errorf("mail sync: %w", syncErr)
	}
	return nil
}

// newThrottle shares the notice throttle across instances when the store is
// redis.
func newThrottle(cfg config.FileConfig) (ratelimit.Throttle, error) {
	if cfg.StoreDriver == "redis" {
		return ratelimit.NewRedisThrottle(cfg.StoreDSN, cfg.RedisPassword, "gmail_bridge:throttle", 1, time.Hour)
	}
	return ratelimit.NewMemoryThrottle(1, time.Hour)
}
