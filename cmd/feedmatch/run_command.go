package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"feedmatch/internal/bot"
	"feedmatch/internal/config"
	"feedmatch/internal/download"
	"feedmatch/internal/engine"
	"feedmatch/internal/metrics"
	"feedmatch/internal/notify"
	"feedmatch/internal/scheduler"
	"feedmatch/internal/storage"
)

const pushJob = "feedmatch"

func newRunCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll feeds and process new items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

			lock := flock.New(cfg.DatabasePath + ".lock")
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return errors.New("another feedmatch instance is already running against this database")
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					log.Warn("release lock", "error", err)
				}
			}()

			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if once {
				return runOnce(runCtx, cmd, cfg, store, log)
			}
			return runDaemon(runCtx, cfg, store, log)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Poll every active feed once, push metrics, and exit")
	return cmd
}

type services struct {
	rec   *metrics.Recorder
	bot   *bot.Bot
	sched *scheduler.Scheduler
}

func buildServices(ctx context.Context, cfg *config.Config, store *storage.SQLite, log *slog.Logger) (*services, error) {
	svc := &services{rec: metrics.New()}

	var downloads download.Client = download.Noop{Log: log}
	if cfg.QbitURL != "" {
		q := download.NewQbit(cfg.QbitURL, cfg.QbitUsername, cfg.QbitPassword, log)
		if err := q.Login(ctx); err != nil {
			return nil, err
		}
		downloads = q
	}

	var telegram notify.Sender
	if cfg.TelegramBotToken != "" {
		b, err := bot.New(cfg.TelegramBotToken, store, cfg, log)
		if err != nil {
			return nil, err
		}
		svc.bot = b
		telegram = b
	}

	dispatcher := notify.NewDispatcher(cfg.NotifyTimeout, telegram, log)
	eng := engine.New(store, store, dispatcher, downloads, svc.rec, log)

	svc.sched = scheduler.New(store, eng, svc.rec, log)
	svc.sched.SetTickInterval(cfg.PollInterval)
	svc.sched.SetWorkers(cfg.Workers)
	return svc, nil
}

func runOnce(ctx context.Context, cmd *cobra.Command, cfg *config.Config, store *storage.SQLite, log *slog.Logger) error {
	svc, err := buildServices(ctx, cfg, store, log)
	if err != nil {
		return err
	}

	stats := svc.sched.PollOnce(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "feeds=%d feed_errors=%d items=%d matched=%d queued=%d duplicates=%d errors=%d\n",
		stats.Feeds, stats.FeedErrors, stats.Items, stats.Matched(), stats.Outcomes[engine.NoMatch], stats.Duplicates, stats.Errors)

	if cfg.PushgatewayURL != "" {
		if err := svc.rec.Push(cfg.PushgatewayURL, pushJob); err != nil {
			return err
		}
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config, store *storage.SQLite, log *slog.Logger) error {
	svc, err := buildServices(ctx, cfg, store, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.rec.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if svc.bot != nil {
		g.Go(func() error {
			svc.bot.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		svc.sched.Run(gctx)
		return nil
	})

	log.Info("feedmatch started",
		"poll_interval", cfg.PollInterval,
		"workers", cfg.Workers,
		"telegram", svc.bot != nil,
		"qbittorrent", cfg.QbitURL != "",
	)
	err = g.Wait()
	log.Info("feedmatch stopped")
	return err
}
