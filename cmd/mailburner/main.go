package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/mailburner/internal/api"
	"github.io/infrasutra/mailburner/internal/config"
	"github.io/infrasutra/mailburner/internal/forwarder"
	"github.io/infrasutra/mailburner/internal/mailtm"
	"github.io/infrasutra/mailburner/internal/provisioner"
	"github.io/infrasutra/mailburner/internal/relay"
	"github.io/infrasutra/mailburner/internal/scheduler"
	"github.io/infrasutra/mailburner/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	if err := run(cfg, logger); err != nil {
		logger.Error("mailburner stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	rly, err := selectRelay(ctx, cfg, logger.With("component", "relay"))
	if err != nil {
		return err
	}

	provider := mailtm.New(cfg.ProviderURL, cfg.RequestTimeout, logger.With("component", "mailtm"))
	fwd := forwarder.New(db, provider, rly, logger.With("component", "forwarder"))

	sched := scheduler.New(scheduler.Config{
		Interval:    cfg.PollInterval,
		Workers:     cfg.PollWorkers,
		MaxAge:      cfg.AccountMaxAge,
		TickTimeout: cfg.TickTimeout,
	}, func(ctx context.Context, address string) error {
		_, err := fwd.Poll(ctx, address)
		return err
	}, logger.With("component", "scheduler"))

	accounts, err := db.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, account := range accounts {
		sched.Add(account.Address, account.CreatedAt)
	}

	prov := provisioner.New(provider, db, sched, cfg.ProvisionInterval, logger.With("component", "provisioner"))

	apiServer, err := api.NewServer(db, logger.With("component", "http"))
	if err != nil {
		return fmt.Errorf("init listing page: %w", err)
	}
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting mailburner",
		"provider", cfg.ProviderURL,
		"relay", rly.Name(),
		"forward_to", cfg.ForwardTo,
		"accounts", len(accounts),
		"poll_interval", cfg.PollInterval,
		"provision_interval", cfg.ProvisionInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return prov.Run(gctx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// selectRelay builds the delivery backend named by RELAY_BACKEND.
func selectRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) (relay.Relay, error) {
	switch cfg.RelayBackend {
	case config.RelaySES:
		logger.Info("using AWS SES relay", "region", cfg.SES.Region, "sender", cfg.SMTP.From)
		r, err := relay.NewSES(ctx, relay.SESConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			From:            cfg.SMTP.From,
			To:              cfg.ForwardTo,
		})
		if err != nil {
			return nil, fmt.Errorf("init ses relay: %w", err)
		}
		return r, nil
	case config.RelayStdout:
		logger.Warn("using stdout relay; messages are printed, not sent")
		return relay.NewStdout(cfg.SMTP.From, cfg.ForwardTo), nil
	default:
		logger.Info("using smtp relay", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port, "tls", cfg.SMTP.TLS)
		return relay.NewSMTP(relay.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.ForwardTo,
			TLS:      cfg.SMTP.TLS,
			Timeout:  cfg.RequestTimeout,
		}, logger), nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
