package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/espadas/internal/affect"
	"github.com/MikeSquared-Agency/espadas/internal/api"
	"github.com/MikeSquared-Agency/espadas/internal/auth"
	"github.com/MikeSquared-Agency/espadas/internal/batcher"
	"github.com/MikeSquared-Agency/espadas/internal/call"
	"github.com/MikeSquared-Agency/espadas/internal/callstore"
	"github.com/MikeSquared-Agency/espadas/internal/coach"
	"github.com/MikeSquared-Agency/espadas/internal/config"
	"github.com/MikeSquared-Agency/espadas/internal/genai"
	"github.com/MikeSquared-Agency/espadas/internal/metrics"
	"github.com/MikeSquared-Agency/espadas/internal/sessions"
	slackalert "github.com/MikeSquared-Agency/espadas/internal/slack"
	"github.com/MikeSquared-Agency/espadas/internal/store"
	"github.com/MikeSquared-Agency/espadas/internal/transport"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interview host: store, bridge transport, batcher and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("espadas starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"flush_interval", cfg.BatchFlushInterval,
		"flush_threshold", cfg.BatchFlushThreshold,
		"buffer_max", cfg.BufferMaxSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to the database and apply the schema.
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("database connected")

	// Step 2: Connect to the voice bridge.
	conn, err := transport.Connect(cfg.NatsURL, cfg.BridgeRequestTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.EnsureStream(ctx); err != nil {
		return err
	}

	// Conditionally create the Slack alerter for operator notices.
	var alerter *slackalert.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		slog.Info("Slack alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 3: Session event batcher feeding the session and metrics processors.
	bat := batcher.New(db, batcher.Config{
		FlushInterval:  cfg.BatchFlushInterval,
		FlushThreshold: cfg.BatchFlushThreshold,
		BufferMax:      cfg.BufferMaxSize,
	}, sessions.NewProcessor(db), metrics.NewProcessor(db))
	bat.SetAlertPublisher(func(subject string, data []byte) error {
		if alerter != nil {
			go func() {
				if err := alerter.PostSystemAlert(context.Background(), subject, data); err != nil {
					slog.Warn("failed to post system alert to Slack", "error", err)
				}
			}()
		}
		return conn.Publish(subject, data)
	})
	bat.Start(ctx)

	// Step 4: Host service.
	svc := coach.New(coach.Deps{
		Transports: func(channel string) call.Transport { return conn.ForSession(channel) },
		Classifier: classifier(cfg),
		Calls:      callstore.NewClient(cfg.VapiAPIURL, cfg.VapiAPIKey, cfg.BridgeRequestTimeout),
		Generator:  genai.New(cfg.GeminiURL, cfg.GeminiAPIKey, cfg.GeminiModel, 0),
		Store:      db,
		Recorders:  []call.Recorder{bat, transport.NewAnnouncer(conn.JetStream())},
		Notifier:   notifier(alerter),
	}, coachConfig(cfg))

	// Step 5: HTTP API.
	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		slog.Warn("JWT_SECRET not set, API authentication disabled")
	}
	srv := api.NewServer(svc, bat, verifier, cfg.Port)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("espadas ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Warn("session shutdown", "error", err)
	}
	cancel()
	bat.Wait()
	slog.Info("espadas stopped")
	return nil
}

// classifier returns the remote classifier when configured, falling back
// to the lexicon.
func classifier(cfg config.Config) affect.Classifier {
	lex := affect.NewLexicon()
	if cfg.EmotionURL == "" {
		return lex
	}
	return affect.NewRemote(cfg.EmotionURL, cfg.ClassifierTimeout, lex)
}

func notifier(a *slackalert.Alerter) coach.Notifier {
	if a == nil {
		return nil
	}
	return a
}

func coachConfig(cfg config.Config) coach.Config {
	cc := call.DefaultConfig()
	cc.AssistantID = cfg.AssistantID
	cc.SettlingDelay = cfg.SettlingDelay
	cc.AutoIdleDelay = cfg.AutoIdleDelay
	cc.ProbeDelay = cfg.ProbeDelay
	cc.ProbeTimeout = cfg.ProbeTimeout
	cc.SendTimeout = cfg.BridgeRequestTimeout
	return coach.Config{
		Call:                cc,
		SaveNotFoundRetries: cfg.SaveNotFoundRetries,
		SaveRetryDelay:      cfg.SaveRetryDelay,
		Retention:           cfg.SessionRetention,
	}
}
