package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lehigh-university-libraries/readerstudy/internal/auth"
	"github.com/lehigh-university-libraries/readerstudy/internal/events"
	"github.com/lehigh-university-libraries/readerstudy/internal/handlers"
	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	"github.com/lehigh-university-libraries/readerstudy/internal/platform/config"
	"github.com/lehigh-university-libraries/readerstudy/internal/platform/otel"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/ai"
	"github.com/lehigh-university-libraries/readerstudy/internal/services/session"
	"github.com/lehigh-university-libraries/readerstudy/internal/storage"
	"github.com/lehigh-university-libraries/readerstudy/internal/storage/sqlite"
	"github.com/lehigh-university-libraries/readerstudy/internal/utils"
	"github.com/lehigh-university-libraries/readerstudy/pkg/predictions/parser"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.ExitOnError("Invalid configuration", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if cfg.JWTSecret == "" {
		utils.ExitOnError("Missing token secret", errors.New("READERSTUDY_JWT_SECRET is required"))
	}
	units, err := parser.ParseUnits(cfg.DatasetBoxUnits)
	if err != nil {
		utils.ExitOnError("Invalid dataset units", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "readerstudy")
	if err != nil {
		utils.ExitOnError("Unable to set up tracing", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		utils.ExitOnError("Unable to open store", err)
	}
	if cfg.ParticipantsSeed != "" {
		n, err := storage.ImportParticipantsFile(ctx, store, cfg.ParticipantsSeed)
		if err != nil {
			utils.ExitOnError("Unable to import participants", err)
		}
		slog.Info("Participants imported", "path", cfg.ParticipantsSeed, "count", n)
	}

	publisher := newPublisher(cfg)

	lookup := ai.New(ai.NewSource(cfg.DatasetSource), units, ai.DirSizer{Dir: cfg.DatasetImageDir})
	go func() {
		// Warm the cache; the first lookup waits on the same load.
		if err := lookup.Load(ctx); err != nil {
			slog.Error("AI predictions failed to load, will retry on first lookup", "source", cfg.DatasetSource, "err", err)
		}
	}()

	sessions := session.NewController(session.Options{
		TotalTrials: cfg.Trials(),
		Store:       store,
		Predictions: lookup,
		Publisher:   publisher,
		ImageDir:    cfg.DatasetImageDir,
		OnComplete: func(participantID string, phase models.Phase) {
			slog.Info("Participant finished phase", "participant", participantID, "phase", phase)
		},
	})

	handler := handlers.New(handlers.Options{
		Sessions: sessions,
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		ImageDir: cfg.DatasetImageDir,
		MapDir:   cfg.DatasetMapDir,
	})

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte("OK"))
		if err != nil {
			slog.Error("Unable to write healthcheck", "err", err)
			os.Exit(1)
		}
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: otelhttp.NewHandler(mux, "readerstudy"),
	}
	go func() {
		slog.Info("Reader study API available", "addr", cfg.Addr, "trials", cfg.Trials(), "debug", cfg.DebugMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ExitOnError("Server failed to start", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "err", err)
	}
	publisher.Close()
	if err := closeStore(); err != nil {
		slog.Error("Store close failed", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("Tracing shutdown failed", "err", err)
	}
}

func openStore(cfg config.Config) (storage.Store, func() error, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using SQLite store", "path", cfg.SQLitePath)
		return s, s.Close, nil
	case "memory", "":
		slog.Warn("Using in-memory store, trial records are lost on restart")
		return storage.New(), func() error { return nil }, nil
	default:
		return nil, nil, errors.New("unknown store driver " + cfg.StoreDriver)
	}
}

func newPublisher(cfg config.Config) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return events.LogPublisher{}
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		slog.Error("Kafka unavailable, logging events instead", "err", err)
		return events.LogPublisher{}
	}
	return p
}
