package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ageverif_gateway/internal/admin"
	"ageverif_gateway/internal/api"
	"ageverif_gateway/internal/config"
	"ageverif_gateway/internal/dedupe"
	"ageverif_gateway/internal/logger"
	"ageverif_gateway/internal/messaging"
	"ageverif_gateway/internal/metrics"
	"ageverif_gateway/internal/repository"
	"ageverif_gateway/internal/service"
	"ageverif_gateway/internal/verifier"
	"ageverif_gateway/internal/webhook"
)

func runMigrations(ctx context.Context, db *pgxpool.Pool, dir string, log *zap.Logger) error {
	log.Info("Running database migrations", zap.String("dir", dir))

	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var names []string
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".sql") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		log.Info("Migration applied", zap.String("file", name))
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting age verification gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.DatabaseDSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := runMigrations(ctx, db, "migrations", log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	natsClient, err := messaging.NewNATSClient(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	// Журналируем каждое сохранённое подтверждение возраста
	err = natsClient.SubscribeToEvidenceRecorded(ctx, func(msg *messaging.EvidenceRecordedMessage) {
		log.Info("Evidence recorded",
			zap.String("event_id", msg.EventID),
			zap.String("target", msg.Target),
			zap.String("key", msg.Key),
			zap.String("source", msg.Source))
	})
	if err != nil {
		log.Error("Failed to subscribe to evidence events", zap.Error(err))
	}

	deduper := dedupe.Noop()
	if cfg.Redis.Addr != "" {
		rdb := dedupe.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unavailable, webhook dedupe disabled", zap.Error(err))
		} else {
			deduper = dedupe.NewRedisDeduper(rdb, time.Duration(cfg.Redis.DedupeTTL)*time.Second, log)
			log.Info("Webhook dedupe enabled", zap.String("redis", cfg.Redis.Addr))
		}
	}

	var adminClient admin.Client
	if cfg.AdminConfigured() {
		adminClient, err = admin.NewClient(cfg.AdminEndpoint(), cfg.Shopify.AdminToken, log)
		if err != nil {
			log.Fatal("Failed to create admin client", zap.Error(err))
		}
	} else {
		log.Warn("Admin API not configured: evidence goes to the ledger only, webhook and status are disabled")
	}

	providerVerifier := verifier.NewClient(verifier.Config{
		APIURL:            cfg.AgeVerif.APIURL,
		SecretKey:         cfg.AgeVerif.SecretKey,
		RequestsPerSecond: cfg.AgeVerif.RequestsPerSecond,
		Timeout:           10 * time.Second,
	}, log)
	// Тестовые токены принимаются только на /verify, вебхук всегда идёт к провайдеру
	tokenVerifier := verifier.WithDevTokens(providerVerifier)

	m := metrics.New()

	verificationService := service.NewVerificationService(service.Deps{
		Admin:     adminClient,
		Verifier:  tokenVerifier,
		Validator: webhook.NewValidator(cfg.AgeVerif.WebhookSecret, providerVerifier),
		Repo:      repository.NewEvidenceRepository(db, log),
		NATS:      natsClient,
		Deduper:   deduper,
		Metrics:   m,
		Settings: service.Settings{
			MetafieldNamespace: cfg.AgeVerif.MetafieldNamespace,
			MetafieldKey:       cfg.AgeVerif.MetafieldKey,
			OrderMetafieldKey:  cfg.AgeVerif.OrderMetafieldKey,
		},
		Logger: log,
	})

	pages, err := api.NewPages(api.PageConfig{
		ClientURL: cfg.AgeVerif.ClientURL,
		PublicKey: cfg.AgeVerif.PublicKey,
	}, log)
	if err != nil {
		log.Fatal("Failed to load pages", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(verificationService, pages, m, log).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("Starting server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
