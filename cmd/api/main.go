package main

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parley/db/migrations"
	"parley/internal/app"
	"parley/internal/archive"
	"parley/internal/attachments"
	"parley/internal/config"
	"parley/internal/export"
	"parley/internal/keys"
	"parley/internal/llm"
	"parley/internal/search"
	"parley/internal/session"
	"parley/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	var schema fs.FS = migrations.FS
	if strings.TrimSpace(cfg.MigrationsDir) != "" {
		schema = os.DirFS(cfg.MigrationsDir)
	}
	applied, err := store.ApplyMigrations(ctx, db, schema)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	for _, version := range applied {
		log.Printf("Applied migration %s", version)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Dependencies{
		Store:   dataStore,
		Archive: archive.New(cfg.ArchiveDir),
		LLM:     llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMDefaultModel, cfg.LLMTimeout),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, search.NewPgFTS(db))
	go deps.Search.ReindexAllFromPG(ctx)

	var objects attachments.ObjectStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := attachments.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Printf("WARNING: attachments disabled: %v", err)
		} else {
			objects = minioStore
		}
	}
	deps.Files = attachments.NewService(objects, dataStore)

	var pdf export.PDFRenderer
	if renderer, err := export.NewChromeRenderer(cfg.ChromePath, 30*time.Second); err != nil {
		log.Printf("PDF export disabled: %v", err)
	} else {
		pdf = renderer
	}
	deps.Export = export.NewService(dataStore, pdf)

	sealer, err := keys.NewSealer(cfg.KeysSecret, 0)
	if err != nil {
		log.Fatalf("provider key sealer: %v", err)
	}
	deps.Keys = sealer

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Completions stream for as long as the model takes.
		WriteTimeout: cfg.LLMTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Parley API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
