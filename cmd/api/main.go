package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"easel/api/internal/app"
	"easel/api/internal/archive"
	"easel/api/internal/config"
	"easel/api/internal/identity"
	"easel/api/internal/search"
	"easel/api/internal/session"
	"easel/api/internal/store"
	"easel/api/internal/thumbs"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	archiveService := archive.New(cfg.ArchiveDir)

	verifier, err := identity.NewFirebaseVerifier(ctx, cfg.FirebaseCredentialsPath)
	if err != nil {
		log.Fatalf("identity provider init failed: %v", err)
	}

	thumbStore, err := thumbs.New(ctx, thumbs.Config{
		Endpoint:      cfg.ThumbEndpoint,
		AccessKey:     cfg.ThumbAccessKey,
		SecretKey:     cfg.ThumbSecretKey,
		Bucket:        cfg.ThumbBucket,
		UseSSL:        cfg.ThumbUseSSL,
		PublicBaseURL: cfg.ThumbPublicBaseURL,
	})
	if err != nil {
		log.Fatalf("thumbnail store init failed: %v", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient)
	defer searchService.Close()

	deps := app.Deps{
		Store:       dataStore,
		Thumbs:      thumbStore,
		Archive:     archiveService,
		Search:      searchService,
		Verifier:    verifier,
		IdentityTTL: cfg.IdentityTTL,
	}

	if capturer := thumbs.NewCapturer(cfg.ViewerBaseURL); capturer != nil {
		deps.Capturer = capturer
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Cache = redisStore
		log.Printf("Caching verified identities in Redis")
	} else {
		log.Printf("No REDIS_URL set, verifying tokens on every request")
	}

	service := app.New(deps)
	defer service.Close()

	if meiliClient != nil {
		go reindexProjects(ctx, dataStore, searchService)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Easel API listening on %s", cfg.Addr)
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

// reindexProjects pushes every project title into the search index so it
// catches up with rows written while the index was down.
func reindexProjects(ctx context.Context, dataStore *store.PostgresStore, searchService *search.Service) {
	metas, err := dataStore.ListAllProjectMetas(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	records := make([]search.ProjectRecord, 0, len(metas))
	for _, meta := range metas {
		records = append(records, search.ProjectRecord{
			ID:        meta.ID,
			OwnerID:   meta.OwnerID,
			Title:     meta.Title,
			UpdatedAt: meta.UpdatedAt.Unix(),
		})
	}
	searchService.ReindexAll(records)
}
