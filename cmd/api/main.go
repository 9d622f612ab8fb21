package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aurex.org/internal/approval"
	"aurex.org/internal/audit"
	"aurex.org/internal/httpapi"
	"aurex.org/internal/identity"
	"aurex.org/internal/obs"
	"aurex.org/internal/session"
	"aurex.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("AUREX_COMMIT"))

	dsn := os.Getenv("AUREX_PG_DSN")
	if dsn == "" {
		log.Fatal("missing AUREX_PG_DSN")
	}
	signingSecret := os.Getenv("AUREX_AUTH_SECRET")
	if signingSecret == "" {
		log.Fatal("missing AUREX_AUTH_SECRET")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	fallbackPath := os.Getenv("AUREX_AUDIT_FALLBACK")
	if fallbackPath == "" {
		fallbackPath = "aurex-audit-fallback.jsonl"
	}
	fallback, err := audit.OpenFileFallback(fallbackPath)
	if err != nil {
		log.Fatalf("open audit fallback: %v", err)
	}
	defer fallback.Close()

	recorder, err := audit.NewRecorder(store, fallback)
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}
	sessions, err := session.NewService(store, store, recorder, signingSecret)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	accounts, err := identity.NewService(store)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}
	workflow, err := approval.New(store)
	if err != nil {
		log.Fatalf("approval workflow: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Probe:    httpapi.ReadyProbe{DB: store.DB()},
		Version:  version,
		Sessions: sessions,
		Accounts: accounts,
		Workflow: workflow,
		AuditLog: store,
		Recorder: recorder,
		Limiter:  httpapi.NewRateLimiter(20, 40),
	})

	addr := os.Getenv("AUREX_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting aurex-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
