package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inkwell/api/internal/app"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/config"
	"inkwell/api/internal/cursor"
	"inkwell/api/internal/store"
	"inkwell/api/internal/ws"
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
	dataStore := store.NewPostgresStore(db)

	cursorStore, err := cursor.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer cursorStore.Close()

	resolver := auth.NewResolver([]byte(cfg.JWTSecret))
	collabSvc := collab.NewService(collab.Stores{
		Rooms:      dataStore,
		Sessions:   dataStore,
		Activities: dataStore,
		Cursors:    cursorStore,
	}, auth.NewGrantChecker(), resolver, collab.Options{
		LivenessWindow: cfg.LivenessWindow,
		SweepInterval:  cfg.SweepInterval,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go collabSvc.RunSweeper(sweepCtx)

	httpServer := app.NewHTTPServer(app.Deps{
		Collab:  collabSvc,
		Rooms:   dataStore,
		Stats:   dataStore,
		Tokens:  resolver,
		DB:      dataStore,
		Cursors: cursorStore,
	}, cfg.CORSOrigin, cfg.WSTokenTTL)

	mux := http.NewServeMux()
	mux.Handle("/ws/collab/", ws.NewHandler(collabSvc, cfg.CORSOrigin))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkwell collaboration API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
