package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentqueue/internal/config"
	"agentqueue/internal/httpapi"
	"agentqueue/internal/store"
	"agentqueue/internal/store/memory"
	"agentqueue/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var st store.Store
	var closer func()

	if cfg.DatabaseURL != "" {
		pg, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres store: %v", err)
		}
		st = pg
		closer = pg.Close
		log.Printf("using postgres store")
	} else {
		st = memory.NewStore()
		log.Printf("using memory store")
	}

	if closer != nil {
		defer closer()
	}

	if cfg.ActivityRetentionDays > 0 {
		go runActivityRetentionLoop(rootCtx, st, cfg.ActivityRetentionDays, cfg.RetentionIntervalHours)
	}

	srv := httpapi.NewServer(cfg, st)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("agentqueue listening on %s", cfg.ListenAddr())
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Printf("shutdown requested")
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	cancelRoot()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}

func runActivityRetentionLoop(ctx context.Context, st store.Store, retentionDays, intervalHours int) {
	retention := time.Duration(retentionDays) * 24 * time.Hour
	interval := time.Duration(intervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	runOnce := func() {
		cutoff := time.Now().UTC().Add(-retention)
		ctxPurge, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		n, err := st.PurgeActivityBefore(ctxPurge, cutoff)
		if err != nil {
			log.Printf("retention purge failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("retention purged %d activity entries (< %s)", n, cutoff.Format(time.RFC3339))
		}
	}

	runOnce()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce()
		}
	}
}
