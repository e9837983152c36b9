package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/bulkmail/internal/api"
	"github.com/ignite/bulkmail/internal/batcher"
	"github.com/ignite/bulkmail/internal/config"
	"github.com/ignite/bulkmail/internal/dispatch"
	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/pkg/logger"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/scheduler"
	"github.com/ignite/bulkmail/internal/ses"
	"github.com/ignite/bulkmail/internal/store"
)

const httpShutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error("Fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sendQ := queue.New[*domain.Request](cfg.Sending.SendQueueSize)
	resultQ := queue.New[*domain.Request](cfg.Sending.ResultQueueSize)

	sender, err := ses.NewSender(context.Background(), cfg.SES)
	if err != nil {
		return fmt.Errorf("create sender: %w", err)
	}

	sched := scheduler.New(st, sendQ)
	disp := dispatch.New(sender, cfg.Sending.MaxPerSecond, cfg.Server.PublicURL, sendQ, resultQ)
	batch := batcher.New(st, resultQ)

	// The scheduler stops on ctx cancel; the dispatcher and batcher stop
	// when their input queue closes, so they run on the background ctx
	// and drain fully during shutdown.
	schedCtx, cancelSched := context.WithCancel(context.Background())

	var pipeline sync.WaitGroup
	pipeline.Add(3)
	go func() {
		defer pipeline.Done()
		sched.Run(schedCtx)
	}()
	go func() {
		defer pipeline.Done()
		disp.Run(context.Background())
	}()
	go func() {
		defer pipeline.Done()
		batch.Run()
	}()

	srv := api.NewServer(*cfg, st, sendQ)
	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		cancelSched()
		return fmt.Errorf("server: %w", err)
	}

	// Shutdown order: stop intake, stop claiming, close the send queue
	// so the dispatcher drains and finishes in-flight sends, which
	// closes the result queue and lets the batcher flush the tail.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", "error", err.Error())
	}
	cancelSched()
	sendQ.Close()
	pipeline.Wait()

	sent, failed := disp.Stats()
	logger.Info("Shutdown complete", "total_sent", fmt.Sprintf("%d", sent), "total_failed", fmt.Sprintf("%d", failed))
	return nil
}
