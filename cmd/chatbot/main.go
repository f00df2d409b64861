package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comigor/chatbot/internal/chat"
	"github.com/comigor/chatbot/internal/config"
	"github.com/comigor/chatbot/internal/history"
	"github.com/comigor/chatbot/internal/llm"
	"github.com/comigor/chatbot/internal/logger"
	"github.com/comigor/chatbot/internal/server"
	"github.com/comigor/chatbot/internal/session"
	"github.com/comigor/chatbot/internal/turn"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("chatbot stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Configure(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := history.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	exchanger := turn.New(llm.NewClient(cfg.LLM), store, cfg.LLM)
	svc := chat.NewService(session.NewBinder(store), exchanger, store)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.New(*cfg, svc, store).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr, "model", exchanger.Model())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
