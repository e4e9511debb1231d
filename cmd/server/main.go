package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	shutup "github.com/MegaGrindStone/shutup-web-ui"
	"github.com/MegaGrindStone/shutup-web-ui/internal/chat"
	"github.com/MegaGrindStone/shutup-web-ui/internal/handlers"
	"github.com/MegaGrindStone/shutup-web-ui/internal/services"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}

	cfgFilePath := filepath.Join(cfgDir, "shutup", "config.yaml")
	cfg, err := loadConfig(cfgFilePath, os.Getenv)
	if err != nil {
		log.Fatal(err)
	}

	level, err := cfg.logLevel()
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	policy, err := chat.ParsePolicy(cfg.EmptyInterrupt)
	if err != nil {
		log.Fatal(err)
	}

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm: %w", err))
	}

	dbPath := cfg.StorePath
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), fmt.Sprintf("shutup-%d.db", os.Getpid()))
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	}()

	manager := chat.NewManager(llm, boltDB, cfg.LLM.base().Model, chat.Options{EmptyInterrupt: policy}, logger)

	m, err := handlers.NewMain(manager, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(shutup.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := manager.Shutdown(ctx); err != nil {
			logger.Error("Failed to stop replies", slog.String("err", err.Error()))
		}
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("provider", cfg.LLM.base().Provider),
			slog.String("model", cfg.LLM.base().Model))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
