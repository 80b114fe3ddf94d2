package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockyard/internal/blob"
	"stockyard/internal/config"
	"stockyard/internal/constants"
	"stockyard/internal/email"
	"stockyard/internal/fakeapi"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	seed := flag.Bool("seed", true, "create demo accounts on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	serverCfg := fakeapi.Config{
		BaseURL:        cfg.Backend.BaseURL,
		JWTSecret:      cfg.Backend.JWTSecret,
		AccessTokenTTL: cfg.Backend.AccessTokenTTL,
		AuthRateLimit:  cfg.Backend.AuthRateLimit,
	}

	if cfg.Backend.UploadDir != "" {
		uploads, err := blob.NewService(cfg.Backend.UploadDir, constants.AvatarMaxBytes)
		if err != nil {
			slog.Error("failed to initialize upload store", "error", err)
			os.Exit(1)
		}
		serverCfg.Uploads = uploads
		slog.Info("storing uploads on disk", "dir", cfg.Backend.UploadDir)
	}

	if smtpCfg := cfg.Backend.SMTP; smtpCfg.Host != "" {
		mailer, err := email.NewMailer(email.Config{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			From:     smtpCfg.From,
		})
		if err != nil {
			slog.Error("failed to initialize mailer", "error", err)
			os.Exit(1)
		}
		serverCfg.Mailer = mailer
		slog.Info("mailing reset codes", "smtp_host", smtpCfg.Host)
	}

	server := fakeapi.New(serverCfg, logger)

	if *seed {
		seedAccounts(server)
	}

	addr := cfg.BackendAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("fake backend listening", "addr", addr, "base_url", cfg.Backend.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")

	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

func seedAccounts(server *fakeapi.Server) {
	accounts := []struct{ name, email, phone string }{
		{"Demo Farmer", "farmer@example.com", "555-0100"},
		{"Demo Buyer", "buyer@example.com", "555-0101"},
	}
	for _, a := range accounts {
		id, err := server.CreateUser(a.name, a.email, a.phone, "password")
		if err != nil {
			slog.Warn("failed to seed account", "email", a.email, "error", err)
			continue
		}
		slog.Info("seeded account", "user_id", id, "email", a.email, "password", "password")
	}
}
