package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"accounts/internal/api"
	"accounts/internal/auth"
	"accounts/internal/blob"
	"accounts/internal/config"
	"accounts/internal/db"
	"accounts/internal/session"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "accounts",
		Short:         "User account and session service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), configPath)
		},
	})

	return cmd
}

func migrate(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	database, err := db.OpenAndMigrate(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	defer database.Close()

	slog.Info("migrations applied", "driver", cfg.Database.Driver)
	return nil
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.Info("starting server", "name", cfg.Server.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.OpenAndMigrate(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()
	slog.Info("database opened", "driver", cfg.Database.Driver)

	uploader, localBlobs, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}

	tokens := auth.NewJWTService(auth.TokenConfig{
		AccessSecret:  cfg.Auth.AccessTokenSecret,
		AccessTTL:     cfg.Auth.AccessTokenTTL,
		RefreshSecret: cfg.Auth.RefreshTokenSecret,
		RefreshTTL:    cfg.Auth.RefreshTokenTTL,
	})
	manager := session.NewManager(db.NewUserRepository(database), auth.NewPasswordHasher(), tokens, uploader)

	server := api.NewServer(cfg, database, manager, tokens, localBlobs, api.NewMetrics())

	addr := cfg.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "base_url", cfg.Server.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// newUploader returns the configured media host. The local store is also
// returned so the server can expose it under /media.
func newUploader(ctx context.Context, cfg *config.Config) (session.Uploader, *blob.LocalStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Region:        cfg.Storage.S3.Region,
			Endpoint:      cfg.Storage.S3.Endpoint,
			Bucket:        cfg.Storage.S3.Bucket,
			AccessKey:     cfg.Storage.S3.AccessKey,
			SecretKey:     cfg.Storage.S3.SecretKey,
			PublicBaseURL: cfg.Storage.S3.PublicBaseURL,
			UsePathStyle:  cfg.Storage.S3.UsePathStyle,
		}, cfg.Storage.UploadMaxBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing s3 storage: %w", err)
		}
		slog.Info("s3 storage initialized", "bucket", cfg.Storage.S3.Bucket, "region", cfg.Storage.S3.Region)
		return store, nil, nil
	default:
		store, err := blob.NewLocalStore(cfg.Storage.BlobRoot, cfg.Server.BaseURL, cfg.Storage.UploadMaxBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing blob storage: %w", err)
		}
		slog.Info("blob storage initialized", "root", cfg.Storage.BlobRoot, "upload_max_bytes", cfg.Storage.UploadMaxBytes)
		return store, store, nil
	}
}
