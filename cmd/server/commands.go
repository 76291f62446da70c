package main

import (
	"context"
	"errors"
	"extrato-queue/internal/api"
	"extrato-queue/internal/artifact"
	"extrato-queue/internal/config"
	"extrato-queue/internal/database"
	"extrato-queue/internal/jobs"
	"extrato-queue/internal/logger"
	"extrato-queue/internal/ratelimit"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// jobStore is a job store that also owns its connections
type jobStore interface {
	jobs.Store
	InitSchema(ctx context.Context) error
	io.Closer
}

func loadConfig(cmd *cli.Command) (*config.ServerConfig, *slog.Logger, error) {
	cfg, err := config.LoadServer(cmd.String("env"), cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (jobStore, error) {
	if cfg.Driver == "postgres" {
		db, err := database.NewPostgres(ctx, database.ConnectionParams{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		})
		if err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := database.New(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openArtifacts(cfg config.ArtifactConfig) artifact.Store {
	if cfg.Backend == "s3" {
		s3cfg := artifact.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
		}
		return artifact.NewS3Store(artifact.NewS3Client(s3cfg), s3cfg.Bucket, s3cfg.Prefix)
	}
	return artifact.NewFileStore(cfg.OutputDir)
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Info("schema ready", "driver", cfg.Database.Driver)
	return nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to serve the API")
	}
	if cfg.AgentToken == "" {
		log.Warn("AGENT_TOKEN is not set, agent endpoints will answer 500")
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	artifacts := openArtifacts(cfg.Artifacts)
	opts := jobs.Options{
		DefaultPeriod:   cfg.Extrato.DefaultPeriod,
		DefaultCustomer: cfg.Extrato.DefaultCustomer,
		ErrorMaxLen:     cfg.Extrato.ErrorMaxLen,
		LeaseTimeout:    cfg.AgentLeaseTimeout,
	}
	limiter := ratelimit.New(store, cfg.RateLimit.Max, cfg.RateLimit.Window)

	apiServer := api.NewServer(
		jobs.NewQueue(store, artifacts, limiter, opts, log),
		jobs.NewAgent(store, artifacts, opts, log),
		api.Config{
			JWTSecret:      cfg.JWTSecret,
			AgentToken:     cfg.AgentToken,
			MaxPDFBytes:    cfg.Extrato.MaxPDFBytes,
			AllowedOrigins: cfg.CORSAllowedOrigins,
		},
		log,
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.HTTPAddr, "driver", cfg.Database.Driver,
			"artifacts", cfg.Artifacts.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func tokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadServer(cmd.String("env"), cmd.String("config"))
	if err != nil {
		return err
	}

	token, err := api.IssueToken(cfg.JWTSecret, cmd.Int64("user"), cmd.Bool("admin"), cmd.Duration("ttl"), time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, token)
	return err
}
