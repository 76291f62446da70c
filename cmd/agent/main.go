package main

import (
	"context"
	"extrato-queue/internal/config"
	"extrato-queue/internal/logger"
	"extrato-queue/internal/worker"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:   "extrato-agent",
		Usage:  "claims extrato jobs, generates their PDFs and reports back",
		Flags:  configFlags(),
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "poll the queue until interrupted",
				Flags:  configFlags(),
				Action: runAction,
			},
			{
				Name:   "once",
				Usage:  "claim and process at most one job",
				Flags:  configFlags(),
				Action: onceAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "env",
			Usage: "path of the .env file",
			Value: ".env",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "optional YAML file overriding the environment",
		},
	}
}

func newWorker(cmd *cli.Command) (*worker.Worker, *slog.Logger, error) {
	cfg, err := config.LoadAgent(cmd.String("env"), cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	l := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})

	w := worker.New(
		worker.NewClient(cfg.APIURL, cfg.Token, nil),
		&worker.CommandGenerator{
			Command:    cfg.GeneratorCommand,
			PreCommand: cfg.PreCommand,
		},
		worker.Config{
			PollInterval:    cfg.PollInterval,
			GenerateTimeout: cfg.GenerateTimeout,
			FailMessageMax:  cfg.FailMessageMax,
			ReportRetries:   cfg.ReportRetries,
		},
		l,
	)
	return w, l, nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	w, _, err := newWorker(cmd)
	if err != nil {
		return err
	}
	return w.Start(ctx)
}

func onceAction(ctx context.Context, cmd *cli.Command) error {
	w, l, err := newWorker(cmd)
	if err != nil {
		return err
	}
	processed, err := w.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !processed {
		l.Info("no pending job")
	}
	return nil
}
