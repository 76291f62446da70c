package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:   "extrato-server",
		Usage:  "extrato job queue and agent coordination API",
		Flags:  configFlags(),
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "migrate the schema and serve the HTTP API",
				Flags:  configFlags(),
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "create or update the job store schema",
				Flags:  configFlags(),
				Action: migrateAction,
			},
			{
				Name:  "token",
				Usage: "mint a session token for a requester",
				Flags: append([]cli.Flag{
					&cli.Int64Flag{
						Name:     "user",
						Usage:    "numeric user id",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "admin",
						Usage: "grant the administrator capability",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "token lifetime, 0 for no expiry",
						Value: 24 * time.Hour,
					},
				}, configFlags()...),
				Action: tokenAction,
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
