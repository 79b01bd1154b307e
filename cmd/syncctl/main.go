package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/attendsync/attendsync/internal/platform/logging"
	"github.com/attendsync/attendsync/internal/platform/version"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "syncctl",
		Usage:   "operate attendsync provider sync",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL, used for task leases, cache invalidation and notifications",
				EnvVars: []string{"REDIS_URL"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "verbose logging",
			},
		},
		Before: func(cctx *cli.Context) error {
			level := "info"
			if cctx.Bool("verbose") {
				level = "debug"
			}
			slog.SetDefault(logging.New(os.Stderr, level, "text"))
			return nil
		},
		Commands: []*cli.Command{
			failuresCommand(),
			membersCommand(),
			adminsCommand(),
			notificationsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
