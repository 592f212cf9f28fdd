package main

import (
	"context"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/p-blackswan/calendar-archiver/internal/config"
)

var version = "dev"

// globals are the root flags every command sees.
type globals struct {
	dbPath       string
	archivesFile string
	logLevel     string
}

func main() {
	var (
		g globals
		a *app
	)

	root := &cli.Command{
		Name:    "archiver",
		Usage:   "Mirror calendar windows into an immutable archive calendar",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db",
				Usage:       "path to the SQLite database (overrides DB_PATH)",
				Destination: &g.dbPath,
			},
			&cli.StringFlag{
				Name:        "archives",
				Usage:       "path to the archive definitions file (overrides ARCHIVES_FILE)",
				Destination: &g.archivesFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides LOG_LEVEL",
				Destination: &g.logLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load()
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if g.dbPath != "" {
				cfg.DBPath = g.dbPath
			}
			if g.archivesFile != "" {
				cfg.ArchivesFile = g.archivesFile
			}
			if g.logLevel != "" {
				cfg.LogLevel = g.logLevel
			}

			logger := setupLogger(cfg)
			a, err = newApp(cfg, logger)
			if err != nil {
				return ctx, err
			}
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if a == nil {
				return nil
			}
			return a.Close()
		},
		Commands: []*cli.Command{
			serveCommand(&a),
			runCommand(&a),
			stateCommand(&a),
			cancelCommand(&a),
			trailCommand(&a),
			activityCommand(&a),
			escalationsCommand(&a),
			archivesCommand(&a),
			recoverCommand(&a),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("archiver failed")
		os.Exit(1)
	}
}

// setupLogger writes structured logs to stderr so command output on stdout stays
// machine-readable.
func setupLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Logger = logger
	return logger
}
