package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/p-blackswan/calendar-archiver/internal/api"
	"github.com/p-blackswan/calendar-archiver/internal/archive"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

func windowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "user", Usage: "owner of the calendars", Required: true},
		&cli.StringFlag{Name: "start", Usage: "window start (RFC 3339)", Required: true},
		&cli.StringFlag{Name: "end", Usage: "window end (RFC 3339, inclusive)", Required: true},
	}
}

func parseWindow(c *cli.Command) (schedule.Window, error) {
	start, err := time.Parse(time.RFC3339, c.String("start"))
	if err != nil {
		return schedule.Window{}, fmt.Errorf("--start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, c.String("end"))
	if err != nil {
		return schedule.Window{}, fmt.Errorf("--end: %w", err)
	}
	w := schedule.Window{Start: start, End: end}
	return w, w.Validate()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API",
		Action: func(ctx context.Context, c *cli.Command) error {
			svc := *a
			cfg := svc.cfg

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := svc.runner.RecoverStale(ctx); err != nil {
				svc.logger.Warn().Err(err).Msg("stale run recovery failed")
			}
			go recoverLoop(ctx, svc, cfg.MaxRunDuration/2)

			keys := make(map[string]api.Role, len(cfg.APIKeys))
			for k, name := range cfg.APIKeys {
				role, err := api.ParseRole(name)
				if err != nil {
					return err
				}
				keys[k] = role
			}

			srv := api.NewServer(api.ServerConfig{
				ListenAddr: cfg.HTTPListenAddr,
				AuthConfig: api.AuthConfig{Mode: cfg.APIAuthMode, APIKey: cfg.APIKey, Keys: keys},
				RateLimit:  api.RateLimitConfig{RPS: cfg.APIRateLimitRPS, Burst: cfg.APIRateLimitBurst},
			}, svc.runner, svc.audit, svc.queue, svc.checker, svc.metrics, svc.logger)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			return srv.Shutdown()
		},
	}
}

func recoverLoop(ctx context.Context, svc *app, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.runner.RecoverStale(ctx); err != nil {
				svc.logger.Warn().Err(err).Msg("stale run recovery failed")
			}
		}
	}
}

func runCommand(a **app) *cli.Command {
	flags := append(windowFlags(),
		&cli.StringFlag{Name: "archive", Usage: "name of a configured archive definition"},
		&cli.StringFlag{Name: "source", Usage: "source calendar in the archive store"},
		&cli.StringFlag{Name: "dest", Usage: "destination calendar"},
		&cli.StringFlag{Name: "mode", Usage: "append or replace", Value: string(archive.ModeAppend)},
		&cli.BoolFlag{Name: "allow-overlaps", Usage: "archive overlapping items without resolution"},
		&cli.DurationFlag{Name: "merge-tolerance", Usage: "maximum drift when matching extensions"},
	)
	return &cli.Command{
		Name:  "run",
		Usage: "Archive one window and print the result",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			svc := *a
			w, err := parseWindow(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var res *archive.Result
			switch {
			case c.String("archive") != "":
				res, err = svc.runner.RunNamed(ctx, c.String("user"), c.String("archive"), w)
			case c.String("source") != "":
				res, err = svc.runner.Run(ctx, archive.Request{
					User:                c.String("user"),
					SourceCalendar:      c.String("source"),
					DestinationCalendar: c.String("dest"),
					Window:              w,
					Mode:                archive.Mode(c.String("mode")),
					AllowOverlaps:       c.Bool("allow-overlaps"),
					MergeTolerance:      c.Duration("merge-tolerance"),
				})
			default:
				return errors.New("either --archive or --source is required")
			}

			if res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func stateCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show the run record of a window",
		Flags: append(windowFlags(), &cli.StringFlag{Name: "source", Usage: "source calendar", Required: true}),
		Action: func(ctx context.Context, c *cli.Command) error {
			w, err := parseWindow(c)
			if err != nil {
				return err
			}
			st, err := (*a).runner.State(c.String("user"), c.String("source"), w)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func cancelCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Ask a running run to stop at its next phase boundary",
		Flags: append(windowFlags(), &cli.StringFlag{Name: "source", Usage: "source calendar", Required: true}),
		Action: func(ctx context.Context, c *cli.Command) error {
			w, err := parseWindow(c)
			if err != nil {
				return err
			}
			if err := (*a).runner.Cancel(ctx, c.String("user"), c.String("source"), w); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "cancel requested")
			return nil
		},
	}
}

func trailCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:      "trail",
		Usage:     "Print the audit trail of one run",
		ArgsUsage: "<correlation-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("correlation id is required")
			}
			entries, err := (*a).audit.RunTrail(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
}

func activityCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:  "activity",
		Usage: "Print a user's audit entries",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.DurationFlag{Name: "since", Usage: "only entries newer than this", Value: 24 * time.Hour},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			from := time.Now().Add(-c.Duration("since"))
			entries, err := (*a).audit.UserActivity(ctx, c.String("user"), from, time.Time{})
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
}

func escalationsCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:  "escalations",
		Usage: "List overlaps waiting for manual resolution",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "limit to one user"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			tasks, err := (*a).queue.Pending(c.String("user"), 0)
			if err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}
}

func archivesCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:  "archives",
		Usage: "List a user's archive definitions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return printJSON((*a).archives.ForUser(c.String("user")))
		},
	}
}

func recoverCommand(a **app) *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Fail runs whose heartbeat is older than MAX_RUN_DURATION",
		Action: func(ctx context.Context, c *cli.Command) error {
			stale, err := (*a).runner.RecoverStale(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "recovered %d stale run(s)\n", len(stale))
			return nil
		},
	}
}
