package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/compmut/internal/app"
	"github.com/atvirokodosprendimai/compmut/internal/config"
	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/usecase"
	"github.com/atvirokodosprendimai/compmut/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "compmut",
		Usage: "Competition mutation pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("COMPMUT_CONFIG"),
				Usage:   "YAML file merged over the built-in defaults",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "SQLite file path (overrides database.path)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides log.level)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			migrateCommand(),
			enqueueCommand(),
		},
	}
}

// setup loads the configuration, applies the global overrides and opens the
// application. The caller closes both the app and the logger.
func setup(ctx context.Context, c *cli.Command, override func(*config.Config)) (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if v := c.String("db-path"); v != "" {
		cfg.Database.Path = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if override != nil {
		override(&cfg)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return a, log, nil
}

func closeAll(a *app.App, log *zap.Logger) {
	if err := a.Close(); err != nil {
		log.Warn("close resources", zap.Error(err))
	}
	_ = log.Sync()
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address (overrides http.addr)",
			},
			&cli.BoolFlag{
				Name:  "embedded-worker",
				Usage: "Also run the worker in this process",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			a, log, err := setup(ctx, c, func(cfg *config.Config) {
				if v := c.String("addr"); v != "" {
					cfg.HTTP.Addr = v
				}
				if c.IsSet("embedded-worker") {
					cfg.Worker.Embedded = c.Bool("embedded-worker")
				}
			})
			if err != nil {
				return err
			}
			defer closeAll(a, log)
			return a.Serve(ctx)
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:      "worker",
		Usage:     "Apply queued mutations for a bounded time",
		ArgsUsage: "DURATION",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "stop-exactly",
				Value: usecase.NoExactStop,
				Usage: "Also stop at the next occurrence of this minute of the hour (0-59)",
			},
			&cli.BoolFlag{
				Name:  "quick",
				Usage: "Interpret DURATION as seconds",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one DURATION argument, one of %v", usecase.AllowedDurations)
			}
			duration, err := strconv.Atoi(c.Args().First())
			if err != nil {
				return fmt.Errorf("duration %q: %w", c.Args().First(), err)
			}
			stopExactly := int(c.Int("stop-exactly"))
			if err := usecase.ValidateRun(duration, stopExactly); err != nil {
				return err
			}
			stopAt := usecase.StopTime(time.Now(), duration, stopExactly, c.Bool("quick"))

			a, log, err := setup(ctx, c, nil)
			if err != nil {
				return err
			}
			defer closeAll(a, log)

			w, err := a.NewWorker(ctx)
			if err != nil {
				return err
			}
			if err := w.Run(ctx, stopAt.UTC()); err != nil {
				return err
			}
			m := w.Metrics()
			log.Info("worker finished",
				zap.Int64("applied", m.AppliedTotal),
				zap.Int64("failed", m.FailedTotal),
				zap.Int64("dead", m.DeadTotal),
				zap.Int64("pings", m.Pings))
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(ctx context.Context, c *cli.Command) error {
			a, log, err := setup(ctx, c, nil)
			if err != nil {
				return err
			}
			defer closeAll(a, log)

			version, err := a.Migrate(ctx)
			if err != nil {
				return err
			}
			log.Info("database migrated", zap.Int64("version", version))
			return nil
		},
	}
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Request a competition mutation",
		ArgsUsage: "KIND",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "season", Usage: "Season id"},
			&cli.Int64Flag{Name: "sub-competition", Usage: "Sub competition id"},
			&cli.Int64Flag{Name: "class", Usage: "Class id"},
			&cli.Int64Flag{Name: "participant", Usage: "Participant id"},
			&cli.IntFlag{Name: "cut-old", Usage: "Previous cut line"},
			&cli.IntFlag{Name: "cut-new", Usage: "New cut line"},
			&cli.StringFlag{Name: "actor", Value: "cli", Usage: "Recorded as the requester"},
			&cli.BoolFlag{Name: "fast", Usage: "Return as soon as the record is stored"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one KIND argument")
			}
			kind, err := domain.ParseKind(c.Args().First())
			if err != nil {
				return err
			}
			refs := refsFromFlags(c)
			if err := refs.Validate(kind); err != nil {
				return err
			}

			a, log, err := setup(ctx, c, nil)
			if err != nil {
				return err
			}
			defer closeAll(a, log)

			rec, err := a.Producer().Enqueue(ctx, kind, refs, c.String("actor"), c.Bool("fast"))
			if err != nil {
				return err
			}
			log.Info("mutation requested",
				zap.Int64("id", rec.ID),
				zap.Stringer("kind", rec.Kind),
				zap.Bool("applied", rec.Applied))
			return nil
		},
	}
}

func refsFromFlags(c *cli.Command) domain.PayloadRefs {
	var refs domain.PayloadRefs
	id := func(name string) *int64 {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Int64(name)
		return &v
	}
	cut := func(name string) *int {
		if !c.IsSet(name) {
			return nil
		}
		v := int(c.Int(name))
		return &v
	}
	refs.SeasonID = id("season")
	refs.SubCompetitionID = id("sub-competition")
	refs.ClassID = id("class")
	refs.ParticipantID = id("participant")
	refs.CutOld = cut("cut-old")
	refs.CutNew = cut("cut-new")
	return refs
}
