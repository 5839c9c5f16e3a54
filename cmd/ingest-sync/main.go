package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/johndauphine/ingest-sync/internal/checkpoint"
	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/exitcodes"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/orchestrator"
	"github.com/johndauphine/ingest-sync/internal/progress"
	"github.com/johndauphine/ingest-sync/internal/scheduler"
	"github.com/johndauphine/ingest-sync/internal/server"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "ingest-sync",
		Usage:   "Incremental sync of paginated APIs into an append-only warehouse",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file (.yaml or .toml)",
				EnvVars: []string{"INGEST_SYNC_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Value: cli.NewStringSlice(".env"),
				Usage: "dotenv files loaded before ${VAR} expansion (missing files are skipped)",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if _, err := logging.ParseFormat(c.String("log-format")); err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetFormat(c.String("log-format"))

			// Keep stdout clean for the JSON result
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run one sync invocation and exit",
				Action: runSync,
				Flags: append(overrideFlags(),
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the progress bar",
					},
					&cli.DurationFlag{
						Name:  "progress-json",
						Usage: "Emit JSON progress lines to stderr at this interval (e.g. 5s)",
					},
				),
			},
			{
				Name:   "serve",
				Usage:  "Serve the HTTP trigger (and optional schedule) until interrupted",
				Action: serve,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (default from server.addr)",
					},
					&cli.StringFlag{
						Name:  "schedule",
						Usage: "Cron expression for in-process runs, e.g. \"*/30 * * * *\"",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "Reload the config file when it changes",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show stored watermarks, pending continuation tokens and the last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List recent runs, or view details of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output as JSON",
					},
				},
			},
			{
				Name:      "reset",
				Usage:     "Delete watermarks and continuation tokens so partitions start over",
				ArgsUsage: "SOURCE [PARTITION...]",
				Action:    resetState,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Confirm the reset",
					},
				},
			},
			{
				Name:   "console",
				Usage:  "Open the interactive sync console",
				Action: console,
			},
			{
				Name:   "validate",
				Usage:  "Check the state store, the warehouse, the archive and every source",
				Action: validate,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output as JSON",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == exitcodes.Success {
			code = exitcodes.SyncError
		}
		os.Exit(code)
	}
}

func loadOptions(c *cli.Context) config.LoadOptions {
	return config.LoadOptions{EnvFiles: c.StringSlice("env-file")}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", path), exitcodes.ConfigError)
	}
	cfg, err := config.LoadWithOptions(path, loadOptions(c))
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	applyFlags(c, cfg)
	return cfg, nil
}

// applyFlags copies command line settings that override the file, so a
// reloaded config keeps them too.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if sf := c.String("state-file"); sf != "" {
		cfg.State.Backend = "file"
		cfg.State.StateFile = sf
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if sched := c.String("schedule"); sched != "" {
		cfg.Server.Schedule = sched
	}
	if c.Bool("watch") {
		cfg.Server.WatchConfig = true
	}
}

// openState builds an orchestrator over the state store only, for commands
// that never touch the warehouse or the sources.
func openState(c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	state, err := checkpoint.Open(cfg.State)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("opening state store: %w", err), exitcodes.StateError)
	}
	return orchestrator.NewWithDeps(cfg, orchestrator.Deps{State: state}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// overridesFromFlags builds the same overrides a POST / body would carry.
func overridesFromFlags(c *cli.Context) (orchestrator.Overrides, error) {
	body := map[string]any{
		"since":         c.String("since"),
		"until":         c.String("until"),
		"lookback_days": c.Int("lookback-days"),
		"dry_run":       c.Bool("dry-run"),
		"debug":         c.Bool("debug"),
		"max_pages":     c.Int("max-pages"),
	}
	if p := c.StringSlice("partitions"); len(p) > 0 {
		body["project_keys"] = p
	}
	if s := c.StringSlice("sources"); len(s) > 0 {
		body["sources"] = s
	}
	data, err := json.Marshal(body)
	if err != nil {
		return orchestrator.Overrides{}, err
	}
	return orchestrator.ParseOverrides(data)
}

// overrideFlags are the run override flags shared by run and the console's /run.
func overrideFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "since",
			Usage: "Pin the window start (RFC3339; naive timestamps are UTC)",
		},
		&cli.StringFlag{
			Name:  "until",
			Usage: "Pin the window end (RFC3339; naive timestamps are UTC)",
		},
		&cli.IntFlag{
			Name:  "lookback-days",
			Usage: "Start the window this many days back (capped at max_lookback_days)",
		},
		&cli.StringSliceFlag{
			Name:    "partitions",
			Aliases: []string{"project-keys", "p"},
			Usage:   "Partitions to sync instead of the configured ones",
		},
		&cli.StringSliceFlag{
			Name:    "sources",
			Aliases: []string{"s"},
			Usage:   "Sources to run (default: every enabled source)",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Fetch and transform without writing rows, watermarks or tokens",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Run the diagnostic probes only",
		},
		&cli.IntFlag{
			Name:  "max-pages",
			Usage: "Cap pages per partition",
		},
	}
}

func runSync(c *cli.Context) error {
	ov, err := overridesFromFlags(c)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Close()

	jsonOut := c.Bool("output-json") || c.String("output-file") != ""
	if interval := c.Duration("progress-json"); interval > 0 {
		reporter := progress.NewJSONReporter(os.Stderr, interval)
		defer reporter.Close()
		orch.SetReporter(reporter)
	} else if !jsonOut && !c.Bool("no-progress") && term.IsTerminal(int(os.Stderr.Fd())) {
		tracker := progress.New(os.Stderr)
		orch.SetProgress(tracker)
		defer tracker.Finish()
	}

	res, err := orch.Run(ctx, orchestrator.TriggerCLI, ov)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := outputJSON(c, res); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	} else {
		printRunResult(os.Stdout, res)
	}

	if code := res.ExitCode(); code != exitcodes.Success {
		msg := fmt.Sprintf("run %s finished %s", res.RunID, res.Status)
		if res.Error != "" {
			msg += ": " + res.Error
		}
		return exitcodes.NewExitError(errors.New(msg), code)
	}
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Close()

	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(orch, cfg.Server)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if cfg.Server.Schedule != "" {
		sched, err := scheduler.New(cfg.Server.Schedule, orch)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	if cfg.Server.WatchConfig {
		w, err := config.NewWatcher(c.String("config"), loadOptions(c))
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		w.OnReload = func(next *config.Config) {
			applyFlags(c, next)
			orch.SetConfig(next)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

func showStatus(c *cli.Context) error {
	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	st, err := orch.GetStatusResult()
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	if c.Bool("json") {
		return printJSON(st)
	}
	printStatus(os.Stdout, st, time.Now())
	return nil
}

func showHistory(c *cli.Context) error {
	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if id := c.String("run"); id != "" {
		run, err := orch.RunByID(id)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		if run == nil {
			return exitcodes.NewExitError(fmt.Errorf("run not found: %s", id), exitcodes.StateError)
		}
		if c.Bool("json") {
			return printJSON(run)
		}
		printRunDetails(os.Stdout, run)
		return nil
	}

	runs, err := orch.History(c.Int("limit"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	if c.Bool("json") {
		return printJSON(runs)
	}
	printHistory(os.Stdout, runs, time.Now())
	return nil
}

func resetState(c *cli.Context) error {
	if c.NArg() == 0 {
		return exitcodes.NewExitError(errors.New("reset needs a source name"), exitcodes.ConfigError)
	}
	src := c.Args().First()
	partitions := c.Args().Tail()

	if !c.Bool("yes") {
		target := "every partition"
		if len(partitions) > 0 {
			target = strings.Join(partitions, ", ")
		}
		return exitcodes.NewExitError(fmt.Errorf("refusing to reset %s of %s without --yes", target, src), exitcodes.ConfigError)
	}

	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	reset, err := orch.Reset(src, partitions)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	if len(reset) == 0 {
		fmt.Printf("Nothing stored for %s\n", src)
		return nil
	}
	fmt.Printf("Reset %s: %s\n", src, strings.Join(reset, ", "))
	return nil
}

func validate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(fmt.Errorf("failed to create orchestrator: %w", err), exitcodes.ConnectionError)
	}
	defer orch.Close()

	result := orch.Validate(ctx)
	if c.Bool("json") {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		printValidation(os.Stdout, result)
	}
	if !result.Healthy {
		return exitcodes.NewExitError(errors.New("validation failed"), exitcodes.ConnectionError)
	}
	return nil
}

// outputJSON writes the run result as JSON to stdout and/or a file
func outputJSON(c *cli.Context, result *orchestrator.RunResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}

	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
