package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/ingest-sync/internal/checkpoint"
	"github.com/johndauphine/ingest-sync/internal/exitcodes"
	"github.com/johndauphine/ingest-sync/internal/orchestrator"
	"github.com/johndauphine/ingest-sync/internal/tui"
)

func console(c *cli.Context) error {
	if c.Bool("output-json") || c.String("output-file") != "" {
		return exitcodes.NewExitError(errors.New("console does not support JSON output"), exitcodes.ConfigError)
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

	return tui.Start(tui.Options{
		Title:    c.String("config"),
		Commands: consoleCommands(orch),
	})
}

// engine is the part of the orchestrator the console drives.
type engine interface {
	Run(ctx context.Context, trigger string, ov orchestrator.Overrides) (*orchestrator.RunResult, error)
	Validate(ctx context.Context) *orchestrator.HealthCheckResult
	GetStatusResult() (*orchestrator.StatusResult, error)
	History(limit int) ([]checkpoint.Run, error)
	RunByID(id string) (*checkpoint.Run, error)
}

func consoleCommands(eng engine) []tui.Command {
	return []tui.Command{
		{
			Name:        "run",
			Usage:       "[--dry-run] [--since T] [-p KEY]...",
			Description: "Run a sync with the same overrides as `ingest-sync run`",
			Run: func(ctx context.Context, args []string) (string, error) {
				ov, err := parseConsoleOverrides(args)
				if err != nil {
					return "", err
				}
				res, err := eng.Run(ctx, orchestrator.TriggerConsole, ov)
				if err != nil {
					return "", err
				}
				var b bytes.Buffer
				printRunResult(&b, res)
				return b.String(), nil
			},
		},
		{
			Name:        "status",
			Description: "Show watermarks and pending continuation tokens",
			Run: func(ctx context.Context, args []string) (string, error) {
				st, err := eng.GetStatusResult()
				if err != nil {
					return "", err
				}
				var b bytes.Buffer
				printStatus(&b, st, time.Now())
				return b.String(), nil
			},
		},
		{
			Name:        "history",
			Usage:       "[RUN_ID]",
			Description: "List recent runs, or show one run",
			Run: func(ctx context.Context, args []string) (string, error) {
				var b bytes.Buffer
				if len(args) > 0 {
					run, err := eng.RunByID(args[0])
					if err != nil {
						return "", err
					}
					if run == nil {
						return "", fmt.Errorf("run not found: %s", args[0])
					}
					printRunDetails(&b, run)
					return b.String(), nil
				}
				runs, err := eng.History(20)
				if err != nil {
					return "", err
				}
				printHistory(&b, runs, time.Now())
				return b.String(), nil
			},
		},
		{
			Name:        "validate",
			Description: "Check the state store, the warehouse, the archive and every source",
			Run: func(ctx context.Context, args []string) (string, error) {
				var b bytes.Buffer
				printValidation(&b, eng.Validate(ctx))
				return b.String(), nil
			},
		},
	}
}

// parseConsoleOverrides parses /run arguments with the run command's flags.
func parseConsoleOverrides(args []string) (orchestrator.Overrides, error) {
	var ov orchestrator.Overrides
	app := &cli.App{
		Name:      "/run",
		Flags:     overrideFlags(),
		HideHelp:  true,
		Writer:    io.Discard,
		ErrWriter: io.Discard,
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return fmt.Errorf("unexpected argument %q", c.Args().First())
			}
			var err error
			ov, err = overridesFromFlags(c)
			return err
		},
	}
	if err := app.Run(append([]string{"/run"}, args...)); err != nil {
		return orchestrator.Overrides{}, err
	}
	return ov, nil
}
