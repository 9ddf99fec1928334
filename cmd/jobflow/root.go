package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/jobflow/internal/app"
	"github.com/petrijr/jobflow/internal/config"
)

// cli carries what the subcommands share.
type cli struct {
	out    io.Writer
	errOut io.Writer

	cfg *config.Config
	log *slog.Logger
	app *app.App

	driver   string
	dbURL    string
	logLevel string
}

func newRootCmd() *cobra.Command { return newRootCmdWith(os.Stdout, os.Stderr) }

func newRootCmdWith(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "jobflow",
		Short:         "Job queue with flows, workers and sandboxed scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	f := root.PersistentFlags()
	f.StringVar(&c.driver, "driver", "", "database driver (memory, sqlite, postgres, mysql); overrides JOBFLOW_DATABASE_DRIVER")
	f.StringVar(&c.dbURL, "database-url", "", "database URL; overrides JOBFLOW_DATABASE_URL")
	f.StringVar(&c.logLevel, "log-level", "", "log level; overrides JOBFLOW_LOG_LEVEL")

	root.AddCommand(
		c.workerCmd(),
		c.pushCmd(),
		c.pushFlowCmd(),
		c.getCmd(),
		c.listCmd(),
		c.resumeCmd(),
		c.cancelCmd(),
		c.sweepCmd(),
		c.triggerCmd(),
	)

	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.driver != "" {
		cfg.DatabaseDriver = c.driver
	}
	if c.dbURL != "" {
		cfg.DatabaseURL = c.dbURL
	}
	if c.logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(c.logLevel)); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	c.log = newLogger(c.errOut, cfg)
	slog.SetDefault(c.log)
	return nil
}

// open builds the application on first use.
func (c *cli) open(cmd *cobra.Command) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	if c.cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	a, err := app.New(cmd.Context(), c.cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
