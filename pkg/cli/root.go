package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cryptolog/apt-offline/pkg/config"
	"github.com/cryptolog/apt-offline/pkg/fault"
	"github.com/cryptolog/apt-offline/pkg/logctx"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// ErrFailures is returned when files failed and fail_on_error is set.
var ErrFailures = errors.New("some files could not be downloaded")

const exitFailures = 3

type rootOptions struct {
	configPath string
	logLevel   string
	stderr     io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{stderr: os.Stderr})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "apt-offline",
		Short:         "Fetch Debian packages and index files for an offline machine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			opts.cfg = cfg

			opts.logger = newLogger(opts.stderr, cfg.SlogLevel()).With(slog.String("run", uuid.NewString()))
			cmd.SetContext(logctx.WithLogger(cmd.Context(), opts.logger))
			return nil
		},
	}
	cmd.SetErr(opts.stderr)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default "+config.DefaultFile+" if present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	cmd.AddCommand(newFetchCommand(opts), newSyncCommand(opts), newBugsCommand(opts))
	return cmd
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    os.Getenv("NO_COLOR") != "",
	}))
}

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context, args []string) int {
	opts := &rootOptions{stderr: os.Stderr}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	logger := opts.logger
	if logger == nil {
		logger = newLogger(opts.stderr, slog.LevelInfo)
	}
	logger.Error(err.Error())
	return ExitCode(err)
}

// ExitCode maps a command error onto a process exit status.
func ExitCode(err error) int {
	var fatal *fault.FatalError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &fatal):
		if fatal.Code <= 0 {
			return 1
		}
		return fatal.Code
	case errors.Is(err, ErrFailures):
		return exitFailures
	default:
		return 1
	}
}
