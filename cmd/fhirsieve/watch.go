package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"fhirsieve/internal/arena"
	"fhirsieve/internal/filter"
	"fhirsieve/internal/home"
	"fhirsieve/internal/match"
	"fhirsieve/internal/watch"
)

func newWatchCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep filtering a directory as new NDJSON files arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := filterOptionsFromCmd(cmd)
			settle, _ := cmd.Flags().GetDuration("settle")
			pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
			rescanCron, _ := cmd.Flags().GetString("rescan-cron")
			stateFlag, _ := cmd.Flags().GetString("state-file")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runWatch(ctx, logger, opts, settle, pollInterval, rescanCron, stateFlag)
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().Duration("settle", watch.DefaultSettle, "how long a file must stay unchanged before filtering")
	cmd.Flags().Duration("poll-interval", time.Minute, "fallback rescan interval for missed notifications; 0 disables")
	cmd.Flags().String("rescan-cron", "", "cron expression (with seconds field) for scheduled full rescans")
	cmd.Flags().String("state-file", "", "processed-file state path, 'none' disables persistence (default: under the user config dir)")
	return cmd
}

func runWatch(ctx context.Context, logger *slog.Logger, opts filterOptions, settle, pollInterval time.Duration, rescanCron, stateFlag string) error {
	set, err := buildSet(opts)
	if err != nil {
		return err
	}
	logger.Info("patient identifiers loaded", "count", set.Len())

	engine, err := match.Select(opts.matcherKind)
	if err != nil {
		return err
	}

	m, err := buildMirror(ctx, opts, logger)
	if err != nil {
		return err
	}

	stateFile, err := resolveStateFile(stateFlag)
	if err != nil {
		return err
	}

	a, err := arena.New(arena.Config{ParentDir: opts.arenaDir, Logger: logger})
	if err != nil {
		return err
	}

	runner, err := filter.NewRunner(filter.Config{
		SourceDir:   opts.fhirDir,
		Set:         set,
		Arena:       a,
		Matcher:     engine,
		Workers:     opts.workers,
		TaskTimeout: opts.taskTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	w, err := watch.New(watch.Config{
		SourceDir:    opts.fhirDir,
		Settle:       settle,
		PollInterval: pollInterval,
		RescanCron:   rescanCron,
		StateFile:    stateFile,
		Mirror:       m,
		Runner:       runner,
		Set:          set,
		Arena:        a,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if err := w.Run(ctx); err != nil {
		return err
	}

	if opts.discard && m != nil && !w.Summary().Failed() {
		if err := a.Release(); err != nil {
			logger.Warn("failed to remove working directory", "error", err)
		}
	} else {
		logger.Info("artifacts preserved", "dir", a.Root())
	}
	return nil
}

// resolveStateFile maps the flag value to a path: empty means the platform
// default under the user config dir, "none" disables persistence.
func resolveStateFile(flagValue string) (string, error) {
	switch flagValue {
	case "none":
		return "", nil
	case "":
		hd, err := home.Default()
		if err != nil {
			return "", err
		}
		if err := hd.EnsureExists(); err != nil {
			return "", err
		}
		return hd.StatePath(), nil
	default:
		return flagValue, nil
	}
}
