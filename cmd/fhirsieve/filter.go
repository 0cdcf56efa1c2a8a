package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"fhirsieve/internal/arena"
	"fhirsieve/internal/filter"
	"fhirsieve/internal/idset"
	"fhirsieve/internal/match"
	"fhirsieve/internal/mirror"
	"fhirsieve/internal/report"
)

// filterOptions carries the flag values shared by filter and watch.
type filterOptions struct {
	patients    []string
	patientList string
	fhirDir     string
	workers     int
	matcherKind string
	taskTimeout time.Duration
	outputDir   string
	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	arenaDir    string
	discard     bool
}

func newFilterCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Filter NDJSON files down to the given patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := filterOptionsFromCmd(cmd)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runFilter(ctx, logger, opts)
		},
	}
	addFilterFlags(cmd)
	return cmd
}

// addFilterFlags registers the flags shared by filter and watch.
func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("patients", nil, "patient identifiers to keep")
	cmd.Flags().String("patient-list", "", "file with one patient identifier per line")
	cmd.Flags().String("fhir-dir", "./input_data/fhir", "directory containing FHIR NDJSON files")
	cmd.Flags().Int("workers", 0, "concurrent file tasks (default: one less than the CPU count)")
	cmd.Flags().String("matcher", "auto", "matching engine: grep, scan or auto")
	cmd.Flags().Duration("task-timeout", 0, "per-file time limit; 0 disables")
	cmd.Flags().String("output-dir", "", "mirror artifacts to this destination (path, s3://, gs:// or az:// URL)")
	cmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL for s3:// destinations")
	cmd.Flags().String("s3-access-key", "", "S3 access key (or FHIRSIEVE_S3_ACCESS_KEY env)")
	cmd.Flags().String("s3-secret-key", "", "S3 secret key (or FHIRSIEVE_S3_SECRET_KEY env)")
	cmd.Flags().String("arena-dir", "", "parent for the working directory (default: system temp)")
	cmd.Flags().Bool("discard-arena", false, "remove the working directory after a fully successful mirrored run")
}

func filterOptionsFromCmd(cmd *cobra.Command) filterOptions {
	var opts filterOptions
	opts.patients, _ = cmd.Flags().GetStringSlice("patients")
	opts.patientList, _ = cmd.Flags().GetString("patient-list")
	opts.fhirDir, _ = cmd.Flags().GetString("fhir-dir")
	opts.workers, _ = cmd.Flags().GetInt("workers")
	opts.matcherKind, _ = cmd.Flags().GetString("matcher")
	opts.taskTimeout, _ = cmd.Flags().GetDuration("task-timeout")
	opts.outputDir, _ = cmd.Flags().GetString("output-dir")
	opts.s3Endpoint, _ = cmd.Flags().GetString("s3-endpoint")
	opts.s3AccessKey, _ = cmd.Flags().GetString("s3-access-key")
	opts.s3SecretKey, _ = cmd.Flags().GetString("s3-secret-key")
	opts.arenaDir, _ = cmd.Flags().GetString("arena-dir")
	opts.discard, _ = cmd.Flags().GetBool("discard-arena")
	return opts
}

func runFilter(ctx context.Context, logger *slog.Logger, opts filterOptions) error {
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

	started := time.Now()
	results, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	summary := report.Build(results, report.Info{
		RunID:       runner.RunID(),
		Started:     started,
		Elapsed:     time.Since(started),
		Identifiers: set.Len(),
		ArenaDir:    a.Root(),
	})
	if err := summary.WriteFile(a.Path(report.SummaryFileName)); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	_, _ = os.Stdout.Write(summary.Render())

	mirrored := false
	if m != nil {
		if _, err := m.CopyDir(ctx, a.Root()); err != nil {
			return err
		}
		mirrored = true
	}

	// A discarded arena must never be the only copy of the artifacts, and
	// soft failures always leave the arena behind for inspection.
	if opts.discard && mirrored && !summary.Failed() {
		if err := a.Release(); err != nil {
			logger.Warn("failed to remove working directory", "error", err)
		}
	} else {
		logger.Info("artifacts preserved", "dir", a.Root())
	}
	return nil
}

// buildSet loads the identifier set from exactly one of the two sources.
func buildSet(opts filterOptions) (*idset.Set, error) {
	switch {
	case len(opts.patients) > 0 && opts.patientList != "":
		return nil, errors.New("--patients and --patient-list are mutually exclusive")
	case len(opts.patients) > 0:
		return idset.FromValues(opts.patients)
	case opts.patientList != "":
		return idset.FromFile(opts.patientList)
	default:
		return nil, errors.New("one of --patients or --patient-list is required")
	}
}

// buildMirror returns nil when no output destination was given.
func buildMirror(ctx context.Context, opts filterOptions, logger *slog.Logger) (*mirror.Mirror, error) {
	if opts.outputDir == "" {
		return nil, nil
	}
	accessKey := opts.s3AccessKey
	if accessKey == "" {
		accessKey = os.Getenv("FHIRSIEVE_S3_ACCESS_KEY")
	}
	secretKey := opts.s3SecretKey
	if secretKey == "" {
		secretKey = os.Getenv("FHIRSIEVE_S3_SECRET_KEY")
	}
	return mirror.New(ctx, mirror.Config{
		Dest:        opts.outputDir,
		S3Endpoint:  opts.s3Endpoint,
		S3AccessKey: accessKey,
		S3SecretKey: secretKey,
		Logger:      logger,
	})
}
