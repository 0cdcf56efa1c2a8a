// Command fhirsieve filters FHIR NDJSON dumps down to a set of patients and
// moves the results onward: mirroring them to local or cloud storage,
// serving them over HTTP, and driving a FHIR server's bulk $import.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/spf13/cobra"

	"fhirsieve/internal/logging"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "fhirsieve",
		Short: "Patient-scoped filtering for FHIR NDJSON dumps",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			levelFlag, _ := cmd.Flags().GetString("log-level")
			var level slog.Level
			if err := level.UnmarshalText([]byte(levelFlag)); err != nil {
				return fmt.Errorf("parse --log-level: %w", err)
			}
			filterHandler.SetDefaultLevel(level)

			components, _ := cmd.Flags().GetStringSlice("debug")
			for _, component := range components {
				filterHandler.SetLevel(component, slog.LevelDebug)
			}

			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "minimum log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringSlice("debug", nil, "components to log at debug level regardless of --log-level")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes profiles and goroutine dumps, bind to loopback only")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		newFilterCmd(logger),
		newWatchCmd(logger),
		newServeCmd(logger),
		newImportCmd(logger),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
