package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fhirsieve/internal/fhir"
	"fhirsieve/internal/importer"
	"fhirsieve/internal/source"
)

func newImportCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Drive a FHIR server's bulk $import over the served files",
		RunE: func(cmd *cobra.Command, args []string) error {
			fhirURL, _ := cmd.Flags().GetString("fhir-url")
			fileServerURL, _ := cmd.Flags().GetString("file-server-url")
			dir, _ := cmd.Flags().GetString("dir")
			files, _ := cmd.Flags().GetStringSlice("files")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			yes, _ := cmd.Flags().GetBool("yes")
			output, _ := cmd.Flags().GetString("output")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runImport(ctx, logger, importOptions{
				fhirURL:       fhirURL,
				fileServerURL: fileServerURL,
				dir:           dir,
				files:         files,
				dryRun:        dryRun,
				timeout:       timeout,
				yes:           yes,
				output:        output,
			})
		},
	}
	cmd.Flags().String("fhir-url", "http://localhost:8080/fhir", "FHIR server base URL")
	cmd.Flags().String("file-server-url", "http://localhost:8000", "URL the FHIR server fetches the files from")
	cmd.Flags().String("dir", "./output_data", "local directory listing the importable files")
	cmd.Flags().StringSlice("files", nil, "specific files to import (default: all in --dir)")
	cmd.Flags().Bool("dry-run", false, "show what would be imported without doing it")
	cmd.Flags().Duration("timeout", time.Hour, "maximum time to wait for completion; 0 waits forever")
	cmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	cmd.Flags().StringP("output", "o", "table", "output format: table or json")
	return cmd
}

type importOptions struct {
	fhirURL       string
	fileServerURL string
	dir           string
	files         []string
	dryRun        bool
	timeout       time.Duration
	yes           bool
	output        string
}

func runImport(ctx context.Context, logger *slog.Logger, opts importOptions) error {
	names, missing, err := importNames(opts.dir, opts.files)
	if err != nil {
		return err
	}
	for _, name := range missing {
		fmt.Printf("Warning: %s not found in %s, skipping\n", name, opts.dir)
	}
	if len(names) == 0 {
		return errors.New("no NDJSON files to import")
	}

	p := newPrinter(opts.output)
	manifest := importer.BuildManifest(opts.fileServerURL, names)
	if err := printManifest(p, manifest); err != nil {
		return err
	}

	if opts.dryRun {
		fmt.Println("Dry run, nothing imported.")
		return nil
	}
	if !opts.yes && !confirm(fmt.Sprintf("Import %d files into %s?", len(manifest), opts.fhirURL)) {
		fmt.Println("Import cancelled.")
		return nil
	}

	client, err := importer.New(importer.Config{
		FHIRBaseURL:   opts.fhirURL,
		FileServerURL: opts.fileServerURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	outcome, err := client.Import(ctx, names)
	if err != nil {
		return err
	}

	if err := printOutcome(p, outcome); err != nil {
		return err
	}
	if n := outcome.TotalErrors(); n > 0 {
		return fmt.Errorf("%d resources failed to import", n)
	}
	return nil
}

// importNames resolves the file names to import. Explicit names are checked
// against the directory listing; unknown ones are reported back, not
// imported. Without explicit names the whole listing is used.
func importNames(dir string, explicit []string) (names, missing []string, err error) {
	files, err := source.Discover(dir, nil)
	if err != nil {
		return nil, nil, err
	}

	available := make(map[string]bool, len(files))
	for _, f := range files {
		name := filepath.Base(f.Path)
		available[name] = true
		if len(explicit) == 0 {
			names = append(names, name)
		}
	}
	if len(explicit) == 0 {
		return names, nil, nil
	}

	for _, name := range explicit {
		if available[name] {
			names = append(names, name)
		} else {
			missing = append(missing, name)
		}
	}
	return names, missing, nil
}

// confirm asks on stdin before proceeding.
func confirm(prompt string) bool {
	fmt.Printf("%s (y/N): ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.TrimSpace(strings.ToLower(line))
	return answer == "y" || answer == "yes"
}

func printManifest(p *printer, manifest []fhir.Input) error {
	if p.format == "json" {
		return p.json(manifest)
	}

	rows := make([][]string, 0, len(manifest))
	for _, input := range manifest {
		rows = append(rows, []string{input.Type, input.URL})
	}
	p.table([]string{"TYPE", "URL"}, rows)
	fmt.Printf("%d files\n", len(manifest))
	return nil
}

func printOutcome(p *printer, outcome *fhir.Outcome) error {
	if p.format == "json" {
		return p.json(outcome)
	}

	if outcome.TransactionTime != "" {
		p.kv([][2]string{{"Transaction time", outcome.TransactionTime}})
	}

	if len(outcome.Output) > 0 {
		fmt.Println("\nImported:")
		rows := make([][]string, 0, len(outcome.Output)+1)
		for _, entry := range outcome.Output {
			rows = append(rows, []string{entry.Type, strconv.FormatInt(entry.Count, 10), entry.InputURL})
		}
		rows = append(rows, []string{"TOTAL", strconv.FormatInt(outcome.TotalImported(), 10), ""})
		p.table([]string{"TYPE", "COUNT", "INPUT"}, rows)
	}

	if len(outcome.Error) > 0 {
		fmt.Println("\nErrors:")
		rows := make([][]string, 0, len(outcome.Error))
		for _, entry := range outcome.Error {
			rows = append(rows, []string{entry.Type, strconv.FormatInt(entry.Count, 10), entry.InputURL})
		}
		p.table([]string{"TYPE", "COUNT", "INPUT"}, rows)
	}
	return nil
}
