package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"fhirsieve/internal/fileserver"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve filtered NDJSON artifacts over HTTP for bulk $import",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			dir, _ := cmd.Flags().GetString("dir")
			list, _ := cmd.Flags().GetBool("list")
			output, _ := cmd.Flags().GetString("output")

			srv, err := fileserver.New(fileserver.Config{Dir: dir, Logger: logger})
			if err != nil {
				return err
			}

			if list {
				index, err := srv.Index()
				if err != nil {
					return err
				}
				return printIndex(newPrinter(output), index)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runServe(ctx, logger, srv, addr)
		},
	}
	cmd.Flags().String("addr", ":8000", "listen address (host:port)")
	cmd.Flags().String("dir", "./output_data", "directory of NDJSON files to serve")
	cmd.Flags().Bool("list", false, "print the file index and exit")
	cmd.Flags().StringP("output", "o", "table", "output format for --list: table or json")
	return cmd
}

func runServe(ctx context.Context, logger *slog.Logger, srv *fileserver.Server, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeTCP(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("stopping server")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	return <-errCh
}

func printIndex(p *printer, index []fileserver.Entry) error {
	if p.format == "json" {
		return p.json(index)
	}

	rows := make([][]string, 0, len(index))
	var total int64
	for _, entry := range index {
		rows = append(rows, []string{entry.Name, entry.ResourceType, sizeMB(entry.Size)})
		total += entry.Size
	}
	p.table([]string{"NAME", "TYPE", "SIZE"}, rows)
	fmt.Printf("%d files, %s\n", len(index), sizeMB(total))
	return nil
}

func sizeMB(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
}
