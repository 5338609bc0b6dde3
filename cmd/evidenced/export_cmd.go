package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/callmonitor/evidence/pkg/config"
	"github.com/callmonitor/evidence/pkg/export"
)

// runExportCmd implements `evidenced export`: seal one stored bundle into
// the configured export object store and print its content address.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundleID   string
		jsonOutput bool
	)
	cmd.StringVar(&bundleID, "bundle", "", "Bundle id to export (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundleID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	objects, err := export.NewStoreFromEnv(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	exporter := export.NewExporter(st, objects, quiet)

	doc, addr, err := exporter.Export(ctx, bundleID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		result := map[string]any{
			"bundle_id":      bundleID,
			"address":        addr,
			"format_version": doc.FormatVersion,
			"artifacts":      len(doc.Artifacts),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Bundle %s exported to %s (%d artifacts)\n", bundleID, addr, len(doc.Artifacts))
	}
	return 0
}
