package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/callmonitor/evidence/pkg/config"
	"github.com/callmonitor/evidence/pkg/pipeline"
	"github.com/callmonitor/evidence/pkg/schema"
)

// runVerifyCmd implements `evidenced verify`.
//
// Recomputes the manifest hash, the bundle hash, and every included artifact
// digest for a stored bundle and reports per-check results.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundleID   string
		jsonOutput bool
	)
	cmd.StringVar(&bundleID, "bundle", "", "Bundle id to verify (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

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

	validator, err := schema.NewValidator()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(st, validator, nil, quiet)
	defer pipe.Close()

	report, err := pipe.VerifyBundle(ctx, bundleID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "Bundle verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Bundle: %s (call %s, tsa %s)\n", report.BundleID, report.CallID, report.TSAStatus)
		_, _ = fmt.Fprintf(stdout, "Checks: %d\n", len(report.Checks))
	} else {
		_, _ = fmt.Fprintf(stdout, "Bundle verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Bundle: %s\n", report.BundleID)
		for _, c := range report.Checks {
			if !c.Pass {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}
