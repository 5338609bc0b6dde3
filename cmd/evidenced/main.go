// evidenced is the evidence integrity pipeline daemon.
//
// Run without arguments it starts the server: artifact event intake, manifest
// generation, bundle building, and the HTTP API. Subcommands operate on a
// stored bundle directly.
package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "evidenced - evidence integrity pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  evidenced <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the evidence server (default)")
	fmt.Fprintln(w, "  verify   Re-verify a stored bundle (--bundle, --json)")
	fmt.Fprintln(w, "  export   Seal a bundle into object storage (--bundle)")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is environment driven; see pkg/config.")
}
