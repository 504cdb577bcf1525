package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Mindburn-Labs/workgraph/pkg/config"

	_ "github.com/lib/pq" // Postgres Driver
)

const version = "0.4.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(args[1:], stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "compile":
		return runCompileCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "simulate":
		return runSimulateCmd(args[2:], stdout, stderr)
	case "overlay":
		return runOverlayCmd(args[2:], stdout, stderr)
	case "versions":
		return runVersionsCmd(args[2:], stdout, stderr)
	case "activate":
		return runActivateCmd(args[2:], stdout, stderr)
	case "rollback":
		return runRollbackCmd(args[2:], stdout, stderr)
	case "diff":
		return runDiffCmd(args[2:], stdout, stderr)
	case "pin":
		return runPinCmd(args[2:], stdout, stderr)
	case "rebind":
		return runRebindCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "workgraph %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1] != "" && args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sWorkGraph Policy Engine %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sCompile the graph. Simulate before you ship.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  workgraph <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the HTTP API (default)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "POLICIES")
	printCommand(w, "validate", "Validate a graph document (--graph)")
	printCommand(w, "compile", "Compile a graph into a new version (--project, --graph)")
	printCommand(w, "versions", "List a project's versions (--project)")
	printCommand(w, "activate", "Activate a version (--id)")
	printCommand(w, "rollback", "Re-activate an older version (--project, --version)")
	printCommand(w, "diff", "Compare two versions (--from, --to)")

	printSection(w, "WORK ITEMS")
	printCommand(w, "simulate", "Predict routing for a submission")
	printCommand(w, "pin", "Pin a work item to a version")
	printCommand(w, "rebind", "Move pinned work items between versions")

	printSection(w, "UTILITIES")
	printCommand(w, "overlay", "Resolve an overlay lens (--graph, --mode)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func printJSON(w io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(w, "Error: encode output: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(w, string(data))
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.HealthPort + "/health") //nolint:gosec,noctx // local probe
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(out, "OK")
	return 0
}
