package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Mindburn-Labs/workgraph/pkg/config"
	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

// withRuntime runs fn against a runtime built from the environment.
func withRuntime(stderr io.Writer, fn func(ctx context.Context, rt *runtime) int) int {
	ctx := context.Background()
	cfg := config.Load()
	rt, err := openRuntime(ctx, cfg, newLogger(cfg, stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close(ctx)
	return fn(ctx, rt)
}

func readGraph(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return graph.Decode(path, data)
}

func printFindings(w io.Writer, findings policy.Findings) {
	for _, f := range findings {
		color := ColorGray
		if f.Severity == policy.SeverityError {
			color = ColorRed
		}
		_, _ = fmt.Fprintf(w, "  %s%s%s\n", color, f.String(), ColorReset)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runValidateCmd implements `workgraph validate`.
//
// Exit codes:
//
//	0 = graph compiles
//	1 = graph has blocking findings
//	2 = runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		graphPath  string
		jsonOutput bool
	)
	cmd.StringVar(&graphPath, "graph", "", "Path to graph document, JSON or YAML (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output findings as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if graphPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --graph is required")
		return 2
	}

	g, err := readGraph(graphPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	findings := policy.NewCompiler().Validate(g)

	if jsonOutput {
		if findings == nil {
			findings = policy.Findings{}
		}
		if code := printJSON(stdout, findings); code != 0 {
			return code
		}
	} else if findings.HasErrors() {
		_, _ = fmt.Fprintf(stdout, "❌ %s has blocking findings\n", graphPath)
		printFindings(stdout, findings)
	} else {
		_, _ = fmt.Fprintf(stdout, "✅ %s compiles\n", graphPath)
		printFindings(stdout, findings)
	}

	if findings.HasErrors() {
		return 1
	}
	return 0
}

func runCompileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compile", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		projectID   string
		graphPath   string
		compiledBy  string
		versionName string
		workTypes   string
		activate    bool
		jsonOutput  bool
	)
	cmd.StringVar(&projectID, "project", "", "Project ID (REQUIRED)")
	cmd.StringVar(&graphPath, "graph", "", "Path to graph document, JSON or YAML (REQUIRED)")
	cmd.StringVar(&compiledBy, "by", os.Getenv("USER"), "Author recorded on the version")
	cmd.StringVar(&versionName, "name", "", "Semantic version name, e.g. 1.2.0")
	cmd.StringVar(&workTypes, "work-types", "", "Comma-separated work types to compile")
	cmd.BoolVar(&activate, "activate", false, "Activate the new version")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if projectID == "" || graphPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --project and --graph are required")
		return 2
	}

	g, err := readGraph(graphPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	return withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
		res, err := rt.manager.Compile(ctx, versioning.CompileRequest{
			ProjectID:   projectID,
			Graph:       g,
			CompiledBy:  compiledBy,
			VersionName: versionName,
			Activate:    activate,
			WorkTypes:   splitList(workTypes),
		})
		if vf, ok := policy.AsValidationFailure(err); ok {
			if jsonOutput {
				_ = printJSON(stdout, res)
			} else {
				_, _ = fmt.Fprintf(stdout, "❌ compile rejected\n")
				printFindings(stdout, vf.Findings)
			}
			return 1
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}

		if jsonOutput {
			return printJSON(stdout, res)
		}
		v := res.Version
		state := ""
		if v.IsActive {
			state = " (active)"
		}
		_, _ = fmt.Fprintf(stdout, "✅ compiled %s v%d%s\n", v.ProjectID, v.Version, state)
		_, _ = fmt.Fprintf(stdout, "ID:   %s\n", v.ID)
		_, _ = fmt.Fprintf(stdout, "Hash: %s\n", v.ContentHash)
		printFindings(stdout, res.Findings)
		return 0
	})
}

func runVersionsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("versions", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		projectID  string
		jsonOutput bool
	)
	cmd.StringVar(&projectID, "project", "", "Project ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output versions as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if projectID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --project is required")
		return 2
	}

	return withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
		versions, err := rt.manager.Store().ListVersions(ctx, projectID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if jsonOutput {
			return printJSON(stdout, versions)
		}
		if len(versions) == 0 {
			_, _ = fmt.Fprintf(stdout, "No versions for %s\n", projectID)
			return 0
		}
		for _, v := range versions {
			marker := " "
			if v.IsActive {
				marker = "*"
			}
			_, _ = fmt.Fprintf(stdout, "%s v%-4d %-10s %s  %s  %s\n", marker, v.Version, v.VersionName, v.ID,
				v.CreatedAt.Format("2006-01-02 15:04"), v.CreatedBy)
		}
		return 0
	})
}

func runActivateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("activate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var versionID string
	cmd.StringVar(&versionID, "id", "", "Version ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if versionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	return withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
		v, err := rt.manager.Activate(ctx, versionID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "✅ %s v%d is active\n", v.ProjectID, v.Version)
		return 0
	})
}

func runRollbackCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rollback", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		projectID string
		target    int
	)
	cmd.StringVar(&projectID, "project", "", "Project ID (REQUIRED)")
	cmd.IntVar(&target, "version", 0, "Version number to re-activate (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if projectID == "" || target < 1 {
		_, _ = fmt.Fprintln(stderr, "Error: --project and --version are required")
		return 2
	}

	return withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
		v, err := rt.manager.Rollback(ctx, projectID, target)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "✅ rolled %s back to v%d\n", v.ProjectID, v.Version)
		return 0
	})
}

func runDiffCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("diff", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var fromID, toID string
	cmd.StringVar(&fromID, "from", "", "Base version ID (REQUIRED)")
	cmd.StringVar(&toID, "to", "", "Target version ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if fromID == "" || toID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --from and --to are required")
		return 2
	}

	return withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
		d, err := rt.manager.Diff(ctx, fromID, toID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printJSON(stdout, d)
	})
}
