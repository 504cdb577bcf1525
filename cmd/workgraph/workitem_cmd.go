package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/workgraph/pkg/config"
	"github.com/Mindburn-Labs/workgraph/pkg/overlay"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

// runSimulateCmd implements `workgraph simulate`. With --graph the graph is
// compiled in memory and nothing touches the store; otherwise the work
// item's pinned version (or the project's active version) is used.
func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		projectID  string
		workItemID string
		graphPath  string
		in         simulation.Input
		urgency    string
		jsonOutput bool
	)
	cmd.StringVar(&projectID, "project", "", "Project ID")
	cmd.StringVar(&workItemID, "work-item", "", "Work item ID; its pin selects the version")
	cmd.StringVar(&graphPath, "graph", "", "Simulate against this graph instead of a stored version")
	cmd.StringVar(&in.ContractorID, "contractor", "", "Contractor party ID")
	cmd.StringVar(&in.ContractID, "contract", "", "Contract ID")
	cmd.Float64Var(&in.Hours, "hours", 0, "Hours submitted")
	cmd.StringVar(&in.WeekStartDate, "week", "", "Week start date (YYYY-MM-DD)")
	cmd.StringVar(&urgency, "urgency", string(simulation.UrgencyNormal), "low, normal, high or urgent")
	cmd.StringVar(&in.WorkType, "work-type", "", "Work type; defaults to the first compiled chain")
	cmd.StringVar(&in.TaskDescription, "description", "", "Task description")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	in.UrgencyLevel = simulation.Urgency(urgency)

	var (
		res *simulation.Result
		err error
	)
	switch {
	case graphPath != "":
		res, err = simulateGraph(graphPath, in, stdout)
		if res == nil && err == nil {
			return 1
		}
	case projectID != "" || workItemID != "":
		code := withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
			res, err = rt.manager.Simulate(ctx, projectID, workItemID, in)
			return 0
		})
		if code != 0 {
			return code
		}
	default:
		_, _ = fmt.Fprintln(stderr, "Error: --graph, --project or --work-item is required")
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		return printJSON(stdout, res)
	}
	printSimulation(stdout, res)
	if res.Status == simulation.StatusError {
		return 1
	}
	return 0
}

// simulateGraph compiles path in memory and simulates in against it. A nil
// result with a nil error means the graph was rejected; the findings have
// been printed.
func simulateGraph(path string, in simulation.Input, stdout io.Writer) (*simulation.Result, error) {
	g, err := readGraph(path)
	if err != nil {
		return nil, err
	}
	compiled, findings, err := policy.NewCompiler().Compile(g, policy.Options{ProjectID: "local", Version: 1})
	if _, ok := policy.AsValidationFailure(err); ok {
		_, _ = fmt.Fprintln(stdout, "❌ graph does not compile")
		printFindings(stdout, findings)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	engine, err := newEngine(config.Load())
	if err != nil {
		return nil, err
	}
	return engine.Simulate(context.Background(), compiled, in)
}

func printSimulation(w io.Writer, res *simulation.Result) {
	color := ColorGreen
	switch res.Status {
	case simulation.StatusRejected, simulation.StatusError:
		color = ColorRed
	}
	_, _ = fmt.Fprintf(w, "Status:  %s%s%s (policy v%d)\n", color, res.Status, ColorReset, res.PolicyVersion)
	_, _ = fmt.Fprintf(w, "SLA:     %.1fh over %d business day(s)\n", res.TotalSLA, res.BusinessDays)
	for _, s := range res.Steps {
		_, _ = fmt.Fprintf(w, "  %d. %-20s %-14s %5.1fh  %s\n", s.StepNumber, s.PartyName, s.Action, s.EstimatedSLA, s.Reason)
	}
	for _, c := range res.Conflicts {
		_, _ = fmt.Fprintf(w, "  [%s] %s: %s\n", c.Severity, c.Code, c.Message)
	}
}

func runOverlayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("overlay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var graphPath, mode string
	cmd.StringVar(&graphPath, "graph", "", "Path to graph document, JSON or YAML (REQUIRED)")
	cmd.StringVar(&mode, "mode", string(overlay.ModeFull), "full, approvals, money, people or access")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if graphPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --graph is required")
		return 2
	}

	m, err := overlay.ParseMode(mode)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	g, err := readGraph(graphPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	res, err := overlay.Resolve(g, m)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return printJSON(stdout, res)
}

func runPinCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("pin", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		req    versioning.PinRequest
		status bool
	)
	cmd.StringVar(&req.WorkItemID, "work-item", "", "Work item ID (REQUIRED)")
	cmd.StringVar(&req.ProjectID, "project", "", "Project ID; pins the active version")
	cmd.StringVar(&req.VersionID, "version-id", "", "Pin this version instead of the active one")
	cmd.StringVar(&req.ContractorID, "contractor", "", "Contractor party ID")
	cmd.StringVar(&req.ContractID, "contract", "", "Contract ID")
	cmd.BoolVar(&status, "status", false, "Show the current pin instead of pinning")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if req.WorkItemID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --work-item is required")
		return 2
	}
	if !status && req.ProjectID == "" && req.VersionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --project or --version-id is required")
		return 2
	}

	return withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
		var (
			pin *versioning.Pin
			err error
		)
		if status {
			pin, err = rt.manager.PinStatus(ctx, req.WorkItemID)
		} else {
			pin, err = rt.manager.PinWorkItem(ctx, req)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printJSON(stdout, pin)
	})
}

// runRebindCmd implements `workgraph rebind`.
//
// Exit codes:
//
//	0 = every item rebound
//	1 = at least one item failed
//	2 = runtime error
func runRebindCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rebind", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		req   versioning.RebindRequest
		items string
	)
	cmd.StringVar(&req.FromVersionID, "from", "", "Current version ID (REQUIRED)")
	cmd.StringVar(&req.ToVersionID, "to", "", "Target version ID (REQUIRED)")
	cmd.StringVar(&items, "items", "", "Comma-separated work item IDs (REQUIRED)")
	cmd.BoolVar(&req.ValidateCompatibility, "validate", true, "Check contractors and contracts exist in the target")
	cmd.BoolVar(&req.DryRun, "dry-run", false, "Validate without committing")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	req.WorkItemIDs = splitList(items)
	if req.FromVersionID == "" || req.ToVersionID == "" || len(req.WorkItemIDs) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --from, --to and --items are required")
		return 2
	}

	return withRuntime(stderr, func(ctx context.Context, rt *runtime) int {
		res, err := rt.manager.Rebind(ctx, req)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			if res == nil {
				return 2
			}
		}
		if code := printJSON(stdout, res); code != 0 {
			return code
		}
		if err != nil || res.Failed > 0 {
			return 1
		}
		return 0
	})
}
