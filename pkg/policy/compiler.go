package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/overlay"
)

// Options parameterise a single compile.
type Options struct {
	ProjectID  string
	CompiledBy string
	// Version is assigned by the caller, normally from the version store's
	// next version number.
	Version int
	// WorkTypes restricts the chains emitted. When empty, DefaultWorkType
	// plus every work type named on an approves edge is compiled.
	WorkTypes []string
	// AutoApprove overrides the default thresholds on every chain.
	AutoApprove *AutoApprove
}

// Compiler turns graphs into CompiledPolicy values. It holds no per-graph
// state and is safe for concurrent use.
type Compiler struct {
	now     func() time.Time
	metrics *CompilerMetrics
}

// CompilerMetrics tracks compilation statistics.
type CompilerMetrics struct {
	mu            sync.RWMutex
	TotalCompiled int64            `json:"totalCompiled"`
	SuccessCount  int64            `json:"successCount"`
	ErrorCount    int64            `json:"errorCount"`
	ByCode        map[string]int64 `json:"byCode"`
}

// MetricsSnapshot is a point-in-time copy of CompilerMetrics.
type MetricsSnapshot struct {
	TotalCompiled int64            `json:"totalCompiled"`
	SuccessCount  int64            `json:"successCount"`
	ErrorCount    int64            `json:"errorCount"`
	ByCode        map[string]int64 `json:"byCode"`
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithClock sets the clock used for compiledAt.
func WithClock(now func() time.Time) CompilerOption {
	return func(c *Compiler) { c.now = now }
}

// NewCompiler creates a new graph compiler.
func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{
		now:     time.Now,
		metrics: &CompilerMetrics{ByCode: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile validates g and emits a CompiledPolicy. Findings are returned in
// both the success and failure cases; the error is a *ValidationFailure
// whenever any finding has error severity, and then the policy is nil.
func (c *Compiler) Compile(g *graph.Graph, opts Options) (*CompiledPolicy, Findings, error) {
	if g == nil {
		g = &graph.Graph{}
	}

	v := newValidator(g)
	if opts.Version < 1 {
		v.add(ValidationError{
			Code:     CodeInvalidVersion,
			Message:  fmt.Sprintf("version must be >= 1, got %d", opts.Version),
			Severity: SeverityError,
		})
	}
	v.run()

	workTypes := resolveWorkTypes(g, opts.WorkTypes)
	policies := make([]ApprovalPolicy, 0, len(workTypes))
	for _, wt := range workTypes {
		policies = append(policies, v.chainFor(wt, opts.AutoApprove))
	}

	findings := v.findings
	if findings.HasErrors() {
		c.updateMetrics(findings, false)
		return nil, findings, &ValidationFailure{Findings: findings}
	}

	p := &CompiledPolicy{
		Version:          opts.Version,
		ProjectID:        opts.ProjectID,
		GraphSnapshot:    g.Clone(),
		ApprovalPolicies: policies,
		VisibilityRules:  visibilityRules(g),
		CompiledAt:       c.now().UTC(),
		CompiledBy:       opts.CompiledBy,
	}
	c.updateMetrics(findings, true)
	return p, findings, nil
}

// Validate runs the compile-time checks without emitting a policy.
func (c *Compiler) Validate(g *graph.Graph) Findings {
	if g == nil {
		g = &graph.Graph{}
	}
	v := newValidator(g)
	v.run()
	for _, wt := range resolveWorkTypes(g, nil) {
		v.chainFor(wt, nil)
	}
	return v.findings
}

// resolveWorkTypes returns the work types to compile, DefaultWorkType first.
func resolveWorkTypes(g *graph.Graph, requested []string) []string {
	seen := make(map[string]bool)
	var out []string
	if len(requested) > 0 {
		for _, wt := range requested {
			if wt != "" && !seen[wt] {
				seen[wt] = true
				out = append(out, wt)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	seen[DefaultWorkType] = true
	var extra []string
	for _, e := range g.Edges {
		if a, ok := e.Approval(); ok && a.WorkType != "" && !seen[a.WorkType] {
			seen[a.WorkType] = true
			extra = append(extra, a.WorkType)
		}
	}
	sort.Strings(extra)
	return append([]string{DefaultWorkType}, extra...)
}

// visibilityRules derives one rate rule per contract, in contract id order.
func visibilityRules(g *graph.Graph) []VisibilityRule {
	partyIDs := overlay.PartyIDs(g)
	rules := make([]VisibilityRule, 0)
	for _, n := range g.NodesOfType(graph.NodeContract) {
		contract, ok := n.Contract()
		if !ok {
			continue
		}
		rules = append(rules, VisibilityRule{
			Scope: RuleScope{
				ObjectType: string(graph.NodeContract),
				ObjectID:   n.ID,
				Field:      overlay.FieldRate,
			},
			Policy: RulePolicy{
				Action:     ActionMask,
				HiddenFrom: overlay.HiddenFrom(contract, partyIDs),
				MaskWith:   MaskPlaceholder,
			},
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Scope.ObjectID < rules[j].Scope.ObjectID })
	return rules
}

func (c *Compiler) updateMetrics(findings Findings, success bool) {
	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()

	c.metrics.TotalCompiled++
	if success {
		c.metrics.SuccessCount++
	} else {
		c.metrics.ErrorCount++
	}
	for _, f := range findings {
		c.metrics.ByCode[f.Code]++
	}
}

// GetMetrics returns current metrics.
func (c *Compiler) GetMetrics() MetricsSnapshot {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	byCode := make(map[string]int64, len(c.metrics.ByCode))
	for k, v := range c.metrics.ByCode {
		byCode[k] = v
	}
	return MetricsSnapshot{
		TotalCompiled: c.metrics.TotalCompiled,
		SuccessCount:  c.metrics.SuccessCount,
		ErrorCount:    c.metrics.ErrorCount,
		ByCode:        byCode,
	}
}
