package simulation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/overlay"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
)

// Engine runs simulations. It is immutable after construction and safe for
// unbounded concurrent use.
type Engine struct {
	cfg   Config
	env   *cel.Env
	rules []compiledRule
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates cfg and compiles its rules.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	env, err := ruleEnv()
	if err != nil {
		return nil, err
	}
	rules, err := compileRules(env, cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("simulation: %w", err)
	}

	multipliers := make(map[Urgency]float64, len(cfg.UrgencyMultipliers))
	for k, v := range cfg.UrgencyMultipliers {
		multipliers[k] = v
	}
	cfg.UrgencyMultipliers = multipliers

	e := &Engine{cfg: cfg, env: env, rules: rules, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// run carries the per-call state of one simulation.
type run struct {
	e        *Engine
	res      *Result
	input    Input
	urgency  Urgency
	contract *graph.ContractData
	hidden   []string
	amount   *float64
	vars     map[string]any
}

func (r *run) conflict(sev Severity, code, msg string, step *int) {
	r.res.Conflicts = append(r.res.Conflicts, Conflict{Severity: sev, Code: code, Message: msg, AffectedStep: step})
}

// Simulate predicts how p would route in. The result is a pure function of
// (p, in) apart from its timestamp. The error is non-nil only when ctx is
// done; every domain problem is reported as a Conflict.
func (e *Engine) Simulate(ctx context.Context, p *policy.CompiledPolicy, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &run{
		e:     e,
		input: in,
		res: &Result{
			Steps:     []Step{},
			Conflicts: []Conflict{},
			Timestamp: e.now().UTC(),
		},
	}

	chain := r.selectChain(p)
	if chain == nil {
		r.res.Status = StatusError
		return r.res, nil
	}
	if math.IsNaN(in.Hours) || math.IsInf(in.Hours, 0) || in.Hours < 0 {
		r.conflict(SeverityError, CodeInvalidHours, fmt.Sprintf("hours must be a non-negative number, got %v", in.Hours), nil)
		r.res.Status = StatusError
		return r.res, nil
	}

	snapshot := p.GraphSnapshot
	if snapshot == nil {
		snapshot = &graph.Graph{}
	}
	idx := graph.NewIndex(snapshot)
	r.resolveUrgency()
	r.resolveContract(p, snapshot, idx)
	r.checkLimits()
	r.buildVars()

	rejected, err := r.walk(ctx, chain, idx)
	if err != nil {
		return nil, err
	}

	r.res.TotalSLA = round2(r.res.TotalSLA)
	r.res.BusinessDays = int(math.Ceil(r.res.TotalSLA / e.cfg.HoursPerBusinessDay))

	switch {
	case r.res.HasErrors():
		r.res.Status = StatusError
	case rejected:
		r.res.Status = StatusRejected
	case e.cfg.DistinguishPending && r.hasManualReview():
		r.res.Status = StatusPending
	default:
		// Chains with manual-review steps still summarise as approved
		// unless DistinguishPending is set.
		r.res.Status = StatusApproved
	}
	return r.res, nil
}

func (r *run) selectChain(p *policy.CompiledPolicy) *policy.ApprovalPolicy {
	if p == nil {
		r.conflict(SeverityError, CodeNoApprovalChain, "no compiled policy is available", nil)
		return nil
	}
	r.res.PolicyVersion = p.Version

	chain, ok := p.PolicyFor(r.input.WorkType)
	if !ok && r.input.WorkType == "" && len(p.ApprovalPolicies) > 0 {
		chain, ok = &p.ApprovalPolicies[0], true
	}
	switch {
	case !ok:
		r.conflict(SeverityError, CodeNoApprovalChain, fmt.Sprintf("policy v%d has no approval chain for work type %q", p.Version, r.input.WorkType), nil)
		return nil
	case len(chain.Steps) == 0:
		r.conflict(SeverityError, CodeNoApprovalChain, fmt.Sprintf("policy v%d has an empty %s approval chain", p.Version, chain.WorkType), nil)
		return nil
	}
	return chain
}

func (r *run) resolveUrgency() {
	r.urgency = r.input.UrgencyLevel
	if r.urgency == "" {
		r.urgency = UrgencyNormal
	}
	if _, ok := r.e.cfg.UrgencyMultipliers[r.urgency]; !ok {
		r.conflict(SeverityWarning, CodeUnknownUrgency, fmt.Sprintf("unknown urgency %q, treated as normal", r.input.UrgencyLevel), nil)
		r.urgency = UrgencyNormal
	}
}

func (r *run) resolveContract(p *policy.CompiledPolicy, snapshot *graph.Graph, idx *graph.Index) {
	if id := r.input.ContractorID; id != "" && !idx.Has(id) {
		r.conflict(SeverityWarning, CodeContractorNotFound, fmt.Sprintf("contractor %q is not in the policy snapshot", id), nil)
	}

	id := r.input.ContractID
	if id == "" {
		return
	}
	n, ok := idx.Node(id)
	if ok {
		r.contract, ok = n.Contract()
	}
	if !ok {
		r.conflict(SeverityWarning, CodeContractNotFound, fmt.Sprintf("contract %q is not in the policy snapshot", id), nil)
		return
	}

	if rule, ok := p.RuleFor(id, overlay.FieldRate); ok {
		r.hidden = rule.Policy.HiddenFrom
	} else {
		r.hidden = overlay.HiddenFrom(r.contract, overlay.PartyIDs(snapshot))
	}

	if rate, ok := r.contract.Rate(); ok {
		var amount float64
		switch r.contract.ContractType {
		case graph.ContractDaily:
			amount = rate * r.input.Hours / r.e.cfg.HoursPerBusinessDay
		case graph.ContractFixed:
			amount = rate
		default:
			amount = rate * r.input.Hours
		}
		r.amount = &amount
	}
}

func (r *run) checkLimits() {
	if r.contract == nil {
		return
	}
	if l := r.contract.WeeklyHourLimit; l != nil && r.input.Hours > *l {
		r.conflict(SeverityWarning, CodeHoursExceedLimit,
			fmt.Sprintf("%v hours exceeds the contract's weekly limit of %v", r.input.Hours, *l), nil)
	}
	if l := r.contract.MonthlyHourLimit; l != nil && r.input.Hours > *l {
		r.conflict(SeverityWarning, CodeHoursExceedMonthlyLimit,
			fmt.Sprintf("%v hours in one week exceeds the contract's monthly limit of %v", r.input.Hours, *l), nil)
	}
}

func (r *run) buildVars() {
	contract := map[string]any{
		"id":               r.input.ContractID,
		"found":            r.contract != nil,
		"contractType":     "",
		"rate":             0.0,
		"amount":           0.0,
		"weeklyHourLimit":  0.0,
		"monthlyHourLimit": 0.0,
	}
	if c := r.contract; c != nil {
		contract["contractType"] = string(c.ContractType)
		if rate, ok := c.Rate(); ok {
			contract["rate"] = rate
		}
		if c.WeeklyHourLimit != nil {
			contract["weeklyHourLimit"] = *c.WeeklyHourLimit
		}
		if c.MonthlyHourLimit != nil {
			contract["monthlyHourLimit"] = *c.MonthlyHourLimit
		}
	}
	if r.amount != nil {
		contract["amount"] = *r.amount
	}

	r.vars = map[string]any{
		"input": map[string]any{
			"contractorId":    r.input.ContractorID,
			"contractId":      r.input.ContractID,
			"hours":           r.input.Hours,
			"weekStartDate":   r.input.WeekStartDate,
			"urgency":         string(r.urgency),
			"taskDescription": r.input.TaskDescription,
			"workType":        r.input.WorkType,
		},
		"contract": contract,
	}
}

// walk evaluates the chain group by group. A parallel group costs the SLA of
// its slowest member; a rejected step ends the chain.
func (r *run) walk(ctx context.Context, chain *policy.ApprovalPolicy, idx *graph.Index) (bool, error) {
	groups := chain.Groups()
	stepNumber := 0
	for gi, group := range groups {
		groupSLA := 0.0
		for _, s := range group {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			stepNumber++
			num := stepNumber

			node, ok := idx.Node(s.PartyID)
			if !ok || node.Type != graph.NodeParty {
				r.conflict(SeverityWarning, CodeApproverNotFound,
					fmt.Sprintf("approver %q is not a party in the policy snapshot; step skipped", s.PartyID), &num)
				continue
			}

			step := r.decide(ctx, chain, s, num, gi == 0, gi == len(groups)-1)
			r.res.Steps = append(r.res.Steps, step)
			groupSLA = math.Max(groupSLA, step.EstimatedSLA)
			if step.Action == ActionRejected {
				r.res.TotalSLA += groupSLA
				return true, nil
			}
		}
		r.res.TotalSLA += groupSLA
	}
	return false, nil
}

func (r *run) decide(ctx context.Context, chain *policy.ApprovalPolicy, s policy.ApprovalStep, num int, first, last bool) Step {
	vis := overlay.FieldVisibility(r.contract, r.hidden, s.PartyID)
	step := Step{
		StepNumber:    num,
		Order:         s.Order,
		PartyID:       s.PartyID,
		PartyName:     s.PartyName,
		PartyType:     s.PartyType,
		Role:          s.Role,
		VisibleFields: vis.VisibleFields,
		MaskedFields:  vis.MaskedFields,
		RateVisible:   vis.RateVisible,
	}
	cfg := r.e.cfg
	reviewSLA := cfg.BaseSLAHours * cfg.UrgencyMultipliers[r.urgency]

	if rule, ok := r.matchRule(ctx, s, num, first, last, vis.RateVisible); ok {
		step.Action = rule.Action
		step.Reason = rule.Reason
		if step.Reason == "" {
			step.Reason = "matched rule " + rule.Name
		}
		switch {
		case rule.SLAHours != nil:
			step.EstimatedSLA = *rule.SLAHours
		case rule.Action == ActionAutoApprove:
			step.EstimatedSLA = cfg.AutoApproveSLAHours
		default:
			step.EstimatedSLA = reviewSLA
		}
		return step
	}

	switch {
	case first && r.withinAutoApprove(chain.AutoApprove):
		step.Action = ActionAutoApprove
		step.Reason = fmt.Sprintf("within auto-approve threshold (%v hours or less)", chain.AutoApprove.HoursThreshold())
		step.EstimatedSLA = cfg.AutoApproveSLAHours
	case last && cfg.TerminalApproval:
		step.Action = ActionAutoApprove
		step.Reason = "budget available"
		step.EstimatedSLA = cfg.AutoApproveSLAHours
	default:
		step.Action = ActionManualReview
		step.Reason = fmt.Sprintf("requires %s review", s.Role)
		step.EstimatedSLA = reviewSLA
	}
	return step
}

func (r *run) withinAutoApprove(aa policy.AutoApprove) bool {
	if r.res.HasErrors() || r.input.Hours > aa.HoursThreshold() {
		return false
	}
	if aa.UnderAmount != nil && r.amount != nil && *r.amount > *aa.UnderAmount {
		return false
	}
	return true
}

func (r *run) matchRule(ctx context.Context, s policy.ApprovalStep, num int, first, last, rateVisible bool) (compiledRule, bool) {
	if len(r.e.rules) == 0 {
		return compiledRule{}, false
	}
	vars := map[string]any{
		"input":    r.vars["input"],
		"contract": r.vars["contract"],
		"step": map[string]any{
			"stepNumber":  num,
			"order":       s.Order,
			"partyId":     s.PartyID,
			"partyType":   string(s.PartyType),
			"role":        s.Role,
			"required":    s.Required,
			"isFirst":     first,
			"isLast":      last,
			"rateVisible": rateVisible,
		},
	}
	for _, rule := range r.e.rules {
		ok, err := rule.matches(ctx, vars)
		if err != nil {
			n := num
			r.conflict(SeverityWarning, CodeRuleEvaluationFailed, fmt.Sprintf("rule %q: %v", rule.Name, err), &n)
			continue
		}
		if ok {
			return rule, true
		}
	}
	return compiledRule{}, false
}

func (r *run) hasManualReview() bool {
	for _, s := range r.res.Steps {
		if s.Action == ActionManualReview {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
