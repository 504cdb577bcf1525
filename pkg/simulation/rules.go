package simulation

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// ruleEnv declares the variables visible to rule expressions:
//
//	input    - the submission (hours, urgency, contractorId, contractId, workType, ...)
//	step     - the approver (partyId, partyType, role, order, stepNumber, isFirst, isLast, rateVisible)
//	contract - the contract (id, contractType, rate, amount, weeklyHourLimit, monthlyHourLimit, found)
func ruleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("step", cel.DynType),
		cel.Variable("contract", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

type compiledRule struct {
	RuleConfig
	prg cel.Program
}

// compileRules compiles every rule up front so a bad profile fails at
// engine construction rather than mid-simulation.
func compileRules(env *cel.Env, rules []RuleConfig) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %d (%s): compile: %w", i, r.Name, issues.Err())
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %d (%s): expression must be bool, got %s", i, r.Name, t)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): program: %w", i, r.Name, err)
		}
		out = append(out, compiledRule{RuleConfig: r, prg: prg})
	}
	return out, nil
}

func (r compiledRule) matches(ctx context.Context, vars map[string]any) (bool, error) {
	out, _, err := r.prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
