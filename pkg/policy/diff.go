package policy

import (
	"reflect"
	"sort"
)

// ChangeKind classifies a difference between two policies.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// StepChange is a difference in one approval step.
type StepChange struct {
	WorkType string        `json:"workType"`
	Change   ChangeKind    `json:"change"`
	Before   *ApprovalStep `json:"before,omitempty"`
	After    *ApprovalStep `json:"after,omitempty"`
}

// RuleChange is a difference in one visibility rule.
type RuleChange struct {
	Scope  RuleScope       `json:"scope"`
	Change ChangeKind      `json:"change"`
	Before *VisibilityRule `json:"before,omitempty"`
	After  *VisibilityRule `json:"after,omitempty"`
}

// PolicyDiff describes how policy To differs from policy From.
type PolicyDiff struct {
	FromVersion int          `json:"fromVersion"`
	ToVersion   int          `json:"toVersion"`
	FromHash    string       `json:"fromHash"`
	ToHash      string       `json:"toHash"`
	Identical   bool         `json:"identical"`
	Steps       []StepChange `json:"steps"`
	Rules       []RuleChange `json:"rules"`
}

type stepKey struct {
	workType string
	partyID  string
	order    int
}

// Diff compares two compiled policies. Steps are matched by work type,
// approver and order; rules by scope.
func Diff(from, to *CompiledPolicy) (*PolicyDiff, error) {
	fromHash, err := from.ContentHash()
	if err != nil {
		return nil, err
	}
	toHash, err := to.ContentHash()
	if err != nil {
		return nil, err
	}

	d := &PolicyDiff{
		FromVersion: from.Version,
		ToVersion:   to.Version,
		FromHash:    fromHash,
		ToHash:      toHash,
		Identical:   fromHash == toHash,
		Steps:       []StepChange{},
		Rules:       []RuleChange{},
	}
	if d.Identical {
		return d, nil
	}

	before := indexSteps(from)
	after := indexSteps(to)
	for _, k := range unionStepKeys(before, after) {
		b, inBefore := before[k]
		a, inAfter := after[k]
		switch {
		case inBefore && !inAfter:
			d.Steps = append(d.Steps, StepChange{WorkType: k.workType, Change: ChangeRemoved, Before: &b})
		case !inBefore && inAfter:
			d.Steps = append(d.Steps, StepChange{WorkType: k.workType, Change: ChangeAdded, After: &a})
		case !stepsEqual(b, a):
			d.Steps = append(d.Steps, StepChange{WorkType: k.workType, Change: ChangeChanged, Before: &b, After: &a})
		}
	}

	beforeRules := indexRules(from)
	afterRules := indexRules(to)
	for _, scope := range unionScopes(beforeRules, afterRules) {
		b, inBefore := beforeRules[scope]
		a, inAfter := afterRules[scope]
		switch {
		case inBefore && !inAfter:
			d.Rules = append(d.Rules, RuleChange{Scope: scope, Change: ChangeRemoved, Before: &b})
		case !inBefore && inAfter:
			d.Rules = append(d.Rules, RuleChange{Scope: scope, Change: ChangeAdded, After: &a})
		case !reflect.DeepEqual(b, a):
			d.Rules = append(d.Rules, RuleChange{Scope: scope, Change: ChangeChanged, Before: &b, After: &a})
		}
	}
	return d, nil
}

// stepsEqual ignores the edge id, which changes whenever an edge is redrawn.
func stepsEqual(a, b ApprovalStep) bool {
	a.EdgeID, b.EdgeID = "", ""
	return a == b
}

func indexSteps(p *CompiledPolicy) map[stepKey]ApprovalStep {
	out := make(map[stepKey]ApprovalStep)
	for _, ap := range p.ApprovalPolicies {
		for _, s := range ap.Steps {
			out[stepKey{ap.WorkType, s.PartyID, s.Order}] = s
		}
	}
	return out
}

func unionStepKeys(a, b map[stepKey]ApprovalStep) []stepKey {
	seen := make(map[stepKey]bool, len(a)+len(b))
	var keys []stepKey
	for _, m := range []map[stepKey]ApprovalStep{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].workType != keys[j].workType {
			return keys[i].workType < keys[j].workType
		}
		if keys[i].order != keys[j].order {
			return keys[i].order < keys[j].order
		}
		return keys[i].partyID < keys[j].partyID
	})
	return keys
}

func indexRules(p *CompiledPolicy) map[RuleScope]VisibilityRule {
	out := make(map[RuleScope]VisibilityRule, len(p.VisibilityRules))
	for _, r := range p.VisibilityRules {
		out[r.Scope] = r
	}
	return out
}

func unionScopes(a, b map[RuleScope]VisibilityRule) []RuleScope {
	seen := make(map[RuleScope]bool, len(a)+len(b))
	var scopes []RuleScope
	for _, m := range []map[RuleScope]VisibilityRule{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				scopes = append(scopes, k)
			}
		}
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].ObjectType != scopes[j].ObjectType {
			return scopes[i].ObjectType < scopes[j].ObjectType
		}
		if scopes[i].ObjectID != scopes[j].ObjectID {
			return scopes[i].ObjectID < scopes[j].ObjectID
		}
		return scopes[i].Field < scopes[j].Field
	})
	return scopes
}
