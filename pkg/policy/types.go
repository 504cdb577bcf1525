// Package policy compiles a WorkGraph into an immutable, executable policy:
// one approval chain per work type plus field-visibility rules per contract.
package policy

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/workgraph/pkg/canonicalize"
	"github.com/Mindburn-Labs/workgraph/pkg/graph"
)

// DefaultWorkType is the work type every graph compiles a chain for.
const DefaultWorkType = "timesheet"

// DefaultAutoApproveHours is the hour threshold under which the first
// approver auto-approves a submission.
const DefaultAutoApproveHours = 40.0

// MaskPlaceholder replaces masked values.
const MaskPlaceholder = "•••"

// Action is what a visibility rule does to a field.
type Action string

const (
	ActionMask Action = "MASK"
	ActionHide Action = "HIDE"
	ActionShow Action = "SHOW"
)

// ApprovalStep is one approver in a chain.
type ApprovalStep struct {
	PartyID   string          `json:"partyId"`
	PartyName string          `json:"partyName"`
	PartyType graph.PartyType `json:"partyType"`
	Role      string          `json:"role"`
	Order     int             `json:"order"`
	Required  bool            `json:"required"`
	EdgeID    string          `json:"edgeId"`
}

// AutoApprove holds the thresholds under which the first step approves
// without review. Nil fields are unset.
type AutoApprove struct {
	UnderHours  *float64 `json:"underHours,omitempty"`
	UnderAmount *float64 `json:"underAmount,omitempty"`
}

// HoursThreshold returns UnderHours, or DefaultAutoApproveHours when unset.
func (a AutoApprove) HoursThreshold() float64 {
	if a.UnderHours == nil {
		return DefaultAutoApproveHours
	}
	return *a.UnderHours
}

// ApprovalPolicy is the approval chain for one work type.
type ApprovalPolicy struct {
	WorkType    string         `json:"workType"`
	Steps       []ApprovalStep `json:"steps"`
	Sequential  bool           `json:"sequential"`
	AutoApprove AutoApprove    `json:"autoApprove"`
}

// Groups splits the steps into runs sharing the same order. A sequential
// chain yields one single-step group per order.
func (p *ApprovalPolicy) Groups() [][]ApprovalStep {
	var groups [][]ApprovalStep
	for i, s := range p.Steps {
		if i > 0 && s.Order == p.Steps[i-1].Order {
			groups[len(groups)-1] = append(groups[len(groups)-1], s)
			continue
		}
		groups = append(groups, []ApprovalStep{s})
	}
	return groups
}

// RuleScope names the object and field a rule applies to.
type RuleScope struct {
	ObjectType string `json:"objectType"`
	ObjectID   string `json:"objectId"`
	Field      string `json:"field"`
}

// RulePolicy is the effect of a visibility rule.
type RulePolicy struct {
	Action     Action   `json:"action"`
	HiddenFrom []string `json:"hiddenFrom"`
	MaskWith   string   `json:"maskWith,omitempty"`
}

// VisibilityRule restricts who may see a field.
type VisibilityRule struct {
	Scope  RuleScope  `json:"scope"`
	Policy RulePolicy `json:"policy"`
}

// CompiledPolicy is the immutable output of the compiler.
type CompiledPolicy struct {
	Version          int              `json:"version"`
	ProjectID        string           `json:"projectId"`
	GraphSnapshot    *graph.Graph     `json:"graphSnapshot"`
	ApprovalPolicies []ApprovalPolicy `json:"approvalPolicies"`
	VisibilityRules  []VisibilityRule `json:"visibilityRules"`
	CompiledAt       time.Time        `json:"compiledAt"`
	CompiledBy       string           `json:"compiledBy"`
}

// Clone returns a deep copy, including the graph snapshot.
func (p *CompiledPolicy) Clone() *CompiledPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.GraphSnapshot = p.GraphSnapshot.Clone()
	if p.ApprovalPolicies != nil {
		out.ApprovalPolicies = make([]ApprovalPolicy, len(p.ApprovalPolicies))
		for i, ap := range p.ApprovalPolicies {
			if ap.Steps != nil {
				ap.Steps = append(make([]ApprovalStep, 0, len(ap.Steps)), ap.Steps...)
			}
			ap.AutoApprove = AutoApprove{
				UnderHours:  cloneFloat(ap.AutoApprove.UnderHours),
				UnderAmount: cloneFloat(ap.AutoApprove.UnderAmount),
			}
			out.ApprovalPolicies[i] = ap
		}
	}
	if p.VisibilityRules != nil {
		out.VisibilityRules = make([]VisibilityRule, len(p.VisibilityRules))
		for i, r := range p.VisibilityRules {
			if r.Policy.HiddenFrom != nil {
				r.Policy.HiddenFrom = append(make([]string, 0, len(r.Policy.HiddenFrom)), r.Policy.HiddenFrom...)
			}
			out.VisibilityRules[i] = r
		}
	}
	return &out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// PolicyFor returns the approval policy for workType. An empty workType
// selects DefaultWorkType.
func (p *CompiledPolicy) PolicyFor(workType string) (*ApprovalPolicy, bool) {
	if workType == "" {
		workType = DefaultWorkType
	}
	for i := range p.ApprovalPolicies {
		if p.ApprovalPolicies[i].WorkType == workType {
			return &p.ApprovalPolicies[i], true
		}
	}
	return nil, false
}

// RuleFor returns the visibility rule for field on the given contract.
func (p *CompiledPolicy) RuleFor(contractID, field string) (*VisibilityRule, bool) {
	for i := range p.VisibilityRules {
		r := &p.VisibilityRules[i]
		if r.Scope.ObjectType == string(graph.NodeContract) && r.Scope.ObjectID == contractID && r.Scope.Field == field {
			return r, true
		}
	}
	return nil, false
}

// hashedContent is the part of a policy that content hashes cover. Version
// numbers, timestamps and authorship are excluded so unchanged graphs hash
// identically across compiles.
type hashedContent struct {
	ApprovalPolicies []ApprovalPolicy `json:"approvalPolicies"`
	VisibilityRules  []VisibilityRule `json:"visibilityRules"`
}

// ContentHash returns the canonical SHA-256 of the approval policies and
// visibility rules.
func (p *CompiledPolicy) ContentHash() (string, error) {
	h, err := canonicalize.CanonicalHash(hashedContent{
		ApprovalPolicies: p.ApprovalPolicies,
		VisibilityRules:  p.VisibilityRules,
	})
	if err != nil {
		return "", fmt.Errorf("policy: content hash: %w", err)
	}
	return h, nil
}
