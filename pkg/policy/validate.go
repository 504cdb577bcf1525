package policy

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
)

type findingKey struct {
	code, nodeID, edgeID, message string
}

type validator struct {
	g        *graph.Graph
	idx      *graph.Index
	findings Findings
	seen     map[findingKey]bool
}

func newValidator(g *graph.Graph) *validator {
	return &validator{
		g:    g,
		idx:  graph.NewIndex(g),
		seen: make(map[findingKey]bool),
	}
}

// add records a finding once, even if several work types trip over it.
func (v *validator) add(f ValidationError) {
	k := findingKey{f.Code, f.NodeID, f.EdgeID, f.Message}
	if v.seen[k] {
		return
	}
	v.seen[k] = true
	v.findings = append(v.findings, f)
}

func (v *validator) run() {
	v.checkNodes()
	v.checkEdges()
	v.checkContracts()
	v.checkOrphans()
}

func (v *validator) checkNodes() {
	ids := make(map[string]bool, len(v.g.Nodes))
	for _, n := range v.g.Nodes {
		if ids[n.ID] {
			v.add(ValidationError{
				Code:     CodeDuplicateNodeID,
				Message:  fmt.Sprintf("node id %q is used more than once", n.ID),
				NodeID:   n.ID,
				Severity: SeverityError,
			})
		}
		ids[n.ID] = true
	}
}

func (v *validator) checkEdges() {
	ids := make(map[string]bool, len(v.g.Edges))
	approvals := 0
	for _, e := range v.g.Edges {
		if ids[e.ID] {
			v.add(ValidationError{
				Code:     CodeDuplicateEdgeID,
				Message:  fmt.Sprintf("edge id %q is used more than once", e.ID),
				EdgeID:   e.ID,
				Severity: SeverityError,
			})
		}
		ids[e.ID] = true

		if !v.idx.Has(e.Source) {
			v.add(ValidationError{
				Code:     CodeEdgeSourceMissing,
				Message:  fmt.Sprintf("%s edge source %q does not exist", e.Type, e.Source),
				EdgeID:   e.ID,
				Severity: SeverityError,
			})
		}
		if !v.idx.Has(e.Target) {
			v.add(ValidationError{
				Code:     CodeEdgeTargetMissing,
				Message:  fmt.Sprintf("%s edge target %q does not exist", e.Type, e.Target),
				EdgeID:   e.ID,
				Severity: SeverityError,
			})
		}

		if e.Type == graph.EdgeApproves {
			approvals++
			v.checkApproval(e)
		}
	}
	if approvals == 0 {
		v.add(ValidationError{
			Code:     CodeNoApprovalEdges,
			Message:  "graph has no approves edges; simulations will report no approval chain",
			Severity: SeverityWarning,
		})
	}
}

func (v *validator) checkApproval(e graph.Edge) {
	if target, ok := v.idx.Node(e.Target); ok {
		party, isParty := target.Party()
		switch {
		case target.Type != graph.NodeParty:
			v.add(ValidationError{
				Code:     CodeApproverNotParty,
				Message:  fmt.Sprintf("approver %q is a %s, not a party", e.Target, target.Type),
				NodeID:   e.Target,
				EdgeID:   e.ID,
				Severity: SeverityError,
			})
		case !isParty || !party.CanApprove:
			v.add(ValidationError{
				Code:     CodeApproverCannotApprove,
				Message:  fmt.Sprintf("party %q is the target of an approves edge but canApprove is false", e.Target),
				NodeID:   e.Target,
				EdgeID:   e.ID,
				Severity: SeverityError,
			})
		}
	}

	a, ok := e.Approval()
	switch {
	case !ok || a.Order == nil:
		v.add(ValidationError{
			Code:     CodeApprovalOrderMissing,
			Message:  "approves edge has no order",
			EdgeID:   e.ID,
			Severity: SeverityError,
		})
	case *a.Order < 1:
		v.add(ValidationError{
			Code:     CodeApprovalOrderInvalid,
			Message:  fmt.Sprintf("approval order must be >= 1, got %d", *a.Order),
			EdgeID:   e.ID,
			Severity: SeverityError,
		})
	}
}

func (v *validator) checkContracts() {
	for _, n := range v.g.Nodes {
		if n.Type != graph.NodeContract {
			continue
		}
		c, ok := n.Contract()
		if !ok || c.Parties.PartyA == "" || c.Parties.PartyB == "" {
			v.add(ValidationError{
				Code:     CodeContractPartiesIncomplete,
				Message:  "contract must name both partyA and partyB",
				NodeID:   n.ID,
				Severity: SeverityError,
			})
			continue
		}
		if c.Parties.PartyA == c.Parties.PartyB {
			v.add(ValidationError{
				Code:     CodeContractPartiesIncomplete,
				Message:  fmt.Sprintf("contract parties must be distinct, both are %q", c.Parties.PartyA),
				NodeID:   n.ID,
				Severity: SeverityError,
			})
		}
		for _, pid := range []string{c.Parties.PartyA, c.Parties.PartyB} {
			target, exists := v.idx.Node(pid)
			switch {
			case !exists:
				v.add(ValidationError{
					Code:     CodeContractPartyMissing,
					Message:  fmt.Sprintf("contract party %q does not exist", pid),
					NodeID:   n.ID,
					Severity: SeverityError,
				})
			case target.Type != graph.NodeParty:
				v.add(ValidationError{
					Code:     CodeContractPartyMissing,
					Message:  fmt.Sprintf("contract party %q is a %s, not a party", pid, target.Type),
					NodeID:   n.ID,
					Severity: SeverityError,
				})
			}
		}
		for _, hidden := range c.Visibility.HideRateFrom {
			if c.IsParty(hidden) {
				v.add(ValidationError{
					Code:     CodeHideRateFromContractParty,
					Message:  fmt.Sprintf("hideRateFrom lists contract party %q, which always sees the rate", hidden),
					NodeID:   n.ID,
					Severity: SeverityError,
				})
				continue
			}
			if target, exists := v.idx.Node(hidden); !exists || target.Type != graph.NodeParty {
				v.add(ValidationError{
					Code:     CodeHideRateFromUnknownParty,
					Message:  fmt.Sprintf("hideRateFrom lists %q, which is not a party in this graph", hidden),
					NodeID:   n.ID,
					Severity: SeverityWarning,
				})
			}
		}
	}
}

func (v *validator) checkOrphans() {
	referenced := make(map[string]bool)
	for _, n := range v.g.Nodes {
		if c, ok := n.Contract(); ok {
			referenced[c.Parties.PartyA] = true
			referenced[c.Parties.PartyB] = true
		}
	}
	for _, n := range v.g.Nodes {
		if n.Type == graph.NodeContract || referenced[n.ID] || v.idx.Degree(n.ID) > 0 {
			continue
		}
		v.add(ValidationError{
			Code:     CodeOrphanNode,
			Message:  fmt.Sprintf("%s %q has no relationships", n.Type, n.ID),
			NodeID:   n.ID,
			Severity: SeverityInfo,
		})
	}
}

// chainFor builds the approval chain for workType from the well-formed
// approves edges, recording ordering findings on the way.
func (v *validator) chainFor(workType string, auto *AutoApprove) ApprovalPolicy {
	steps := make([]ApprovalStep, 0)
	for _, e := range v.g.Edges {
		if e.Type != graph.EdgeApproves {
			continue
		}
		a, ok := e.Approval()
		if !ok || a.Order == nil || *a.Order < 1 {
			continue
		}
		if a.WorkType != "" && a.WorkType != workType {
			continue
		}
		target, ok := v.idx.Node(e.Target)
		if !ok {
			continue
		}
		party, ok := target.Party()
		if !ok || !party.CanApprove {
			continue
		}
		role := party.Role
		if role == "" {
			role = string(party.PartyType)
		}
		steps = append(steps, ApprovalStep{
			PartyID:   e.Target,
			PartyName: target.DisplayName(),
			PartyType: party.PartyType,
			Role:      role,
			Order:     *a.Order,
			Required:  a.Required,
			EdgeID:    e.ID,
		})
	}

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		if steps[i].PartyID != steps[j].PartyID {
			return steps[i].PartyID < steps[j].PartyID
		}
		return steps[i].EdgeID < steps[j].EdgeID
	})

	sequential := true
	orders := make([]int, 0, len(steps))
	for i, s := range steps {
		if i == 0 || s.Order != steps[i-1].Order {
			orders = append(orders, s.Order)
			continue
		}
		sequential = false
		if s.PartyID == steps[i-1].PartyID {
			v.add(ValidationError{
				Code:     CodeDuplicateApprovalStep,
				Message:  fmt.Sprintf("%s chain: party %q approves twice at order %d", workType, s.PartyID, s.Order),
				NodeID:   s.PartyID,
				EdgeID:   s.EdgeID,
				Severity: SeverityError,
			})
		}
	}
	for i, o := range orders {
		if want := i + 1; o != want {
			v.add(ValidationError{
				Code:     CodeApprovalOrderGap,
				Message:  fmt.Sprintf("%s chain: approval orders must be contiguous from 1; expected %d, found %d", workType, want, o),
				Severity: SeverityError,
			})
			break
		}
	}

	policy := ApprovalPolicy{
		WorkType:   workType,
		Steps:      steps,
		Sequential: sequential,
		AutoApprove: AutoApprove{
			UnderHours: floatPtr(DefaultAutoApproveHours),
		},
	}
	if auto != nil {
		if auto.UnderHours != nil {
			policy.AutoApprove.UnderHours = floatPtr(*auto.UnderHours)
		}
		if auto.UnderAmount != nil {
			policy.AutoApprove.UnderAmount = floatPtr(*auto.UnderAmount)
		}
	}
	return policy
}

func floatPtr(f float64) *float64 { return &f }
