// Package overlay resolves which parts of a WorkGraph a given lens should
// emphasise, and who may see which contract fields.
//
// The same resolver feeds the policy compiler (to enumerate the parties a
// rate must be hidden from) and the simulator (to report per-step visible
// and masked fields), so both always agree on visibility.
package overlay

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
)

// Mode selects the overlay lens.
type Mode string

const (
	ModeFull      Mode = "full"
	ModeApprovals Mode = "approvals"
	ModeMoney     Mode = "money"
	ModePeople    Mode = "people"
	ModeAccess    Mode = "access"
)

// ParseMode validates a mode string. An empty string selects ModeFull.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeFull, nil
	case ModeFull, ModeApprovals, ModeMoney, ModePeople, ModeAccess:
		return m, nil
	default:
		return "", fmt.Errorf("overlay: unknown mode %q", s)
	}
}

// Stats summarises the graph independently of the selected mode.
type Stats struct {
	ApprovalSteps int `json:"approvalSteps"`
	MoneyFlows    int `json:"moneyFlows"`
	PeopleCount   int `json:"peopleCount"`
	MaskedFields  int `json:"maskedFields"`
}

// Result is the outcome of resolving an overlay.
type Result struct {
	Mode              Mode     `json:"mode"`
	EmphasizedNodeIDs []string `json:"emphasizedNodeIds"`
	EmphasizedEdgeIDs []string `json:"emphasizedEdgeIds"`
	Stats             Stats    `json:"stats"`
}

// Resolve computes the emphasised node and edge ids for mode together with
// graph statistics. It runs in O(V+E) plus the final sort of the id sets.
func Resolve(g *graph.Graph, mode Mode) (*Result, error) {
	if g == nil {
		g = &graph.Graph{}
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeFull
	}

	nodes := make(map[string]struct{})
	edges := make(map[string]struct{})
	emphasizeEdge := func(e graph.Edge) {
		edges[e.ID] = struct{}{}
		nodes[e.Source] = struct{}{}
		nodes[e.Target] = struct{}{}
	}

	known := make(map[string]bool, len(g.Nodes))
	partyIDs := PartyIDs(g)
	var stats Stats

	for _, n := range g.Nodes {
		known[n.ID] = true
		switch n.Type {
		case graph.NodePerson:
			stats.PeopleCount++
			if mode == ModePeople {
				nodes[n.ID] = struct{}{}
			}
		case graph.NodeContract:
			c, ok := n.Contract()
			if !ok {
				continue
			}
			hidden := HiddenFrom(c, partyIDs)
			stats.MaskedFields += len(hidden)
			switch mode {
			case ModeMoney:
				nodes[n.ID] = struct{}{}
			case ModeAccess:
				if len(c.Visibility.HideRateFrom) > 0 {
					nodes[n.ID] = struct{}{}
					for _, id := range c.Visibility.HideRateFrom {
						nodes[id] = struct{}{}
					}
				}
			}
		}
		if mode == ModeFull {
			nodes[n.ID] = struct{}{}
		}
	}

	for _, e := range g.Edges {
		switch {
		case e.Type == graph.EdgeApproves:
			stats.ApprovalSteps++
			if mode == ModeApprovals {
				emphasizeEdge(e)
			}
		case e.Type.IsMoneyFlow():
			stats.MoneyFlows++
			if mode == ModeMoney {
				emphasizeEdge(e)
			}
		case e.Type == graph.EdgeAssigns || e.Type == graph.EdgeWorksOn:
			if mode == ModePeople {
				emphasizeEdge(e)
			}
		}
		if mode == ModeFull {
			edges[e.ID] = struct{}{}
		}
	}

	// Dangling edge endpoints are not nodes of the graph.
	for id := range nodes {
		if !known[id] {
			delete(nodes, id)
		}
	}

	return &Result{
		Mode:              mode,
		EmphasizedNodeIDs: sortedKeys(nodes),
		EmphasizedEdgeIDs: sortedKeys(edges),
		Stats:             stats,
	}, nil
}

// PartyIDs returns the ids of all party nodes in lexical order.
func PartyIDs(g *graph.Graph) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		if n.Type == graph.NodeParty && !seen[n.ID] {
			seen[n.ID] = true
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// HiddenFrom returns the parties a contract's rate is hidden from: the
// explicit hideRateFrom list plus every party that is not one of the two
// contract parties. The contract parties themselves are never included.
func HiddenFrom(c *graph.ContractData, partyIDs []string) []string {
	set := make(map[string]struct{}, len(partyIDs))
	for _, id := range c.Visibility.HideRateFrom {
		if id != "" && !c.IsParty(id) {
			set[id] = struct{}{}
		}
	}
	for _, id := range partyIDs {
		if !c.IsParty(id) {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// IsContractParty reports whether partyID is partyA or partyB of c.
func IsContractParty(c *graph.ContractData, partyID string) bool {
	return c != nil && c.IsParty(partyID)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
