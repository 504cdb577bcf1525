package graph

import "fmt"

// Builder assembles graphs in code. It is used by tests and by callers that
// generate graphs programmatically instead of loading documents.
type Builder struct {
	g     Graph
	edges int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Party adds a party node.
func (b *Builder) Party(id, name string, pt PartyType, canApprove bool) *Builder {
	b.g.Nodes = append(b.g.Nodes, Node{ID: id, Type: NodeParty, Data: &PartyData{
		Name:       name,
		PartyType:  pt,
		CanApprove: canApprove,
	}})
	return b
}

// PartyWith adds a party node with a fully specified payload.
func (b *Builder) PartyWith(id string, data PartyData) *Builder {
	d := data
	b.g.Nodes = append(b.g.Nodes, Node{ID: id, Type: NodeParty, Data: &d})
	return b
}

// Person adds a person node.
func (b *Builder) Person(id, name, email string) *Builder {
	b.g.Nodes = append(b.g.Nodes, Node{ID: id, Type: NodePerson, Data: &PersonData{Name: name, Email: email}})
	return b
}

// Contract adds a contract node between partyA and partyB.
func (b *Builder) Contract(id, partyA, partyB string, data ContractData) *Builder {
	d := data
	d.Parties = ContractParties{PartyA: partyA, PartyB: partyB}
	if d.ContractType == "" {
		d.ContractType = ContractHourly
	}
	b.g.Nodes = append(b.g.Nodes, Node{ID: id, Type: NodeContract, Data: &d})
	return b
}

// Approves adds an approves edge from the submitting party to the approver.
func (b *Builder) Approves(source, approver string, order int) *Builder {
	return b.ApprovesFor(source, approver, order, "")
}

// ApprovesFor adds an approves edge scoped to a work type.
func (b *Builder) ApprovesFor(source, approver string, order int, workType string) *Builder {
	return b.edge(EdgeApproves, source, approver, &ApprovalData{Order: IntPtr(order), Required: true, WorkType: workType})
}

// Funds adds a funds edge.
func (b *Builder) Funds(source, target string, amount float64) *Builder {
	return b.edge(EdgeFunds, source, target, &FundingData{Amount: amount, FundingType: "budget"})
}

// Edge adds an edge with an explicit payload.
func (b *Builder) Edge(t EdgeType, source, target string, data EdgeData) *Builder {
	return b.edge(t, source, target, data)
}

func (b *Builder) edge(t EdgeType, source, target string, data EdgeData) *Builder {
	b.edges++
	b.g.Edges = append(b.g.Edges, Edge{
		ID:     fmt.Sprintf("e%d", b.edges),
		Type:   t,
		Source: source,
		Target: target,
		Data:   data,
	})
	return b
}

// Build returns a deep copy of the assembled graph.
func (b *Builder) Build() *Graph {
	return b.g.Clone()
}
