// Package graph holds the WorkGraph model: parties, people and contracts
// connected by approval, funding and assignment edges.
//
// The model is pure data. Node payloads are a closed tagged union keyed by
// the node type, so consumers switch on the concrete payload instead of
// probing untyped maps.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NodeType discriminates the node payload.
type NodeType string

const (
	NodeParty    NodeType = "party"
	NodePerson   NodeType = "person"
	NodeContract NodeType = "contract"
)

// EdgeType discriminates the edge payload.
type EdgeType string

const (
	EdgeApproves     EdgeType = "approves"
	EdgeFunds        EdgeType = "funds"
	EdgeSubcontracts EdgeType = "subcontracts"
	EdgeBillsTo      EdgeType = "billsTo"
	EdgeAssigns      EdgeType = "assigns"
	EdgeWorksOn      EdgeType = "worksOn"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeParty, NodePerson, NodeContract:
		return true
	}
	return false
}

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeApproves, EdgeFunds, EdgeSubcontracts, EdgeBillsTo, EdgeAssigns, EdgeWorksOn:
		return true
	}
	return false
}

// IsMoneyFlow reports whether the edge moves money between parties.
func (t EdgeType) IsMoneyFlow() bool {
	return t == EdgeFunds || t == EdgeBillsTo || t == EdgeSubcontracts
}

// Graph is a snapshot of the editor's graph.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a vertex of the graph. Data always matches Type.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// Edge is a directed relationship between two nodes. Data may be nil for
// edge types that carry no payload.
type Edge struct {
	ID     string   `json:"id"`
	Type   EdgeType `json:"type"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Data   EdgeData `json:"data,omitempty"`
}

// Party returns the party payload if n is a party node.
func (n Node) Party() (*PartyData, bool) {
	p, ok := n.Data.(*PartyData)
	return p, ok && p != nil
}

// Contract returns the contract payload if n is a contract node.
func (n Node) Contract() (*ContractData, bool) {
	c, ok := n.Data.(*ContractData)
	return c, ok && c != nil
}

// Person returns the person payload if n is a person node.
func (n Node) Person() (*PersonData, bool) {
	p, ok := n.Data.(*PersonData)
	return p, ok && p != nil
}

// DisplayName returns the human name carried by the payload, or the id.
func (n Node) DisplayName() string {
	switch d := n.Data.(type) {
	case *PartyData:
		if d.Name != "" {
			return d.Name
		}
	case *PersonData:
		if d.Name != "" {
			return d.Name
		}
	case *ContractData:
		if d.Name != "" {
			return d.Name
		}
	}
	return n.ID
}

// Approval returns the approval payload if e is an approves edge.
func (e Edge) Approval() (*ApprovalData, bool) {
	a, ok := e.Data.(*ApprovalData)
	return a, ok && a != nil
}

// Index is a read-only lookup view over a graph.
type Index struct {
	nodes map[string]*Node
	out   map[string][]*Edge
	in    map[string][]*Edge
}

// NewIndex builds an id lookup. With duplicate ids the first node wins;
// duplicates are reported by the compiler, not here.
func NewIndex(g *Graph) *Index {
	idx := &Index{
		nodes: make(map[string]*Node, len(g.Nodes)),
		out:   make(map[string][]*Edge),
		in:    make(map[string][]*Edge),
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if _, dup := idx.nodes[n.ID]; !dup {
			idx.nodes[n.ID] = n
		}
	}
	for i := range g.Edges {
		e := &g.Edges[i]
		idx.out[e.Source] = append(idx.out[e.Source], e)
		idx.in[e.Target] = append(idx.in[e.Target], e)
	}
	return idx
}

// Node looks up a node by id.
func (idx *Index) Node(id string) (*Node, bool) {
	n, ok := idx.nodes[id]
	return n, ok
}

// Has reports whether a node with id exists.
func (idx *Index) Has(id string) bool {
	_, ok := idx.nodes[id]
	return ok
}

// Degree returns the number of edges touching id.
func (idx *Index) Degree(id string) int {
	return len(idx.out[id]) + len(idx.in[id])
}

// Outgoing returns edges whose source is id.
func (idx *Index) Outgoing(id string) []*Edge { return idx.out[id] }

// Incoming returns edges whose target is id.
func (idx *Index) Incoming(id string) []*Edge { return idx.in[id] }

// NodesOfType returns nodes of type t in graph order.
func (g *Graph) NodesOfType(t NodeType) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// EdgesOfType returns edges of type t in graph order.
func (g *Graph) EdgesOfType(t EdgeType) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep copy. The compiler embeds clones as frozen snapshots,
// so later edits to the source graph never reach a compiled policy.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = Node{ID: n.ID, Type: n.Type, Data: cloneNodeData(n.Data)}
	}
	for i, e := range g.Edges {
		out.Edges[i] = Edge{ID: e.ID, Type: e.Type, Source: e.Source, Target: e.Target, Data: cloneEdgeData(e.Data)}
	}
	return out
}

// SortedNodeIDs returns all node ids in lexical order.
func (g *Graph) SortedNodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON keeps empty graphs as [] rather than null.
func (g Graph) MarshalJSON() ([]byte, error) {
	type alias Graph
	a := alias(g)
	if a.Nodes == nil {
		a.Nodes = []Node{}
	}
	if a.Edges == nil {
		a.Edges = []Edge{}
	}
	return json.Marshal(a)
}

// UnmarshalJSON decodes the node payload according to the node type.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID   string          `json:"id"`
		Type NodeType        `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := decodeNodeData(raw.Type, raw.Data)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	n.ID, n.Type, n.Data = raw.ID, raw.Type, data
	return nil
}

// UnmarshalJSON decodes the edge payload according to the edge type.
func (e *Edge) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID     string          `json:"id"`
		Type   EdgeType        `json:"type"`
		Source string          `json:"source"`
		Target string          `json:"target"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := decodeEdgeData(raw.Type, raw.Data)
	if err != nil {
		return fmt.Errorf("edge %q: %w", raw.ID, err)
	}
	e.ID, e.Type, e.Source, e.Target, e.Data = raw.ID, raw.Type, raw.Source, raw.Target, data
	return nil
}
