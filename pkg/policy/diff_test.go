package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
)

func TestDiff_Identical(t *testing.T) {
	c := newTestCompiler()
	p1, _, err := c.Compile(agencyGraph(), Options{Version: 1})
	require.NoError(t, err)
	p2, _, err := c.Compile(agencyGraph(), Options{Version: 2})
	require.NoError(t, err)

	d, err := Diff(p1, p2)
	require.NoError(t, err)
	assert.True(t, d.Identical)
	assert.Equal(t, d.FromHash, d.ToHash)
	assert.Empty(t, d.Steps)
	assert.Empty(t, d.Rules)
	assert.Equal(t, 1, d.FromVersion)
	assert.Equal(t, 2, d.ToVersion)
}

func TestDiff_StepsAndRules(t *testing.T) {
	c := newTestCompiler()
	before, _, err := c.Compile(agencyGraph(), Options{Version: 1})
	require.NoError(t, err)

	g := agencyGraph()
	g.Nodes = append(g.Nodes, graph.Node{ID: "auditor", Type: graph.NodeParty, Data: &graph.PartyData{
		Name: "Auditor", PartyType: graph.PartyCompany, CanApprove: true,
	}})
	g.Edges = append(g.Edges, graph.Edge{
		ID: "e3", Type: graph.EdgeApproves, Source: "client", Target: "auditor",
		Data: &graph.ApprovalData{Order: graph.IntPtr(3), Required: false},
	})
	first, _ := g.Edges[0].Approval()
	first.Required = false

	after, _, err := c.Compile(g, Options{Version: 2})
	require.NoError(t, err)

	d, err := Diff(before, after)
	require.NoError(t, err)
	assert.False(t, d.Identical)

	require.Len(t, d.Steps, 2)
	assert.Equal(t, ChangeChanged, d.Steps[0].Change)
	assert.Equal(t, "agency", d.Steps[0].After.PartyID)
	assert.True(t, d.Steps[0].Before.Required)
	assert.False(t, d.Steps[0].After.Required)
	assert.Equal(t, ChangeAdded, d.Steps[1].Change)
	assert.Equal(t, "auditor", d.Steps[1].After.PartyID)

	// The new party is a stranger to both contracts, so both rules change.
	require.Len(t, d.Rules, 2)
	for _, rc := range d.Rules {
		assert.Equal(t, ChangeChanged, rc.Change)
		assert.Contains(t, rc.After.Policy.HiddenFrom, "auditor")
	}
}

func TestDiff_RemovedContract(t *testing.T) {
	c := newTestCompiler()
	before, _, err := c.Compile(agencyGraph(), Options{Version: 1})
	require.NoError(t, err)

	g := agencyGraph()
	g.Nodes = g.Nodes[:4]
	after, _, err := c.Compile(g, Options{Version: 2})
	require.NoError(t, err)

	d, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, d.Rules, 1)
	assert.Equal(t, ChangeRemoved, d.Rules[0].Change)
	assert.Equal(t, "c-client", d.Rules[0].Scope.ObjectID)
	assert.Nil(t, d.Rules[0].After)
}
