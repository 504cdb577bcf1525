package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "nodes": [
    {"id": "client", "type": "party", "data": {"name": "Acme Corp", "partyType": "client", "canApprove": true, "canViewRates": true}},
    {"id": "agency", "type": "party", "data": {"name": " Talent Co ", "partyType": "agency", "canApprove": true}},
    {"id": "dev", "type": "person", "data": {"name": "Sam", "email": "Sam@Example.com"}},
    {"id": "c1", "type": "contract", "data": {
      "contractType": "hourly", "hourlyRate": 95,
      "parties": {"partyA": "client", "partyB": "agency"},
      "visibility": {"hideRateFrom": []},
      "weeklyHourLimit": 40
    }}
  ],
  "edges": [
    {"id": "e1", "type": "approves", "source": "agency", "target": "client", "data": {"order": 1, "required": true}},
    {"id": "e2", "type": "worksOn", "source": "dev", "target": "c1"},
    {"id": "e3", "type": "funds", "source": "client", "target": "agency", "data": {"amount": 5000, "fundingType": "budget"}}
  ]
}`

func TestDecodeJSON_TaggedUnion(t *testing.T) {
	g, err := DecodeJSON([]byte(sampleJSON))
	require.NoError(t, err)
	require.Len(t, g.Nodes, 4)
	require.Len(t, g.Edges, 3)

	party, ok := g.Nodes[1].Party()
	require.True(t, ok)
	assert.Equal(t, "Talent Co", party.Name, "names are trimmed")
	assert.Equal(t, PartyAgency, party.PartyType)

	person, ok := g.Nodes[2].Person()
	require.True(t, ok)
	assert.Equal(t, "sam@example.com", person.Email)

	contract, ok := g.Nodes[3].Contract()
	require.True(t, ok)
	assert.True(t, contract.IsParty("client"))
	assert.False(t, contract.IsParty("dev"))
	rate, ok := contract.Rate()
	assert.True(t, ok)
	assert.Equal(t, 95.0, rate)
	require.NotNil(t, contract.WeeklyHourLimit)
	assert.Equal(t, 40.0, *contract.WeeklyHourLimit)

	approval, ok := g.Edges[0].Approval()
	require.True(t, ok)
	require.NotNil(t, approval.Order)
	assert.Equal(t, 1, *approval.Order)
	assert.Nil(t, g.Edges[1].Data, "worksOn carries no payload")

	_, isContract := g.Nodes[0].Contract()
	assert.False(t, isContract)
}

func TestDecodeJSON_SchemaRejectsUnknownTypes(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"nodes":[{"id":"x","type":"robot"}],"edges":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")

	_, err = DecodeJSON([]byte(`{"nodes":[]}`))
	require.Error(t, err)

	_, err = DecodeJSON([]byte(`{not json`))
	require.Error(t, err)
}

func TestDecodeYAML(t *testing.T) {
	doc := `
nodes:
  - id: a
    type: party
    data: {name: Alpha, partyType: client, canApprove: true}
  - id: b
    type: party
    data: {name: Beta, partyType: contractor}
edges:
  - id: e1
    type: approves
    source: b
    target: a
    data: {order: 1, required: true}
`
	g, err := Decode("graph.yaml", []byte(doc))
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	approval, ok := g.Edges[0].Approval()
	require.True(t, ok)
	assert.Equal(t, 1, *approval.Order)
}

func TestApprovalOrderMissingIsNil(t *testing.T) {
	g, err := DecodeJSON([]byte(`{"nodes":[],"edges":[{"id":"e","type":"approves","source":"a","target":"b","data":{"required":true}}]}`))
	require.NoError(t, err)
	approval, ok := g.Edges[0].Approval()
	require.True(t, ok)
	assert.Nil(t, approval.Order)
}

func TestClone_IsDeep(t *testing.T) {
	g := NewBuilder().
		Party("a", "A", PartyClient, true).
		Party("b", "B", PartyAgency, true).
		Contract("c", "a", "b", ContractData{HourlyRate: FloatPtr(50), Visibility: ContractVisibility{HideRateFrom: []string{"x"}}}).
		Approves("b", "a", 1).
		Build()

	snap := g.Clone()

	c, _ := g.Nodes[2].Contract()
	c.Visibility.HideRateFrom[0] = "mutated"
	*c.HourlyRate = 999
	a, _ := g.Edges[0].Approval()
	*a.Order = 7

	sc, _ := snap.Nodes[2].Contract()
	assert.Equal(t, "x", sc.Visibility.HideRateFrom[0])
	assert.Equal(t, 50.0, *sc.HourlyRate)
	sa, _ := snap.Edges[0].Approval()
	assert.Equal(t, 1, *sa.Order)
}

func TestJSONRoundTripPreservesShape(t *testing.T) {
	g, err := DecodeJSON([]byte(sampleJSON))
	require.NoError(t, err)

	out, err := json.Marshal(g)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(out, &generic))
	nodes := generic["nodes"].([]any)
	first := nodes[0].(map[string]any)
	data := first["data"].(map[string]any)
	assert.Equal(t, true, data["canApprove"])
	assert.Equal(t, "client", data["partyType"])

	again, err := DecodeJSON(out)
	require.NoError(t, err)
	assert.Equal(t, g, again)
}

func TestIndex(t *testing.T) {
	g := NewBuilder().
		Party("a", "A", PartyClient, true).
		Party("b", "B", PartyAgency, true).
		Party("lonely", "L", PartyCompany, false).
		Approves("b", "a", 1).
		Build()
	idx := NewIndex(g)

	assert.True(t, idx.Has("a"))
	assert.False(t, idx.Has("zzz"))
	assert.Equal(t, 1, idx.Degree("a"))
	assert.Equal(t, 0, idx.Degree("lonely"))
	assert.Len(t, idx.Incoming("a"), 1)
	assert.Len(t, idx.Outgoing("b"), 1)
}

func TestEmptyGraphMarshalsArrays(t *testing.T) {
	out, err := json.Marshal(Graph{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, string(out))
}
