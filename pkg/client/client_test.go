package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/workgraph/pkg/api"
	"github.com/Mindburn-Labs/workgraph/pkg/client"
	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/overlay"
	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	engine, err := simulation.NewEngine(simulation.DefaultConfig())
	require.NoError(t, err)
	srv := api.NewServer(versioning.NewManager(versioning.NewMemoryStore(), engine))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return client.New(ts.URL, client.WithHTTPClient(ts.Client()))
}

func sampleGraph(clientCanApprove bool) *graph.Graph {
	return graph.NewBuilder().
		Party("agency", "Talent Co", graph.PartyAgency, true).
		Party("client", "Acme", graph.PartyClient, clientCanApprove).
		Party("sam", "Sam", graph.PartyContractor, false).
		Contract("k-sam", "sam", "agency", graph.ContractData{
			ContractType: graph.ContractHourly,
			HourlyRate:   graph.FloatPtr(80),
		}).
		Approves("agency", "client", 1).
		Build()
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	r1, err := c.Compile(ctx, "p1", client.CompileRequest{Graph: sampleGraph(true), CompiledBy: "alice", Activate: true})
	require.NoError(t, err)
	r2, err := c.Compile(ctx, "p1", client.CompileRequest{Graph: sampleGraph(true), CompiledBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Version.Version)

	versions, err := c.ListVersions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[0].IsActive)

	active, err := c.ActiveVersion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, r1.Version.ID, active.ID)

	res, err := c.Simulate(ctx, "p1", "", simulation.Input{ContractID: "k-sam", Hours: 8})
	require.NoError(t, err)
	assert.Equal(t, simulation.StatusApproved, res.Status)

	pin, err := c.Pin(ctx, versioning.PinRequest{WorkItemID: "wi-1", ProjectID: "p1", ContractorID: "sam"})
	require.NoError(t, err)
	assert.Equal(t, r1.Version.ID, pin.VersionID)

	rebind, err := c.Rebind(ctx, versioning.RebindRequest{
		WorkItemIDs:           []string{"wi-1"},
		FromVersionID:         r1.Version.ID,
		ToVersionID:           r2.Version.ID,
		ValidateCompatibility: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rebind.SuccessfullyRebinded)

	pin, err = c.PinStatus(ctx, "wi-1")
	require.NoError(t, err)
	assert.Equal(t, r2.Version.ID, pin.VersionID)

	_, err = c.Activate(ctx, r2.Version.ID)
	require.NoError(t, err)
	rolled, err := c.Rollback(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, r1.Version.ID, rolled.ID)

	d, err := c.Diff(ctx, r1.Version.ID, r2.Version.ID)
	require.NoError(t, err)
	assert.True(t, d.Identical)

	ov, err := c.Overlay(ctx, sampleGraph(true), overlay.ModeMoney)
	require.NoError(t, err)
	assert.Equal(t, []string{"k-sam"}, ov.EmphasizedNodeIDs)
}

func TestClient_ProblemDocuments(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.Compile(ctx, "p1", client.CompileRequest{Graph: sampleGraph(false)})
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Findings.Codes(), "APPROVER_CANNOT_APPROVE")
	assert.NotEmpty(t, apiErr.TraceID)

	_, err = c.ActiveVersion(ctx, "p1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, err.Error(), "404")
}
