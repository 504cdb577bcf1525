package simulation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/workgraph/pkg/graph"
	"github.com/Mindburn-Labs/workgraph/pkg/policy"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(cfg, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return e
}

func compile(t *testing.T, g *graph.Graph, opts ...func(*policy.Options)) *policy.CompiledPolicy {
	t.Helper()
	o := policy.Options{ProjectID: "p1", CompiledBy: "test", Version: 1}
	for _, f := range opts {
		f(&o)
	}
	p, _, err := policy.NewCompiler().Compile(g, o)
	require.NoError(t, err)
	return p
}

// threeApprovers is contractor -> agency -> client -> finance.
func threeApprovers() *graph.Graph {
	return graph.NewBuilder().
		Party("contractor", "Sam Ltd", graph.PartyContractor, false).
		Party("agency", "Talent Co", graph.PartyAgency, true).
		Party("client", "Acme", graph.PartyClient, true).
		Party("finance", "Acme Finance", graph.PartyCompany, true).
		Contract("c1", "contractor", "agency", graph.ContractData{
			HourlyRate:      graph.FloatPtr(80),
			WeeklyHourLimit: graph.FloatPtr(40),
		}).
		Approves("contractor", "agency", 1).
		Approves("agency", "client", 2).
		Approves("client", "finance", 3).
		Build()
}

func TestScenarioA_SingleApproverAutoApproves(t *testing.T) {
	g := graph.NewBuilder().
		Party("contractor", "Sam Ltd", graph.PartyContractor, false).
		Party("client", "Acme", graph.PartyClient, true).
		Contract("c1", "contractor", "client", graph.ContractData{HourlyRate: graph.FloatPtr(100)}).
		Approves("contractor", "client", 1).
		Build()

	res, err := newEngine(t).Simulate(context.Background(), compile(t, g), Input{
		ContractorID: "contractor", ContractID: "c1", Hours: 40, WeekStartDate: "2026-03-02", UrgencyLevel: UrgencyNormal,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, ActionAutoApprove, res.Steps[0].Action)
	assert.Equal(t, 0.1, res.TotalSLA)
	assert.Equal(t, 1, res.BusinessDays)
	assert.Empty(t, res.Conflicts)
	assert.True(t, res.Steps[0].RateVisible, "contract party sees the rate")
	assert.Empty(t, res.Steps[0].MaskedFields)
}

func TestScenarioB_DefaultThreshold(t *testing.T) {
	res, err := newEngine(t).Simulate(context.Background(), compile(t, threeApprovers()), Input{
		ContractorID: "contractor", ContractID: "c1", Hours: 45, UrgencyLevel: UrgencyUrgent,
	})
	require.NoError(t, err)

	require.Len(t, res.Steps, 3)
	// 45h is over the default 40h threshold, so step 1 needs review too.
	assert.Equal(t, ActionManualReview, res.Steps[0].Action)
	assert.Equal(t, 6.0, res.Steps[0].EstimatedSLA)
	assert.Equal(t, ActionManualReview, res.Steps[1].Action)
	assert.Equal(t, 6.0, res.Steps[1].EstimatedSLA)
	assert.Equal(t, ActionAutoApprove, res.Steps[2].Action)
	assert.Equal(t, "budget available", res.Steps[2].Reason)
	assert.Equal(t, 12.1, res.TotalSLA)
	assert.Equal(t, 2, res.BusinessDays)
	assert.Equal(t, StatusApproved, res.Status)
}

func TestScenarioB_RaisedThreshold(t *testing.T) {
	hours := 48.0
	p := compile(t, threeApprovers(), func(o *policy.Options) {
		o.AutoApprove = &policy.AutoApprove{UnderHours: &hours}
	})

	res, err := newEngine(t).Simulate(context.Background(), p, Input{
		ContractorID: "contractor", ContractID: "c1", Hours: 45, UrgencyLevel: UrgencyUrgent,
	})
	require.NoError(t, err)

	require.Len(t, res.Steps, 3)
	assert.Equal(t, ActionAutoApprove, res.Steps[0].Action)
	assert.Equal(t, ActionManualReview, res.Steps[1].Action)
	assert.Equal(t, 24*0.25, res.Steps[1].EstimatedSLA)
	assert.Equal(t, ActionAutoApprove, res.Steps[2].Action)
	assert.Equal(t, 6.2, res.TotalSLA)
	assert.Equal(t, 1, res.BusinessDays)
	assert.Equal(t, []string{CodeHoursExceedLimit}, res.ConflictCodes())
}

func TestScenarioC_NoApprovalChain(t *testing.T) {
	g := graph.NewBuilder().
		Party("a", "A", graph.PartyClient, true).
		Party("b", "B", graph.PartyAgency, true).
		Contract("c1", "a", "b", graph.ContractData{}).
		Build()

	res, err := newEngine(t).Simulate(context.Background(), compile(t, g), Input{Hours: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Empty(t, res.Steps)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, CodeNoApprovalChain, res.Conflicts[0].Code)
	assert.Equal(t, SeverityError, res.Conflicts[0].Severity)

	res, err = newEngine(t).Simulate(context.Background(), nil, Input{Hours: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, []string{CodeNoApprovalChain}, res.ConflictCodes())
}

func TestScenarioD_WeeklyLimitIsAWarning(t *testing.T) {
	res, err := newEngine(t).Simulate(context.Background(), compile(t, threeApprovers()), Input{
		ContractorID: "contractor", ContractID: "c1", Hours: 50, UrgencyLevel: UrgencyNormal,
	})
	require.NoError(t, err)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, CodeHoursExceedLimit, res.Conflicts[0].Code)
	assert.Equal(t, SeverityWarning, res.Conflicts[0].Severity)
	assert.Len(t, res.Steps, 3)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 48.1, res.TotalSLA)
	assert.Equal(t, 7, res.BusinessDays)
}

func TestSimulate_IsDeterministic(t *testing.T) {
	e := newEngine(t)
	p := compile(t, threeApprovers())
	in := Input{ContractorID: "contractor", ContractID: "c1", Hours: 45, UrgencyLevel: UrgencyHigh, TaskDescription: "api work"}

	r1, err := e.Simulate(context.Background(), p, in)
	require.NoError(t, err)
	r2, err := e.Simulate(context.Background(), p, in)
	require.NoError(t, err)

	b1, err := json.Marshal(r1)
	require.NoError(t, err)
	b2, err := json.Marshal(r2)
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
}

func TestSimulate_Visibility(t *testing.T) {
	g := graph.NewBuilder().
		Party("contractor", "Sam Ltd", graph.PartyContractor, false).
		Party("agency", "Talent Co", graph.PartyAgency, true).
		Party("client", "Acme", graph.PartyClient, true).
		Contract("c1", "contractor", "agency", graph.ContractData{HourlyRate: graph.FloatPtr(80)}).
		Approves("contractor", "agency", 1).
		Approves("agency", "client", 2).
		Build()

	res, err := newEngine(t).Simulate(context.Background(), compile(t, g), Input{ContractorID: "contractor", ContractID: "c1", Hours: 10})
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)

	agency := res.Steps[0]
	assert.True(t, agency.RateVisible)
	assert.Empty(t, agency.MaskedFields)
	assert.Contains(t, agency.VisibleFields, "rate")

	client := res.Steps[1]
	assert.False(t, client.RateVisible)
	assert.Equal(t, []string{"rate"}, client.MaskedFields)
	assert.NotContains(t, client.VisibleFields, "rate")
	assert.Contains(t, client.VisibleFields, "hours")
}

func TestSimulate_ParallelGroupTakesSlowestMember(t *testing.T) {
	g := graph.NewBuilder().
		Party("sub", "Sub", graph.PartyContractor, false).
		Party("pm", "PM", graph.PartyAgency, true).
		Party("fin", "Finance", graph.PartyCompany, true).
		Party("client", "Client", graph.PartyClient, true).
		Party("cfo", "CFO", graph.PartyCompany, true).
		Approves("sub", "pm", 1).
		Approves("sub", "fin", 1).
		Approves("pm", "client", 2).
		Approves("client", "cfo", 3).
		Build()

	res, err := newEngine(t).Simulate(context.Background(), compile(t, g), Input{Hours: 60, UrgencyLevel: UrgencyNormal})
	require.NoError(t, err)
	require.Len(t, res.Steps, 4)

	// group 1: two manual reviews in parallel (24h), group 2: 24h, group 3: terminal 0.1h
	assert.Equal(t, 48.1, res.TotalSLA)
	assert.Equal(t, 1, res.Steps[0].Order)
	assert.Equal(t, 1, res.Steps[1].Order)
	assert.Equal(t, 2, res.Steps[1].StepNumber)
}

func TestSimulate_MissingApproverIsSkipped(t *testing.T) {
	p := compile(t, threeApprovers())
	// Drop the client from the frozen snapshot to emulate a corrupted policy.
	nodes := p.GraphSnapshot.Nodes[:0]
	for _, n := range p.GraphSnapshot.Nodes {
		if n.ID != "client" {
			nodes = append(nodes, n)
		}
	}
	p.GraphSnapshot.Nodes = nodes

	res, err := newEngine(t).Simulate(context.Background(), p, Input{ContractorID: "contractor", ContractID: "c1", Hours: 30})
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	assert.Equal(t, "agency", res.Steps[0].PartyID)
	assert.Equal(t, "finance", res.Steps[1].PartyID)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, CodeApproverNotFound, res.Conflicts[0].Code)
	require.NotNil(t, res.Conflicts[0].AffectedStep)
	assert.Equal(t, 2, *res.Conflicts[0].AffectedStep)
	assert.Equal(t, 0.2, res.TotalSLA, "the skipped step contributes no SLA")
	assert.Equal(t, StatusApproved, res.Status)
}

func TestSimulate_InputConflicts(t *testing.T) {
	e := newEngine(t)
	p := compile(t, threeApprovers())

	res, err := e.Simulate(context.Background(), p, Input{Hours: -1})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, []string{CodeInvalidHours}, res.ConflictCodes())
	assert.Empty(t, res.Steps)

	res, err = e.Simulate(context.Background(), p, Input{ContractorID: "ghost", ContractID: "nope", Hours: 8, UrgencyLevel: "asap"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, []string{CodeUnknownUrgency, CodeContractorNotFound, CodeContractNotFound}, res.ConflictCodes())
	for _, s := range res.Steps {
		assert.False(t, s.RateVisible, "without a contract nobody sees the rate")
	}

	res, err = e.Simulate(context.Background(), p, Input{Hours: 8, WorkType: "expense"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, []string{CodeNoApprovalChain}, res.ConflictCodes())
}

func TestSimulate_MonthlyLimit(t *testing.T) {
	g := graph.NewBuilder().
		Party("a", "A", graph.PartyContractor, false).
		Party("b", "B", graph.PartyClient, true).
		Contract("c1", "a", "b", graph.ContractData{HourlyRate: graph.FloatPtr(50), MonthlyHourLimit: graph.FloatPtr(20)}).
		Approves("a", "b", 1).
		Build()

	res, err := newEngine(t).Simulate(context.Background(), compile(t, g), Input{ContractID: "c1", Hours: 25})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeHoursExceedMonthlyLimit}, res.ConflictCodes())
}

func TestSimulate_DistinguishPending(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.DistinguishPending = true })
	res, err := e.Simulate(context.Background(), compile(t, threeApprovers()), Input{ContractID: "c1", Hours: 45})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	res, err = e.Simulate(context.Background(), compile(t, threeApprovers()), Input{ContractID: "c1", Hours: 4})
	require.NoError(t, err)
	assert.Equal(t, ActionManualReview, res.Steps[1].Action)
	assert.Equal(t, StatusPending, res.Status)
}

func TestSimulate_TerminalApprovalDisabled(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.TerminalApproval = false })
	res, err := e.Simulate(context.Background(), compile(t, threeApprovers()), Input{ContractID: "c1", Hours: 45, UrgencyLevel: UrgencyLow})
	require.NoError(t, err)
	for _, s := range res.Steps {
		assert.Equal(t, ActionManualReview, s.Action)
		assert.Equal(t, 36.0, s.EstimatedSLA)
	}
	assert.Equal(t, 108.0, res.TotalSLA)
	assert.Equal(t, 14, res.BusinessDays)
}

func TestSimulate_UnderAmount(t *testing.T) {
	limit := 1000.0
	p := compile(t, threeApprovers(), func(o *policy.Options) {
		o.AutoApprove = &policy.AutoApprove{UnderAmount: &limit}
	})
	// 20h at 80/h = 1600, over the amount threshold.
	res, err := newEngine(t).Simulate(context.Background(), p, Input{ContractID: "c1", Hours: 20})
	require.NoError(t, err)
	assert.Equal(t, ActionManualReview, res.Steps[0].Action)

	res, err = newEngine(t).Simulate(context.Background(), p, Input{ContractID: "c1", Hours: 10})
	require.NoError(t, err)
	assert.Equal(t, ActionAutoApprove, res.Steps[0].Action)
}

func TestSimulate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newEngine(t).Simulate(ctx, compile(t, threeApprovers()), Input{Hours: 8})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestSimulate_TimestampFromClock(t *testing.T) {
	res, err := newEngine(t).Simulate(context.Background(), compile(t, threeApprovers()), Input{Hours: 8})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, res.Timestamp)
	assert.Equal(t, 1, res.PolicyVersion)
}
