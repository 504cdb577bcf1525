package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/workgraph/pkg/api"
	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"
)

const validGraph = `{
  "nodes": [
    {"id": "agency", "type": "party", "data": {"name": "Talent Co", "partyType": "agency", "canApprove": true}},
    {"id": "client", "type": "party", "data": {"name": "Acme", "partyType": "client", "canApprove": true}},
    {"id": "sam", "type": "party", "data": {"name": "Sam", "partyType": "contractor"}},
    {"id": "k-sam", "type": "contract", "data": {
      "contractType": "hourly", "hourlyRate": 80,
      "parties": {"partyA": "sam", "partyB": "agency"},
      "visibility": {"hideRateFrom": ["client"]}
    }}
  ],
  "edges": [
    {"id": "e1", "type": "approves", "source": "agency", "target": "client", "data": {"order": 1, "required": true}}
  ]
}`

const nonApproverGraph = `{
  "nodes": [
    {"id": "agency", "type": "party", "data": {"name": "Talent Co", "partyType": "agency", "canApprove": true}},
    {"id": "client", "type": "party", "data": {"name": "Acme", "partyType": "client", "canApprove": false}}
  ],
  "edges": [
    {"id": "e1", "type": "approves", "source": "agency", "target": "client", "data": {"order": 1}}
  ]
}`

type testServer struct {
	handler http.Handler
	store   *versioning.MemoryStore
}

func newTestServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	engine, err := simulation.NewEngine(simulation.DefaultConfig())
	require.NoError(t, err)
	store := versioning.NewMemoryStore()
	srv := api.NewServer(versioning.NewManager(store, engine), opts...)
	t.Cleanup(srv.Close)
	return &testServer{handler: srv.Handler(), store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) compile(t *testing.T, activate bool) versioning.PolicyVersion {
	t.Helper()
	body := `{"graph": ` + validGraph + `, "compiledBy": "alice", "activate": ` + boolString(activate) + `}`
	w := ts.do(t, http.MethodPost, "/api/v1/projects/p1/compile", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res versioning.CompileResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Version)
	return *res.Version
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, w.Code, p.Status)
	return p
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(api.RequestIDHeader))
}

func TestCompile_ListAndActive(t *testing.T) {
	ts := newTestServer(t)
	v := ts.compile(t, true)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.IsActive)
	assert.Equal(t, "alice", v.CreatedBy)
	assert.NotEmpty(t, v.ContentHash)

	w := ts.do(t, http.MethodGet, "/api/v1/projects/p1/versions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		ProjectID string           `json:"projectId"`
		Versions  []map[string]any `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, "p1", list.ProjectID)
	require.Len(t, list.Versions, 1)
	assert.Equal(t, v.ID, list.Versions[0]["id"])
	assert.NotContains(t, list.Versions[0], "compiledJson")

	w = ts.do(t, http.MethodGet, "/api/v1/projects/p1/versions/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	var active versioning.PolicyVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, v.ID, active.ID)
	require.NotNil(t, active.Policy)

	w = ts.do(t, http.MethodGet, "/api/v1/versions/"+v.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/projects/empty/versions/active", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompile_InvalidGraphReturnsFindings(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/compile",
		bytes.NewReader([]byte(`{"graph": `+nonApproverGraph+`, "activate": true}`)))
	req.Header.Set(api.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	p := decodeProblem(t, w)
	assert.Equal(t, "req-42", p.TraceID)
	assert.Equal(t, "/api/v1/projects/p1/compile", p.Instance)
	assert.Contains(t, p.Findings.Codes(), "APPROVER_CANNOT_APPROVE")

	versions, err := ts.store.ListVersions(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, versions, "rejected graphs are never persisted")
}

func TestCompile_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"graph": `},
		{"missing graph", `{"compiledBy": "alice"}`},
		{"schema violation", `{"graph": {"nodes": [{"id": "x", "type": "robot"}], "edges": []}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/projects/p1/compile", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			decodeProblem(t, w)
		})
	}

	w := ts.do(t, http.MethodPost, "/api/v1/projects/p1/compile",
		`{"graph": `+validGraph+`, "versionName": "one"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompile_VersionNameRegressionConflicts(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/projects/p1/compile", `{"graph": `+validGraph+`, "versionName": "1.2.0"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/projects/p1/compile", `{"graph": `+validGraph+`, "versionName": "1.1.0"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	decodeProblem(t, w)
}

func TestSimulate(t *testing.T) {
	ts := newTestServer(t)
	ts.compile(t, true)

	w := ts.do(t, http.MethodPost, "/api/v1/projects/p1/simulate",
		`{"contractorId": "sam", "contractId": "k-sam", "hours": 8, "urgencyLevel": "normal"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res simulation.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, simulation.StatusApproved, res.Status)
	assert.Equal(t, 1, res.PolicyVersion)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "client", res.Steps[0].PartyID)

	w = ts.do(t, http.MethodPost, "/api/v1/projects/nobody/simulate", `{"hours": 8}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivateAndRollback(t *testing.T) {
	ts := newTestServer(t)
	v1 := ts.compile(t, true)
	v2 := ts.compile(t, true)

	w := ts.do(t, http.MethodPost, "/api/v1/projects/p1/rollback", `{"version": 1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got versioning.PolicyVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, v1.ID, got.ID)
	assert.True(t, got.IsActive)

	w = ts.do(t, http.MethodPost, "/api/v1/projects/p1/rollback", `{"version": 2}`)
	assert.Equal(t, http.StatusConflict, w.Code, "rollback only moves backwards")

	w = ts.do(t, http.MethodPost, "/api/v1/projects/p1/rollback", `{"version": 0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/projects/p1/rollback", `{"version": 9}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/versions/"+v2.ID+"/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	active, err := ts.store.GetActive(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	w = ts.do(t, http.MethodPost, "/api/v1/versions/missing/activate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiff(t *testing.T) {
	ts := newTestServer(t)
	v1 := ts.compile(t, true)
	v2 := ts.compile(t, false)

	w := ts.do(t, http.MethodGet, "/api/v1/versions/"+v1.ID+"/diff/"+v2.ID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, float64(1), d["fromVersion"])
	assert.Equal(t, float64(2), d["toVersion"])
	assert.Equal(t, true, d["identical"])

	w = ts.do(t, http.MethodGet, "/api/v1/versions/"+v1.ID+"/diff/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPinAndRebind(t *testing.T) {
	ts := newTestServer(t)
	v1 := ts.compile(t, true)
	v2 := ts.compile(t, false)

	w := ts.do(t, http.MethodPut, "/api/v1/work-items/wi-1/pin", `{"projectId": "p1", "contractorId": "sam", "contractId": "k-sam"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pin versioning.Pin
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pin))
	assert.Equal(t, "wi-1", pin.WorkItemID)
	assert.Equal(t, v1.ID, pin.VersionID, "an empty versionId pins the active version")

	w = ts.do(t, http.MethodPut, "/api/v1/work-items/wi-1/pin", `{"projectId": "p1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/work-items/wi-2/pin", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/work-items/wi-1/pin", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/work-items/unknown/pin", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/rebind", `{"workItemIds": ["wi-1"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := `{"workItemIds": ["wi-1", "wi-9"], "fromVersionId": "` + v1.ID + `", "toVersionId": "` + v2.ID + `", "validateCompatibility": true}`
	w = ts.do(t, http.MethodPost, "/api/v1/rebind", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res versioning.RebindResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.SuccessfullyRebinded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, versioning.RebindPinNotFound, res.Errors[0].Code)

	w = ts.do(t, http.MethodGet, "/api/v1/work-items/wi-1/pin", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pin))
	assert.Equal(t, v2.ID, pin.VersionID)
}

func TestOverlay(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/overlay", `{"mode": "approvals", "graph": `+validGraph+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Mode              string   `json:"mode"`
		EmphasizedEdgeIDs []string `json:"emphasizedEdgeIds"`
		Stats             struct {
			ApprovalSteps int `json:"approvalSteps"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "approvals", res.Mode)
	assert.Equal(t, []string{"e1"}, res.EmphasizedEdgeIDs)
	assert.Equal(t, 1, res.Stats.ApprovalSteps)

	w = ts.do(t, http.MethodPost, "/api/v1/overlay", `{"mode": "sideways", "graph": `+validGraph+`}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompilerMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.compile(t, true)
	ts.do(t, http.MethodPost, "/api/v1/projects/p1/compile", `{"graph": `+nonApproverGraph+`}`)

	w := ts.do(t, http.MethodGet, "/api/v1/compiler/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m struct {
		TotalCompiled int64 `json:"totalCompiled"`
		ErrorCount    int64 `json:"errorCount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, int64(2), m.TotalCompiled)
	assert.Equal(t, int64(1), m.ErrorCount)
}

func TestUnknownRouteIsProblem(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/nowhere", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	decodeProblem(t, w)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, api.WithRateLimit(1, 1))
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)

	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/versions/x", nil)
	api.WriteInternal(w, r, errors.New("pq: connection refused to host=10.0.0.1"))

	p := decodeProblem(t, w)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, p.Detail, "10.0.0.1")
}

func TestRequestID_ReusesClientHeader(t *testing.T) {
	var seen string
	h := api.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = api.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(api.RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", w.Header().Get(api.RequestIDHeader))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(api.RequestIDHeader))
	assert.NotEqual(t, "abc", seen)
}
