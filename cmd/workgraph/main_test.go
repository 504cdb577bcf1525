package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGraph = `{
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

const rejectedGraph = `
nodes:
  - id: client
    type: party
    data: {name: Acme, partyType: client, canApprove: false}
  - id: agency
    type: party
    data: {name: Talent Co, partyType: agency}
edges:
  - id: e1
    type: approves
    source: agency
    target: client
    data: {order: 1}
`

// liteEnv points every command at a fresh lite-mode data dir.
func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("POLICY_EXPORT_TYPE", "")
	t.Setenv("SIMULATION_PROFILE", "")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"workgraph"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func([]string, io.Writer, io.Writer) int { called++; return 0 }
	t.Cleanup(func() { startServer = orig })

	assert.Equal(t, 0, Run([]string{"workgraph"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"workgraph", "serve"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"workgraph", "--port", "9000"}, io.Discard, io.Discard))
	assert.Equal(t, 3, called)

	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "simulate")

	code, _, errOut := run(t, "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: bogus")
}

func TestValidateCmd(t *testing.T) {
	code, out, _ := run(t, "validate", "--graph", writeFile(t, "ok.json", testGraph))
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "compiles")

	code, out, _ = run(t, "validate", "--graph", writeFile(t, "bad.yaml", rejectedGraph))
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "APPROVER_CANNOT_APPROVE")

	code, _, _ = run(t, "validate")
	assert.Equal(t, 2, code)
}

func TestOverlayCmd(t *testing.T) {
	code, out, _ := run(t, "overlay", "--graph", writeFile(t, "g.json", testGraph), "--mode", "access")
	require.Equal(t, 0, code)

	var res struct {
		Mode              string   `json:"mode"`
		EmphasizedNodeIDs []string `json:"emphasizedNodeIds"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "access", res.Mode)
	assert.Equal(t, []string{"client", "k-sam"}, res.EmphasizedNodeIDs)

	code, _, _ = run(t, "overlay", "--graph", writeFile(t, "g.json", testGraph), "--mode", "x-ray")
	assert.Equal(t, 2, code)
}

func TestSimulateCmd_OfflineGraph(t *testing.T) {
	liteEnv(t)
	code, out, errOut := run(t, "simulate", "--graph", writeFile(t, "g.json", testGraph),
		"--contract", "k-sam", "--hours", "8", "--json")
	require.Equal(t, 0, code, errOut)

	var res struct {
		Status string `json:"status"`
		Steps  []struct {
			Action string `json:"action"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "approved", res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "auto-approve", res.Steps[0].Action)

	code, _, _ = run(t, "simulate", "--graph", writeFile(t, "bad.yaml", rejectedGraph), "--hours", "8")
	assert.Equal(t, 1, code)
}

func TestLiteModeLifecycle(t *testing.T) {
	dataDir := liteEnv(t)
	graphPath := writeFile(t, "g.json", testGraph)

	compile := func(args ...string) string {
		t.Helper()
		code, out, errOut := run(t, append([]string{"compile", "--project", "p1", "--graph", graphPath, "--by", "alice", "--json"}, args...)...)
		require.Equal(t, 0, code, errOut)
		var res struct {
			Version struct {
				ID      string `json:"id"`
				Version int    `json:"version"`
			} `json:"version"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		return res.Version.ID
	}
	v1 := compile("--activate")
	v2 := compile()
	require.NotEqual(t, v1, v2)

	code, out, _ := run(t, "versions", "--project", "p1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "* v1")
	assert.Contains(t, out, "  v2")

	exported, err := filepath.Glob(filepath.Join(dataDir, "policies", "*.json"))
	require.NoError(t, err)
	assert.Len(t, exported, 1, "only the activated version is exported")

	code, out, errOut := run(t, "simulate", "--project", "p1", "--contract", "k-sam", "--hours", "8")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "approved")

	code, _, errOut = run(t, "pin", "--work-item", "wi-1", "--project", "p1", "--contractor", "sam", "--contract", "k-sam")
	require.Equal(t, 0, code, errOut)

	code, out, errOut = run(t, "rebind", "--from", v1, "--to", v2, "--items", "wi-1,wi-1")
	assert.Equal(t, 1, code, "the duplicate entry fails")
	var res struct {
		SuccessfullyRebinded int `json:"successfullyRebinded"`
		Failed               int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), errOut)
	assert.Equal(t, 1, res.SuccessfullyRebinded)
	assert.Equal(t, 1, res.Failed)

	code, out, _ = run(t, "pin", "--work-item", "wi-1", "--status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, v2)

	code, _, _ = run(t, "activate", "--id", v2)
	require.Equal(t, 0, code)
	code, out, _ = run(t, "rollback", "--project", "p1", "--version", "1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "back to v1")

	code, out, _ = run(t, "diff", "--from", v1, "--to", v2)
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"identical": true`)

	code, out, _ = run(t, "compile", "--project", "p1", "--graph", writeFile(t, "bad.yaml", rejectedGraph))
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "compile rejected")
}
