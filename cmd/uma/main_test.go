package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/lifecycle"
	"github.com/uma-runtime/uma/pkg/telemetry"
)

const (
	taggerContract = `{"name":"image.tagger","version":"1.0.0",
  "events":{"emits":[{"name":"image.analyzed","schema":{"type":"object","required":["id","tags"],
    "properties":{"id":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}}}}]},
  "constraints":{"placement":["native"]}}`
	cacheContract = `{"name":"edge.cache","version":"1.0.0",
  "events":{"emits":[{"name":"cache.persisted","schema":{"type":"object","required":["status"]}}],
            "subscribes":[{"pattern":"image.*"}]},
  "constraints":{"placement":["edge","browser"]}}`
	runManifest = `producer:
  service: image.tagger
  event: image.analyzed
  input: {id: img-7, bytes: [1, 2]}
subscribers:
  - service: edge.cache
capabilities:
  edge.cache: [native]
decorators: [retry, cache]
`
)

type workspace struct {
	dir       string
	contracts string
	manifest  string
	telemetry string
}

func setup(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	w := workspace{
		dir:       dir,
		contracts: filepath.Join(dir, "contracts"),
		manifest:  filepath.Join(dir, "run.yaml"),
		telemetry: filepath.Join(dir, "telemetry", "metrics.jsonl"),
	}
	for name, doc := range map[string]string{"edge.cache": cacheContract, "image.tagger": taggerContract} {
		d := filepath.Join(w.contracts, name)
		require.NoError(t, os.MkdirAll(d, 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(d, "CONTRACT.json"), []byte(doc), 0o600))
	}
	require.NoError(t, os.WriteFile(w.manifest, []byte(runManifest), 0o600))

	t.Setenv("UMA_LOG_LEVEL", "ERROR")
	t.Setenv("UMA_FAIL_MODE", "closed")
	t.Setenv("UMA_TELEMETRY_PATH", w.telemetry)
	t.Setenv("UMA_ENVELOPE_SINK", "file://"+filepath.Join(dir, "events"))
	t.Setenv("UMA_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("UMA_LIFECYCLE_DSN", "sqlite://"+filepath.Join(dir, "lifecycle.db"))
	t.Setenv("UMA_METRICS_ENDPOINT", "")
	t.Setenv("UMA_WASM_DIR", "")
	t.Setenv("UMA_OTLP_ENDPOINT", "")
	return w
}

func (w workspace) policy(t *testing.T, doc string) string {
	t.Helper()
	p := filepath.Join(w.dir, "policy.json")
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))
	return p
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"uma"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunCmd_FinalizesAndArchives(t *testing.T) {
	w := setup(t)
	t.Setenv("UMA_PLACEMENT", "edge")
	pol := w.policy(t, `{"deny":[]}`)

	code, out, errOut := run("run", "-contracts", w.contracts, "-policy", pol, "-manifest", w.manifest, "-run-id", "run-42")
	require.Equal(t, fault.ExitOK, code, errOut)

	var rec lifecycle.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "run-42", rec.RunID)
	assert.Equal(t, "edge", rec.Placement)
	assert.Equal(t, lifecycle.Finalized, rec.FinalState)
	assert.Equal(t, uint64(2), rec.LogicalClock)
	require.Len(t, rec.BindingsChosen, 2)
	assert.Equal(t, "cache-retry-native", rec.BindingsChosen[0].Implementation)

	events, err := os.ReadDir(filepath.Join(w.dir, "events"))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = os.Stat(filepath.Join(w.dir, "cache", "cache-img-7.json"))
	assert.NoError(t, err)

	samples, err := telemetry.ReadSamples(w.telemetry, telemetry.CallLatencyMetric)
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	code, out, errOut = run("history", "-service", "image.tagger")
	require.Equal(t, fault.ExitOK, code, errOut)
	var recs []lifecycle.Record
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ChainHash, recs[0].ChainHash)
}

func TestRunCmd_PolicyViolationFailClosed(t *testing.T) {
	w := setup(t)
	pol := w.policy(t, `{"deny":[{"rule":"no-browser","if":{"service":"edge.cache","placement":"browser"}}]}`)

	code, out, errOut := run("run", "-contracts", w.contracts, "-policy", pol, "-manifest", w.manifest)
	assert.Equal(t, fault.ExitPolicyViolation, code)
	assert.Contains(t, errOut, "uma.fault kind=POLICY_VIOLATION")

	var rec lifecycle.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, lifecycle.Aborted, rec.FinalState)
	assert.Zero(t, rec.LogicalClock)
}

func TestRunCmd_PolicyViolationFailOpen(t *testing.T) {
	w := setup(t)
	t.Setenv("UMA_FAIL_MODE", "open")
	pol := w.policy(t, `{"deny":[{"rule":"no-browser","if":{"service":"edge.cache","placement":"browser"}}]}`)

	code, _, errOut := run("run", "-contracts", w.contracts, "-policy", pol, "-manifest", w.manifest)
	assert.Equal(t, fault.ExitOK, code, errOut)
}

func TestRunCmd_MissingManifest(t *testing.T) {
	w := setup(t)
	pol := w.policy(t, `{"deny":[]}`)

	code, _, errOut := run("run", "-contracts", w.contracts, "-policy", pol, "-manifest", filepath.Join(w.dir, "absent.yaml"))
	assert.Equal(t, fault.ExitMissingFile, code)
	assert.True(t, strings.HasPrefix(errOut, "uma.fault kind=MISSING_FILE"), errOut)
}

func TestValidateCmd(t *testing.T) {
	w := setup(t)
	good := filepath.Join(w.dir, "good.json")
	bad := filepath.Join(w.dir, "bad.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"id":"a","tags":["x"]}`), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte(`{"id":1}`), 0o600))

	code, out, _ := run("validate", "-contracts", w.contracts, "-event", "image.analyzed", "-payload", good)
	assert.Equal(t, fault.ExitOK, code)
	assert.JSONEq(t, `{"ok":true}`, out)

	code, _, errOut := run("validate", "-contracts", w.contracts, "-event", "image.analyzed", "-payload", bad)
	assert.Equal(t, fault.ExitValidationFailed, code)
	assert.Contains(t, errOut, "kind=PAYLOAD_VALIDATION_FAILED")
}

func TestValidateCmd_UnknownEvent(t *testing.T) {
	w := setup(t)
	payload := filepath.Join(w.dir, "p.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{}`), 0o600))

	code, _, errOut := run("validate", "-contracts", w.contracts, "-event", "image.deleted", "-payload", payload)
	assert.Equal(t, fault.ExitMissingFile, code)
	assert.Contains(t, errOut, "kind=MISSING_FILE")

	code, _, errOut = run("validate", "-contracts", w.contracts, "-event", "image.deleted", "-service", "image.tagger", "-payload", payload)
	assert.Equal(t, fault.ExitContractMalformed, code)
	assert.Contains(t, errOut, "kind=CONTRACT_MALFORMED")
}

func TestValidateCmd_MalformedContract(t *testing.T) {
	w := setup(t)
	d := filepath.Join(w.contracts, "zz.broken")
	require.NoError(t, os.MkdirAll(d, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(d, "CONTRACT.json"), []byte(`{"name":"zz.broken","version":"one"}`), 0o600))

	code, _, errOut := run("validate", "-contracts", w.contracts, "-event", "image.analyzed", "-payload", w.manifest)
	assert.Equal(t, fault.ExitContractMalformed, code)
	assert.Contains(t, errOut, "kind=CONTRACT_MALFORMED")
}

func TestBindingsCmd_WritesMermaid(t *testing.T) {
	w := setup(t)
	mermaid := filepath.Join(w.dir, "graph.mmd")

	code, out, errOut := run("bindings", "-contracts", w.contracts, "-mermaid", mermaid)
	require.Equal(t, fault.ExitOK, code, errOut)
	assert.Contains(t, out, `"subscriber": "edge.cache"`)

	graph, err := os.ReadFile(mermaid)
	require.NoError(t, err)
	assert.Contains(t, string(graph), "flowchart LR")
}

func TestDriftCmd(t *testing.T) {
	w := setup(t)

	code, out, _ := run("drift")
	assert.Equal(t, fault.ExitOK, code)
	assert.Contains(t, out, `"status": "skipped"`)

	require.NoError(t, os.MkdirAll(filepath.Dir(w.telemetry), 0o750))
	var lines strings.Builder
	for i := 0; i < 100; i++ {
		lines.WriteString(`{"metric":"uma.call.latency_ms","value":80}` + "\n")
	}
	require.NoError(t, os.WriteFile(w.telemetry, []byte(lines.String()), 0o600))

	code, out, _ = run("drift", "-target", "50")
	assert.Equal(t, fault.ExitOK, code)
	assert.Contains(t, out, `"status": "warn"`)
}

func TestPolicyCmd(t *testing.T) {
	w := setup(t)
	pol := w.policy(t, `{"deny":[]}`)

	code, out, _ := run("policy", "digest", "-policy", pol)
	assert.Equal(t, fault.ExitOK, code)
	first := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(first, "sha256:"))

	_, out, _ = run("policy", "digest", "-policy", pol)
	assert.Equal(t, first, strings.TrimSpace(out))

	code, _, _ = run("policy", "check", "-policy", pol, "-contracts", w.contracts)
	assert.Equal(t, fault.ExitOK, code)

	code, _, _ = run("policy", "sign")
	assert.Equal(t, fault.ExitInternal, code)
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, fault.ExitInternal, code)
	assert.Contains(t, errOut, "Unknown command")

	code, out, _ := run("help")
	assert.Equal(t, fault.ExitOK, code)
	assert.Contains(t, out, "Usage: uma")
}
