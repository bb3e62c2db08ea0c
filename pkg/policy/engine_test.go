package policy

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uma-runtime/uma/pkg/contracts"
	"github.com/uma-runtime/uma/pkg/fault"
)

const denyGPU = `{"deny":[{"rule":"no-native-gpu","if":{"service":"image.tagger","placement":"native-gpu"}}]}`

func contract(t *testing.T, name string, placement ...string) *contracts.Contract {
	t.Helper()
	c, err := contracts.Parse([]byte(`{"name":"` + name + `","version":"1.0.0","events":{}}`))
	require.NoError(t, err)
	c.Constraints.Placement = placement
	return c
}

func engine(t *testing.T, doc string, mode Mode) *Engine {
	t.Helper()
	l, err := Parse([]byte(doc))
	require.NoError(t, err)
	e, err := NewEngine(l, mode, nil)
	require.NoError(t, err)
	return e
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeClosed, ParseMode(""))
	assert.Equal(t, ModeClosed, ParseMode("closed"))
	assert.Equal(t, ModeOpen, ParseMode("open"))
	assert.Equal(t, ModeOpen, ParseMode("CLOSED"))
	assert.Equal(t, ModeOpen, ParseMode("anything"))
}

func TestEvaluate_RuleMatchRequiresServiceAndPlacement(t *testing.T) {
	e := engine(t, denyGPU, ModeClosed)

	assert.True(t, e.Evaluate([]*contracts.Contract{contract(t, "image.tagger", "edge")}).OK)
	assert.True(t, e.Evaluate([]*contracts.Contract{contract(t, "edge.cache", "native-gpu")}).OK)

	v := e.Evaluate([]*contracts.Contract{contract(t, "image.tagger", "edge", "native-gpu")})
	require.False(t, v.OK)
	assert.Equal(t, []Match{{RuleID: "no-native-gpu", Service: "image.tagger", Placement: "native-gpu"}}, v.Matches)
	assert.Contains(t, v.Reason, "no-native-gpu")
}

func TestCheck_FailClosedAborts(t *testing.T) {
	e := engine(t, denyGPU, ModeClosed)
	_, err := e.Check(context.Background(), []*contracts.Contract{contract(t, "image.tagger", "native-gpu")})
	require.Error(t, err)
	assert.Equal(t, fault.PolicyViolation, fault.KindOf(err))
}

func TestCheck_FailOpenContinues(t *testing.T) {
	e := engine(t, denyGPU, ModeOpen)
	v, err := e.Check(context.Background(), []*contracts.Contract{contract(t, "image.tagger", "native-gpu")})
	require.NoError(t, err)
	assert.False(t, v.OK)
}

func TestDigest_CanonicalAndContentSensitive(t *testing.T) {
	a := Digest([]byte(`{"deny":[{"rule":"r","if":{"service":"s","placement":"p"}}]}`))
	b := Digest([]byte("{\n  \"deny\": [ {\"if\": {\"placement\":\"p\",\"service\":\"s\"}, \"rule\": \"r\"} ]\n}"))
	c := Digest([]byte(`{"deny":[{"rule":"r","if":{"service":"s","placement":"q"}}]}`))

	assert.Equal(t, a, b, "formatting and key order must not change the digest")
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)
}

func TestLoadFile_YAMLMatchesJSONDigest(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "policy.json")
	yamlPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(denyGPU), 0600))
	require.NoError(t, os.WriteFile(yamlPath, []byte(`deny:
  - rule: no-native-gpu
    if:
      service: image.tagger
      placement: native-gpu
`), 0600))

	j, err := LoadFile(jsonPath)
	require.NoError(t, err)
	y, err := LoadFile(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, j.Digest, y.Digest)
	assert.Equal(t, j.Document, y.Document)
	assert.Equal(t, yamlPath, y.Source)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Equal(t, fault.MissingFile, fault.KindOf(err))
}

func TestParse_RejectsRuleWithoutID(t *testing.T) {
	_, err := Parse([]byte(`{"deny":[{"if":{"service":"a","placement":"b"}}]}`))
	assert.Error(t, err)
}

func TestWhenGuard(t *testing.T) {
	doc := `{"deny":[{"rule":"gpu-v1-only","if":{"service":"image.tagger","placement":"native-gpu"},"when":"contract.major < 2"}]}`
	e := engine(t, doc, ModeClosed)

	v1 := contract(t, "image.tagger", "native-gpu")
	assert.False(t, e.Evaluate([]*contracts.Contract{v1}).OK)

	v2, err := contracts.Parse([]byte(`{"name":"image.tagger","version":"2.0.0","events":{},"constraints":{"placement":["native-gpu"]}}`))
	require.NoError(t, err)
	assert.True(t, e.Evaluate([]*contracts.Contract{v2}).OK)
}

func TestNewEngine_RejectsBadGuard(t *testing.T) {
	for _, expr := range []string{"contract.", `"not a bool"`} {
		l, err := Parse([]byte(`{"deny":[{"rule":"r","if":{"service":"a","placement":"b"},"when":` + strconv.Quote(expr) + `}]}`))
		require.NoError(t, err)
		_, err = NewEngine(l, ModeClosed, nil)
		assert.Error(t, err, expr)
	}
}

func TestEvaluate_IsPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	placements := gen.SliceOf(gen.OneConstOf("edge", "cloud", "native-gpu", "browser"))

	properties.Property("same inputs give the same verdict and digest", prop.ForAll(
		func(service string, placement []string) bool {
			l, err := Parse([]byte(denyGPU))
			if err != nil {
				return false
			}
			e, err := NewEngine(l, ModeClosed, nil)
			if err != nil {
				return false
			}
			c, err := contracts.Parse([]byte(`{"name":"` + service + `","version":"1.0.0","events":{}}`))
			if err != nil {
				return false
			}
			c.Constraints.Placement = placement
			set := []*contracts.Contract{c}

			first := e.Evaluate(set)
			second := e.Evaluate(set)
			again, _ := Parse([]byte(denyGPU))
			return first.OK == second.OK &&
				first.Reason == second.Reason &&
				len(first.Matches) == len(second.Matches) &&
				l.Digest == again.Digest
		},
		gen.OneConstOf("image.tagger", "edge.cache"),
		placements,
	))

	properties.TestingRun(t)
}
