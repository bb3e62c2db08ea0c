package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/schema"
)

const taggerContract = `{
	"name": "image.tagger",
	"version": "1.2.0",
	"events": {
		"emits": [{"name": "image.analyzed.v1", "schema": {"type":"object","required":["id","tags"]}}],
		"subscribes": []
	},
	"constraints": {"placement": ["edge", "cloud"]},
	"policies": {"requires": ["default.runtime.policy"]}
}`

const cacheContract = `{
	"name": "edge.cache",
	"version": "1.0.0",
	"events": {
		"emits": [{"name": "cache.status.v1", "schema": "status.schema.json"}],
		"subscribes": [{"pattern": "image.*", "schema": {"type":"object"}}]
	},
	"constraints": {"placement": ["edge"]}
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestParse_Valid(t *testing.T) {
	c, err := Parse([]byte(taggerContract))
	require.NoError(t, err)

	assert.Equal(t, "image.tagger", c.Name)
	assert.Equal(t, uint64(1), c.Major())
	assert.Equal(t, "image.tagger:1.2.0", c.ID())
	assert.True(t, c.AllowsPlacement("edge"))
	assert.False(t, c.AllowsPlacement("native-gpu"))

	decl, ok := c.Emit("image.analyzed.v1")
	assert.True(t, ok)
	assert.NotEmpty(t, decl.Schema)
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"missing name":     `{"version":"1.0.0","events":{}}`,
		"bad version":      `{"name":"a","version":"1.0","events":{}}`,
		"prerelease":       `{"name":"a","version":"1.0.0-rc1","events":{}}`,
		"emit sans schema": `{"name":"a","version":"1.0.0","events":{"emits":[{"name":"x"}]}}`,
		"inner wildcard":   `{"name":"a","version":"1.0.0","events":{"subscribes":[{"pattern":"a.*.b"}]}}`,
		"not json":         `{`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, fault.ContractMalformed, fault.KindOf(err))
		})
	}
}

func TestParse_NormalizesNames(t *testing.T) {
	// The JSON escapes spell "e" followed by a combining acute accent.
	c, err := Parse([]byte(`{"name":"cafe\u0301","version":"1.0.0","events":{"emits":[{"name":"cafe\u0301.ready","schema":true}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", c.Name)
	assert.Equal(t, "caf\u00e9.ready", c.Events.Emits[0].Name)
}

func TestStore_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tagger/CONTRACT.json", taggerContract)
	writeFile(t, dir, "cache/CONTRACT.json", cacheContract)
	writeFile(t, dir, "cache/status.schema.json", `{"type":"object","required":["status"]}`)

	s := NewStore()
	require.NoError(t, s.LoadDir(dir))
	require.Equal(t, 2, s.Len())

	// Lexical path order: cache/ before tagger/.
	all := s.All()
	assert.Equal(t, "edge.cache", all[0].Name)
	assert.Equal(t, "image.tagger", all[1].Name)

	c, ok := s.Get("edge.cache")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "cache"), c.Dir)

	v := schema.NewValidator()
	require.NoError(t, c.RegisterSchemas(v))
	assert.True(t, v.Has(SchemaRef("edge.cache", "cache.status.v1")))
	assert.True(t, v.Has(SubscriptionRef("edge.cache", "image.*")))
	assert.False(t, v.Validate(SchemaRef("edge.cache", "cache.status.v1"), map[string]any{}).OK)
}

func TestStore_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.contract.json", taggerContract)
	b := writeFile(t, dir, "b.contract.json", taggerContract)

	s := NewStore()
	err := s.LoadFiles(a, b)
	require.Error(t, err)
	assert.Equal(t, fault.ContractMalformed, fault.KindOf(err))
}

func TestStore_MissingFile(t *testing.T) {
	s := NewStore()
	err := s.LoadFiles(filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, fault.MissingFile, fault.KindOf(err))

	err = s.LoadDir(filepath.Join(t.TempDir(), "absent"))
	assert.Equal(t, fault.MissingFile, fault.KindOf(err))

	_, err = s.MustGet("ghost")
	assert.Equal(t, fault.MissingFile, fault.KindOf(err))
}

func TestRegisterSchemas_MissingSchemaFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "CONTRACT.json", cacheContract)
	c, err := LoadFile(p)
	require.NoError(t, err)

	err = c.RegisterSchemas(schema.NewValidator())
	assert.Equal(t, fault.MissingFile, fault.KindOf(err))
}
