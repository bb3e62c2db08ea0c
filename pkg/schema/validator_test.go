package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uma-runtime/uma/pkg/fault"
)

const imageAnalyzed = `{
	"type": "object",
	"properties": {
		"id":   {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["id", "tags"]
}`

func TestValidator_ValidPayload(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("image.tagger#image.analyzed.v1", []byte(imageAnalyzed)))

	res := v.Validate("image.tagger#image.analyzed.v1", map[string]any{"id": "a", "tags": []string{"even"}})
	assert.True(t, res.OK)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err("image.tagger#image.analyzed.v1"))
}

func TestValidator_RawJSONPayload(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("s", []byte(imageAnalyzed)))

	res := v.Validate("s", json.RawMessage(`{"id":"x","tags":[]}`))
	assert.True(t, res.OK)
}

func TestValidator_AggregatesAllErrors(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("s", []byte(imageAnalyzed)))

	// Missing "tags" and wrong type for "id".
	res := v.Validate("s", map[string]any{"id": 42})
	require.False(t, res.OK)
	assert.GreaterOrEqual(t, len(res.Errors), 2)
	msg := res.Message()
	assert.NotEmpty(t, msg)
	assert.Contains(t, msg, "tags")
	assert.Contains(t, msg, "/id")

	err := res.Err("s")
	require.Error(t, err)
	assert.Equal(t, fault.PayloadValidationFailed, fault.KindOf(err))
}

func TestValidator_NumbersKeepFullPrecision(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("n", []byte(`{"type":"object","properties":{"n":{"type":"integer","maximum":9007199254740992}}}`)))

	assert.True(t, v.Validate("n", json.RawMessage(`{"n":3}`)).OK)
	assert.True(t, v.Validate("n", json.RawMessage(`{"n":9007199254740992}`)).OK)
	// 2^53+1 rounds down to the maximum as a float64.
	assert.False(t, v.Validate("n", json.RawMessage(`{"n":9007199254740993}`)).OK)
}

func TestValidator_UnknownRef(t *testing.T) {
	v := NewValidator()
	res := v.Validate("missing", map[string]any{})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message(), "not registered")
}

func TestValidator_InvalidJSONPayload(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("s", []byte(imageAnalyzed)))
	res := v.Validate("s", []byte("{not json"))
	assert.False(t, res.OK)
}

func TestValidator_CompileFailureIsContractMalformed(t *testing.T) {
	v := NewValidator()
	err := v.Register("bad", []byte(`{"type": 12}`))
	require.Error(t, err)
	assert.Equal(t, fault.ContractMalformed, fault.KindOf(err))
	assert.False(t, v.Has("bad"))
}

func TestValidator_RegisterFileResolvesRelativeRefs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tag.json"), []byte(`{"type":"string","minLength":1}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "event.json"), []byte(`{
		"type":"object",
		"properties":{"tag":{"$ref":"tag.json"}},
		"required":["tag"]
	}`), 0600))

	v := NewValidator()
	require.NoError(t, v.RegisterFile("evt", filepath.Join(dir, "event.json")))

	assert.True(t, v.Validate("evt", map[string]any{"tag": "x"}).OK)
	assert.False(t, v.Validate("evt", map[string]any{"tag": ""}).OK)
	assert.Equal(t, []string{"evt"}, v.Refs())
}
