package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyModule is a valid module with no exports.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// noopStart exports a _start function that returns immediately.
var noopStart = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // func 0 has type 0
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code: empty body
}

func newSandbox(t *testing.T) *WasiSandbox {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, Config{MemoryLimitBytes: 16 * 65536})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func TestProbe(t *testing.T) {
	s := newSandbox(t)
	ctx := context.Background()

	assert.NoError(t, s.Probe(ctx, noopStart))

	err := s.Probe(ctx, emptyModule)
	var se *SandboxError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrModuleInvalid, se.Code)

	err = s.Probe(ctx, []byte("not wasm"))
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrModuleInvalid, se.Code)
}

func TestRun_NoopModuleRepeatable(t *testing.T) {
	s := newSandbox(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := s.Run(ctx, noopStart, []byte(`{"id":"x"}`))
		require.NoError(t, err)
		assert.Empty(t, out)
	}
}

func TestRun_InvalidModule(t *testing.T) {
	s := newSandbox(t)
	_, err := s.Run(context.Background(), []byte{0x01}, nil)
	var se *SandboxError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrModuleInvalid, se.Code)
}
