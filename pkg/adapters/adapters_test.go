package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/sandbox"
)

type countingStub struct {
	calls    int
	failures int // calls that fail before the first success; -1 fails forever
}

func (s *countingStub) Invoke(_ context.Context, req Request) (Response, error) {
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return Response{}, errors.New("upstream unavailable")
	}
	return Response{Output: json.RawMessage(`{"key":"` + req.Key + `"}`)}, nil
}

func TestRetry_FailTwiceThenSucceed(t *testing.T) {
	stub := &countingStub{failures: 2}
	c := Retry(0, nil).Wrap(stub)

	resp, err := c.Invoke(context.Background(), Request{Key: "a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"a"}`, string(resp.Output))
	assert.Equal(t, 3, stub.calls)
}

func TestRetry_AlwaysFails(t *testing.T) {
	stub := &countingStub{failures: -1}
	c := Retry(0, nil).Wrap(stub)

	_, err := c.Invoke(context.Background(), Request{Key: "a"})
	require.Error(t, err)
	assert.Equal(t, 3, stub.calls)
}

func TestRetry_OnAttemptObservesEveryCall(t *testing.T) {
	stub := &countingStub{failures: 1}
	var seen []Attempt
	c := Retry(0, func(_ context.Context, a Attempt) { seen = append(seen, a) }).Wrap(stub)

	_, err := c.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].N)
	assert.Error(t, seen[0].Err)
	assert.NoError(t, seen[1].Err)
}

func TestCache_SameKeyCallsOnce(t *testing.T) {
	stub := &countingStub{}
	c := Cache().Wrap(stub)
	ctx := context.Background()

	first, err := c.Invoke(ctx, Request{Key: "https://example.test/1"})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	second, err := c.Invoke(ctx, Request{Key: "https://example.test/1"})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.JSONEq(t, string(first.Output), string(second.Output))
	assert.Equal(t, 1, stub.calls)

	_, err = c.Invoke(ctx, Request{Key: "https://example.test/2"})
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)

	assert.Equal(t, CacheStats{Hits: 1, Misses: 2}, c.(*Cached).Stats())
}

func TestCache_KeysOnInputWhenKeyEmpty(t *testing.T) {
	stub := &countingStub{}
	c := Cache().Wrap(stub)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Invoke(ctx, Request{Input: json.RawMessage(`{"id":1}`)})
		require.NoError(t, err)
	}
	_, err := c.Invoke(ctx, Request{Input: json.RawMessage(`{"id":2}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	stub := &countingStub{failures: 1}
	c := Cache().Wrap(stub)
	ctx := context.Background()

	_, err := c.Invoke(ctx, Request{Key: "k"})
	require.Error(t, err)
	_, err = c.Invoke(ctx, Request{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}

func TestChain_OrderAndName(t *testing.T) {
	stub := &countingStub{failures: 2}
	opts := Options{Retry: true, Cache: true}

	c, name := Chain(stub, "wasi", opts.Wrappers()...)
	assert.Equal(t, "cache-retry-wasi", name)

	_, ok := c.(*Cached)
	require.True(t, ok, "cache must be the outermost wrapper")

	ctx := context.Background()
	_, err := c.Invoke(ctx, Request{Key: "k"})
	require.NoError(t, err)
	_, err = c.Invoke(ctx, Request{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, 3, stub.calls, "a cache hit must not reach the retry loop")

	_, name = Chain(stub, "native")
	assert.Equal(t, "native", name)
}

type fakeRunner struct {
	probeErr error
	out      []byte
}

func (f fakeRunner) Probe(context.Context, []byte) error { return f.probeErr }
func (f fakeRunner) Run(context.Context, []byte, []byte) ([]byte, error) {
	return f.out, nil
}

func writeModule(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "module.wasm")
	require.NoError(t, os.WriteFile(p, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, 0600))
	return p
}

func TestManager_FallsBackAndRecordsReason(t *testing.T) {
	m := NewManager(Options{Retry: true}, nil)
	native := CapabilityFunc(func(context.Context, Request) (Response, error) {
		return Response{Output: json.RawMessage(`{"ok":true}`)}, nil
	})
	m.Register("image.tagger",
		WasiCandidate(fakeRunner{probeErr: errors.New("wasi:http not provided")}, writeModule(t)),
		NativeCandidate("native", native),
	)

	res, err := m.Resolve(context.Background(), "image.tagger")
	require.NoError(t, err)
	assert.Equal(t, "retry-native", res.Implementation)
	require.Len(t, res.Fallbacks, 1)
	assert.Equal(t, Fallback{Candidate: "wasi", ReasonCode: ReasonPreconditionUnmet, Detail: "wasi:http not provided"}, res.Fallbacks[0])

	resp, err := res.Handle.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Output))
}

func TestManager_PrefersFirstAvailable(t *testing.T) {
	m := NewManager(Options{}, nil)
	m.Register("image.tagger",
		WasiCandidate(fakeRunner{out: []byte(`{"tags":[]}`)}, writeModule(t)),
		NativeCandidate("native", &countingStub{}),
	)

	res, err := m.Resolve(context.Background(), "image.tagger")
	require.NoError(t, err)
	assert.Equal(t, "wasi", res.Implementation)
	assert.Equal(t, HostWasi, res.Host)
	assert.Empty(t, res.Fallbacks)

	resp, err := res.Handle.Invoke(context.Background(), Request{Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":[]}`, string(resp.Output))
}

func TestManager_Capabilities(t *testing.T) {
	m := NewManager(Options{}, nil)
	assert.Empty(t, m.Capabilities())

	m.Register("network.fetch", NativeCandidate("native", &countingStub{}))
	m.Register("image.tagger", NativeCandidate("native", &countingStub{}))
	m.Register("image.tagger", NativeCandidate("fallback", &countingStub{}))
	assert.Equal(t, []string{"image.tagger", "network.fetch"}, m.Capabilities())
}

func TestManager_ExhaustionIsFatal(t *testing.T) {
	m := NewManager(Options{}, nil)
	m.Register("network.fetch",
		WasiCandidate(nil, ""),
		Candidate{Name: "broken", Build: func(context.Context) (Capability, error) { return nil, errors.New("boom") }},
	)

	res, err := m.Resolve(context.Background(), "network.fetch")
	require.Error(t, err)
	assert.Equal(t, fault.CapabilityUnavailable, fault.KindOf(err))
	require.Len(t, res.Fallbacks, 2)
	assert.Equal(t, ReasonBuildFailed, res.Fallbacks[1].ReasonCode)

	_, err = m.Resolve(context.Background(), "unknown")
	assert.Equal(t, fault.CapabilityUnavailable, fault.KindOf(err))
}

func TestWasiCandidate_RealSandboxRejectsModuleWithoutEntryPoint(t *testing.T) {
	ctx := context.Background()
	sb, err := sandbox.New(ctx, sandbox.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close(ctx) })

	m := NewManager(Options{}, nil)
	m.Register("image.tagger", WasiCandidate(sb, writeModule(t)), NativeCandidate("native", &countingStub{}))

	res, err := m.Resolve(ctx, "image.tagger")
	require.NoError(t, err)
	assert.Equal(t, "native", res.Implementation)
	require.Len(t, res.Fallbacks, 1)
	assert.Contains(t, res.Fallbacks[0].Detail, sandbox.ErrModuleInvalid)
}

func TestOptions_OrderIsConfigurable(t *testing.T) {
	_, name := Chain(&countingStub{}, "native", Options{Retry: true, Cache: true, Order: []string{"cache", "retry"}}.Wrappers()...)
	assert.Equal(t, "retry-cache-native", name)

	_, name = Chain(&countingStub{}, "native", Options{Cache: true}.Wrappers()...)
	assert.Equal(t, "cache-native", name)
}
