package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

func sym(s string) *string { return &s }

func walkOf(frames ...crash.Frame) *crash.StackWalkResult {
	thread := 0
	return &crash.StackWalkResult{
		CrashingThread: &thread,
		Threads:        []crash.Thread{{Frames: frames}},
	}
}

func newGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	g := newGenerator(t, Config{})
	testCases := []struct {
		name      string
		walk      *crash.StackWalkResult
		signature string
		proto     string
	}{
		{
			name:      "single symbolicated frame",
			walk:      walkOf(crash.Frame{Module: "libfoo.so", Offset: "0x10", Symbol: sym("foo::crash()")}),
			signature: "foo::crash()",
			proto:     "foo::crash()",
		},
		{
			name: "unsymbolicated frames",
			walk: walkOf(
				crash.Frame{Module: "libfoo.so", Offset: "0x10", Symbol: sym("foo::crash()")},
				crash.Frame{Module: "libbar.so", Offset: "1a2b"},
				crash.Frame{Offset: "0xdead"},
			),
			signature: "foo::crash() | libbar.so@0x1a2b | @0xdead",
			proto:     "foo::crash() | libbar.so@0x1a2b | @0xdead",
		},
		{
			name: "skip list frames dropped from signature only",
			walk: walkOf(
				crash.Frame{Symbol: sym("raise")},
				crash.Frame{Symbol: sym("abort")},
				crash.Frame{Symbol: sym("mozilla::Crash()")},
			),
			signature: "mozilla::Crash()",
			proto:     "raise | abort | mozilla::Crash()",
		},
		{
			name:      "all frames skipped falls back",
			walk:      walkOf(crash.Frame{Symbol: sym("abort")}),
			signature: "abort",
			proto:     "abort",
		},
		{
			name: "whitespace collapsed",
			walk: walkOf(
				crash.Frame{Symbol: sym("std::vector<int,\n   std::allocator<int> >::at")},
			),
			signature: "std::vector<int, std::allocator<int> >::at",
			proto:     "std::vector<int, std::allocator<int> >::at",
		},
		{
			name:      "no crashing thread",
			walk:      &crash.StackWalkResult{Threads: []crash.Thread{{}}},
			signature: EmptyNoThread,
		},
		{
			name:      "nil walk",
			walk:      nil,
			signature: EmptyNoThread,
		},
		{
			name:      "no frames",
			walk:      walkOf(),
			signature: EmptyNoFrames,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			signature, proto := g.Generate(tc.walk)
			assert.Equal(t, tc.signature, signature)
			assert.Equal(t, tc.proto, proto)
		})
	}
}

func TestGenerateMaxFrames(t *testing.T) {
	t.Parallel()

	frames := make([]crash.Frame, 0, 8)
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		frames = append(frames, crash.Frame{Symbol: sym(s)})
	}
	signature, proto := newGenerator(t, Config{}).Generate(walkOf(frames...))
	assert.Equal(t, "a | b | c | d | e", signature)
	assert.Equal(t, "a | b | c | d | e | f | g | h", proto)

	signature, _ = newGenerator(t, Config{MaxFrames: 2}).Generate(walkOf(frames...))
	assert.Equal(t, "a | b", signature)
}

func TestGenerateTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 300)
	signature, _ := newGenerator(t, Config{}).Generate(walkOf(crash.Frame{Symbol: sym(long)}))
	assert.Len(t, signature, 255)
	assert.True(t, strings.HasSuffix(signature, "..."))
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SkipPatterns: []string{"("}})
	assert.Error(t, err)

	g := newGenerator(t, Config{SkipPatterns: []string{}})
	signature, _ := g.Generate(walkOf(crash.Frame{Symbol: sym("abort")}, crash.Frame{Symbol: sym("main")}))
	assert.Equal(t, "abort | main", signature)
}
