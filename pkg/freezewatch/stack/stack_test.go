package stack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `goroutine 1 [running]:
main.work(0x2, 0x4)
	/app/main.go:42 +0x1a
main.dispatch()
	/app/main.go:30 +0xc5
main.main()
	/app/main.go:12 +0x30

goroutine 18 [chan receive]:
net/http.(*Server).Serve(0xc000010000)
	/usr/local/go/src/net/http/server.go:3086 +0x5d9
created by main.startServer in goroutine 1
	/app/server.go:9 +0x88
`

func TestParse(t *testing.T) {
	gs := Parse([]byte(sampleDump))
	require.Len(t, gs, 2)

	g := gs[0]
	assert.Equal(t, uint64(1), g.ID)
	assert.Equal(t, "running", g.State)
	require.Len(t, g.Frames, 3)
	assert.Equal(t, Frame{Function: "main.work", File: "/app/main.go", Line: 42}, g.Frames[0])
	assert.Equal(t, "main.main", g.Frames[2].Function)

	g = gs[1]
	assert.Equal(t, uint64(18), g.ID)
	assert.Equal(t, "chan receive", g.State)
	require.Len(t, g.Frames, 2)
	assert.Equal(t, "net/http.(*Server).Serve", g.Frames[0].Function)
	assert.Equal(t, 3086, g.Frames[0].Line)
	assert.Equal(t, "main.startServer", g.Frames[1].Function)
}

func TestParseSkipsGarbage(t *testing.T) {
	gs := Parse([]byte("not a dump at all\n\nstill not one\n"))
	assert.Empty(t, gs)
}

func TestCaptureAll(t *testing.T) {
	rs := NewRuntimeSampler()
	snap, err := rs.CaptureAll()
	require.NoError(t, err)
	require.NotEmpty(t, snap.Goroutines)
	assert.False(t, snap.Time.IsZero())

	// The capturing goroutine must show up with a parseable stack.
	self := CurrentGoroutineID()
	require.NotZero(t, self)
	var found bool
	for _, g := range snap.Goroutines {
		if g.ID == self {
			found = true
			assert.NotEmpty(t, g.Frames)
		}
	}
	assert.True(t, found, "capturing goroutine missing from snapshot")
}

func TestMarkEventLoop(t *testing.T) {
	rs := NewRuntimeSampler()
	assert.Zero(t, rs.EventLoopID())

	rs.MarkEventLoop()
	require.NotZero(t, rs.EventLoopID())

	snap, err := rs.CaptureAll()
	require.NoError(t, err)

	var loops int
	for i := range snap.Goroutines {
		if rs.IsEventLoop(&snap.Goroutines[i]) {
			loops++
		}
	}
	assert.Equal(t, 1, loops)
}

func TestFormatGoroutine(t *testing.T) {
	g := &Goroutine{
		ID:    7,
		State: "running",
		Frames: []Frame{
			{Function: "main.work", File: "/app/main.go", Line: 42},
		},
	}
	out := FormatGoroutine("stalled: ", g)
	assert.True(t, strings.HasPrefix(out, "stalled: goroutine 7 [running]"))
	assert.Contains(t, out, " at main.work (/app/main.go:42)")
}
