// Package stack captures and parses snapshots of all goroutine stacks.
//
// A Snapshot is one capture of every goroutine in the process, taken via
// runtime.Stack and parsed into structured frames. The package also provides
// the Sampler boundary used by the watchdog: "capture everything now" plus
// "which goroutine is the monitored event loop".
package stack

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Frame is a single call site. Line is informational only; two frames are
// considered the same site when Function and File match (see SameSite).
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (f Frame) String() string {
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}

// SameSite reports whether two frames refer to the same call site,
// ignoring the line number.
func SameSite(a, b Frame) bool {
	return a.Function == b.Function && a.File == b.File
}

// Goroutine is one goroutine's portion of a snapshot. Frames are ordered
// innermost (most recent call) first, the way the runtime prints them.
type Goroutine struct {
	ID     uint64  `json:"id"`
	State  string  `json:"state"`
	Frames []Frame `json:"frames"`
}

// Snapshot is a single capture of all goroutine stacks. It is read-only once
// created; ownership passes to whoever the producing task hands it to.
type Snapshot struct {
	Time       time.Time   `json:"time"`
	Goroutines []Goroutine `json:"goroutines"`
	Raw        []byte      `json:"-"`
}

// Sampler is the capture capability consumed by the watchdog. CaptureAll must
// be cheap enough to call every few hundred milliseconds; IsEventLoop
// identifies the monitored loop's goroutine within a snapshot.
type Sampler interface {
	CaptureAll() (*Snapshot, error)
	IsEventLoop(g *Goroutine) bool
}

// RuntimeSampler captures snapshots with runtime.Stack. The monitored event
// loop registers itself by calling MarkEventLoop from its own goroutine.
type RuntimeSampler struct {
	eventLoopID atomic.Uint64
	bufSize     int
}

// NewRuntimeSampler creates a sampler with a 1MB capture buffer, grown as
// needed when the process has many goroutines.
func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{bufSize: 1 << 20}
}

// MarkEventLoop records the calling goroutine as the monitored event loop.
// Must be invoked from the loop goroutine itself.
func (rs *RuntimeSampler) MarkEventLoop() {
	rs.eventLoopID.Store(CurrentGoroutineID())
}

// EventLoopID returns the registered loop goroutine ID, or 0 if none.
func (rs *RuntimeSampler) EventLoopID() uint64 {
	return rs.eventLoopID.Load()
}

func (rs *RuntimeSampler) IsEventLoop(g *Goroutine) bool {
	id := rs.eventLoopID.Load()
	return id != 0 && g.ID == id
}

func (rs *RuntimeSampler) CaptureAll() (*Snapshot, error) {
	buf := make([]byte, rs.bufSize)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, len(buf)*2)
	}

	snap := &Snapshot{
		Time: time.Now(),
		Raw:  buf,
	}
	snap.Goroutines = Parse(buf)
	if len(snap.Goroutines) == 0 {
		return nil, fmt.Errorf("stack capture produced no goroutines (%d bytes)", len(buf))
	}
	return snap, nil
}

// CurrentGoroutineID extracts the running goroutine's ID from its stack
// header. Intended for registration only, not for hot paths.
func CurrentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineHeader(buf[:n])
}

// parseGoroutineHeader reads the ID out of a "goroutine 12 [running]:" line.
func parseGoroutineHeader(line []byte) uint64 {
	rest := bytes.TrimPrefix(line, []byte("goroutine "))
	idx := bytes.IndexByte(rest, ' ')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(rest[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Parse converts raw runtime.Stack(all=true) output into goroutines with
// structured frames. Unrecognized lines are skipped rather than failing the
// whole capture.
func Parse(raw []byte) []Goroutine {
	var out []Goroutine
	blocks := bytes.Split(raw, []byte("\n\n"))
	for _, block := range blocks {
		g, ok := parseGoroutine(block)
		if ok {
			out = append(out, g)
		}
	}
	return out
}

func parseGoroutine(block []byte) (Goroutine, bool) {
	lines := strings.Split(strings.TrimRight(string(block), "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "goroutine ") {
		return Goroutine{}, false
	}

	g := Goroutine{
		ID:    parseGoroutineHeader([]byte(lines[0])),
		State: parseState(lines[0]),
	}

	for i := 1; i < len(lines); i++ {
		fn := strings.TrimSpace(lines[i])
		if fn == "" {
			continue
		}
		if strings.HasPrefix(fn, "created by ") {
			fn = strings.TrimPrefix(fn, "created by ")
			if idx := strings.Index(fn, " in goroutine"); idx >= 0 {
				fn = fn[:idx]
			}
		} else if idx := strings.LastIndex(fn, "("); idx > 0 {
			// Strip the argument list the runtime appends to call lines.
			fn = fn[:idx]
		}

		frame := Frame{Function: fn}
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			frame.File, frame.Line = parseLocation(lines[i+1])
			i++
		}
		g.Frames = append(g.Frames, frame)
	}

	return g, g.ID != 0
}

func parseState(header string) string {
	open := strings.IndexByte(header, '[')
	close := strings.IndexByte(header, ']')
	if open < 0 || close < open {
		return ""
	}
	return header[open+1 : close]
}

// parseLocation reads "\t/path/to/file.go:123 +0x45" location lines.
func parseLocation(line string) (string, int) {
	loc := strings.TrimSpace(line)
	if idx := strings.Index(loc, " +0x"); idx >= 0 {
		loc = loc[:idx]
	}
	colon := strings.LastIndexByte(loc, ':')
	if colon < 0 {
		return loc, 0
	}
	n, err := strconv.Atoi(loc[colon+1:])
	if err != nil {
		return loc, 0
	}
	return loc[:colon], n
}

// FormatGoroutine renders one goroutine the way thread dump files print it.
func FormatGoroutine(headerMsg string, g *Goroutine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%sgoroutine %d [%s]\n--- its stacktrace:\n", headerMsg, g.ID, g.State)
	for _, f := range g.Frames {
		fmt.Fprintf(&b, " at %s\n", f)
	}
	b.WriteString("---\n")
	return b.String()
}
