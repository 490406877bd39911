// Package goroutine samples goroutines through the textual dump written by
// runtime.Stack. One dump is taken per tick and shared by every goroutine
// handle sampled during that tick.
package goroutine

import (
	"bytes"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/execution"
	"github.com/getsentry/stackprof/internal/frame"
)

const modulePath = "github.com/getsentry/stackprof/internal/"

// DefaultIgnore lists the packages whose frames are cut from captured
// stacks, along with everything they call.
var DefaultIgnore = []string{
	modulePath + "sampler",
	modulePath + "goroutine",
	modulePath + "profiler",
}

type (
	// Dumper takes goroutine dumps and caches the last one for the duration
	// of a tick.
	Dumper struct {
		Ignore []string

		mu     sync.Mutex
		buf    []byte
		tick   execution.Tick
		valid  bool
		byID   map[int64]Goroutine
		sorted []int64
	}

	// Handle samples a single goroutine.
	Handle struct {
		id     int64
		dumper *Dumper
	}

	// All is a group handle expanding to every goroutine of the process but
	// the one running the tick.
	All struct {
		dumper *Dumper
	}
)

func NewDumper() *Dumper {
	return &Dumper{
		Ignore: DefaultIgnore,
		buf:    make([]byte, 64*1024),
	}
}

// Dump returns the goroutines of the process as seen during tick t.
func (d *Dumper) Dump(t execution.Tick) (map[int64]Goroutine, error) {
	byID, _, err := d.dump(t)
	return byID, err
}

// dump returns the goroutines by id along with their ids in dump order. The
// returned values are never modified afterwards.
func (d *Dumper) dump(t execution.Tick) (map[int64]Goroutine, []int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.valid && d.tick == t {
		return d.byID, d.sorted, nil
	}

	var n int
	for {
		n = runtime.Stack(d.buf, true)
		if n < len(d.buf) {
			break
		}
		d.buf = make([]byte, 2*len(d.buf))
	}

	goroutines := Parse(d.buf[:n])
	d.byID = make(map[int64]Goroutine, len(goroutines))
	d.sorted = make([]int64, 0, len(goroutines))
	for _, g := range goroutines {
		g.Stack = d.trim(g.Stack)
		d.byID[g.ID] = g
		d.sorted = append(d.sorted, g.ID)
	}
	sort.Slice(d.sorted, func(i, j int) bool { return d.sorted[i] < d.sorted[j] })
	d.tick, d.valid = t, true
	return d.byID, d.sorted, nil
}

// trim cuts the stack at the first frame belonging to an ignored package.
func (d *Dumper) trim(s frame.Stack) frame.Stack {
	for i, f := range s {
		pkg := f.PackagePath()
		for _, prefix := range d.Ignore {
			if pkg == prefix || strings.HasPrefix(pkg, prefix+"/") {
				return s[:i]
			}
		}
	}
	return s
}

// Handle returns a handle sampling the goroutine with the given id.
func (d *Dumper) Handle(id int64) *Handle {
	return &Handle{id: id, dumper: d}
}

// All returns a group handle for every goroutine.
func (d *Dumper) All() *All {
	return &All{dumper: d}
}

func (h *Handle) ID() string {
	return "goroutine " + strconv.FormatInt(h.id, 10)
}

func (h *Handle) GoroutineID() int64 {
	return h.id
}

func (h *Handle) CaptureStack(t execution.Tick) (frame.Stack, error) {
	goroutines, err := h.dumper.Dump(t)
	if err != nil {
		return nil, err
	}
	g, ok := goroutines[h.id]
	if !ok {
		return nil, fmt.Errorf("goroutine: %w: goroutine %d has exited", errorutil.ErrContextCaptureFailed, h.id)
	}
	return g.Stack, nil
}

func (a *All) ID() string {
	return "goroutines"
}

func (a *All) CaptureStack(t execution.Tick) (frame.Stack, error) {
	return nil, fmt.Errorf("goroutine: %s is a group and has no stack of its own", a.ID())
}

// Members lists every goroutine alive during the tick, in id order, except
// the calling one and those with nothing left once ignored frames are cut.
func (a *All) Members(t execution.Tick) ([]execution.Handle, error) {
	goroutines, ids, err := a.dumper.dump(t)
	if err != nil {
		return nil, err
	}
	self := CurrentID()

	members := make([]execution.Handle, 0, len(ids))
	for _, id := range ids {
		if id == self || len(goroutines[id].Stack) == 0 {
			continue
		}
		members = append(members, a.dumper.Handle(id))
	}
	return members, nil
}

// CurrentID returns the id of the calling goroutine.
func CurrentID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
