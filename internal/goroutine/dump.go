package goroutine

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/getsentry/stackprof/internal/frame"
)

type (
	// Goroutine is one entry of a goroutine dump.
	Goroutine struct {
		ID    int64
		State string
		// Stack is outermost first. When the goroutine was created by a go
		// statement, the first frame is a KindSwitch frame for it.
		Stack     frame.Stack
		CreatorID int64
	}
)

// CreatedByPrefix prefixes the function name of the switch frame standing for
// the go statement that started a goroutine.
const CreatedByPrefix = "created by "

// Parse reads a dump as written by runtime.Stack.
func Parse(b []byte) []Goroutine {
	var (
		goroutines []Goroutine
		current    *Goroutine
		inner      frame.Stack
		pending    *frame.Frame
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Stack = inner.Reversed()
		goroutines = append(goroutines, *current)
		current, inner, pending = nil, nil, nil
	}

	s := bufio.NewScanner(bytes.NewReader(b))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Text()
		switch {
		case strings.HasPrefix(line, "goroutine "):
			flush()
			g, ok := parseHeader(line)
			if !ok {
				continue
			}
			current = &g
		case current == nil || line == "":
			continue
		case strings.HasPrefix(line, "\t"):
			if pending == nil {
				continue
			}
			file, lineno, ok := parseLocation(line)
			if ok {
				pending.File, pending.Line = file, lineno
				inner = append(inner, *pending)
			}
			pending = nil
		case strings.HasPrefix(line, CreatedByPrefix):
			fn := strings.TrimPrefix(line, CreatedByPrefix)
			if i := strings.Index(fn, " in goroutine "); i >= 0 {
				current.CreatorID, _ = strconv.ParseInt(fn[i+len(" in goroutine "):], 10, 64)
				fn = fn[:i]
			}
			pending = &frame.Frame{Function: CreatedByPrefix + fn, Kind: frame.KindSwitch}
		case strings.HasPrefix(line, "..."):
			// additional frames elided
			continue
		default:
			pending = &frame.Frame{Function: trimArguments(line)}
		}
	}
	flush()
	return goroutines
}

func parseHeader(line string) (Goroutine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Goroutine{}, false
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Goroutine{}, false
	}
	g := Goroutine{ID: id}
	if start, end := strings.IndexByte(line, '['), strings.LastIndexByte(line, ']'); start >= 0 && end > start {
		g.State = line[start+1 : end]
	}
	return g, true
}

// parseLocation parses "\t/path/to/file.go:42 +0x1d".
func parseLocation(line string) (string, uint32, bool) {
	line = strings.TrimSpace(line)
	if i := strings.LastIndex(line, " +0x"); i >= 0 {
		line = line[:i]
	}
	i := strings.LastIndexByte(line, ':')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(line[i+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return line[:i], uint32(n), true
}

// trimArguments removes the argument list from "main.(*T).M(0xc000010000, 0x1)".
func trimArguments(line string) string {
	if !strings.HasSuffix(line, ")") {
		return line
	}
	depth := 0
	for i := len(line) - 1; i >= 0; i-- {
		switch line[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				return line[:i]
			}
		}
	}
	return line
}
