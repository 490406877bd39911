package frame

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"path"
	"strconv"

	"github.com/getsentry/stackprof/internal/packageutil"
)

const (
	// KindCall is a regular call site.
	KindCall Kind = iota
	// KindAwait is a call site suspended on another execution context. The
	// frames following it in a stack belong to the awaited context.
	KindAwait
	// KindSwitch marks a boundary between execution contexts, for example
	// the go statement that created a goroutine.
	KindSwitch
)

// AwaitPlaceholder is the function name of the synthetic leaf appended under
// an await site whose target could not be resolved.
const AwaitPlaceholder = "[await]"

type (
	Kind uint8

	Frame struct {
		Function  string `json:"function"`
		File      string `json:"filename,omitempty"`
		Line      uint32 `json:"lineno,omitempty"`
		Kind      Kind   `json:"kind,omitempty"`
		Synthetic bool   `json:"synthetic,omitempty"`
	}

	// Key is the identity of a frame inside an aggregated call tree.
	Key struct {
		Function  string
		File      string
		Line      uint32
		Synthetic bool
	}

	// Stack is a raw stack snapshot, outermost caller first and innermost
	// frame last.
	Stack []Frame
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindAwait:
		return "await"
	case KindSwitch:
		return "switch"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Synthetic returns a bookkeeping frame that doesn't correspond to code, such
// as a context root or an await placeholder.
func Synthetic(name string) Frame {
	return Frame{Function: name, Synthetic: true}
}

func (f Frame) Key() Key {
	return Key{
		Function:  f.Function,
		File:      f.File,
		Line:      f.Line,
		Synthetic: f.Synthetic || f.Kind == KindSwitch,
	}
}

// Frame converts a key back into a call frame.
func (k Key) Frame() Frame {
	return Frame{
		Function:  k.Function,
		File:      k.File,
		Line:      k.Line,
		Synthetic: k.Synthetic,
	}
}

func (k Key) String() string {
	if k.File == "" {
		return k.Function
	}
	return fmt.Sprintf("%s (%s:%d)", k.Function, k.File, k.Line)
}

func (f Frame) ID() string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s:%s:%d:%t", f.File, f.Function, f.Line, f.Synthetic)))
	return hex.EncodeToString(hash[:])
}

// SameFunction reports whether both frames execute the same function,
// regardless of the line they are at.
func (f Frame) SameFunction(o Frame) bool {
	return f.Function == o.Function && f.File == o.File && f.Synthetic == o.Synthetic
}

// PackagePath returns the import path of the package defining the function.
func (f Frame) PackagePath() string {
	if f.Synthetic {
		return ""
	}
	pkg, _ := packageutil.SplitGoFunction(f.Function)
	return pkg
}

// ShortName returns the function name without its package path.
func (f Frame) ShortName() string {
	if f.Synthetic {
		return f.Function
	}
	_, name := packageutil.SplitGoFunction(f.Function)
	return name
}

func (f Frame) PackageBaseName() string {
	if p := f.PackagePath(); p != "" {
		return path.Base(p)
	}
	return ""
}

func (f Frame) IsApplication() bool {
	return packageutil.IsGoApplicationPackage(f.PackagePath())
}

func (f Frame) WriteToHash(h hash.Hash) {
	var s string
	if p := f.PackageBaseName(); p != "" {
		s = p
	} else if f.File != "" {
		s = f.File
	} else {
		s = "-"
	}
	h.Write([]byte(s))
	if f.Function != "" {
		s = f.Function
	} else {
		s = "-"
	}
	h.Write([]byte(s))
}

// Innermost returns the leaf frame of the stack.
func (s Stack) Innermost() (Frame, bool) {
	if len(s) == 0 {
		return Frame{}, false
	}
	return s[len(s)-1], true
}

// Reversed returns a copy of the stack in the opposite order. Stacks read
// from goroutine dumps are innermost first.
func (s Stack) Reversed() Stack {
	r := make(Stack, len(s))
	for i, f := range s {
		r[len(s)-1-i] = f
	}
	return r
}
