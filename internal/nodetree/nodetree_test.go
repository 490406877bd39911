package nodetree

import (
	"errors"
	"testing"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/testutil"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var (
	keyMain = frame.Key{Function: "main.main", File: "main.go", Line: 10}
	keyFoo  = frame.Key{Function: "main.foo", File: "main.go", Line: 20}
	keyBar  = frame.Key{Function: "github.com/a/bar.Bar", File: "bar.go", Line: 5}
	keyIO   = frame.Key{Function: "os.(*File).Read", File: "file.go", Line: 118}
)

func TestGetOrCreateChildKeepsFirstSeenOrder(t *testing.T) {
	root := NewRoot("root")
	first := root.GetOrCreateChild(keyFoo)
	root.GetOrCreateChild(keyBar)
	root.GetOrCreateChild(keyMain)
	for i := 0; i < 5; i++ {
		if c := root.GetOrCreateChild(keyMain); c != root.Children[2] {
			t.Fatalf("expected the existing child to be returned")
		}
		_ = root.GetOrCreateChild(keyBar).AddSelfTime(1)
	}
	if root.GetOrCreateChild(keyFoo) != first {
		t.Fatalf("expected the existing child to be returned")
	}

	var got []string
	for _, c := range root.Children {
		got = append(got, c.Frame.Function)
	}
	want := []string{"main.foo", "github.com/a/bar.Bar", "main.main"}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if first.Parent() != root || first.Depth() != 1 {
		t.Fatalf("child is not linked to its parent")
	}
}

func TestAddSelfTime(t *testing.T) {
	n := NodeFromFrame(frame.Frame{Function: "main.foo"})
	if err := n.AddSelfTime(0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.AddSelfTime(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := n.AddSelfTime(-0.1)
	if !errors.Is(err, errorutil.ErrInvariantViolation) {
		t.Fatalf("expected an invariant violation, got %v", err)
	}
	if !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("invariant violations should be data integrity errors")
	}
	if n.SelfTime != 0.5 || n.SampleCount != 2 {
		t.Fatalf("unexpected statistics: self time %v, samples %d", n.SelfTime, n.SampleCount)
	}
}

func TestTotalTime(t *testing.T) {
	root := NewRoot("root")
	main := root.GetOrCreateChild(keyMain)
	_ = main.AddSelfTime(1)
	foo := main.GetOrCreateChild(keyFoo)
	_ = foo.AddSelfTime(2)
	_ = foo.GetOrCreateChild(keyIO).AddSelfTime(4)
	_ = main.GetOrCreateChild(keyBar).AddSelfTime(8)

	tests := []struct {
		name string
		node *Node
		want float64
	}{
		{"root", root, 15},
		{"main", main, 15},
		{"foo", foo, 6},
		{"leaf", root.Find(keyMain, keyFoo, keyIO), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.node.TotalTime(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
	if got := root.TotalSamples(); got != 4 {
		t.Fatalf("got %d samples, want 4", got)
	}
	if err := root.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Node
	}{
		{
			name: "negative self time",
			build: func() *Node {
				root := NewRoot("root")
				root.GetOrCreateChild(keyFoo).SelfTime = -1
				return root
			},
		},
		{
			name: "duplicate siblings",
			build: func() *Node {
				root := NewRoot("root")
				root.GetOrCreateChild(keyFoo)
				root.Children = append(root.Children, &Node{Frame: keyFoo.Frame(), parent: root})
				return root
			},
		},
		{
			name: "broken parent link",
			build: func() *Node {
				root := NewRoot("root")
				root.Children = append(root.Children, &Node{Frame: keyFoo.Frame()})
				return root
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.build().Validate(); !errors.Is(err, errorutil.ErrInvariantViolation) {
				t.Fatalf("expected an invariant violation, got %v", err)
			}
		})
	}
}

func TestPathAndRelink(t *testing.T) {
	root := NewRoot("root")
	leaf := root.GetOrCreateChild(keyMain).GetOrCreateChild(keyFoo)

	var got []string
	for _, f := range leaf.Path() {
		got = append(got, f.Function)
	}
	if diff := testutil.Diff(got, []string{"root", "main.main", "main.foo"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	detached := &Node{
		Frame: frame.Synthetic("root"),
		Children: []*Node{
			{Frame: keyMain.Frame(), Children: []*Node{{Frame: keyFoo.Frame(), SelfTime: 1, SampleCount: 1}}},
		},
	}
	detached.Relink()
	if err := detached.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := detached.Find(keyMain, keyFoo); n == nil || n.Depth() != 2 {
		t.Fatalf("relinked tree can't be navigated")
	}
}

func TestClone(t *testing.T) {
	root := NewRoot("root")
	main := root.GetOrCreateChild(keyMain)
	_ = main.GetOrCreateChild(keyFoo).AddSelfTime(2)
	_ = main.AddSelfTime(1)

	c := main.Clone()
	if c.Parent() != nil || main.Parent() != root {
		t.Fatalf("a clone should be detached and leave the original linked")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	foo := c.Find(keyFoo)
	if foo == nil || foo.Parent() != c || foo.SelfTime != 2 || foo.SampleCount != 1 {
		t.Fatalf("unexpected clone %+v", foo)
	}
	_ = foo.AddSelfTime(3)
	if main.TotalTime() != 3 || c.TotalTime() != 6 {
		t.Fatalf("the clone should share no nodes with the original")
	}
}

func TestNodeTreeCollectFunctions(t *testing.T) {
	tests := []struct {
		name string
		node func() *Node
		want []CallTreeFunction
	}{
		{
			name: "single application node",
			node: func() *Node {
				root := NewRoot("root")
				_ = root.GetOrCreateChild(keyFoo).AddSelfTime(10)
				return root
			},
			want: []CallTreeFunction{
				{
					Function:    "foo",
					Package:     "main",
					InApp:       true,
					SelfTimes:   []float64{10},
					SumSelfTime: 10,
					SampleCount: 1,
				},
			},
		},
		{
			name: "same function in two places",
			node: func() *Node {
				root := NewRoot("root")
				main := root.GetOrCreateChild(keyMain)
				_ = main.GetOrCreateChild(keyIO).AddSelfTime(1)
				_ = main.GetOrCreateChild(keyFoo).GetOrCreateChild(keyIO).AddSelfTime(2)
				return root
			},
			want: []CallTreeFunction{
				{
					Function:    "(*File).Read",
					Package:     "os",
					InApp:       false,
					SelfTimes:   []float64{1, 2},
					SumSelfTime: 3,
					SampleCount: 2,
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make(map[uint32]CallTreeFunction)
			tt.node().CollectFunctions(results)
			got := make([]CallTreeFunction, 0, len(results))
			for _, f := range results {
				got = append(got, f)
			}
			if diff := testutil.Diff(got, tt.want, cmpopts.IgnoreFields(CallTreeFunction{}, "Fingerprint")); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}
