package calltree

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/nodetree"
	"github.com/getsentry/stackprof/internal/testutil"
)

func call(fn string, line uint32) frame.Frame {
	return frame.Frame{Function: fn, File: "main.go", Line: line}
}

func await(fn string, line uint32) frame.Frame {
	f := call(fn, line)
	f.Kind = frame.KindAwait
	return f
}

type shape struct {
	Function  string
	Synthetic bool
	Self      float64
	Children  []shape
}

func shapeOf(n *nodetree.Node) shape {
	s := shape{Function: n.Frame.Function, Synthetic: n.Frame.Synthetic, Self: n.SelfTime}
	for _, c := range n.Children {
		s.Children = append(s.Children, shapeOf(c))
	}
	return s
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		stacks []frame.Stack
		want   shape
	}{
		{
			name:   "single stack",
			stacks: []frame.Stack{{call("main.main", 1), call("main.foo", 2)}},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "main.main", Children: []shape{
					{Function: "main.foo", Self: 1},
				}},
			}},
		},
		{
			name: "direct recursion is collapsed",
			stacks: []frame.Stack{
				{call("main.main", 1), call("main.recurse", 10), call("main.recurse", 10), call("main.recurse", 12)},
			},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "main.main", Children: []shape{
					{Function: "main.recurse", Self: 1},
				}},
			}},
		},
		{
			name: "mutual recursion is kept",
			stacks: []frame.Stack{
				{call("main.a", 1), call("main.b", 2), call("main.a", 1)},
			},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "main.a", Children: []shape{
					{Function: "main.b", Children: []shape{
						{Function: "main.a", Self: 1},
					}},
				}},
			}},
		},
		{
			name: "recursion then callee",
			stacks: []frame.Stack{
				{call("main.walk", 3), call("main.walk", 3), call("main.visit", 8)},
				{call("main.walk", 3), call("main.visit", 8)},
			},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "main.walk", Children: []shape{
					{Function: "main.visit", Self: 2},
				}},
			}},
		},
		{
			name: "await continues into the awaited stack",
			stacks: []frame.Stack{
				{call("main.handler", 1), await("main.fetch", 5), call("main.download", 9), call("io.Copy", 3)},
			},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "main.handler", Children: []shape{
					{Function: "main.fetch", Children: []shape{
						{Function: "main.download", Children: []shape{
							{Function: "io.Copy", Self: 1},
						}},
					}},
				}},
			}},
		},
		{
			name: "unresolved await gets a placeholder",
			stacks: []frame.Stack{
				{call("main.handler", 1), await("main.fetch", 5)},
			},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "main.handler", Children: []shape{
					{Function: "main.fetch", Children: []shape{
						{Function: frame.AwaitPlaceholder, Synthetic: true, Self: 1},
					}},
				}},
			}},
		},
		{
			name: "await breaks a recursion run",
			stacks: []frame.Stack{
				{await("main.run", 1), call("main.run", 1)},
			},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "main.run", Children: []shape{
					{Function: "main.run", Self: 1},
				}},
			}},
		},
		{
			name: "switch frames are synthetic",
			stacks: []frame.Stack{
				{{Function: "created by main.main", File: "main.go", Line: 4, Kind: frame.KindSwitch}, call("main.worker", 9)},
			},
			want: shape{Function: "root", Synthetic: true, Children: []shape{
				{Function: "created by main.main", Synthetic: true, Children: []shape{
					{Function: "main.worker", Self: 1},
				}},
			}},
		},
		{
			name:   "empty stack",
			stacks: []frame.Stack{{}},
			want:   shape{Function: "root", Synthetic: true, Self: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := nodetree.NewRoot("root")
			for _, s := range tt.stacks {
				if _, err := Merge(root, s, 1); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if err := root.Validate(); err != nil {
					t.Fatalf("invalid tree: %v", err)
				}
			}
			if diff := testutil.Diff(shapeOf(root), tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestMergeRejectsInvalidWeight(t *testing.T) {
	root := nodetree.NewRoot("root")
	_, err := Merge(root, frame.Stack{call("main.main", 1)}, -1)
	if !errors.Is(err, errorutil.ErrInvariantViolation) {
		t.Fatalf("expected an invariant violation, got %v", err)
	}
	if len(root.Children) != 0 {
		t.Fatalf("tree was mutated by a rejected merge")
	}
	if _, err := Merge(nil, nil, 1); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error, got %v", err)
	}
}

func TestMergeTwiceDoublesSelfTime(t *testing.T) {
	stacks := []frame.Stack{
		{call("main.main", 1), call("main.a", 2)},
		{call("main.main", 1), call("main.b", 3)},
		{call("main.main", 1), call("main.a", 2), call("main.c", 4)},
		{call("main.main", 1)},
	}
	once := nodetree.NewRoot("root")
	twice := nodetree.NewRoot("root")
	for _, s := range stacks {
		_, _ = Merge(once, s, 0.25)
	}
	for i := 0; i < 2; i++ {
		for _, s := range stacks {
			_, _ = Merge(twice, s, 0.25)
		}
	}

	var compare func(a, b *nodetree.Node)
	compare = func(a, b *nodetree.Node) {
		if len(a.Children) != len(b.Children) {
			t.Fatalf("%s: got %d children, want %d", a.Key(), len(b.Children), len(a.Children))
		}
		if b.SelfTime != 2*a.SelfTime {
			t.Fatalf("%s: self time %v is not twice %v", a.Key(), b.SelfTime, a.SelfTime)
		}
		for i := range a.Children {
			if a.Children[i].Key() != b.Children[i].Key() {
				t.Fatalf("children order differs")
			}
			compare(a.Children[i], b.Children[i])
		}
	}
	compare(once, twice)
}

func TestMergeKeepsFirstSeenOrder(t *testing.T) {
	root := nodetree.NewRoot("root")
	order := []string{"main.c", "main.a", "main.b"}
	for _, fn := range order {
		_, _ = Merge(root, frame.Stack{call(fn, 1)}, 1)
	}
	for i := 0; i < 20; i++ {
		_, _ = Merge(root, frame.Stack{call(order[2-i%3], 1)}, 1)
	}
	for i, c := range root.Children {
		if c.Frame.Function != order[i] {
			t.Fatalf("child %d is %s, want %s", i, c.Frame.Function, order[i])
		}
	}
}

func TestInvariantHoldsForRandomStacks(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	functions := []string{"main.a", "main.b", "main.c", "main.d"}
	root := nodetree.NewRoot("root")
	var weights float64
	for i := 0; i < 2000; i++ {
		depth := r.Intn(8)
		s := make(frame.Stack, 0, depth)
		for j := 0; j < depth; j++ {
			f := call(functions[r.Intn(len(functions))], uint32(r.Intn(3)))
			if r.Intn(10) == 0 {
				f.Kind = frame.KindAwait
			}
			s = append(s, f)
		}
		w := float64(r.Intn(100)) / 1000
		weights += w
		if _, err := Merge(root, s, w); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := root.Validate(); err != nil {
			t.Fatalf("invalid tree after merge %d: %v", i, err)
		}
	}
	if !testutil.ApproxEqual(root.TotalTime(), weights, 1e-9) {
		t.Fatalf("total time %v, want %v", root.TotalTime(), weights)
	}
	if root.TotalSamples() != 2000 {
		t.Fatalf("got %d samples, want 2000", root.TotalSamples())
	}
}

func TestLink(t *testing.T) {
	own := frame.Stack{call("main.handler", 1), call("main.fetch", 5)}
	chain := []frame.Stack{
		{call("main.download", 9)},
		nil,
		{call("main.read", 12)},
	}
	got := Link(own, chain)
	want := frame.Stack{
		call("main.handler", 1),
		await("main.fetch", 5),
		await("main.download", 9),
		call("main.read", 12),
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if own[1].Kind != frame.KindCall {
		t.Fatalf("Link modified its input")
	}

	root := nodetree.NewRoot("task 1")
	leaf, err := Merge(root, got, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(root.Children) != 1 || leaf.Depth() != 4 {
		t.Fatalf("expected one continuous path, got %d roots and depth %d", len(root.Children), leaf.Depth())
	}
}

func TestForestKeepsContextsApart(t *testing.T) {
	f := NewForest()
	f.Validate = true
	s := frame.Stack{call("main.main", 1), call("main.work", 2)}
	for i := 0; i < 3; i++ {
		if _, err := f.Add("goroutine 1", s, 0.1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := f.Add("goroutine 7", s, 0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	roots := f.Roots()
	if len(roots) != 2 || roots[0].Frame.Function != "goroutine 1" || roots[1].Frame.Function != "goroutine 7" {
		t.Fatalf("unexpected roots %+v", roots)
	}
	one, _ := f.Root("goroutine 1")
	seven, _ := f.Root("goroutine 7")
	if one.Find(s[0].Key(), s[1].Key()) == seven.Find(s[0].Key(), s[1].Key()) {
		t.Fatalf("contexts share nodes")
	}
	if !testutil.ApproxEqual(one.TotalTime(), 0.3, 1e-12) || seven.TotalTime() != 0.5 {
		t.Fatalf("unexpected totals %v and %v", one.TotalTime(), seven.TotalTime())
	}
	if f.SampleCount() != 4 {
		t.Fatalf("got %d samples, want 4", f.SampleCount())
	}
	if err := f.ValidateAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
