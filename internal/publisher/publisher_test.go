package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/stackprof/internal/calltree"
	"github.com/getsentry/stackprof/internal/frame"
	"github.com/getsentry/stackprof/internal/session"
	"github.com/getsentry/stackprof/internal/testutil"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	f := calltree.NewForest()
	work := frame.Stack{
		{Function: "main.main", File: "main.go", Line: 3},
		{Function: "main.work", File: "main.go", Line: 9},
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Add("goroutine 1", work, 0.5); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	s, err := session.New(f.Roots(), session.Options{
		Program:     "demo",
		StartTime:   time.Unix(1677672000, 0),
		Duration:    1.5,
		Interval:    500 * time.Millisecond,
		SampleCount: f.SampleCount(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func TestPublish(t *testing.T) {
	s := newSession(t)
	w := &fakeWriter{}
	p := New(w, "stackprof-sessions")
	if err := p.Publish(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(w.messages))
	}
	m := w.messages[0]
	if m.Topic != "stackprof-sessions" || string(m.Key) != s.ID {
		t.Fatalf("unexpected message topic %q and key %q", m.Topic, m.Key)
	}

	var got SessionKafkaMessage
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Functions) != 1 {
		t.Fatalf("expected one function, got %+v", got.Functions)
	}
	if fn := got.Functions[0]; fn.Name != "work" || fn.Package != "main" || fn.Sum != 1.5 || fn.Count != 3 {
		t.Fatalf("unexpected function %+v", fn)
	}
	got.Functions = nil
	want := SessionKafkaMessage{
		ID:          s.ID,
		Program:     "demo",
		Contexts:    []string{"goroutine 1"},
		Duration:    1.5,
		Interval:    0.5,
		SampleCount: 3,
		Timestamp:   1677672000,
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected the writer to be closed")
	}
}

func TestPublishReportsWriterErrors(t *testing.T) {
	failure := errors.New("broker unavailable")
	p := New(&fakeWriter{err: failure}, "stackprof-sessions")
	if err := p.Publish(context.Background(), newSession(t)); !errors.Is(err, failure) {
		t.Fatalf("expected %v, got %v", failure, err)
	}
}
