package httputil

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/getsentry/sentry-go"

	"github.com/getsentry/stackprof/internal/testutil"
)

func TestDecompressPayload(t *testing.T) {
	payload := []byte(`{"id":"session"}`)

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write(payload)
	_ = bw.Close()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write(payload)
	_ = gw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
		status   int
	}{
		{"identity", "", payload, http.StatusOK},
		{"brotli", "br", br.Bytes(), http.StatusOK},
		{"gzip", "gzip", gz.Bytes(), http.StatusOK},
		{"broken gzip", "gzip", payload, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []byte
			h := DecompressPayload(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = io.ReadAll(r.Body)
			}))
			r := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(tt.body))
			if tt.encoding != "" {
				r.Header.Set("Content-Encoding", tt.encoding)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Fatalf("got status %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			if diff := testutil.Diff(string(got), string(payload)); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestQueryDuration(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    time.Duration
		wantErr bool
	}{
		{"missing", "", 5 * time.Second, false},
		{"seconds", "seconds=2", 2 * time.Second, false},
		{"fractional seconds", "seconds=0.25", 250 * time.Millisecond, false},
		{"duration", "seconds=1500ms", 1500 * time.Millisecond, false},
		{"negative", "seconds=-1", 0, true},
		{"garbage", "seconds=soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/debug/stackprof/profile?"+tt.query, nil)
			got, err := QueryDuration(r, "seconds", 5*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
	r := httptest.NewRequest(http.MethodGet, "/?format=text", nil)
	if got := QueryString(r, "format", "json"); got != "text" {
		t.Fatalf("got %q, want text", got)
	}
	if got := QueryString(r, "missing", "json"); got != "json" {
		t.Fatalf("got %q, want json", got)
	}
}

func TestSetHTTPStatusCodeTag(t *testing.T) {
	e := SetHTTPStatusCodeTag(&sentry.Event{}, &sentry.EventHint{Response: &http.Response{StatusCode: http.StatusNotFound}})
	if got := e.Tags[HTTPStatusCodeTag]; got != "404" {
		t.Fatalf("got %q, want 404", got)
	}
	e = SetHTTPStatusCodeTag(&sentry.Event{}, &sentry.EventHint{})
	if _, ok := e.Tags[HTTPStatusCodeTag]; ok {
		t.Fatalf("unexpected status code tag")
	}
}
