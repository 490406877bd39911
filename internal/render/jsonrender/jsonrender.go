// Package jsonrender renders sessions as JSON, the format sessions are
// stored and ingested in.
package jsonrender

import (
	"github.com/goccy/go-json"

	"github.com/getsentry/stackprof/internal/session"
)

type Renderer struct {
	Indent bool
}

func (Renderer) ContentType() string {
	return "application/json"
}

func (r Renderer) Render(s *session.Session) ([]byte, error) {
	if r.Indent {
		return json.MarshalIndent(s, "", "  ")
	}
	return json.Marshal(s)
}
