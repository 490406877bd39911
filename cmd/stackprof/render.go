package main

import (
	"fmt"

	"github.com/getsentry/stackprof/internal/render/jsonrender"
	"github.com/getsentry/stackprof/internal/render/pprofrender"
	"github.com/getsentry/stackprof/internal/render/speedscope"
	"github.com/getsentry/stackprof/internal/render/text"
	"github.com/getsentry/stackprof/internal/session"
)

const defaultFormat = "json"

var formats = map[string]session.Renderer{
	"json":       jsonrender.Renderer{},
	"speedscope": speedscope.Renderer{SortForFlamegraph: true},
	"pprof":      pprofrender.Renderer{},
	"text":       text.Renderer{Threshold: 0.01, Plain: true},
}

func rendererFor(format string) (session.Renderer, error) {
	r, ok := formats[format]
	if !ok {
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return r, nil
}
