// Package text renders sessions as an indented tree for terminals.
package text

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/getsentry/stackprof/internal/nodetree"
	"github.com/getsentry/stackprof/internal/session"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	contextStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62"))
	appStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type Renderer struct {
	// Threshold hides nodes below this fraction of the session's time.
	Threshold float64
	// MaxDepth stops descending after that many levels when positive.
	MaxDepth int
	// Plain disables styling.
	Plain bool
}

func (Renderer) ContentType() string {
	return "text/plain; charset=utf-8"
}

func (r Renderer) Render(s *session.Session) ([]byte, error) {
	var buf bytes.Buffer
	total := s.TotalTime()
	fmt.Fprintf(&buf, "%s  %s  %d samples\n",
		r.style(titleStyle, s.Program),
		formatSeconds(s.Duration),
		s.SampleCount)
	for _, root := range s.Roots {
		fmt.Fprintf(&buf, "%s  %s %s\n",
			r.style(contextStyle, root.Frame.Function),
			formatSeconds(root.TotalTime()),
			r.style(dimStyle, formatPercent(root.TotalTime(), total)))
		for _, c := range root.Children {
			r.write(&buf, c, 1, total)
		}
	}
	return buf.Bytes(), nil
}

func (r Renderer) write(w io.Writer, n *nodetree.Node, depth int, total float64) {
	t := n.TotalTime()
	if total > 0 && t/total < r.Threshold {
		return
	}
	name := n.Frame.Function
	if n.Frame.File != "" {
		name = fmt.Sprintf("%s (%s:%d)", name, n.Frame.File, n.Frame.Line)
	}
	switch {
	case n.Frame.Synthetic:
		name = r.style(dimStyle, name)
	case n.Frame.IsApplication():
		name = r.style(appStyle, name)
	}
	line := fmt.Sprintf("%s%s  %s %s", strings.Repeat("  ", depth), name, formatSeconds(t), r.style(dimStyle, formatPercent(t, total)))
	if n.SelfTime > 0 {
		line += r.style(dimStyle, "  self "+formatSeconds(n.SelfTime))
	}
	fmt.Fprintln(w, line)
	if r.MaxDepth > 0 && depth >= r.MaxDepth {
		return
	}
	for _, c := range n.Children {
		r.write(w, c, depth+1, total)
	}
}

func (r Renderer) style(s lipgloss.Style, text string) string {
	if r.Plain {
		return text
	}
	return s.Render(text)
}

func formatSeconds(s float64) string {
	return fmt.Sprintf("%.3fs", s)
}

func formatPercent(part, total float64) string {
	if total <= 0 {
		return "(0.0%)"
	}
	return fmt.Sprintf("(%.1f%%)", 100*part/total)
}
