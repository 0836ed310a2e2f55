// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gen

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mbeema/detour/pkg/declare"
	"github.com/mbeema/detour/pkg/loader"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Reporter prints generation results and diagnostics for people.
type Reporter struct {
	w     io.Writer
	color bool

	errStyle  lipgloss.Style
	codeStyle lipgloss.Style
	posStyle  lipgloss.Style
	noteStyle lipgloss.Style
	hintStyle lipgloss.Style
	okStyle   lipgloss.Style
}

// NewReporter creates a reporter writing to w. mode is "always", "never"
// or "auto"; auto colors only when w is a terminal.
func NewReporter(w io.Writer, mode string) *Reporter {
	r := &Reporter{w: w, color: colorEnabled(w, mode)}
	if !r.color {
		return r
	}

	re := lipgloss.NewRenderer(w)
	if mode == "always" {
		re.SetColorProfile(termenv.ANSI256)
	}
	r.errStyle = re.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	r.codeStyle = re.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	r.posStyle = re.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	r.noteStyle = re.NewStyle().Foreground(lipgloss.Color("#666666"))
	r.hintStyle = re.NewStyle().Foreground(lipgloss.Color("#98FB98"))
	r.okStyle = re.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	return r
}

func colorEnabled(w io.Writer, mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (r *Reporter) style(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

// Diagnostic renders one diagnostic:
//
//	error[duplicate-hook]: function h has more than one //detour:hook directive
//	  --> hooks.go:5:1
//	  --> hooks.go:4:1: first //detour:hook directive is here
//	  = suggestion: a function can be hooked once; remove the extra directive
func (r *Reporter) Diagnostic(d *declare.Diagnostic) {
	var b strings.Builder
	b.WriteString(r.style(r.errStyle, "error"))
	b.WriteString(r.style(r.codeStyle, "["+string(d.Code)+"]"))
	b.WriteString(": ")
	b.WriteString(d.Message())
	b.WriteByte('\n')
	for i, l := range d.Labels {
		b.WriteString("  --> ")
		b.WriteString(r.style(r.posStyle, l.Pos.String()))
		if i > 0 {
			b.WriteString(": ")
			b.WriteString(r.style(r.noteStyle, l.Message))
		}
		b.WriteByte('\n')
	}
	if d.Suggestion != "" {
		b.WriteString("  = ")
		b.WriteString(r.style(r.hintStyle, "suggestion: "+d.Suggestion))
		b.WriteByte('\n')
	}
	fmt.Fprint(r.w, b.String())
}

// Result renders the outcome of one package. check selects the wording
// for a package whose generated file is out of date.
func (r *Reporter) Result(res Result, check bool) {
	if diags := res.Diagnostics(); diags != nil {
		for _, d := range diags {
			r.Diagnostic(d)
		}
		fmt.Fprintf(r.w, "%s: %d error(s)\n", res.Dir, len(diags))
		return
	}
	if res.Err != nil {
		fmt.Fprintf(r.w, "%s: %s\n", res.Dir, r.style(r.errStyle, res.Err.Error()))
		return
	}

	status := "up to date"
	switch {
	case res.Changed && check:
		status = r.style(r.errStyle, "stale")
	case res.Changed:
		status = r.style(r.okStyle, "generated")
	}
	fmt.Fprintf(r.w, "%s: %s (%d hooks)\n", res.Output, status, res.Hooks)
}

// Probe renders whether a module is resident in a probed process.
func (r *Reporter) Probe(res loader.ProbeResult) {
	if !res.Loaded() {
		fmt.Fprintf(r.w, "%-24s %s\n", res.Module, r.style(r.errStyle, "not loaded"))
		return
	}
	fmt.Fprintf(r.w, "%-24s %s %s\n", res.Module, r.style(r.okStyle, "loaded"),
		r.style(r.noteStyle, fmt.Sprintf("(%d KiB resident)", res.RSS/1024)))
	for _, p := range res.Paths {
		fmt.Fprintf(r.w, "  %s\n", r.style(r.posStyle, p))
	}
}
