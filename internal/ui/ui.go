// Package ui renders terminal output for the dgi CLI: status markers,
// tables and a progress line. Colour is used only on terminals and never
// when NO_COLOR is set.
package ui

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	renderer = lipgloss.NewRenderer(os.Stdout)

	accentStyle lipgloss.Style
	passStyle   lipgloss.Style
	warnStyle   lipgloss.Style
	failStyle   lipgloss.Style
	mutedStyle  lipgloss.Style
	boldStyle   lipgloss.Style
	headerStyle lipgloss.Style
)

func init() {
	Configure(os.Stdout)
}

// Configure sets the colour profile from w. Colour is enabled only when w
// is a terminal and NO_COLOR is unset.
func Configure(w io.Writer) {
	configure(w, ColorEnabled(w))
}

// ConfigurePlain renders to w without colour regardless of the terminal.
func ConfigurePlain(w io.Writer) {
	configure(w, false)
}

func configure(w io.Writer, color bool) {
	renderer = lipgloss.NewRenderer(w)
	if color {
		renderer.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}

	accentStyle = renderer.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle = renderer.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle = renderer.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle = renderer.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle = renderer.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle = renderer.NewStyle().Bold(true)
	headerStyle = renderer.NewStyle().Bold(true).Padding(0, 1)
}

// ColorEnabled reports whether w should receive ANSI colour.
func ColorEnabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return IsTerminal(w)
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// RenderAccent renders headings and in-progress markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold renders emphasized text.
func RenderBold(s string) string { return boldStyle.Render(s) }

// RenderTable lays out rows under headers with a rounded border. Cells
// longer than maxCell runes are truncated (0 = no limit).
func RenderTable(headers []string, rows [][]string, maxCell int) string {
	clipped := make([][]string, len(rows))
	for i, row := range rows {
		clipped[i] = make([]string, len(row))
		for j, cell := range row {
			clipped[i][j] = Truncate(strings.ReplaceAll(cell, "\n", " "), maxCell)
		}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(clipped...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return renderer.NewStyle().Padding(0, 1)
		})
	return t.String()
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
