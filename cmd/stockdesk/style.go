package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// painter colors status words when writing to a terminal and passes text
// through unchanged otherwise.
type painter struct {
	enabled bool
}

func newPainter(w io.Writer) painter {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return painter{}
	}
	return painter{enabled: isatty.IsTerminal(f.Fd())}
}

// status colors a doctor result or task status.
func (p painter) status(s string) string {
	if !p.enabled {
		return s
	}
	switch s {
	case "PASS", "completed", "BUY":
		return passStyle.Render(s)
	case "WARN", "SKIP", "pending", "running", "HOLD":
		return warnStyle.Render(s)
	case "FAIL", "failed", "cancelled", "SELL":
		return failStyle.Render(s)
	}
	return s
}

func (p painter) dim(s string) string {
	if !p.enabled {
		return s
	}
	return dimStyle.Render(s)
}
