// Package ux renders assistant output for the terminal: markdown answers,
// styled diff previews, and changeset status badges.
package ux

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"homepilot/internal/changeset"
)

var (
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	hunkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	staleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)

	statusStyles = map[changeset.Status]lipgloss.Style{
		changeset.StatusProposed:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		changeset.StatusApplied:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		changeset.StatusRejected:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		changeset.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		changeset.StatusRolledBack: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// Renderer formats assistant output. Construct once and reuse; glamour
// setup is not free.
type Renderer struct {
	md *glamour.TermRenderer
}

// NewRenderer builds a terminal renderer with auto-detected styling.
func NewRenderer() (*Renderer, error) {
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return nil, err
	}
	return &Renderer{md: md}, nil
}

// Markdown renders assistant markdown for the terminal. On renderer
// failure the raw text comes back unchanged.
func (r *Renderer) Markdown(text string) string {
	if r == nil || r.md == nil {
		return text
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return out
}

// Diff colorizes a unified diff preview line by line.
func Diff(preview string) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(preview, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			sb.WriteString(headerStyle.Render(line))
		case strings.HasPrefix(line, "@@"):
			sb.WriteString(hunkStyle.Render(line))
		case strings.HasPrefix(line, "+"):
			sb.WriteString(addedStyle.Render(line))
		case strings.HasPrefix(line, "-"):
			sb.WriteString(removedStyle.Render(line))
		default:
			sb.WriteString(line)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// StatusBadge renders a changeset status for listings.
func StatusBadge(s changeset.Status) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

// StaleMarker renders the base-moved warning for stale proposals.
func StaleMarker() string {
	return staleStyle.Render("[stale: base files changed on disk]")
}
