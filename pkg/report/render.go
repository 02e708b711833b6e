package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/stackctl/pkg/state"
)

var (
	styleHealthy  = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E")).Bold(true)
	styleDegraded = lipgloss.NewStyle().Foreground(lipgloss.Color("#EAB308")).Bold(true)
	styleFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	styleSkipped  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	styleName     = lipgloss.NewStyle().Bold(true)
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

func statusStyle(s state.Status) lipgloss.Style {
	switch s {
	case state.StatusHealthy:
		return styleHealthy
	case state.StatusDegraded:
		return styleDegraded
	case state.StatusFailed:
		return styleFailed
	case state.StatusSkipped:
		return styleSkipped
	default:
		return styleDim
	}
}

// Render produces the human-readable deployment summary.
func (s Summary) Render() string {
	var b strings.Builder

	nameWidth := 0
	for _, svc := range s.Services {
		if len(svc.Name) > nameWidth {
			nameWidth = len(svc.Name)
		}
	}

	fmt.Fprintf(&b, "deployment %s\n", s.RunID)
	for _, svc := range s.Services {
		status := statusStyle(svc.State).Render(string(svc.State))
		// Pad before styling; ANSI escapes would skew %-*s widths.
		name := styleName.Render(fmt.Sprintf("%-*s", nameWidth, svc.Name))
		fmt.Fprintf(&b, "  %s  %s", name, status)
		if svc.Optional {
			fmt.Fprintf(&b, " %s", styleDim.Render("(optional)"))
		}
		if svc.Attempts > 0 {
			fmt.Fprintf(&b, "  %s", styleDim.Render(fmt.Sprintf("%d probes, %dms", svc.Attempts, svc.ElapsedMs)))
		}
		b.WriteString("\n")
		if svc.Reason != "" {
			fmt.Fprintf(&b, "    %s\n", styleDim.Render(svc.Reason))
		}
		if svc.Hint != "" {
			fmt.Fprintf(&b, "    hint: %s\n", svc.Hint)
		}
	}

	if s.OverallHealthy() {
		fmt.Fprintf(&b, "%s\n", styleHealthy.Render("stack healthy"))
	} else {
		fmt.Fprintf(&b, "%s\n", styleFailed.Render("stack not healthy"))
	}
	return b.String()
}
