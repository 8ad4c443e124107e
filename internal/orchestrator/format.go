package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fleethub/fleethub/internal/fleet"
)

const (
	panelOuterWidth = 70
	panelInnerWidth = 66
)

// Panel is one agent's contribution to a multi-agent rendering.
type Panel struct {
	Index     int
	AgentID   string
	AgentName string
	Result    *fleet.Result
	Err       error
}

// FormatMultiResults renders agent results side-by-side as labelled panels
// with a cost/token summary footer. Failed agents contribute an error
// banner instead of a response body.
func FormatMultiResults(panels []Panel, task string) string {
	if len(panels) == 0 {
		return "No results from agents"
	}
	if len(panels) == 1 && panels[0].Err == nil && panels[0].Result != nil {
		return panels[0].Result.Response
	}

	rule := strings.Repeat("=", panelOuterWidth)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "Results from %d agents\n", len(panels))
	fmt.Fprintf(&b, "Task: %s\n", task)
	fmt.Fprintf(&b, "%s\n", rule)

	var totalCost float64
	var totalTokens int
	var totalTime float64
	succeeded := 0

	for _, panel := range panels {
		header := fmt.Sprintf(" Agent %d: %s ", panel.Index, panel.AgentName)
		pad := panelOuterWidth - 2 - len(header)
		if pad < 0 {
			pad = 0
		}
		fmt.Fprintf(&b, "\n┌%s%s┐\n", header, strings.Repeat("─", pad))

		if panel.Err != nil {
			writePanelLine(&b, fmt.Sprintf("ERROR: %v", panel.Err))
			fmt.Fprintf(&b, "└%s┘\n", strings.Repeat("─", panelOuterWidth-2))
			continue
		}

		result := panel.Result
		writePanelLine(&b, fmt.Sprintf("Time: %.2fs | Tokens: %d | Cost: $%.4f",
			result.Duration, result.TokensUsed, result.Cost))
		writePanelLine(&b, fmt.Sprintf("Tools used: %d", result.ToolUseCount))
		fmt.Fprintf(&b, "├%s┤\n", strings.Repeat("─", panelOuterWidth-2))

		for _, line := range strings.Split(result.Response, "\n") {
			for _, wrapped := range wrapLine(line, panelInnerWidth) {
				writePanelLine(&b, wrapped)
			}
		}
		fmt.Fprintf(&b, "└%s┘\n", strings.Repeat("─", panelOuterWidth-2))

		totalCost += result.Cost
		totalTokens += result.TokensUsed
		totalTime += result.Duration
		succeeded++
	}

	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "Total Cost: $%.4f | Total Tokens: %d\n", totalCost, totalTokens)
	if succeeded > 0 {
		fmt.Fprintf(&b, "Average Time: %.2fs\n", totalTime/float64(succeeded))
	}
	fmt.Fprintf(&b, "%s\n", rule)

	return b.String()
}

func writePanelLine(b *strings.Builder, line string) {
	if len(line) > panelInnerWidth {
		line = line[:panelInnerWidth]
	}
	fmt.Fprintf(b, "│ %-*s │\n", panelInnerWidth, line)
}

// wrapLine splits a line into chunks no wider than width, breaking on
// spaces where possible.
func wrapLine(line string, width int) []string {
	if len(line) <= width {
		return []string{line}
	}

	var out []string
	words := strings.Fields(line)
	if len(words) == 0 {
		for len(line) > width {
			out = append(out, line[:width])
			line = line[width:]
		}
		return append(out, line)
	}

	current := ""
	for _, word := range words {
		for len(word) > width {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			out = append(out, word[:width])
			word = word[width:]
		}
		if current == "" {
			current = word
		} else if len(current)+1+len(word) <= width {
			current += " " + word
		} else {
			out = append(out, current)
			current = word
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}
