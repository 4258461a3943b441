package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/pkg/models"
)

const maxValueWidth = 72

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(14)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	idColumn      = lipgloss.NewStyle().Width(20)
	categoryCol   = lipgloss.NewStyle().Width(15)
	resultCol     = lipgloss.NewStyle().Width(8)
	attemptsCol   = lipgloss.NewStyle().Width(9)
	passedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	riskHighStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// renderPending draws the panel shown while a run waits on an operator.
func renderPending(p *hitl.PendingDecision) string {
	risk := string(p.RiskLevel)
	if p.RiskLevel == hitl.RiskHigh {
		risk = riskHighStyle.Render(risk)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Decision required") + "\n")
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	row("thread", p.ThreadID)
	row("operation", string(p.Operation))
	row("subtask", p.SubtaskID)
	row("risk", risk)
	if p.Reason != "" {
		row("reason", p.Reason)
	}

	keys := make([]string, 0, len(p.Details))
	for k := range p.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row(k, formatValue(p.Details[k]))
	}

	verbs := make([]string, len(p.AvailableVerbs))
	for i, v := range p.AvailableVerbs {
		verbs[i] = string(v)
	}
	row("verbs", strings.Join(verbs, " | "))
	if p.Problem != "" {
		row("rejected", failedStyle.Render(p.Problem))
	}

	return panelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// renderResults draws one line per subtask result.
func renderResults(results []models.SubtaskResult) string {
	if len(results) == 0 {
		return "No subtask results."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(
		idColumn.Render("SUBTASK")+categoryCol.Render("CATEGORY")+resultCol.Render("RESULT")+attemptsCol.Render("ATTEMPTS")+"DETAIL") + "\n")
	for _, r := range results {
		result := passedStyle.Render(resultCol.Render("pass"))
		detail := resultDetail(r)
		if !r.Passed {
			result = failedStyle.Render(resultCol.Render("fail"))
		}
		b.WriteString(idColumn.Render(r.SubtaskID) +
			categoryCol.Render(string(r.Category)) +
			result +
			attemptsCol.Render(fmt.Sprintf("%d", r.Attempts)) +
			detail + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultDetail(r models.SubtaskResult) string {
	if !r.Passed {
		return formatValue(r.Error)
	}
	switch {
	case r.Payload.Artifact != nil:
		return "wrote " + r.Payload.Artifact.Path
	case r.Payload.Text != "":
		return formatValue(r.Payload.Text)
	default:
		return formatValue(r.Payload.Outcome)
	}
}

// printRecord prints the summary of a finished run.
func printRecord(w io.Writer, rec *models.RunRecord) {
	symbol, attr := statusSymbol(rec.Status)
	printStatus(w, symbol, fmt.Sprintf("Run %s %s in %s", rec.ThreadID, rec.Status, formatDuration(rec.Duration)), attr)
	if rec.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", rec.Error)
	}
	if rec.Verdict != nil {
		fmt.Fprintf(w, "  Verdict: %s\n", rec.Verdict.Summary)
		for _, u := range rec.Verdict.Unmet {
			fmt.Fprintf(w, "    - unmet: %s\n", u)
		}
	}
	fmt.Fprintf(w, "  Tokens: %s ($%.4f)\n\n", formatNumber(rec.Usage.TotalTokens), rec.Usage.Cost)
	fmt.Fprintln(w, renderResults(rec.Results))
}

func statusSymbol(s models.RunStatus) (string, color.Attribute) {
	switch s {
	case models.RunCompleted:
		return "✓", color.FgGreen
	case models.RunFailed:
		return "✗", color.FgRed
	default:
		return "⏸", color.FgYellow
	}
}

// formatValue flattens a detail value onto one bounded line.
func formatValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if lines := strings.Count(s, "\n"); lines > 0 {
		first, _, _ := strings.Cut(s, "\n")
		s = fmt.Sprintf("%s (+%d lines)", first, lines)
	}
	if len(s) > maxValueWidth {
		s = s[:maxValueWidth-3] + "..."
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dh", h)
}

func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if len(s) <= 3 {
		return s
	}

	// Add commas every 3 digits from the right
	var result strings.Builder
	offset := len(s) % 3
	if offset > 0 {
		result.WriteString(s[:offset])
		result.WriteString(",")
	}
	for i := offset; i < len(s); i += 3 {
		result.WriteString(s[i : i+3])
		if i+3 < len(s) {
			result.WriteString(",")
		}
	}
	return result.String()
}
