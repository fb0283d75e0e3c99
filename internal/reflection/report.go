package reflection

import (
	"fmt"
	"strings"
	"time"
)

// FormatReport formats a pass result as text or markdown. JSON is handled
// by the caller via json.Marshal, so any other format returns "".
func FormatReport(res *PassResult, format string) string {
	if res == nil {
		return ""
	}
	switch format {
	case "markdown":
		return formatAsMarkdown(res)
	case "text":
		return formatAsText(res)
	default:
		return ""
	}
}

func formatAsMarkdown(res *PassResult) string {
	var sb strings.Builder
	r := res.Report

	sb.WriteString("# Reflection Report\n\n")
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n", res.FinishedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("**Window:** %s\n", res.Window))
	sb.WriteString(fmt.Sprintf("**Overall health:** %s\n\n", r.OverallHealth))
	if r.Message != "" {
		sb.WriteString(r.Message + "\n\n")
	}

	if len(res.Operations) > 0 {
		sb.WriteString("## Operations\n\n")
		sb.WriteString("| Type | Count | Success Rate | Avg Duration | Avg Quality |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		for _, op := range res.Operations {
			sb.WriteString(fmt.Sprintf("| %s | %d | %.1f%% | %.2fs | %.2f |\n",
				op.OperationType, op.Count, op.SuccessRate*100, op.AvgDurationSeconds, op.AvgQuality))
		}
		sb.WriteString("\n")
	}

	writeMarkdownList(&sb, "Strengths", r.Strengths)
	writeMarkdownList(&sb, "Weaknesses", r.Weaknesses)

	if len(r.ImprovementPriorities) > 0 {
		sb.WriteString("## Improvement Priorities\n\n")
		for _, p := range r.ImprovementPriorities {
			sb.WriteString(fmt.Sprintf("### %s\n\n", p.Area))
			sb.WriteString(fmt.Sprintf("%s (current %s, target %s)\n\n",
				p.RecommendedAction, formatMetric(p.CurrentMetric), formatMetric(p.TargetMetric)))
		}
	}

	if len(res.Insights) > 0 {
		sb.WriteString("## New Insights\n\n")
		for _, in := range res.Insights {
			sb.WriteString(fmt.Sprintf("- [P%d %s] %s\n", in.Priority, in.Area, in.Description))
		}
		sb.WriteString("\n")
	}

	writeMarkdownList(&sb, "Recommendations", r.Recommendations)
	return sb.String()
}

func writeMarkdownList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString("## " + title + "\n\n")
	for _, item := range items {
		sb.WriteString(fmt.Sprintf("- %s\n", item))
	}
	sb.WriteString("\n")
}

func formatAsText(res *PassResult) string {
	var sb strings.Builder
	r := res.Report

	sb.WriteString("REFLECTION REPORT\n")
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	sb.WriteString(fmt.Sprintf("Generated: %s\n", res.FinishedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Window: %s\n", res.Window))
	sb.WriteString(fmt.Sprintf("Overall health: %s\n\n", r.OverallHealth))
	if r.Message != "" {
		sb.WriteString(r.Message + "\n\n")
	}

	if len(res.Operations) > 0 {
		sb.WriteString("OPERATIONS\n")
		sb.WriteString(strings.Repeat("-", 20) + "\n")
		for _, op := range res.Operations {
			sb.WriteString(fmt.Sprintf("%s: %d runs, %.1f%% success, %.2fs avg\n",
				op.OperationType, op.Count, op.SuccessRate*100, op.AvgDurationSeconds))
		}
		sb.WriteString("\n")
	}

	writeTextList(&sb, "STRENGTHS", r.Strengths)
	writeTextList(&sb, "WEAKNESSES", r.Weaknesses)

	if len(r.ImprovementPriorities) > 0 {
		sb.WriteString("IMPROVEMENT PRIORITIES\n")
		sb.WriteString(strings.Repeat("-", 20) + "\n")
		for i, p := range r.ImprovementPriorities {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, p.Area))
			sb.WriteString(fmt.Sprintf("   %s\n\n", p.RecommendedAction))
		}
	}

	if len(res.Insights) > 0 {
		sb.WriteString("NEW INSIGHTS\n")
		sb.WriteString(strings.Repeat("-", 20) + "\n")
		for i, in := range res.Insights {
			sb.WriteString(fmt.Sprintf("%d. [P%d %s] %s\n", i+1, in.Priority, in.Area, in.Description))
		}
		sb.WriteString("\n")
	}

	writeTextList(&sb, "RECOMMENDATIONS", r.Recommendations)
	return sb.String()
}

func writeTextList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(title + "\n")
	sb.WriteString(strings.Repeat("-", 20) + "\n")
	for i, item := range items {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, item))
	}
	sb.WriteString("\n")
}
