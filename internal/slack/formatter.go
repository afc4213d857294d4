package slack

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/akmatori/autopilot/internal/events"
	"github.com/akmatori/autopilot/internal/utils"
)

// FormatEscalation renders an escalation as Slack mrkdwn
func FormatEscalation(ev events.Event) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s *ESCALATION REQUIRED* (%s)\n\n", getUrgencyEmoji(ev.Severity), strings.ToUpper(ev.Severity)))

	if ev.Title != "" {
		sb.WriteString(fmt.Sprintf("*Issue*\n%s\n", ev.Title))
	}
	if ev.Summary != "" {
		sb.WriteString(fmt.Sprintf("\n*Reason*\n%s\n", utils.TruncateText(ev.Summary, 1500)))
	}
	if details := formatData(ev.Data); details != "" {
		sb.WriteString("\n*Details*\n")
		sb.WriteString(details)
	}
	sb.WriteString(fmt.Sprintf("\n_issue %s_", ev.IssueID))
	return sb.String()
}

// FormatFollowUp renders a later event for the escalation thread
func FormatFollowUp(ev events.Event) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s *%s*", getStatusEmoji(ev.Type), strings.ReplaceAll(string(ev.Type), ".", " ")))
	if ev.Summary != "" {
		sb.WriteString("\n")
		sb.WriteString(utils.TruncateText(ev.Summary, 1500))
	}
	return sb.String()
}

func formatData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("• %s: %s\n", k, formatValue(k, data[k])))
	}
	return sb.String()
}

// formatValue renders ratios as percentages and millisecond counts as durations
func formatValue(key string, v interface{}) string {
	switch key {
	case "confidence", "success_rate":
		if f, ok := v.(float64); ok {
			return utils.FormatPercent(f)
		}
	case "duration_ms":
		switch n := v.(type) {
		case int64:
			return utils.FormatDuration(time.Duration(n) * time.Millisecond)
		case float64:
			return utils.FormatDuration(time.Duration(n) * time.Millisecond)
		}
	}
	return fmt.Sprintf("%v", v)
}

// getStatusEmoji returns an emoji for the given event type
func getStatusEmoji(t events.Type) string {
	switch t {
	case events.TypeIssueResolved:
		return "✅"
	case events.TypeIssueEscalated:
		return "🚨"
	case events.TypeExecutionFinished:
		return "📋"
	default:
		return "🔄"
	}
}

// getUrgencyEmoji returns an emoji for the given severity
func getUrgencyEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "🔴"
	case "high":
		return "🟠"
	case "medium":
		return "🟡"
	case "low":
		return "🟢"
	default:
		return "⚠️"
	}
}
