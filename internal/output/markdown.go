package output

import (
	"fmt"
	"strings"
)

// MarkdownFormatter renders reports as a markdown table.
type MarkdownFormatter struct{}

// FormatCookies renders a report as Markdown.
func (f *MarkdownFormatter) FormatCookies(report *CookieReport) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	if report.Source != "" {
		sb.WriteString(fmt.Sprintf("## Cookies: %s\n\n", escapeMarkdownCell(report.Source)))
	}
	sb.WriteString("| Name | Status | Quota | Recovers At | Notes |\n")
	sb.WriteString("|------|--------|-------|-------------|-------|\n")

	for _, row := range report.Rows {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
			escapeMarkdownCell(row.Name),
			escapeMarkdownCell(row.Status),
			quotaCell(row),
			timeCell(row.RecoversAt),
			escapeMarkdownCell(row.Note),
		))
	}

	sb.WriteString(fmt.Sprintf("\n**Usable**: %s\n", summary(report)))
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
