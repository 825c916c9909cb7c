package output

import (
	"fmt"
	"strings"
	"time"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Cookie states shown in reports.
const (
	StatusOK         = "ok"
	StatusBroken     = "broken"
	StatusExhausted  = "exhausted"
	StatusRecovering = "recovering"
)

// CookieRow is one cookie in a report. It never carries the secret.
type CookieRow struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Remaining  *int      `json:"remaining,omitempty"`
	Max        *int      `json:"max,omitempty"`
	RecoversAt time.Time `json:"recovers_at,omitzero"`
	Size       int64     `json:"size,omitempty"`
	Modified   time.Time `json:"modified,omitzero"`
	Note       string    `json:"note,omitempty"`
}

// CookieReport is a rendered listing of cookies from one source, either a
// cookie directory or a running server.
type CookieReport struct {
	Source string      `json:"source"`
	Rows   []CookieRow `json:"cookies"`
}

// Usable counts rows that can serve a request right now.
func (r *CookieReport) Usable() int {
	n := 0
	for _, row := range r.Rows {
		if row.Status == StatusOK {
			n++
		}
	}
	return n
}

// Formatter renders cookie reports.
type Formatter interface {
	FormatCookies(report *CookieReport) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

func quotaCell(row CookieRow) string {
	if row.Remaining == nil || row.Max == nil {
		return "-"
	}
	return fmt.Sprintf("%d/%d", *row.Remaining, *row.Max)
}

func timeCell(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(time.DateTime)
}

func summary(report *CookieReport) string {
	return fmt.Sprintf("%d/%d usable", report.Usable(), len(report.Rows))
}
