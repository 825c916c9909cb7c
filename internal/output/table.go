package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

// TableFormatter renders reports as an ASCII table.
type TableFormatter struct{}

// FormatCookies renders a report as a table.
func (f *TableFormatter) FormatCookies(report *CookieReport) (string, error) {
	if report == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if report.Source != "" {
		t.SetTitle(report.Source)
	}
	t.AppendHeader(table.Row{"Name", "Status", "Quota", "Recovers At", "Modified", "Notes"})

	for _, row := range report.Rows {
		t.AppendRow(table.Row{
			row.Name,
			row.Status,
			quotaCell(row),
			timeCell(row.RecoversAt),
			timeCell(row.Modified),
			row.Note,
		})
	}

	t.AppendFooter(table.Row{"", summary(report), "", "", "", ""})
	return t.Render(), nil
}
