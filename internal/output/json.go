package output

import (
	"encoding/json"
)

// JSONFormatter renders reports as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatCookies renders a report as JSON.
func (f *JSONFormatter) FormatCookies(report *CookieReport) (string, error) {
	if report == nil {
		return "", nil
	}
	if report.Rows == nil {
		report = &CookieReport{Source: report.Source, Rows: []CookieRow{}}
	}

	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(report, "", "  ")
	} else {
		data, err = json.Marshal(report)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
