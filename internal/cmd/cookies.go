package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/credential"
	errwrap "github.com/grokgate/grokgate/internal/errors"
	"github.com/grokgate/grokgate/internal/observability"
	"github.com/grokgate/grokgate/internal/output"
	"github.com/grokgate/grokgate/internal/server/handlers"
)

const poolStatusTimeout = 10 * time.Second

var (
	cookiesFormat    string
	cookiesDir       string
	cookiesServerURL string
)

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "Inspect the cookie pool",
	Long: `Inspect cookies on disk or in a running server.

The cookie directory holds one <name>.txt file per cookie. Clients select a
cookie by name with "Authorization: Bearer <name>".`,
}

var cookiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cookie files in the cookie directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := scanCookieReport()
		if err != nil {
			return err
		}
		return printCookieReport(cmd.OutOrStdout(), report)
	},
}

var cookiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Fail when the cookie directory has no usable cookie or a broken file",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := scanCookieReport()
		if err != nil {
			return err
		}
		if err := printCookieReport(cmd.OutOrStdout(), report); err != nil {
			return err
		}

		if problem := checkCookieReport(report); problem != "" {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, problem,
				errwrap.NewConfigInvalidError(problem))
		}
		return nil
	},
}

var cookiesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live quota state from a running server",
	Long: `Query GET /v1/cookies on a running server. The server must run with
proxy.expose_pool_status enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := cookiesServerURL
		if baseURL == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			host := cfg.Server.Host
			if host == "" || host == "0.0.0.0" {
				host = "localhost"
			}
			baseURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
		}

		status, err := fetchPoolStatus(cmd.Context(), baseURL)
		if err != nil {
			return err
		}
		return printCookieReport(cmd.OutOrStdout(), reportFromPoolStatus(baseURL, status))
	},
}

func init() {
	rootCmd.AddCommand(cookiesCmd)
	cookiesCmd.AddCommand(cookiesListCmd)
	cookiesCmd.AddCommand(cookiesCheckCmd)
	cookiesCmd.AddCommand(cookiesStatusCmd)

	cookiesCmd.PersistentFlags().StringVarP(&cookiesFormat, "format", "f", "table", "output format: table, json, markdown")
	cookiesListCmd.Flags().StringVar(&cookiesDir, "dir", "", "cookie directory (default: from config)")
	cookiesCheckCmd.Flags().StringVar(&cookiesDir, "dir", "", "cookie directory (default: from config)")
	cookiesStatusCmd.Flags().StringVar(&cookiesServerURL, "url", "", "server base URL (default: from config)")
}

func scanCookieReport() (*output.CookieReport, error) {
	dir := cookiesDir
	if dir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		dir = cfg.Cookies.Dir
	}

	files, err := credential.ScanDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan cookie directory %s: %w", dir, err)
	}
	observability.CLILogger.Debug("Scanned cookie directory",
		zap.String("dir", dir),
		zap.Int("files", len(files)))
	return reportFromFiles(dir, files), nil
}

func printCookieReport(w io.Writer, report *output.CookieReport) error {
	format, err := output.ParseFormat(cookiesFormat)
	if err != nil {
		return err
	}
	rendered, err := output.NewFormatter(format).FormatCookies(report)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}

// reportFromFiles builds a report from a directory scan. Quota columns stay
// empty; only a running server knows them.
func reportFromFiles(source string, files []credential.File) *output.CookieReport {
	report := &output.CookieReport{Source: source, Rows: make([]output.CookieRow, 0, len(files))}
	for _, f := range files {
		row := output.CookieRow{
			Name:     f.Name,
			Status:   output.StatusOK,
			Size:     f.Size,
			Modified: f.ModTime,
		}
		if f.Err != nil {
			row.Status = output.StatusBroken
			row.Note = f.Err.Error()
		}
		report.Rows = append(report.Rows, row)
	}
	return report
}

func reportFromPoolStatus(source string, status *handlers.PoolStatusResponse) *output.CookieReport {
	report := &output.CookieReport{Source: source, Rows: make([]output.CookieRow, 0, len(status.Cookies))}
	for _, c := range status.Cookies {
		remaining, maxQuota := c.Remaining, c.Max
		row := output.CookieRow{
			Name:       c.Name,
			Status:     output.StatusOK,
			Remaining:  &remaining,
			Max:        &maxQuota,
			RecoversAt: c.RecoversAt,
		}
		switch {
		case c.Remaining <= 0:
			row.Status = output.StatusExhausted
		case c.Recovering:
			row.Status = output.StatusRecovering
		}
		report.Rows = append(report.Rows, row)
	}
	return report
}

// checkCookieReport returns a problem description, or "" when the directory
// is fit to serve.
func checkCookieReport(report *output.CookieReport) string {
	broken := 0
	for _, row := range report.Rows {
		if row.Status == output.StatusBroken {
			broken++
		}
	}
	switch {
	case len(report.Rows) == 0:
		return fmt.Sprintf("no cookies in %s", report.Source)
	case broken > 0:
		return fmt.Sprintf("%d broken cookie file(s) in %s", broken, report.Source)
	}
	return ""
}

func fetchPoolStatus(ctx context.Context, baseURL string) (*handlers.PoolStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, poolStatusTimeout)
	defer cancel()

	endpoint := strings.TrimRight(baseURL, "/") + "/v1/cookies"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errwrap.WrapExternalService(ctx, err, "pool status request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s not found: enable proxy.expose_pool_status on the server", endpoint)
	default:
		return nil, fmt.Errorf("%s returned HTTP %d", endpoint, resp.StatusCode)
	}

	var status handlers.PoolStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode pool status: %w", err)
	}
	return &status, nil
}
