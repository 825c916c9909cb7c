package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/credential"
	errwrap "github.com/grokgate/grokgate/internal/errors"
	"github.com/grokgate/grokgate/internal/grok"
	"github.com/grokgate/grokgate/internal/observability"
)

const upstreamProbeTimeout = 10 * time.Second

var doctorOffline bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the installation, the cookie directory and the upstream connection.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		identity := GetAppIdentity()
		bannerName := "doctor"
		if identity != nil && identity.BinaryName != "" {
			bannerName = identity.BinaryName + " doctor"
		}
		observability.CLILogger.Info("=== " + bannerName + " ===")
		observability.CLILogger.Info("")
		observability.CLILogger.Info("Running diagnostic checks...")
		observability.CLILogger.Info("")

		allChecks := true
		totalChecks := 7

		// Check 1: Go version
		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			observability.CLILogger.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s", totalChecks, goVersion), zap.String("go_version", goVersion))
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[1/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", totalChecks, goVersion), zap.String("go_version", goVersion))
			allChecks = false
		}

		// Check 2: Crucible and Gofulmen
		version := crucible.GetVersion()
		if version.Crucible != "" && version.Gofulmen != "" {
			observability.CLILogger.Info(fmt.Sprintf("[2/%d] Checking Crucible/Gofulmen... ✅ v%s / v%s", totalChecks, version.Crucible, version.Gofulmen),
				zap.String("crucible_version", version.Crucible),
				zap.String("gofulmen_version", version.Gofulmen))
		} else {
			observability.CLILogger.Error(fmt.Sprintf("[2/%d] Checking Crucible/Gofulmen... ❌ version metadata unavailable", totalChecks))
			allChecks = false
		}

		// Check 3: Configuration
		cfg, cfgErr := loadConfig()
		if cfgErr != nil {
			observability.CLILogger.Error(fmt.Sprintf("[3/%d] Checking configuration... ❌ %v", totalChecks, cfgErr), zap.Error(cfgErr))
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(ctx, cfgErr, "configuration invalid"))
			return
		}
		source := viper.ConfigFileUsed()
		if source == "" {
			source = "defaults + environment"
		}
		observability.CLILogger.Info(fmt.Sprintf("[3/%d] Checking configuration... ✅ %s", totalChecks, source), zap.String("config_source", source))

		// Check 4: Data directory
		if info, err := os.Stat(cfg.DataDir); err == nil && info.IsDir() {
			observability.CLILogger.Info(fmt.Sprintf("[4/%d] Checking data directory... ✅ %s", totalChecks, cfg.DataDir), zap.String("data_dir", cfg.DataDir))
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[4/%d] Checking data directory... ⚠️  %s (missing, run '%s doctor init')", totalChecks, cfg.DataDir, binaryName()),
				zap.String("data_dir", cfg.DataDir))
			allChecks = false
		}

		// Check 5: Cookies
		files, scanErr := credential.ScanDir(cfg.Cookies.Dir)
		usable, size := summarizeCookies(files)
		switch {
		case scanErr != nil:
			observability.CLILogger.Error(fmt.Sprintf("[5/%d] Checking cookies... ❌ %v", totalChecks, scanErr), zap.String("cookies_dir", cfg.Cookies.Dir), zap.Error(scanErr))
			allChecks = false
		case usable == 0:
			observability.CLILogger.Warn(fmt.Sprintf("[5/%d] Checking cookies... ⚠️  none usable in %s", totalChecks, cfg.Cookies.Dir),
				zap.String("cookies_dir", cfg.Cookies.Dir),
				zap.Int("files", len(files)))
			allChecks = false
		default:
			observability.CLILogger.Info(fmt.Sprintf("[5/%d] Checking cookies... ✅ %d/%d usable (%s)", totalChecks, usable, len(files), formatFileSize(size)),
				zap.String("cookies_dir", cfg.Cookies.Dir),
				zap.Int("usable", usable),
				zap.Int("files", len(files)))
		}

		// Check 6: Quota
		observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking quota... ✅ %d requests per cookie, recovery %s", totalChecks, cfg.Quota.Max, cfg.Quota.Recovery),
			zap.Int("quota_max", cfg.Quota.Max),
			zap.Duration("quota_recovery", cfg.Quota.Recovery))

		// Check 7: Upstream
		if doctorOffline {
			observability.CLILogger.Info(fmt.Sprintf("[7/%d] Checking upstream... skipped (--offline)", totalChecks))
		} else {
			status, elapsed, err := probeUpstream(ctx, cfg.Upstream)
			if err != nil {
				observability.CLILogger.Error(fmt.Sprintf("[7/%d] Checking upstream... ❌ %s unreachable", totalChecks, cfg.Upstream.BaseURL),
					zap.String("base_url", cfg.Upstream.BaseURL),
					zap.Bool("via_proxy", cfg.Upstream.Proxy != ""),
					zap.Error(err))
				allChecks = false
			} else {
				observability.CLILogger.Info(fmt.Sprintf("[7/%d] Checking upstream... ✅ %s (HTTP %d, %s)", totalChecks, cfg.Upstream.BaseURL, status, elapsed.Round(time.Millisecond)),
					zap.String("base_url", cfg.Upstream.BaseURL),
					zap.Int("status", status),
					zap.Bool("via_proxy", cfg.Upstream.Proxy != ""))
			}
		}

		observability.CLILogger.Info("")
		if allChecks {
			observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", binaryName()))
		} else {
			observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		observability.CLILogger.Info("")
		observability.CLILogger.Info("=== End Diagnostics ===")
	},
}

var doctorInitForce bool

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory, cookie directory and a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := config.ResolveDataDir(envPrefix())
		cookiesDir := filepath.Join(dataDir, "cookies")
		configPath := filepath.Join(dataDir, "config.yml")

		if err := os.MkdirAll(cookiesDir, 0o700); err != nil {
			return fmt.Errorf("create cookie directory: %w", err)
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}
		if err := os.WriteFile(configPath, []byte(buildInitConfig(binaryName())), 0o644); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized",
			zap.String("path", configPath),
			zap.String("cookies_dir", cookiesDir))
		observability.CLILogger.Info("Add one <name>.txt file per cookie to the cookie directory.")
		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		source := viper.ConfigFileUsed()
		if source == "" {
			source = "(no config file)"
		}
		observability.CLILogger.Info("Config is valid", zap.String("path", source))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorCmd.Flags().BoolVar(&doctorOffline, "offline", false, "skip the upstream reachability check")
	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
}

func binaryName() string {
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		return identity.BinaryName
	}
	return config.DefaultAppName
}

// summarizeCookies counts readable, non-empty cookie files and their total size.
func summarizeCookies(files []credential.File) (usable int, size int64) {
	for _, f := range files {
		size += f.Size
		if f.Err == nil && f.Secret != "" {
			usable++
		}
	}
	return usable, size
}

// probeUpstream issues a GET to the upstream base URL through the configured
// transport. Any HTTP response counts as reachable; the backend answers
// anonymous requests with 403 routinely.
func probeUpstream(ctx context.Context, cfg config.UpstreamConfig) (int, time.Duration, error) {
	transport, err := grok.NewTransport(cfg.Proxy, upstreamProbeTimeout)
	if err != nil {
		return 0, 0, err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, upstreamProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(cfg.BaseURL, "/")+"/", nil)
	if err != nil {
		return 0, 0, err
	}
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}

	start := time.Now()
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return 0, time.Since(start), err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, time.Since(start), nil
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

func buildInitConfig(app string) string {
	lines := []string{
		fmt.Sprintf("# %s config - created by '%s doctor init'", app, app),
		"server:",
		"  host: localhost",
		"  port: 3000",
		"quota:",
		"  max: 15",
		"  recovery: 2h",
		"upstream:",
		"  base_url: https://grok.com",
		"  model: grok-3",
		"  # proxy: socks5://127.0.0.1:1080",
		"proxy:",
		"  test_message_reply: false",
		"  expose_pool_status: false",
	}
	return strings.Join(lines, "\n") + "\n"
}
