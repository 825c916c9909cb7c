package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display runtime, version and effective proxy configuration. Secrets are never printed.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		identity := GetAppIdentity()
		log := observability.CLILogger

		log.Info(fmt.Sprintf("=== %s Environment Information ===", binaryName()))
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + identity.BinaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("  Env Prefix: " + envPrefix())
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig()
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		configFile := viper.ConfigFileUsed()
		if configFile == "" {
			configFile = "(none)"
		}

		log.Info("Server:")
		log.Info(fmt.Sprintf("  Listen:         %s:%d", cfg.Server.Host, cfg.Server.Port), zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		log.Info("  Write Timeout:  " + cfg.Server.WriteTimeout.String())
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		log.Info("  Config File:    "+configFile, zap.String("config_file", configFile))
		log.Info("  Data Dir:       "+cfg.DataDir, zap.String("data_dir", cfg.DataDir))
		log.Info("")

		log.Info("Cookie Pool:")
		log.Info("  Directory:      "+cfg.Cookies.Dir, zap.String("cookies_dir", cfg.Cookies.Dir))
		log.Info(fmt.Sprintf("  Quota:          %d per cookie", cfg.Quota.Max), zap.Int("quota_max", cfg.Quota.Max))
		log.Info("  Recovery:       "+cfg.Quota.Recovery.String(), zap.Duration("quota_recovery", cfg.Quota.Recovery))
		log.Info("")

		log.Info("Upstream:")
		log.Info("  Base URL:       "+cfg.Upstream.BaseURL, zap.String("base_url", cfg.Upstream.BaseURL))
		log.Info("  Model:          "+cfg.Upstream.Model, zap.String("model", cfg.Upstream.Model))
		proxy := redactURL(cfg.Upstream.Proxy)
		if proxy == "" {
			proxy = "(direct)"
		}
		log.Info("  Proxy:          " + proxy)
		log.Info("  Header Timeout: " + cfg.Upstream.Timeout.String())
		log.Info("")

		log.Info("Proxy:")
		log.Info(fmt.Sprintf("  Test Reply:     %t", cfg.Proxy.TestMessageReply))
		log.Info(fmt.Sprintf("  Pool Status:    %t", cfg.Proxy.ExposePoolStatus))
		log.Info("  Max Body:       " + formatFileSize(cfg.Proxy.MaxBodyBytes))
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
