package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/appid"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/grok"
	"github.com/grokgate/grokgate/internal/observability"
)

var (
	cfgFile   string
	envFile   string
	verbose   bool
	traceFile string

	// loaded from .fulmen/app.yaml or the embedded copy
	appIdentity *appidentity.Identity

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the loaded app identity (only valid after initConfig)
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	// initConfig overwrites these from app identity.
	Use:   filepath.Base(os.Args[0]),
	Short: "OpenAI-compatible proxy for the Grok web backend",
	Long: `Serves the OpenAI chat completions API on top of a pool of Grok
session cookies, with per-cookie request quotas.

Use the subcommands to perform specific operations.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading from emitting metrics to stdout. serve installs the
	// real telemetry system later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	// before cobra processes --help
	if identity, err := appid.Get(context.Background()); err == nil && identity != nil {
		appIdentity = identity
		applyIdentityToHelp(identity)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml or config.yml in the app config dir or data dir)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default: ./.env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace", "", "trace upstream requests to an NDJSON file (cookie names only, never secrets)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func applyIdentityToHelp(identity *appidentity.Identity) {
	if identity.BinaryName != "" {
		rootCmd.Use = identity.BinaryName
	}
	if identity.Description != "" {
		rootCmd.Short = identity.Description
		rootCmd.Long = fmt.Sprintf("%s - %s\n\nUse the subcommands to perform specific operations.", identity.BinaryName, identity.Description)
	}
}

// envPrefix returns the identity env prefix or the built-in default.
func envPrefix() string {
	if appIdentity != nil && appIdentity.EnvPrefix != "" {
		return appIdentity.EnvPrefix
	}
	return config.DefaultEnvPrefix
}

func configName() string {
	if appIdentity != nil && appIdentity.ConfigName != "" {
		return appIdentity.ConfigName
	}
	return config.DefaultAppName
}

// initConfig reads in .env, config file and ENV variables.
func initConfig() {
	identity, err := appid.Get(context.Background())
	if err != nil {
		ExitWithCodeStderr(foundry.ExitFileNotFound, "Failed to load app identity", err)
	}
	appIdentity = identity
	applyIdentityToHelp(identity)

	observability.InitCLILogger(identity.BinaryName, verbose)

	// .env must be loaded before the data dir is resolved, it may set DATA_DIR
	dotenvFiles := []string{".env"}
	if envFile != "" {
		dotenvFiles = []string{envFile}
	}
	if loaded, err := config.LoadDotEnv(dotenvFiles...); err != nil {
		observability.CLILogger.Warn("Failed to load dotenv file", zap.Error(err))
	} else if len(loaded) > 0 {
		observability.CLILogger.Debug("Loaded dotenv files", zap.Strings("files", loaded))
	}

	v := viper.GetViper()
	config.SetDefaults(v, envPrefix())
	config.BindEnv(v, envPrefix())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		config.AddSearchPaths(v, configName(), config.ResolveDataDir(envPrefix()))
	}

	path, err := config.ReadConfigFile(v)
	switch {
	case err != nil:
		observability.CLILogger.Warn("Error reading config file", zap.Error(err))
	case path != "":
		observability.CLILogger.Debug("Using config file", zap.String("path", path))
	default:
		observability.CLILogger.Debug("No config file found, using defaults and environment variables")
	}

	if traceFile != "" {
		if _, err := grok.EnableTracing(traceFile); err != nil {
			observability.CLILogger.Warn("Failed to enable tracing", zap.Error(err))
		} else {
			// closed at process exit
			observability.CLILogger.Debug("Upstream tracing enabled", zap.String("file", traceFile))
		}
	}
}

// loadConfig decodes the viper state prepared by initConfig.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}
