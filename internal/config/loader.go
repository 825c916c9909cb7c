// Package config loads grokgate configuration from defaults, an optional YAML
// file, a .env file and prefixed environment variables, using viper for the
// layering and mapstructure for the typed decode.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultAppName names the XDG directories when no app identity is loaded.
	DefaultAppName = "grokgate"
	// DefaultEnvPrefix prefixes environment overrides.
	DefaultEnvPrefix = "GROKGATE_"

	// LegacyDataDirEnv selects the data directory without a prefix.
	LegacyDataDirEnv = "DATA_DIR"

	configFileName = "config"
)

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every known key with viper. Keys without a default are
// invisible to AutomaticEnv, so every field of Config is listed here.
func SetDefaults(v *viper.Viper, envPrefix string) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("data_dir", ResolveDataDir(envPrefix))
	v.SetDefault("cookies.dir", "")

	v.SetDefault("quota.max", 15)
	v.SetDefault("quota.recovery", "2h")

	v.SetDefault("upstream.base_url", "https://grok.com")
	v.SetDefault("upstream.model", "grok-3")
	v.SetDefault("upstream.user_agent", "")
	v.SetDefault("upstream.proxy", "")
	v.SetDefault("upstream.timeout", "60s")

	v.SetDefault("proxy.test_message_reply", false)
	v.SetDefault("proxy.expose_pool_status", false)
	v.SetDefault("proxy.max_body_bytes", 50<<20)
}

// BindEnv maps PREFIX_SECTION_KEY environment variables onto section.key.
func BindEnv(v *viper.Viper, envPrefix string) {
	v.SetEnvPrefix(strings.TrimSuffix(normalizePrefix(envPrefix), "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// AddSearchPaths registers config file locations in lookup order: the app
// config directory, the data directory, then ./config. Both config.yaml and
// config.yml are found.
func AddSearchPaths(v *viper.Viper, appName, dataDir string) {
	if strings.TrimSpace(appName) == "" {
		appName = DefaultAppName
	}
	if dir := gfconfig.GetAppConfigDir(appName); dir != "" {
		v.AddConfigPath(dir)
	}
	if strings.TrimSpace(dataDir) != "" {
		v.AddConfigPath(dataDir)
	}
	v.AddConfigPath("./config")
	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
}

// ReadConfigFile reads the configured or discovered file. A missing file is
// not an error; the returned path is empty then.
func ReadConfigFile(v *viper.Viper) (string, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config file: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// LoadDotEnv loads the first existing files into the process environment.
// Variables already set win over the file.
func LoadDotEnv(paths ...string) ([]string, error) {
	var loaded []string
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return loaded, fmt.Errorf("load %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

// Load decodes the current viper state into a Config, fills derived paths and
// validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyLegacyKeys(v, cfg)

	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if strings.TrimSpace(cfg.Cookies.Dir) == "" {
		cfg.Cookies.Dir = filepath.Join(cfg.DataDir, "cookies")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// applyLegacyKeys honors the flat config.yml layout (port, cookieQuota,
// quotaRefreshTime in milliseconds) unless the sectioned key is also present
// in the file.
func applyLegacyKeys(v *viper.Viper, cfg *Config) {
	if v.InConfig("port") && !v.InConfig("server.port") {
		cfg.Server.Port = v.GetInt("port")
	}
	if v.InConfig("cookiequota") && !v.InConfig("quota.max") {
		cfg.Quota.Max = v.GetInt("cookiequota")
	}
	if v.InConfig("quotarefreshtime") && !v.InConfig("quota.recovery") {
		cfg.Quota.Recovery = time.Duration(v.GetInt64("quotarefreshtime")) * time.Millisecond
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	case c.Quota.Max <= 0:
		return fmt.Errorf("quota.max must be positive, got %d", c.Quota.Max)
	case c.Quota.Recovery <= 0:
		return fmt.Errorf("quota.recovery must be positive, got %s", c.Quota.Recovery)
	case c.Upstream.Timeout < 0:
		return fmt.Errorf("upstream.timeout must not be negative")
	case c.Proxy.MaxBodyBytes < 0:
		return fmt.Errorf("proxy.max_body_bytes must not be negative")
	}

	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("upstream.base_url: %w", err)
	}
	if p := strings.TrimSpace(c.Upstream.Proxy); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("upstream.proxy: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("upstream.proxy: unsupported scheme %q", u.Scheme)
		}
	}
	return nil
}

// GetConfig returns the last loaded configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// ResolveDataDir picks the data directory from PREFIX_DATA_DIR, then DATA_DIR,
// then the XDG data directory.
func ResolveDataDir(envPrefix string) string {
	if dir := strings.TrimSpace(os.Getenv(normalizePrefix(envPrefix) + "DATA_DIR")); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(os.Getenv(LegacyDataDirEnv)); dir != "" {
		return dir
	}
	return DefaultDataDir()
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(DefaultAppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory, or ./data when
// none can be resolved.
func DefaultDataDir() string {
	if dir := gfconfig.GetAppDataDir(DefaultAppName); strings.TrimSpace(dir) != "" {
		return dir
	}
	return "data"
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}
