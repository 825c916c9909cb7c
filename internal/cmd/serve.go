package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/credential"
	"github.com/grokgate/grokgate/internal/dispatch"
	errwrap "github.com/grokgate/grokgate/internal/errors"
	"github.com/grokgate/grokgate/internal/grok"
	"github.com/grokgate/grokgate/internal/metrics"
	"github.com/grokgate/grokgate/internal/observability"
	"github.com/grokgate/grokgate/internal/quota"
	"github.com/grokgate/grokgate/internal/server"
	"github.com/grokgate/grokgate/internal/server/handlers"
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

// proxyStack is everything serve builds from config, in teardown order.
type proxyStack struct {
	store      *credential.Store
	watcher    *credential.Watcher
	pool       *quota.Pool
	client     *grok.Client
	dispatcher *dispatch.Dispatcher
}

// buildProxyStack wires store → watcher → pool → client → dispatcher and loads
// the cookies already on disk.
func buildProxyStack(cfg *config.Config) (*proxyStack, error) {
	logger := observability.ServerLogger
	store := credential.NewStore()

	watcher, err := credential.NewWatcher(cfg.Cookies.Dir, store, logger)
	if err != nil {
		return nil, fmt.Errorf("watch cookie directory: %w", err)
	}
	if err := watcher.Load(); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("load cookies: %w", err)
	}

	pool, err := quota.New(quota.Config{
		MaxQuota: cfg.Quota.Max,
		Recovery: cfg.Quota.Recovery,
	}, store, quota.WithLogger(logger))
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("create quota pool: %w", err)
	}

	client, err := grok.NewClient(grok.Options{
		BaseURL:   cfg.Upstream.BaseURL,
		Model:     cfg.Upstream.Model,
		UserAgent: cfg.Upstream.UserAgent,
		ProxyURL:  cfg.Upstream.Proxy,
		Timeout:   cfg.Upstream.Timeout,
		Logger:    logger,
	})
	if err != nil {
		pool.Close()
		_ = watcher.Close()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	dispatcher := dispatch.New(pool, client, dispatch.Options{
		Model:            cfg.Upstream.Model,
		TestMessageReply: cfg.Proxy.TestMessageReply,
		MaxBodyBytes:     cfg.Proxy.MaxBodyBytes,
		Logger:           logger,
	})

	return &proxyStack{
		store:      store,
		watcher:    watcher,
		pool:       pool,
		client:     client,
		dispatcher: dispatcher,
	}, nil
}

func (p *proxyStack) close() {
	if err := p.watcher.Close(); err != nil {
		observability.ServerLogger.Warn("Failed to stop cookie watcher", zap.Error(err))
	}
	p.pool.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the OpenAI-compatible proxy with graceful shutdown support.

Cookies are read from the cookie directory (one <name>.txt file per cookie)
and reloaded when files change.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file (logging only, restart for other changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := loadConfig()
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid")
		}

		logLevel := cfg.Logging.Level
		if verbose {
			logLevel = "debug"
		}
		observability.InitServerLoggerWithProfile(identity.BinaryName, logLevel, cfg.Logging.Profile, namespace)

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
				observability.ServerLogger.Error("Failed to initialize metrics",
					zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
			metrics.SetServerStartTime(time.Now().Unix())
		}

		observability.ServerLogger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("cookies_dir", cfg.Cookies.Dir),
			zap.Int("quota_max", cfg.Quota.Max),
			zap.Duration("quota_recovery", cfg.Quota.Recovery),
			zap.Bool("upstream_proxy", cfg.Upstream.Proxy != ""))

		stack, err := buildProxyStack(cfg)
		if err != nil {
			observability.ServerLogger.Error("Failed to build proxy", zap.Error(err))
			return errwrap.WrapInternal(cmd.Context(), err, "proxy initialization failed")
		}
		if stack.store.Len() == 0 {
			observability.ServerLogger.Warn("No cookies loaded yet, requests will be rejected until one is added",
				zap.String("cookies_dir", cfg.Cookies.Dir))
		}

		watchCtx, stopWatch := context.WithCancel(context.Background())
		go func() {
			if err := stack.watcher.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				observability.ServerLogger.Error("Cookie watcher stopped", zap.Error(err))
			}
		}()

		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("credential_pool", handlers.CredentialPoolChecker{Credentials: stack.store})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		hm.RegisterChecker("app_identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})

		srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Options{
			Chat:             stack.dispatcher,
			Model:            stack.dispatcher.Model(),
			Pool:             stack.pool,
			ExposePoolStatus: cfg.Proxy.ExposePoolStatus,
			MetricsPort:      cfg.Metrics.Port,
			AdminToken:       os.Getenv(envPrefix() + "ADMIN_TOKEN"),
			DisableHealth:    !cfg.Health.Enabled,
			ReadTimeout:      cfg.Server.ReadTimeout,
			WriteTimeout:     cfg.Server.WriteTimeout,
			IdleTimeout:      cfg.Server.IdleTimeout,
		})

		handlers.SetAppIdentity(identity)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// LIFO: last registered runs first.
		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Flushing logger...")
			if err := observability.ServerLogger.Sync(); err != nil {
				// often benign: stdout/stderr already closed
				observability.ServerLogger.Warn("Logger sync returned error (may be benign)",
					zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.StopMetrics(); err != nil {
				observability.ServerLogger.Warn("Failed to stop metrics exporter", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Stopping cookie watcher and recovery timers...")
			stopWatch()
			stack.close()
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			observability.ServerLogger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			observability.ServerLogger.Info("Received SIGHUP: re-reading config file")

			if err := viper.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if errors.As(err, &notFound) {
					observability.ServerLogger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				observability.ServerLogger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			level := viper.GetString("logging.level")
			observability.ServerLogger.Info("Configuration re-read; quota, cookie and upstream settings apply on restart",
				zap.String("file", viper.ConfigFileUsed()),
				zap.String("logging.level", level))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			observability.ServerLogger.Warn("Failed to enable double-tap force quit",
				zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				observability.ServerLogger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stopWatch()
			stack.close()
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 3000, "server port")
	serveCmd.Flags().String("cookies-dir", "", "cookie directory (default: <data_dir>/cookies)")
	serveCmd.Flags().Int("quota", 15, "requests per cookie per recovery window")
	serveCmd.Flags().Duration("recovery", 2*time.Hour, "quota recovery window")
	serveCmd.Flags().String("upstream-proxy", "", "http, https or socks5 proxy for upstream requests")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("cookies.dir", serveCmd.Flags().Lookup("cookies-dir"))
	_ = viper.BindPFlag("quota.max", serveCmd.Flags().Lookup("quota"))
	_ = viper.BindPFlag("quota.recovery", serveCmd.Flags().Lookup("recovery"))
	_ = viper.BindPFlag("upstream.proxy", serveCmd.Flags().Lookup("upstream-proxy"))
}
