package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger is used for CLI commands (SIMPLE profile)
	CLILogger *logging.Logger

	// ServerLogger is used for HTTP server (STRUCTURED profile)
	ServerLogger *logging.Logger

	fallbackLogger *logging.Logger
	fallbackOnce   sync.Once
)

// Logger returns the most specific logger that has been initialized: the
// server logger, then the CLI logger, then a lazily created CLI logger for
// code paths (tests, library use) that run before either is set up.
func Logger() *logging.Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	if CLILogger != nil {
		return CLILogger
	}
	fallbackOnce.Do(func() {
		logger, err := logging.NewCLI("grokgate")
		if err != nil {
			exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize fallback logger", err)
		}
		fallbackLogger = logger
	})
	return fallbackLogger
}

// InitCLILogger initializes the CLI logger with SIMPLE profile
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if verbose {
		logger.SetLevel(logging.DEBUG)
	}

	CLILogger = logger
}

// InitServerLogger initializes the JSON server logger on stderr. Request
// correlation IDs are attached by the correlation middleware.
func InitServerLogger(serviceName string, logLevel string, namespace ...string) {
	InitServerLoggerWithProfile(serviceName, logLevel, "structured", namespace...)
}

// InitServerLoggerWithProfile is InitServerLogger with a selectable profile.
// "simple" gives human-readable console output for local runs; anything else
// is the structured JSON logger.
func InitServerLoggerWithProfile(serviceName, logLevel, profile string, namespace ...string) {
	level := parseLogLevel(logLevel)

	if strings.EqualFold(strings.TrimSpace(profile), "simple") {
		logger, err := logging.NewCLI(serviceName)
		if err != nil {
			exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
		}
		if level == "DEBUG" || level == "TRACE" {
			logger.SetLevel(logging.DEBUG)
		}
		ServerLogger = logger
		return
	}

	staticFields := make(map[string]any)
	if len(namespace) > 0 && namespace[0] != "" {
		staticFields["namespace"] = namespace[0]
	}

	config := &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: level,
		Service:      serviceName,
		Environment:  "production",
		StaticFields: staticFields,
		Middleware: []logging.MiddlewareConfig{
			{
				Name:    "correlation",
				Enabled: true,
				Order:   100,
				Config:  make(map[string]any),
			},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: "json",
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	}

	logger, err := logging.New(config)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}

	ServerLogger = logger
}

// parseLogLevel maps config levels to gofulmen severities. Unknown values
// fall back to INFO.
func parseLogLevel(levelStr string) string {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// exitWithCodeStderr reports a logger setup failure. No logger exists yet.
func exitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	code := int(exitCode)
	detail := fmt.Sprintf("exit code %d", code)
	if info, ok := foundry.GetExitCodeInfo(exitCode); ok {
		code = info.Code
		detail = fmt.Sprintf("exit code %d (%s)", info.Code, info.Name)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v [%s]\n", msg, err, detail)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: %s [%s]\n", msg, detail)
	}
	os.Exit(code)
}
