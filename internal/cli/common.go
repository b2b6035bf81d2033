// Package cli holds the cobra front-ends for the three pipeline
// binaries. Each binary gets its own root command; they never share
// process state, only the filesystem contracts.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patchgate/patchgate/internal/config"
	"github.com/patchgate/patchgate/internal/observability"
	"github.com/patchgate/patchgate/internal/observability/logging"
	otelobs "github.com/patchgate/patchgate/internal/observability/otel"
)

const (
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

// Shared exit codes for the validator and integrator front-ends.
const (
	exitOK         = 0
	exitDenied     = 1
	exitNotFound   = 2
	exitUnexpected = 3
)

var (
	configFlag       string
	logLevelFlag     string
	logFormatFlag    string
	otelFlag         bool
	otelEndpointFlag string
)

func addCommonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format: json or pretty")
	cmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "Enable OpenTelemetry tracing")
	cmd.PersistentFlags().StringVar(&otelEndpointFlag, "otel-endpoint", "", "OTLP endpoint (default from OTEL_EXPORTER_OTLP_ENDPOINT)")
}

// setup loads configuration and installs the logger (and tracer, when
// enabled) into the command context. The returned cleanup flushes both.
func setup(cmd *cobra.Command) (*config.Config, logging.Logger, func(), error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, nil, err
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if logFormatFlag != "" {
		cfg.Logging.Format = logFormatFlag
	}

	log, err := logging.NewLogger(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger init: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = observability.WithOpID(ctx)
	ctx = logging.WithLogger(ctx, log)

	cleanup := func() { _ = log.Close() }

	if otelFlag {
		otelCfg := otelobs.DefaultConfig()
		otelCfg.Enabled = true
		otelCfg.Endpoint = otelEndpointFlag
		handle, err := otelobs.Init(ctx, otelCfg)
		if err != nil {
			_ = log.Close()
			return nil, nil, nil, fmt.Errorf("otel init: %w", err)
		}
		ctx = otelobs.WithHandle(ctx, handle)
		prev := cleanup
		cleanup = func() {
			_ = handle.Shutdown(context.Background())
			prev()
		}
	}

	cmd.SetContext(ctx)
	return cfg, log, cleanup, nil
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s✗ %s: %v%s\n", colorRed, msg, err, colorReset)
	os.Exit(exitUnexpected)
}
