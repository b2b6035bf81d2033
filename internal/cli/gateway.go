package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchgate/patchgate/internal/allowlist"
	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/gateway"
	"github.com/patchgate/patchgate/internal/jail"
	"github.com/patchgate/patchgate/internal/store"
	"github.com/patchgate/patchgate/internal/version"
)

var gatewayCmd = &cobra.Command{
	Use:   "patchgate-gateway",
	Short: "Jailed intake gateway for patch proposals",
	Long: `The intake principal of the patch admission pipeline.

Accepts structured patch proposals over HTTP, enforces the source IP
allowlist, per-IP rate limits and the jail quota, and writes admitted
proposals into the jail for the validator. This process holds no keys
and never touches the target repository.`,
	Version:      version.BuildVersion(),
	SilenceUsage: true,
	RunE:         runGateway,
}

var gatewayAddrFlag string

func init() {
	addCommonFlags(gatewayCmd)
	gatewayCmd.Flags().StringVar(&gatewayAddrFlag, "addr", "", "Listen address (overrides config)")
	gatewayCmd.AddCommand(GetAuditCmd())
}

func GetGatewayCmd() *cobra.Command {
	return gatewayCmd
}

// ExecuteGateway is the patchgate-gateway entrypoint.
func ExecuteGateway() {
	if err := gatewayCmd.Execute(); err != nil {
		fail("gateway", err)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, log, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if gatewayAddrFlag != "" {
		cfg.Gateway.Addr = gatewayAddrFlag
	}

	j, err := jail.New(cfg.JailRoot)
	if err != nil {
		return err
	}
	index, err := store.Open(cfg.Gateway.IndexPath)
	if err != nil {
		return err
	}
	defer index.Close()

	chain, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}

	allow := allowlist.New(cfg.Gateway.AllowlistPath, allowlist.Options{
		BypassLoopback: cfg.Gateway.BypassLoopback,
		BypassPrivate:  cfg.Gateway.BypassPrivate,
	})
	if allow.CIDRCount() == 0 {
		log.Warn("gateway", "allowlist is empty; all traffic will be denied",
			"path", cfg.Gateway.AllowlistPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := gateway.New(cfg.Gateway, j, index, chain, allow, log)
	return srv.Run(ctx)
}
