package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/integrator"
	"github.com/patchgate/patchgate/internal/version"
)

var integratorCmd = &cobra.Command{
	Use:   "patchgate-integrator",
	Short: "Attestation-gated patch integrator",
	Long: `The integration principal of the patch admission pipeline.

Verifies the validator's signed attestation, re-hashes the jailed patch
against the attested hash, and applies approved hunks on a dedicated
integration branch. Every apply is all-or-nothing: any failure rolls
the working tree and branch back.

This process holds only the attestation public key.

Exit codes:
  0  patch applied (or would apply under --dry-run)
  1  integration denied (rejected, unverifiable, tampered, or failed)
  2  patch or attestation not found
  3  unexpected failure`,
	Version:      version.BuildVersion(),
	SilenceUsage: true,
	RunE:         runIntegrator,
}

var (
	integratorPatchIDFlag string
	integratorConfirmFlag bool
	integratorDryRunFlag  bool
)

func init() {
	addCommonFlags(integratorCmd)
	integratorCmd.Flags().StringVar(&integratorPatchIDFlag, "patch-id", "", "Patch to integrate (required)")
	integratorCmd.Flags().BoolVar(&integratorConfirmFlag, "confirm", false, "Human confirmation for manual-required patches")
	integratorCmd.Flags().BoolVar(&integratorDryRunFlag, "dry-run", false, "Run every gate but do not touch the repository")

	if err := integratorCmd.MarkFlagRequired("patch-id"); err != nil {
		_ = err
	}
}

func GetIntegratorCmd() *cobra.Command {
	return integratorCmd
}

// ExecuteIntegrator is the patchgate-integrator entrypoint.
func ExecuteIntegrator() {
	if err := integratorCmd.Execute(); err != nil {
		fail("integrator", err)
	}
}

func runIntegrator(cmd *cobra.Command, args []string) error {
	cfg, log, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	chain, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}

	it := integrator.New(integrator.Config{
		RepoRoot:       cfg.RepoRoot,
		JailRoot:       cfg.JailRoot,
		AttestationDir: cfg.AttestationDir,
		PublicKeyPath:  cfg.Integrator.PublicKeyPath,
		Audit:          chain,
		Log:            log,
	})

	applied, err := it.Integrate(cmd.Context(), integratorPatchIDFlag, integratorDryRunFlag, integratorConfirmFlag)
	if err != nil {
		switch {
		case errors.Is(err, integrator.ErrAttestationMissing),
			errors.Is(err, integrator.ErrPatchMissing):
			fmt.Printf("%s✗ %v%s\n", colorRed, err, colorReset)
			os.Exit(exitNotFound)
		case errors.Is(err, integrator.ErrRejected):
			fmt.Printf("%s✗ Patch %s was rejected by the validator; integration is not possible%s\n",
				colorRed, integratorPatchIDFlag, colorReset)
			os.Exit(exitDenied)
		case errors.Is(err, integrator.ErrManualRequired):
			fmt.Printf("%s⚠ Patch %s requires human confirmation; re-run with --confirm%s\n",
				colorYellow, integratorPatchIDFlag, colorReset)
			os.Exit(exitDenied)
		case errors.Is(err, integrator.ErrAttestationInvalid),
			errors.Is(err, integrator.ErrHashMismatch),
			errors.Is(err, integrator.ErrApplyFailed):
			fmt.Printf("%s✗ %v%s\n", colorRed, err, colorReset)
			os.Exit(exitDenied)
		}
		return err
	}

	if integratorDryRunFlag {
		fmt.Printf("%s✓ Dry run: patch %s passes every gate and would apply cleanly%s\n",
			colorGreen, integratorPatchIDFlag, colorReset)
		return nil
	}
	if applied {
		fmt.Printf("%s✓ Patch %s applied on branch %s%s\n",
			colorGreen, integratorPatchIDFlag,
			integrator.BranchPrefix+shortID(integratorPatchIDFlag), colorReset)
	}
	return nil
}

func shortID(patchID string) string {
	if len(patchID) > 8 {
		return patchID[:8]
	}
	return patchID
}
