package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchgate/patchgate/internal/attestation"
	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/validator"
	"github.com/patchgate/patchgate/internal/version"
)

var validatorCmd = &cobra.Command{
	Use:   "patchgate-validator",
	Short: "Validation and attestation authority for jailed patches",
	Long: `The validation principal of the patch admission pipeline.

Reads pending proposals from the jail, runs structural checks, static
analysis, secret scanning and the dependency gate, evaluates the
admission policy, and emits a signed attestation recording the verdict.
This is the only process that holds the attestation private key.

Exit codes:
  0  patch approved or flagged for manual review
  1  patch rejected
  2  patch not found in the jail
  3  unexpected failure`,
	Version:      version.BuildVersion(),
	SilenceUsage: true,
	RunE:         runValidator,
}

var (
	validatorPatchIDFlag    string
	validatorWatchFlag      bool
	validatorIntervalFlag   time.Duration
	validatorVerifyKeysFlag bool
	validatorSkipSASTFlag   bool
	validatorPresetFlag     string
	validatorPolicyFlag     string
)

func init() {
	addCommonFlags(validatorCmd)
	validatorCmd.Flags().StringVar(&validatorPatchIDFlag, "patch-id", "", "Validate a single pending patch")
	validatorCmd.Flags().BoolVar(&validatorWatchFlag, "watch", false, "Continuously validate pending patches")
	validatorCmd.Flags().DurationVar(&validatorIntervalFlag, "interval", 30*time.Second, "Jail poll interval in watch mode")
	validatorCmd.Flags().BoolVar(&validatorVerifyKeysFlag, "verify-keys", false, "Probe the signing keypair and exit")
	validatorCmd.Flags().BoolVar(&validatorSkipSASTFlag, "skip-sast", false, "Skip external analyzer execution (development only)")
	validatorCmd.Flags().StringVar(&validatorPresetFlag, "policy-preset", "", "Embedded policy preset (overrides config)")
	validatorCmd.Flags().StringVar(&validatorPolicyFlag, "policy-file", "", "Policy rules file (overrides preset)")
	validatorCmd.AddCommand(GetKeygenCmd())
}

func GetValidatorCmd() *cobra.Command {
	return validatorCmd
}

// ExecuteValidator is the patchgate-validator entrypoint.
func ExecuteValidator() {
	if err := validatorCmd.Execute(); err != nil {
		fail("validator", err)
	}
}

func runValidator(cmd *cobra.Command, args []string) error {
	cfg, log, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	preset := cfg.Validator.PolicyPreset
	if validatorPresetFlag != "" {
		preset = validatorPresetFlag
	}
	policyFile := cfg.Validator.PolicyFile
	if validatorPolicyFlag != "" {
		policyFile = validatorPolicyFlag
	}

	chain, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}

	v, err := validator.New(validator.Config{
		JailRoot:       cfg.JailRoot,
		RepoRoot:       cfg.RepoRoot,
		PrivateKeyPath: cfg.Validator.PrivateKeyPath,
		AttestationDir: cfg.AttestationDir,
		PolicyPreset:   preset,
		PolicyFile:     policyFile,
		SkipSAST:       validatorSkipSASTFlag,
		Audit:          chain,
		Log:            log,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	switch {
	case validatorVerifyKeysFlag:
		if err := v.VerifyKeys(); err != nil {
			fmt.Printf("%s✗ Signing keypair unusable: %v%s\n", colorRed, err, colorReset)
			os.Exit(exitDenied)
		}
		fmt.Printf("%s✓ Signing keypair OK%s\n", colorGreen, colorReset)
		return nil

	case validatorWatchFlag:
		watchCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log.Info("validator", "watching jail", "interval", validatorIntervalFlag.String())
		err := v.Watch(watchCtx, validatorIntervalFlag)
		if errors.Is(err, watchCtx.Err()) {
			return nil
		}
		return err

	case validatorPatchIDFlag != "":
		att, err := v.ValidatePatch(ctx, validatorPatchIDFlag)
		if err != nil {
			if errors.Is(err, validator.ErrPatchNotFound) {
				fmt.Printf("%s✗ Patch %s not found in the jail%s\n", colorRed, validatorPatchIDFlag, colorReset)
				os.Exit(exitNotFound)
			}
			return err
		}
		printVerdict(att)
		if att.Outcome == attestation.OutcomeRejected {
			os.Exit(exitDenied)
		}
		return nil

	default:
		return fmt.Errorf("one of --patch-id, --watch or --verify-keys is required")
	}
}

func printVerdict(att *attestation.Attestation) {
	switch att.Outcome {
	case attestation.OutcomeApproved:
		fmt.Printf("%s✓ APPROVED%s  %s\n", colorGreen, colorReset, att.PatchID)
	case attestation.OutcomeManualRequired:
		fmt.Printf("%s⚠ MANUAL REVIEW REQUIRED%s  %s\n", colorYellow, colorReset, att.PatchID)
	default:
		fmt.Printf("%s✗ REJECTED%s  %s\n", colorRed, colorReset, att.PatchID)
	}

	names := make([]string, 0, len(att.Checks))
	for name := range att.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-12s %s\n", name, att.Checks[name])
	}
	fmt.Printf("  patch sha256: %s\n", att.PatchHash)
}
