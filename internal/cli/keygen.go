package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/patchgate/patchgate/internal/config"
	"github.com/patchgate/patchgate/internal/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the Ed25519 attestation keypair",
	Long: `Generate a new Ed25519 keypair for signing attestations.

The private key belongs to the validator host and nothing else. Deploy
only the public key next to the integrator; an integrator host that can
read the private key can forge approvals.`,
	SilenceUsage: true,
	RunE:         runKeygen,
}

var (
	keygenPrivateFlag string
	keygenPublicFlag  string
	keygenForceFlag   bool
)

func init() {
	keygenCmd.Flags().StringVar(&keygenPrivateFlag, "private", "", "Path for the private key (default from config)")
	keygenCmd.Flags().StringVar(&keygenPublicFlag, "public", "", "Path for the public key (default from config)")
	keygenCmd.Flags().BoolVar(&keygenForceFlag, "force", false, "Overwrite existing keys")
}

func GetKeygenCmd() *cobra.Command {
	return keygenCmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	private := keygenPrivateFlag
	if private == "" {
		private = cfg.Validator.PrivateKeyPath
	}
	public := keygenPublicFlag
	if public == "" {
		public = cfg.Integrator.PublicKeyPath
	}

	if !keygenForceFlag {
		if _, err := os.Stat(private); err == nil {
			return fmt.Errorf("private key already exists at %s (use --force to overwrite)", private)
		}
		if _, err := os.Stat(public); err == nil {
			return fmt.Errorf("public key already exists at %s (use --force to overwrite)", public)
		}
	}

	for _, p := range []string{private, public} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create key directory: %w", err)
			}
		}
	}

	if err := crypto.GenerateKeys(private, public); err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}

	fmt.Printf("%s✓ Private key saved: %s%s\n", colorGreen, private, colorReset)
	fmt.Printf("%s✓ Public key saved:  %s%s\n", colorGreen, public, colorReset)
	fmt.Printf("\n%s⚠ The private key stays on the validator host only.%s\n", colorRed, colorReset)

	return nil
}
