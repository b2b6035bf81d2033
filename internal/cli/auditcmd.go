package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the hash-chained audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the audit chain and report tampering",
	Long: `Replay every entry of the audit log, recomputing each entry hash and
its link to the previous entry. Any rewrite, deletion, or reordering
breaks the chain and is reported with the first bad sequence number.

Returns exit code 0 if the chain is intact, 1 if not.`,
	SilenceUsage: true,
	RunE:         runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:          "tail",
	Short:        "Print the most recent audit entries",
	SilenceUsage: true,
	RunE:         runAuditTail,
}

var auditTailCountFlag int

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailCountFlag, "count", "n", 20, "Number of entries to print")
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}

func GetAuditCmd() *cobra.Command {
	return auditCmd
}

func openChain() (*audit.Chain, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	return audit.Open(cfg.AuditLogPath)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	chain, err := openChain()
	if err != nil {
		return err
	}

	ok, detail := chain.VerifyChain()
	if ok {
		fmt.Printf("%s✓ Audit chain intact%s (%s)\n", colorGreen, colorReset, detail)
		return nil
	}

	fmt.Printf("%s✗ AUDIT CHAIN BROKEN%s\n", colorRed, colorReset)
	fmt.Printf("  %s\n", detail)
	os.Exit(exitDenied)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	chain, err := openChain()
	if err != nil {
		return err
	}

	for _, e := range chain.Tail(auditTailCountFlag) {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
	return nil
}
