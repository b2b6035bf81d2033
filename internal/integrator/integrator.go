// Package integrator is the only component that writes to the target
// repository. It acts solely on a signed attestation, re-verifying
// everything it can at the moment of application: the signature, the
// verdict, and the hash of the live patch file.
package integrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wI2L/jsondiff"

	"github.com/patchgate/patchgate/internal/attestation"
	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/checker"
	"github.com/patchgate/patchgate/internal/jail"
	"github.com/patchgate/patchgate/internal/observability/logging"
	"github.com/patchgate/patchgate/internal/proposal"
)

// BranchPrefix names the integration branch; the first 8 characters of
// the patch id are appended.
const BranchPrefix = "patchgate/patch-"

// Gate failures, in the order the gates run.
var (
	ErrAttestationMissing = errors.New("no attestation found; the patch has not been validated")
	ErrAttestationInvalid = errors.New("attestation signature invalid; possible tampering")
	ErrRejected           = errors.New("patch was rejected by the validator and cannot be integrated")
	ErrManualRequired     = errors.New("patch requires explicit human confirmation")
	ErrPatchMissing       = errors.New("patch file not found in jail; it may have been archived")
	ErrHashMismatch       = errors.New("patch was modified after validation")
	ErrApplyFailed        = errors.New("patch could not be applied cleanly")
)

// Config for an Integrator.
type Config struct {
	RepoRoot       string
	JailRoot       string
	AttestationDir string
	PublicKeyPath  string
	Audit          *audit.Chain
	Log            logging.Logger
}

type Integrator struct {
	cfg Config
	git *gitRunner
}

func New(cfg Config) *Integrator {
	if cfg.Log == nil {
		cfg.Log = logging.Noop()
	}
	return &Integrator{cfg: cfg, git: &gitRunner{dir: cfg.RepoRoot}}
}

// Integrate runs every gate for patchID and, unless dryRun, applies the
// patch on a fresh integration branch. It returns true when the patch was
// applied, or would have been under dryRun.
func (it *Integrator) Integrate(ctx context.Context, patchID string, dryRun, humanConfirmed bool) (bool, error) {
	log := it.cfg.Log
	log.Info("integrator", "integrating patch",
		"patch_id", patchID, "dry_run", dryRun, "human_confirmed", humanConfirmed)

	att, err := attestation.Load(it.cfg.AttestationDir, patchID)
	if err != nil {
		it.deny(patchID, "attestation_missing")
		return false, fmt.Errorf("%w: %v", ErrAttestationMissing, err)
	}

	if err := attestation.Verify(att, it.cfg.PublicKeyPath); err != nil {
		log.Error("integrator", "attestation failed verification, possible tampering",
			"patch_id", patchID, "reason", err.Error())
		it.deny(patchID, "attestation_invalid: "+err.Error())
		return false, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}
	log.Info("integrator", "attestation verified",
		"outcome", att.Outcome, "policy", att.Policy)

	if att.Outcome == attestation.OutcomeRejected {
		it.deny(patchID, "outcome_rejected")
		return false, ErrRejected
	}
	if att.Outcome == attestation.OutcomeManualRequired && !humanConfirmed {
		log.Warn("integrator", "manual confirmation required",
			"patch_id", patchID, "checks", att.Checks, "attested_at", att.Timestamp)
		it.deny(patchID, "manual_confirmation_required")
		return false, fmt.Errorf("%w: review the patch and attestation, then re-run with --confirm", ErrManualRequired)
	}

	j, err := jail.New(it.cfg.JailRoot)
	if err != nil {
		return false, fmt.Errorf("opening jail: %w", err)
	}
	raw, err := j.ReadPatch(patchID)
	if err != nil {
		it.deny(patchID, "patch_missing")
		return false, fmt.Errorf("%w: %v", ErrPatchMissing, err)
	}

	currentHash := checker.PatchHash(raw)
	if currentHash != att.PatchHash {
		detail := fmt.Sprintf("hash_mismatch attested=%s current=%s", att.PatchHash, currentHash)
		if diff := it.snapshotDiff(patchID, raw); diff != "" {
			detail += " diff=" + diff
		}
		log.Error("integrator", "patch modified after validation, aborting",
			"patch_id", patchID, "attested_hash", att.PatchHash, "current_hash", currentHash)
		it.deny(patchID, detail)
		return false, ErrHashMismatch
	}
	log.Info("integrator", "patch hash verified", "hash", currentHash[:16])

	var p proposal.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		it.deny(patchID, "unparseable_patch")
		return false, fmt.Errorf("parsing patch: %w", err)
	}

	if dryRun {
		log.Info("integrator", "dry run, patch verified but not applied")
		for _, f := range p.TargetFiles {
			log.Info("integrator", "would modify file", "path", f.Path, "hunks", len(f.Hunks))
		}
		return true, nil
	}

	if err := it.apply(ctx, patchID, att, &p); err != nil {
		it.deny(patchID, "apply_failed: "+err.Error())
		return false, err
	}

	if it.cfg.Audit != nil {
		it.cfg.Audit.Append("PATCH_INTEGRATED", "", currentHash, "",
			audit.OutcomeAllowed, "patch_id="+patchID)
	}
	return true, nil
}

// apply creates the integration branch and splices every hunk, all files
// or none. Any failure rolls the branch back.
func (it *Integrator) apply(ctx context.Context, patchID string, att *attestation.Attestation, p *proposal.Proposal) error {
	branch := BranchPrefix + shortID(patchID)
	log := it.cfg.Log
	log.Info("integrator", "creating integration branch", "branch", branch)

	previous, err := it.git.currentBranch(ctx)
	if err != nil {
		return fmt.Errorf("resolving current branch: %w", err)
	}
	if _, err := it.git.run(ctx, "checkout", "-b", branch); err != nil {
		// branch may exist from an earlier attempt
		if _, err := it.git.run(ctx, "checkout", branch); err != nil {
			return fmt.Errorf("creating branch %s: %w", branch, err)
		}
	}

	repoRoot, err := filepath.Abs(it.cfg.RepoRoot)
	if err != nil {
		return err
	}

	var applied []string
	var applyErrs []string
	for _, file := range p.TargetFiles {
		target := filepath.Join(repoRoot, filepath.FromSlash(file.Path))
		if !strings.HasPrefix(filepath.Clean(target)+string(filepath.Separator), repoRoot+string(filepath.Separator)) {
			applyErrs = append(applyErrs, fmt.Sprintf("path escapes repository: %q", file.Path))
			continue
		}
		if _, err := os.Stat(target); err != nil {
			applyErrs = append(applyErrs, fmt.Sprintf("file not found in repository: %q", file.Path))
			continue
		}

		content, err := os.ReadFile(target)
		if err != nil {
			applyErrs = append(applyErrs, fmt.Sprintf("reading %q: %v", file.Path, err))
			continue
		}
		modified, err := ApplyHunks(splitLines(string(content)), file.Hunks)
		if err != nil {
			applyErrs = append(applyErrs, fmt.Sprintf("applying %q: %v", file.Path, err))
			continue
		}
		if err := os.WriteFile(target, []byte(strings.Join(modified, "\n")+"\n"), 0o644); err != nil {
			applyErrs = append(applyErrs, fmt.Sprintf("writing %q: %v", file.Path, err))
			continue
		}
		applied = append(applied, file.Path)
		log.Info("integrator", "applied file", "path", file.Path)
	}

	if len(applyErrs) > 0 {
		log.Error("integrator", "patch application failed, rolling back",
			"errors", applyErrs, "branch", branch)
		it.git.run(ctx, "checkout", "--", ".")
		it.git.run(ctx, "checkout", previous)
		it.git.run(ctx, "branch", "-D", branch)
		return fmt.Errorf("%w: %s", ErrApplyFailed, strings.Join(applyErrs, "; "))
	}

	addArgs := append([]string{"add"}, applied...)
	if _, err := it.git.run(ctx, addArgs...); err != nil {
		return fmt.Errorf("staging files: %w", err)
	}
	if _, err := it.git.run(ctx, "commit", "-m", commitMessage(patchID, att, p, applied)); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	log.Info("integrator", "patch integrated",
		"branch", branch, "files", applied)
	return nil
}

func commitMessage(patchID string, att *attestation.Attestation, p *proposal.Proposal, applied []string) string {
	checksJSON, _ := json.Marshal(att.Checks)
	rationale := p.Rationale
	if len(rationale) > 200 {
		rationale = rationale[:200]
	}
	return fmt.Sprintf(
		"apply patch %s\n\nAttestation: %s\nPolicy: %s\nTimestamp: %s\nChecks: %s\n\nApplied files: %s\nRationale: %s",
		shortID(patchID), patchID, att.Policy, att.Timestamp, checksJSON,
		strings.Join(applied, ", "), rationale)
}

// ApplyHunks splices hunks into lines. Hunks are applied in descending
// start_line order so earlier splices cannot shift later offsets.
// start_line is 1-based; the replaced range is [start_line, end_line].
func ApplyHunks(lines []string, hunks []proposal.Hunk) ([]string, error) {
	ordered := make([]proposal.Hunk, len(hunks))
	copy(ordered, hunks)
	sort.Slice(ordered, func(i, k int) bool {
		return ordered[i].StartLine > ordered[k].StartLine
	})

	result := lines
	for _, h := range ordered {
		start := h.StartLine - 1
		if start < 0 || start > len(result) {
			return nil, fmt.Errorf("hunk start_line %d outside file of %d lines", h.StartLine, len(result))
		}
		end := h.EndLine
		if end > len(result) {
			end = len(result)
		}
		if end < start {
			end = start
		}
		spliced := make([]string, 0, len(result)-(end-start)+len(h.NewLines))
		spliced = append(spliced, result[:start]...)
		spliced = append(spliced, h.NewLines...)
		spliced = append(spliced, result[end:]...)
		result = spliced
	}
	return result, nil
}

// snapshotDiff produces a JSON Patch between the document the validator
// saw and the live one, when a snapshot exists and both sides parse.
// Diagnostic only; the hash comparison is the gate.
func (it *Integrator) snapshotDiff(patchID string, live []byte) string {
	snapshot, err := os.ReadFile(filepath.Join(it.cfg.AttestationDir, patchID+".validated.json"))
	if err != nil {
		return ""
	}
	patch, err := jsondiff.CompareJSON(snapshot, live)
	if err != nil || patch == nil {
		return ""
	}
	b, err := json.Marshal(patch)
	if err != nil {
		return ""
	}
	return string(b)
}

func (it *Integrator) deny(patchID, detail string) {
	if it.cfg.Audit == nil {
		return
	}
	it.cfg.Audit.Append("PATCH_INTEGRATION_DENIED", "", "", "",
		audit.OutcomeDenied, "patch_id="+patchID+" "+detail)
}

func shortID(patchID string) string {
	if len(patchID) > 8 {
		return patchID[:8]
	}
	return patchID
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
