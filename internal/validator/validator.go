// Package validator runs the second-phase checks over jailed patches and
// issues signed attestations. It is a separate trust principal from the
// gateway: it reads the jail but cannot be reached from the intake
// surface, and it alone holds the attestation private key.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patchgate/patchgate/internal/attestation"
	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/checker"
	"github.com/patchgate/patchgate/internal/jail"
	"github.com/patchgate/patchgate/internal/observability/logging"
	"github.com/patchgate/patchgate/internal/observability/otel"
	"github.com/patchgate/patchgate/internal/policy"
	"github.com/patchgate/patchgate/internal/proposal"
	"github.com/patchgate/patchgate/internal/sast"
)

// ErrPatchNotFound reports a patch id with no pending file in the jail.
var ErrPatchNotFound = errors.New("patch not found in jail")

// Config for a Validator.
type Config struct {
	JailRoot       string
	RepoRoot       string
	PrivateKeyPath string
	AttestationDir string

	// PolicyPreset names an embedded rule set; PolicyFile overrides it
	// with an operator-supplied file. Empty preset defaults to baseline.
	PolicyPreset string
	PolicyFile   string

	SkipSAST bool

	Audit *audit.Chain
	Log   logging.Logger
}

type Validator struct {
	cfg       Config
	engine    *policy.Engine
	policyCfg *policy.Config
}

func New(cfg Config) (*Validator, error) {
	if cfg.Log == nil {
		cfg.Log = logging.Noop()
	}

	engine, err := policy.NewEngine()
	if err != nil {
		return nil, err
	}

	var policyCfg *policy.Config
	if cfg.PolicyFile != "" {
		policyCfg, err = policy.LoadConfig(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
	} else {
		preset := cfg.PolicyPreset
		if preset == "" {
			preset = "baseline"
		}
		policyCfg = policy.GetPreset(preset)
		if policyCfg == nil {
			return nil, fmt.Errorf("unknown policy preset %q", preset)
		}
	}
	if err := engine.CompileAndValidate(policyCfg); err != nil {
		return nil, err
	}

	return &Validator{cfg: cfg, engine: engine, policyCfg: policyCfg}, nil
}

// ValidatePatch runs every phase for one patch and persists the signed
// attestation. The returned attestation carries the verdict; an error
// means the pipeline itself failed, not that the patch was bad.
func (v *Validator) ValidatePatch(ctx context.Context, patchID string) (*attestation.Attestation, error) {
	ctx, span := otel.StartSpan(ctx, "validator.validate_patch")
	defer span.End()

	log := v.cfg.Log

	j, err := jail.New(v.cfg.JailRoot)
	if err != nil {
		return nil, fmt.Errorf("opening jail: %w", err)
	}
	raw, err := j.ReadPatch(patchID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPatchNotFound, patchID)
	}

	// hash the exact bytes before any parsing; this is the value the
	// integrator re-checks
	patchHash := checker.PatchHash(raw)
	log.Info("validator", "validation started",
		"patch_id", patchID, "hash", patchHash[:16])

	var p proposal.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("validator", "patch is not valid json", "patch_id", patchID, "error", err.Error())
		return v.reject(ctx, patchID, patchHash, raw, "invalid json: "+err.Error(), map[string]string{})
	}

	checks := map[string]string{}

	log.Info("validator", "phase 1: structural checks")
	structural := checker.CheckStructure(&p)
	checks["structural"] = attestation.CheckPass
	if !structural.Passed {
		checks["structural"] = attestation.CheckFail
	}

	if structural.HardBlocked {
		log.Error("validator", "hard block: patch touches absolutely protected paths",
			"errors", structural.Errors)
		return v.reject(ctx, patchID, patchHash, raw, fmt.Sprintf("hard block: %v", structural.Errors), checks)
	}
	if !structural.Passed {
		log.Warn("validator", "structural checks failed", "errors", structural.Errors)
		return v.reject(ctx, patchID, patchHash, raw, fmt.Sprintf("structural errors: %v", structural.Errors), checks)
	}
	for _, w := range structural.Warnings {
		log.Warn("validator", "structural warning", "warning", w)
	}

	log.Info("validator", "phase 2: static analysis and secret scanning")
	checks["sast"] = attestation.CheckSkip
	checks["secrets"] = attestation.CheckSkip
	if !v.cfg.SkipSAST {
		sastResult := sast.Run(ctx, &p, v.cfg.RepoRoot)
		checks["sast"] = sastResult.Overall
		checks["secrets"] = attestation.CheckPass
		for _, r := range sastResult.Results {
			if r.Tool == "gitleaks" {
				checks["secrets"] = r.Status
			}
		}
		for _, w := range sastResult.Warnings {
			log.Warn("validator", "sast warning", "warning", w)
		}
		if !sastResult.Passed() {
			log.Error("validator", "static analysis found problems", "overall", sastResult.Overall)
			return v.reject(ctx, patchID, patchHash, raw, "sast findings", checks)
		}
	}

	log.Info("validator", "phase 3: dependency gate")
	if structural.DependencyGateTriggered {
		checks["deps"] = attestation.CheckManualRequired
		log.Warn("validator", "dependency manifests touched, human review required")
		return v.finish(ctx, patchID, patchHash, raw, checks, attestation.OutcomeManualRequired)
	}
	checks["deps"] = attestation.CheckPass

	// protected paths are re-derived here rather than read from _meta;
	// intake metadata is advisory inside this trust boundary
	if protected := p.ProtectedPaths(); len(protected) > 0 {
		log.Warn("validator", "protected paths require manual override", "paths", protected)
		return v.finish(ctx, patchID, patchHash, raw, checks, attestation.OutcomeManualRequired)
	}

	ruleResults, err := v.engine.Evaluate(v.policyCfg, &p, structural)
	if err != nil {
		return nil, fmt.Errorf("evaluating policy: %w", err)
	}
	checks["policy"] = attestation.CheckPass
	if !policy.AllPassed(ruleResults) {
		checks["policy"] = attestation.CheckManualRequired
		for _, r := range ruleResults {
			if !r.Passed {
				log.Warn("validator", "policy rule failed",
					"rule", r.RuleName, "message", r.FailureMsg)
			}
		}
		return v.finish(ctx, patchID, patchHash, raw, checks, attestation.OutcomeManualRequired)
	}

	log.Info("validator", "patch approved by automatic validation", "patch_id", patchID)
	return v.finish(ctx, patchID, patchHash, raw, checks, attestation.OutcomeApproved)
}

func (v *Validator) reject(ctx context.Context, patchID, patchHash string, raw []byte, reason string, checks map[string]string) (*attestation.Attestation, error) {
	if _, ok := checks["structural"]; !ok {
		checks["structural"] = attestation.CheckFail
	}
	for _, key := range []string{"sast", "secrets", "deps"} {
		if _, ok := checks[key]; !ok {
			checks[key] = attestation.CheckSkip
		}
	}
	att, err := v.finish(ctx, patchID, patchHash, raw, checks, attestation.OutcomeRejected)
	if err != nil {
		return nil, err
	}
	if len(reason) > 200 {
		reason = reason[:200]
	}
	v.cfg.Log.Info("validator", "patch rejected", "patch_id", patchID, "reason", reason)
	return att, nil
}

// finish signs and persists the attestation, alongside a snapshot of the
// exact bytes that were validated for later mismatch diagnostics.
func (v *Validator) finish(ctx context.Context, patchID, patchHash string, raw []byte, checks map[string]string, outcome string) (*attestation.Attestation, error) {
	att, err := attestation.Sign(patchID, patchHash, checks, outcome, v.cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	path, err := attestation.Save(att, v.cfg.AttestationDir)
	if err != nil {
		return nil, err
	}
	snapshot := filepath.Join(v.cfg.AttestationDir, patchID+".validated.json")
	if err := os.WriteFile(snapshot, raw, 0o644); err != nil {
		v.cfg.Log.Warn("validator", "could not write validation snapshot", "error", err.Error())
	}
	v.cfg.Log.Info("validator", "attestation saved", "path", path, "outcome", outcome)

	if v.cfg.Audit != nil {
		auditOutcome := audit.OutcomeAllowed
		switch outcome {
		case attestation.OutcomeRejected:
			auditOutcome = audit.OutcomeDenied
		case attestation.OutcomeManualRequired:
			auditOutcome = audit.OutcomePending
		}
		v.cfg.Audit.Append("PATCH_VALIDATED", "", patchHash, "",
			auditOutcome, "patch_id="+patchID+" outcome="+outcome)
	}
	return att, nil
}

// Watch polls the jail and validates every pending patch that has no
// attestation yet. It returns when ctx is cancelled.
func (v *Validator) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := v.cfg.Log
	log.Info("validator", "watch mode started", "interval", interval.String())

	processed := map[string]bool{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v.sweep(ctx, processed)
		select {
		case <-ctx.Done():
			log.Info("validator", "watch mode stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *Validator) sweep(ctx context.Context, processed map[string]bool) {
	j, err := jail.New(v.cfg.JailRoot)
	if err != nil {
		v.cfg.Log.Error("validator", "cannot open jail", "error", err.Error())
		return
	}
	ids, err := j.ListPatches()
	if err != nil {
		v.cfg.Log.Error("validator", "cannot list patches", "error", err.Error())
		return
	}
	for _, id := range ids {
		if processed[id] {
			continue
		}
		if _, err := os.Stat(attestation.Path(v.cfg.AttestationDir, id)); err == nil {
			processed[id] = true
			continue
		}
		v.cfg.Log.Info("validator", "processing new patch", "patch_id", id)
		if _, err := v.ValidatePatch(ctx, id); err != nil {
			v.cfg.Log.Error("validator", "validation error", "patch_id", id, "error", err.Error())
		}
		// one attempt per patch; failures need operator attention
		processed[id] = true
	}
}

// VerifyKeys checks that the signing key exists and can actually sign.
func (v *Validator) VerifyKeys() error {
	if _, err := os.Stat(v.cfg.PrivateKeyPath); err != nil {
		return fmt.Errorf("private key not found at %s; run keygen first", v.cfg.PrivateKeyPath)
	}
	if _, err := attestation.Sign("00000000-0000-0000-0000-000000000000",
		checker.PatchHash([]byte("probe")), map[string]string{"structural": "SKIP"},
		attestation.OutcomeRejected, v.cfg.PrivateKeyPath); err != nil {
		return fmt.Errorf("private key unusable: %w", err)
	}
	return nil
}
