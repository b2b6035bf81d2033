package validator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/patchgate/patchgate/internal/attestation"
	"github.com/patchgate/patchgate/internal/crypto"
	"github.com/patchgate/patchgate/internal/jail"
	"github.com/patchgate/patchgate/internal/proposal"
)

const testPatchID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

type env struct {
	cfg    Config
	pubKey string
	jail   *jail.Jail
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()

	jailRoot := filepath.Join(base, "jail")
	j, err := jail.New(jailRoot)
	if err != nil {
		t.Fatal(err)
	}

	priv := filepath.Join(base, "att.key")
	pub := filepath.Join(base, "att.pub")
	if err := crypto.GenerateKeys(priv, pub); err != nil {
		t.Fatal(err)
	}

	return &env{
		cfg: Config{
			JailRoot:       jailRoot,
			RepoRoot:       base,
			PrivateKeyPath: priv,
			AttestationDir: filepath.Join(base, "attestations"),
			SkipSAST:       true,
		},
		pubKey: pub,
		jail:   j,
	}
}

func (e *env) writePatch(t *testing.T, p *proposal.Proposal) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.jail.WritePatch(testPatchID+".json", raw); err != nil {
		t.Fatal(err)
	}
	return raw
}

func cleanProposal(path string) *proposal.Proposal {
	return &proposal.Proposal{
		SchemaVersion: "1.0",
		ChangeType:    proposal.ChangeCodeModification,
		RiskLevel:     proposal.RiskLow,
		Rationale:     "fix an off-by-one in the range check",
		TargetFiles: []proposal.TargetFile{{
			Path: path,
			Hunks: []proposal.Hunk{{
				StartLine: 5, EndLine: 6,
				OldLines: []string{"a", "b"},
				NewLines: []string{"a", "b fixed"},
			}},
		}},
	}
}

func TestValidatePatch_Approved(t *testing.T) {
	e := newEnv(t)
	e.writePatch(t, cleanProposal("tools/example.py"))

	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	att, err := v.ValidatePatch(context.Background(), testPatchID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Outcome != attestation.OutcomeApproved {
		t.Fatalf("outcome = %s, checks = %v", att.Outcome, att.Checks)
	}
	for key, want := range map[string]string{
		"structural": "PASS", "sast": "SKIP", "secrets": "SKIP", "deps": "PASS", "policy": "PASS",
	} {
		if att.Checks[key] != want {
			t.Errorf("checks[%s] = %s, want %s", key, att.Checks[key], want)
		}
	}

	// signed, persisted and verifiable
	loaded, err := attestation.Load(e.cfg.AttestationDir, testPatchID)
	if err != nil {
		t.Fatal(err)
	}
	if err := attestation.Verify(loaded, e.pubKey); err != nil {
		t.Fatalf("persisted attestation does not verify: %v", err)
	}

	// snapshot of validated bytes exists
	if _, err := os.Stat(filepath.Join(e.cfg.AttestationDir, testPatchID+".validated.json")); err != nil {
		t.Errorf("no validation snapshot: %v", err)
	}
}

func TestValidatePatch_DependencyGate(t *testing.T) {
	e := newEnv(t)
	p := cleanProposal("requirements.txt")
	e.writePatch(t, p)

	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	att, err := v.ValidatePatch(context.Background(), testPatchID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Outcome != attestation.OutcomeManualRequired {
		t.Fatalf("outcome = %s", att.Outcome)
	}
	if att.Checks["deps"] != attestation.CheckManualRequired {
		t.Errorf("checks[deps] = %s", att.Checks["deps"])
	}
}

func TestValidatePatch_HardBlockRejected(t *testing.T) {
	e := newEnv(t)
	e.writePatch(t, cleanProposal(".github/workflows/ci.yml"))

	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	att, err := v.ValidatePatch(context.Background(), testPatchID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Outcome != attestation.OutcomeRejected {
		t.Fatalf("outcome = %s", att.Outcome)
	}
	if att.Checks["structural"] != attestation.CheckFail {
		t.Errorf("checks[structural] = %s", att.Checks["structural"])
	}
}

func TestValidatePatch_ProtectedPathNeedsOverride(t *testing.T) {
	e := newEnv(t)
	e.writePatch(t, cleanProposal("security/auth_check.py"))

	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	att, err := v.ValidatePatch(context.Background(), testPatchID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Outcome != attestation.OutcomeManualRequired {
		t.Fatalf("outcome = %s, checks = %v", att.Outcome, att.Checks)
	}
}

func TestValidatePatch_InvalidJSON(t *testing.T) {
	e := newEnv(t)
	if _, err := e.jail.WritePatch(testPatchID+".json", []byte(`{"not": "a proposal`)); err != nil {
		t.Fatal(err)
	}

	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	att, err := v.ValidatePatch(context.Background(), testPatchID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Outcome != attestation.OutcomeRejected {
		t.Fatalf("outcome = %s", att.Outcome)
	}
	for key, want := range map[string]string{
		"structural": "FAIL", "sast": "SKIP", "secrets": "SKIP", "deps": "SKIP",
	} {
		if att.Checks[key] != want {
			t.Errorf("checks[%s] = %s, want %s", key, att.Checks[key], want)
		}
	}
}

func TestValidatePatch_StrictPolicyForcesReview(t *testing.T) {
	e := newEnv(t)
	e.cfg.PolicyPreset = "strict"
	p := cleanProposal("tools/example.py")
	p.RiskLevel = proposal.RiskMedium
	e.writePatch(t, p)

	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	att, err := v.ValidatePatch(context.Background(), testPatchID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Outcome != attestation.OutcomeManualRequired {
		t.Fatalf("outcome = %s", att.Outcome)
	}
	if att.Checks["policy"] != attestation.CheckManualRequired {
		t.Errorf("checks[policy] = %s", att.Checks["policy"])
	}
}

func TestValidatePatch_Missing(t *testing.T) {
	e := newEnv(t)
	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.ValidatePatch(context.Background(), "deadbeef-0000-0000-0000-000000000000")
	if !errors.Is(err, ErrPatchNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestWatch_ProcessesPendingPatches(t *testing.T) {
	e := newEnv(t)
	e.writePatch(t, cleanProposal("tools/example.py"))

	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = v.Watch(ctx, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("watch returned %v", err)
	}

	att, err := attestation.Load(e.cfg.AttestationDir, testPatchID)
	if err != nil {
		t.Fatalf("watch did not produce an attestation: %v", err)
	}
	if att.Outcome != attestation.OutcomeApproved {
		t.Errorf("outcome = %s", att.Outcome)
	}
}

func TestVerifyKeys(t *testing.T) {
	e := newEnv(t)
	v, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.VerifyKeys(); err != nil {
		t.Fatalf("verify keys: %v", err)
	}

	e.cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "missing.key")
	v2, err := New(e.cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := v2.VerifyKeys(); err == nil {
		t.Fatal("expected error for missing key")
	}
}
