// End-to-end exercise of the full admission pipeline: a proposal enters
// through the gateway's HTTP surface, the validator judges it and signs
// an attestation, and the integrator applies it on a branch of a real
// git repository. External analyzers are skipped so the run is hermetic.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchgate/patchgate/internal/allowlist"
	"github.com/patchgate/patchgate/internal/attestation"
	"github.com/patchgate/patchgate/internal/audit"
	"github.com/patchgate/patchgate/internal/config"
	"github.com/patchgate/patchgate/internal/crypto"
	"github.com/patchgate/patchgate/internal/gateway"
	"github.com/patchgate/patchgate/internal/integrator"
	"github.com/patchgate/patchgate/internal/jail"
	"github.com/patchgate/patchgate/internal/observability/logging"
	"github.com/patchgate/patchgate/internal/proposal"
	"github.com/patchgate/patchgate/internal/store"
	"github.com/patchgate/patchgate/internal/validator"
)

type pipeline struct {
	dir     string
	jail    *jail.Jail
	chain   *audit.Chain
	server  *gateway.Server
	val     *validator.Validator
	integ   *integrator.Integrator
	repoDir string
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	jailRoot := filepath.Join(dir, "jail")
	attDir := filepath.Join(dir, "attestations")
	auditPath := filepath.Join(dir, "audit.log")
	privKey := filepath.Join(dir, "private.pem")
	pubKey := filepath.Join(dir, "public.pem")
	repoDir := filepath.Join(dir, "repo")

	require.NoError(t, crypto.GenerateKeys(privKey, pubKey))

	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "app", "fetch.py"),
		[]byte("import time\n\ndelay = 1\ntime.sleep(delay)\n"), 0o644))
	git(t, repoDir, "init", "-q")
	git(t, repoDir, "config", "user.email", "test@example.test")
	git(t, repoDir, "config", "user.name", "test")
	git(t, repoDir, "add", ".")
	git(t, repoDir, "commit", "-q", "-m", "initial")

	j, err := jail.New(jailRoot)
	require.NoError(t, err)
	index, err := store.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	chain, err := audit.Open(auditPath)
	require.NoError(t, err)

	allowPath := filepath.Join(dir, "allowlist.json")
	now := time.Now().UTC()
	raw, err := json.Marshal(allowlist.File{
		FetchedAt:      now.Format(time.RFC3339),
		FetchedAtEpoch: float64(now.Unix()),
		CIDRs:          []string{"192.0.2.0/24"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(allowPath, raw, 0o644))

	gwCfg := config.Default().Gateway
	gwCfg.AllowlistPath = allowPath
	srv := gateway.New(gwCfg, j, index, chain,
		allowlist.New(allowPath, allowlist.Options{}), logging.Noop())

	val, err := validator.New(validator.Config{
		JailRoot:       jailRoot,
		RepoRoot:       repoDir,
		PrivateKeyPath: privKey,
		AttestationDir: attDir,
		PolicyPreset:   "baseline",
		SkipSAST:       true,
		Audit:          chain,
	})
	require.NoError(t, err)

	integ := integrator.New(integrator.Config{
		RepoRoot:       repoDir,
		JailRoot:       jailRoot,
		AttestationDir: attDir,
		PublicKeyPath:  pubKey,
		Audit:          chain,
	})

	return &pipeline{
		dir: dir, jail: j, chain: chain,
		server: srv, val: val, integ: integ, repoDir: repoDir,
	}
}

func (p *pipeline) propose(t *testing.T, body map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/patch/propose", bytes.NewReader(raw))
	req.RemoteAddr = "192.0.2.44:9000"
	rec := httptest.NewRecorder()
	p.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		PatchID string `json:"patch_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.PatchID
}

func cleanProposal() map[string]any {
	return map[string]any{
		"schema_version": proposal.SchemaVersion,
		"change_type":    "code_modification",
		"risk_level":     "low",
		"rationale":      "make the retry delay proportional to the attempt",
		"target_files": []map[string]any{{
			"path": "app/fetch.py",
			"hunks": []map[string]any{{
				"start_line": 3,
				"end_line":   3,
				"old_lines":  []string{"delay = 1"},
				"new_lines":  []string{"delay = 2"},
			}},
		}},
	}
}

func TestPipelineApprovedPatchLandsOnBranch(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	patchID := p.propose(t, cleanProposal())

	att, err := p.val.ValidatePatch(ctx, patchID)
	require.NoError(t, err)
	require.Equal(t, attestation.OutcomeApproved, att.Outcome)

	applied, err := p.integ.Integrate(ctx, patchID, false, false)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := os.ReadFile(filepath.Join(p.repoDir, "app", "fetch.py"))
	require.NoError(t, err)
	assert.Equal(t, "import time\n\ndelay = 2\ntime.sleep(delay)\n", string(got))

	// every stage left its mark on the chain, and the chain still verifies
	ok, detail := p.chain.VerifyChain()
	assert.True(t, ok, detail)

	events := map[string]bool{}
	for _, e := range p.chain.Tail(50) {
		events[e.Event] = true
	}
	assert.True(t, events["PATCH_PROPOSED"])
	assert.True(t, events["PATCH_INTEGRATED"])
}

func TestPipelineManualPatchNeedsConfirmation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	body := cleanProposal()
	body["target_files"] = []map[string]any{{
		"path": "requirements.txt",
		"hunks": []map[string]any{{
			"start_line": 1,
			"end_line":   1,
			"old_lines":  []string{"requests==2.31.0"},
			"new_lines":  []string{"requests==2.32.0"},
		}},
	}}
	patchID := p.propose(t, body)

	att, err := p.val.ValidatePatch(ctx, patchID)
	require.NoError(t, err)
	require.Equal(t, attestation.OutcomeManualRequired, att.Outcome)

	_, err = p.integ.Integrate(ctx, patchID, false, false)
	assert.ErrorIs(t, err, integrator.ErrManualRequired)
}

func TestPipelineTamperedPatchIsRefused(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	patchID := p.propose(t, cleanProposal())

	att, err := p.val.ValidatePatch(ctx, patchID)
	require.NoError(t, err)
	require.Equal(t, attestation.OutcomeApproved, att.Outcome)

	// swap the jailed patch after attestation
	raw, err := p.jail.ReadPatch(patchID)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte("delay = 2"), []byte("import os; os.system('x')"), 1)
	patchPath := filepath.Join(p.dir, "jail", "patches", patchID+".json")
	require.NoError(t, os.WriteFile(patchPath, tampered, 0o644))

	_, err = p.integ.Integrate(ctx, patchID, false, false)
	assert.ErrorIs(t, err, integrator.ErrHashMismatch)

	// target untouched
	got, err := os.ReadFile(filepath.Join(p.repoDir, "app", "fetch.py"))
	require.NoError(t, err)
	assert.Equal(t, "import time\n\ndelay = 1\ntime.sleep(delay)\n", string(got))
}
