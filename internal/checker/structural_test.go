package checker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/patchgate/patchgate/internal/proposal"
)

func simpleProposal(path string) *proposal.Proposal {
	return &proposal.Proposal{
		SchemaVersion: "1.0",
		ChangeType:    proposal.ChangeCodeModification,
		RiskLevel:     proposal.RiskLow,
		Rationale:     "fix a boundary condition in the parser",
		TargetFiles: []proposal.TargetFile{{
			Path: path,
			Hunks: []proposal.Hunk{{
				StartLine: 10,
				EndLine:   11,
				OldLines:  []string{"a", "b"},
				NewLines:  []string{"a", "b2"},
			}},
		}},
	}
}

func TestCheckStructure_CleanPatch(t *testing.T) {
	res := CheckStructure(simpleProposal("tools/example.py"))
	if !res.Passed {
		t.Fatalf("expected pass, got errors: %v", res.Errors)
	}
	if res.HardBlocked || res.DependencyGateTriggered {
		t.Fatalf("unexpected flags: %+v", res)
	}
	if res.TotalLinesChanged != 2 {
		t.Errorf("total lines = %d, want 2", res.TotalLinesChanged)
	}
	if len(res.AffectedFiles) != 1 || res.AffectedFiles[0] != "tools/example.py" {
		t.Errorf("affected files = %v", res.AffectedFiles)
	}
}

func TestCheckStructure_HardBlocks(t *testing.T) {
	for _, path := range []string{
		".github/workflows/ci.yml",
		"sub/.github/workflows/deploy.yaml",
		".env",
		"config/.env",
		"certs/server.pem",
		"secrets/id_rsa.key",
		"trust/root.crt",
	} {
		res := CheckStructure(simpleProposal(path))
		if !res.HardBlocked {
			t.Errorf("%s: expected hard block", path)
		}
		if res.Passed {
			t.Errorf("%s: hard-blocked patch must not pass", path)
		}
	}
}

func TestCheckStructure_DependencyGate(t *testing.T) {
	for _, path := range []string{
		"requirements.txt",
		"requirements-dev.txt",
		"package-lock.json",
		"go.sum",
		"Cargo.lock",
		"pyproject.toml",
		"setup.py",
	} {
		res := CheckStructure(simpleProposal(path))
		if !res.DependencyGateTriggered {
			t.Errorf("%s: expected dependency gate", path)
			continue
		}
		if !res.Passed {
			t.Errorf("%s: dependency gate is a warning, not a failure: %v", path, res.Errors)
		}
	}
}

func TestCheckStructure_AccumulatesErrors(t *testing.T) {
	p := simpleProposal("tools/a.py")
	p.TargetFiles[0].Hunks = []proposal.Hunk{
		{StartLine: 0, EndLine: 5},
		{StartLine: 10, EndLine: 4},
	}
	p.TargetFiles = append(p.TargetFiles, proposal.TargetFile{Path: "tools/b.py"})
	res := CheckStructure(p)
	if res.Passed {
		t.Fatal("expected failure")
	}
	if len(res.Errors) < 3 {
		t.Errorf("expected at least 3 accumulated errors, got %v", res.Errors)
	}
}

func TestCheckStructure_RangeMismatchIsWarning(t *testing.T) {
	p := simpleProposal("tools/a.py")
	p.TargetFiles[0].Hunks[0].OldLines = []string{"only one"}
	res := CheckStructure(p)
	if !res.Passed {
		t.Fatalf("range mismatch should not fail: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a range mismatch warning")
	}
}

func TestCheckStructure_TotalSizeLimit(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "x"
	}
	p := simpleProposal("tools/a.py")
	p.TargetFiles = nil
	for _, name := range []string{"tools/a.py", "tools/b.py", "tools/c.py", "tools/d.py", "tools/e.py"} {
		var hunks []proposal.Hunk
		for j := 0; j < 2; j++ {
			hunks = append(hunks, proposal.Hunk{
				StartLine: 1 + j*200, EndLine: j*200 + 100, NewLines: lines,
			})
		}
		p.TargetFiles = append(p.TargetFiles, proposal.TargetFile{Path: name, Hunks: hunks})
	}
	res := CheckStructure(p)
	if res.TotalLinesChanged != 1000 {
		t.Fatalf("total lines = %d, want 1000", res.TotalLinesChanged)
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "patch too large") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected size error, got %v", res.Errors)
	}
}

func TestCheckStructure_EmptyProposal(t *testing.T) {
	res := CheckStructure(&proposal.Proposal{})
	if res.Passed {
		t.Fatal("empty proposal must fail")
	}
}

func TestPatchHash(t *testing.T) {
	b := []byte(`{"patch_version":"1.0"}`)
	want := sha256.Sum256(b)
	if got := PatchHash(b); got != hex.EncodeToString(want[:]) {
		t.Errorf("hash mismatch: %s", got)
	}
	if PatchHash(b) != PatchHash(b) {
		t.Error("hash not deterministic")
	}
}
