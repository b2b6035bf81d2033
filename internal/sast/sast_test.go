package sast

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/patchgate/patchgate/internal/proposal"
)

func sampleProposal() *proposal.Proposal {
	return &proposal.Proposal{
		SchemaVersion: "1.0",
		ChangeType:    proposal.ChangeCodeModification,
		RiskLevel:     proposal.RiskLow,
		Rationale:     "tighten input validation",
		TargetFiles: []proposal.TargetFile{{
			Path: "tools/example.py",
			Hunks: []proposal.Hunk{{
				StartLine: 3,
				EndLine:   4,
				OldLines:  []string{"x = 1", "y = 2"},
				NewLines:  []string{"x = 1", "y = 3"},
			}},
		}},
	}
}

func TestUnifiedDiff(t *testing.T) {
	diff := UnifiedDiff(sampleProposal())
	for _, want := range []string{
		"--- a/tools/example.py",
		"+++ b/tools/example.py",
		"@@ -3,2 +3,2 @@",
		"-y = 2",
		"+y = 3",
	} {
		if !strings.Contains(diff, want) {
			t.Errorf("diff missing %q:\n%s", want, diff)
		}
	}
}

func TestMaterializeNewContent(t *testing.T) {
	dir := t.TempDir()
	p := sampleProposal()
	p.TargetFiles = append(p.TargetFiles, proposal.TargetFile{
		Path: "web/app.ts",
		Hunks: []proposal.Hunk{{
			StartLine: 1, EndLine: 1, NewLines: []string{"const a = 1;"},
		}},
	})

	py := materializeNewContent(p, dir, ".py")
	if len(py) != 1 {
		t.Fatalf("python files = %v", py)
	}
	b, err := os.ReadFile(py[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "x = 1\ny = 3" {
		t.Errorf("materialized content = %q", b)
	}

	ts := materializeNewContent(p, dir, ".ts", ".tsx", ".js", ".jsx")
	if len(ts) != 1 {
		t.Fatalf("script files = %v", ts)
	}
	// flattened name keeps content inside the workspace
	if filepath.Dir(ts[0]) != dir {
		t.Errorf("file escaped workspace: %s", ts[0])
	}
	if filepath.Base(ts[0]) != "new_web_app.ts" {
		t.Errorf("unexpected name %s", filepath.Base(ts[0]))
	}
}

func TestMaterializeNewContent_TraversalFlattened(t *testing.T) {
	dir := t.TempDir()
	p := sampleProposal()
	p.TargetFiles[0].Path = "../../etc/evil.py"
	files := materializeNewContent(p, dir, ".py")
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Dir(files[0]) != dir {
		t.Fatalf("traversal escaped workspace: %s", files[0])
	}
}

func TestOverall(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"all skip", []string{StatusSkip, StatusSkip, StatusSkip}, StatusSkip},
		{"one fail wins", []string{StatusPass, StatusFail, StatusSkip}, StatusFail},
		{"pass plus skip", []string{StatusPass, StatusSkip, StatusSkip}, StatusPass},
		{"error without pass stays skip", []string{StatusError, StatusSkip, StatusSkip}, StatusSkip},
		{"error with pass", []string{StatusError, StatusPass, StatusSkip}, StatusPass},
	}
	for _, tc := range cases {
		var results []ToolResult
		for _, s := range tc.statuses {
			results = append(results, ToolResult{Status: s})
		}
		if got := overall(results); got != tc.want {
			t.Errorf("%s: overall = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestResultPassed(t *testing.T) {
	if !(Result{Overall: StatusPass}).Passed() {
		t.Error("PASS should pass")
	}
	if !(Result{Overall: StatusSkip}).Passed() {
		t.Error("SKIP should pass")
	}
	if (Result{Overall: StatusFail}).Passed() {
		t.Error("FAIL should not pass")
	}
}

func TestSemgrepConfig_PrefersRepoRuleset(t *testing.T) {
	repo := t.TempDir()
	if got := semgrepConfig(repo); got != "auto" {
		t.Errorf("bare repo: config = %q, want auto", got)
	}

	ruleset := filepath.Join(repo, ".semgrep.yml")
	if err := os.WriteFile(ruleset, []byte("rules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := semgrepConfig(repo); got != ruleset {
		t.Errorf("config = %q, want %q", got, ruleset)
	}
}

func TestGitleaksConfig_PrefersRepoRules(t *testing.T) {
	repo := t.TempDir()
	if got := gitleaksConfig(repo); got != "" {
		t.Errorf("bare repo: config = %q, want empty", got)
	}

	rules := filepath.Join(repo, ".gitleaks.toml")
	if err := os.WriteFile(rules, []byte("[allowlist]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := gitleaksConfig(repo); got != rules {
		t.Errorf("config = %q, want %q", got, rules)
	}
}
