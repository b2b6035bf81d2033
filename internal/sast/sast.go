// Package sast runs the available static-analysis and secret-scanning
// tools over patch content. Scans run against the materialized new
// content of the patch, not the whole repository, which keeps the noise
// floor low. A tool that is not installed degrades to SKIP with a
// warning rather than blocking the pipeline.
package sast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/patchgate/patchgate/internal/proposal"
)

// Per-tool subprocess timeout. Semgrep downloads rulesets on first run,
// so it gets double.
const (
	toolTimeout    = 60 * time.Second
	semgrepTimeout = 2 * toolTimeout

	maxFindings = 20
)

// Statuses for individual tools and the aggregate.
const (
	StatusPass  = "PASS"
	StatusFail  = "FAIL"
	StatusSkip  = "SKIP"
	StatusError = "ERROR"
)

// ToolResult is the outcome of a single scanner invocation.
type ToolResult struct {
	Tool     string           `json:"tool"`
	Status   string           `json:"status"`
	Findings []map[string]any `json:"findings,omitempty"`
	Stderr   string           `json:"stderr,omitempty"`
	ExitCode int              `json:"exit_code"`
}

// Result aggregates all tool results for one patch.
type Result struct {
	Overall  string       `json:"overall"`
	Results  []ToolResult `json:"results"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Passed reports whether the scan allows the patch to proceed. SKIP is
// permissive: an environment without scanners installed still works, the
// gap is just recorded.
func (r Result) Passed() bool {
	return r.Overall == StatusPass || r.Overall == StatusSkip
}

// Run executes every available tool against the proposal's new content.
// Tools are never given the live repository; everything they see is
// reconstructed into a private temp directory.
func Run(ctx context.Context, p *proposal.Proposal, repoRoot string) Result {
	var (
		results  []ToolResult
		warnings []string
	)

	workDir, err := os.MkdirTemp("", "patchgate_sast_")
	if err != nil {
		return Result{
			Overall:  StatusSkip,
			Warnings: []string{fmt.Sprintf("cannot create scan workspace: %v", err)},
		}
	}
	defer os.RemoveAll(workDir)

	diffPath := filepath.Join(workDir, "patch.diff")
	if err := os.WriteFile(diffPath, []byte(UnifiedDiff(p)), 0o600); err != nil {
		warnings = append(warnings, fmt.Sprintf("cannot write diff: %v", err))
	}

	pyFiles := materializeNewContent(p, workDir, ".py")
	scriptFiles := materializeNewContent(p, workDir, ".ts", ".tsx", ".js", ".jsx")

	if _, err := exec.LookPath("bandit"); err == nil {
		results = append(results, runBandit(ctx, workDir, pyFiles))
	} else {
		warnings = append(warnings, "bandit not installed, python analysis skipped")
		results = append(results, ToolResult{Tool: "bandit", Status: StatusSkip})
	}

	if _, err := exec.LookPath("semgrep"); err == nil {
		results = append(results, runSemgrep(ctx, workDir, semgrepConfig(repoRoot), append(pyFiles, scriptFiles...)))
	} else {
		warnings = append(warnings, "semgrep not installed, polyglot analysis skipped")
		results = append(results, ToolResult{Tool: "semgrep", Status: StatusSkip})
	}

	if _, err := exec.LookPath("gitleaks"); err == nil {
		results = append(results, runGitleaks(ctx, workDir, gitleaksConfig(repoRoot)))
	} else {
		warnings = append(warnings, "gitleaks not installed, secret scanning skipped")
		results = append(results, ToolResult{Tool: "gitleaks", Status: StatusSkip})
	}

	return Result{Overall: overall(results), Results: results, Warnings: warnings}
}

func overall(results []ToolResult) string {
	anyFail := false
	anyPass := false
	for _, r := range results {
		switch r.Status {
		case StatusFail:
			anyFail = true
		case StatusPass:
			anyPass = true
		}
	}
	switch {
	case anyFail:
		return StatusFail
	case !anyPass:
		return StatusSkip
	default:
		return StatusPass
	}
}

func runBandit(ctx context.Context, workDir string, pyFiles []string) ToolResult {
	if len(pyFiles) == 0 {
		return ToolResult{Tool: "bandit", Status: StatusSkip, Stderr: "no python files in patch"}
	}
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bandit",
		"--format", "json",
		"--severity-level", "medium",
		"--confidence-level", "medium",
		"--recursive", workDir)
	cmd.Dir = workDir
	stdout, exitCode, err := capture(cmd)
	if err != nil {
		return toolError(ctx, "bandit", err)
	}
	// bandit exits 1 when it has findings
	if exitCode == 0 {
		return ToolResult{Tool: "bandit", Status: StatusPass}
	}

	var report struct {
		Results []map[string]any `json:"results"`
	}
	_ = json.Unmarshal(stdout, &report)

	var serious []map[string]any
	for _, f := range report.Results {
		sev, _ := f["issue_severity"].(string)
		switch strings.ToUpper(sev) {
		case "MEDIUM", "HIGH":
			serious = append(serious, f)
		}
	}
	if len(serious) > 0 {
		return ToolResult{Tool: "bandit", Status: StatusFail, Findings: cap20(serious), ExitCode: exitCode}
	}
	return ToolResult{Tool: "bandit", Status: StatusPass}
}

// semgrepConfig returns a repo-local ruleset when the target repository
// carries one, falling back to the registry default.
func semgrepConfig(repoRoot string) string {
	for _, name := range []string{".semgrep.yml", ".semgrep.yaml"} {
		path := filepath.Join(repoRoot, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "auto"
}

// gitleaksConfig returns the repo's gitleaks rules file, or empty when the
// tool's builtin rules should be used.
func gitleaksConfig(repoRoot string) string {
	path := filepath.Join(repoRoot, ".gitleaks.toml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func runSemgrep(ctx context.Context, workDir, config string, targets []string) ToolResult {
	if len(targets) == 0 {
		return ToolResult{Tool: "semgrep", Status: StatusSkip, Stderr: "no target files"}
	}
	ctx, cancel := context.WithTimeout(ctx, semgrepTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "semgrep",
		"--config", config,
		"--json",
		"--severity", "WARNING",
		"--severity", "ERROR",
		"--quiet",
		workDir)
	cmd.Dir = workDir
	stdout, exitCode, err := capture(cmd)
	if err != nil {
		return toolError(ctx, "semgrep", err)
	}

	var report struct {
		Results []map[string]any `json:"results"`
	}
	_ = json.Unmarshal(stdout, &report)

	if len(report.Results) > 0 {
		return ToolResult{Tool: "semgrep", Status: StatusFail, Findings: cap20(report.Results), ExitCode: exitCode}
	}
	return ToolResult{Tool: "semgrep", Status: StatusPass}
}

func runGitleaks(ctx context.Context, workDir, config string) ToolResult {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	reportPath := filepath.Join(workDir, "gitleaks_report.json")
	args := []string{
		"detect",
		"--source", workDir,
		"--report-format", "json",
		"--report-path", reportPath,
		"--no-git",
	}
	if config != "" {
		args = append(args, "--config", config)
	}
	cmd := exec.CommandContext(ctx, "gitleaks", args...)
	_, exitCode, err := capture(cmd)
	if err != nil {
		return toolError(ctx, "gitleaks", err)
	}

	var findings []map[string]any
	if b, err := os.ReadFile(reportPath); err == nil {
		_ = json.Unmarshal(b, &findings)
	}
	if len(findings) > 0 {
		return ToolResult{Tool: "gitleaks", Status: StatusFail, Findings: cap20(findings), ExitCode: exitCode}
	}
	return ToolResult{Tool: "gitleaks", Status: StatusPass}
}

// capture runs cmd collecting stdout, normalizing exit codes the way the
// scanners use them (findings are an exit code, not an error).
func capture(cmd *exec.Cmd) (stdout []byte, exitCode int, err error) {
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out, exitErr.ExitCode(), nil
		}
		return nil, -1, err
	}
	return out, 0, nil
}

func toolError(ctx context.Context, tool string, err error) ToolResult {
	detail := err.Error()
	if ctx.Err() == context.DeadlineExceeded {
		detail = "timeout"
	}
	return ToolResult{Tool: tool, Status: StatusError, Stderr: detail}
}

func cap20(findings []map[string]any) []map[string]any {
	if len(findings) > maxFindings {
		return findings[:maxFindings]
	}
	return findings
}

// UnifiedDiff renders the proposal as a textual unified diff. Used both as
// scanner input and for dry-run display.
func UnifiedDiff(p *proposal.Proposal) string {
	var b strings.Builder
	for _, file := range p.TargetFiles {
		fmt.Fprintf(&b, "--- a/%s\n", file.Path)
		fmt.Fprintf(&b, "+++ b/%s\n", file.Path)
		for _, h := range file.Hunks {
			fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.StartLine, len(h.OldLines), h.StartLine, len(h.NewLines))
			for _, l := range h.OldLines {
				b.WriteString("-" + l + "\n")
			}
			for _, l := range h.NewLines {
				b.WriteString("+" + l + "\n")
			}
		}
	}
	return b.String()
}

// materializeNewContent writes the new_lines of every file matching one of
// the given extensions into workDir and returns the created paths. Path
// separators are flattened so a crafted path cannot place content outside
// workDir.
func materializeNewContent(p *proposal.Proposal, workDir string, exts ...string) []string {
	extSet := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(e)] = struct{}{}
	}

	var created []string
	for _, file := range p.TargetFiles {
		ext := strings.ToLower(filepath.Ext(file.Path))
		if _, ok := extSet[ext]; !ok {
			continue
		}
		var newLines []string
		for _, h := range file.Hunks {
			newLines = append(newLines, h.NewLines...)
		}
		if len(newLines) == 0 {
			continue
		}
		safe := strings.NewReplacer("/", "_", "\\", "_").Replace(file.Path)
		path := filepath.Join(workDir, "new_"+safe)
		if err := os.WriteFile(path, []byte(strings.Join(newLines, "\n")), 0o600); err != nil {
			continue
		}
		created = append(created, path)
	}
	return created
}
