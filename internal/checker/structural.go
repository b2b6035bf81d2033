// Package checker is the validator's own structural pass over a proposal.
// It runs inside the validator trust boundary and re-derives everything it
// needs from the proposal body; gateway-injected _meta flags are never
// consulted.
package checker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/patchgate/patchgate/internal/proposal"
)

// Limits enforced by the structural pass.
const (
	MaxTotalLinesChanged = 500
	MaxHunkLines         = 100
	MaxFiles             = 5
)

// dependencyFiles trigger the dependency gate: a mandatory human review,
// surfaced as a warning that feeds a MANUAL_REQUIRED outcome.
var dependencyFiles = regexp.MustCompile(
	`(?i)(requirements.*\.txt|package-lock\.json|yarn\.lock|go\.sum|Cargo\.lock|poetry\.lock|pyproject\.toml|setup\.py|setup\.cfg)$`)

// hardBlockedPatterns reject unconditionally. No override flag, manual
// confirmation, or configured reviewer set can admit a match.
var hardBlockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[\\/])\.github[\\/]workflows[\\/]`),
	regexp.MustCompile(`(?i)(^|[\\/])\.env($|[\\/])`),
	regexp.MustCompile(`(?i)\.(pem|key|crt|p12|pfx|gpg|asc)$`),
}

// Result carries the accumulated outcome of the structural pass.
type Result struct {
	Passed                  bool     `json:"passed"`
	Errors                  []string `json:"errors"`
	Warnings                []string `json:"warnings"`
	DependencyGateTriggered bool     `json:"dependency_gate_triggered"`
	HardBlocked             bool     `json:"hard_blocked"`
	AffectedFiles           []string `json:"affected_files"`
	TotalLinesChanged       int      `json:"total_lines_changed"`
}

// CheckStructure runs every structural check, accumulating all failures
// rather than short-circuiting: the verdict needs the full picture.
func CheckStructure(p *proposal.Proposal) Result {
	var (
		errs     []string
		warnings []string
		depGate  bool
		blocked  bool
		total    int
		affected []string
	)

	if len(p.TargetFiles) == 0 {
		return Result{Passed: false, Errors: []string{"proposal contains no target files"}}
	}
	if len(p.TargetFiles) > MaxFiles {
		errs = append(errs, fmt.Sprintf("too many files: %d > %d allowed per patch", len(p.TargetFiles), MaxFiles))
	}

	for _, file := range p.TargetFiles {
		if file.Path == "" {
			errs = append(errs, "file entry without a path")
			continue
		}
		affected = append(affected, file.Path)

		for _, pattern := range hardBlockedPatterns {
			if pattern.MatchString(file.Path) {
				errs = append(errs, fmt.Sprintf(
					"hard block: %q touches an absolutely protected path (CI/CD, credentials); it cannot be modified through this pipeline under any circumstances", file.Path))
				blocked = true
			}
		}

		if dependencyFiles.MatchString(file.Path) {
			warnings = append(warnings, fmt.Sprintf(
				"dependency gate: %q touches a dependency manifest; mandatory human review required", file.Path))
			depGate = true
		}

		if len(file.Hunks) == 0 {
			errs = append(errs, fmt.Sprintf("file %q has no hunks", file.Path))
			continue
		}

		fileLines := 0
		for i, h := range file.Hunks {
			n := i + 1
			if h.StartLine < 1 {
				errs = append(errs, fmt.Sprintf("%q hunk #%d: start_line must be >= 1", file.Path, n))
			}
			if h.EndLine < h.StartLine {
				errs = append(errs, fmt.Sprintf("%q hunk #%d: end_line (%d) < start_line (%d)", file.Path, n, h.EndLine, h.StartLine))
			}

			hunkSize := len(h.OldLines)
			if len(h.NewLines) > hunkSize {
				hunkSize = len(h.NewLines)
			}
			if hunkSize > MaxHunkLines {
				errs = append(errs, fmt.Sprintf("%q hunk #%d: too many lines (%d > %d)", file.Path, n, hunkSize, MaxHunkLines))
			}

			// A declared range that disagrees with old_lines is tolerated
			// as a warning: insertion-only and partial hunks legitimately
			// omit old content. The integrator does not re-verify
			// old_lines against the live file either; see DESIGN.md.
			expectedOld := h.EndLine - h.StartLine + 1
			if len(h.OldLines) > 0 && len(h.OldLines) != expectedOld {
				warnings = append(warnings, fmt.Sprintf(
					"%q hunk #%d: old_lines has %d lines but range [%d, %d] implies %d",
					file.Path, n, len(h.OldLines), h.StartLine, h.EndLine, expectedOld))
			}

			fileLines += hunkSize
		}
		total += fileLines
	}

	if total > MaxTotalLinesChanged {
		errs = append(errs, fmt.Sprintf("patch too large: %d lines changed > %d", total, MaxTotalLinesChanged))
	}

	return Result{
		Passed:                  len(errs) == 0,
		Errors:                  errs,
		Warnings:                warnings,
		DependencyGateTriggered: depGate,
		HardBlocked:             blocked,
		AffectedFiles:           affected,
		TotalLinesChanged:       total,
	}
}

// PatchHash is the hex SHA-256 of the raw patch file bytes. Both the
// validator (before signing) and the integrator (before applying) hash
// the same on-disk bytes, which is what makes the TOCTOU comparison
// meaningful.
func PatchHash(patchBytes []byte) string {
	sum := sha256.Sum256(patchBytes)
	return hex.EncodeToString(sum[:])
}
