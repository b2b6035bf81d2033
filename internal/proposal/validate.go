package proposal

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// ValidationResult is the outcome of schema validation. Valid=false means
// structural rejection; RequiresManualOverride is a policy flag consumed
// downstream and does not by itself invalidate the proposal.
type ValidationResult struct {
	Valid                  bool     `json:"valid"`
	Errors                 []string `json:"errors"`
	Warnings               []string `json:"warnings"`
	RequiresManualOverride bool     `json:"requires_manual_override"`
	ProtectedPaths         []string `json:"protected_paths"`
}

// Validate checks raw JSON against the proposal schema. Structural checks
// collect every violation rather than stopping at the first; the caller
// gets the complete picture in Errors.
func Validate(raw []byte) (*Proposal, ValidationResult) {
	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("body is not a structurally valid proposal: %v", err)},
		}
	}
	result := ValidateProposal(&p)
	if !result.Valid {
		return nil, result
	}
	return &p, result
}

// ValidateProposal runs all schema checks on a decoded proposal.
func ValidateProposal(p *Proposal) ValidationResult {
	var errs []string

	if p.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Sprintf("schema_version: %q is not supported (valid: %q)", p.SchemaVersion, SchemaVersion))
	}
	if _, ok := validChangeTypes[p.ChangeType]; !ok {
		errs = append(errs, fmt.Sprintf("change_type: %q is not an allowed change type", p.ChangeType))
	}
	if _, ok := validRiskLevels[p.RiskLevel]; !ok {
		// "high" lands here: categorically inadmissible, not a policy call
		errs = append(errs, fmt.Sprintf("risk_level: %q is not allowed (only %q or %q; high-risk changes require human initiative)", p.RiskLevel, RiskLow, RiskMedium))
	}

	cleaned := StripNonPrintable(p.Rationale)
	if len(cleaned) < MinRationaleLength {
		errs = append(errs, fmt.Sprintf("rationale: shorter than %d printable characters after sanitization", MinRationaleLength))
	}
	if len(p.Rationale) > MaxRationaleLength {
		errs = append(errs, fmt.Sprintf("rationale: exceeds %d characters", MaxRationaleLength))
	}
	if len(p.OverrideReason) > MaxOverrideLength {
		errs = append(errs, fmt.Sprintf("override_reason: exceeds %d characters", MaxOverrideLength))
	}

	if len(p.TargetFiles) == 0 {
		errs = append(errs, "target_files: at least one file is required")
	}
	if len(p.TargetFiles) > MaxFilesPerPatch {
		errs = append(errs, fmt.Sprintf("target_files: %d files exceeds the limit of %d", len(p.TargetFiles), MaxFilesPerPatch))
	}

	for i, f := range p.TargetFiles {
		errs = append(errs, validateTargetFile(i, f)...)
	}

	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}

	var warnings []string
	protected := p.ProtectedPaths()
	requiresManual := len(protected) > 0

	if requiresManual {
		warnings = append(warnings, fmt.Sprintf("protected paths detected: %v - this proposal requires mandatory manual review", protected))
		if p.OverrideReason == "" {
			warnings = append(warnings, "no override_reason provided for the protected paths; the validator will mark this proposal manual-required")
		}
	}
	if p.RiskLevel == RiskMedium {
		warnings = append(warnings, "risk_level=medium: the validator will apply extended static analysis and the dependency gate")
	}

	return ValidationResult{
		Valid:                  true,
		Warnings:               warnings,
		RequiresManualOverride: requiresManual,
		ProtectedPaths:         protected,
	}
}

func validateTargetFile(idx int, f TargetFile) []string {
	var errs []string
	label := fmt.Sprintf("target_files[%d]", idx)

	if f.Path == "" {
		errs = append(errs, label+": path is required")
		return errs
	}
	if len(f.Path) > MaxPathLength {
		errs = append(errs, fmt.Sprintf("%s: path exceeds %d characters", label, MaxPathLength))
	}

	normalized := strings.ReplaceAll(f.Path, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			errs = append(errs, fmt.Sprintf("%s: path traversal in %q", label, f.Path))
			break
		}
	}
	if strings.ContainsRune(f.Path, 0) {
		errs = append(errs, fmt.Sprintf("%s: null byte in path", label))
	}
	stripped := strings.ReplaceAll(f.Path, ":/", "")
	stripped = strings.ReplaceAll(stripped, ":\\", "")
	if strings.Contains(stripped, ":") {
		errs = append(errs, fmt.Sprintf("%s: alternate data stream in path", label))
	}

	ext := strings.ToLower(path.Ext(normalized))
	if _, ok := allowedTargetExtensions[ext]; !ok {
		errs = append(errs, fmt.Sprintf("%s: file extension %q is not allowed", label, ext))
	}

	if len(f.Hunks) == 0 {
		errs = append(errs, fmt.Sprintf("%s: at least one hunk is required", label))
	}
	if len(f.Hunks) > MaxHunksPerFile {
		errs = append(errs, fmt.Sprintf("%s: %d hunks exceeds the limit of %d", label, len(f.Hunks), MaxHunksPerFile))
	}

	for hi, h := range f.Hunks {
		hlabel := fmt.Sprintf("%s.hunks[%d]", label, hi)
		if h.StartLine < 1 {
			errs = append(errs, hlabel+": start_line must be >= 1")
		}
		if h.EndLine < h.StartLine {
			errs = append(errs, fmt.Sprintf("%s: end_line (%d) must be >= start_line (%d)", hlabel, h.EndLine, h.StartLine))
		}
		if len(h.OldLines) > MaxLinesPerHunk {
			errs = append(errs, fmt.Sprintf("%s: old_lines has %d lines, limit is %d", hlabel, len(h.OldLines), MaxLinesPerHunk))
		}
		if len(h.NewLines) > MaxLinesPerHunk {
			errs = append(errs, fmt.Sprintf("%s: new_lines has %d lines, limit is %d", hlabel, len(h.NewLines), MaxLinesPerHunk))
		}
		for _, line := range h.OldLines {
			if len(line) > MaxLineLength {
				errs = append(errs, fmt.Sprintf("%s: old line exceeds %d characters", hlabel, MaxLineLength))
				break
			}
		}
		for _, line := range h.NewLines {
			if len(line) > MaxLineLength {
				errs = append(errs, fmt.Sprintf("%s: new line exceeds %d characters", hlabel, MaxLineLength))
				break
			}
		}
	}

	return errs
}
