// Package proposal defines the structured patch proposal schema and its
// strict validation. Proposals are data, never instructions: every field
// has a type and range, and free text is limited to a sanitized rationale.
package proposal

import (
	"regexp"
	"strings"
)

// Schema limits.
const (
	SchemaVersion      = "1.0"
	MaxFilesPerPatch   = 5
	MaxHunksPerFile    = 20
	MaxLinesPerHunk    = 100
	MaxLineLength      = 2000
	MaxRationaleLength = 500
	MinRationaleLength = 10
	MaxPathLength      = 512
	MaxOverrideLength  = 500
)

// ChangeType enumerates admissible kinds of change.
type ChangeType string

const (
	ChangeCodeModification ChangeType = "code_modification"
	ChangeTestAddition     ChangeType = "test_addition"
	ChangeRefactor         ChangeType = "refactor"
	ChangeConfigChange     ChangeType = "config_change"
)

var validChangeTypes = map[ChangeType]struct{}{
	ChangeCodeModification: {},
	ChangeTestAddition:     {},
	ChangeRefactor:         {},
	ChangeConfigChange:     {},
}

// RiskLevel is the caller's self-assessed risk. "high" is categorically
// inadmissible at the schema layer; it is not a downstream policy call.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
)

var validRiskLevels = map[RiskLevel]struct{}{
	RiskLow:    {},
	RiskMedium: {},
}

// allowedTargetExtensions is the extension allowlist for target paths.
var allowedTargetExtensions = map[string]struct{}{
	".py": {}, ".ts": {}, ".tsx": {}, ".js": {}, ".jsx": {},
	".go": {}, ".rs": {}, ".c": {}, ".cpp": {}, ".h": {}, ".hpp": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {},
	".sh": {}, ".bash": {}, ".cfg": {}, ".ini": {}, ".conf": {},
	".sql": {}, ".graphql": {}, ".proto": {},
	// dependency manifests are admissible here so the downstream
	// dependency gate can route them to manual review
	".txt": {}, ".lock": {}, ".sum": {},
}

// protectedPathPatterns flag paths that need a human in the loop even when
// the schema is otherwise clean. Matching is a policy flag, not a
// rejection.
var protectedPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|/)\.github/`),
	regexp.MustCompile(`(?i)(^|/)workflows?/`),
	regexp.MustCompile(`(?i)(^|/)security/`),
	regexp.MustCompile(`(?i)(^|/)auth`),
	regexp.MustCompile(`(?i)\.(env|pem|key|crt|p12|pfx)$`),
	regexp.MustCompile(`(?i)(^|/)secrets?/`),
	regexp.MustCompile(`(?i)(requirements|package-lock|go\.sum|Cargo\.lock)`),
	regexp.MustCompile(`(?i)(pyproject|setup\.py|setup\.cfg)`),
	regexp.MustCompile(`(?i)(^|/)docker`),
	regexp.MustCompile(`(?i)(^|/)deploy`),
	regexp.MustCompile(`(?i)(^|/)infra`),
}

// Hunk is one contiguous line-range replacement within a file.
type Hunk struct {
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	OldLines  []string `json:"old_lines"`
	NewLines  []string `json:"new_lines"`
}

// TargetFile is one file touched by a proposal.
type TargetFile struct {
	Path  string `json:"path"`
	Hunks []Hunk `json:"hunks"`
}

// IsProtected reports whether the file's path matches a protected pattern.
func (f TargetFile) IsProtected() bool {
	for _, p := range protectedPathPatterns {
		if p.MatchString(f.Path) {
			return true
		}
	}
	return false
}

// Proposal is a full untrusted code-change request.
type Proposal struct {
	SchemaVersion  string       `json:"schema_version"`
	ChangeType     ChangeType   `json:"change_type"`
	RiskLevel      RiskLevel    `json:"risk_level"`
	Rationale      string       `json:"rationale"`
	TargetFiles    []TargetFile `json:"target_files"`
	OverrideReason string       `json:"override_reason,omitempty"`
	Meta           *Meta        `json:"_meta,omitempty"`
}

// Meta is injected by the gateway when a validated proposal is written to
// the jail. It is advisory: the validator trust boundary re-derives
// anything security-relevant rather than believing these fields.
type Meta struct {
	PatchID                string   `json:"patch_id"`
	CreatedAt              string   `json:"created_at"`
	SrcIP                  string   `json:"src_ip"`
	PayloadHash            string   `json:"payload_hash"`
	RequiresManualOverride bool     `json:"requires_manual_override"`
	SchemaWarnings         []string `json:"schema_warnings"`
	ProtectedPaths         []string `json:"protected_paths"`
	Status                 string   `json:"status"`
}

// Patch lifecycle statuses recorded in Meta.Status.
const (
	StatusPending   = "pending"
	StatusValidated = "validated"
	StatusRejected  = "rejected"
	StatusArchived  = "archived"
)

// ProtectedPaths returns all target paths matching a protected pattern.
func (p *Proposal) ProtectedPaths() []string {
	var out []string
	for _, f := range p.TargetFiles {
		if f.IsProtected() {
			out = append(out, f.Path)
		}
	}
	return out
}

// StripNonPrintable removes everything outside printable ASCII plus tab
// and newline. The rationale length check runs on the stripped text, so a
// control-character-only rationale fails even when its raw length passed.
func StripNonPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 0x20 && r <= 0x7e) || r == '\t' || r == '\n' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
