// Package jail confines all proposal I/O to a single root directory.
// Every path the gateway touches on behalf of an external caller goes
// through Resolve; anything that would land outside the root is a Violation.
package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MaxPathDepth is the maximum number of non-empty path segments.
	MaxPathDepth = 8
	// MaxPatchBytes caps a single patch file at 512 KB.
	MaxPatchBytes = 524288
	// MaxPendingPatches caps the number of unprocessed patches in patches/.
	MaxPendingPatches = 5

	patchesDir = "patches"
	archiveDir = "archive"
)

// patchFilenameRE is deliberately narrow: UUID-shaped hex names only, even
// though Resolve has already vetted the path.
var patchFilenameRE = regexp.MustCompile(`^[a-f0-9-]{8,64}\.json$`)

// forbiddenDirs are directory names an external caller may never reference.
var forbiddenDirs = map[string]struct{}{
	".git": {}, ".env": {}, ".ssh": {}, "node_modules": {}, "__pycache__": {},
	".venv": {}, "venv": {}, "dist": {}, "build": {}, "secrets": {},
}

// windowsReserved device names, matched case-insensitively against the
// extension-stripped segment name.
var windowsReserved = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Violation is returned for any attempt to reference a path outside the
// jail or one matching a blocked pattern. Reason is a stable machine
// checkable code; Detail is for humans and audit entries.
type Violation struct {
	Reason string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("jail violation (%s): %s", v.Reason, v.Detail)
}

// Violation reason codes.
const (
	ReasonNullByte      = "null_byte"
	ReasonADS           = "alternate_data_stream"
	ReasonTraversal     = "path_traversal"
	ReasonDepth         = "path_too_deep"
	ReasonReservedName  = "windows_reserved_name"
	ReasonForbiddenDir  = "forbidden_directory"
	ReasonEscape        = "jail_escape"
	ReasonSymlinkEscape = "symlink_escape"
	ReasonBadFilename   = "invalid_patch_filename"
	ReasonBinaryContent = "binary_content"
	ReasonTooLarge      = "content_too_large"
)

// QuotaError is returned by WritePatch when MaxPendingPatches is reached.
type QuotaError struct {
	Pending int
	Limit   int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("patch quota exceeded: %d pending, limit %d", e.Pending, e.Limit)
}

// Jail enforces the filesystem boundary for one root directory.
type Jail struct {
	root string
}

// New creates the jail root and its expected subdirectories.
func New(root string) (*Jail, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve jail root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create jail root: %w", err)
	}
	// the root itself may be a symlink; pin the real path
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve jail root: %w", err)
	}
	for _, sub := range []string{patchesDir, archiveDir} {
		if err := os.MkdirAll(filepath.Join(real, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create jail subdir %s: %w", sub, err)
		}
	}
	return &Jail{root: real}, nil
}

// Root returns the resolved jail root.
func (j *Jail) Root() string { return j.root }

// Resolve validates a caller-supplied relative path and returns the
// absolute location inside the jail. Returns *Violation on any escape
// attempt or blocked pattern.
func (j *Jail) Resolve(relative string) (string, error) {
	if err := validateRaw(relative); err != nil {
		return "", err
	}

	candidate := filepath.Join(j.root, filepath.FromSlash(relative))
	candidate = filepath.Clean(candidate)
	if !within(j.root, candidate) {
		return "", &Violation{Reason: ReasonEscape, Detail: fmt.Sprintf("path escapes jail: %q", relative)}
	}

	// For existing entries, the symlink-resolved path must also stay
	// inside; a symlink whose target is outside is an escape even when
	// the link file itself is not.
	if _, err := os.Lstat(candidate); err == nil {
		real, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", relative, err)
		}
		if !within(j.root, real) {
			return "", &Violation{
				Reason: ReasonSymlinkEscape,
				Detail: fmt.Sprintf("symlink points outside jail: %q -> %q", candidate, real),
			}
		}
	}

	return candidate, nil
}

// validateRaw runs the syntactic checks on the raw path string before any
// filesystem access.
func validateRaw(raw string) error {
	if strings.ContainsRune(raw, 0) {
		return &Violation{Reason: ReasonNullByte, Detail: "null byte in path"}
	}

	// NTFS alternate data streams (file:stream). Windows drive prefixes
	// ("C:/", "C:\") are excluded from the colon check.
	stripped := strings.ReplaceAll(raw, ":/", "")
	stripped = strings.ReplaceAll(stripped, ":\\", "")
	if strings.Contains(stripped, ":") {
		return &Violation{Reason: ReasonADS, Detail: "alternate data stream in path"}
	}

	parts := strings.Split(strings.ReplaceAll(raw, "\\", "/"), "/")
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" && p != "." {
			nonEmpty = append(nonEmpty, p)
		}
	}

	for _, p := range nonEmpty {
		if p == ".." {
			return &Violation{Reason: ReasonTraversal, Detail: "path traversal (..)"}
		}
	}
	if len(nonEmpty) > MaxPathDepth {
		return &Violation{
			Reason: ReasonDepth,
			Detail: fmt.Sprintf("%d segments exceeds limit of %d", len(nonEmpty), MaxPathDepth),
		}
	}
	for _, p := range nonEmpty {
		base := strings.ToUpper(strings.SplitN(p, ".", 2)[0])
		if _, ok := windowsReserved[base]; ok {
			return &Violation{Reason: ReasonReservedName, Detail: fmt.Sprintf("windows reserved name: %q", p)}
		}
		if _, ok := forbiddenDirs[strings.ToLower(p)]; ok {
			return &Violation{Reason: ReasonForbiddenDir, Detail: fmt.Sprintf("forbidden directory: %q", p)}
		}
	}
	return nil
}

// within reports whether path is root or lies under it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// CountPendingPatches returns the number of .json files in patches/.
func (j *Jail) CountPendingPatches() (int, error) {
	matches, err := filepath.Glob(filepath.Join(j.root, patchesDir, "*.json"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// WritePatch stores a patch under patches/. The filename must be
// UUID-shaped, the content must fit MaxPatchBytes, and the pending quota
// must not be exhausted. The quota check and the write are not atomic;
// submission volume is human-paced and the gap is accepted.
func (j *Jail) WritePatch(filename string, content []byte) (string, error) {
	pending, err := j.CountPendingPatches()
	if err != nil {
		return "", fmt.Errorf("count pending patches: %w", err)
	}
	if pending >= MaxPendingPatches {
		return "", &QuotaError{Pending: pending, Limit: MaxPendingPatches}
	}
	if len(content) > MaxPatchBytes {
		return "", &Violation{
			Reason: ReasonTooLarge,
			Detail: fmt.Sprintf("patch content %d bytes exceeds limit of %d", len(content), MaxPatchBytes),
		}
	}
	if !patchFilenameRE.MatchString(filename) {
		return "", &Violation{
			Reason: ReasonBadFilename,
			Detail: fmt.Sprintf("invalid patch filename: %q (hex UUID names only)", filename),
		}
	}

	path, err := j.Resolve(patchesDir + "/" + filename)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write patch: %w", err)
	}
	return path, nil
}

// ReadPatch returns the raw bytes of a pending patch by ID.
func (j *Jail) ReadPatch(patchID string) ([]byte, error) {
	return j.ReadFile(patchesDir + "/" + patchID + ".json")
}

// ReadFile reads any file inside the jail, honoring the size cap.
func (j *Jail) ReadFile(relative string) ([]byte, error) {
	path, err := j.Resolve(relative)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%q is a directory, not a file", relative)
	}
	if info.Size() > MaxPatchBytes {
		return nil, &Violation{
			Reason: ReasonTooLarge,
			Detail: fmt.Sprintf("file %d bytes exceeds limit of %d", info.Size(), MaxPatchBytes),
		}
	}
	return os.ReadFile(path)
}

// ListPatches returns the IDs (stem, no extension) of pending patches,
// sorted by name.
func (j *Jail) ListPatches() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(j.root, patchesDir, "*.json"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	return ids, nil
}

// ArchivePatch moves a pending patch into archive/ with the reason
// appended to its name. Patches are never deleted.
func (j *Jail) ArchivePatch(patchID, reason string) error {
	if reason == "" {
		reason = "processed"
	}
	src, err := j.Resolve(patchesDir + "/" + patchID + ".json")
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	dst := filepath.Join(j.root, archiveDir, fmt.Sprintf("%s__%s.json", patchID, reason))
	return os.Rename(src, dst)
}

// ArchivedPatches returns the archive locations recorded for a patch,
// one per reason.
func (j *Jail) ArchivedPatches(patchID string) ([]string, error) {
	return filepath.Glob(filepath.Join(j.root, archiveDir, patchID+"__*.json"))
}

// AssertTextFile rejects content that looks binary: more than 10% of the
// first 4096 bytes being non-printable control bytes. Empty content passes.
func AssertTextFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	window := data
	if len(window) > 4096 {
		window = window[:4096]
	}
	nonPrintable := 0
	for _, b := range window {
		if b < 9 || (b > 13 && b < 32) || b == 127 {
			nonPrintable++
		}
	}
	ratio := float64(nonPrintable) / float64(len(window))
	if ratio > 0.10 {
		return &Violation{
			Reason: ReasonBinaryContent,
			Detail: fmt.Sprintf("content looks binary (%.1f%% non-printable bytes)", ratio*100),
		}
	}
	return nil
}
