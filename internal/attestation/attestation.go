// Package attestation produces and verifies signed validation verdicts.
// An attestation is the only artifact the integrator trusts: it binds a
// patch id and the exact bytes that were validated (patch_hash) to an
// outcome, under the validator's Ed25519 key.
package attestation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patchgate/patchgate/internal/canonical"
	"github.com/patchgate/patchgate/internal/crypto"
)

// PolicyVersion identifies the check policy an attestation was issued under.
const PolicyVersion = "1.0"

// Outcomes.
const (
	OutcomeApproved       = "APPROVED"
	OutcomeRejected       = "REJECTED"
	OutcomeManualRequired = "MANUAL_REQUIRED"
)

// Check result values used in the checks map.
const (
	CheckPass           = "PASS"
	CheckFail           = "FAIL"
	CheckSkip           = "SKIP"
	CheckManualRequired = "MANUAL_REQUIRED"
)

// Attestation is the signed verdict for a single patch. Signature covers
// the canonical JSON of every other field, under the canonicalization
// version recorded in Canon, so the signed bytes are reproducible even if
// the default canonicalization changes later.
type Attestation struct {
	PatchID   string            `json:"patch_id"`
	PatchHash string            `json:"patch_hash"`
	Policy    string            `json:"policy"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Outcome   string            `json:"outcome"`
	Canon     string            `json:"canon"`
	Signature string            `json:"signature,omitempty"`
}

// VerificationError explains why an attestation failed verification.
// Reason is a stable code; callers branch on it, logs carry Detail.
type VerificationError struct {
	Reason string
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Verification failure reasons.
const (
	ReasonMissingSignature  = "missing_signature"
	ReasonInvalidEncoding   = "invalid_signature_encoding"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonUnsupportedCanon  = "unsupported_canonicalization"
	ReasonUnsupportedPolicy = "unsupported_policy"
)

// signingBytes returns the canonical representation of the attestation with
// the signature field removed.
func signingBytes(att *Attestation) ([]byte, error) {
	version, err := canonVersion(att.Canon)
	if err != nil {
		return nil, err
	}
	unsigned := map[string]any{
		"patch_id":   att.PatchID,
		"patch_hash": att.PatchHash,
		"policy":     att.Policy,
		"timestamp":  att.Timestamp,
		"checks":     att.Checks,
		"outcome":    att.Outcome,
		"canon":      att.Canon,
	}
	return canonical.Marshal(unsigned, version)
}

func canonVersion(name string) (canonical.Version, error) {
	switch name {
	case "v1":
		return canonical.V1, nil
	case "v2":
		return canonical.V2, nil
	default:
		return "", &VerificationError{Reason: ReasonUnsupportedCanon, Detail: name}
	}
}

// Sign issues an attestation for the given verdict under the private key at
// privKeyPath.
func Sign(patchID, patchHash string, checks map[string]string, outcome, privKeyPath string) (*Attestation, error) {
	att := &Attestation{
		PatchID:   patchID,
		PatchHash: patchHash,
		Policy:    PolicyVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Outcome:   outcome,
		Canon:     "v1",
	}
	payload, err := signingBytes(att)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(payload, privKeyPath)
	if err != nil {
		return nil, fmt.Errorf("signing attestation: %w", err)
	}
	att.Signature = base64.URLEncoding.EncodeToString(sig)
	return att, nil
}

// Verify checks the attestation's signature against the public key at
// pubKeyPath, recomputing the canonical bytes from the received fields.
// Failures return *VerificationError.
func Verify(att *Attestation, pubKeyPath string) error {
	if att.Signature == "" {
		return &VerificationError{Reason: ReasonMissingSignature}
	}
	sig, err := base64.URLEncoding.DecodeString(att.Signature)
	if err != nil {
		return &VerificationError{Reason: ReasonInvalidEncoding, Detail: err.Error()}
	}
	payload, err := signingBytes(att)
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(payload, sig, pubKeyPath)
	if err != nil {
		return fmt.Errorf("loading verification key: %w", err)
	}
	if !ok {
		return &VerificationError{Reason: ReasonInvalidSignature}
	}
	return nil
}

// Path returns the on-disk location of a patch's attestation. Attestations
// live outside the jail so gateway code can never touch them.
func Path(dir, patchID string) string {
	return filepath.Join(dir, patchID+".attestation.json")
}

// Save writes the attestation next to its peers in dir, creating dir if
// needed.
func Save(att *Attestation, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating attestation dir: %w", err)
	}
	b, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return "", err
	}
	path := Path(dir, att.PatchID)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("writing attestation: %w", err)
	}
	return path, nil
}

// Load reads the attestation for patchID from dir. A missing file is
// reported with os.ErrNotExist in the chain so callers can distinguish
// "never validated" from tampering.
func Load(dir, patchID string) (*Attestation, error) {
	b, err := os.ReadFile(Path(dir, patchID))
	if err != nil {
		return nil, fmt.Errorf("reading attestation: %w", err)
	}
	var att Attestation
	if err := json.Unmarshal(b, &att); err != nil {
		return nil, fmt.Errorf("parsing attestation: %w", err)
	}
	return &att, nil
}
