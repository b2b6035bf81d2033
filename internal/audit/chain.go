// Package audit implements an append-only, hash-chained event log.
// Every entry carries the hash of its predecessor, so any rewrite,
// deletion, or reordering is detectable by replaying the chain.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patchgate/patchgate/internal/canonical"
)

// GenesisHash is the prev_hash sentinel of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxDetailLen caps the free-text detail field.
const maxDetailLen = 512

// Outcome values for entries.
const (
	OutcomeAllowed = "ALLOWED"
	OutcomeDenied  = "DENIED"
	OutcomePending = "PENDING"
	OutcomeError   = "ERROR"
)

// Entry is one immutable event in the chain. EntryHash covers every other
// field; PrevHash links to the previous entry's EntryHash.
type Entry struct {
	Seq         int    `json:"seq"`
	TS          string `json:"ts"`
	Event       string `json:"event"`
	SrcIP       string `json:"src_ip"`
	PayloadHash string `json:"payload_hash"`
	ActorHash   string `json:"actor_hash"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail"`
	PrevHash    string `json:"prev_hash"`
	EntryHash   string `json:"entry_hash"`
}

// Chain is an append-only audit log backed by one newline-delimited JSON
// file. Appends from a single process are serialized under one lock so the
// sequence numbers and hash links stay totally ordered; the file is not
// safe for unsynchronized concurrent writers from multiple processes.
type Chain struct {
	path string

	mu       sync.Mutex
	seq      int
	prevHash string
}

// Open loads (or prepares) the chain at path, bootstrapping the sequence
// number and previous hash from the last line of an existing log.
func Open(path string) (*Chain, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	c := &Chain{path: path, prevHash: GenesisHash}
	seq, prev, err := bootstrap(path)
	if err != nil {
		// unreadable tail: restart the sequence rather than refuse to log
		return c, nil
	}
	c.seq = seq
	c.prevHash = prev
	return c, nil
}

func bootstrap(path string) (int, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, GenesisHash, nil
		}
		return 0, "", err
	}
	lines := nonEmptyLines(string(data))
	if len(lines) == 0 {
		return 0, GenesisHash, nil
	}
	var last Entry
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		return 0, "", err
	}
	if last.EntryHash == "" {
		return 0, GenesisHash, nil
	}
	return last.Seq, last.EntryHash, nil
}

// Append adds one entry and returns its entry hash.
func (c *Chain) Append(event, srcIP, payloadHash, actorHash, outcome, detail string) (string, error) {
	safeDetail := strings.ReplaceAll(detail, "\n", " ")
	safeDetail = strings.ReplaceAll(safeDetail, "\r", " ")
	if len(safeDetail) > maxDetailLen {
		safeDetail = safeDetail[:maxDetailLen]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{
		Seq:         c.seq + 1,
		TS:          time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Event:       event,
		SrcIP:       srcIP,
		PayloadHash: payloadHash,
		ActorHash:   actorHash,
		Outcome:     outcome,
		Detail:      safeDetail,
		PrevHash:    c.prevHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return "", err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}

	c.seq = entry.Seq
	c.prevHash = hash
	return hash, nil
}

// entryHash is the SHA-256 of the canonical JSON of the entry with the
// entry_hash field excluded.
func entryHash(e Entry) (string, error) {
	m := map[string]interface{}{
		"seq":          e.Seq,
		"ts":           e.TS,
		"event":        e.Event,
		"src_ip":       e.SrcIP,
		"payload_hash": e.PayloadHash,
		"actor_hash":   e.ActorHash,
		"outcome":      e.Outcome,
		"detail":       e.Detail,
		"prev_hash":    e.PrevHash,
	}
	b, err := canonical.Marshal(m, canonical.V1)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain replays the whole log from genesis. It reports failure as
// data rather than panicking on malformed input: the first broken link,
// wrong hash, or unparseable line yields (false, line-numbered message).
// A missing or empty log is trivially intact.
func (c *Chain) VerifyChain() (bool, string) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "empty log - chain intact (genesis)"
		}
		return false, fmt.Sprintf("cannot read log: %v", err)
	}

	lines := nonEmptyLines(string(data))
	if len(lines) == 0 {
		return true, "empty log - chain intact (genesis)"
	}

	prev := GenesisHash
	for i, raw := range lines {
		lineNo := i + 1
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return false, fmt.Sprintf("line %d: invalid JSON (log corrupted)", lineNo)
		}
		if entry.PrevHash != prev {
			return false, fmt.Sprintf(
				"line %d (seq=%d): prev_hash mismatch (expected %.16s... found %.16s...)",
				lineNo, entry.Seq, prev, entry.PrevHash)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return false, fmt.Sprintf("line %d (seq=%d): cannot recompute hash: %v", lineNo, entry.Seq, err)
		}
		if computed != entry.EntryHash {
			return false, fmt.Sprintf("line %d (seq=%d): entry_hash mismatch (entry tampered)", lineNo, entry.Seq)
		}
		prev = entry.EntryHash
	}

	return true, fmt.Sprintf("chain intact (%d entries)", len(lines))
}

// Tail returns the last n entries without verifying the chain. Unparseable
// lines are skipped.
func (c *Chain) Tail(n int) []Entry {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}
	lines := nonEmptyLines(string(data))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]Entry, 0, len(lines))
	for _, raw := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// Path returns the log file location.
func (c *Chain) Path() string { return c.path }

func nonEmptyLines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
