package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return c
}

func appendN(t *testing.T, c *Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Append("TEST_EVENT", "203.0.113.7", "payloadhash", "actorhash", OutcomePending, "detail")
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
}

func TestVerifyChain_EmptyLog(t *testing.T) {
	c := newTestChain(t)
	ok, msg := c.VerifyChain()
	if !ok {
		t.Errorf("empty log should be intact: %s", msg)
	}
	if !strings.Contains(msg, "genesis") {
		t.Errorf("empty log message should mention genesis, got %q", msg)
	}
}

func TestVerifyChain_Intact(t *testing.T) {
	c := newTestChain(t)
	appendN(t, c, 10)

	ok, msg := c.VerifyChain()
	if !ok {
		t.Fatalf("intact chain reported broken: %s", msg)
	}
	if !strings.Contains(msg, "10") {
		t.Errorf("expected entry count in message, got %q", msg)
	}
}

func TestVerifyChain_MutatedField(t *testing.T) {
	c := newTestChain(t)
	appendN(t, c, 5)

	data, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	// flip the outcome of the middle entry
	var entry Entry
	if err := json.Unmarshal([]byte(lines[2]), &entry); err != nil {
		t.Fatal(err)
	}
	entry.Outcome = OutcomeAllowed
	mutated, _ := json.Marshal(entry)
	lines[2] = string(mutated)

	if err := os.WriteFile(c.Path(), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, msg := c.VerifyChain()
	if ok {
		t.Fatal("mutated entry not detected")
	}
	if !strings.Contains(msg, "line 3") {
		t.Errorf("expected line-numbered diagnostic, got %q", msg)
	}
}

func TestVerifyChain_DeletedEntry(t *testing.T) {
	c := newTestChain(t)
	appendN(t, c, 5)

	data, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines = append(lines[:1], lines[2:]...) // drop the second entry

	if err := os.WriteFile(c.Path(), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, _ := c.VerifyChain()
	if ok {
		t.Fatal("deleted entry not detected")
	}
}

func TestVerifyChain_GarbageLine(t *testing.T) {
	c := newTestChain(t)
	appendN(t, c, 2)

	f, err := os.OpenFile(c.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("this is not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ok, msg := c.VerifyChain()
	if ok {
		t.Fatal("garbage line not detected")
	}
	if !strings.Contains(msg, "line 3") {
		t.Errorf("expected line 3 diagnostic, got %q", msg)
	}
}

func TestOpen_BootstrapsFromExistingLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	c1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, c1, 3)

	// no in-memory state is shared with the reopened chain
	c2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, c2, 2)

	ok, msg := c2.VerifyChain()
	if !ok {
		t.Fatalf("chain broken after reopen: %s", msg)
	}

	entries := c2.Tail(10)
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[4].Seq != 5 {
		t.Errorf("sequence should continue across reopen, last seq = %d", entries[4].Seq)
	}
	if entries[0].PrevHash != GenesisHash {
		t.Errorf("first entry prev_hash = %q, want genesis", entries[0].PrevHash)
	}
}

func TestAppend_SanitizesDetail(t *testing.T) {
	c := newTestChain(t)
	long := strings.Repeat("x", 600)
	_, err := c.Append("E", "ip", "p", "a", OutcomeDenied, "line1\nline2\r"+long)
	if err != nil {
		t.Fatal(err)
	}
	entries := c.Tail(1)
	if len(entries) != 1 {
		t.Fatal("missing entry")
	}
	d := entries[0].Detail
	if strings.ContainsAny(d, "\n\r") {
		t.Error("detail should have newlines stripped")
	}
	if len(d) > 512 {
		t.Errorf("detail length %d exceeds cap", len(d))
	}
}
