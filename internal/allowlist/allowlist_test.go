package allowlist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAllowlist(t *testing.T, f File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.json")
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func freshFile(cidrs ...string) File {
	now := time.Now()
	return File{
		FetchedAt:      now.UTC().Format(time.RFC3339),
		FetchedAtEpoch: float64(now.Unix()),
		SourceURL:      "https://example.test/ranges.json",
		CIDRs:          cidrs,
	}
}

func TestIsAllowed_Matching(t *testing.T) {
	path := writeAllowlist(t, freshFile("23.102.140.112/28", "2a01:111::/32"))
	a := New(path, Options{})

	allowed, reason := a.IsAllowed("23.102.140.115")
	if !allowed {
		t.Fatalf("expected allow, got %s", reason)
	}
	allowed, _ = a.IsAllowed("2a01:111::1")
	if !allowed {
		t.Fatal("expected IPv6 allow")
	}
	allowed, reason = a.IsAllowed("8.8.8.8")
	if allowed || reason != "no-match" {
		t.Fatalf("allowed=%v reason=%s", allowed, reason)
	}
}

func TestIsAllowed_MissingFileDeniesAll(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "nope.json"), Options{})
	allowed, reason := a.IsAllowed("23.102.140.115")
	if allowed || reason != "allowlist-empty" {
		t.Fatalf("allowed=%v reason=%s", allowed, reason)
	}
}

func TestIsAllowed_CorruptFileDeniesAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := New(path, Options{})
	if allowed, _ := a.IsAllowed("23.102.140.115"); allowed {
		t.Fatal("corrupt file must deny")
	}
}

func TestIsAllowed_InvalidIP(t *testing.T) {
	path := writeAllowlist(t, freshFile("10.0.0.0/8"))
	a := New(path, Options{})
	if allowed, _ := a.IsAllowed("not-an-ip"); allowed {
		t.Fatal("invalid ip must deny")
	}
}

func TestIsAllowed_Bypasses(t *testing.T) {
	path := writeAllowlist(t, freshFile())
	a := New(path, Options{BypassLoopback: true})
	if allowed, reason := a.IsAllowed("127.0.0.1"); !allowed || reason != "loopback-bypass" {
		t.Fatalf("allowed=%v reason=%s", allowed, reason)
	}
	if allowed, _ := a.IsAllowed("192.168.1.5"); allowed {
		t.Fatal("private bypass must be off by default")
	}

	b := New(path, Options{BypassPrivate: true})
	if allowed, reason := b.IsAllowed("192.168.1.5"); !allowed || reason != "private-bypass" {
		t.Fatalf("allowed=%v reason=%s", allowed, reason)
	}
	if allowed, _ := b.IsAllowed("127.0.0.1"); allowed {
		t.Fatal("loopback bypass must be off by default")
	}
}

func TestIsAllowed_BadCIDRSkipped(t *testing.T) {
	path := writeAllowlist(t, freshFile("not-a-cidr", "10.1.0.0/16"))
	a := New(path, Options{})
	if a.CIDRCount() != 1 {
		t.Fatalf("cidr count = %d, want 1", a.CIDRCount())
	}
	if allowed, _ := a.IsAllowed("10.1.2.3"); !allowed {
		t.Fatal("valid cidr should still work")
	}
}

func TestIsAllowed_BareAddressAsCIDR(t *testing.T) {
	path := writeAllowlist(t, freshFile("203.0.113.9"))
	a := New(path, Options{})
	if allowed, _ := a.IsAllowed("203.0.113.9"); !allowed {
		t.Fatal("bare address should match itself")
	}
	if allowed, _ := a.IsAllowed("203.0.113.10"); allowed {
		t.Fatal("bare address must not widen")
	}
}

func TestStale(t *testing.T) {
	fresh := writeAllowlist(t, freshFile("10.0.0.0/8"))
	if New(fresh, Options{}).Stale() {
		t.Error("fresh file reported stale")
	}

	old := freshFile("10.0.0.0/8")
	old.FetchedAtEpoch = float64(time.Now().Add(-13 * time.Hour).Unix())
	stalePath := writeAllowlist(t, old)
	if !New(stalePath, Options{}).Stale() {
		t.Error("13h-old file not reported stale")
	}

	if !New(filepath.Join(t.TempDir(), "gone.json"), Options{}).Stale() {
		t.Error("missing file must be stale")
	}
}

func TestForceReload(t *testing.T) {
	path := writeAllowlist(t, freshFile("10.0.0.0/8"))
	a := New(path, Options{})
	if allowed, _ := a.IsAllowed("172.16.0.1"); allowed {
		t.Fatal("unexpected allow before reload")
	}

	b, _ := json.Marshal(freshFile("10.0.0.0/8", "172.16.0.0/12"))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	a.ForceReload()
	if allowed, _ := a.IsAllowed("172.16.0.1"); !allowed {
		t.Fatal("reload did not pick up new cidr")
	}
}
