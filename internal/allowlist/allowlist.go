// Package allowlist implements the source-IP gate in front of the intake
// surface. The allowlist file is synced out of band from the published
// egress ranges; this package only reads it.
//
// Fail-closed policy: a missing or corrupt file denies everything. A stale
// file (older than MaxAge) is reported via Stale so the caller can decide;
// the gateway middleware hard-blocks on staleness.
package allowlist

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"
)

const (
	// MaxAge is how old the synced file may be before it counts as stale.
	MaxAge = 12 * time.Hour

	// refreshInterval bounds how often the in-memory copy re-reads disk.
	refreshInterval = 5 * time.Minute
)

// File is the on-disk allowlist format produced by the sync tool.
type File struct {
	FetchedAt      string   `json:"fetched_at"`
	FetchedAtEpoch float64  `json:"fetched_at_epoch"`
	SourceURL      string   `json:"source_url"`
	ContentHash    string   `json:"content_hash"`
	CIDRs          []string `json:"cidrs"`
}

// Options for development bypasses. Both default off; enabling them in
// production defeats the gate.
type Options struct {
	BypassLoopback bool
	BypassPrivate  bool
}

// Allowlist is a thread-safe CIDR matcher backed by a JSON file, refreshed
// from disk at most every five minutes.
type Allowlist struct {
	path string
	opts Options

	mu           sync.RWMutex
	networks     []netip.Prefix
	loadedAt     time.Time
	fetchedEpoch float64
}

// New loads the allowlist from path. A load failure is not an error;
// the matcher starts empty, which denies all traffic.
func New(path string, opts Options) *Allowlist {
	a := &Allowlist{path: path, opts: opts}
	a.reload()
	return a
}

func (a *Allowlist) reload() {
	now := time.Now()

	raw, err := os.ReadFile(a.path)
	if err != nil {
		a.mu.Lock()
		a.networks = nil
		a.loadedAt = now
		a.fetchedEpoch = 0
		a.mu.Unlock()
		return
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		a.mu.Lock()
		a.networks = nil
		a.loadedAt = now
		a.mu.Unlock()
		return
	}

	networks := make([]netip.Prefix, 0, len(f.CIDRs))
	for _, cidr := range f.CIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			// single addresses without a mask are accepted as /32 or /128
			if addr, aerr := netip.ParseAddr(cidr); aerr == nil {
				p = netip.PrefixFrom(addr, addr.BitLen())
			} else {
				continue
			}
		}
		networks = append(networks, p.Masked())
	}

	a.mu.Lock()
	a.networks = networks
	a.loadedAt = now
	a.fetchedEpoch = f.FetchedAtEpoch
	a.mu.Unlock()
}

func (a *Allowlist) maybeReload() {
	a.mu.RLock()
	expired := time.Since(a.loadedAt) > refreshInterval
	a.mu.RUnlock()
	if expired {
		a.reload()
	}
}

// IsAllowed reports whether the given source IP may reach the intake
// surface, with a short reason suitable for the audit log.
func (a *Allowlist) IsAllowed(ipStr string) (bool, string) {
	a.maybeReload()

	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false, fmt.Sprintf("invalid ip %q", ipStr)
	}
	addr = addr.Unmap()

	if a.opts.BypassLoopback && addr.IsLoopback() {
		return true, "loopback-bypass"
	}
	if a.opts.BypassPrivate && addr.IsPrivate() {
		return true, "private-bypass"
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.networks) == 0 {
		return false, "allowlist-empty"
	}
	for _, net := range a.networks {
		if net.Contains(addr) {
			return true, "cidr-match:" + net.String()
		}
	}
	return false, "no-match"
}

// Stale reports whether the file's fetched_at_epoch is older than MaxAge.
// Missing or unreadable files count as stale.
func (a *Allowlist) Stale() bool {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		return true
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return true
	}
	fetched := time.Unix(int64(f.FetchedAtEpoch), 0)
	return time.Since(fetched) > MaxAge
}

// CIDRCount returns the number of loaded prefixes.
func (a *Allowlist) CIDRCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.networks)
}

// ForceReload re-reads the file immediately, for use after a sync run.
func (a *Allowlist) ForceReload() {
	a.reload()
}
