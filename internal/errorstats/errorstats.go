// Package errorstats is the ambient error-observability layer sitting
// alongside the engine's spec-mandated failures counter: a fastcache-backed
// per-host error count plus richer in-memory breakdowns, adapted from the
// teacher's internal/utils/error package trio (error.go, error_cache.go,
// error_stats.go).
package errorstats

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

// Kind classifies why an item failed, for the per-host breakdown.
type Kind string

const (
	KindHook    Kind = "hook"
	KindTimeout Kind = "timeout"
	KindRequest Kind = "request"
)

// HostStats is the per-host rolling breakdown.
type HostStats struct {
	FirstError time.Time
	LastError  time.Time
	Count      uint32
	ByKind     map[Kind]uint32
}

// Tracker wraps a fastcache.Cache for a fast per-host error count, plus a
// mutex-guarded map for richer per-host breakdowns and global totals. It is
// safe for concurrent use by every worker goroutine.
type Tracker struct {
	cache *fastcache.Cache

	mu        sync.RWMutex
	hostStats map[string]*HostStats
	total     uint64
}

// New creates a Tracker with a cache of at least maxBytes (fastcache
// enforces a 32MB floor).
func New(maxBytes int) *Tracker {
	if maxBytes < 32*1024*1024 {
		maxBytes = 32 * 1024 * 1024
	}
	return &Tracker{
		cache:     fastcache.New(maxBytes),
		hostStats: make(map[string]*HostStats),
	}
}

// Record increments the host's error count and classifies it by kind.
func (t *Tracker) Record(host string, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.incrementCacheCount(host)

	now := time.Now()
	t.total++

	hs := t.hostStats[host]
	if hs == nil {
		hs = &HostStats{FirstError: now, ByKind: make(map[Kind]uint32)}
		t.hostStats[host] = hs
	}
	hs.LastError = now
	hs.Count++
	hs.ByKind[kind]++
}

func (t *Tracker) incrementCacheCount(host string) {
	key := []byte(host)
	buf := make([]byte, 4)
	if v := t.cache.Get(buf[:0], key); len(v) == 4 {
		count := binary.LittleEndian.Uint32(v) + 1
		binary.LittleEndian.PutUint32(buf, count)
		t.cache.Set(key, buf)
		return
	}
	binary.LittleEndian.PutUint32(buf, 1)
	t.cache.Set(key, buf)
}

// CountForHost returns the cached error count for host (0 if none recorded).
func (t *Tracker) CountForHost(host string) uint32 {
	buf := make([]byte, 4)
	if v := t.cache.Get(buf[:0], []byte(host)); len(v) == 4 {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

// HostStatsFor returns a copy of the per-host breakdown, or nil if unseen.
func (t *Tracker) HostStatsFor(host string) *HostStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hs, ok := t.hostStats[host]
	if !ok {
		return nil
	}
	cp := *hs
	cp.ByKind = make(map[Kind]uint32, len(hs.ByKind))
	for k, v := range hs.ByKind {
		cp.ByKind[k] = v
	}
	return &cp
}

// Total returns the lifetime count of recorded errors across all hosts.
func (t *Tracker) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// ExportJSON returns the global total and per-host breakdown as JSON,
// useful for a run summary at engine shutdown.
func (t *Tracker) ExportJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	export := struct {
		Total     uint64                `json:"total"`
		HostStats map[string]*HostStats `json:"host_stats"`
	}{Total: t.total, HostStats: t.hostStats}
	return json.MarshalIndent(export, "", "  ")
}

// Report renders a short human-readable summary, mirroring the teacher's
// GenerateReport style.
func (t *Tracker) Report() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Error Tracker Report\n")
	b.WriteString("=====================\n")
	for host, hs := range t.hostStats {
		b.WriteString(host)
		b.WriteString(": ")
		for k, v := range hs.ByKind {
			b.WriteString(string(k))
			b.WriteString("=")
			b.WriteString(itoa(v))
			b.WriteString(" ")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var digits [10]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// Reset clears all recorded state.
func (t *Tracker) Reset() {
	t.cache.Reset()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hostStats = make(map[string]*HostStats)
	t.total = 0
}
