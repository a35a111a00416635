package xlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/devrev/pairdb/walrelay/internal/model"
)

// IndexEntry describes one closed segment known to an Xdir.
type IndexEntry struct {
	Signature   int64
	StartVClock model.VClock
	Path        string
}

// Xdir is the sorted index of closed segments in a WAL directory. Per the
// open question resolved in DESIGN.md, the index only ever contains
// segments that have been closed: the currently-open segment is tracked
// separately by the WAL writer and is not visible through Xdir until it
// rotates.
type Xdir struct {
	mu      sync.RWMutex
	dir     string
	entries []IndexEntry // kept sorted by Signature ascending
}

// Open scans dir for existing *.xlog segments and builds an index from
// their headers. Files ending in CorruptedExt are skipped.
func Open(dir string) (*Xdir, error) {
	x := &Xdir{dir: dir}

	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return x, nil
		}
		return nil, fmt.Errorf("xlog: scan dir: %w", err)
	}

	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, CorruptedExt) || !strings.HasSuffix(name, FileExt) {
			continue
		}
		path := filepath.Join(dir, name)
		rd, err := OpenReader(path)
		if err != nil {
			if markErr := MarkCorrupted(path); markErr != nil {
				return nil, fmt.Errorf("xlog: mark corrupted %s: %w", path, markErr)
			}
			continue
		}
		rd.Close()

		sig, err := signatureFromName(name)
		if err != nil {
			return nil, err
		}
		x.entries = append(x.entries, IndexEntry{
			Signature:   sig,
			StartVClock: rd.Header.StartVClock,
			Path:        path,
		})
	}

	sort.Slice(x.entries, func(i, j int) bool { return x.entries[i].Signature < x.entries[j].Signature })
	return x, nil
}

func signatureFromName(name string) (int64, error) {
	base := strings.TrimSuffix(name, FileExt)
	sig, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("xlog: bad segment filename %q: %w", name, err)
	}
	return sig, nil
}

// Add records a newly closed segment in the index. Callers must close the
// segment before calling Add, keeping the invariant that the index never
// names an open file.
func (x *Xdir) Add(e IndexEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].Signature >= e.Signature })
	x.entries = append(x.entries, IndexEntry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = e
}

// First returns the oldest indexed segment, or ok=false if the index is
// empty.
func (x *Xdir) First() (IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.entries) == 0 {
		return IndexEntry{}, false
	}
	return x.entries[0], true
}

// Last returns the newest indexed (closed) segment, or ok=false if empty.
func (x *Xdir) Last() (IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.entries) == 0 {
		return IndexEntry{}, false
	}
	return x.entries[len(x.entries)-1], true
}

// Next returns the first indexed segment starting strictly after sig, or
// ok=false if there isn't one.
func (x *Xdir) Next(sig int64) (IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].Signature > sig })
	if i >= len(x.entries) {
		return IndexEntry{}, false
	}
	return x.entries[i], true
}

// Match returns the segment most likely to contain v: the one with the
// greatest starting signature <= v's signature. This mirrors
// vclockset_match from the reference recovery path, used to find where
// file-backed replay should begin for a requested VClock.
func (x *Xdir) Match(v model.VClock) (IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	target := v.Signature()
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].Signature > target })
	if i == 0 {
		return IndexEntry{}, false
	}
	return x.entries[i-1], true
}

// Collectible returns every indexed segment whose starting signature is
// <= horizon's signature, excluding the single newest among them (the WAL
// GC algorithm must always retain the segment a cursor could currently be
// positioned in, i.e. the last one at or before the horizon).
func (x *Xdir) Collectible(horizon model.VClock) []IndexEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	target := horizon.Signature()
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].Signature > target })
	if i <= 1 {
		return nil
	}
	out := make([]IndexEntry, i-1)
	copy(out, x.entries[:i-1])
	return out
}

// Remove drops an entry from the index by signature, used after GC
// deletes the underlying file.
func (x *Xdir) Remove(sig int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, e := range x.entries {
		if e.Signature == sig {
			x.entries = append(x.entries[:i], x.entries[i+1:]...)
			return
		}
	}
}

// All returns a snapshot of the current index, oldest first.
func (x *Xdir) All() []IndexEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]IndexEntry, len(x.entries))
	copy(out, x.entries)
	return out
}
