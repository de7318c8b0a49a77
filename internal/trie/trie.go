// Package trie implements FastLookup: a four-level sparse trie mapping
// a 64-bit UID to an opaque value, one 16-bit slice of the UID per
// level, most-significant first (§4.3).
package trie

import (
	"sync"

	"snchub/internal/uid"
)

const levelWidth = 1 << 16

type level3 [levelWidth]any // leaf: value or nil
type level2 [levelWidth]*level3
type level1 [levelWidth]*level2

// FastLookup is the UID -> opaque value map. All operations take a
// single mutex over the whole structure; deleted leaves are left as
// nil rather than reclaiming intermediate arrays, since UID
// populations are small and bounded in practice.
type FastLookup struct {
	mu   sync.Mutex
	root [levelWidth]*level1
}

// New returns an empty trie.
func New() *FastLookup {
	return &FastLookup{}
}

func split(u uid.UID) (a, b, c, d uint16) {
	v := uint64(u)
	a = uint16(v >> 48)
	b = uint16(v >> 32)
	c = uint16(v >> 16)
	d = uint16(v)
	return
}

// Add inserts value for u, first deleting any previous entry so the
// trie never holds two entries for one UID.
func (f *FastLookup) Add(u uid.UID, value any) {
	a, b, c, d := split(u)
	f.mu.Lock()
	defer f.mu.Unlock()

	l1 := f.root[a]
	if l1 == nil {
		l1 = &level1{}
		f.root[a] = l1
	}
	l2 := l1[b]
	if l2 == nil {
		l2 = &level2{}
		l1[b] = l2
	}
	l3 := l2[c]
	if l3 == nil {
		l3 = &level3{}
		l2[c] = l3
	}
	l3[d] = value
}

// Lookup returns the value for u and whether it was present.
func (f *FastLookup) Lookup(u uid.UID) (any, bool) {
	a, b, c, d := split(u)
	f.mu.Lock()
	defer f.mu.Unlock()

	l1 := f.root[a]
	if l1 == nil {
		return nil, false
	}
	l2 := l1[b]
	if l2 == nil {
		return nil, false
	}
	l3 := l2[c]
	if l3 == nil {
		return nil, false
	}
	v := l3[d]
	return v, v != nil
}

// Delete removes any entry for u.
func (f *FastLookup) Delete(u uid.UID) {
	a, b, c, d := split(u)
	f.mu.Lock()
	defer f.mu.Unlock()

	l1 := f.root[a]
	if l1 == nil {
		return
	}
	l2 := l1[b]
	if l2 == nil {
		return
	}
	l3 := l2[c]
	if l3 == nil {
		return
	}
	l3[d] = nil
}

// Snapshot returns every UID currently present, for diagnostics.
func (f *FastLookup) Snapshot() []uid.UID {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []uid.UID
	for a, l1 := range f.root {
		if l1 == nil {
			continue
		}
		for b, l2 := range l1 {
			if l2 == nil {
				continue
			}
			for c, l3 := range l2 {
				if l3 == nil {
					continue
				}
				for d, v := range l3 {
					if v != nil {
						out = append(out, uid.New(hostFromParts(uint16(a), uint16(b), uint16(c)), uint16(d)))
					}
				}
			}
		}
	}
	return out
}

func hostFromParts(a, b, c uint16) [6]byte {
	var h [6]byte
	h[0] = byte(a >> 8)
	h[1] = byte(a)
	h[2] = byte(b >> 8)
	h[3] = byte(b)
	h[4] = byte(c >> 8)
	h[5] = byte(c)
	return h
}
