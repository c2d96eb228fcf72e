// Package linkage holds the pure decision logic of the coherency core: is an
// item linked to its discussion thread, and must caching be withheld while the
// linkage is still settling.
package linkage

import (
	"strings"
	"time"

	"github.com/l0p7/purgectrl/internal/host"
)

// KeySet is the ordered set of metadata keys that are authoritative for
// linkage presence. It is built once at startup and never mutated; order
// matters because trigger evaluation fires on the first matching key.
type KeySet struct {
	keys []string
}

// NewKeySet normalizes the configured key names: blanks dropped, duplicates
// removed, first-seen order kept.
func NewKeySet(keys ...string) KeySet {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return KeySet{keys: out}
}

// Keys returns a copy of the recognized key names in configured order.
func (ks KeySet) Keys() []string {
	out := make([]string, len(ks.keys))
	copy(out, ks.keys)
	return out
}

// Len reports how many keys are recognized.
func (ks KeySet) Len() int { return len(ks.keys) }

// Contains reports whether key is one of the recognized linkage keys.
func (ks KeySet) Contains(key string) bool {
	key = strings.TrimSpace(key)
	for _, k := range ks.keys {
		if k == key {
			return true
		}
	}
	return false
}

// FirstMatch scans the keys in configured order and returns the first one the
// item carries a non-empty value for.
func (ks KeySet) FirstMatch(item host.Item) (string, bool) {
	for _, k := range ks.keys {
		if item.Meta(k) != "" {
			return k, true
		}
	}
	return "", false
}

// Policy decides linkage presence and cache gating. Grace is a bounded
// waiting window in minutes; zero means gate indefinitely until the linkage
// arrives.
type Policy struct {
	keys  KeySet
	grace int
}

// NewPolicy builds a policy over the recognized keys with the given grace
// period in minutes. Negative grace values behave like zero.
func NewPolicy(keys KeySet, graceMinutes int) Policy {
	if graceMinutes < 0 {
		graceMinutes = 0
	}
	return Policy{keys: keys, grace: graceMinutes}
}

// Keys exposes the recognized key set.
func (p Policy) Keys() KeySet { return p.keys }

// IsLinked reports whether any recognized key carries a non-empty value.
func (p Policy) IsLinked(item host.Item) bool {
	_, ok := p.keys.FirstMatch(item)
	return ok
}

// ShouldGate decides whether caching must be withheld for the item at the
// given instant. Only published items are ever gated; the caller is
// responsible for ensuring the request targets this single item. A linked item
// never gates. An unlinked one gates until the grace period expires, measured
// in whole minutes since publish with the boundary minute included: grace 10
// still gates at publish+9m and stops at publish+10m. When the publish instant
// is unknown, expiry cannot be determined and gating continues indefinitely.
func (p Policy) ShouldGate(item host.Item, now time.Time) bool {
	if !item.Published() {
		return false
	}
	if p.IsLinked(item) {
		return false
	}
	if p.grace > 0 && item.PublishedAt != nil {
		minutes := int(now.Sub(*item.PublishedAt) / time.Minute)
		if minutes >= p.grace {
			return false
		}
	}
	return true
}
