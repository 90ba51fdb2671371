package cache

import "sort"

// evictionCandidate is an entry considered for removal. Corrupt entries are treated as expired.
type evictionCandidate struct {
	key       string
	expiresAt int64
	corrupt   bool
}

func (e evictionCandidate) expired(now int64) bool {
	return e.corrupt || (e.expiresAt != 0 && e.expiresAt <= now)
}

// evict prunes candidates until over reports false. Expired entries are always removed first,
// then the remaining entries in order of expiry, never-expiring entries last and ties by key.
// remove reports whether the entry was deleted; failures are skipped. It returns the number
// of removed entries.
func evict(cands []evictionCandidate, now int64, over func() bool, remove func(evictionCandidate) bool) int {
	removed := 0
	live := cands[:0:0]
	for _, c := range cands {
		if c.expired(now) {
			if remove(c) {
				removed++
			}
			continue
		}
		live = append(live, c)
	}
	if !over() {
		return removed
	}
	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.expiresAt != b.expiresAt {
			if a.expiresAt == 0 {
				return false
			}
			if b.expiresAt == 0 {
				return true
			}
			return a.expiresAt < b.expiresAt
		}
		return a.key < b.key
	})
	for _, c := range live {
		if !over() {
			break
		}
		if remove(c) {
			removed++
		}
	}
	return removed
}
