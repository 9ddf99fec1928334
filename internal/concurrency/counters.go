package concurrency

import "slices"

// Counters is the in-memory counterpart of SQLLimiter used by the memory
// store. It is not safe for concurrent use; the store serializes access.
type Counters map[string][]string

// TryAcquire mirrors SQLLimiter.TryAcquire.
func (c Counters) TryAcquire(key string, limit int, jobID string) bool {
	ids := c[key]
	if slices.Contains(ids, jobID) {
		return true
	}
	if limit > 0 && len(ids) >= limit {
		return false
	}
	c[key] = append(slices.Clone(ids), jobID)
	return true
}

// Release mirrors SQLLimiter.Release.
func (c Counters) Release(key, jobID string) bool {
	ids := c[key]
	idx := slices.Index(ids, jobID)
	if idx < 0 {
		return false
	}
	c[key] = slices.Delete(slices.Clone(ids), idx, idx+1)
	return true
}

// Count returns the holders of key.
func (c Counters) Count(key string) (int, []string) {
	ids := c[key]
	return len(ids), slices.Clone(ids)
}

// Clone copies the counters.
func (c Counters) Clone() Counters {
	cp := make(Counters, len(c))
	for k, v := range c {
		cp[k] = slices.Clone(v)
	}
	return cp
}
