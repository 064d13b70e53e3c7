package backend

import "sync"

// stderrRing retains the last StderrRingSize redacted stderr chunks of a
// stdio child for operator inspection.
type stderrRing struct {
	mu      sync.Mutex
	entries []string
	max     int
}

func newStderrRing() *stderrRing {
	return &stderrRing{max: StderrRingSize}
}

// Push redacts, truncates and stores one stderr chunk, evicting the oldest
// entry when full.
func (r *stderrRing) Push(chunk string) {
	entry := TruncateChunk(RedactSecrets(chunk))

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.max {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = entry
		return
	}
	r.entries = append(r.entries, entry)
}

// Snapshot returns the retained chunks, oldest first.
func (r *stderrRing) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}
