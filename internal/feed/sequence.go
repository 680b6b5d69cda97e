package feed

// SequenceTracker orders price updates per source. Stale updates are
// dropped, gaps are tolerated and counted: a missed price is superseded by
// the next one anyway.
// Not thread-safe; StreamFeed holds its lock while calling it.
type SequenceTracker struct {
	next map[string]uint64
	gaps map[string]uint64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		next: make(map[string]uint64),
		gaps: make(map[string]uint64),
	}
}

// Accept reports whether seq is newer than anything seen on partition, and
// advances the partition if so.
func (t *SequenceTracker) Accept(partition string, seq uint64) (accepted, gap bool) {
	expected, seen := t.next[partition]
	if seen && seq < expected {
		return false, false
	}
	if seen && seq > expected {
		t.gaps[partition]++
		gap = true
	}
	t.next[partition] = seq + 1
	return true, gap
}

// Expected returns the next sequence the partition is waiting for.
func (t *SequenceTracker) Expected(partition string) uint64 {
	return t.next[partition]
}

// Gaps returns how many gaps were seen on partition.
func (t *SequenceTracker) Gaps(partition string) uint64 {
	return t.gaps[partition]
}

// Reset sets the expected sequence, used when resuming from a snapshot.
func (t *SequenceTracker) Reset(partition string, next uint64) {
	t.next[partition] = next
}
