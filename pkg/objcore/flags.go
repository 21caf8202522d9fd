package objcore

// Flags is the OC flag bitmask (spec.md §3).
type Flags uint32

const (
	FlagBusy Flags = 1 << iota
	FlagHFM         // hit-for-miss: cached decision to skip coalescing
	FlagHFP         // hit-for-pass: cached decision to bypass the cache
	FlagPrivate
	FlagPass
	FlagPurged
	FlagAbandon
	FlagFailed
	FlagDying
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Any reports whether any bit in want is set.
func (f Flags) Any(want Flags) bool { return f&want != 0 }
