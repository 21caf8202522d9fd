// Package ws implements the per-task bump-pointer workspace allocator.
//
// A Workspace replaces general purpose allocation on request/fetch hot
// paths: it is a single contiguous region with a free pointer that only
// moves forward, plus one outstanding reservation window. Overflow is
// sticky: once a Workspace has failed to satisfy an allocation, every
// later Alloc also fails until the Workspace is Reset to its initial
// Mark (0); a Reset to any other Mark leaves the overflow bit set.
package ws

import "github.com/zeebo/errs"

// Error is the class for workspace allocation failures.
var Error = errs.Class("workspace")

const alignment = 8

// Mark is an opaque snapshot of a Workspace's free pointer.
type Mark int

// Workspace is a single-owner bump-pointer arena.
//
// Workspace is not safe for concurrent use; each task (session, request,
// busy-object) owns exactly one.
type Workspace struct {
	id       string
	buf      []byte
	free     int
	reserved int // -1 when no reservation is outstanding
	overflow bool
}

// New allocates a Workspace backed by a region of the given size.
func New(id string, size int) *Workspace {
	return &Workspace{
		id:       id,
		buf:      make([]byte, size),
		free:     0,
		reserved: -1,
	}
}

// Snapshot returns a Mark that can later be passed to Reset.
func (w *Workspace) Snapshot() Mark {
	return Mark(w.free)
}

// Reset rewinds the free pointer to mark. Overflow is cleared only when
// resetting all the way back to the Workspace's initial mark (0).
func (w *Workspace) Reset(mark Mark) {
	w.free = int(mark)
	if mark == 0 {
		w.overflow = false
	}
}

// Overflowed reports whether this Workspace has stickily failed an
// allocation since its last full reset.
func (w *Workspace) Overflowed() bool {
	return w.overflow
}

// Avail returns the number of bytes currently available for Alloc,
// accounting for any outstanding reservation.
func (w *Workspace) Avail() int {
	end := len(w.buf)
	if w.reserved >= 0 {
		end = w.reserved
	}
	if end < w.free {
		return 0
	}
	return end - w.free
}

func align(n int) int {
	if r := n % alignment; r != 0 {
		n += alignment - r
	}
	return n
}

// Alloc returns a pointer-size aligned region of n bytes, or fails.
// A failed allocation sets the sticky overflow bit.
func (w *Workspace) Alloc(n int) ([]byte, error) {
	if w.overflow {
		return nil, Error.New("%s: sticky overflow", w.id)
	}
	n = align(n)
	if n > w.Avail() {
		w.overflow = true
		return nil, Error.New("%s: out of space (want %d, have %d)", w.id, n, w.Avail())
	}
	p := w.buf[w.free : w.free+n : w.free+n]
	w.free += n
	return p, nil
}

// Copy allocates len(src) bytes and copies src into them.
func (w *Workspace) Copy(src []byte) ([]byte, error) {
	dst, err := w.Alloc(len(src))
	if err != nil {
		return nil, err
	}
	copy(dst, src)
	return dst, nil
}

// CopyString is Copy for strings.
func (w *Workspace) CopyString(s string) (string, error) {
	b, err := w.Copy([]byte(s))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Reserve opens a reservation window of up to n bytes (or the entire
// remainder of the Workspace if n is 0) and returns the usable length.
// At most one reservation may be outstanding at a time.
func (w *Workspace) Reserve(n int) (int, error) {
	if w.reserved >= 0 {
		return 0, Error.New("%s: reservation already outstanding", w.id)
	}
	avail := len(w.buf) - w.free
	if n <= 0 || n > avail {
		n = avail
	}
	w.reserved = w.free + n
	return n, nil
}

// ReservedSlice returns the raw bytes of the current reservation window,
// for the caller to fill before calling Release.
func (w *Workspace) ReservedSlice() []byte {
	if w.reserved < 0 {
		return nil
	}
	return w.buf[w.free:w.reserved]
}

// Release closes the outstanding reservation, committing usedBytes of it
// (rounded up to alignment) to the Workspace and discarding the rest.
func (w *Workspace) Release(usedBytes int) error {
	if w.reserved < 0 {
		return Error.New("%s: no outstanding reservation", w.id)
	}
	max := w.reserved - w.free
	if usedBytes < 0 || usedBytes > max {
		w.reserved = -1
		w.overflow = true
		return Error.New("%s: release out of range", w.id)
	}
	w.free += align(usedBytes)
	if w.free > w.reserved {
		w.free = w.reserved
	}
	w.reserved = -1
	return nil
}
