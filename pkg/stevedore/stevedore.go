// Package stevedore defines the storage-backend capability the object
// core depends on (spec.md §3 "Stored object") and provides one
// in-memory implementation so the rest of the core is exercisable
// without a real disk- or object-storage-backed stevedore (spec.md §1
// lists storage back-ends as an out-of-scope external collaborator).
package stevedore

import (
	"sync"

	"github.com/zeebo/errs"

	"github.com/cacheforge/vcache/pkg/digest"
	"github.com/cacheforge/vcache/pkg/objcore"
)

// Error is the class for stevedore misuse.
var Error = errs.Class("stevedore")

// Stevedore allocates storage for one object body at a time. The fetch
// FSM opens a Writer when it starts streaming a backend response into
// storage and closes it once the filter chain reaches EOF.
type Stevedore interface {
	// NewObject opens a Writer for d. Concurrent writers for the same
	// digest are the caller's problem to avoid (only one busy OC per
	// digest/vary exists at a time per spec.md §4.2).
	NewObject(d digest.Digest) Writer
}

// Writer accumulates one object's attributes and body bytes.
type Writer interface {
	// SetAttr records a fixed or variable attribute (status, reason,
	// proto, response, headers, vary).
	SetAttr(kind objcore.AttrKind, value []byte)
	// Append appends body bytes, copying p so the caller's buffer may
	// be reused immediately.
	Append(p []byte) error
	// Close finalizes the object and returns the objcore.Body view of
	// it. After Close, further Append calls return Error.
	Close() (objcore.Body, error)
	// Abort discards everything written so far, e.g. on fetch failure.
	Abort()
}

// memStevedore is a process-memory-backed Stevedore: every chunk
// appended to a Writer is retained verbatim, with no eviction of its
// own (eviction is the expiry engine and LRU's job, driven off the
// OC, not the stevedore).
type memStevedore struct {
	mu        sync.Mutex
	allocated int64 // bytes ever appended across all objects, for metrics
}

// New returns an in-memory Stevedore.
func New() Stevedore {
	return &memStevedore{}
}

func (s *memStevedore) NewObject(d digest.Digest) Writer {
	return &memWriter{stevedore: s, digest: d, attrs: make(map[objcore.AttrKind][]byte)}
}

// Allocated reports the total bytes ever appended across every object
// this stevedore has written, live or freed.
func (s *memStevedore) Allocated() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

type memWriter struct {
	stevedore *memStevedore
	digest    digest.Digest

	mu      sync.Mutex
	attrs   map[objcore.AttrKind][]byte
	chunks  [][]byte
	length  int64
	closed  bool
	aborted bool
}

func (w *memWriter) SetAttr(kind objcore.AttrKind, value []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	w.attrs[kind] = cp
}

func (w *memWriter) Append(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.aborted {
		return Error.New("append after close/abort")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	w.chunks = append(w.chunks, cp)
	w.length += int64(len(cp))

	w.stevedore.mu.Lock()
	w.stevedore.allocated += int64(len(cp))
	w.stevedore.mu.Unlock()
	return nil
}

func (w *memWriter) Close() (objcore.Body, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted {
		return nil, Error.New("close after abort")
	}
	w.closed = true
	return &memBody{attrs: w.attrs, chunks: w.chunks, length: w.length}, nil
}

func (w *memWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
	w.chunks = nil
}

// memBody is the objcore.Body view of a completed in-memory object.
type memBody struct {
	mu       sync.Mutex
	attrs    map[objcore.AttrKind][]byte
	chunks   [][]byte
	length   int64
	released bool
}

func (b *memBody) HasAttr(kind objcore.AttrKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.attrs[kind]
	return ok
}

func (b *memBody) GetAttr(kind objcore.AttrKind) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.attrs[kind]
	return v, ok
}

func (b *memBody) Iterate(fn func([]byte) bool) error {
	b.mu.Lock()
	chunks := b.chunks
	b.mu.Unlock()

	for _, c := range chunks {
		if !fn(c) {
			return nil
		}
	}
	return nil
}

func (b *memBody) Len() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length, true
}

func (b *memBody) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	b.chunks = nil
}
