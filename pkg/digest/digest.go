// Package digest computes the request fingerprint used as the object
// store's hash key (spec.md §4.2): a 256-bit digest accumulated over a
// canonical sequence of byte strings, default inputs URL and Host,
// extensible by directives that add further components (e.g. a Vary
// header, a cookie value, a normalized Accept-Encoding).
package digest

import (
	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes.
const Size = 32

// Digest is the 32-byte request fingerprint.
type Digest [Size]byte

// Builder accumulates a canonical sequence of byte strings and produces
// a Digest. Components are length-prefixed so that {"ab","c"} and
// {"a","bc"} hash differently.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends one canonical component to the hash input.
func (b *Builder) Add(component []byte) {
	var lenPrefix [8]byte
	n := uint64(len(component))
	for i := 0; i < 8; i++ {
		lenPrefix[i] = byte(n >> (8 * i))
	}
	b.buf = append(b.buf, lenPrefix[:]...)
	b.buf = append(b.buf, component...)
}

// AddString is Add for strings.
func (b *Builder) AddString(s string) {
	b.Add([]byte(s))
}

// Digest finalizes the accumulated input into a 256-bit digest. Digest
// may be called more than once; it does not consume the builder.
func (b *Builder) Digest() Digest {
	return Digest(blake2b.Sum256(b.buf))
}

// Default builds the digest for the default hash inputs named by
// spec.md §4.2: URL and Host. Directives extend this via a fresh
// Builder that adds further components (Vary-driven headers, cookies,
// and so on) before finalizing.
func Default(url, host string) Digest {
	b := NewBuilder()
	b.AddString(url)
	b.AddString(host)
	return b.Digest()
}
