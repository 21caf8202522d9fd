package objcore

// AttrKind identifies one of the fixed or variable stored-object
// attributes (spec.md §3 "Stored object", §6 "Object attributes").
type AttrKind int

const (
	AttrStatus AttrKind = iota
	AttrReason
	AttrProto
	AttrResponse // the raw status line
	AttrHeaders  // variable-length header blob
	AttrVary
)

// Body is the capability set the object core uses to read a
// stevedore-owned stored object without knowing its storage layout
// (spec.md §3 "Stored object", §6 "Object attributes"). A real
// stevedore backs this with disk or memory; pkg/stevedore ships an
// in-memory reference implementation.
type Body interface {
	// HasAttr reports whether the given attribute is present.
	HasAttr(kind AttrKind) bool
	// GetAttr returns the attribute's bytes, or ok=false if absent.
	GetAttr(kind AttrKind) (value []byte, ok bool)
	// Iterate streams the object's raw body bytes to fn in order,
	// calling fn with each chunk; it returns early if fn returns false.
	Iterate(fn func(chunk []byte) bool) error
	// Len returns the known content length, or (0, false) if the length
	// is not yet known (e.g. an object still streaming from a fetch).
	Len() (n int64, known bool)
	// Release frees the stevedore's storage for this body. Called when
	// the owning OC's refcount reaches zero.
	Release()
}
