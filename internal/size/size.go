// Package size provides a typed byte-count value for configuration
// parameters (workspace sizes, header limits), in the style of
// storj.io/common/memory.Size: parsed from and rendered as
// human-readable suffixes rather than raw integers.
package size

import (
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class for malformed size values.
var Error = errs.Class("size")

// Size is a byte count. The zero value is zero bytes.
type Size int64

const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
)

var suffixes = []struct {
	suffix string
	unit   Size
}{
	{"GB", GB},
	{"MB", MB},
	{"KB", KB},
	{"B", B},
}

// String renders s using the largest suffix that divides it evenly,
// falling back to plain bytes.
func (s Size) String() string {
	for _, u := range suffixes {
		if u.unit > B && s != 0 && s%u.unit == 0 {
			return strconv.FormatInt(int64(s/u.unit), 10) + u.suffix
		}
	}
	return strconv.FormatInt(int64(s), 10) + "B"
}

// Set parses a string like "4MB", "512KB" or a bare byte count,
// implementing pflag.Value and viper's string-unmarshal hook.
func (s *Size) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return Error.New("empty size")
	}
	for _, u := range suffixes {
		if strings.HasSuffix(v, u.suffix) {
			numPart := strings.TrimSuffix(v, u.suffix)
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return Error.Wrap(err)
			}
			*s = Size(n) * u.unit
			return nil
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Error.New("cannot parse %q as a size", v)
	}
	*s = Size(n)
	return nil
}

// Type implements pflag.Value.
func (Size) Type() string { return "size" }

// Bytes returns the size as a plain int64 byte count.
func (s Size) Bytes() int64 { return int64(s) }

// ParseSize parses v the way Set does, returning a fresh Size.
func ParseSize(v string) (Size, error) {
	var s Size
	err := s.Set(v)
	return s, err
}
