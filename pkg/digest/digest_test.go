package digest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/digest"
)

func TestDefaultIsStable(t *testing.T) {
	a := digest.Default("/a", "h")
	b := digest.Default("/a", "h")
	require.Equal(t, a, b)
}

func TestDefaultDistinguishesURLVsHost(t *testing.T) {
	a := digest.Default("/a", "h")
	b := digest.Default("/ah", "")
	require.NotEqual(t, a, b, "length-prefixing must prevent concatenation collisions")
}

func TestBuilderExtensible(t *testing.T) {
	base := digest.NewBuilder()
	base.AddString("/a")
	base.AddString("h")
	withoutVary := base.Digest()

	base.AddString("gzip")
	withVary := base.Digest()

	require.NotEqual(t, withoutVary, withVary)
}
