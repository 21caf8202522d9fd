package closereason_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/closereason"
)

func TestErrorBit(t *testing.T) {
	require.True(t, closereason.RxTimeout.IsError())
	require.False(t, closereason.RemClose.IsError())
	require.Equal(t, "rx_timeout", closereason.RxTimeout.String())
}

func TestUnknownReason(t *testing.T) {
	var r closereason.Reason = 999
	require.Equal(t, "unknown", r.String())
}
