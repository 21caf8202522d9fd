package sync2_test

import (
	"testing"

	"github.com/cacheforge/vcache/internal/sync2"
)

func TestKeyLock(t *testing.T) {
	ml := sync2.NewKeyLock()
	key := "hi"
	unlock := ml.Lock(key)
	unlock()
	unlock = ml.RLock(key)
	unlock()
}

func BenchmarkKeyLock(b *testing.B) {
	b.ReportAllocs()
	ml := sync2.NewKeyLock()
	for i := 0; i < b.N; i++ {
		unlock := ml.Lock(i)
		unlock()
	}
}
