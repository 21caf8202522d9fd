package objcore

import (
	"sync"

	"github.com/cacheforge/vcache/pkg/digest"
)

// bucketMap is the digest -> ObjectHead map backing Store. It has its
// own mutex because Go maps aren't safe for concurrent access even when
// callers have already serialized per-digest via KeyLock (two different
// digests may race on the map itself).
type bucketMap struct {
	mu sync.Mutex
	m  map[digest.Digest]*ObjectHead
}

func newBucketMap() *bucketMap {
	return &bucketMap{m: make(map[digest.Digest]*ObjectHead)}
}

func (b *bucketMap) get(d digest.Digest) *ObjectHead {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m[d]
}

func (b *bucketMap) getOrCreate(d digest.Digest, newFn func(digest.Digest) *ObjectHead) *ObjectHead {
	b.mu.Lock()
	defer b.mu.Unlock()
	if oh, ok := b.m[d]; ok {
		return oh
	}
	oh := newFn(d)
	b.m[d] = oh
	return oh
}

func (b *bucketMap) deleteIfEmpty(d digest.Digest, oh *ObjectHead) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.m[d]; ok && cur == oh {
		oh.mu.Lock()
		empty := len(oh.ocs) == 0 && len(oh.waitq) == 0
		oh.mu.Unlock()
		if empty {
			delete(b.m, d)
		}
	}
}
