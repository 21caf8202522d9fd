// Package lifecycle sequences the daemon's background services (the
// expiry engine, the ban lurker, the acceptor, the monkit metric
// handler) through a common Run/Close protocol, adapted from the
// teacher's private/lifecycle.
package lifecycle

import (
	"context"
	"runtime"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// runner is satisfied by *golang.org/x/sync/errgroup.Group.
// internal/sync2.WorkGroup does not satisfy it: its Go takes a func()
// and returns a bool.
type runner interface {
	Go(func() error)
}

// Item is one service sequenced by a Group. Either Run or Close may be
// nil: a nil Run means the item has no background loop (only cleanup);
// a nil Close means the item needs no explicit teardown.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group owns an ordered list of Items, starting all of them together
// and closing them in reverse order so a later item (which may depend
// on an earlier one, e.g. the acceptor depending on the object store)
// is always torn down first.
type Group struct {
	log *zap.Logger

	mu    sync.Mutex
	items []Item
}

// NewGroup returns an empty Group logging through log.
func NewGroup(log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{log: log}
}

// Add appends item to the group. Add must not be called concurrently
// with Run or Close.
func (g *Group) Add(item Item) {
	g.mu.Lock()
	g.items = append(g.items, item)
	g.mu.Unlock()
}

// Run starts every Item with a non-nil Run on its own goroutine via
// runner.Go (typically an *errgroup.Group, so the first error cancels
// every sibling's context). Items with a nil Run are skipped.
func (g *Group) Run(ctx context.Context, run runner) {
	g.mu.Lock()
	items := append([]Item(nil), g.items...)
	g.mu.Unlock()

	for _, item := range items {
		if item.Run == nil {
			continue
		}
		item := item
		run.Go(func() (err error) {
			defer g.recoverPanic(item.Name)
			g.log.Debug("starting", zap.String("name", item.Name))
			err = item.Run(ctx)
			if err != nil && ctx.Err() == nil {
				g.log.Error("service exited", zap.String("name", item.Name), zap.Error(err))
			}
			return err
		})
	}
}

// Close calls every Item's non-nil Close, newest-added first, combining
// every error returned. One item's Close panicking or failing does not
// prevent the others from being attempted.
func (g *Group) Close() error {
	g.mu.Lock()
	items := append([]Item(nil), g.items...)
	g.mu.Unlock()

	var combined errs.Group
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Close == nil {
			continue
		}
		if err := g.closeOne(item); err != nil {
			combined.Add(err)
		}
	}
	return combined.Err()
}

func (g *Group) closeOne(item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("panic while closing", zap.String("name", item.Name), zap.Stack("stack"))
			err = errs.New("panic closing %s: %v", item.Name, r)
		}
	}()
	if closeErr := item.Close(); closeErr != nil {
		g.log.Error("close failed", zap.String("name", item.Name), zap.Error(closeErr))
		return closeErr
	}
	return nil
}

// recoverPanic converts a panicking Item.Run into a logged, condensed
// stack trace rather than crashing the whole group.
func (g *Group) recoverPanic(name string) {
	if r := recover(); r != nil {
		buf := make([]byte, 64*1024)
		n := runtime.Stack(buf, false)
		g.log.Error("panic in service",
			zap.String("name", name),
			zap.Any("recovered", r),
			zap.ByteString("stack", condenseStack(buf[:n])))
	}
}
