package fetch

import (
	"compress/gzip"
	"context"
	"io"

	"github.com/cacheforge/vcache/internal/sync2"
	"github.com/cacheforge/vcache/pkg/boc"
	"github.com/cacheforge/vcache/pkg/objcore"
	"github.com/cacheforge/vcache/pkg/stevedore"
)

// PullResult is the outcome of one Filter.Pull call (spec.md §4.5
// "Filter chain").
type PullResult int

const (
	PullOK PullResult = iota
	PullEnd
	PullError
)

// Filter is one stage of the fetch body pipeline: init, pull, fini.
// The protocol-framing stages (length/chunked/EOF) are realized as
// plain io.Reader composition over the director's response body, since
// net/http already performs that framing; Filter itself models the
// stages with real state of their own: optional decompression and the
// storage-append sink (spec.md §4.5).
type Filter interface {
	Init() error
	Pull(ctx context.Context, buf []byte) (n int, result PullResult, err error)
	Fini()
}

// gunzipFilter decompresses the underlying reader. Once it returns
// PullError it stays stuck there (errors are sticky, per spec.md
// §4.5).
type gunzipFilter struct {
	src    io.Reader
	gz     *gzip.Reader
	sticky bool
}

func newGunzipFilter(src io.Reader) *gunzipFilter {
	return &gunzipFilter{src: src}
}

func (f *gunzipFilter) Init() error {
	gz, err := gzip.NewReader(f.src)
	if err != nil {
		f.sticky = true
		return err
	}
	f.gz = gz
	return nil
}

func (f *gunzipFilter) Pull(ctx context.Context, buf []byte) (int, PullResult, error) {
	if f.sticky {
		return 0, PullError, io.ErrClosedPipe
	}
	n, err := f.gz.Read(buf)
	switch {
	case err == io.EOF:
		return n, PullEnd, nil
	case err != nil:
		f.sticky = true
		return n, PullError, err
	default:
		return n, PullOK, nil
	}
}

func (f *gunzipFilter) Fini() {
	if f.gz != nil {
		_ = f.gz.Close()
	}
}

// passthroughFilter reads src verbatim: the bottom-of-chain stage when
// no decompression is requested. No ESI parsing stage exists in this
// chain; the body is stored as received.
type passthroughFilter struct {
	src    io.Reader
	sticky bool
}

func newPassthroughFilter(src io.Reader) *passthroughFilter {
	return &passthroughFilter{src: src}
}

func (f *passthroughFilter) Init() error { return nil }

func (f *passthroughFilter) Pull(ctx context.Context, buf []byte) (int, PullResult, error) {
	if f.sticky {
		return 0, PullError, io.ErrClosedPipe
	}
	n, err := f.src.Read(buf)
	switch {
	case err == io.EOF:
		return n, PullEnd, nil
	case err != nil:
		f.sticky = true
		return n, PullError, err
	default:
		return n, PullOK, nil
	}
}

func (f *passthroughFilter) Fini() {}

// storageSink is the top of the chain: it pulls from upstream and
// appends each chunk to the stevedore writer, publishing progress on
// the BOC as it goes (spec.md §4.5 "BOC publication").
type storageSink struct {
	upstream Filter
	writer   stevedore.Writer
	oc       *objcore.OC
	boc      *boc.BOC
	limiter  *sync2.Limiter // unused: newStorageSink leaves it nil and Drain does not consult it

	total uint64
}

func newStorageSink(upstream Filter, writer stevedore.Writer, oc *objcore.OC) *storageSink {
	return &storageSink{upstream: upstream, writer: writer, oc: oc, boc: oc.BOC()}
}

// Drain pulls the upstream chain to completion, appending every chunk
// to storage and advancing the BOC. It returns the total byte count
// and the terminal PullResult (PullEnd on success, PullError on
// failure).
func (s *storageSink) Drain(ctx context.Context) (uint64, PullResult, error) {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return s.total, PullError, ctx.Err()
		default:
		}

		n, result, err := s.upstream.Pull(ctx, buf)
		if n > 0 {
			if werr := s.writer.Append(buf[:n]); werr != nil {
				return s.total, PullError, werr
			}
			s.total += uint64(n)
			if berr := s.boc.Append(uint64(n)); berr != nil {
				return s.total, PullError, berr
			}
		}
		switch result {
		case PullEnd:
			return s.total, PullEnd, nil
		case PullError:
			return s.total, PullError, err
		}
	}
}
