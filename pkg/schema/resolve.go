package schema

import (
	"bytes"
	"context"
	"io"
)

func newCtx() context.Context { return context.Background() }

// newReadCloser adapts an in-memory byte slice to io.ReadCloser, as required
// by protocompile.SearchResult.Source.
func newReadCloser(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}
