// Package matcher evaluates a RuleDoc's top-level gate and per-response
// "when" conditions against a decoded request, normalized metadata, and
// optional stream context, then selects the highest-priority candidate
// response.
package matcher

import "strings"

// StreamContext carries the aggregated/per-item stream fields that are
// first-class path roots alongside request/metadata. Only the fields
// relevant to the current call shape are populated: server-streaming
// emission populates Index/Total/IsFirst/IsLast per item; client/bidi
// aggregation populates Count/First/Last once.
type StreamContext struct {
	Index   int
	Total   int
	IsFirst bool
	IsLast  bool

	Count int
	First any
	Last  any
}

func (s *StreamContext) asMap() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"index":   s.Index,
		"total":   s.Total,
		"isFirst": s.IsFirst,
		"isLast":  s.IsLast,
		"count":   s.Count,
		"first":   s.First,
		"last":    s.Last,
	}
}

// Root builds the composite path-resolution root: "request.a.b.c" indexes
// into the decoded request, "metadata.k" accesses a header, and bare paths
// traverse {request, metadata}. Stream is folded in under the "stream" key
// so "stream.index" etc. resolve identically.
func Root(request any, metadata map[string]string, stream *StreamContext) map[string]any {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[strings.ToLower(k)] = v
	}
	return map[string]any{
		"request":  request,
		"metadata": meta,
		"stream":   stream.asMap(),
	}
}

// Resolve walks a dotted path (e.g. "request.name", "metadata.authorization",
// "stream.index") against root, returning the value and whether it was
// found at all (the distinction matters for every operator except
// "exists", which treats an absent path and a null value alike).
func Resolve(path string, root map[string]any) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")

	var cur any = root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
