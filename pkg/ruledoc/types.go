// Package ruledoc holds the on-disk rule document model: RuleDoc,
// ResponseOption, and the tagged-union Matcher value, plus the Store that
// loads rules/grpc/*.{yaml,json} into a case-insensitive rule-key index.
package ruledoc

// RuleDoc is the per-method rule document loaded from a rules/grpc file.
type RuleDoc struct {
	Match     *Gate             `yaml:"match,omitempty" json:"match,omitempty"`
	Responses []ResponseOption  `yaml:"responses" json:"responses"`
	Extra     map[string]any    `yaml:"-" json:"-"` // never filled by decoding: unknown top-level keys are dropped
}

// Gate is the optional top-level match gate. All conditions across both
// sub-sections are AND-joined.
type Gate struct {
	Request  map[string]Matcher `yaml:"request,omitempty" json:"request,omitempty"`
	Metadata map[string]Matcher `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ResponseOption is one candidate response, selected by highest priority
// among those whose When conditions all hold.
type ResponseOption struct {
	When             map[string]Matcher `yaml:"when,omitempty" json:"when,omitempty"`
	Body             any                 `yaml:"body,omitempty" json:"body,omitempty"`
	StreamItems      []any               `yaml:"stream_items,omitempty" json:"stream_items,omitempty"`
	StreamDelayMs    *int                `yaml:"stream_delay_ms,omitempty" json:"stream_delay_ms,omitempty"`
	DelayMs          *int                `yaml:"delay_ms,omitempty" json:"delay_ms,omitempty"`
	StreamLoop       bool                `yaml:"stream_loop,omitempty" json:"stream_loop,omitempty"`
	StreamRandomOrder bool               `yaml:"stream_random_order,omitempty" json:"stream_random_order,omitempty"`
	Trailers         map[string]any      `yaml:"trailers,omitempty" json:"trailers,omitempty"`
	Priority         int                 `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// DefaultStreamDelayMs is the inter-item delay used when StreamDelayMs is
// not set.
const DefaultStreamDelayMs = 100

// EffectiveStreamDelayMs returns the configured inter-item delay or the
// default.
func (r ResponseOption) EffectiveStreamDelayMs() int {
	if r.StreamDelayMs == nil {
		return DefaultStreamDelayMs
	}
	return *r.StreamDelayMs
}

// EffectiveDelayMs returns the configured initial delay or zero.
func (r ResponseOption) EffectiveDelayMs() int {
	if r.DelayMs == nil {
		return 0
	}
	return *r.DelayMs
}

// Items returns the response's stream payload sequence: StreamItems if
// present (including an explicit empty list, which closes the stream with
// zero messages), otherwise a single-element slice wrapping Body.
func (r ResponseOption) Items() []any {
	if r.StreamItems != nil {
		return r.StreamItems
	}
	return []any{r.Body}
}

// GRPCStatusTrailer and GRPCMessageTrailer are the two reserved trailer keys
// that drive error semantics.
const (
	GRPCStatusTrailer  = "grpc-status"
	GRPCMessageTrailer = "grpc-message"
)

// StatusCode returns the numeric grpc-status trailer value, if present and
// numeric, and whether it was present at all.
func (r ResponseOption) StatusCode() (int, bool) {
	v, ok := r.Trailers[GRPCStatusTrailer]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Message returns the grpc-message trailer, defaulting to "mock error".
func (r ResponseOption) Message() string {
	if v, ok := r.Trailers[GRPCMessageTrailer]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "mock error"
}

// FilteredTrailers returns the Trailers map with the two reserved keys
// removed, for attaching as ordinary trailing metadata on success.
func (r ResponseOption) FilteredTrailers() map[string]any {
	out := make(map[string]any, len(r.Trailers))
	for k, v := range r.Trailers {
		if k == GRPCStatusTrailer || k == GRPCMessageTrailer {
			continue
		}
		out[k] = v
	}
	return out
}
