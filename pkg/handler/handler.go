// Package handler implements the protocol-agnostic unary / server-stream /
// client-stream / bidi request pipeline every wire adapter calls into:
// validate, look up the rule, select a response, render templates, and hand
// the adapter a normalized Outcome or Error to encode onto the wire.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/protoforge/mockgrpc/pkg/logging"
	"github.com/protoforge/mockgrpc/pkg/matcher"
	"github.com/protoforge/mockgrpc/pkg/metrics"
	"github.com/protoforge/mockgrpc/pkg/ruledoc"
	"github.com/protoforge/mockgrpc/pkg/schema"
	"github.com/protoforge/mockgrpc/pkg/template"
	"github.com/protoforge/mockgrpc/pkg/validation"
)

// Sentinel errors, wrapped with context at call boundaries.
var (
	ErrNoRuleMatched    = errors.New("handler: no rule matched")
	ErrValidationFailed = errors.New("handler: validation failed")
)

// Snapshot is the immutable (Registry, Rules, Validation) triple a single
// call observes end to end: a call always sees the version in effect at its
// start, never a mix with one published mid-call. The hot-reload coordinator
// publishes a new Snapshot atomically.
type Snapshot struct {
	Registry   *schema.Registry
	Rules      map[string]*ruledoc.RuleDoc
	Validation *validation.Registry
}

// ValidationSettings carries the subset of mockconfig.ValidationConfig the
// handler needs, duplicated here rather than imported so this package has
// no dependency on the CLI/env configuration layer.
type ValidationSettings struct {
	Enabled bool
	Mode    string // "per_message" (default) or "aggregate"
}

// Dependencies are the process-wide collaborators a Handler needs beyond
// the per-reload Snapshot, which is threaded through each call instead.
type Dependencies struct {
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Config  ValidationSettings
}

// Call identifies one RPC invocation: the resolved service/method, the wire
// protocol family serving it (for metrics/logging), and normalized
// (lower-cased) metadata.
type Call struct {
	Protocol string
	Service  *schema.ServiceDescriptor
	Method   *schema.MethodDescriptor
	Metadata map[string]string
}

// Item is one streamed response element, already template-rendered and
// ready for descriptor-guided proto encoding by the adapter.
type Item struct {
	Body any
}

// Outcome is a successful call's terminal result: a unary body, or the
// trailers to attach after the last streamed item.
type Outcome struct {
	Body     any
	Trailers map[string]string
}

// Error is a structured call failure; each adapter translates it into its
// own wire representation (gRPC status + trailers, or a Connect JSON error
// body).
type Error struct {
	Code       int
	Message    string
	Violations []validation.Violation
}

func (e *Error) Error() string { return fmt.Sprintf("handler: %s (code %d)", e.Message, e.Code) }

// Handler is the protocol-agnostic pipeline. It holds no per-reload state of
// its own; every call supplies the Snapshot it should run against, so a
// concurrent reload can never be observed mid-call.
type Handler struct {
	deps Dependencies
}

// New builds a Handler. A nil Logger defaults to logging.Nop().
func New(deps Dependencies) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Handler{deps: deps}
}

// Unary runs the unary request algorithm: validate, select a response,
// render it, return.
func (h *Handler) Unary(ctx context.Context, snap Snapshot, call Call, req proto.Message) (Outcome, error) {
	start := time.Now()
	reqMap := DecodeMap(req)

	if violations, ok := h.validateOne(snap, call.Method.InputType, req); !ok {
		h.logCall(call, "unary", CodeName(CodeInvalidArgument), time.Since(start))
		return Outcome{}, &Error{Code: CodeInvalidArgument, Message: "validation failed", Violations: violations}
	}

	out, err := h.resolve(snap, call, reqMap, nil)
	h.logCall(call, "unary", statusNameOf(err), time.Since(start))
	return out, err
}

// ServerStream runs the server-streaming algorithm. emit is called once per
// rendered item, in order; a non-nil return from emit stops emission
// immediately.
func (h *Handler) ServerStream(ctx context.Context, snap Snapshot, call Call, req proto.Message, emit func(Item) error) (Outcome, error) {
	start := time.Now()
	reqMap := DecodeMap(req)

	if violations, ok := h.validateOne(snap, call.Method.InputType, req); !ok {
		h.logCall(call, "server_stream", CodeName(CodeInvalidArgument), time.Since(start))
		return Outcome{}, &Error{Code: CodeInvalidArgument, Message: "validation failed", Violations: violations}
	}

	resp, ok, err := h.selectResponse(snap, call, reqMap, nil)
	if err != nil {
		h.logCall(call, "server_stream", statusNameOf(err), time.Since(start))
		return Outcome{}, err
	}
	if !ok {
		h.logCall(call, "server_stream", "OK", time.Since(start))
		return Outcome{Trailers: map[string]string{}}, nil
	}

	if err := h.streamItems(ctx, resp, reqMap, call.Metadata, emit); err != nil {
		h.logCall(call, "server_stream", "UNKNOWN", time.Since(start))
		return Outcome{}, err
	}

	h.logCall(call, "server_stream", "OK", time.Since(start))
	return Outcome{Trailers: stringTrailers(resp.FilteredTrailers())}, nil
}

// ClientStream runs the client-streaming algorithm. recv returns io.EOF once
// the client half-closes.
func (h *Handler) ClientStream(ctx context.Context, snap Snapshot, call Call, recv func() (proto.Message, error)) (Outcome, error) {
	start := time.Now()

	reqMaps, msgs, err := h.collectPerMessage(snap, call, recv)
	if err != nil {
		h.logCall(call, "client_stream", statusNameOf(err), time.Since(start))
		return Outcome{}, err
	}
	if h.aggregateMode() {
		if violations := h.validateAll(snap, call.Method.InputType, msgs); len(violations) > 0 {
			h.logCall(call, "client_stream", CodeName(CodeInvalidArgument), time.Since(start))
			return Outcome{}, &Error{Code: CodeInvalidArgument, Message: "validation failed", Violations: violations}
		}
	}

	aggregated, streamCtx := aggregateRequest(reqMaps)
	out, err := h.resolve(snap, call, aggregated, streamCtx)
	h.logCall(call, "client_stream", statusNameOf(err), time.Since(start))
	return out, err
}

// BidiStream runs the bidi-streaming algorithm: identical input collection
// and validation to ClientStream, then the selected sequence is
// server-streamed back.
func (h *Handler) BidiStream(ctx context.Context, snap Snapshot, call Call, recv func() (proto.Message, error), emit func(Item) error) (Outcome, error) {
	start := time.Now()

	reqMaps, msgs, err := h.collectPerMessage(snap, call, recv)
	if err != nil {
		h.logCall(call, "bidi", statusNameOf(err), time.Since(start))
		return Outcome{}, err
	}
	if h.aggregateMode() {
		if violations := h.validateAll(snap, call.Method.InputType, msgs); len(violations) > 0 {
			h.logCall(call, "bidi", CodeName(CodeInvalidArgument), time.Since(start))
			return Outcome{}, &Error{Code: CodeInvalidArgument, Message: "validation failed", Violations: violations}
		}
	}

	aggregated, streamCtx := aggregateRequest(reqMaps)
	resp, ok, err := h.selectResponse(snap, call, aggregated, streamCtx)
	if err != nil {
		h.logCall(call, "bidi", statusNameOf(err), time.Since(start))
		return Outcome{}, err
	}
	if !ok {
		h.logCall(call, "bidi", "OK", time.Since(start))
		return Outcome{Trailers: map[string]string{}}, nil
	}

	if err := h.streamItems(ctx, resp, aggregated, call.Metadata, emit); err != nil {
		h.logCall(call, "bidi", "UNKNOWN", time.Since(start))
		return Outcome{}, err
	}

	h.logCall(call, "bidi", "OK", time.Since(start))
	return Outcome{Trailers: stringTrailers(resp.FilteredTrailers())}, nil
}

// collectPerMessage drains recv, validating each message as it arrives when
// validation mode is per_message (returning on the first failure); in
// aggregate mode it only collects, leaving validation to the caller after
// EOF.
func (h *Handler) collectPerMessage(snap Snapshot, call Call, recv func() (proto.Message, error)) ([]any, []proto.Message, error) {
	var reqMaps []any
	var msgs []proto.Message
	perMessage := !h.aggregateMode()

	for {
		msg, err := recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return reqMaps, msgs, nil
			}
			return reqMaps, msgs, err
		}
		reqMaps = append(reqMaps, DecodeMap(msg))
		msgs = append(msgs, msg)

		if perMessage {
			if violations, ok := h.validateOne(snap, call.Method.InputType, msg); !ok {
				return reqMaps, msgs, &Error{Code: CodeInvalidArgument, Message: "validation failed", Violations: violations}
			}
		}
	}
}

func (h *Handler) aggregateMode() bool {
	return h.deps.Config.Mode == "aggregate"
}

// validateOne runs the IR for typeName against msg, if both validation is
// enabled and an IR was extracted for that type.
func (h *Handler) validateOne(snap Snapshot, typeName string, msg proto.Message) ([]validation.Violation, bool) {
	if !h.deps.Config.Enabled || snap.Validation == nil {
		return nil, true
	}
	ir, ok := snap.Validation.Lookup(typeName)
	if !ok {
		return nil, true
	}
	result := validation.Validate(ir, msg)
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordValidation(typeName, result.OK())
	}
	return result.Violations, result.OK()
}

// validateAll runs validateOne over every collected message (aggregate
// mode), concatenating every violation rather than stopping at the first
// (no short-circuit).
func (h *Handler) validateAll(snap Snapshot, typeName string, msgs []proto.Message) []validation.Violation {
	var violations []validation.Violation
	for _, msg := range msgs {
		v, _ := h.validateOne(snap, typeName, msg)
		violations = append(violations, v...)
	}
	return violations
}

// selectResponse performs the rule lookup, response selection, and
// grpc-status trailer check shared by every call shape. A missing RuleDoc
// is an UNIMPLEMENTED error; ok is false with a nil error exactly when the
// RuleDoc's responses yielded no candidate, in which case callers emit the
// synthesized default-OK response.
func (h *Handler) selectResponse(snap Snapshot, call Call, reqData any, stream *matcher.StreamContext) (ruledoc.ResponseOption, bool, error) {
	ruleKey := call.Method.RuleKey
	doc, found := snap.Rules[ruleKey]
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordRuleLookup(ruleKey, found)
	}
	if !found {
		return ruledoc.ResponseOption{}, false, &Error{
			Code:    CodeUnimplemented,
			Message: fmt.Sprintf("No rule matched for %s/%s", call.Service.Name, call.Method.Name),
		}
	}

	root := matcher.Root(reqData, call.Metadata, stream)
	resp, ok := matcher.Select(doc, root)
	if !ok {
		return ruledoc.ResponseOption{}, false, nil
	}
	if code, hasCode := resp.StatusCode(); hasCode && code != 0 {
		return ruledoc.ResponseOption{}, false, &Error{Code: code, Message: resp.Message()}
	}
	return resp, true, nil
}

// resolve is the unary shape of selectResponse: render the selected body,
// or synthesize the default-OK empty body when nothing matched.
func (h *Handler) resolve(snap Snapshot, call Call, reqData any, stream *matcher.StreamContext) (Outcome, error) {
	resp, ok, err := h.selectResponse(snap, call, reqData, stream)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Body: map[string]any{}, Trailers: map[string]string{}}, nil
	}
	body := template.Render(resp.Body, template.Context{Request: reqData, Metadata: call.Metadata, Stream: stream})
	return Outcome{Body: body, Trailers: stringTrailers(resp.FilteredTrailers())}, nil
}

// streamItems drives the initial delay, item sequence (optionally shuffled,
// optionally looping), and inter-item delay of a selected streaming
// response. A pending delay unblocks as soon as ctx is cancelled.
func (h *Handler) streamItems(ctx context.Context, resp ruledoc.ResponseOption, reqData any, metadata map[string]string, emit func(Item) error) error {
	if !sleepCtx(ctx, time.Duration(resp.EffectiveDelayMs())*time.Millisecond) {
		return ctx.Err()
	}

	items := resp.Items()
	for {
		pass := items
		if resp.StreamRandomOrder {
			pass = append([]any(nil), items...)
			matcher.Shuffle(pass)
		}
		total := len(pass)
		for i, raw := range pass {
			sc := &matcher.StreamContext{Index: i, Total: total, IsFirst: i == 0, IsLast: i == total-1}
			body := template.Render(raw, template.Context{Request: reqData, Metadata: metadata, Stream: sc})
			if err := emit(Item{Body: body}); err != nil {
				return err
			}
			if i < total-1 || resp.StreamLoop {
				if !sleepCtx(ctx, time.Duration(resp.EffectiveStreamDelayMs())*time.Millisecond) {
					return ctx.Err()
				}
			}
		}
		if !resp.StreamLoop {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// aggregateRequest builds the first-class aggregated view of a collected
// client/bidi stream: "first/last/count" resolve under both "request.*"
// (the aggregated request itself) and "stream.*" (the StreamContext);
// "items" resolves only under "request.*".
func aggregateRequest(reqMaps []any) (any, *matcher.StreamContext) {
	count := len(reqMaps)
	var first, last any
	if count > 0 {
		first = reqMaps[0]
		last = reqMaps[count-1]
	}
	aggregated := map[string]any{
		"items": reqMaps,
		"first": first,
		"last":  last,
		"count": count,
	}
	return aggregated, &matcher.StreamContext{Count: count, First: first, Last: last}
}

// sleepCtx sleeps for d, or returns false immediately if ctx is cancelled
// first. A non-positive d still honors an already-cancelled context.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func statusNameOf(err error) string {
	if err == nil {
		return "OK"
	}
	var herr *Error
	if errors.As(err, &herr) {
		return CodeName(herr.Code)
	}
	return "UNKNOWN"
}

func stringTrailers(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// logCall emits one structured log line per completed call and records the
// per-protocol request counter.
func (h *Handler) logCall(call Call, streamType, statusName string, dur time.Duration) {
	serviceName, methodName := "", ""
	if call.Service != nil {
		serviceName = call.Service.Name
	}
	if call.Method != nil {
		methodName = call.Method.Name
	}
	logging.ForCall(h.deps.Logger, call.Protocol, serviceName, methodName).Info("rpc completed",
		"stream_type", streamType,
		"status", statusName,
		"duration_ms", dur.Milliseconds(),
	)
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordRequest(call.Protocol, serviceName, methodName, statusName)
	}
}
