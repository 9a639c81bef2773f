package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/mockgrpc/pkg/handler"
	"github.com/protoforge/mockgrpc/pkg/logging"
	"github.com/protoforge/mockgrpc/pkg/mockconfig"
	"github.com/protoforge/mockgrpc/pkg/schema"
)

// Envelope flags, per the Connect and gRPC-Web streaming wire formats: a
// 5-byte header (1 flag byte + big-endian uint32 length) precedes every
// framed message.
const (
	flagCompressed = 0x01
	flagEndStream  = 0x02 // Connect streaming protocol: end-of-stream metadata frame
	flagTrailer    = 0x80 // gRPC-Web: trailer frame (HTTP/1.1-header-style text)
)

type wireProtocol int

const (
	wireConnectUnary wireProtocol = iota
	wireConnectStream
	wireGRPCWeb
)

// ConnectDeps are the collaborators a ConnectServer needs.
type ConnectDeps struct {
	Handler *handler.Handler
	Logger  *slog.Logger
	CORS    mockconfig.ConnectConfig
}

// ConnectServer is the single listener serving Connect (unary + streaming)
// and gRPC-Web traffic, dispatched by content type. application/grpc
// requests are not dispatched; they get 415 like any unrecognized type.
// Like GRPCServer it is rebuilt on every reload rather than mutated in
// place.
type ConnectServer struct {
	deps ConnectDeps

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	running  bool
}

// NewConnectServer builds a ConnectServer. A nil Logger defaults to logging.Nop().
func NewConnectServer(deps ConnectDeps) *ConnectServer {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &ConnectServer{deps: deps}
}

// Start binds addr and begins serving snap's registry over it. tlsConfig may
// be nil, in which case the listener is plaintext HTTP/1.1 with h2c upgrade,
// connectrpc.com/connect's recommended pattern for local/dev TLS-less
// HTTP/2.
func (c *ConnectServer) Start(addr string, snap handler.Snapshot, tlsConfig *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("rpc: connect server already running")
	}

	mux := buildConnectMux(c.deps, snap)

	var httpHandler http.Handler = mux
	if tlsConfig == nil {
		httpHandler = h2c.NewHandler(mux, &http2.Server{})
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		listener = tls.NewListener(listener, tlsConfig)
	}

	srv := &http.Server{Handler: httpHandler}
	c.srv = srv
	c.listener = listener
	c.running = true

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.deps.Logger.Error("connect server error", "addr", addr, "error", err)
		}
	}()

	return nil
}

// Stop shuts the HTTP server down gracefully, bounded by timeout.
func (c *ConnectServer) Stop(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := c.srv.Shutdown(shutdownCtx)
	c.running = false
	return err
}

// Addr returns the bound listener address, or "" if not running.
func (c *ConnectServer) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func buildConnectMux(deps ConnectDeps, snap handler.Snapshot) *http.ServeMux {
	mux := http.NewServeMux()
	if snap.Registry == nil {
		return mux
	}
	for _, svcName := range snap.Registry.ListServices() {
		svc, ok := snap.Registry.GetService(svcName)
		if !ok {
			continue
		}
		for _, m := range svc.Methods {
			m := m
			path := fmt.Sprintf("/%s/%s", svc.Name, m.Name)
			mux.HandleFunc(path, methodHandler(deps, snap, svc, m))
		}
	}
	return mux
}

func methodHandler(deps ConnectDeps, snap handler.Snapshot, svc *schema.ServiceDescriptor, m *schema.MethodDescriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w, r, deps.CORS)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Max-Age", "7200")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		wire, binaryCodec, ok := parseContentType(r.Header.Get("Content-Type"))
		if !ok {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}

		call := handler.Call{
			Protocol: protocolName(wire),
			Service:  svc,
			Method:   m,
			Metadata: requestMetadata(r.Header),
		}

		switch wire {
		case wireConnectUnary:
			serveUnary(w, r, deps, snap, call, m, binaryCodec)
		case wireConnectStream:
			serveConnectStream(w, r, deps, snap, call, m, binaryCodec)
		case wireGRPCWeb:
			serveGRPCWeb(w, r, deps, snap, call, m, binaryCodec)
		}
	}
}

func protocolName(wire wireProtocol) string {
	switch wire {
	case wireGRPCWeb:
		return "grpc-web"
	default:
		return "connect"
	}
}

// parseContentType classifies the request onto one of the three wire
// protocols this adapter serves and whether its codec is binary (proto) or
// textual (JSON).
func parseContentType(ct string) (wire wireProtocol, binaryCodec bool, ok bool) {
	switch {
	case strings.HasPrefix(ct, "application/connect+proto"):
		return wireConnectStream, true, true
	case strings.HasPrefix(ct, "application/connect+json"):
		return wireConnectStream, false, true
	case strings.HasPrefix(ct, "application/grpc-web+proto"), ct == "application/grpc-web":
		return wireGRPCWeb, true, true
	case strings.HasPrefix(ct, "application/grpc-web+json"):
		return wireGRPCWeb, false, true
	case strings.HasPrefix(ct, "application/proto"):
		return wireConnectUnary, true, true
	case strings.HasPrefix(ct, "application/json"):
		return wireConnectUnary, false, true
	default:
		return 0, false, false
	}
}

// reservedConnectHeaders are excluded from the normalized metadata map
// handed to the rule matcher/template renderer: the "metadata.*" roots are
// caller-supplied headers, not transport plumbing.
var reservedConnectHeaders = map[string]bool{
	"content-type":             true,
	"content-length":           true,
	"connect-protocol-version": true,
	"connect-timeout-ms":       true,
	"accept-encoding":          true,
	"user-agent":               true,
	"te":                       true,
	"host":                     true,
}

func requestMetadata(h http.Header) map[string]string {
	out := map[string]string{}
	for k, v := range h {
		lk := strings.ToLower(k)
		if reservedConnectHeaders[lk] || len(v) == 0 {
			continue
		}
		out[lk] = v[0]
	}
	return out
}

// applyCORS echoes the matched Origin and sets Allow-Methods/Allow-Headers
// from config; the preflight Max-Age is set by the caller.
func applyCORS(w http.ResponseWriter, r *http.Request, cfg mockconfig.ConnectConfig) {
	if !cfg.CORSEnabled {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := len(cfg.CORSOrigins) == 0
	for _, o := range cfg.CORSOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Vary", "Origin")
	if len(cfg.CORSMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORSMethods, ", "))
	}
	if len(cfg.CORSHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORSHeaders, ", "))
	}
}

func marshalMessage(msg proto.Message, binaryCodec bool) ([]byte, error) {
	if binaryCodec {
		return proto.Marshal(msg)
	}
	return protojson.Marshal(msg)
}

func unmarshalMessage(data []byte, msg proto.Message, binaryCodec bool) error {
	if binaryCodec {
		return proto.Unmarshal(data, msg)
	}
	return protojson.Unmarshal(data, msg)
}

// --- Connect unary protocol ---

func serveUnary(w http.ResponseWriter, r *http.Request, deps ConnectDeps, snap handler.Snapshot, call handler.Call, m *schema.MethodDescriptor, binaryCodec bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeConnectUnaryError(w, &handler.Error{Code: handler.CodeInvalidArgument, Message: "failed to read request body"})
		return
	}

	reqMsg := dynamicpb.NewMessage(m.InputDescriptor)
	if err := unmarshalMessage(body, reqMsg, binaryCodec); err != nil {
		writeConnectUnaryError(w, &handler.Error{Code: handler.CodeInvalidArgument, Message: fmt.Sprintf("failed to decode request: %v", err)})
		return
	}

	out, err := deps.Handler.Unary(r.Context(), snap, call, reqMsg)
	if err != nil {
		writeConnectUnaryError(w, err)
		return
	}

	respMsg, encErr := handler.Encode(m.OutputDescriptor, out.Body)
	if encErr != nil {
		writeConnectUnaryError(w, &handler.Error{Code: handler.CodeInternal, Message: "failed to build response"})
		return
	}

	payload, merr := marshalMessage(respMsg, binaryCodec)
	if merr != nil {
		writeConnectUnaryError(w, &handler.Error{Code: handler.CodeInternal, Message: "failed to encode response"})
		return
	}

	for k, v := range out.Trailers {
		w.Header().Set("Trailer-"+k, v)
	}
	w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

type connectErrorDetail struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type connectErrorBody struct {
	Code    string                `json:"code"`
	Message string                `json:"message"`
	Details []connectErrorDetail  `json:"details,omitempty"`
}

// connectCodeString renders the wire-format (snake_case) name for a
// canonical code using connectrpc.com/connect's own Code.String(), rather
// than re-deriving the table.
func connectCodeString(code int) string {
	if code == handler.CodeOK {
		return "ok"
	}
	return connect.Code(code).String()
}

func toConnectErrorBody(err error) connectErrorBody {
	code := handler.CodeUnknown
	message := err.Error()
	var herr *handler.Error
	if errors.As(err, &herr) {
		code = herr.Code
		message = herr.Message
	}

	body := connectErrorBody{Code: connectCodeString(code), Message: message}
	if herr != nil {
		for _, v := range herr.Violations {
			body.Details = append(body.Details, connectErrorDetail{Type: "field_violation", Value: v.Field + ": " + v.Description})
		}
	}
	return body
}

func writeConnectUnaryError(w http.ResponseWriter, err error) {
	code := handler.CodeUnknown
	var herr *handler.Error
	if errors.As(err, &herr) {
		code = herr.Code
	}

	data, _ := json.Marshal(toConnectErrorBody(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(handler.HTTPStatus(code))
	w.Write(data)
}

// --- Enveloped framing shared by the Connect streaming and gRPC-Web protocols ---

func writeEnvelope(w io.Writer, flag byte, payload []byte) error {
	var header [5]byte
	header[0] = flag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readEnvelope(r io.Reader) (flag byte, payload []byte, err error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	flag = header[0]
	size := binary.BigEndian.Uint32(header[1:])
	payload = make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return flag, payload, nil
}

// --- Connect streaming protocol (application/connect+{json,proto}) ---

type connectEndStreamMessage struct {
	Error    *connectErrorBody   `json:"error,omitempty"`
	Metadata map[string][]string `json:"metadata,omitempty"`
}

func serveConnectStream(w http.ResponseWriter, r *http.Request, deps ConnectDeps, snap handler.Snapshot, call handler.Call, m *schema.MethodDescriptor, binaryCodec bool) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", r.Header.Get("Content-Type"))

	recv := connectRecv(r.Body, m, binaryCodec)
	emit := connectEmit(w, flusher, m, binaryCodec)

	var out handler.Outcome
	var callErr error

	switch {
	case m.ServerStreaming && !m.ClientStreaming:
		req, rerr := recv()
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			callErr = &handler.Error{Code: handler.CodeInvalidArgument, Message: "failed to decode request"}
		} else {
			out, callErr = deps.Handler.ServerStream(r.Context(), snap, call, req, emit)
		}
	case m.ClientStreaming && !m.ServerStreaming:
		out, callErr = deps.Handler.ClientStream(r.Context(), snap, call, recv)
		if callErr == nil {
			callErr = emit(handler.Item{Body: out.Body})
		}
	default:
		out, callErr = deps.Handler.BidiStream(r.Context(), snap, call, recv, emit)
	}

	writeConnectStreamEnd(w, callErr, out.Trailers)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeConnectStreamEnd(w io.Writer, err error, trailers map[string]string) {
	end := connectEndStreamMessage{}
	if err != nil {
		body := toConnectErrorBody(err)
		end.Error = &body
	}
	if len(trailers) > 0 {
		end.Metadata = make(map[string][]string, len(trailers))
		for k, v := range trailers {
			end.Metadata[k] = []string{v}
		}
	}
	data, _ := json.Marshal(end)
	_ = writeEnvelope(w, flagEndStream, data)
}

func connectRecv(body io.ReadCloser, m *schema.MethodDescriptor, binaryCodec bool) func() (proto.Message, error) {
	return func() (proto.Message, error) {
		flag, payload, err := readEnvelope(body)
		if err != nil {
			return nil, err
		}
		if flag&flagEndStream != 0 {
			return nil, io.EOF
		}
		msg := dynamicpb.NewMessage(m.InputDescriptor)
		if err := unmarshalMessage(payload, msg, binaryCodec); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func connectEmit(w io.Writer, flusher http.Flusher, m *schema.MethodDescriptor, binaryCodec bool) func(handler.Item) error {
	return func(item handler.Item) error {
		msg, err := handler.Encode(m.OutputDescriptor, item.Body)
		if err != nil {
			return err
		}
		payload, err := marshalMessage(msg, binaryCodec)
		if err != nil {
			return err
		}
		if err := writeEnvelope(w, 0, payload); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
}

// --- gRPC-Web protocol (application/grpc-web{,+proto,+json}) ---

func serveGRPCWeb(w http.ResponseWriter, r *http.Request, deps ConnectDeps, snap handler.Snapshot, call handler.Call, m *schema.MethodDescriptor, binaryCodec bool) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", r.Header.Get("Content-Type"))

	recv := connectRecv(r.Body, m, binaryCodec)
	emit := connectEmit(w, flusher, m, binaryCodec)

	var out handler.Outcome
	var callErr error

	switch {
	case m.ServerStreaming && !m.ClientStreaming:
		req, rerr := recv()
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			callErr = &handler.Error{Code: handler.CodeInvalidArgument, Message: "failed to decode request"}
		} else {
			out, callErr = deps.Handler.ServerStream(r.Context(), snap, call, req, emit)
		}
	case m.ClientStreaming && !m.ServerStreaming:
		out, callErr = deps.Handler.ClientStream(r.Context(), snap, call, recv)
		if callErr == nil {
			callErr = emit(handler.Item{Body: out.Body})
		}
	default:
		out, callErr = deps.Handler.BidiStream(r.Context(), snap, call, recv, emit)
	}

	writeGRPCWebTrailers(w, callErr, out.Trailers)
	if flusher != nil {
		flusher.Flush()
	}
}

// writeGRPCWebTrailers encodes the trailer frame as HTTP/1.1-header-style
// text (the gRPC-Web wire format), using the same grpc-status / grpc-message
// convention the native adapter also emits.
func writeGRPCWebTrailers(w io.Writer, err error, trailers map[string]string) {
	code := handler.CodeOK
	message := ""
	var herr *handler.Error
	if err != nil {
		if errors.As(err, &herr) {
			code = herr.Code
			message = herr.Message
		} else {
			code = handler.CodeUnknown
			message = err.Error()
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "grpc-status: %d\r\n", code)
	if message != "" {
		fmt.Fprintf(&buf, "grpc-message: %s\r\n", url.QueryEscape(message))
	}
	for k, v := range trailers {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	_ = writeEnvelope(w, flagTrailer, buf.Bytes())
}
