// Package rpc hosts the wire-protocol adapters — native gRPC (plaintext and
// TLS/mTLS) and Connect/gRPC-Web — that sit in front of the
// shared pkg/handler pipeline.
package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/mockgrpc/pkg/handler"
	"github.com/protoforge/mockgrpc/pkg/logging"
	"github.com/protoforge/mockgrpc/pkg/mockconfig"
	"github.com/protoforge/mockgrpc/pkg/schema"
)

// GRPCDeps are the collaborators a GRPCServer needs.
type GRPCDeps struct {
	Handler    *handler.Handler
	Logger     *slog.Logger
	Reflection bool
}

// GRPCServer is one native-gRPC listener (plaintext or TLS — a second
// instance is run for the TLS port). It is rebuilt from scratch on every
// reload rather than mutated in place: hot-reload is "stop, rebuild,
// start", never in-place service swapping.
type GRPCServer struct {
	deps GRPCDeps

	mu       sync.Mutex
	srv      *grpc.Server
	listener net.Listener
	running  bool
}

// NewGRPCServer builds a GRPCServer. A nil Logger defaults to logging.Nop().
func NewGRPCServer(deps GRPCDeps) *GRPCServer {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &GRPCServer{deps: deps}
}

// Start binds addr and begins serving snap's registry over it. tlsConfig may
// be nil for the plaintext listener.
func (g *GRPCServer) Start(addr string, snap handler.Snapshot, tlsConfig *tls.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return errors.New("rpc: grpc server already running")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", addr, err)
	}

	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	opts = append(opts, grpc.UnknownServiceHandler(unimplementedStreamHandler))

	srv := grpc.NewServer(opts...)
	registerServices(srv, snap, g.deps)
	if g.deps.Reflection {
		reflection.Register(srv)
	}

	g.srv = srv
	g.listener = listener
	g.running = true

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.deps.Logger.Error("grpc server error", "addr", addr, "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the listener, forcing a hard stop if timeout elapses
// first or ctx is cancelled first.
func (g *GRPCServer) Stop(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		g.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		g.srv.Stop()
	case <-ctx.Done():
		g.srv.Stop()
	}

	g.running = false
	return nil
}

// Addr returns the bound listener address, or "" if not running.
func (g *GRPCServer) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func unimplementedStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "failed to get method from stream")
	}
	return status.Errorf(codes.Unimplemented, "method not found: %s", fullMethod)
}

// registerServices builds one grpc.ServiceDesc per loaded service, wiring
// every method through the shared handler pipeline.
func registerServices(srv *grpc.Server, snap handler.Snapshot, deps GRPCDeps) {
	if snap.Registry == nil {
		return
	}
	for _, svcName := range snap.Registry.ListServices() {
		svc, ok := snap.Registry.GetService(svcName)
		if !ok {
			continue
		}

		var methods []grpc.MethodDesc
		var streams []grpc.StreamDesc
		for _, m := range svc.Methods {
			m := m
			if !m.ClientStreaming && !m.ServerStreaming {
				methods = append(methods, grpc.MethodDesc{
					MethodName: m.Name,
					Handler:    unaryHandler(deps, snap, svc, m),
				})
			} else {
				streams = append(streams, grpc.StreamDesc{
					StreamName:    m.Name,
					Handler:       streamHandler(deps, snap, svc, m),
					ServerStreams: m.ServerStreaming,
					ClientStreams: m.ClientStreaming,
				})
			}
		}

		srv.RegisterService(&grpc.ServiceDesc{
			ServiceName: svc.Name,
			HandlerType: (*interface{})(nil),
			Methods:     methods,
			Streams:     streams,
		}, struct{}{})
	}
}

func unaryHandler(deps GRPCDeps, snap handler.Snapshot, svc *schema.ServiceDescriptor, m *schema.MethodDescriptor) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		reqMsg := dynamicpb.NewMessage(m.InputDescriptor)
		if err := dec(reqMsg); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
		}

		call := handler.Call{Protocol: "grpc", Service: svc, Method: m, Metadata: incomingMetadata(ctx)}
		out, err := deps.Handler.Unary(ctx, snap, call, reqMsg)
		if err != nil {
			return nil, toGRPCStatusError(err)
		}

		respMsg, encErr := handler.Encode(m.OutputDescriptor, out.Body)
		if encErr != nil {
			return nil, status.Errorf(codes.Internal, "failed to build response: %v", encErr)
		}
		if len(out.Trailers) > 0 {
			grpc.SetTrailer(ctx, metadata.New(out.Trailers))
		}
		return respMsg, nil
	}
}

func streamHandler(deps GRPCDeps, snap handler.Snapshot, svc *schema.ServiceDescriptor, m *schema.MethodDescriptor) func(interface{}, grpc.ServerStream) error {
	return func(_ interface{}, stream grpc.ServerStream) error {
		ctx := stream.Context()
		call := handler.Call{Protocol: "grpc", Service: svc, Method: m, Metadata: incomingMetadata(ctx)}

		switch {
		case m.ServerStreaming && !m.ClientStreaming:
			reqMsg := dynamicpb.NewMessage(m.InputDescriptor)
			if err := stream.RecvMsg(reqMsg); err != nil {
				return status.Errorf(codes.InvalidArgument, "failed to receive request: %v", err)
			}
			out, err := deps.Handler.ServerStream(ctx, snap, call, reqMsg, sendEmitter(stream, m))
			if err != nil {
				return toGRPCStatusError(err)
			}
			setTrailers(stream, out.Trailers)
			return nil

		case m.ClientStreaming && !m.ServerStreaming:
			out, err := deps.Handler.ClientStream(ctx, snap, call, recvReader(stream, m))
			if err != nil {
				return toGRPCStatusError(err)
			}
			respMsg, encErr := handler.Encode(m.OutputDescriptor, out.Body)
			if encErr != nil {
				return status.Errorf(codes.Internal, "failed to build response: %v", encErr)
			}
			setTrailers(stream, out.Trailers)
			return stream.SendMsg(respMsg)

		default:
			out, err := deps.Handler.BidiStream(ctx, snap, call, recvReader(stream, m), sendEmitter(stream, m))
			if err != nil {
				return toGRPCStatusError(err)
			}
			setTrailers(stream, out.Trailers)
			return nil
		}
	}
}

func recvReader(stream grpc.ServerStream, m *schema.MethodDescriptor) func() (proto.Message, error) {
	return func() (proto.Message, error) {
		msg := dynamicpb.NewMessage(m.InputDescriptor)
		if err := stream.RecvMsg(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func sendEmitter(stream grpc.ServerStream, m *schema.MethodDescriptor) func(handler.Item) error {
	return func(item handler.Item) error {
		msg, err := handler.Encode(m.OutputDescriptor, item.Body)
		if err != nil {
			return status.Errorf(codes.Internal, "failed to build response: %v", err)
		}
		return stream.SendMsg(msg)
	}
}

func setTrailers(stream grpc.ServerStream, trailers map[string]string) {
	if len(trailers) == 0 {
		return
	}
	stream.SetTrailer(metadata.New(trailers))
}

func incomingMetadata(ctx context.Context) map[string]string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// toGRPCStatusError converts a *handler.Error to a google.golang.org/grpc/status
// error, attaching an errdetails.BadRequest built from validation violations.
func toGRPCStatusError(err error) error {
	var herr *handler.Error
	if !errors.As(err, &herr) {
		return status.Error(codes.Unknown, err.Error())
	}

	st := status.New(codes.Code(herr.Code), herr.Message)
	if len(herr.Violations) > 0 {
		br := &errdetails.BadRequest{}
		for _, v := range herr.Violations {
			br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
				Field:       v.Field,
				Description: v.Description,
			})
		}
		if withDetails, derr := st.WithDetails(br); derr == nil {
			st = withDetails
		}
	}
	return st.Err()
}

// BuildTLSConfig constructs the *tls.Config for the native TLS listener from
// mockconfig.TLSConfig. Returns (nil, nil) when TLS is not enabled.
func BuildTLSConfig(cfg mockconfig.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("rpc: load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAPath != "" {
		if err := configureMTLS(tlsConfig, cfg); err != nil {
			return nil, fmt.Errorf("rpc: mTLS configuration: %w", err)
		}
	}

	return tlsConfig, nil
}

// configureMTLS loads the CA pool and, if cfg.RequireClientCert is set,
// requires and verifies a client certificate; CN/OU allow-listing is
// enforced via VerifyPeerCertificate.
func configureMTLS(tlsConfig *tls.Config, cfg mockconfig.TLSConfig) error {
	caCert, err := readCertFile(cfg.CAPath)
	if err != nil {
		return err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("rpc: failed to parse CA certificate from %s", cfg.CAPath)
	}
	tlsConfig.ClientCAs = pool

	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedCNs) == 0 && len(cfg.AllowedOUs) == 0 {
		return nil
	}

	allowedCNs := toSet(cfg.AllowedCNs)
	allowedOUs := toSet(cfg.AllowedOUs)

	tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
			return nil
		}
		clientCert := verifiedChains[0][0]

		if len(allowedCNs) > 0 {
			if _, ok := allowedCNs[clientCert.Subject.CommonName]; !ok {
				return fmt.Errorf("client certificate CN %q not in allowed list", clientCert.Subject.CommonName)
			}
		}
		if len(allowedOUs) > 0 {
			found := false
			for _, ou := range clientCert.Subject.OrganizationalUnit {
				if _, ok := allowedOUs[ou]; ok {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("client certificate OUs %v not in allowed list", clientCert.Subject.OrganizationalUnit)
			}
		}
		return nil
	}
	return nil
}

func readCertFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rpc: read CA certificate file %s: %w", path, err)
	}
	return data, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
