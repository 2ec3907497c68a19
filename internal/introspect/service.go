// Package introspect exposes a read-only gRPC view of locally hosted
// masters: a point-in-time snapshot fetch and a live stream of update
// envelopes, for operational tooling that wants to watch a topic without
// joining the replication protocol as a cloner. The service descriptor is
// hand-written against structpb/wrapperspb's pre-compiled known types
// rather than generated from a .proto file, since the wire shapes here are
// already fully described by wire.Envelope.
package introspect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"kvreplica/internal/master"
	"kvreplica/internal/storelog"
	"kvreplica/internal/wire"
)

// defaultCompressMinBytes mirrors config.DefaultSnapshotCompressMinBytes;
// introspect avoids importing the config package to stay usable without
// wiring a full Config, so the default is restated here.
const defaultCompressMinBytes = 4096

// Resolver maps a topic name to the locally hosted master that owns it,
// mirroring transport.Resolver.
type Resolver interface {
	Resolve(topic string) (*master.Master, bool)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(topic string) (*master.Master, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(topic string) (*master.Master, bool) { return f(topic) }

// Server is the interface the hand-written ServiceDesc below dispatches
// to. *Service implements it.
type Server interface {
	FetchSnapshot(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	StreamUpdates(*wrapperspb.StringValue, StreamUpdatesServer) error
}

// StreamUpdatesServer is the server-side stream handle passed to
// Service.StreamUpdates, matching the shape protoc-gen-go-grpc would
// generate for a server-streaming RPC.
type StreamUpdatesServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// Service implements Server against a Resolver of locally hosted masters.
type Service struct {
	resolver         Resolver
	log              *storelog.Logger
	compressor       Compressor
	compressMinBytes int
}

// Option customizes a Service.
type Option func(*Service)

// WithCompressor overrides the default gzip compressor used for the
// snapshot value blob embedded in FetchSnapshot responses whose encoded
// values reach the service's compression threshold (WithCompressMinBytes).
func WithCompressor(c Compressor) Option {
	return func(s *Service) {
		if c != nil {
			s.compressor = c
		}
	}
}

// WithCompressMinBytes overrides the JSON-encoded values size above which
// FetchSnapshot compresses the snapshot before embedding it in the
// response struct.
func WithCompressMinBytes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.compressMinBytes = n
		}
	}
}

// NewService constructs a Service backed by resolver.
func NewService(resolver Resolver, log *storelog.Logger, opts ...Option) *Service {
	if log == nil {
		log = storelog.NewTestLogger()
	}
	s := &Service{
		resolver:         resolver,
		log:              log,
		compressor:       NewGZIPCompressor(),
		compressMinBytes: defaultCompressMinBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FetchSnapshot returns a single point-in-time snapshot of the named
// topic's state, without registering any ongoing subscription.
func (s *Service) FetchSnapshot(ctx context.Context, topic *wrapperspb.StringValue) (*structpb.Struct, error) {
	m, ok := s.resolver.Resolve(topic.GetValue())
	if !ok {
		return nil, fmt.Errorf("introspect: unknown topic %q", topic.GetValue())
	}
	reply, err := m.Request(ctx, wire.Envelope{Op: wire.OpSnapshot})
	if err != nil {
		return nil, fmt.Errorf("introspect: fetch snapshot: %w", err)
	}
	if reply.Snapshot == nil {
		return nil, fmt.Errorf("introspect: master returned no snapshot for %q", topic.GetValue())
	}
	payload, err := s.maybeCompress(reply.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("introspect: compress snapshot: %w", err)
	}
	return snapshotToStruct(payload)
}

// maybeCompress replaces a large snapshot's raw values with a compressed
// blob, leaving small snapshots untouched so trivial topics stay
// human-readable in the struct response.
func (s *Service) maybeCompress(p *wire.SnapshotPayload) (*wire.SnapshotPayload, error) {
	if len(p.Values) == 0 {
		return p, nil
	}
	raw, err := json.Marshal(p.Values)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	if len(raw) < s.compressMinBytes {
		return p, nil
	}
	blob, err := s.compressor.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress values: %w", err)
	}
	return &wire.SnapshotPayload{
		Sequence: p.Sequence,
		Codec:    s.compressor.Name(),
		Blob:     blob,
	}, nil
}

// StreamUpdates sends an initial snapshot struct, then one struct per
// subsequent update envelope until the stream's context is cancelled or
// the master goes down. Subscription and the initial snapshot are
// registered atomically against the master, so no update can race ahead
// of the bootstrap snapshot the first frame carries.
func (s *Service) StreamUpdates(topic *wrapperspb.StringValue, stream StreamUpdatesServer) error {
	m, ok := s.resolver.Resolve(topic.GetValue())
	if !ok {
		return fmt.Errorf("introspect: unknown topic %q", topic.GetValue())
	}

	ctx := stream.Context()
	id := "introspect-" + randomID()
	notify := make(chan wire.Envelope, 64)
	initial, err := m.SnapshotSubscribe(ctx, master.Subscriber{ID: id, Notify: notify})
	if err != nil {
		return fmt.Errorf("introspect: subscribe: %w", err)
	}
	defer m.Unsubscribe(id)

	initialStruct, err := envelopeToStruct(initial)
	if err != nil {
		return fmt.Errorf("introspect: encode initial snapshot: %w", err)
	}
	if err := stream.Send(initialStruct); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-notify:
			out, err := envelopeToStruct(env)
			if err != nil {
				s.log.Warn("introspect: dropping unencodable update", storelog.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
			if env.Op == wire.OpDown {
				return nil
			}
		}
	}
}

func randomID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "anon"
	}
	return hex.EncodeToString(buf[:])
}

func _Introspect_FetchSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).FetchSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kvreplica.introspect.Introspect/FetchSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).FetchSnapshot(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Introspect_StreamUpdates_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(Server).StreamUpdates(in, &introspectStreamUpdatesServer{stream})
}

type introspectStreamUpdatesServer struct {
	grpc.ServerStream
}

func (x *introspectStreamUpdatesServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// ServiceDesc is the hand-written descriptor registered with a
// *grpc.Server via RegisterService, in place of protoc-gen-go-grpc
// output.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "kvreplica.introspect.Introspect",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "FetchSnapshot",
			Handler:    _Introspect_FetchSnapshot_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamUpdates",
			Handler:       _Introspect_StreamUpdates_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "kvreplica/introspect",
}

// RegisterServer registers s against grpcServer using ServiceDesc.
func RegisterServer(grpcServer *grpc.Server, s Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}
