package outbound

import (
	"context"

	grpccorrelation "gitlab.com/gitlab-org/labkit/correlation/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/tinoosan/cidscope/internal/correlation"
	"github.com/tinoosan/cidscope/internal/metrics"
	"github.com/tinoosan/cidscope/internal/reqid"
)

// UnaryClientInterceptor adds the correlation id of ctx to outgoing metadata.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(outgoing(ctx), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor adds the correlation id of ctx to outgoing metadata.
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(outgoing(ctx), desc, cc, method, opts...)
	}
}

// DialOptions installs the client interceptors together with labkit's, so
// services speaking either convention receive the id.
func DialOptions(clientName string) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(
			UnaryClientInterceptor(),
			grpccorrelation.UnaryClientCorrelationInterceptor(grpccorrelation.WithClientName(clientName)),
		),
		grpc.WithChainStreamInterceptor(
			StreamClientInterceptor(),
			grpccorrelation.StreamClientCorrelationInterceptor(grpccorrelation.WithClientName(clientName)),
		),
	}
}

// Dial opens a plaintext client connection to target with DialOptions
// installed.
func Dial(target, clientName string) (*grpc.ClientConn, error) {
	opts := append(DialOptions(clientName), grpc.WithTransportCredentials(insecure.NewCredentials()))
	return grpc.NewClient(target, opts...)
}

// NewServer returns a gRPC server that resolves the correlation id of every
// unary call with s and serves the standard health service.
func NewServer(s correlation.Store) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryServerInterceptor(s)))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	return srv
}

func outgoing(ctx context.Context) context.Context {
	id, ok := reqid.From(ctx)
	if !ok {
		return ctx
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok && len(md.Get(reqid.MetadataKey)) > 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, reqid.MetadataKey, id)
}

// UnaryServerInterceptor reuses the caller's correlation id or generates
// one, and runs the handler with it in ctx. The chosen id is sent back in
// the response header metadata. The handler runs on the gRPC goroutine, so it
// reads the id from ctx rather than from the store.
func UnaryServerInterceptor(s correlation.Store) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var id string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(reqid.MetadataKey); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id != "" {
			ctx = reqid.WithReceived(ctx, id)
			metrics.Requests.WithLabelValues("received").Inc()
		} else {
			id = s.NewID()
			ctx = reqid.WithGenerated(ctx, id)
			metrics.Requests.WithLabelValues("generated").Inc()
		}
		ctx = reqid.With(ctx, id)
		_ = grpc.SetHeader(ctx, metadata.Pairs(reqid.MetadataKey, id))
		return handler(ctx, req)
	}
}
