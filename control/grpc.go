// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package control

import (
	"context"
	"encoding/json"

	grpczerolog "github.com/grpc-ecosystem/go-grpc-middleware/providers/zerolog/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/tags"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/fuzzcore/search/stats"
)

// jsonCodec transports the snapshot request/response pair as plain
// JSON rather than a protoc-generated wire format: a read-only
// introspection call with two small structs does not earn the
// generated-stub machinery the teacher's own DPS/Rosetta APIs carry
// for their much larger surfaces, so this hand-written service leans
// on grpc-go's own pluggable encoding.Codec instead of inventing
// generated-looking code that was never actually run through protoc.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SnapshotRequest is the (empty) request message for GetSnapshot.
type SnapshotRequest struct{}

type controlServer interface {
	GetSnapshot(context.Context, *SnapshotRequest) (*stats.Snapshot, error)
}

// Server implements the gRPC control service over a SnapshotProvider.
type Server struct {
	provider SnapshotProvider
}

// NewServer returns a Server reporting provider's statistics.
func NewServer(provider SnapshotProvider) *Server {
	return &Server{provider: provider}
}

// GetSnapshot returns the provider's current statistics.
func (s *Server) GetSnapshot(_ context.Context, _ *SnapshotRequest) (*stats.Snapshot, error) {
	if s.provider == nil {
		return nil, status.Error(codes.Unavailable, "no search is running")
	}
	snap := s.provider.Snapshot()
	return &snap, nil
}

func controlGetSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/fuzzcore.control.Control/GetSnapshot",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).GetSnapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "fuzzcore.control.Control",
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSnapshot",
			Handler:    controlGetSnapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "control.proto",
}

// RegisterControlServer registers srv against s, the same registration
// shape a protoc-gen-go-grpc Register<Service>Server function provides.
func RegisterControlServer(s *grpc.Server, srv controlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// NewGRPCServer builds a grpc.Server exposing the control service,
// chained through the teacher's own tags/logging interceptor pair.
func NewGRPCServer(log zerolog.Logger, provider SnapshotProvider) *grpc.Server {
	logOpts := []logging.Option{
		logging.WithLevels(logging.DefaultServerCodeToLevel),
	}
	interceptor := grpczerolog.InterceptorLogger(log.With().Str("component", "control_grpc").Logger())
	gsvr := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			tags.UnaryServerInterceptor(),
			logging.UnaryServerInterceptor(interceptor, logOpts...),
		),
	)
	RegisterControlServer(gsvr, NewServer(provider))
	return gsvr
}
