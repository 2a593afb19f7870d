// Package admin exposes gateway introspection and control over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc whose
// messages are protobuf well-known types, so no generated code is needed.
package admin

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/playnet/internal/gateway"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "playnet.admin.v1.Admin"

const (
	statsMethod     = "/" + ServiceName + "/Stats"
	closeRoomMethod = "/" + ServiceName + "/CloseRoom"
)

// Gateway is the subset of the gateway the admin service drives.
type Gateway interface {
	Stats() gateway.Stats
	CloseRoom(id uint64) error
}

// AdminServer is the server API for the admin service.
type AdminServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CloseRoom(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
}

// ServiceDesc describes playnet.admin.v1.Admin for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "CloseRoom", Handler: closeRoomHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "playnet/admin/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func closeRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).CloseRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: closeRoomMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).CloseRoom(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements AdminServer against a Gateway.
type Service struct {
	gateway Gateway
	logger  *zap.Logger
}

// NewService creates the admin service.
//
// Precondition: gw and logger must be non-nil.
func NewService(gw Gateway, logger *zap.Logger) *Service {
	return &Service{gateway: gw, logger: logger}
}

// Stats reports live users, rooms, players and networked entities.
func (s *Service) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.gateway.Stats()
	out, err := structpb.NewStruct(map[string]any{
		"users":    st.Users,
		"rooms":    st.Rooms,
		"players":  st.Players,
		"entities": st.Entities,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding stats: %v", err)
	}
	return out, nil
}

// CloseRoom destroys a room, removing all of its players.
//
// Postcondition: Returns codes.NotFound when the room does not exist.
func (s *Service) CloseRoom(_ context.Context, req *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	id := req.GetValue()
	if id == 0 {
		return nil, status.Error(codes.InvalidArgument, "room id must be non-zero")
	}
	if err := s.gateway.CloseRoom(id); err != nil {
		if errors.Is(err, gateway.ErrRoomNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.logger.Info("room closed by admin", zap.Uint64("room_id", id))
	return &emptypb.Empty{}, nil
}

// Client calls the admin service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Stats fetches gateway counters.
func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CloseRoom asks the gateway to destroy room id.
func (c *Client) CloseRoom(ctx context.Context, id uint64, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, closeRoomMethod, wrapperspb.UInt64(id), new(emptypb.Empty), opts...)
}
