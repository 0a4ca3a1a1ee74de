package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"ordersaga/internal/orders"
	"ordersaga/internal/orders/saga"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName      = "ordersaga.v1.OrderService"
	PlaceOrderMethod = "/" + ServiceName + "/PlaceOrder"
	GetOrderMethod   = "/" + ServiceName + "/GetOrder"
)

// OrderPlacer runs one saga.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order *saga.Order) bool
}

// OrderReader loads persisted orders.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (saga.Order, error)
}

// OrderServiceServer is the server API of ordersaga.v1.OrderService.
// Messages are google.protobuf.Struct documents shaped like the JSON API.
type OrderServiceServer interface {
	PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var orderServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "PlaceOrder", Handler: placeOrderHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "ordersaga/v1/order.proto",
}

// RegisterOrderServiceServer registers srv on s.
func RegisterOrderServiceServer(s grpcpkg.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

func placeOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).PlaceOrder(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: PlaceOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).PlaceOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).GetOrder(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: GetOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).GetOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// OrderServer adapts the orchestrator and order store to gRPC.
type OrderServer struct {
	placer OrderPlacer
	reader OrderReader
}

// NewOrderServer serves PlaceOrder through placer and GetOrder through reader.
func NewOrderServer(placer OrderPlacer, reader OrderReader) *OrderServer {
	return &OrderServer{placer: placer, reader: reader}
}

// PlaceOrder runs a saga. A saga that ends in a failure status is still a
// successful RPC; the response carries successful=false and the status.
func (s *OrderServer) PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orders.PlaceOrderRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := in.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	order := in.Order()
	ok := s.placer.PlaceOrder(ctx, order)
	if err := ctx.Err(); err != nil && !ok {
		return nil, mapOrderError(err)
	}

	resp, err := structpb.NewStruct(map[string]any{
		"order_id":   order.OrderID,
		"successful": ok,
		"status":     order.Status.String(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// GetOrder returns the persisted order named by order_id.
func (s *OrderServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := req.GetFields()["order_id"].GetStringValue()
	if err := validation.Validate(orderID, validation.Required); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "order_id: %v", err)
	}

	order, err := s.reader.Get(ctx, orderID)
	if err != nil {
		return nil, mapOrderError(err)
	}
	resp, err := encodeStruct(order)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	return resp, nil
}

func decodeStruct(in *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func encodeStruct(in any) (*structpb.Struct, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapOrderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, saga.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, saga.ErrOrderExists):
		return status.Error(codes.AlreadyExists, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
