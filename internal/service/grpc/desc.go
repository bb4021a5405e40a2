package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName - полное имя gRPC-сервиса. Сообщения передаются как
// google.protobuf.Struct с тем же JSON, что и в REST API.
const ServiceName = "bms.v1.TradeService"

// Методы TradeService.
const (
	MethodCreateOrder   = "CreateOrder"
	MethodGetOrder      = "GetOrder"
	MethodListOrders    = "ListOrders"
	MethodUpdateOrder   = "UpdateOrder"
	MethodVoidOrder     = "VoidOrder"
	MethodListMovements = "ListMovements"
	MethodGetStats      = "GetStats"
)

// FullMethod возвращает путь вида /bms.v1.TradeService/CreateOrder.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// TradeServiceServer - серверная часть TradeService.
type TradeServiceServer interface {
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VoidOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMovements(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(TradeServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TradeServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TradeServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// TradeServiceDesc описывает сервис для grpc.Server.RegisterService.
var TradeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TradeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateOrder, TradeServiceServer.CreateOrder),
		unary(MethodGetOrder, TradeServiceServer.GetOrder),
		unary(MethodListOrders, TradeServiceServer.ListOrders),
		unary(MethodUpdateOrder, TradeServiceServer.UpdateOrder),
		unary(MethodVoidOrder, TradeServiceServer.VoidOrder),
		unary(MethodListMovements, TradeServiceServer.ListMovements),
		unary(MethodGetStats, TradeServiceServer.GetStats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bms/v1/trade_service.proto",
}

// RegisterTradeServiceServer регистрирует реализацию на сервере.
func RegisterTradeServiceServer(s grpc.ServiceRegistrar, srv TradeServiceServer) {
	s.RegisterService(&TradeServiceDesc, srv)
}

// Client - клиент TradeService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient создаёт клиента поверх соединения.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call вызывает метод TradeService.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOrder отправляет заявку {kind, header, lines}.
func (c *Client) CreateOrder(ctx context.Context, submission map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(submission)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, MethodCreateOrder, in, opts...)
}

// GetOrder читает заказ.
func (c *Client) GetOrder(ctx context.Context, kind string, id int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"kind": kind, "id": id})
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, MethodGetOrder, in, opts...)
}
