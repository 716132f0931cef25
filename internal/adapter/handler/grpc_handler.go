package handler

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/voucher-seckill/internal/core/service"
)

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype to talk to VoucherOrderService.
const JSONCodecName = "json"

const SeckillFullMethod = "/seckill.v1.VoucherOrderService/Seckill"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type SeckillRequest struct {
	VoucherID int64 `json:"voucher_id"`
}

type SeckillResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID int64  `json:"order_id,string,omitempty"`
}

type VoucherOrderServer interface {
	Seckill(context.Context, *SeckillRequest) (*SeckillResponse, error)
}

var VoucherOrderServiceDesc = grpc.ServiceDesc{
	ServiceName: "seckill.v1.VoucherOrderService",
	HandlerType: (*VoucherOrderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Seckill", Handler: seckillHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterVoucherOrderServer(s grpc.ServiceRegistrar, srv VoucherOrderServer) {
	s.RegisterService(&VoucherOrderServiceDesc, srv)
}

func seckillHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SeckillRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VoucherOrderServer).Seckill(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SeckillFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VoucherOrderServer).Seckill(ctx, req.(*SeckillRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type VoucherOrderClient struct {
	cc grpc.ClientConnInterface
}

func NewVoucherOrderClient(cc grpc.ClientConnInterface) *VoucherOrderClient {
	return &VoucherOrderClient{cc: cc}
}

func (c *VoucherOrderClient) Seckill(ctx context.Context, in *SeckillRequest, opts ...grpc.CallOption) (*SeckillResponse, error) {
	out := new(SeckillResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, SeckillFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	orderService *service.OrderService
}

func NewGRPCHandler(orderService *service.OrderService) *GRPCHandler {
	return &GRPCHandler{orderService: orderService}
}

func (h *GRPCHandler) Seckill(ctx context.Context, req *SeckillRequest) (*SeckillResponse, error) {
	if req.VoucherID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "voucher_id is required")
	}

	orderID, err := h.orderService.Seckill(ctx, req.VoucherID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthenticated):
			return nil, status.Error(codes.Unauthenticated, "login required")
		case errors.Is(err, service.ErrInternal):
			return nil, status.Error(codes.Unavailable, "please try again")
		}
		_, message := seckillError(err)
		return &SeckillResponse{Success: false, Message: message}, nil
	}

	return &SeckillResponse{Success: true, Message: "order accepted", OrderID: orderID}, nil
}
