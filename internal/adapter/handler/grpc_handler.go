package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/core/service"
)

const (
	InventoryServiceName = "ticketing.inventory.v1.Inventory"

	// CodecName is the content-subtype clients must request.
	CodecName = "json"

	metadataETag     = "etag"
	metadataIfMatch  = "if-match"
	metadataTenantID = "x-tenant-id"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

type SummaryRequest struct {
	EventID string `json:"event_id"`
}

type SummaryResponse struct {
	Summary domain.InventorySummary `json:"summary"`
	ETag    string                  `json:"etag"`
}

type MutationRequest struct {
	EventID  string `json:"event_id"`
	LineID   string `json:"line_id"`
	Quantity int    `json:"quantity"`
}

type MutationResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ETag    string `json:"etag,omitempty"`
}

type InventoryServer interface {
	GetSummary(ctx context.Context, req *SummaryRequest) (*SummaryResponse, error)
	Reserve(ctx context.Context, req *MutationRequest) (*MutationResponse, error)
	Release(ctx context.Context, req *MutationRequest) (*MutationResponse, error)
}

var inventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: InventoryServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSummary", Handler: unaryHandler("GetSummary", InventoryServer.GetSummary)},
		{MethodName: "Reserve", Handler: unaryHandler("Reserve", InventoryServer.Reserve)},
		{MethodName: "Release", Handler: unaryHandler("Release", InventoryServer.Release)},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterInventoryServer(s grpc.ServiceRegistrar, srv InventoryServer) {
	s.RegisterService(&inventoryServiceDesc, srv)
}

func unaryHandler[Req, Resp any](method string, call func(InventoryServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + InventoryServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InventoryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InventoryServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TenantInterceptor scopes each call to the tenant named in metadata.
func TenantInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(metadataTenantID); len(values) > 0 && values[0] != "" {
			ctx = domain.WithTenant(ctx, values[0])
		}
	}
	return handler(ctx, req)
}

type GRPCHandler struct {
	inventory *service.InventoryService
}

var _ InventoryServer = (*GRPCHandler)(nil)

func NewGRPCHandler(inventory *service.InventoryService) *GRPCHandler {
	return &GRPCHandler{inventory: inventory}
}

func (h *GRPCHandler) GetSummary(ctx context.Context, req *SummaryRequest) (*SummaryResponse, error) {
	summary, err := h.inventory.Repository().GetInventorySummaryWithToken(ctx, req.EventID)
	if err != nil {
		return nil, grpcError(err)
	}
	etag := summary.Token.Header()
	grpc.SetHeader(ctx, metadata.Pairs(metadataETag, etag))

	return &SummaryResponse{Summary: summary, ETag: etag}, nil
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *MutationRequest) (*MutationResponse, error) {
	return h.mutate(ctx, req, "reserved", h.inventory.ReserveWithToken, h.inventory.ExplainReserve)
}

func (h *GRPCHandler) Release(ctx context.Context, req *MutationRequest) (*MutationResponse, error) {
	return h.mutate(ctx, req, "released", h.inventory.ReleaseWithToken, h.inventory.ExplainRelease)
}

func (h *GRPCHandler) mutate(ctx context.Context, req *MutationRequest, done string, try lineMutation, explain lineExplain) (*MutationResponse, error) {
	header := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(metadataIfMatch); len(values) > 0 {
			header = values[0]
		}
	}
	expected, err := domain.ParseToken(header, domain.EventEntityType, req.EventID)
	if err != nil {
		return nil, grpcError(err)
	}

	token, ok, err := try(ctx, req.EventID, req.LineID, req.Quantity, expected)
	if err != nil {
		return nil, grpcError(err)
	}
	if !ok {
		if reason := explain(ctx, req.EventID, req.LineID, req.Quantity, expected); reason != nil {
			return nil, grpcError(reason)
		}
		return nil, status.Error(codes.Aborted, "concurrent update, retry")
	}

	resp := &MutationResponse{Success: true, Message: done, ETag: token.Header()}
	grpc.SetHeader(ctx, metadata.Pairs(metadataETag, resp.ETag))
	return resp, nil
}
