package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// InventoryClient calls the Inventory service over a connection that uses
// the json codec.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

// CallOptions must be passed to grpc.NewClient via
// grpc.WithDefaultCallOptions, or to each call.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
}

// WithTenant adds the tenant scope to outgoing metadata.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, metadataTenantID, tenantID)
}

func (c *InventoryClient) GetSummary(ctx context.Context, eventID string, opts ...grpc.CallOption) (*SummaryResponse, error) {
	out := new(SummaryResponse)
	if err := c.cc.Invoke(ctx, "/"+InventoryServiceName+"/GetSummary", &SummaryRequest{EventID: eventID}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Reserve sends etag as if-match.
func (c *InventoryClient) Reserve(ctx context.Context, req *MutationRequest, etag string, opts ...grpc.CallOption) (*MutationResponse, error) {
	return c.mutate(ctx, "Reserve", req, etag, opts)
}

func (c *InventoryClient) Release(ctx context.Context, req *MutationRequest, etag string, opts ...grpc.CallOption) (*MutationResponse, error) {
	return c.mutate(ctx, "Release", req, etag, opts)
}

func (c *InventoryClient) mutate(ctx context.Context, method string, req *MutationRequest, etag string, opts []grpc.CallOption) (*MutationResponse, error) {
	if etag != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, metadataIfMatch, etag)
	}
	out := new(MutationResponse)
	if err := c.cc.Invoke(ctx, "/"+InventoryServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
