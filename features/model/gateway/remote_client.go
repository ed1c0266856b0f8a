package gateway

import (
	"context"
	"errors"

	"goa.design/loom/runtime/model"
)

// RemoteClient implements model.Client over caller-supplied RPC functions
// operating on the normalized runtime types, keeping the client agnostic of
// the concrete transport and any generated stubs.
//
// The stream function is optional: when absent, Stream returns
// model.ErrStreamingUnsupported and the agent executor falls back to
// Generate on its own.
type RemoteClient struct {
	doGenerate func(ctx context.Context, req *model.Request) (*model.Response, error)
	doStream   func(ctx context.Context, req *model.Request) (model.Streamer, error)
}

var _ model.Client = (*RemoteClient)(nil)

// NewRemoteClient constructs a model.Client from RPC functions. Either may
// be nil; the corresponding method then reports itself unavailable.
func NewRemoteClient(
	generate func(ctx context.Context, req *model.Request) (*model.Response, error),
	stream func(ctx context.Context, req *model.Request) (model.Streamer, error),
) *RemoteClient {
	return &RemoteClient{doGenerate: generate, doStream: stream}
}

// Generate forwards to the configured generate function.
func (c *RemoteClient) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	if c.doGenerate == nil {
		return nil, errors.New("model gateway: generate function not configured")
	}
	return c.doGenerate(ctx, req)
}

// Stream forwards to the configured stream function.
func (c *RemoteClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if c.doStream == nil {
		return nil, model.ErrStreamingUnsupported
	}
	return c.doStream(ctx, req)
}
