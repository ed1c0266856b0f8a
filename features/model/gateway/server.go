package gateway

import (
	"context"
	"errors"
	"io"

	"goa.design/loom/runtime/model"
)

type (
	// Server adapts a model.Client into a pair of composable handlers, one
	// unary and one streaming, each with its own middleware chain.
	//
	// A process hosting provider credentials constructs a Server around a
	// features/model adapter, registers cross-cutting middleware (rate
	// limiting, logging, request rewriting), and exposes Generate and
	// Stream through whatever RPC layer it serves. Middleware applies in
	// registration order: the first registered wraps all later ones, with
	// the provider client innermost.
	Server struct {
		provider model.Client
		unary    UnaryHandler
		stream   StreamHandler
	}

	// UnaryHandler processes one generation request to completion. The base
	// handler invokes the provider; middleware compose around it.
	UnaryHandler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// StreamHandler processes one streaming request by invoking send for
	// each chunk in order. An error from send aborts the stream. The
	// handler owns the underlying stream lifecycle including cleanup on
	// error; a nil return means the stream ended cleanly after its done
	// chunk.
	StreamHandler func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error

	// UnaryMiddleware wraps a UnaryHandler with behavior before, after, or
	// around the next handler.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// StreamMiddleware wraps a StreamHandler. Implementations may observe
	// or transform chunks by interposing on send but must preserve its
	// sequential call semantics.
	StreamMiddleware func(next StreamHandler) StreamHandler

	// Option configures NewServer.
	Option func(*serverConfig)

	serverConfig struct {
		provider model.Client
		unaryMW  []UnaryMiddleware
		streamMW []StreamMiddleware
	}
)

// WithProvider sets the model client the server fronts. Required.
func WithProvider(p model.Client) Option {
	return func(c *serverConfig) { c.provider = p }
}

// WithUnary appends middleware to the unary chain. Order is preserved
// across calls; earlier middleware form outer layers.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *serverConfig) { c.unaryMW = append(c.unaryMW, mw...) }
}

// WithStream appends middleware to the streaming chain. Order is preserved
// across calls; earlier middleware form outer layers.
func WithStream(mw ...StreamMiddleware) Option {
	return func(c *serverConfig) { c.streamMW = append(c.streamMW, mw...) }
}

// NewServer builds both handler chains around the configured provider. The
// server itself adds no policy; everything beyond provider invocation comes
// from middleware. Returns ErrProviderRequired when WithProvider was not
// given.
func NewServer(opts ...Option) (*Server, error) {
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}

	baseUnary := func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return cfg.provider.Generate(ctx, req)
	}
	baseStream := func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
		st, err := cfg.provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		for {
			chunk, err := st.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if err := send(chunk); err != nil {
				return err
			}
		}
	}

	unary := baseUnary
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}
	stream := baseStream
	for i := len(cfg.streamMW) - 1; i >= 0; i-- {
		stream = cfg.streamMW[i](stream)
	}
	return &Server{provider: cfg.provider, unary: unary, stream: stream}, nil
}

// Generate runs one request through the unary chain.
func (s *Server) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return s.unary(ctx, req)
}

// Stream runs one request through the streaming chain, invoking send for
// each chunk. It returns when the provider stream ends, send fails, or ctx
// is done.
func (s *Server) Stream(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
	return s.stream(ctx, req, send)
}
