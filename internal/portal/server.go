package portal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/charmbracelet/log"

	"github.com/portalbox/portalbox/internal/jsonrpc"
)

// Handler serves one portal method. Returning a *jsonrpc.Error produces an
// error response; any other error maps to an internal error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches portal requests to registered method handlers. The agent
// runs one over vsock; tests run one over net.Pipe.
type Server struct {
	handlers map[string]Handler
	logger   *log.Logger
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

func (s *Server) Handle(method string, handler Handler) {
	s.handlers[method] = handler
}

// Serve accepts connections until the listener closes or the context ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if s.logger != nil {
				s.logger.Warn("accept failed", "err", err)
			}
			continue
		}
		go s.ServeConn(ctx, conn)
	}
}

// ServeConn answers requests on one stream until it closes. Requests are
// handled strictly in order, so response order matches request order.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req jsonrpc.Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				_ = enc.Encode(jsonrpc.NewError(nil, jsonrpc.CodeParse, "malformed request"))
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if req.ID == nil {
			// Notification: no response.
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	if rpcErr := req.Validate(); rpcErr != nil {
		return jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: rpcErr, ID: req.ID}
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "unknown method "+req.Method)
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: rpcErr, ID: req.ID}
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, err.Error())
	}

	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, err.Error())
	}
	return resp
}
