// Package daemon serves graph queries over a unix domain socket.
//
// The wire protocol is line-delimited JSON: one request object per line, one
// response object per line, in request order per connection. Connections are
// independent and served concurrently; the engine's lock discipline keeps
// queries consistent against a live watcher updating the graph.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sigraph-io/sigraph/internal/engine"
	"github.com/sigraph-io/sigraph/internal/isg"
	"github.com/sigraph-io/sigraph/internal/query"
)

// defaultQueryTimeout bounds one request when the client sets none.
const defaultQueryTimeout = 2 * time.Second

// maxLineBytes bounds one request line.
const maxLineBytes = 1 << 20

// Request is one query sent by a client.
type Request struct {
	// Op selects the operation: search, get, callers, implementers, blast,
	// cycles, context, unreferenced, status.
	Op string `json:"op"`

	// Key names the target entity: hex id, qualified path, or short name.
	Key string `json:"key,omitempty"`

	// Params carries per-op options.
	Params struct {
		Limit      int      `json:"limit,omitempty"`
		MaxDepth   int      `json:"max_depth,omitempty"`
		MaxResults int      `json:"max_results,omitempty"`
		Kinds      []string `json:"kinds,omitempty"`
		TimeoutMs  int      `json:"timeout_ms,omitempty"`
	} `json:"params,omitempty"`
}

// Response is the answer to one request.
type Response struct {
	Result any `json:"result,omitempty"`

	// Complete mirrors the query completeness verdict; false means partial.
	Complete bool `json:"complete"`

	LatencyMs float64       `json:"latency_ms"`
	Warnings  []isg.Warning `json:"warnings,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Server answers daemon requests against one engine.
type Server struct {
	eng *engine.Engine
	svc *query.Service
}

// NewServer creates a daemon server.
func NewServer(eng *engine.Engine) *Server {
	return &Server{eng: eng, svc: query.NewService(eng)}
}

// Serve listens on a unix socket until the context is cancelled. A stale
// socket file from a crashed predecessor is removed before binding.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := removeStaleSocket(socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
		os.Remove(socketPath)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: "malformed request: " + err.Error()})
			continue
		}

		resp := s.Handle(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// Handle runs one request to completion, applying its timeout.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	timeout := defaultQueryTimeout
	if req.Params.TimeoutMs > 0 {
		timeout = time.Duration(req.Params.TimeoutMs) * time.Millisecond
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp := s.dispatch(qctx, req)
	resp.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	fail := func(err error) *Response {
		return &Response{Error: err.Error()}
	}

	switch req.Op {
	case "search":
		limit := req.Params.Limit
		if limit <= 0 {
			limit = 10
		}
		return &Response{Result: s.svc.Lookup(req.Key, limit), Complete: true}

	case "get":
		res, err := s.svc.Get(ctx, req.Key)
		if err != nil {
			return fail(err)
		}
		return queryResponse(res)

	case "callers":
		res, err := s.svc.Callers(ctx, req.Key)
		if err != nil {
			return fail(err)
		}
		return queryResponse(res)

	case "implementers":
		res, err := s.svc.Implementers(ctx, req.Key)
		if err != nil {
			return fail(err)
		}
		return queryResponse(res)

	case "blast":
		opts := query.BlastOptions{
			MaxDepth:   req.Params.MaxDepth,
			MaxResults: req.Params.MaxResults,
		}
		for _, k := range req.Params.Kinds {
			opts.Kinds = append(opts.Kinds, isg.EdgeKind(k))
		}
		res, err := s.svc.BlastRadius(ctx, req.Key, opts)
		if err != nil {
			return fail(err)
		}
		return queryResponse(res)

	case "cycles":
		res, err := s.svc.Cycles(ctx)
		if err != nil {
			return fail(err)
		}
		return &Response{Result: res, Complete: res.Complete, Warnings: res.Warnings}

	case "context":
		bundle, err := s.svc.Context(ctx, req.Key)
		if err != nil {
			return fail(err)
		}
		return &Response{Result: bundle, Complete: bundle.Complete, Warnings: bundle.Warnings}

	case "unreferenced":
		res, err := s.svc.Unreferenced(ctx)
		if err != nil {
			return fail(err)
		}
		return queryResponse(res)

	case "status":
		return &Response{Result: s.eng.Stats(), Complete: true}

	default:
		return &Response{Error: "unknown op: " + req.Op}
	}
}

func queryResponse(res *query.Result) *Response {
	return &Response{Result: res, Complete: res.Complete, Warnings: res.Warnings}
}

// removeStaleSocket unlinks a leftover socket file if nothing is listening
// behind it.
func removeStaleSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is already in use", socketPath)
	}
	return os.Remove(socketPath)
}
