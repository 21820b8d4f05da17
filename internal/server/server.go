package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"kwilt/internal/audit"
	"kwilt/internal/engine"
)

const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602

	// Business failures ride the JSON-RPC envelope with HTTP-flavored codes.
	// The mixing is part of the wire contract; do not normalize it.
	errCodeNotFound = 404
	errCodeInternal = 500

	protocolVersion = "2024-11-05"
	serverVersion   = "0.1.0"

	// toolPrefix is the recognized namespace on tool names; it is stripped
	// before matching so "kwilt.list_tasks" and "list_tasks" are the same.
	toolPrefix = "kwilt."

	allowedHeaders = "authorization, x-client-info, apikey, content-type"
)

// Config for the RPC handler.
type Config struct {
	Engine   engine.Engine
	Audit    audit.Writer
	Auth     AuthConfig
	BasePath string
}

// Server is the JSON-RPC dispatcher for the task-handoff protocol.
type Server struct {
	engine engine.Engine
	audit  audit.Writer
	auth   AuthConfig
	tools  map[string]toolSpec
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// transportError is the second error shape of the contract: a real HTTP
// status with a plain body, reserved for auth/method/availability failures.
// Everything past the front door answers HTTP 200 with a JSON-RPC envelope.
type transportError struct {
	Status  int
	Message string
}

var (
	errUnauthorized     = &transportError{Status: http.StatusUnauthorized, Message: "unauthorized"}
	errMethodNotAllowed = &transportError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	errUnavailable      = &transportError{Status: http.StatusServiceUnavailable, Message: "service unavailable"}
)

// New returns the HTTP handler exposing the handoff RPC endpoint.
func New(cfg Config) http.Handler {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/rpc"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	s := &Server{
		engine: cfg.Engine,
		audit:  cfg.Audit,
		auth:   cfg.Auth,
		tools:  make(map[string]toolSpec, len(toolCatalog)),
	}
	for _, t := range toolCatalog {
		s.tools[t.Name] = t
	}

	router := chi.NewRouter()
	router.Use(corsMiddleware)
	// Wrong-method requests get the transport error shape, not chi's plain 405.
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondTransportError(w, errMethodNotAllowed)
	})
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Options(basePath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.Post(basePath, s.handleRPC)
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", allowedHeaders)
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ownerID, terr := s.authenticate(r.Context(), r.Header.Get("Authorization"))
	if terr != nil {
		respondTransportError(w, terr)
		return
	}
	ctx := r.Context()

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: nil, Error: &rpcError{Code: errCodeParse, Message: "parse error"}})
		return
	}
	id := decodeID(req.ID)

	var result any
	var rpcErr *rpcError
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "kwilt", "version": serverVersion},
		}
	case "tools/list":
		result = map[string]any{"tools": listTools()}
	case "tools/call":
		result, rpcErr = s.callTool(ctx, ownerID, req.Params)
	case "":
		rpcErr = &rpcError{Code: errCodeInvalidRequest, Message: "method is required"}
	default:
		rpcErr = &rpcError{Code: errCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if rpcErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
		return
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, ownerID string, params json.RawMessage) (result any, rpcErr *rpcError) {
	var p callParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: errCodeInvalidParams, Message: "invalid params"}
		}
	}
	if p.Name == "" {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "params.name is required"}
	}
	name := strings.TrimPrefix(p.Name, toolPrefix)
	tool, ok := s.tools[name]
	if !ok {
		return nil, &rpcError{Code: errCodeMethodNotFound, Message: fmt.Sprintf("unknown tool: %s", p.Name)}
	}

	entry := audit.Entry{OwnerID: ownerID, ToolName: name}
	defer func() {
		if rec := recover(); rec != nil {
			// Raw message on purpose: the protocol keeps internal failures
			// debuggable for trusted executors.
			msg := fmt.Sprintf("%v", rec)
			slog.Error("tool handler panicked", "tool", name, "error", msg)
			entry.Summary = "panic: " + msg
			result, rpcErr = nil, &rpcError{Code: errCodeInternal, Message: msg}
		}
		s.audit.Record(ctx, entry)
	}()

	payload, err := tool.Handle(ctx, s, ownerID, p.Arguments, &entry)
	if err != nil {
		rpcErr = mapToolError(err)
		entry.Summary = "error: " + rpcErr.Message
		return nil, rpcErr
	}
	if entry.Summary == "" {
		entry.Summary = "ok"
	}
	return map[string]any{
		"content": []map[string]any{{"type": "json", "json": payload}},
	}, nil
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}

func respondTransportError(w http.ResponseWriter, terr *transportError) {
	writeJSON(w, terr.Status, map[string]any{
		"error": map[string]any{"message": terr.Message, "code": terr.Status},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	return generic
}
