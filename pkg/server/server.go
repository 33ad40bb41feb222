// Package server exposes a Bridge over HTTP: JSON endpoints for the session
// operations, Server-Sent Events and WebSocket delivery of stream events, and
// an MCP endpoint per session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cexll/genbridge/pkg/bridge"
	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/mcp"
	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

const maxBodyBytes = 4 << 20

// Server exposes a minimal HTTP API around a Bridge.
type Server struct {
	bridge  *bridge.Bridge
	sse     *event.SSE
	schemas *schema.Cache
	tools   []tool.Tool
	client  *http.Client
	logger  *slog.Logger
	mux     *http.ServeMux
	http    *http.Server

	// instructions apply to sessions created without their own.
	instructions string

	// MCP handlers keep per-connection state, so one lives per session.
	mcpMu       sync.Mutex
	mcpHandlers map[string]http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchemaCache shares a parsed-schema cache with the server.
func WithSchemaCache(c *schema.Cache) Option {
	return func(s *Server) { s.schemas = c }
}

// WithTools adds tools to every session created over HTTP, ahead of the
// tools named in the request.
func WithTools(tools ...tool.Tool) Option {
	return func(s *Server) { s.tools = append(s.tools, tools...) }
}

// WithInstructions sets the instructions of sessions whose create request
// carries none.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// WithHeartbeat sets the SSE heartbeat interval. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.sse.SetHeartbeat(d) }
}

// WithWebhookClient sets the client used by webhook tools.
func WithWebhookClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// New creates a Server with pre-wired routes.
func New(b *bridge.Bridge, opts ...Option) (*Server, error) {
	if b == nil {
		return nil, errors.New("server: bridge is nil")
	}
	srv := &Server{
		bridge: b,
		sse:    event.NewSSE(),
		logger: slog.Default(),
		mux:    http.NewServeMux(),

		mcpHandlers: make(map[string]http.Handler),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.schemas == nil {
		cache, err := schema.NewCache(schema.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		srv.schemas = cache
	}
	srv.routes()
	return srv, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("DELETE /sessions/{session}", s.handleDestroySession)
	s.mux.HandleFunc("GET /sessions/{session}/transcript", s.handleTranscript)
	s.mux.HandleFunc("POST /sessions/{session}/respond", s.handleRespond)
	s.mux.HandleFunc("POST /sessions/{session}/respond-with-schema", s.handleRespondWithSchema)
	s.mux.HandleFunc("POST /sessions/{session}/streams", s.handleStartStream)
	s.mux.HandleFunc("POST /sessions/{session}/tools/{tool}", s.handleInvokeTool)
	s.mux.Handle("/sessions/{session}/mcp", http.HandlerFunc(s.handleMCP))
	s.mux.HandleFunc("DELETE /streams/{stream}", s.handleCancelStream)
	s.mux.HandleFunc("GET /streams/{stream}", s.handleStreamState)
	s.mux.HandleFunc("GET /streams/{stream}/events", s.handleEvents)
	s.mux.HandleFunc("GET /streams/{stream}/ws", s.handleWebSocket)
}

// ServeHTTP implements http.Handler and delegates to the internal mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr with cleartext HTTP/2 enabled, so long-lived
// event streams multiplex over one connection.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type toolSpec struct {
	tool.Definition
	// Endpoint receives the arguments of each call as a JSON POST.
	Endpoint string
}

func (t *toolSpec) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &t.Definition); err != nil {
		return err
	}
	var extra struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	t.Endpoint = strings.TrimSpace(extra.Endpoint)
	return nil
}

type createSessionRequest struct {
	ID           string     `json:"id"`
	Instructions string     `json:"instructions"`
	Tools        []toolSpec `json:"tools"`
}

type promptRequest struct {
	Prompt  string          `json:"prompt"`
	Schema  json.RawMessage `json:"schema,omitempty"`
	Options model.Options   `json:"options"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.bridge.Sessions())})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.bridge.Sessions()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Instructions) == "" {
		req.Instructions = s.instructions
	}
	tools := append([]tool.Tool(nil), s.tools...)
	for _, spec := range req.Tools {
		if spec.Endpoint == "" {
			writeError(w, badRequest("tool %s: endpoint is required", spec.Name))
			return
		}
		tools = append(tools, tool.Tool{Definition: spec.Definition, Handler: tool.Webhook(spec.Endpoint, s.client)})
	}
	id, err := s.bridge.CreateSession(r.Context(), bridge.SessionSpec{
		ID:           strings.TrimSpace(req.ID),
		Instructions: req.Instructions,
		Tools:        tools,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	s.mcpMu.Lock()
	delete(s.mcpHandlers, id)
	s.mcpMu.Unlock()
	if err := s.bridge.DestroySession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := s.bridge.Transcript(r.PathValue("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	text, err := s.bridge.Respond(r.Context(), r.PathValue("session"), req.Prompt, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleRespondWithSchema(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sch, err := s.parseSchema(req.Schema, true)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.bridge.RespondWithSchema(r.Context(), r.PathValue("session"), req.Prompt, sch, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]content.Value{"content": v})
}

// handleStartStream starts a structured stream when a schema is given and a
// text stream otherwise.
func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sch, err := s.parseSchema(req.Schema, false)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := r.PathValue("session")
	var streamID string
	if sch != nil {
		streamID, err = s.bridge.StreamWithSchema(r.Context(), sessionID, req.Prompt, sch, req.Options)
	} else {
		streamID, err = s.bridge.StreamText(r.Context(), sessionID, req.Prompt, req.Options)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/streams/"+streamID+"/events")
	writeJSON(w, http.StatusAccepted, map[string]string{"stream_id": streamID})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, badRequest("read body: %v", err))
		return
	}
	args := content.Object()
	if len(strings.TrimSpace(string(raw))) > 0 {
		if args, err = content.Parse(raw); err != nil {
			writeError(w, badRequest("arguments are not json: %v", err))
			return
		}
	}
	out, err := s.bridge.InvokeTool(r.Context(), r.PathValue("session"), r.PathValue("tool"), args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]content.Value{"content": out})
}

// handleMCP serves the session's tools over the MCP streamable HTTP transport.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	sess, err := s.bridge.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mcpMu.Lock()
	h, ok := s.mcpHandlers[id]
	if !ok {
		h, err = mcp.Handler(sess.Tools(), mcp.WithLogger(s.logger))
		if err == nil {
			s.mcpHandlers[id] = h
		}
	}
	s.mcpMu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	h.ServeHTTP(w, r)
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.CancelStream(r.PathValue("stream")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStreamState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("stream")
	state, err := s.bridge.StreamState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stream_id": id, "state": state.String()})
}

// handleEvents replays the events after Last-Event-ID (or ?after=) and
// follows the stream until its terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.bridge.Subscribe(r.PathValue("stream"), event.LastEventSeq(r))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()
	s.sse.Serve(w, r, sub.C)
}

func (s *Server) parseSchema(raw json.RawMessage, required bool) (*schema.Schema, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		if required {
			return nil, badRequest("schema is required")
		}
		return nil, nil
	}
	return s.schemas.Parse(raw)
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is empty")
		}
		return badRequest("invalid JSON payload: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}
