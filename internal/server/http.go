package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"scratchpad/internal/config"
	"scratchpad/internal/logging"
	"scratchpad/internal/metrics"
	"scratchpad/internal/notebook"
)

const maxHTTPBody = 16 * 1024 * 1024

// HTTPServer hosts the HTTP tool endpoint, the SSE transport, and the
// metrics endpoint on one listener.
type HTTPServer struct {
	service  *Service
	cfg      *config.Config
	server   *http.Server
	sessions *sseSessions
}

// NewHTTPServer builds the HTTP transport. m may be nil when metrics are
// disabled.
func NewHTTPServer(service *Service, cfg *config.Config, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		service:  service,
		cfg:      cfg,
		sessions: newSSESessions(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTPPath, h.handleTool)
	if cfg.EnableSSE {
		mux.HandleFunc(cfg.SSEPath, h.handleSSE)
	}
	if cfg.EnableMetrics && m != nil {
		mux.Handle(cfg.MetricsPath, m.Handler())
	}

	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Start listens and serves until Shutdown. Blocks.
func (h *HTTPServer) Start() error {
	var (
		listener net.Listener
		err      error
	)
	if h.cfg.HTTPSocketPath != "" {
		_ = os.Remove(h.cfg.HTTPSocketPath)
		listener, err = net.Listen("unix", h.cfg.HTTPSocketPath)
		logging.Server("HTTP transport on unix socket %s", h.cfg.HTTPSocketPath)
	} else {
		addr := fmt.Sprintf("%s:%d", h.cfg.HTTPHost, h.cfg.HTTPPort)
		listener, err = net.Listen("tcp", addr)
		logging.Server("HTTP transport on %s", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes open SSE streams.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	h.sessions.closeAll()
	return h.server.Shutdown(ctx)
}

// handleTool serves direct tool invocations: POST {tool, params}. A body
// carrying a jsonrpc field is treated as an MCP message instead, so
// streamable-HTTP clients can reuse the same endpoint.
func (h *HTTPServer) handleTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, notebook.E(notebook.CodeValidationError, "method %s not allowed", r.Method),
			http.StatusMethodNotAllowed)
		return
	}
	tenant, err := h.service.resolver.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		de := notebook.AsDomain(err)
		writeError(w, de, notebook.HTTPStatus(de.Code))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBody))
	if err != nil {
		writeError(w, notebook.E(notebook.CodeValidationError, "cannot read request body"),
			http.StatusBadRequest)
		return
	}

	var probe struct {
		JSONRPC string         `json:"jsonrpc"`
		Tool    string         `json:"tool"`
		Params  map[string]any `json:"params"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, notebook.E(notebook.CodeValidationError, "request body is not valid JSON"),
			http.StatusBadRequest)
		return
	}

	if probe.JSONRPC != "" {
		response := h.service.HandleMessage(r.Context(), tenant, body)
		w.Header().Set("Content-Type", "application/json")
		if response == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write(response)
		return
	}

	if probe.Tool == "" {
		writeError(w, notebook.E(notebook.CodeValidationError, "tool is required"),
			http.StatusBadRequest)
		return
	}
	if probe.Params == nil {
		probe.Params = map[string]any{}
	}
	envelope := h.service.Call(r.Context(), tenant, probe.Tool, probe.Params)
	status := http.StatusOK
	if ok, _ := envelope["ok"].(bool); !ok {
		if failure, ok := envelope["error"].(map[string]any); ok {
			if code, ok := failure["code"].(string); ok {
				status = notebook.HTTPStatus(code)
			}
		}
	}
	writeJSON(w, status, envelope)
}

// ---- SSE transport ----

type sseSession struct {
	tenant string
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *sseSession) close() {
	s.once.Do(func() { close(s.done) })
}

type sseSessions struct {
	mu       sync.Mutex
	sessions map[string]*sseSession
}

func newSSESessions() *sseSessions {
	return &sseSessions{sessions: make(map[string]*sseSession)}
}

func (s *sseSessions) add(id string, session *sseSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = session
}

func (s *sseSessions) get(id string) *sseSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *sseSessions) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *sseSessions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		session.close()
		delete(s.sessions, id)
	}
}

// handleSSE establishes a stream on GET and accepts client messages on POST
// with the session query parameter, answering over the stream.
func (h *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.openSSEStream(w, r)
	case http.MethodPost:
		h.postSSEMessage(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *HTTPServer) openSSEStream(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.service.resolver.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		de := notebook.AsDomain(err)
		writeError(w, de, notebook.HTTPStatus(de.Code))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, notebook.E(notebook.CodeInternal, "streaming unsupported"),
			http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	session := &sseSession{
		tenant: tenant,
		out:    make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	h.sessions.add(id, session)
	defer func() {
		h.sessions.remove(id)
		session.close()
	}()
	logging.Server("SSE session %s opened (tenant=%s)", id, tenant)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: endpoint\ndata: %s?session=%s\n\n", h.cfg.SSEPath, id)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			logging.Server("SSE session %s closed by client", id)
			return
		case <-session.done:
			return
		case message := <-session.out:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", message)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (h *HTTPServer) postSSEMessage(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.get(r.URL.Query().Get("session"))
	if session == nil {
		writeError(w, notebook.E(notebook.CodeNotFound, "unknown SSE session"),
			http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBody))
	if err != nil {
		writeError(w, notebook.E(notebook.CodeValidationError, "cannot read request body"),
			http.StatusBadRequest)
		return
	}
	response := h.service.HandleMessage(r.Context(), session.tenant, body)
	if response != nil {
		select {
		case session.out <- response:
		case <-session.done:
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, de *notebook.Error, status int) {
	failure := map[string]any{"code": de.Code, "message": de.Message}
	if len(de.Details) > 0 {
		failure["details"] = de.Details
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": failure})
}
