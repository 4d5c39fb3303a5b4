package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/parse"
	"github.com/lexcodex/promptloop/persistence"
)

const defaultGenerateTimeout = 5 * time.Minute

// APIServer exposes prompt rendering, reply parsing and generation over HTTP.
type APIServer struct {
	Connector framework.Connector
	Tools     *framework.Toolset
	Config    framework.GenerationConfig
	// Store is optional; without it every generate call is stateless.
	Store     persistence.ChatlogStore
	Registry  *prometheus.Registry
	Telemetry framework.Telemetry
	Logger    *log.Logger
	// GenerateTimeout bounds one generate request. Zero selects five minutes.
	GenerateTimeout time.Duration
	// Options are appended to the generator options built per request.
	Options []framework.GeneratorOption

	locks sync.Map
}

// RenderRequest is the body of POST /api/render.
type RenderRequest struct {
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
}

// RenderResponse is the reply of POST /api/render.
type RenderResponse struct {
	Text string `json:"text"`
}

// ParseRequest is the body of POST /api/parse. Parser defaults to markdown.
type ParseRequest struct {
	Reply   string   `json:"reply"`
	Parser  string   `json:"parser,omitempty"`
	Aliases []string `json:"plaintext_aliases,omitempty"`
}

// ParseResponse is the reply of POST /api/parse.
type ParseResponse struct {
	Result interface{} `json:"result"`
}

// GenerateRequest is the body of POST /api/generate. Input is appended as a
// user entry after Messages; System is only used when the session is new.
type GenerateRequest struct {
	SessionID string                      `json:"session_id,omitempty"`
	System    string                      `json:"system,omitempty"`
	Messages  framework.Chatlog           `json:"messages,omitempty"`
	Input     string                      `json:"input,omitempty"`
	Parser    string                      `json:"parser,omitempty"`
	Config    *framework.GenerationConfig `json:"config,omitempty"`
}

// GenerateResponse is the reply of POST /api/generate.
type GenerateResponse struct {
	SessionID string      `json:"session_id,omitempty"`
	Reply     string      `json:"reply"`
	Parsed    interface{} `json:"parsed,omitempty"`
	Entries   int         `json:"entries"`
}

// ErrorResponse carries a failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Serve starts listening on the provided address.
func (s *APIServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext allows the caller to control shutdown via context cancellation.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logf("API listening on %s", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler returns the routed, instrumented handler.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/render", s.handleRender)
	mux.HandleFunc("POST /api/parse", s.handleParse)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	if s.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry}))
		return instrument(s.Registry, mux)
	}
	return mux
}

func (s *APIServer) handleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	text, err := framework.NewPromptTemplate(req.Template, req.Variables).Render()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RenderResponse{Text: text})
}

func (s *APIServer) handleParse(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	parser, err := replyParser(req.Parser, req.Aliases)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}
	result, err := parser.ParseReply(req.Reply)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Kind: "parse"})
		return
	}
	writeJSON(w, http.StatusOK, ParseResponse{Result: result})
}

func (s *APIServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.Connector == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no connector configured"})
		return
	}
	var req GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var parser framework.ReplyParser
	if req.Parser != "" {
		p, err := replyParser(req.Parser, nil)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
			return
		}
		parser = p
	}

	sessionID := req.SessionID
	if s.Store != nil && sessionID == "" {
		sessionID = persistence.NewSessionID()
	}
	if sessionID != "" {
		if s.Store == nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "sessions require a store", Kind: "bad_request"})
			return
		}
		if err := persistence.ValidateSessionID(sessionID); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
			return
		}
		unlock := s.lockSession(sessionID)
		defer unlock()
	}

	timeout := s.GenerateTimeout
	if timeout <= 0 {
		timeout = defaultGenerateTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var history framework.Chatlog
	if sessionID != "" {
		stored, err := s.Store.Load(ctx, sessionID)
		if err != nil && !errors.Is(err, persistence.ErrSessionNotFound) {
			writeError(w, err)
			return
		}
		history = stored
	}
	persisted := len(history)
	if len(history) == 0 && req.System != "" {
		history = append(history, framework.SystemEntry(req.System))
	}
	history = append(history, req.Messages...)
	if req.Input != "" {
		history = append(history, framework.UserEntry(req.Input))
	}
	if len(history) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "empty conversation", Kind: "bad_request"})
		return
	}
	if err := history.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	cfg := s.Config
	if req.Config != nil {
		cfg = *req.Config
	}
	reply, err := s.generator(cfg).Generate(ctx, &history)
	if err != nil {
		writeError(w, err)
		return
	}
	history = append(history, framework.AssistantEntry(reply))
	if sessionID != "" {
		if err := s.Store.Append(ctx, sessionID, history[persisted:]...); err != nil {
			writeError(w, err)
			return
		}
	}
	resp := GenerateResponse{SessionID: sessionID, Reply: reply, Entries: len(history)}
	if parser != nil {
		parsed, err := parser.ParseReply(reply)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Kind: "parse"})
			return
		}
		resp.Parsed = parsed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) generator(cfg framework.GenerationConfig) *framework.Generator {
	opts := []framework.GeneratorOption{
		framework.WithConfig(cfg),
		framework.WithTelemetry(s.Telemetry),
		framework.WithRetryNotify(func(attempt int, delay time.Duration, err error) {
			s.logf("attempt %d throttled, retrying in %s: %v", attempt, delay, err)
		}),
	}
	if s.Tools != nil {
		opts = append(opts, framework.WithTools(s.Tools))
	}
	if s.Registry != nil {
		opts = append(opts, framework.WithMetrics(s.Registry))
	}
	opts = append(opts, s.Options...)
	return framework.NewGenerator(s.Connector, opts...)
}

func (s *APIServer) handleTools(w http.ResponseWriter, r *http.Request) {
	schemas := []framework.FunctionTool{}
	if s.Tools != nil {
		schemas = s.Tools.Schemas()
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (s *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	sessions, err := s.Store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []persistence.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *APIServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	history, err := s.Store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *APIServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.Store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) requireStore(w http.ResponseWriter) bool {
	if s.Store == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no session store configured"})
		return false
	}
	return true
}

// lockSession serializes generate calls on one session.
func (s *APIServer) lockSession(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *APIServer) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func replyParser(name string, aliases []string) (framework.ReplyParser, error) {
	if name == "" || name == "markdown" {
		return parse.NewMarkdownParser(aliases...), nil
	}
	return parse.ByName(name)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
