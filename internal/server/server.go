// Package server exposes the chat engine over HTTP: session CRUD,
// blocking chat, and an SSE streaming endpoint.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tom-mart/chatbot-base/internal/agent"
	"github.com/tom-mart/chatbot-base/internal/ai"
	"github.com/tom-mart/chatbot-base/internal/config"
	"github.com/tom-mart/chatbot-base/internal/httputil"
	"github.com/tom-mart/chatbot-base/internal/session"
)

// Server wires the HTTP routes to the store and the reasoning engine.
type Server struct {
	cfg    *config.Config
	store  *session.Store
	engine *agent.Engine

	// Turns on the same session serialize so conversation ordering
	// holds even when a client fires requests concurrently.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the server.
func New(cfg *config.Config, store *session.Store, engine *agent.Engine) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		engine: engine,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", s.handleListModels)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Get("/messages", s.handleGetMessages)
				r.Post("/chat", s.handleChat)
				r.Post("/chat/stream", s.handleChatStream)
			})
		})
	})

	return r
}

// sessionLock returns the mutex serializing turns on one session.
func (s *Server) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

type createSessionRequest struct {
	Title         string   `json:"title"`
	Model         string   `json:"model"`
	SystemPrompt  string   `json:"system_prompt"`
	Temperature   *float64 `json:"temperature"`
	TopK          *int     `json:"top_k"`
	TopP          *float64 `json:"top_p"`
	RepeatPenalty *float64 `json:"repeat_penalty"`
	Seed          *int     `json:"seed"`
	NumPredict    *int     `json:"num_predict"`
	NumCtx        *int     `json:"num_ctx"`
	ToolsEnabled  []string `json:"tools_enabled"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	sess := &session.Session{
		Title:         req.Title,
		Model:         req.Model,
		SystemPrompt:  req.SystemPrompt,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		RepeatPenalty: req.RepeatPenalty,
		Seed:          req.Seed,
		NumPredict:    req.NumPredict,
		NumCtx:        req.NumCtx,
		ToolsEnabled:  req.ToolsEnabled,
	}
	if sess.Model == "" {
		sess.Model = s.cfg.Ollama.Model
	}
	if sess.SystemPrompt == "" {
		sess.SystemPrompt = "You are an intelligent AI assistant."
	}

	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		httputil.InternalError(w, err.Error())
		return
	}

	// The system prompt is also recorded as the first message so the
	// transcript a client fetches is self-contained.
	if err := s.store.AddMessage(r.Context(), &session.Message{
		SessionID: sess.ID,
		Role:      "system",
		Content:   sess.SystemPrompt,
	}); err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	httputil.OkJSON(w, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		httputil.NotFound(w, "session not found")
		return
	}
	httputil.OkJSON(w, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := httputil.PathVar(r, "id")
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		httputil.NotFound(w, "session not found")
		return
	}

	// Evict the turn lock so the map stays bounded by live sessions.
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := httputil.PathVar(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		httputil.NotFound(w, "session not found")
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*session.Message{}
	}
	httputil.OkJSON(w, msgs)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := ai.ListModels(r.Context(), s.cfg.Ollama.BaseURL)
	if err != nil {
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.OkJSON(w, map[string]any{"models": models})
}

// sessionParams maps stored session settings onto generation
// parameters, leaving unset values to the backend's defaults.
func sessionParams(sess *session.Session) ai.Params {
	p := ai.Params{Model: sess.Model}
	if sess.Temperature != nil {
		p.Temperature = *sess.Temperature
	}
	if sess.TopK != nil {
		p.TopK = *sess.TopK
	}
	if sess.TopP != nil {
		p.TopP = *sess.TopP
	}
	if sess.RepeatPenalty != nil {
		p.RepeatPenalty = *sess.RepeatPenalty
	}
	if sess.Seed != nil {
		p.Seed = *sess.Seed
	}
	if sess.NumPredict != nil {
		p.NumPredict = *sess.NumPredict
	}
	if sess.NumCtx != nil {
		p.NumCtx = *sess.NumCtx
	}
	return p
}
