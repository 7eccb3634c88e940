package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tom-mart/chatbot-base/internal/agent"
	"github.com/tom-mart/chatbot-base/internal/httputil"
	"github.com/tom-mart/chatbot-base/internal/logging"
	"github.com/tom-mart/chatbot-base/internal/session"
	"github.com/tom-mart/chatbot-base/internal/stream"
	"github.com/tom-mart/chatbot-base/internal/tools"
)

type chatRequest struct {
	Message string `json:"message"`

	// Tools overrides the session's tool policy for this turn only.
	Tools []string `json:"tools"`
}

type chatResponse struct {
	Reply   string       `json:"reply"`
	Steps   []agent.Step `json:"steps,omitempty"`
	Aborted bool         `json:"aborted,omitempty"`
}

// prepareTurn loads the session, snapshots the history window, persists
// the user message, and builds the turn request. History is read before
// the new message is stored so the prompt does not duplicate it.
func (s *Server) prepareTurn(r *http.Request, sessionID string, req *chatRequest) (*session.Session, *agent.TurnRequest, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, nil, fmt.Errorf("message is required")
	}

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		return nil, nil, err
	}

	prior, err := s.store.RecentMessages(r.Context(), sessionID, s.cfg.Agent.HistoryWindow)
	if err != nil {
		return nil, nil, err
	}
	history := make([]agent.Message, 0, len(prior))
	for _, m := range prior {
		// The system prompt travels on the turn request; the seeded
		// system row must not be replayed as conversation.
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		history = append(history, agent.Message{Role: m.Role, Content: m.Content})
	}

	if err := s.store.AddMessage(r.Context(), &session.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   req.Message,
	}); err != nil {
		return nil, nil, err
	}

	policy := req.Tools
	if len(policy) == 0 {
		policy = sess.ToolsEnabled
	}

	return sess, &agent.TurnRequest{
		SessionID:    sessionID,
		SystemPrompt: sess.SystemPrompt,
		History:      history,
		Input:        req.Message,
		ToolPolicy:   policy,
		Params:       sessionParams(sess),
	}, nil
}

// persistResult stores the assistant reply and its reasoning trail.
// Called only after a turn reached Final; cancelled or failed turns
// leave no partial assistant message behind.
func (s *Server) persistResult(r *http.Request, sess *session.Session, result *agent.TurnResult) {
	msg := &session.Message{
		SessionID: sess.ID,
		Role:      "assistant",
		Content:   result.Answer,
		Model:     sess.Model,
	}
	if err := s.store.AddMessage(r.Context(), msg); err != nil {
		logging.Errorf("server: persist assistant message: %v", err)
		return
	}

	records := make([]session.StepRecord, 0, len(result.Steps))
	for _, st := range result.Steps {
		records = append(records, session.StepRecord{
			SessionID:   sess.ID,
			MessageID:   msg.ID,
			StepNumber:  st.Number,
			Thought:     st.Thought,
			Action:      st.Action,
			ActionInput: string(st.ActionInput),
			Observation: st.Observation,
		})
	}
	if err := s.store.SaveSteps(r.Context(), sess.ID, msg.ID, records); err != nil {
		logging.Errorf("server: persist steps: %v", err)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := httputil.PathVar(r, "id")
	var req chatRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, treq, err := s.prepareTurn(r, sessionID, &req)
	if err != nil {
		writePrepareError(w, err)
		return
	}

	result, err := s.engine.Run(r.Context(), treq)
	if err != nil {
		var unknown *tools.UnknownToolError
		if errors.As(err, &unknown) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}

	s.persistResult(r, sess, result)
	httputil.OkJSON(w, chatResponse{
		Reply:   result.Answer,
		Steps:   result.Steps,
		Aborted: result.Aborted,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sessionID := httputil.PathVar(r, "id")
	var req chatRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalError(w, "streaming not supported")
		return
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, treq, err := s.prepareTurn(r, sessionID, &req)
	if err != nil {
		writePrepareError(w, err)
		return
	}

	turn, err := s.engine.StartTurn(r.Context(), treq)
	if err != nil {
		var unknown *tools.UnknownToolError
		if errors.As(err, &unknown) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE(w, flusher, map[string]any{"type": "start", "session_id": sessionID})

	for ev := range turn.Events() {
		writeSSE(w, flusher, sseFrame(ev))
	}

	// The channel closing without a terminal event means the client
	// cancelled; there is nobody left to write to and nothing is
	// persisted past the last observed step.
	if result := turn.Result(); result != nil {
		s.persistResult(r, sess, result)
	}
}

// sseFrame maps a stream event onto the wire protocol the frontend
// consumes.
func sseFrame(ev stream.Event) map[string]any {
	switch ev.Type {
	case stream.EventToken:
		return map[string]any{"type": "content", "content": ev.Text}
	case stream.EventToolStart:
		return map[string]any{"type": "tool_start", "tool": ev.Tool, "input": ev.Input}
	case stream.EventToolEnd:
		return map[string]any{"type": "tool_end", "tool": ev.Tool, "output": ev.Summary}
	case stream.EventFinal:
		return map[string]any{"type": "end", "content": ev.Text}
	case stream.EventError:
		return map[string]any{"type": "error", "kind": ev.ErrKind, "error": ev.ErrDetail}
	default:
		return map[string]any{"type": string(ev.Type)}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writePrepareError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		httputil.NotFound(w, "session not found")
		return
	}
	httputil.BadRequest(w, err.Error())
}
