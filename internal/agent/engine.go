package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tom-mart/chatbot-base/internal/ai"
	"github.com/tom-mart/chatbot-base/internal/logging"
	"github.com/tom-mart/chatbot-base/internal/selector"
	"github.com/tom-mart/chatbot-base/internal/stream"
	"github.com/tom-mart/chatbot-base/internal/tools"
)

// Config bounds one turn of the reasoning loop.
type Config struct {
	// MaxIterations caps Thinking entries per turn. The defense
	// against runaway tool-calling loops.
	MaxIterations int
	// HistoryWindow is the number of prior messages carried into the
	// prompt, newest kept.
	HistoryWindow int
	// TurnTimeout is the wall-clock budget for a whole turn,
	// independent of the iteration cap.
	TurnTimeout time.Duration
}

// Engine runs user turns. Safe for concurrent use: the registry,
// selector and gateway are read-only at serving time, and each turn's
// state lives in its own goroutine.
type Engine struct {
	gateway  ai.Gateway
	registry *tools.Registry
	selector *selector.Selector
	cfg      Config
}

// NewEngine wires the loop to its collaborators. sel may be nil, in
// which case every registered tool is offered on every turn.
func NewEngine(gateway ai.Gateway, registry *tools.Registry, sel *selector.Selector, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	return &Engine{
		gateway:  gateway,
		registry: registry,
		selector: sel,
		cfg:      cfg,
	}
}

// TurnRequest starts one user turn.
type TurnRequest struct {
	SessionID    string
	SystemPrompt string
	History      []Message
	Input        string

	// ToolPolicy is an explicit set of tool names; empty means
	// auto-select by relevance. Explicit user intent always overrides
	// semantic ranking.
	ToolPolicy []string

	Params ai.Params
}

// TurnResult is what the caller persists after a successful turn.
type TurnResult struct {
	Answer  string
	Steps   []Step
	Aborted bool // iteration cap hit; Answer is best-effort
}

// Turn is one running user turn. Drain Events to completion, then read
// Result or Err. The channel closing is the synchronization point.
type Turn struct {
	events <-chan stream.Event
	result *TurnResult
	err    error
}

// Events returns the turn's ordered event stream. It closes after the
// terminal event, or without one if the caller cancelled.
func (t *Turn) Events() <-chan stream.Event {
	return t.events
}

// Result returns the completed turn's outcome. Nil if the turn failed
// or was cancelled; nothing should be persisted in that case. Only
// valid after Events has closed.
func (t *Turn) Result() *TurnResult {
	return t.result
}

// Err returns the terminal error, if any. Only valid after Events has
// closed.
func (t *Turn) Err() error {
	return t.err
}

// StartTurn validates the request and launches the reasoning loop.
// Invalid names in an explicit tool policy are rejected here, before
// any inference happens, with *tools.UnknownToolError.
func (e *Engine) StartTurn(ctx context.Context, req *TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("empty user input")
	}

	var explicit []string
	if len(req.ToolPolicy) > 0 {
		for _, name := range req.ToolPolicy {
			if !e.registry.Has(name) {
				return nil, &tools.UnknownToolError{Name: name}
			}
		}
		explicit = req.ToolPolicy
	}

	tc := &turnContext{
		sessionID: req.SessionID,
		system:    req.SystemPrompt,
		history:   truncateHistory(req.History, e.cfg.HistoryWindow),
		input:     req.Input,
		tools:     explicit,
		params:    req.Params,
	}

	pl := stream.NewPipeline(16)
	turn := &Turn{events: pl.Events()}
	go e.runLoop(ctx, tc, pl, turn)
	return turn, nil
}

// Run is the blocking form of StartTurn: events are drained internally
// and only the outcome is returned.
func (e *Engine) Run(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	turn, err := e.StartTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	for range turn.Events() {
	}
	if turn.Err() != nil {
		return nil, turn.Err()
	}
	if turn.Result() == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("turn produced no result")
	}
	return turn.Result(), nil
}

// runLoop is the turn state machine:
// Thinking -> (ToolCall -> Observing -> Thinking)* -> Final | Aborted.
// Sole producer on the pipeline; emits exactly one terminal event
// unless the consumer cancels first.
func (e *Engine) runLoop(ctx context.Context, tc *turnContext, pl *stream.Pipeline, turn *Turn) {
	defer pl.Close()

	loopCtx := ctx
	if e.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, e.cfg.TurnTimeout)
		defer cancel()
	}

	if len(tc.tools) == 0 {
		tc.tools = e.selectTools(loopCtx, tc.input)
	}
	descs := e.registry.Descriptors(tc.tools)
	logging.Infof("agent: session %s using %d tools: %v", tc.sessionID, len(descs), tc.tools)

	if len(descs) == 0 {
		// Nothing to offer; answer directly.
		text, err := e.streamThinking(ctx, loopCtx, tc, buildPlainPrompt(tc), pl)
		if err != nil {
			e.failTurn(ctx, loopCtx, pl, turn, err)
			return
		}
		finishTurn(ctx, pl, turn, &TurnResult{Answer: strings.TrimSpace(text)})
		return
	}

	var lastText string
	for tc.iteration = 1; tc.iteration <= e.cfg.MaxIterations; tc.iteration++ {
		text, err := e.streamThinking(ctx, loopCtx, tc, buildPrompt(tc, descs), pl)
		if err != nil {
			e.failTurn(ctx, loopCtx, pl, turn, err)
			return
		}
		lastText = text

		p := parseOutput(text)
		if p.isFinal {
			tc.steps = append(tc.steps, Step{
				Number:  len(tc.steps) + 1,
				Thought: p.thought,
				IsFinal: true,
			})
			finishTurn(ctx, pl, turn, &TurnResult{Answer: p.final, Steps: tc.steps})
			return
		}

		step := Step{
			Number:      len(tc.steps) + 1,
			Thought:     p.thought,
			Action:      p.action,
			ActionInput: p.input,
		}

		if !offered(tc.tools, p.action) {
			// Off-subset request. Fold a rejection observation back in
			// and let the model correct itself; not a registry error.
			step.Observation = fmt.Sprintf("Error: tool %q is not available for this request. Available tools: %s",
				p.action, strings.Join(tc.tools, ", "))
			tc.steps = append(tc.steps, step)
			continue
		}

		pl.Emit(ctx, stream.Event{Type: stream.EventToolStart, Tool: p.action, Input: p.input})
		obs, invErr := e.registry.Invoke(loopCtx, p.action, p.input)
		if invErr != nil {
			if loopCtx.Err() != nil {
				e.failTurn(ctx, loopCtx, pl, turn, invErr)
				return
			}
			// Tool-local failure (execution error or per-tool timeout):
			// the turn continues with the error as the observation.
			obs = "Error: " + invErr.Error()
		}
		step.Observation = obs
		tc.steps = append(tc.steps, step)
		pl.Emit(ctx, stream.Event{Type: stream.EventToolEnd, Tool: p.action, Summary: summarize(obs)})
	}

	// Iteration cap. Salvage an answer from the last model text if any.
	if answer := bestEffortAnswer(lastText); answer != "" {
		logging.Warnf("agent: session %s hit iteration cap (%d), returning best-effort answer", tc.sessionID, e.cfg.MaxIterations)
		finishTurn(ctx, pl, turn, &TurnResult{Answer: answer, Steps: tc.steps, Aborted: true})
		return
	}
	turn.err = fmt.Errorf("iteration limit (%d) exceeded", e.cfg.MaxIterations)
	pl.Fail(ctx, stream.ErrKindAborted, "could not complete the request within the iteration limit")
}

// selectTools picks the turn's tool subset by relevance, falling back
// to the full registry in registration order.
func (e *Engine) selectTools(ctx context.Context, query string) []string {
	if e.selector == nil {
		return e.registry.Names()
	}
	names, err := e.selector.Select(ctx, query)
	if err != nil {
		logging.Warnf("agent: tool selection failed: %v, offering full registry", err)
		return e.registry.Names()
	}
	return names
}

// streamThinking runs one inference call, forwarding every fragment as
// a Token event and accumulating the full text for parsing. A backend
// that fails before producing any output gets one retry.
func (e *Engine) streamThinking(ctx, loopCtx context.Context, tc *turnContext, prompt string, pl *stream.Pipeline) (string, error) {
	req := &ai.Request{
		System: tc.system,
		Prompt: prompt,
		Params: tc.params,
	}

	for attempt := 0; ; attempt++ {
		frags, err := e.gateway.Generate(loopCtx, req)
		if err != nil {
			if errors.Is(err, ai.ErrUnavailable) && attempt == 0 {
				if !sleepCtx(loopCtx, 500*time.Millisecond) {
					return "", loopCtx.Err()
				}
				continue
			}
			return "", err
		}

		var b strings.Builder
		var fragErr error
		for f := range frags {
			if f.Err != nil {
				fragErr = f.Err
				break
			}
			if f.Text == "" {
				continue
			}
			b.WriteString(f.Text)
			if !pl.Emit(ctx, stream.Event{Type: stream.EventToken, Text: f.Text}) {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", fmt.Errorf("event stream consumer gone")
			}
		}

		if fragErr != nil {
			// Retrying after partial output would duplicate tokens
			// already delivered, so only a clean failure retries.
			if errors.Is(fragErr, ai.ErrUnavailable) && attempt == 0 && b.Len() == 0 {
				if !sleepCtx(loopCtx, 500*time.Millisecond) {
					return "", loopCtx.Err()
				}
				continue
			}
			return "", fragErr
		}
		return b.String(), nil
	}
}

// finishTurn delivers the Final event and records the result for the
// caller to persist. A consumer that cancelled never sees the result:
// nothing is persisted past the last fully-observed step.
func finishTurn(ctx context.Context, pl *stream.Pipeline, turn *Turn, result *TurnResult) {
	if pl.Final(ctx, result.Answer) {
		turn.result = result
	}
}

// failTurn records the terminal error and emits the Error event,
// unless the consumer is already gone.
func (e *Engine) failTurn(ctx, loopCtx context.Context, pl *stream.Pipeline, turn *Turn, err error) {
	turn.err = err
	if ctx.Err() != nil {
		logging.Infof("agent: turn cancelled: %v", ctx.Err())
		return
	}

	kind := stream.ErrKindInternal
	detail := err.Error()
	switch {
	case errors.Is(err, ai.ErrUnavailable):
		kind = stream.ErrKindUnavailable
	case errors.Is(err, ai.ErrProtocol):
		kind = stream.ErrKindProtocol
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(loopCtx.Err(), context.DeadlineExceeded):
		kind = stream.ErrKindAborted
		detail = "turn time budget exceeded"
	case errors.Is(err, context.Canceled):
		kind = stream.ErrKindCancelled
	}
	logging.Errorf("agent: turn failed (%s): %v", kind, err)
	pl.Fail(ctx, kind, detail)
}

// bestEffortAnswer salvages user-facing text from the model's last
// output when the loop is forcibly terminated. Protocol markers are
// stripped; a bare tool request yields nothing usable.
func bestEffortAnswer(lastText string) string {
	if i := strings.Index(lastText, actionMarker); i >= 0 {
		lastText = lastText[:i]
	}
	return extractThought(lastText)
}

func offered(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// summarize bounds observation text carried on ToolFinished events.
func summarize(s string) string {
	const max = 200
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
