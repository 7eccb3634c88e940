package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tom-mart/chatbot-base/internal/ai"
	"github.com/tom-mart/chatbot-base/internal/logging"
	"github.com/tom-mart/chatbot-base/internal/stream"
	"github.com/tom-mart/chatbot-base/internal/tools"
)

func init() {
	logging.Disable()
}

// mockGateway plays back scripted responses, chunked so the loop's
// token streaming is exercised. The last response repeats when the
// script runs out.
type mockGateway struct {
	mu        sync.Mutex
	calls     int
	prompts   []string
	responses []mockResponse
}

type mockResponse struct {
	text    string
	genErr  error // returned from Generate itself
	fragErr error // delivered as a fragment after text
}

func (m *mockGateway) ID() string { return "mock" }

func (m *mockGateway) Generate(ctx context.Context, req *ai.Request) (<-chan ai.Fragment, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.prompts = append(m.prompts, req.Prompt)
	m.mu.Unlock()

	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	resp := m.responses[idx]
	if resp.genErr != nil {
		return nil, resp.genErr
	}

	ch := make(chan ai.Fragment)
	go func() {
		defer close(ch)
		for _, chunk := range chunked(resp.text, 10) {
			select {
			case ch <- ai.Fragment{Text: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if resp.fragErr != nil {
			select {
			case ch <- ai.Fragment{Err: resp.fragErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockGateway) prompt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[i]
}

func chunked(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func mathRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	return tools.BuildRegistry(time.Second, tools.MathPack)
}

func newTestEngine(gw ai.Gateway, reg *tools.Registry, maxIter int) *Engine {
	return NewEngine(gw, reg, nil, Config{MaxIterations: maxIter, HistoryWindow: 20})
}

func drain(t *testing.T, turn *Turn) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-turn.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

func TestCalculatorScenario(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{text: "Thought: I need to use a tool to get the answer\nAction: calculator\nAction Input: {\"expression\": \"12 * 7\"}"},
		{text: "Thought: I now know the final answer\nFinal Answer: 84"},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	result, err := eng.Run(context.Background(), &TurnRequest{
		SessionID: "s1",
		Input:     "What is 12 * 7?",
	})
	require.NoError(t, err)
	assert.Equal(t, "84", result.Answer)
	assert.False(t, result.Aborted)
	assert.Equal(t, 2, gw.callCount())

	require.Len(t, result.Steps, 2)
	assert.Equal(t, "calculator", result.Steps[0].Action)
	assert.Equal(t, "84", result.Steps[0].Observation)
	assert.True(t, result.Steps[1].IsFinal)
}

func TestEventOrderingAndSingleTerminal(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{text: "Action: calculator\nAction Input: \"2 + 2\""},
		{text: "Final Answer: 4"},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	turn, err := eng.StartTurn(context.Background(), &TurnRequest{SessionID: "s1", Input: "2 + 2?"})
	require.NoError(t, err)
	events := drain(t, turn)
	require.NotEmpty(t, events)

	terminals := 0
	toolStart, toolEnd := -1, -1
	for i, ev := range events {
		if ev.Terminal() {
			terminals++
		}
		switch ev.Type {
		case stream.EventToolStart:
			toolStart = i
		case stream.EventToolEnd:
			toolEnd = i
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, events[len(events)-1].Terminal(), "terminal event must be last")
	require.GreaterOrEqual(t, toolStart, 0)
	assert.Greater(t, toolEnd, toolStart)
	assert.Equal(t, stream.EventFinal, events[len(events)-1].Type)
	assert.Equal(t, "4", events[len(events)-1].Text)

	// Tokens streamed during Thinking reassemble the model output.
	var first strings.Builder
	for _, ev := range events[:toolStart] {
		if ev.Type == stream.EventToken {
			first.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "Action: calculator\nAction Input: \"2 + 2\"", first.String())
}

func TestIterationCapAborts(t *testing.T) {
	// A model that always wants another tool call, with no usable
	// prose to salvage.
	gw := &mockGateway{responses: []mockResponse{
		{text: "Action: calculator\nAction Input: \"1 + 1\""},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 3)

	turn, err := eng.StartTurn(context.Background(), &TurnRequest{SessionID: "s1", Input: "loop forever"})
	require.NoError(t, err)
	events := drain(t, turn)

	assert.Equal(t, 3, gw.callCount(), "must stop at the iteration cap")
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, stream.ErrKindAborted, last.ErrKind)
	assert.Nil(t, turn.Result())
	assert.Error(t, turn.Err())
}

func TestIterationCapBestEffortAnswer(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{text: "Thought: the intermediate result is 42 so far\nAction: calculator\nAction Input: \"6 * 7\""},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 2)

	result, err := eng.Run(context.Background(), &TurnRequest{SessionID: "s1", Input: "keep going"})
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, "the intermediate result is 42 so far", result.Answer)
	assert.Equal(t, 2, gw.callCount())
}

func TestExplicitToolPolicyOverridesSelection(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{text: "Final Answer: noted"},
	}}
	reg := tools.BuildRegistry(time.Second, tools.MathPack, tools.TimePack)
	eng := newTestEngine(gw, reg, 5)

	_, err := eng.Run(context.Background(), &TurnRequest{
		SessionID:  "s1",
		Input:      "what is 12 * 7?", // irrelevant to clocks on purpose
		ToolPolicy: []string{"get_current_time"},
	})
	require.NoError(t, err)

	prompt := gw.prompt(0)
	assert.Contains(t, prompt, "one of [get_current_time]")
	assert.NotContains(t, prompt, "one of [calculator")
}

func TestInvalidExplicitPolicyRejectedBeforeLoop(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{{text: "Final Answer: unreachable"}}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	_, err := eng.StartTurn(context.Background(), &TurnRequest{
		SessionID:  "s1",
		Input:      "hello",
		ToolPolicy: []string{"calculator", "no_such_tool"},
	})
	var unknown *tools.UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "no_such_tool", unknown.Name)
	assert.Equal(t, 0, gw.callCount(), "no inference before validation")
}

func TestToolTimeoutObservationContinuesTurn(t *testing.T) {
	reg := tools.NewRegistry(50 * time.Millisecond)
	require.NoError(t, reg.Register(&stuckTool{}))

	gw := &mockGateway{responses: []mockResponse{
		{text: "Action: stuck\nAction Input: {}"},
		{text: "Final Answer: the tool was too slow, sorry"},
	}}
	eng := newTestEngine(gw, reg, 5)

	result, err := eng.Run(context.Background(), &TurnRequest{SessionID: "s1", Input: "try the slow one"})
	require.NoError(t, err)
	assert.Equal(t, "the tool was too slow, sorry", result.Answer)
	require.NotEmpty(t, result.Steps)
	assert.Contains(t, result.Steps[0].Observation, "timed out")
}

func TestToolExecutionErrorContinuesTurn(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{text: "Action: calculator\nAction Input: \"1 / 0\""},
		{text: "Final Answer: that expression is undefined"},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	result, err := eng.Run(context.Background(), &TurnRequest{SessionID: "s1", Input: "divide by zero"})
	require.NoError(t, err)
	assert.Equal(t, "that expression is undefined", result.Answer)
	assert.Contains(t, result.Steps[0].Observation, "division by zero")
}

func TestOffSubsetToolRejected(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{text: "Action: get_weather\nAction Input: \"London\""},
		{text: "Final Answer: I cannot check the weather"},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 5) // weather not registered

	result, err := eng.Run(context.Background(), &TurnRequest{SessionID: "s1", Input: "weather in London"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Steps)
	assert.Contains(t, result.Steps[0].Observation, "not available")
	assert.Contains(t, result.Steps[0].Observation, "calculator")
}

func TestBackendUnavailableRetriesOnce(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{genErr: fmt.Errorf("dial tcp: %w", ai.ErrUnavailable)},
		{text: "Final Answer: recovered"},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	result, err := eng.Run(context.Background(), &TurnRequest{SessionID: "s1", Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Answer)
	assert.Equal(t, 2, gw.callCount())
}

func TestBackendUnavailableSurfacesAfterRetry(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{genErr: fmt.Errorf("dial tcp: %w", ai.ErrUnavailable)},
		{genErr: fmt.Errorf("dial tcp: %w", ai.ErrUnavailable)},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	turn, err := eng.StartTurn(context.Background(), &TurnRequest{SessionID: "s1", Input: "hello"})
	require.NoError(t, err)
	events := drain(t, turn)

	assert.Equal(t, 2, gw.callCount())
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, stream.ErrKindUnavailable, last.ErrKind)
	assert.True(t, errors.Is(turn.Err(), ai.ErrUnavailable))
}

func TestMalformedOutputFailsOpen(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{
		{text: "I think the answer might be around forty, give or take."},
	}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	result, err := eng.Run(context.Background(), &TurnRequest{SessionID: "s1", Input: "guess"})
	require.NoError(t, err)
	assert.Equal(t, "I think the answer might be around forty, give or take.", result.Answer)
	assert.Equal(t, 1, gw.callCount())
}

func TestEmptyRegistryAnswersDirectly(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{{text: "hi there"}}}
	eng := newTestEngine(gw, tools.NewRegistry(time.Second), 5)

	result, err := eng.Run(context.Background(), &TurnRequest{SessionID: "s1", Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Answer)
	assert.Empty(t, result.Steps)
	assert.Equal(t, "hello", gw.prompt(0), "no tool protocol in the direct path")
}

func TestEmptyInputRejected(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{{text: "Final Answer: x"}}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	_, err := eng.StartTurn(context.Background(), &TurnRequest{SessionID: "s1", Input: "   "})
	assert.Error(t, err)
}

func TestHistoryInPrompt(t *testing.T) {
	gw := &mockGateway{responses: []mockResponse{{text: "Final Answer: again 84"}}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	_, err := eng.Run(context.Background(), &TurnRequest{
		SessionID: "s1",
		Input:     "and what was that times one?",
		History: []Message{
			{Role: "user", Content: "what is 12 * 7?"},
			{Role: "assistant", Content: "84"},
		},
	})
	require.NoError(t, err)
	prompt := gw.prompt(0)
	assert.Contains(t, prompt, "Human: what is 12 * 7?")
	assert.Contains(t, prompt, "AI: 84")
}

func TestCancellationMidStream(t *testing.T) {
	gw := &blockingGateway{tokens: []string{"one ", "two ", "three "}}
	eng := newTestEngine(gw, mathRegistry(t), 5)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := eng.StartTurn(ctx, &TurnRequest{SessionID: "s1", Input: "slow answer"})
	require.NoError(t, err)

	received := 0
	timeout := time.After(5 * time.Second)
	var events []stream.Event
	for received < 3 {
		select {
		case ev := <-turn.Events():
			events = append(events, ev)
			received++
		case <-timeout:
			t.Fatal("tokens never arrived")
		}
	}
	cancel()

	for {
		select {
		case ev, ok := <-turn.Events():
			if !ok {
				for _, e := range events {
					assert.False(t, e.Terminal(), "no terminal event after cancellation")
				}
				assert.Nil(t, turn.Result(), "nothing to persist after cancellation")
				return
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

// stuckTool ignores its deadline.
type stuckTool struct{}

func (s *stuckTool) Name() string            { return "stuck" }
func (s *stuckTool) Description() string     { return "a tool that never returns in time" }
func (s *stuckTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stuckTool) Execute(context.Context, json.RawMessage) (string, error) {
	time.Sleep(2 * time.Second)
	return "too late", nil
}

// blockingGateway emits its tokens, then holds the stream open until
// the context is cancelled and reports the cancellation as the
// backends do.
type blockingGateway struct {
	tokens []string
}

func (b *blockingGateway) ID() string { return "blocking" }

func (b *blockingGateway) Generate(ctx context.Context, _ *ai.Request) (<-chan ai.Fragment, error) {
	ch := make(chan ai.Fragment)
	go func() {
		defer close(ch)
		for _, tok := range b.tokens {
			select {
			case ch <- ai.Fragment{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
		select {
		case ch <- ai.Fragment{Err: ctx.Err()}:
		default:
		}
	}()
	return ch, nil
}
