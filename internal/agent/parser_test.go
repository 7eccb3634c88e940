package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFinalAnswer(t *testing.T) {
	p := parseOutput("Thought: I now know the final answer\nFinal Answer: 84")
	require.True(t, p.isFinal)
	assert.Equal(t, "84", p.final)
	assert.Equal(t, "I now know the final answer", p.thought)
}

func TestParseLastFinalAnswerWins(t *testing.T) {
	p := parseOutput("Final Answer: draft\nWait.\nFinal Answer: the real one")
	require.True(t, p.isFinal)
	assert.Equal(t, "the real one", p.final)
}

func TestParseToolCall(t *testing.T) {
	p := parseOutput("Thought: I need to use a tool to get the answer\nAction: calculator\nAction Input: {\"expression\": \"12 * 7\"}")
	require.False(t, p.isFinal)
	assert.Equal(t, "calculator", p.action)
	assert.JSONEq(t, `{"expression": "12 * 7"}`, string(p.input))
	assert.Equal(t, "I need to use a tool to get the answer", p.thought)
}

func TestParseToolCallBareStringInput(t *testing.T) {
	p := parseOutput("Action: calculator\nAction Input: \"25 * 4\"")
	require.False(t, p.isFinal)
	assert.Equal(t, `"25 * 4"`, string(p.input))
}

func TestParseToolCallUnquotedInputWrapped(t *testing.T) {
	// Raw text that is not JSON at all gets wrapped for the tool.
	p := parseOutput("Action: get_weather\nAction Input: London and Paris")
	require.False(t, p.isFinal)
	assert.Equal(t, "get_weather", p.action)
	assert.JSONEq(t, `{"input": "London and Paris"}`, string(p.input))
}

func TestParseRepairsNearJSON(t *testing.T) {
	// Single quotes and a trailing comma, typical small-model output.
	p := parseOutput("Action: calculator\nAction Input: {'expression': '12 * 7',}")
	require.False(t, p.isFinal)
	assert.JSONEq(t, `{"expression": "12 * 7"}`, string(p.input))
}

func TestParseStopsInputAtHallucinatedObservation(t *testing.T) {
	p := parseOutput("Action: calculator\nAction Input: \"2 + 2\"\nObservation: 4\nThought: done")
	require.False(t, p.isFinal)
	assert.Equal(t, "calculator", p.action)
	assert.Equal(t, `"2 + 2"`, string(p.input))
}

func TestParseFailOpen(t *testing.T) {
	// No protocol markers at all: the text is the answer.
	p := parseOutput("The capital of France is Paris.")
	require.True(t, p.isFinal)
	assert.Equal(t, "The capital of France is Paris.", p.final)
}

func TestParseActionWithoutNameFailsOpen(t *testing.T) {
	p := parseOutput("Action:\nAction Input: nothing")
	assert.True(t, p.isFinal)
}

func TestParseEmptyActionInput(t *testing.T) {
	p := parseOutput("Action: get_current_time\nAction Input:")
	require.False(t, p.isFinal)
	assert.Equal(t, "get_current_time", p.action)
	assert.Equal(t, `{}`, string(p.input))
}

func TestParseOneLineActionForm(t *testing.T) {
	// Action and Action Input on the same line, separated by a comma.
	p := parseOutput("Thought: multiply the numbers\nAction: calculator, Action Input: \"25 * 4\"")
	require.False(t, p.isFinal)
	assert.Equal(t, "calculator", p.action)
	assert.Equal(t, `"25 * 4"`, string(p.input))
}

func TestParseActionNameTrimsDecoration(t *testing.T) {
	p := parseOutput("Action: `calculator`\nAction Input: \"1+1\"")
	require.False(t, p.isFinal)
	assert.Equal(t, "calculator", p.action)
}

func TestBestEffortAnswer(t *testing.T) {
	assert.Equal(t, "I found three results so far",
		bestEffortAnswer("Thought: I found three results so far\nAction: get_weather\nAction Input: \"x\""))
	assert.Equal(t, "", bestEffortAnswer("Action: calculator\nAction Input: \"1+1\""))
	assert.Equal(t, "", bestEffortAnswer(""))
}

func TestTruncateHistory(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "1"},
		{Role: "assistant", Content: "2"},
		{Role: "user", Content: "3"},
	}
	got := truncateHistory(msgs, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Content)
	assert.Equal(t, "3", got[1].Content)

	assert.Len(t, truncateHistory(msgs, 10), 3)
	assert.Len(t, truncateHistory(msgs, 0), 3)
}
