package agent

import (
	"fmt"
	"strings"

	"github.com/tom-mart/chatbot-base/internal/tools"
)

// reactTemplate is the thought/action/observation protocol the parser
// in parser.go understands. The examples push small models toward
// actually calling tools instead of narrating how they would.
const reactTemplate = `Answer the following questions as best you can. You have access to the following tools:

%s

CRITICAL: You MUST use tools to answer questions. Do NOT explain how to find information - USE THE TOOLS DIRECTLY!

Examples:
- Question: "What time is it?" -> Action: get_current_time (DO NOT explain timezones!)
- Question: "What is 25 * 4?" -> Action: calculator, Action Input: "25 * 4" (DO NOT calculate in your head!)
- Question: "Square root of 81?" -> Action: calculator, Action Input: "sqrt(81)" (USE THE TOOL!)

Use the following format:

Question: the input question you must answer
Thought: I need to use a tool to get the answer
Action: the action to take, should be one of [%s]
Action Input: the input to the action
Observation: the result of the action
... (this Thought/Action/Action Input/Observation can repeat N times)
Thought: I now know the final answer
Final Answer: the final answer to the original input question

IMPORTANT: Always use tools when available. Never explain how to find information - just use the tool and give the result!

Begin!

%sQuestion: %s
Thought:%s`

// buildPrompt renders the reasoning prompt for one Thinking step: tool
// descriptors, truncated history, the question, and the scratchpad of
// steps taken so far.
func buildPrompt(tc *turnContext, descs []tools.Descriptor) string {
	var toolLines strings.Builder
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
		fmt.Fprintf(&toolLines, "%s: %s\n", d.Name, strings.TrimSpace(d.Description))
		if len(d.InputSchema) > 0 {
			fmt.Fprintf(&toolLines, "Input schema: %s\n", string(d.InputSchema))
		}
		toolLines.WriteString("\n")
	}

	return fmt.Sprintf(reactTemplate,
		strings.TrimSpace(toolLines.String()),
		strings.Join(names, ", "),
		renderHistory(tc.history),
		tc.input,
		renderScratchpad(tc.steps),
	)
}

// buildPlainPrompt is the no-tools path: the question with history,
// no protocol instructions.
func buildPlainPrompt(tc *turnContext) string {
	history := renderHistory(tc.history)
	if history == "" {
		return tc.input
	}
	return history + "Question: " + tc.input
}

func renderHistory(history []Message) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range history {
		role := m.Role
		switch role {
		case "user":
			role = "Human"
		case "assistant":
			role = "AI"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}
	b.WriteString("\n")
	return b.String()
}

// renderScratchpad replays the steps taken so far in the same format
// the model is asked to emit, ending ready for the next thought.
func renderScratchpad(steps []Step) string {
	if len(steps) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range steps {
		if s.Thought != "" {
			b.WriteString(" " + s.Thought)
		}
		b.WriteString("\nAction: " + s.Action)
		b.WriteString("\nAction Input: " + string(s.ActionInput))
		b.WriteString("\nObservation: " + s.Observation)
		b.WriteString("\nThought:")
	}
	return b.String()
}
