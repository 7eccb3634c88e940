// Package agent runs the bounded reasoning loop that interleaves model
// inference with tool invocation until a final answer is produced.
package agent

import (
	"encoding/json"

	"github.com/tom-mart/chatbot-base/internal/ai"
)

// Message is one prior conversation turn fed to the loop.
type Message struct {
	Role    string // user, assistant, system, tool
	Content string
}

// Step records one loop iteration. Appended for observability, never
// mutated after creation.
type Step struct {
	Number      int             `json:"number"`
	Thought     string          `json:"thought,omitempty"`
	Action      string          `json:"action,omitempty"`
	ActionInput json.RawMessage `json:"action_input,omitempty"`
	Observation string          `json:"observation,omitempty"`
	IsFinal     bool            `json:"is_final"`
}

// turnContext is the per-invocation state of one user turn. Created
// when the turn starts and owned exclusively by the goroutine running
// the loop; discarded when the turn completes or fails.
type turnContext struct {
	sessionID string
	system    string
	history   []Message
	input     string
	tools     []string // the subset offered this turn
	params    ai.Params
	steps     []Step
	iteration int
}

// truncateHistory keeps the newest window messages, oldest first.
func truncateHistory(history []Message, window int) []Message {
	if window <= 0 || len(history) <= window {
		return history
	}
	return history[len(history)-window:]
}
