// Package stream carries ordered agent events from the reasoning loop
// to a single consumer, typically an SSE handler.
package stream

import (
	"context"
	"encoding/json"

	"github.com/tom-mart/chatbot-base/internal/logging"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventToken is one model output fragment.
	EventToken EventType = "token"
	// EventToolStart announces a tool invocation about to run.
	EventToolStart EventType = "tool_start"
	// EventToolEnd reports a finished tool invocation.
	EventToolEnd EventType = "tool_end"
	// EventFinal carries the assistant's complete answer. Terminal.
	EventFinal EventType = "final"
	// EventError reports turn failure. Terminal.
	EventError EventType = "error"
)

// Error kinds carried on EventError.
const (
	ErrKindUnavailable = "unavailable"
	ErrKindProtocol    = "protocol"
	ErrKindCancelled   = "cancelled"
	ErrKindAborted     = "aborted"
	ErrKindInternal    = "internal"
)

// Event is one item on the turn stream.
type Event struct {
	Type EventType `json:"type"`

	// Text is the fragment for EventToken, the full answer for
	// EventFinal.
	Text string `json:"text,omitempty"`

	// Tool fields, set on EventToolStart and EventToolEnd.
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Summary string          `json:"summary,omitempty"`

	// Error fields, set on EventError.
	ErrKind   string `json:"err_kind,omitempty"`
	ErrDetail string `json:"err_detail,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventFinal || e.Type == EventError
}

// Pipeline is a single-producer single-consumer ordered event channel.
// The producer emits zero or more non-terminal events followed by
// exactly one terminal event, then closes. Events offered after the
// terminal are dropped.
//
// The terminal flag is producer-side state; only one goroutine may
// call Emit/Final/Fail/Close.
type Pipeline struct {
	ch       chan Event
	terminal bool
	closed   bool
}

// NewPipeline creates a pipeline. A small buffer decouples the loop
// from a momentarily slow consumer without reordering anything.
func NewPipeline(buffer int) *Pipeline {
	if buffer < 0 {
		buffer = 0
	}
	return &Pipeline{ch: make(chan Event, buffer)}
}

// Events returns the consumer side of the pipeline. The channel closes
// after the terminal event.
func (p *Pipeline) Events() <-chan Event {
	return p.ch
}

// Emit delivers an event in order. Returns false when the consumer's
// context is done (delivery abandoned) or a terminal event was already
// sent (event dropped).
func (p *Pipeline) Emit(ctx context.Context, ev Event) bool {
	if p.closed {
		return false
	}
	if p.terminal {
		logging.Warnf("stream: dropping %s event after terminal", ev.Type)
		return false
	}

	select {
	case p.ch <- ev:
		if ev.Terminal() {
			p.terminal = true
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// Final emits the terminal success event.
func (p *Pipeline) Final(ctx context.Context, message string) bool {
	return p.Emit(ctx, Event{Type: EventFinal, Text: message})
}

// Fail emits the terminal error event.
func (p *Pipeline) Fail(ctx context.Context, kind, detail string) bool {
	return p.Emit(ctx, Event{Type: EventError, ErrKind: kind, ErrDetail: detail})
}

// Close releases the consumer. Idempotent. If no terminal event was
// delivered (for example the consumer cancelled mid-turn) the channel
// simply closes; consumers treat that as cancellation.
func (p *Pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.ch)
}
