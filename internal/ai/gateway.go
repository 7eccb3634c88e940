// Package ai adapts external text-generation backends into a uniform
// streaming gateway. The gateway is a pure transport: it never
// interprets the text it carries.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Params carries per-request generation controls. Zero values mean
// "backend default".
type Params struct {
	Model         string  `json:"model,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	Seed          int     `json:"seed,omitempty"`
	NumPredict    int     `json:"num_predict,omitempty"` // max tokens to generate
	NumCtx        int     `json:"num_ctx,omitempty"`     // context window size
}

// Request is one generation call. System and Prompt are sent as the
// system and user messages respectively; the caller is responsible for
// any further structure inside the prompt text.
type Request struct {
	System string
	Prompt string
	Params Params
}

// Fragment is one piece of a streamed completion. A Fragment with a
// non-nil Err terminates the stream; the channel is closed afterwards.
type Fragment struct {
	Text string
	Err  error
}

// Gateway is the inference backend adapter. Generate returns a finite,
// non-restartable stream of fragments; the channel is closed when the
// completion ends or the context is cancelled.
type Gateway interface {
	// ID identifies the backend ("ollama", "openai").
	ID() string

	// Generate streams a completion. An error return means the request
	// could not be started at all; mid-stream failures arrive as a
	// Fragment with Err set.
	Generate(ctx context.Context, req *Request) (<-chan Fragment, error)
}

// Sentinel failure classes for backend errors. Callers match with
// errors.Is.
var (
	// ErrUnavailable: the backend could not be reached (connection
	// refused, timeout). Retryable once.
	ErrUnavailable = errors.New("inference backend unavailable")

	// ErrProtocol: the backend answered with something unusable.
	// Not retryable; surfaced to the caller.
	ErrProtocol = errors.New("inference backend protocol error")
)

// Complete runs a generation to completion and returns the full text.
func Complete(ctx context.Context, g Gateway, req *Request) (string, error) {
	fragments, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for f := range fragments {
		if f.Err != nil {
			return sb.String(), f.Err
		}
		sb.WriteString(f.Text)
	}
	return sb.String(), nil
}

// classifyTransportErr wraps backend transport failures into the
// gateway's error classes.
func classifyTransportErr(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || isConnectionErr(err) {
		return fmt.Errorf("%s: %w: %v", backend, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %v", backend, ErrProtocol, err)
}

func isConnectionErr(err error) bool {
	msg := err.Error()
	for _, kw := range []string{
		"connection refused",
		"no such host",
		"i/o timeout",
		"EOF",
		"connection reset",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
