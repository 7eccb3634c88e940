package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tom-mart/chatbot-base/internal/logging"
)

// Registry maps tool names to implementations. It is assembled once at
// startup and read-only afterwards, so concurrent Resolve/Invoke calls
// need no locking. Registration order is retained; it is the
// tie-breaker for tool selection.
type Registry struct {
	tools   map[string]Tool
	order   []string
	timeout time.Duration
}

// NewRegistry creates an empty registry. toolTimeout is the hard
// deadline applied to every invocation; tools are external code paths
// and are never trusted to return on their own.
func NewRegistry(toolTimeout time.Duration) *Registry {
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: toolTimeout,
	}
}

// Register adds a tool. Returns *DuplicateToolError if the name is
// taken. Must not be called once the registry is serving turns.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if _, ok := r.tools[name]; ok {
		return &DuplicateToolError{Name: name}
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Resolve returns the tool registered under name, or *UnknownToolError.
func (r *Registry) Resolve(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns the prompt-facing view of the named tools,
// preserving the given order. Unknown names are skipped.
func (r *Registry) Descriptors(names []string) []Descriptor {
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, Descriptor{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return out
}

// Invoke runs the named tool under the registry's hard deadline. The
// tool runs on its own goroutine so a stuck implementation cannot hold
// the turn hostage; after the deadline the result is discarded.
//
// Error contract: *UnknownToolError for unregistered names,
// *TimeoutError on deadline, *ExecutionError wrapping whatever the tool
// raised. Caller cancellation is returned as the context error itself.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return "", err
	}

	invokeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		observation string
		err         error
	}
	done := make(chan outcome, 1)

	go func() {
		obs, execErr := t.Execute(invokeCtx, input)
		done <- outcome{observation: obs, err: execErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", &ExecutionError{Tool: name, Cause: res.err}
		}
		return res.observation, nil
	case <-invokeCtx.Done():
		if ctx.Err() != nil {
			// Caller went away; this is cancellation, not a tool fault.
			return "", ctx.Err()
		}
		return "", &TimeoutError{Tool: name, Timeout: r.timeout}
	}
}

// Pack assembles one group of related tools. Packs are listed
// explicitly at build time rather than discovered by scanning.
type Pack func() ([]Tool, error)

// BuildRegistry registers every pack in order. A pack that fails to
// load is logged and skipped; the rest of the registry still comes up.
func BuildRegistry(toolTimeout time.Duration, packs ...Pack) *Registry {
	r := NewRegistry(toolTimeout)
	for _, pack := range packs {
		ts, err := pack()
		if err != nil {
			logging.Warnf("tools: skipping pack: %v", err)
			continue
		}
		for _, t := range ts {
			if err := r.Register(t); err != nil {
				var dup *DuplicateToolError
				if errors.As(err, &dup) {
					logging.Warnf("tools: %v, keeping first registration", err)
					continue
				}
				logging.Errorf("tools: register %s: %v", t.Name(), err)
			} else {
				logging.Infof("tools: registered %s", t.Name())
			}
		}
	}
	return r
}

// DefaultPacks is the build-time list of capability packs. Adding a
// capability means appending its pack here.
func DefaultPacks() []Pack {
	return []Pack{
		MathPack,
		TimePack,
		WeatherPack,
	}
}
