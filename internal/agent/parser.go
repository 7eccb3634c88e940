package agent

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Markers of the thought/action/observation grammar. Parsing is
// deliberately isolated here so the strategy can change without
// touching the state machine in engine.go.
const (
	finalMarker       = "Final Answer:"
	actionMarker      = "Action:"
	actionInputMarker = "Action Input:"
	observationMarker = "Observation:"
	thoughtMarker     = "Thought:"
)

// parsed is the outcome of one model response.
//
// Grammar, in order of precedence:
//  1. "Final Answer:" anywhere -> final answer is everything after the
//     last occurrence.
//  2. "Action:" line -> tool call; the tool name is the rest of that
//     line, the input is everything after "Action Input:" up to
//     "Observation:" (models sometimes hallucinate the observation).
//  3. Neither -> the whole text is the final answer. Unparseable
//     output is returned to the user, never discarded.
type parsed struct {
	isFinal bool
	final   string

	thought string
	action  string
	input   json.RawMessage
}

func parseOutput(text string) parsed {
	if idx := strings.LastIndex(text, finalMarker); idx >= 0 {
		return parsed{
			isFinal: true,
			final:   strings.TrimSpace(text[idx+len(finalMarker):]),
			thought: extractThought(text[:idx]),
		}
	}

	actionIdx := strings.Index(text, actionMarker)
	if actionIdx < 0 {
		return parsed{isFinal: true, final: strings.TrimSpace(text)}
	}

	rest := text[actionIdx+len(actionMarker):]
	var action, rawInput string
	if inputIdx := strings.Index(rest, actionInputMarker); inputIdx >= 0 {
		action = firstLine(rest[:inputIdx])
		rawInput = rest[inputIdx+len(actionInputMarker):]
	} else {
		action = firstLine(rest)
	}
	if obsIdx := strings.Index(rawInput, observationMarker); obsIdx >= 0 {
		rawInput = rawInput[:obsIdx]
	}
	if thIdx := strings.Index(rawInput, thoughtMarker); thIdx >= 0 {
		rawInput = rawInput[:thIdx]
	}

	// Models echoing the one-line example form leave a trailing comma
	// or period on the name.
	action = strings.Trim(strings.TrimSpace(action), "`\"',.")
	if action == "" {
		// An action marker with no name cannot be dispatched.
		return parsed{isFinal: true, final: strings.TrimSpace(text)}
	}

	return parsed{
		thought: extractThought(text[:actionIdx]),
		action:  action,
		input:   normalizeInput(rawInput),
	}
}

// normalizeInput turns the free-form action input into JSON the
// registry can pass to a tool. Valid JSON passes through, near-JSON is
// repaired, anything else is wrapped as {"input": raw}.
func normalizeInput(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")
	raw = strings.TrimSpace(raw)

	if raw == "" {
		return json.RawMessage(`{}`)
	}

	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}

	// Repair is only trusted for object and array shapes. jsonrepair
	// turns arbitrary prose into a quoted JSON string, which would
	// swallow the raw-text wrap below.
	if repaired, err := jsonrepair.JSONRepair(raw); err == nil && isStructured(repaired) {
		return json.RawMessage(repaired)
	}

	wrapped, _ := json.Marshal(map[string]string{"input": raw})
	return wrapped
}

func isStructured(s string) bool {
	s = strings.TrimSpace(s)
	return (strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")) && json.Valid([]byte(s))
}

// extractThought pulls the text after the last "Thought:" marker,
// trimmed to the first line break that follows it.
func extractThought(text string) string {
	idx := strings.LastIndex(text, thoughtMarker)
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(firstParagraph(text[idx+len(thoughtMarker):]))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstParagraph(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return s[:i]
	}
	return s
}
