package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TimePack provides the current-time tool.
func TimePack() ([]Tool, error) {
	return []Tool{&clockTool{now: time.Now}}, nil
}

type clockTool struct {
	now func() time.Time // injectable for tests
}

func (t *clockTool) Name() string {
	return "get_current_time"
}

func (t *clockTool) Description() string {
	return `Get the EXACT current date and time right now.

Use this tool whenever the user asks about the current time, date, or
"what time is it". Returns the actual current time in
YYYY-MM-DD HH:MM:SS format. DO NOT guess or explain time zones - always
call this tool to get the real time.`
}

func (t *clockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "Optional IANA timezone name like \"Europe/London\". Defaults to the server timezone."
			}
		}
	}`)
}

func (t *clockTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	loc := time.Local
	if tz, err := decodeStringArg(input, "timezone"); err == nil && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	return t.now().In(loc).Format("2006-01-02 15:04:05 MST"), nil
}
