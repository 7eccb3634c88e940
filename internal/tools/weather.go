package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// WeatherPack provides the weather lookup tool.
// TODO: back this with a real provider (OpenWeatherMap) once an API key
// is part of the configuration.
func WeatherPack() ([]Tool, error) {
	return []Tool{&weatherTool{}}, nil
}

type weatherTool struct{}

func (t *weatherTool) Name() string {
	return "get_weather"
}

func (t *weatherTool) Description() string {
	return `Get current weather for a location.

Examples:
  - "London" -> Weather information for London
  - "New York" -> Weather information for New York`
}

func (t *weatherTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"location": {
				"type": "string",
				"description": "City name or location string"
			}
		},
		"required": ["location"]
	}`)
}

func (t *weatherTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	location, err := decodeStringArg(input, "location")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Weather in %s: Sunny, 72°F (placeholder - integrate real API)", location), nil
}
