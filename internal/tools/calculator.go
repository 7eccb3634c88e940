package tools

import (
	"context"
	"encoding/json"
)

// MathPack provides the calculator tool.
func MathPack() ([]Tool, error) {
	return []Tool{&calculatorTool{}}, nil
}

type calculatorTool struct{}

func (t *calculatorTool) Name() string {
	return "calculator"
}

func (t *calculatorTool) Description() string {
	return `Evaluate a mathematical expression.

Use this tool for ANY arithmetic instead of calculating in your head.
Supports + - * / % ** and parentheses, plus abs, sqrt, pow, min, max
and round.

Examples:
  - "2 + 2" -> "4"
  - "12 * 7" -> "84"
  - "81 ** 0.5" -> "9"`
}

func (t *calculatorTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {
				"type": "string",
				"description": "A math expression like \"2 + 2\" or \"10 * 5\""
			}
		},
		"required": ["expression"]
	}`)
}

func (t *calculatorTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	expr, err := decodeStringArg(input, "expression")
	if err != nil {
		return "", err
	}
	result, err := evalExpression(expr)
	if err != nil {
		return "", err
	}
	return formatNumber(result), nil
}
