package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// evalExpression evaluates an arithmetic expression. Only numbers,
// operators and a fixed function whitelist are accepted; there is no
// variable or statement support by construction.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: expr}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

// formatNumber renders integral results without a decimal point.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type exprParser struct {
	input string
	pos   int
}

// expr := term (('+'|'-') term)*
func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch {
		case p.peek('+'):
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case p.peek('-'):
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// term := unary (('*'|'/'|'%') unary)*
func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch {
		case p.peekPower():
			// '**' belongs to parseUnary/parsePower, not term
			return left, nil
		case p.peek('*'):
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case p.peek('/'):
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case p.peek('%'):
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

// unary := '-' unary | power
func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()
	if p.peek('-') {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	if p.peek('+') {
		p.pos++
		return p.parseUnary()
	}
	return p.parsePower()
}

// power := atom ('**' unary)?   right-associative
func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.peekPower() {
		p.pos += 2
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

// atom := number | ident '(' args ')' | '(' expr ')'
func (p *exprParser) parseAtom() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if err := p.expect(')'); err != nil {
			return 0, err
		}
		return v, nil

	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()

	case unicode.IsLetter(rune(c)):
		return p.parseCall()

	default:
		return 0, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= '0' && c <= '9' || c == '.' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		// exponent sign
		if (c == '+' || c == '-') && p.pos > start &&
			(p.input[p.pos-1] == 'e' || p.input[p.pos-1] == 'E') {
			p.pos++
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *exprParser) parseCall() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsLetter(rune(p.input[p.pos])) || p.input[p.pos] == '_') {
		p.pos++
	}
	name := strings.ToLower(p.input[start:p.pos])

	if err := p.expect('('); err != nil {
		return 0, fmt.Errorf("unknown identifier %q", name)
	}

	var args []float64
	p.skipSpace()
	if !p.peek(')') {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			p.skipSpace()
			if p.peek(',') {
				p.pos++
				continue
			}
			break
		}
	}
	if err := p.expect(')'); err != nil {
		return 0, err
	}

	return applyFunc(name, args)
}

func applyFunc(name string, args []float64) (float64, error) {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %d argument(s), got %d", name, n, len(args))
		}
		return nil
	}

	switch name {
	case "abs":
		if err := need(1); err != nil {
			return 0, err
		}
		return math.Abs(args[0]), nil
	case "sqrt":
		if err := need(1); err != nil {
			return 0, err
		}
		if args[0] < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(args[0]), nil
	case "round":
		if err := need(1); err != nil {
			return 0, err
		}
		return math.Round(args[0]), nil
	case "pow":
		if err := need(2); err != nil {
			return 0, err
		}
		return math.Pow(args[0], args[1]), nil
	case "min", "max":
		if len(args) == 0 {
			return 0, fmt.Errorf("%s expects at least one argument", name)
		}
		v := args[0]
		for _, a := range args[1:] {
			if (name == "min" && a < v) || (name == "max" && a > v) {
				v = a
			}
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unknown function %q", name)
	}
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek(c byte) bool {
	return p.pos < len(p.input) && p.input[p.pos] == c
}

func (p *exprParser) peekPower() bool {
	return p.pos+1 < len(p.input) && p.input[p.pos] == '*' && p.input[p.pos+1] == '*'
}

func (p *exprParser) expect(c byte) error {
	p.skipSpace()
	if !p.peek(c) {
		return fmt.Errorf("expected %q at position %d", c, p.pos)
	}
	p.pos++
	return nil
}
