package filter

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/models"
)

// Comparison operators, longer ones first so ">=" is never read as ">".
var comparisonOperators = []string{">=", "<=", "~=", "==", "!=", ">", "<"}

// Parser turns filter text into an Expression and evaluates expressions against records.
// It caches compiled regular expressions by pattern text, so a single Parser should be reused
// for all evaluations of a filter. A Parser is not safe for concurrent use.
type Parser struct {
	regexCache map[string]*regexp.Regexp
}

func NewParser() *Parser {
	return &Parser{
		regexCache: make(map[string]*regexp.Regexp),
	}
}

func (p *Parser) Parse(input string) (Expression, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, lpmErrors.ParseError("empty filter expression")
	}
	return p.parseExpression(input)
}

func (p *Parser) parseExpression(input string) (Expression, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, lpmErrors.ParseError("missing operand")
	}

	if strings.HasPrefix(input, "NOT ") || strings.HasPrefix(input, "not ") {
		operand, err := p.parseExpression(input[len("NOT "):])
		if err != nil {
			return nil, err
		}
		return Not{Operand: operand}, nil
	}

	if wrappedInParentheses(input) {
		return p.parseExpression(input[1 : len(input)-1])
	}

	// OR is looked for before AND, so "a AND b OR c" splits at OR.
	if pos := findOperator(input, "OR"); pos >= 0 {
		return p.parseBinary(input, pos, len("OR"), func(left, right Expression) Expression {
			return Or{Left: left, Right: right}
		})
	}
	if pos := findOperator(input, "AND"); pos >= 0 {
		return p.parseBinary(input, pos, len("AND"), func(left, right Expression) Expression {
			return And{Left: left, Right: right}
		})
	}

	return parseComparison(input)
}

func (p *Parser) parseBinary(input string, pos, opLen int, build func(left, right Expression) Expression) (Expression, error) {
	left, err := p.parseExpression(input[:pos])
	if err != nil {
		return nil, err
	}
	right, err := p.parseExpression(input[pos+opLen:])
	if err != nil {
		return nil, err
	}
	return build(left, right), nil
}

// wrappedInParentheses reports whether the opening parenthesis at the start of input is
// closed by the last character.
func wrappedInParentheses(input string) bool {
	if !strings.HasPrefix(input, "(") || !strings.HasSuffix(input, ")") {
		return false
	}

	depth := 0
	for i := 0; i < len(input); i++ {
		switch input[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i == len(input)-1
			}
		}
	}
	return false
}

// findOperator returns the byte offset of the first whitespace-bounded occurrence of op
// (any letter case) outside parentheses, or -1.
func findOperator(input, op string) int {
	depth := 0
	for i := 0; i+len(op) < len(input); i++ {
		if depth == 0 && strings.EqualFold(input[i:i+len(op)], op) {
			before := byte(' ')
			if i > 0 {
				before = input[i-1]
			}
			after := input[i+len(op)]
			if isSpace(before) && isSpace(after) {
				return i
			}
		}

		switch input[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return unicode.IsSpace(rune(b))
}

func parseComparison(input string) (Expression, error) {
	input = strings.TrimSpace(input)

	for _, op := range comparisonOperators {
		pos := strings.Index(input, op)
		if pos < 0 {
			continue
		}

		field, value, err := splitComparison(input, pos, len(op))
		if err != nil {
			return nil, err
		}

		switch op {
		case "~=":
			return FieldRegex{Field: field, Pattern: value}, nil
		case "==":
			return FieldEquals{Field: field, Value: value}, nil
		case "!=":
			return FieldNotEquals{Field: field, Value: value}, nil
		}

		number, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, lpmErrors.ParseError("invalid number '%s'", value)
		}

		switch op {
		case ">":
			return FieldGreaterThan{Field: field, Value: number}, nil
		case "<":
			return FieldLessThan{Field: field, Value: number}, nil
		case ">=":
			return FieldGreaterEqual{Field: field, Value: number}, nil
		default:
			return FieldLessEqual{Field: field, Value: number}, nil
		}
	}

	if pos := strings.Index(input, "~"); pos >= 0 {
		field, pattern, err := splitComparison(input, pos, len("~"))
		if err != nil {
			return nil, err
		}
		return FieldRegex{Field: field, Pattern: pattern}, nil
	}

	return nil, lpmErrors.ParseError("invalid filter expression '%s'", input)
}

func splitComparison(input string, pos, opLen int) (string, string, error) {
	field := strings.ToLower(strings.TrimSpace(input[:pos]))
	if field == "" {
		return "", "", lpmErrors.InvalidInput("missing field name in '%s'", input)
	}

	value := strings.TrimSpace(input[pos+opLen:])
	value = strings.Trim(value, `"`)
	value = strings.Trim(value, `'`)
	return field, value, nil
}

// Evaluate reports whether record satisfies expr.
func (p *Parser) Evaluate(record *models.ProcessRecord, expr Expression) bool {
	switch e := expr.(type) {
	case FieldEquals:
		return stringField(record, e.Field) == e.Value
	case FieldNotEquals:
		return stringField(record, e.Field) != e.Value
	case FieldRegex:
		return p.matches(e.Pattern, stringField(record, e.Field))
	case FieldGreaterThan:
		return numericField(record, e.Field) > e.Value
	case FieldLessThan:
		return numericField(record, e.Field) < e.Value
	case FieldGreaterEqual:
		return numericField(record, e.Field) >= e.Value
	case FieldLessEqual:
		return numericField(record, e.Field) <= e.Value
	case And:
		return p.Evaluate(record, e.Left) && p.Evaluate(record, e.Right)
	case Or:
		return p.Evaluate(record, e.Left) || p.Evaluate(record, e.Right)
	case Not:
		return !p.Evaluate(record, e.Operand)
	default:
		return false
	}
}

// matches compiles pattern on first use. A pattern that does not compile is cached as nil and
// never matches.
func (p *Parser) matches(pattern, value string) bool {
	re, cached := p.regexCache[pattern]
	if !cached {
		re, _ = regexp.Compile(pattern)
		p.regexCache[pattern] = re
	}
	return re != nil && re.MatchString(value)
}
