// Package filter implements the advanced process filter language: field comparisons joined by
// AND, OR and NOT, with parentheses for grouping.
package filter

import (
	"fmt"
	"strconv"
)

// Expression is a node of a parsed filter. Nodes are immutable once built.
type Expression interface {
	fmt.Stringer
	expression()
}

type FieldEquals struct {
	Field string
	Value string
}

type FieldNotEquals struct {
	Field string
	Value string
}

type FieldRegex struct {
	Field   string
	Pattern string
}

type FieldGreaterThan struct {
	Field string
	Value float64
}

type FieldLessThan struct {
	Field string
	Value float64
}

type FieldGreaterEqual struct {
	Field string
	Value float64
}

type FieldLessEqual struct {
	Field string
	Value float64
}

type And struct {
	Left  Expression
	Right Expression
}

type Or struct {
	Left  Expression
	Right Expression
}

type Not struct {
	Operand Expression
}

func (FieldEquals) expression()       {}
func (FieldNotEquals) expression()    {}
func (FieldRegex) expression()        {}
func (FieldGreaterThan) expression()  {}
func (FieldLessThan) expression()     {}
func (FieldGreaterEqual) expression() {}
func (FieldLessEqual) expression()    {}
func (And) expression()               {}
func (Or) expression()                {}
func (Not) expression()               {}

func (e FieldEquals) String() string {
	return e.Field + " == " + quote(e.Value)
}

func (e FieldNotEquals) String() string {
	return e.Field + " != " + quote(e.Value)
}

func (e FieldRegex) String() string {
	return e.Field + " ~= " + quote(e.Pattern)
}

func (e FieldGreaterThan) String() string {
	return e.Field + " > " + formatNumber(e.Value)
}

func (e FieldLessThan) String() string {
	return e.Field + " < " + formatNumber(e.Value)
}

func (e FieldGreaterEqual) String() string {
	return e.Field + " >= " + formatNumber(e.Value)
}

func (e FieldLessEqual) String() string {
	return e.Field + " <= " + formatNumber(e.Value)
}

func (e And) String() string {
	return "(" + e.Left.String() + " AND " + e.Right.String() + ")"
}

func (e Or) String() string {
	return "(" + e.Left.String() + " OR " + e.Right.String() + ")"
}

func (e Not) String() string {
	return "NOT (" + e.Operand.String() + ")"
}

// quote wraps a value in double quotes without escaping, since the parser strips quotes
// rather than unescaping them.
func quote(value string) string {
	return `"` + value + `"`
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
