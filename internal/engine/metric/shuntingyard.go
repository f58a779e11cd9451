// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Package metric implements metric expression evaluation (C5): a postfix
// (shunting-yard) expression evaluator over named event counts, plus the
// builtin metric definitions. The recursive evaluator shape is carried
// over from the teacher assembler's evalExpr (asm/expr.go) — find the
// operator, evaluate the two operands, apply the operator — but
// generalized from an integer AST walk over a token slice to a postfix
// stack evaluator over named float64 variables, since metric formulas
// arrive already in postfix ("shunting yard") form rather than as infix
// token streams to parse.
package metric

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrEmptyStack is returned when a postfix formula is malformed: an
// operator appears with fewer than two operands already on the stack, or
// the formula is empty.
var ErrEmptyStack = errors.New("metric: malformed postfix expression")

func isOperator(tok string) bool {
	switch tok {
	case "+", "-", "*", "/":
		return true
	default:
		return false
	}
}

// Evaluate computes a space-separated postfix ("shunting yard") formula
// over vars, the named event/metric counts available to this plan.
// Division by zero returns 0 rather than an error, matching the original
// metric engine's behavior (spec.md §4.5 deviation, ported from
// original_source/wperf/metric.cpp's
// metric_calculate_shunting_yard_expression).
func Evaluate(vars map[string]float64, formula string) (float64, error) {
	tokens := strings.Fields(formula)
	if len(tokens) == 0 {
		return 0, errors.Wrap(ErrEmptyStack, "empty formula")
	}

	var stack []float64
	pop := func() (float64, error) {
		if len(stack) == 0 {
			return 0, errors.Wrap(ErrEmptyStack, "operator with no operand")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, tok := range tokens {
		if isOperator(tok) {
			y, err := pop()
			if err != nil {
				return 0, err
			}
			x, err := pop()
			if err != nil {
				return 0, err
			}
			var val float64
			switch tok {
			case "+":
				val = x + y
			case "-":
				val = x - y
			case "*":
				val = x * y
			case "/":
				if y == 0 {
					return 0, nil
				}
				val = x / y
			}
			stack = append(stack, val)
			continue
		}

		if v, ok := vars[tok]; ok {
			stack = append(stack, v)
			continue
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			f = 0
		}
		stack = append(stack, f)
	}

	if len(stack) == 0 {
		return 0, errors.Wrap(ErrEmptyStack, "no result on stack")
	}
	return stack[len(stack)-1], nil
}
