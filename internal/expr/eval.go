package expr

import (
	"fmt"
	"strings"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
)

// Eval walks n against scope and returns a bool, a JSON-shaped value
// (string/float64/bool/nil/map/slice), or an error. Eval never
// mutates scope: every value read from it is returned by reference
// only for reading, and all intermediate results are freshly
// allocated, so repeated evaluation against the same scope is pure.
func Eval(n Expr, scope map[string]any) (any, error) {
	switch t := n.(type) {
	case literalNode:
		return t.value, nil
	case pathNode:
		return evalPath(t, scope), nil
	case unaryNode:
		return evalUnary(t, scope)
	case binaryNode:
		return evalBinary(t, scope)
	case callNode:
		return evalCall(t, scope)
	default:
		return nil, apperrors.Newf(apperrors.Internal, "unhandled expression node %T", n)
	}
}

// EvalBool evaluates n and requires a boolean result, as used for
// Condition fields.
func EvalBool(n Expr, scope map[string]any) (bool, error) {
	v, err := Eval(n, scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, apperrors.Newf(apperrors.ExpressionTypeErr, "condition did not evaluate to a boolean (got %T)", v)
	}
	return b, nil
}

func evalPath(p pathNode, scope map[string]any) any {
	var cur any = scope
	for _, seg := range p.segments {
		if cur == nil {
			return nil
		}
		if seg.isIndex {
			arr, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg.field]
	}
	return cur
}

func evalUnary(u unaryNode, scope map[string]any) (any, error) {
	switch u.op {
	case "!":
		v, err := Eval(u.expr, scope)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "! requires a boolean operand (got %T)", v)
		}
		return !b, nil
	case "-":
		v, err := Eval(u.expr, scope)
		if err != nil {
			return nil, err
		}
		n, ok := v.(float64)
		if !ok {
			return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "unary - requires a numeric operand (got %T)", v)
		}
		return -n, nil
	default:
		return nil, apperrors.Newf(apperrors.Internal, "unhandled unary operator %q", u.op)
	}
}

func evalBinary(b binaryNode, scope map[string]any) (any, error) {
	// && and || short-circuit: the right operand is only evaluated
	// when it can affect the result.
	if b.op == "&&" {
		left, err := EvalBool(b.left, scope)
		if err != nil {
			return nil, err
		}
		if !left {
			return false, nil
		}
		return EvalBool(b.right, scope)
	}
	if b.op == "||" {
		left, err := EvalBool(b.left, scope)
		if err != nil {
			return nil, err
		}
		if left {
			return true, nil
		}
		return EvalBool(b.right, scope)
	}

	left, err := Eval(b.left, scope)
	if err != nil {
		return nil, err
	}
	right, err := Eval(b.right, scope)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return evalRelational(b.op, left, right)
	case "+":
		return evalPlus(left, right)
	case "-", "*", "/", "%":
		return evalArith(b.op, left, right)
	default:
		return nil, apperrors.Newf(apperrors.Internal, "unhandled binary operator %q", b.op)
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func evalRelational(op string, left, right any) (any, error) {
	if left == nil && right == nil {
		// spec: type mismatches fail unless both sides are null; two
		// nulls compare as equal-ranked, so every relational op is false
		// except the inclusive ones against themselves.
		switch op {
		case "<=", ">=":
			return true, nil
		default:
			return false, nil
		}
	}
	ln, lok := left.(float64)
	rn, rok := right.(float64)
	if lok && rok {
		switch op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if lsok && rsok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "cannot compare %T and %T with %s", left, right, op)
}

func evalPlus(left, right any) (any, error) {
	if ln, ok := left.(float64); ok {
		if rn, ok := right.(float64); ok {
			return ln + rn, nil
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls + rs, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "+ requires two numbers or two strings (got %T and %T)", left, right)
}

func evalArith(op string, left, right any) (any, error) {
	ln, lok := left.(float64)
	rn, rok := right.(float64)
	if !lok || !rok {
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "%s requires two numbers (got %T and %T)", op, left, right)
	}
	switch op {
	case "-":
		return ln - rn, nil
	case "*":
		return ln * rn, nil
	case "/":
		if rn == 0 {
			return nil, apperrors.New(apperrors.ExpressionTypeErr, "division by zero")
		}
		return ln / rn, nil
	case "%":
		if rn == 0 {
			return nil, apperrors.New(apperrors.ExpressionTypeErr, "modulo by zero")
		}
		return float64(int64(ln) % int64(rn)), nil
	default:
		return nil, apperrors.Newf(apperrors.Internal, "unhandled arithmetic operator %q", op)
	}
}

func evalCall(c callNode, scope map[string]any) (any, error) {
	args := make([]any, len(c.args))
	for i, a := range c.args {
		v, err := Eval(a, scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch c.name {
	case "len":
		if len(args) != 1 {
			return nil, apperrors.New(apperrors.ExpressionTypeErr, "len() takes exactly one argument")
		}
		return callLen(args[0])
	case "contains":
		if len(args) != 2 {
			return nil, apperrors.New(apperrors.ExpressionTypeErr, "contains() takes exactly two arguments")
		}
		s, ok := args[0].(string)
		x, ok2 := args[1].(string)
		if !ok || !ok2 {
			return nil, apperrors.New(apperrors.ExpressionTypeErr, "contains() requires string arguments")
		}
		return strings.Contains(s, x), nil
	case "startsWith":
		return callStringPredicate(args, strings.HasPrefix, "startsWith")
	case "endsWith":
		return callStringPredicate(args, strings.HasSuffix, "endsWith")
	case "lower":
		s, ok := arg0String(args)
		if !ok {
			return nil, apperrors.New(apperrors.ExpressionTypeErr, "lower() requires one string argument")
		}
		return strings.ToLower(s), nil
	case "upper":
		s, ok := arg0String(args)
		if !ok {
			return nil, apperrors.New(apperrors.ExpressionTypeErr, "upper() requires one string argument")
		}
		return strings.ToUpper(s), nil
	case "int":
		return callInt(args)
	case "float":
		return callFloat(args)
	case "str":
		return callStr(args)
	case "bool":
		return callBool(args)
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	default:
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "call to non-whitelisted function %q", c.name)
	}
}

func callLen(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "len() does not support %T", v)
	}
}

func callStringPredicate(args []any, fn func(s, prefix string) bool, name string) (any, error) {
	if len(args) != 2 {
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "%s() takes exactly two arguments", name)
	}
	s, ok := args[0].(string)
	x, ok2 := args[1].(string)
	if !ok || !ok2 {
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "%s() requires string arguments", name)
	}
	return fn(s, x), nil
}

func arg0String(args []any) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func callInt(args []any) (any, error) {
	if len(args) != 1 {
		return nil, apperrors.New(apperrors.ExpressionTypeErr, "int() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case float64:
		return float64(int64(v)), nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ExpressionTypeErr, "int() could not parse string", err)
		}
		return float64(n), nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "int() does not support %T", args[0])
	}
}

func callFloat(args []any) (any, error) {
	if len(args) != 1 {
		return nil, apperrors.New(apperrors.ExpressionTypeErr, "float() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case float64:
		return v, nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
			return nil, apperrors.Wrap(apperrors.ExpressionTypeErr, "float() could not parse string", err)
		}
		return f, nil
	default:
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "float() does not support %T", args[0])
	}
}

func callStr(args []any) (any, error) {
	if len(args) != 1 {
		return nil, apperrors.New(apperrors.ExpressionTypeErr, "str() takes exactly one argument")
	}
	return stringify(args[0]), nil
}

func callBool(args []any) (any, error) {
	if len(args) != 1 {
		return nil, apperrors.New(apperrors.ExpressionTypeErr, "bool() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return nil, apperrors.Newf(apperrors.ExpressionTypeErr, "bool() does not support %T", args[0])
	}
}
