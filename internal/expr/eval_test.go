package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) Expr {
	t.Helper()
	n, err := Parse(src)
	require.NoError(t, err)
	return n
}

func TestEvalArithmeticAndComparison(t *testing.T) {
	scope := map[string]any{"count": float64(3)}

	n := mustParse(t, "$.count * 2 + 1")
	v, err := Eval(n, scope)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)

	n = mustParse(t, "$.count >= 3")
	b, err := EvalBool(n, scope)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestEvalShortCircuits(t *testing.T) {
	// the right side would error if evaluated ($.missing is nil, nil+1 is
	// a type error); && and || must never reach it once the left side
	// already decides the result.
	n := mustParse(t, `false && $.missing + 1 > 0`)
	b, err := EvalBool(n, nil)
	require.NoError(t, err)
	assert.False(t, b)

	n = mustParse(t, `true || $.missing + 1 > 0`)
	b, err = EvalBool(n, nil)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestEvalPathTraversal(t *testing.T) {
	scope := map[string]any{
		"order": map[string]any{
			"items": []any{
				map[string]any{"sku": "A1"},
				map[string]any{"sku": "B2"},
			},
		},
	}
	n := mustParse(t, "$.order.items[1].sku")
	v, err := Eval(n, scope)
	require.NoError(t, err)
	assert.Equal(t, "B2", v)
}

func TestEvalPathMissingReturnsNil(t *testing.T) {
	n := mustParse(t, "$.order.items[5].sku")
	v, err := Eval(n, map[string]any{"order": map[string]any{"items": []any{}}})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalCallWhitelist(t *testing.T) {
	n := mustParse(t, `contains($.name, "bolt")`)
	b, err := EvalBool(n, map[string]any{"name": "orbitmesh-bolt"})
	require.NoError(t, err)
	assert.True(t, b)
}

func TestParseRejectsNonWhitelistedCall(t *testing.T) {
	// the whitelist is enforced at parse time, so an unapproved function
	// name never reaches Eval at all.
	_, err := Parse(`exec("rm -rf /")`)
	assert.Error(t, err)
}

func TestEvalTypeMismatchErrors(t *testing.T) {
	n := mustParse(t, `"abc" - 1`)
	_, err := Eval(n, nil)
	assert.Error(t, err)
}

func TestEvalDivisionByZero(t *testing.T) {
	n := mustParse(t, "10 / 0")
	_, err := Eval(n, nil)
	assert.Error(t, err)
}

func TestRenderTemplate(t *testing.T) {
	tpl, err := ParseTemplate("hello ${$.name}, you have ${$.count} items")
	require.NoError(t, err)

	out, err := RenderTemplate(tpl, map[string]any{"name": "ops", "count": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, "hello ops, you have 2 items", out)
}

func TestRenderTemplateNoInterpolation(t *testing.T) {
	tpl, err := ParseTemplate("static text")
	require.NoError(t, err)
	out, err := RenderTemplate(tpl, nil)
	require.NoError(t, err)
	assert.Equal(t, "static text", out)
}

func TestParseTemplateUnterminatedErrors(t *testing.T) {
	_, err := ParseTemplate("hello ${$.name")
	assert.Error(t, err)
}
