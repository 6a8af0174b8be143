package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompile(t *testing.T) {
	expr, err := Parse("favorite and (landscape or square) and not {family vacation}")
	require.NoError(t, err)

	want := "((COALESCE(photos.favorite, 0)) AND ((photos.width > photos.height) OR (photos.width == photos.height))) " +
		"AND (NOT (collections.identifier = 'family' OR collections.identifier = 'vacation'))"
	assert.Equal(t, want, expr.SQL())
}

func TestParseAtoms(t *testing.T) {
	cases := map[string]string{
		"true":      "1",
		"false":     "0",
		"landscape": "photos.width > photos.height",
		"portrait":  "photos.width < photos.height",
		"square":    "photos.width == photos.height",
		"favorite":  "COALESCE(photos.favorite, 0)",
		"{family}":  "collections.identifier = 'family'",
	}

	for source, sql := range cases {
		expr, err := Parse(source)
		require.NoError(t, err, source)
		assert.Equal(t, sql, expr.SQL(), source)
	}
}

func TestParsePrecedence(t *testing.T) {
	// "or" binds looser than "and": a or b and c == a or (b and c).
	expr, err := Parse("true or false and portrait")
	require.NoError(t, err)
	assert.Equal(t, "(1) OR ((0) AND (photos.width < photos.height))", expr.SQL())

	// "not" applies to a single atom only.
	expr, err = Parse("not true and false")
	require.NoError(t, err)
	assert.Equal(t, "(NOT (1)) AND (0)", expr.SQL())
}

func TestParseRenderIsStable(t *testing.T) {
	sources := []string{
		"favorite and (landscape or square) and not {family vacation}",
		"true",
		"not (portrait or favorite)",
		"{a b c} or square",
	}

	for _, source := range sources {
		expr, err := Parse(source)
		require.NoError(t, err, source)

		// Re-parsing the canonical rendering must reproduce it exactly.
		again, err := Parse(expr.String())
		require.NoError(t, err, expr.String())
		assert.Equal(t, expr.String(), again.String(), source)
		assert.Equal(t, expr.SQL(), again.SQL(), source)
	}
}

func TestParseBalancedParentheses(t *testing.T) {
	expr, err := Parse("not (favorite and {a b}) or (landscape and (portrait or true))")
	require.NoError(t, err)

	sql := expr.SQL()
	assert.Equal(t, strings.Count(sql, "("), strings.Count(sql, ")"))
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		source string
		kind   ParseErrorKind
		pos    int
	}{
		{"true %", InvalidToken, 5},
		{"{}", EmptyIdentifierSet, 1},
		{"(true", UnexpectedToken, 5},
		{"true false", UnexpectedToken, 5},
		{"and", UnexpectedToken, 0},
		{"{a (}", UnexpectedToken, 3},
	}

	for _, tc := range cases {
		_, err := Parse(tc.source)
		require.Error(t, err, tc.source)

		var parseErr *ParseError
		require.True(t, errors.As(err, &parseErr), tc.source)
		assert.Equal(t, tc.kind, parseErr.Kind, tc.source)
		assert.Equal(t, tc.pos, parseErr.Pos, tc.source)
	}
}

func TestIdentifierSetDeduplicates(t *testing.T) {
	expr, err := Parse("{family family vacation}")
	require.NoError(t, err)
	assert.Equal(t, "{family vacation}", expr.String())
}

func TestOrderSQL(t *testing.T) {
	orderSQL, extra := Shuffle.SQL()
	assert.Equal(t, "RANDOM()", orderSQL)
	assert.Empty(t, extra)

	orderSQL, extra = ChronologicalDescending.SQL()
	assert.Equal(t, "datetime(capture_date) DESC", orderSQL)
	assert.Equal(t, "capture_date IS NOT NULL", extra)

	orderSQL, extra = ChronologicalAscending.SQL()
	assert.Equal(t, "datetime(capture_date) ASC", orderSQL)
	assert.Equal(t, "capture_date IS NOT NULL", extra)
}

func TestOrderRoundTrip(t *testing.T) {
	for _, name := range OrderNames() {
		order, err := ParseOrder(name)
		require.NoError(t, err)
		assert.Equal(t, name, order.String())
	}

	_, err := ParseOrder("REVERSED")
	assert.Error(t, err)
}
