package expression

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Serialize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "bracket reference", input: "[Zone Air Temp] > 25", want: "[Zone Air Temp] > 25"},
		{name: "precedence", input: "1 + 2 * 3", want: "1 + 2 * 3"},
		{name: "needed parens kept", input: "(1 + 2) * 3", want: "(1 + 2) * 3"},
		{name: "redundant parens dropped", input: "((a)) + (b * c)", want: "a + b * c"},
		{name: "left associative", input: "a - (b - c)", want: "a - (b - c)"},
		{name: "left chain", input: "(a - b) - c", want: "a - b - c"},
		{name: "power right associative", input: "2^3^2", want: "2^3^2"},
		{name: "power left grouping", input: "(2^3)^2", want: "(2^3)^2"},
		{name: "negated power", input: "-2^2", want: "-2^2"},
		{name: "negative literal", input: "a - -1", want: "a - -1"},
		{name: "word operators", input: "a AND b OR c", want: "a & b | c"},
		{name: "double operators", input: "a && (b || c)", want: "a & (b | c)"},
		{name: "not", input: "!(a | b)", want: "!(a | b)"},
		{name: "NOT keyword", input: "NOT a", want: "!a"},
		{name: "equality forms", input: "a = 1", want: "a == 1"},
		{name: "not equal", input: "a <> 1", want: "a != 1"},
		{name: "semicolon is and", input: "a > 1; b < 2", want: "a > 1 & b < 2"},
		{name: "trailing semicolon", input: "a > 1;", want: "a > 1"},
		{name: "hours unit", input: "5h", want: "5[h]"},
		{name: "spaced unit", input: "30 min", want: "30[min]"},
		{name: "degree unit", input: "5°C", want: "5[degC]"},
		{name: "bracket unit", input: "5[degF]", want: "5[degF]"},
		{name: "percent literal", input: "10% + 3", want: "10[%] + 3"},
		{name: "modulo", input: "10 % 3", want: "10 % 3"},
		{name: "unit on expression", input: "(a + b)h", want: "(a + b) * 1[h]"},
		{name: "decimal", input: "0.5 * .25", want: "0.5 * 0.25"},
		{name: "temporal", input: "AVERAGE([temp], 1h)", want: "AVERAGE(temp,1[h])"},
		{name: "temporal with offset", input: "max([temp], 2h, -1d)", want: "MAX(temp,2[h],-1[d])"},
		{name: "array aggregate", input: "AVERAGE({1, 2, 3})", want: "AVERAGE({1,2,3})"},
		{name: "call keeps name", input: "abs(x)", want: "abs(x)"},
		{name: "if", input: "IF(a > 1, 'hot', 'cold')", want: `IF(a > 1,"hot","cold")`},
		{name: "option", input: "OPTION([a], [b])", want: "OPTION(a,b)"},
		{name: "tolerant option", input: "TolerantOption([a], [b])", want: "TOLERANTOPTION(a,b)"},
		{name: "property", input: "this.ratedPower * 0.8", want: "this.ratedPower * 0.8"},
		{name: "booleans", input: "true | FALSE", want: "true | false"},
		{name: "failed with message", input: "FAILED('No twin matches found', dtmi:com:willowinc:Fan;1)", want: "FAILED('No twin matches found',dtmi:com:willowinc:Fan;1)"},
		{name: "failed without message", input: "FAILED([x] > 1)", want: "FAILED(x > 1)"},
		{name: "keyword needs brackets", input: "[and] + 1", want: "[and] + 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Parse(tt.input)
			require.False(t, HasFailed(n) && !strings.HasPrefix(tt.want, "FAILED"), "unexpected failure: %s", Serialize(n))
			assert.Equal(t, tt.want, Serialize(n))
			// 规范文本再次解析后保持不变
			assert.Equal(t, tt.want, Serialize(Parse(tt.want)))
		})
	}
}

func TestParse_NumberRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{name: "zero", value: 0},
		{name: "one", value: 1},
		{name: "minus one", value: -1},
		{name: "tenth", value: 0.1},
		{name: "small", value: 1e-7},
		{name: "large", value: 1e21},
		{name: "huge", value: 1e300},
		{name: "smallest subnormal", value: 5e-324},
		{name: "max", value: math.MaxFloat64},
		{name: "negative max", value: -math.MaxFloat64},
		{name: "fraction", value: 2.5e-10},
		{name: "negative fraction", value: -2.5e-10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := Serialize(&Number{Value: tt.value})
			n, ok := Parse(text).(*Number)
			require.True(t, ok, "%q did not parse to a number", text)
			assert.Equal(t, tt.value, n.Value)

			bin, ok := Parse("[x] > " + text).(*Binary)
			require.True(t, ok)
			assert.Equal(t, &Number{Value: tt.value}, bin.Right)
		})
	}
}

func TestParse_Structure(t *testing.T) {
	n := Parse("-2^2")
	u, ok := n.(*Unary)
	require.True(t, ok, "expected unary, got %T", n)
	assert.Equal(t, OpSub, u.Op)
	assert.IsType(t, &Binary{}, u.Operand)

	n = Parse("-5")
	assert.Equal(t, &Number{Value: -5}, n)

	n = Parse("COUNT([x])")
	call, ok := n.(*Call)
	require.True(t, ok, "single argument aggregate stays a call")
	assert.Equal(t, "COUNT", call.Name)

	n = Parse("SLOPE([x], 3h, 1h)")
	tmp, ok := n.(*Temporal)
	require.True(t, ok)
	assert.Equal(t, "SLOPE", tmp.Func)
	assert.Equal(t, &Number{Value: 1, Unit: "h"}, tmp.Offset)

	n = Parse("1 == 1.0")
	bin, ok := n.(*Binary)
	require.True(t, ok)
	assert.Equal(t, bin.Left, bin.Right)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{name: "empty", input: "   ", message: "Empty expression"},
		{name: "dangling operator", input: "1 +", message: "Syntax error at 3: incomplete expression"},
		{name: "unclosed paren", input: "(1 + 2", message: "Syntax error at 6"},
		{name: "unclosed bracket", input: "[abc > 1", message: "missing closing ']'"},
		{name: "unterminated string", input: "'abc", message: "unterminated string"},
		{name: "stray token", input: "1 2", message: "unexpected '2'"},
		{name: "bad character", input: "a # b", message: "unexpected character '#'"},
		{name: "if arity", input: "IF(a, b)", message: "IF() needs three arguments"},
		{name: "empty option", input: "OPTION()", message: "OPTION() needs at least one argument"},
		{name: "temporal arity", input: "AVERAGE(a, 1, 2, 3)", message: "AVERAGE() does not take 4 arguments"},
		{name: "empty reference", input: "[] + 1", message: "empty reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Parse(tt.input)
			f, ok := n.(*Failed)
			require.True(t, ok, "expected FAILED node, got %s", Serialize(n))
			assert.Contains(t, f.Message, tt.message)
			if tt.name != "empty" {
				assert.Equal(t, &String{Value: tt.input}, f.Original)
			}
		})
	}
}

func TestIsSimpleName(t *testing.T) {
	assert.True(t, IsSimpleName("temperature"))
	assert.True(t, IsSimpleName("_x1"))
	assert.True(t, IsSimpleName("dtmi:com:willowinc:Fan;1"))
	assert.False(t, IsSimpleName("Zone Air Temp"))
	assert.False(t, IsSimpleName("1abc"))
	assert.False(t, IsSimpleName("OR"))
	assert.False(t, IsSimpleName(""))
}
