package expression

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mapEnv struct {
	values  map[string]Value
	history map[string][]Sample
}

func (m *mapEnv) Lookup(ref Ref) Value {
	if v, ok := m.values[ref.Name]; ok {
		return v
	}
	return InvalidValue(ReasonMissing)
}

func (m *mapEnv) History(ref Ref, from, to time.Time) []Sample {
	var out []Sample
	for _, s := range m.history[ref.Name] {
		if !s.Time.Before(from) && !s.Time.After(to) {
			out = append(out, s)
		}
	}
	return out
}

func (m *mapEnv) Now() time.Time { return testNow }

func newEnv(values map[string]float64) *mapEnv {
	env := &mapEnv{values: map[string]Value{}, history: map[string][]Sample{}}
	for k, v := range values {
		env.values[k] = NumberValue(v, "")
	}
	return env
}

func TestEvaluate(t *testing.T) {
	env := newEnv(map[string]float64{"a": 3, "b": 4, "zero": 0})
	env.values["temp"] = NumberValue(77, UnitFahrenheit)
	env.values["flow"] = NumberValue(100, UnitCFM)
	env.values["name"] = StringValue("AHU-1")

	tests := []struct {
		name  string
		input string
		want  Value
	}{
		{name: "arithmetic", input: "a + b * 2", want: NumberValue(11, "")},
		{name: "power", input: "-2^2", want: NumberValue(-4, "")},
		{name: "modulo", input: "10 % 3", want: NumberValue(1, "")},
		{name: "comparison", input: "[a] > 2 & [b] <= 4", want: BoolValue(true)},
		{name: "numeric equality", input: "1 == 1.0", want: BoolValue(true)},
		{name: "string equality", input: "name == 'AHU-1'", want: BoolValue(true)},
		{name: "not", input: "!(a > b)", want: BoolValue(true)},
		{name: "if", input: "IF(a > b, 1, 2)", want: NumberValue(2, "")},
		{name: "abs", input: "ABS(a - b)", want: NumberValue(1, "")},
		{name: "sqrt", input: "SQRT(a * a + b * b)", want: NumberValue(5, "")},
		{name: "round", input: "ROUND(2.346, 2)", want: NumberValue(2.35, "")},
		{name: "pow", input: "POW(2, 10)", want: NumberValue(1024, "")},
		{name: "array average", input: "AVERAGE({a, b, 5})", want: NumberValue(4, "")},
		{name: "array max", input: "MAX({a, b})", want: NumberValue(4, "")},
		{name: "array min", input: "MIN({a, b, 1})", want: NumberValue(1, "")},
		{name: "array count", input: "COUNT({a > 1, b > 5, true})", want: NumberValue(2, "")},
		{name: "array any", input: "ANY({false, a > 1})", want: BoolValue(true)},
		{name: "celsius", input: "CELSIUS(temp)", want: NumberValue((77-32)*0.555555555555556, UnitCelsius)},
		{name: "celsius spelling", input: "CELCIUS(212[degF])", want: NumberValue((212-32)*0.555555555555556, UnitCelsius)},
		{name: "fahrenheit", input: "FAHRENHEIT(100°C)", want: NumberValue(212, UnitFahrenheit)},
		{name: "metric", input: "METRIC(flow)", want: NumberValue(47.194745, UnitLPS)},
		{name: "percentage", input: "PERCENTAGE(50%)", want: NumberValue(0.5, "")},
		{name: "unit kept on addition", input: "temp + 1", want: NumberValue(78, UnitFahrenheit)},
		{name: "and short circuits invalid", input: "missing > 1 & false", want: BoolValue(false)},
		{name: "or short circuits invalid", input: "missing > 1 | true", want: BoolValue(true)},
		{name: "option picks first valid", input: "OPTION(missing, b)", want: NumberValue(4, "")},
	}

	ev := NewEvaluator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ev.Evaluate(Parse(tt.input), env)
			require.Equal(t, tt.want.Kind, got.Kind, "got %s", got)
			if tt.want.Kind == KindNumber {
				assert.InDelta(t, tt.want.Num, got.Num, 1e-9)
				assert.Equal(t, tt.want.Unit, got.Unit)
				return
			}
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestEvaluate_InvalidAndFailed(t *testing.T) {
	env := newEnv(map[string]float64{"a": 1, "zero": 0})
	ev := NewEvaluator(nil)

	tests := []struct {
		name   string
		input  string
		kind   Kind
		reason string
	}{
		{name: "missing", input: "[nope] + 1", kind: KindInvalid, reason: ReasonMissing},
		{name: "division by zero", input: "a / zero", kind: KindInvalid, reason: ReasonInvalid},
		{name: "nan", input: "SQRT(-1)", kind: KindInvalid, reason: ReasonInvalid},
		{name: "failed wins over invalid", input: "[nope] + FAILED('broken')", kind: KindFailed, reason: "broken"},
		{name: "failed original", input: "FAILED([x] > 1) & true", kind: KindFailed, reason: "x > 1"},
		{name: "syntax error", input: "1 +", kind: KindFailed, reason: "Syntax error at 3: incomplete expression"},
		{name: "unknown function", input: "FOO(1)", kind: KindFailed, reason: "Unknown function 'FOO'"},
		{name: "arity", input: "ABS(1, 2)", kind: KindFailed, reason: "Function 'ABS' expects 1 arguments but got 2"},
		{name: "unresolved property", input: "this.ratedPower", kind: KindFailed, reason: "Could not resolve property 'ratedPower'"},
		{name: "bad unit conversion", input: "METRIC(5[degC])", kind: KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ev.Evaluate(Parse(tt.input), env)
			assert.Equal(t, tt.kind, got.Kind, "got %s", got)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, got.Reason)
			}
		})
	}
}

func TestEvaluate_Temporal(t *testing.T) {
	env := newEnv(nil)
	for i := 0; i <= 6; i++ {
		// 每 10 分钟一个点，值从 0 线性增加到 6
		env.history["temp"] = append(env.history["temp"], Sample{
			Time:  testNow.Add(-time.Duration(60-10*i) * time.Minute),
			Value: NumberValue(float64(i), UnitCelsius),
		})
	}
	env.history["temp"] = append(env.history["temp"], Sample{Time: testNow.Add(-5 * time.Minute), Value: InvalidValue(ReasonMissing)})

	ev := NewEvaluator(nil)
	tests := []struct {
		name  string
		input string
		want  float64
	}{
		{name: "average last hour", input: "AVERAGE([temp], 1h)", want: 3},
		{name: "unitless period is hours", input: "AVERAGE([temp], 1)", want: 3},
		{name: "min over 30 minutes", input: "MIN([temp], 30min)", want: 3},
		{name: "max with offset", input: "MAX([temp], 20min, 30min)", want: 3},
		{name: "sum", input: "SUM([temp], 1h)", want: 21},
		{name: "delta", input: "DELTA([temp], 1h)", want: 6},
		{name: "count", input: "COUNT([temp], 1h)", want: 6},
		{name: "slope per hour", input: "SLOPE([temp], 1h)", want: 6},
		{name: "forecast", input: "FORECAST([temp], 10min)", want: 7},
		{name: "population stddev", input: "STND([temp], 20min)", want: math.Sqrt(2.0 / 3.0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ev.Evaluate(Parse(tt.input), env)
			require.Equal(t, KindNumber, got.Kind, "got %s", got)
			assert.InDelta(t, tt.want, got.Num, 1e-9)
		})
	}

	got := ev.Evaluate(Parse("AVERAGE([temp], 1h, 2d)"), env)
	assert.Equal(t, KindInvalid, got.Kind)
	assert.Equal(t, ReasonInsufficient, got.Reason)

	got = ev.Evaluate(Parse("AVERAGE([a] + 1, 1h)"), env)
	assert.Equal(t, KindFailed, got.Kind)
}

func TestReferences(t *testing.T) {
	n := Parse("[a] + b * AVERAGE([a], 1h) + FAILED('x', [c])")
	vars, points := References(n)
	assert.Equal(t, []string{"a", "b"}, vars)
	assert.Empty(t, points)
	assert.True(t, HasFailed(n))
	assert.Equal(t, "x", FirstFailed(n).Message)

	bound := Rewrite(n, func(n Node) Node {
		if v, ok := n.(*Variable); ok && v.Name == "a" {
			return &Point{ID: "pt-a", Name: "a"}
		}
		return n
	})
	vars, points = References(bound)
	assert.Equal(t, []string{"b"}, vars)
	assert.Equal(t, []string{"pt-a"}, points)
	assert.Equal(t, Serialize(n), Serialize(bound))
}
