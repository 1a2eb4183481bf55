package expression

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RefKind 引用类型
type RefKind uint8

const (
	// RefVariable 参数变量，如前序参数的 FieldId
	RefVariable RefKind = iota
	// RefPoint 已绑定的时序点位
	RefPoint
)

// Ref 求值时需要从环境读取的引用
type Ref struct {
	Kind RefKind
	Name string
}

func (r Ref) String() string {
	if r.Kind == RefPoint {
		return "point:" + r.Name
	}
	return "var:" + r.Name
}

// Sample 带时间戳的历史值
type Sample struct {
	Time  time.Time `json:"t"`
	Value Value     `json:"v"`
}

// Env 求值环境
type Env interface {
	// Lookup 返回引用在当前时间步的值，没有值时返回 Missing
	Lookup(ref Ref) Value
	// History 返回 [from, to] 区间内按时间升序的历史值
	History(ref Ref, from, to time.Time) []Sample
	// Now 当前时间步的时间戳
	Now() time.Time
}

// Evaluator 表达式求值器，无内部状态，可并发使用
type Evaluator struct {
	functions *Functions
}

// NewEvaluator 创建求值器，functions 为 nil 时使用内置函数
func NewEvaluator(functions *Functions) *Evaluator {
	if functions == nil {
		functions = NewFunctions()
	}
	return &Evaluator{functions: functions}
}

// Functions 返回求值器使用的函数注册表
func (e *Evaluator) Functions() *Functions {
	return e.functions
}

// Evaluate 计算表达式在当前时间步的值，不会 panic 也不返回 error：
// 失败与无效以 Value 的形式向上传播
func (e *Evaluator) Evaluate(n Node, env Env) Value {
	switch v := n.(type) {
	case nil:
		return InvalidValue(ReasonMissing)
	case *Number:
		return NumberValue(v.Value, v.Unit)
	case *Bool:
		return BoolValue(v.Value)
	case *String:
		return StringValue(v.Value)
	case *Null:
		return InvalidValue(ReasonMissing)
	case *Variable:
		return env.Lookup(Ref{Kind: RefVariable, Name: v.Name})
	case *Point:
		val := env.Lookup(Ref{Kind: RefPoint, Name: v.ID})
		if val.Kind == KindNumber && val.Unit == "" {
			val.Unit = v.Unit
		}
		return val
	case *Property:
		return FailedValue(fmt.Sprintf("Could not resolve property '%s'", v.Name))
	case *Unary:
		return e.evalUnary(v, env)
	case *Binary:
		return e.evalBinary(v, env)
	case *Call:
		return e.evalCall(v, env)
	case *Temporal:
		return e.evalTemporal(v, env)
	case *Array:
		items := make([]Value, len(v.Items))
		for i, item := range v.Items {
			items[i] = e.Evaluate(item, env)
		}
		return ArrayValue(items)
	case *If:
		cond := e.Evaluate(v.Cond, env)
		if bad, ok := propagate(cond); ok {
			return bad
		}
		b, ok := cond.Truth()
		if !ok {
			return InvalidValue(ReasonInvalid)
		}
		if b {
			return e.Evaluate(v.Then, env)
		}
		return e.Evaluate(v.Else, env)
	case *Option:
		results := make([]Value, 0, len(v.Candidates))
		for _, c := range v.Candidates {
			val := e.Evaluate(c, env)
			if val.IsValid() {
				return val
			}
			results = append(results, val)
		}
		bad, _ := propagate(results...)
		return bad
	case *Failed:
		if v.Message != "" {
			return FailedValue(v.Message)
		}
		if v.Original != nil {
			return FailedValue(Serialize(v.Original))
		}
		return FailedValue("FAILED")
	}
	return FailedValue(fmt.Sprintf("unsupported expression %T", n))
}

func (e *Evaluator) evalUnary(u *Unary, env Env) Value {
	operand := e.Evaluate(u.Operand, env)
	if bad, ok := propagate(operand); ok {
		return bad
	}
	switch u.Op {
	case OpSub:
		x, ok := operand.Float()
		if !ok {
			return InvalidValue(ReasonInvalid)
		}
		return NumberValue(-x, operand.Unit)
	case OpNot:
		b, ok := operand.Truth()
		if !ok {
			return InvalidValue(ReasonInvalid)
		}
		return BoolValue(!b)
	}
	return FailedValue(fmt.Sprintf("unsupported unary operator '%s'", u.Op))
}

func (e *Evaluator) evalBinary(b *Binary, env Env) Value {
	left := e.Evaluate(b.Left, env)
	right := e.Evaluate(b.Right, env)

	if b.Op == OpAnd || b.Op == OpOr {
		return logical(b.Op, left, right)
	}
	if bad, ok := propagate(left, right); ok {
		return bad
	}

	switch b.Op {
	case OpEq:
		return BoolValue(left.Equal(right))
	case OpNe:
		return BoolValue(!left.Equal(right))
	case OpLt, OpLe, OpGt, OpGe:
		return compare(b.Op, left, right)
	}

	if b.Op == OpAdd && left.Kind == KindString && right.Kind == KindString {
		return StringValue(left.Str + right.Str)
	}

	x, okX := left.Float()
	y, okY := right.Float()
	if !okX || !okY {
		return InvalidValue(ReasonInvalid)
	}

	switch b.Op {
	case OpAdd:
		return NumberValue(x+y, firstUnit(left.Unit, right.Unit))
	case OpSub:
		return NumberValue(x-y, firstUnit(left.Unit, right.Unit))
	case OpMul:
		return NumberValue(x*y, productUnit(left.Unit, right.Unit))
	case OpDiv:
		if y == 0 {
			return InvalidValue(ReasonInvalid)
		}
		unit := ""
		if right.Unit == "" {
			unit = left.Unit
		}
		return NumberValue(x/y, unit)
	case OpMod:
		if y == 0 {
			return InvalidValue(ReasonInvalid)
		}
		return NumberValue(math.Mod(x, y), left.Unit)
	case OpPow:
		return NumberValue(math.Pow(x, y), "")
	}
	return FailedValue(fmt.Sprintf("unsupported operator '%s'", b.Op))
}

// logical 失败总是传播；无效值仅在结果无法由另一侧确定时传播
func logical(op Op, left, right Value) Value {
	for _, v := range []Value{left, right} {
		if v.Kind == KindFailed {
			return v
		}
	}
	l, okL := left.Truth()
	r, okR := right.Truth()
	if op == OpAnd {
		if (okL && !l) || (okR && !r) {
			return BoolValue(false)
		}
	} else if (okL && l) || (okR && r) {
		return BoolValue(true)
	}
	if bad, ok := propagate(left, right); ok {
		return bad
	}
	if !okL || !okR {
		return InvalidValue(ReasonInvalid)
	}
	if op == OpAnd {
		return BoolValue(l && r)
	}
	return BoolValue(l || r)
}

func compare(op Op, left, right Value) Value {
	var c int
	if left.Kind == KindString && right.Kind == KindString {
		c = strings.Compare(left.Str, right.Str)
	} else {
		x, okX := left.Float()
		y, okY := right.Float()
		if !okX || !okY {
			return InvalidValue(ReasonInvalid)
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	}
	switch op {
	case OpLt:
		return BoolValue(c < 0)
	case OpLe:
		return BoolValue(c <= 0)
	case OpGt:
		return BoolValue(c > 0)
	default:
		return BoolValue(c >= 0)
	}
}

func firstUnit(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func productUnit(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return ""
}

func (e *Evaluator) evalCall(c *Call, env Env) Value {
	fn, ok := e.functions.Lookup(c.Name)
	if !ok {
		return FailedValue(fmt.Sprintf("Unknown function '%s'", c.Name))
	}
	if err := CheckArity(fn, len(c.Args)); err != nil {
		return FailedValue(err.Error())
	}
	args := make([]Value, len(c.Args))
	for i, arg := range c.Args {
		args[i] = e.Evaluate(arg, env)
	}
	if ef, ok := fn.(EnvFunction); ok {
		return ef.CallEnv(env, args...)
	}
	return fn.Call(args...)
}

// Window 计算时间窗口 [now-|offset|-period, now-|offset|]
func Window(now time.Time, period, offset time.Duration) (time.Time, time.Time) {
	if offset < 0 {
		offset = -offset
	}
	if period < 0 {
		period = -period
	}
	end := now.Add(-offset)
	return end.Add(-period), end
}

func (e *Evaluator) evalTemporal(t *Temporal, env Env) Value {
	ref, ok := TemporalRef(t.Operand)
	if !ok {
		return FailedValue(fmt.Sprintf("%s() operand must be a point or parameter reference", t.Func))
	}

	periodValue := e.Evaluate(t.Period, env)
	if bad, ok := propagate(periodValue); ok {
		return bad
	}
	period, ok := ToDuration(periodValue)
	if !ok {
		return FailedValue(fmt.Sprintf("%s() period '%s' is not a duration", t.Func, periodValue))
	}
	var offset time.Duration
	if t.Offset != nil {
		offsetValue := e.Evaluate(t.Offset, env)
		if bad, ok := propagate(offsetValue); ok {
			return bad
		}
		if offset, ok = ToDuration(offsetValue); !ok {
			return FailedValue(fmt.Sprintf("%s() offset '%s' is not a duration", t.Func, offsetValue))
		}
	}

	from, to := Window(env.Now(), period, offset)
	var samples []Sample
	for _, s := range env.History(ref, from, to) {
		if s.Value.Kind == KindFailed {
			return s.Value
		}
		if s.Value.IsValid() {
			samples = append(samples, s)
		}
	}
	if len(samples) == 0 {
		return InvalidValue(ReasonInsufficient)
	}

	switch t.Func {
	case "SLOPE", "FORECAST":
		return trend(t.Func, samples, to, period)
	}
	values := make([]Value, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	return Aggregate(t.Func, values)
}

// TemporalRef 返回时间窗口聚合的操作数引用
func TemporalRef(n Node) (Ref, bool) {
	switch v := n.(type) {
	case *Point:
		return Ref{Kind: RefPoint, Name: v.ID}, true
	case *Variable:
		return Ref{Kind: RefVariable, Name: v.Name}, true
	}
	return Ref{}, false
}

// trend 最小二乘拟合；SLOPE 以每小时为单位，FORECAST 预测窗口结束后一个周期的值
func trend(fn string, samples []Sample, end time.Time, period time.Duration) Value {
	if len(samples) < 2 {
		return InvalidValue(ReasonInsufficient)
	}
	origin := samples[0].Time
	var sx, sy, sxx, sxy float64
	for _, s := range samples {
		x := s.Time.Sub(origin).Hours()
		y, ok := s.Value.Float()
		if !ok {
			return InvalidValue(ReasonInvalid)
		}
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	n := float64(len(samples))
	denom := n*sxx - sx*sx
	if denom == 0 {
		return InvalidValue(ReasonInsufficient)
	}
	slope := (n*sxy - sx*sy) / denom
	intercept := (sy - slope*sx) / n
	unit := samples[0].Value.Unit
	if fn == "SLOPE" {
		return NumberValue(slope, "")
	}
	target := end.Add(period).Sub(origin).Hours()
	return NumberValue(intercept+slope*target, unit)
}
