package expression

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Variadic 表示参数个数无上限
const Variadic = -1

// Function 表达式函数接口
type Function interface {
	Name() string
	Description() string
	// Arity 返回最少和最多参数个数，最多为 Variadic 时不限
	Arity() (min, max int)
	Call(args ...Value) Value
}

// EnvFunction 需要访问求值环境的函数，求值器优先调用 CallEnv
type EnvFunction interface {
	Function
	CallEnv(env Env, args ...Value) Value
}

// ErrorReporter 求值环境的可选接口。外部依赖（如模型执行）失败时函数通过它上报，
// 调用方据此让当前批次失败，而不是把结果当作 FAILED 数据继续。
type ErrorReporter interface {
	ReportError(err error)
}

// ReportError 在环境支持时上报外部依赖错误
func ReportError(env Env, err error) {
	if r, ok := env.(ErrorReporter); ok && err != nil {
		r.ReportError(err)
	}
}

// Functions 函数注册表，构造完成后只读，可在多个 goroutine 间共享
type Functions struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewFunctions 创建包含内置函数的注册表
func NewFunctions() *Functions {
	f := &Functions{funcs: make(map[string]Function)}
	f.registerBuiltinFunctions()
	return f
}

// Register 注册函数，名称不区分大小写，同名覆盖
func (f *Functions) Register(fn Function) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[strings.ToUpper(fn.Name())] = fn
}

// Lookup 查找函数
func (f *Functions) Lookup(name string) (Function, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[strings.ToUpper(name)]
	return fn, ok
}

// Names 返回已注册的函数名（排序）
func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.funcs))
	for name := range f.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckArity 校验参数个数，不匹配时返回错误描述
func CheckArity(fn Function, count int) error {
	lo, hi := fn.Arity()
	if count < lo || (hi != Variadic && count > hi) {
		want := fmt.Sprintf("%d", lo)
		switch {
		case hi == Variadic:
			want = fmt.Sprintf("at least %d", lo)
		case hi != lo:
			want = fmt.Sprintf("%d to %d", lo, hi)
		}
		return fmt.Errorf("Function '%s' expects %s arguments but got %d", fn.Name(), want, count)
	}
	return nil
}

// registerBuiltinFunctions 注册内置函数
func (f *Functions) registerBuiltinFunctions() {
	// 数学函数
	f.Register(&mathFunction{name: "ABS", desc: "返回数值的绝对值", apply: math.Abs})
	f.Register(&mathFunction{name: "SQRT", desc: "返回数值的平方根", apply: math.Sqrt})
	f.Register(&mathFunction{name: "FLOOR", desc: "向下取整", apply: math.Floor})
	f.Register(&mathFunction{name: "CEILING", desc: "向上取整", apply: math.Ceil})
	f.Register(&mathFunction{name: "LOG", desc: "自然对数", apply: math.Log})
	f.Register(&mathFunction{name: "EXP", desc: "自然指数", apply: math.Exp})
	f.Register(&RoundFunction{})
	f.Register(&PowFunction{})

	// 聚合函数，参数可以是数组或多个数值
	for name, desc := range map[string]string{
		"AVERAGE": "求平均值",
		"MIN":     "求最小值",
		"MAX":     "求最大值",
		"SUM":     "求和",
		"COUNT":   "统计为真的元素个数",
		"ANY":     "任一元素为真",
		"ALL":     "所有元素为真",
		"STND":    "总体标准差",
		"DELTA":   "末值减首值",
	} {
		f.Register(&AggregateFunction{name: name, desc: desc})
	}

	// 单位转换函数，包括历史上的拼写变体
	for _, name := range []string{"CELSIUS", "CELCIUS"} {
		f.Register(&unitFunction{name: name, desc: "华氏度转换为摄氏度", from: UnitFahrenheit, to: UnitCelsius,
			convert: func(x float64) float64 { return (x - 32) * 0.555555555555556 }})
	}
	for _, name := range []string{"FAHRENHEIT", "FARENHEIT", "FARHENHEIT"} {
		f.Register(&unitFunction{name: name, desc: "摄氏度转换为华氏度", from: UnitCelsius, to: UnitFahrenheit,
			convert: func(x float64) float64 { return 32 + x*1.8 }})
	}
	f.Register(&unitFunction{name: "METRIC", desc: "立方英尺每分钟转换为升每秒", from: UnitCFM, to: UnitLPS,
		convert: func(x float64) float64 { return x * 0.47194745 }})
	f.Register(&unitFunction{name: "PERCENTAGE", desc: "百分数转换为比例", from: UnitPercent, to: "",
		convert: func(x float64) float64 { return x * 0.01 }})
}

// 内置函数实现

type mathFunction struct {
	name  string
	desc  string
	apply func(float64) float64
}

func (f *mathFunction) Name() string { return f.name }
func (f *mathFunction) Description() string { return f.desc }
func (f *mathFunction) Arity() (int, int) { return 1, 1 }
func (f *mathFunction) Call(args ...Value) Value {
	if v, bad := propagate(args...); bad {
		return v
	}
	x, ok := args[0].Float()
	if !ok {
		return InvalidValue(ReasonInvalid)
	}
	return NumberValue(f.apply(x), args[0].Unit)
}

// RoundFunction ROUND(x) 或 ROUND(x, digits)
type RoundFunction struct{}

func (f *RoundFunction) Name() string { return "ROUND" }
func (f *RoundFunction) Description() string { return "四舍五入到指定小数位" }
func (f *RoundFunction) Arity() (int, int) { return 1, 2 }
func (f *RoundFunction) Call(args ...Value) Value {
	if v, bad := propagate(args...); bad {
		return v
	}
	x, ok := args[0].Float()
	if !ok {
		return InvalidValue(ReasonInvalid)
	}
	digits := 0.0
	if len(args) == 2 {
		if digits, ok = args[1].Float(); !ok {
			return InvalidValue(ReasonInvalid)
		}
	}
	scale := math.Pow(10, math.Trunc(digits))
	return NumberValue(math.Round(x*scale)/scale, args[0].Unit)
}

// PowFunction POW(x, y)
type PowFunction struct{}

func (f *PowFunction) Name() string { return "POW" }
func (f *PowFunction) Description() string { return "返回 x 的 y 次幂" }
func (f *PowFunction) Arity() (int, int) { return 2, 2 }
func (f *PowFunction) Call(args ...Value) Value {
	if v, bad := propagate(args...); bad {
		return v
	}
	x, okX := args[0].Float()
	y, okY := args[1].Float()
	if !okX || !okY {
		return InvalidValue(ReasonInvalid)
	}
	return NumberValue(math.Pow(x, y), "")
}

// AggregateFunction 对数组或参数列表做聚合
type AggregateFunction struct {
	name string
	desc string
}

func (f *AggregateFunction) Name() string { return f.name }
func (f *AggregateFunction) Description() string { return f.desc }
func (f *AggregateFunction) Arity() (int, int) { return 1, Variadic }
func (f *AggregateFunction) Call(args ...Value) Value {
	items := flatten(args)
	if len(items) == 0 {
		return InvalidValue(ReasonInsufficient)
	}
	if v, bad := propagate(items...); bad {
		return v
	}
	return Aggregate(f.name, items)
}

func flatten(args []Value) []Value {
	var items []Value
	for _, arg := range args {
		if arg.Kind == KindArray {
			items = append(items, flatten(arg.Items)...)
			continue
		}
		items = append(items, arg)
	}
	return items
}

// Aggregate 计算一组有效值的聚合结果，时间窗口聚合与数组聚合共用
func Aggregate(name string, items []Value) Value {
	if len(items) == 0 {
		return InvalidValue(ReasonInsufficient)
	}
	unit := items[0].Unit

	switch name {
	case "COUNT", "ANY", "ALL":
		count := 0
		for _, item := range items {
			if b, ok := item.Truth(); ok && b {
				count++
			}
		}
		switch name {
		case "ANY":
			return BoolValue(count > 0)
		case "ALL":
			return BoolValue(count == len(items))
		}
		return NumberValue(float64(count), "")
	}

	nums := make([]float64, 0, len(items))
	for _, item := range items {
		x, ok := item.Float()
		if !ok {
			return InvalidValue(ReasonInvalid)
		}
		nums = append(nums, x)
	}

	switch name {
	case "SUM":
		return NumberValue(sum(nums), unit)
	case "AVERAGE":
		return NumberValue(sum(nums)/float64(len(nums)), unit)
	case "MIN":
		m := nums[0]
		for _, x := range nums[1:] {
			m = math.Min(m, x)
		}
		return NumberValue(m, unit)
	case "MAX":
		m := nums[0]
		for _, x := range nums[1:] {
			m = math.Max(m, x)
		}
		return NumberValue(m, unit)
	case "DELTA":
		return NumberValue(nums[len(nums)-1]-nums[0], unit)
	case "STND":
		mean := sum(nums) / float64(len(nums))
		variance := 0.0
		for _, x := range nums {
			variance += (x - mean) * (x - mean)
		}
		return NumberValue(math.Sqrt(variance/float64(len(nums))), unit)
	}
	return FailedValue(fmt.Sprintf("Unknown aggregate '%s'", name))
}

func sum(nums []float64) float64 {
	total := 0.0
	for _, x := range nums {
		total += x
	}
	return total
}

// unitFunction 单位转换：输入单位与 from 一致时转换，已经是目标单位时原样返回
type unitFunction struct {
	name    string
	desc    string
	from    string
	to      string
	convert func(float64) float64
}

func (f *unitFunction) Name() string { return f.name }
func (f *unitFunction) Description() string { return f.desc }
func (f *unitFunction) Arity() (int, int) { return 1, 1 }
func (f *unitFunction) Call(args ...Value) Value {
	arg := args[0]
	if v, bad := propagate(arg); bad {
		return v
	}
	x, ok := arg.Float()
	if !ok {
		return InvalidValue(ReasonInvalid)
	}
	unit, _ := NormalizeUnit(arg.Unit)
	switch {
	case unit == f.from:
		return NumberValue(f.convert(x), f.to)
	case unit == f.to || unit == "":
		return NumberValue(x, f.to)
	}
	return InvalidValue(fmt.Sprintf("%s cannot convert unit '%s'", f.name, arg.Unit))
}
