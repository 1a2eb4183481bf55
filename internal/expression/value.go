package expression

import (
	"math"
	"strconv"
	"strings"
)

// Kind 求值结果类型
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindBool
	KindString
	KindArray
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// 无效原因
const (
	ReasonMissing      = "Missing value"
	ReasonInvalid      = "Invalid Value"
	ReasonInsufficient = "Insufficient Data"
)

// Value 单个时间步的求值结果
type Value struct {
	Kind  Kind    `json:"k"`
	Num   float64 `json:"n,omitempty"`
	Bool  bool    `json:"b,omitempty"`
	Str   string  `json:"s,omitempty"`
	Unit  string  `json:"u,omitempty"`
	Items []Value `json:"i,omitempty"`
	// Reason 无效或失败的原因
	Reason string `json:"r,omitempty"`
}

// NumberValue 创建数值结果
func NumberValue(v float64, unit string) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return InvalidValue(ReasonInvalid)
	}
	return Value{Kind: KindNumber, Num: v, Unit: unit}
}

// BoolValue 创建布尔结果
func BoolValue(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// StringValue 创建字符串结果
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// ArrayValue 创建数组结果
func ArrayValue(items []Value) Value {
	return Value{Kind: KindArray, Items: items}
}

// InvalidValue 创建无效结果
func InvalidValue(reason string) Value {
	return Value{Kind: KindInvalid, Reason: reason}
}

// FailedValue 创建失败结果
func FailedValue(message string) Value {
	return Value{Kind: KindFailed, Reason: message}
}

// IsValid 是否为可用的值
func (v Value) IsValid() bool {
	return v.Kind != KindInvalid && v.Kind != KindFailed
}

// Float 转换为数值，布尔值按 1/0 处理
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Truth 转换为布尔值，数值非零为真
func (v Value) Truth() (bool, bool) {
	switch v.Kind {
	case KindBool:
		return v.Bool, true
	case KindNumber:
		return v.Num != 0, true
	}
	return false, false
}

// Equal 按值比较，数值比较 float64 本身而不是字面量文本
func (v Value) Equal(other Value) bool {
	if v.Kind == KindString || other.Kind == KindString {
		return v.Kind == other.Kind && v.Str == other.Str
	}
	if v.Kind == KindArray || other.Kind == KindArray {
		if v.Kind != other.Kind || len(v.Items) != len(other.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(other.Items[i]) {
				return false
			}
		}
		return true
	}
	a, okA := v.Float()
	b, okB := other.Float()
	if okA && okB {
		return a == b
	}
	return v.Kind == other.Kind && v.Reason == other.Reason
}

// String 用于描述文本的格式化
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return FormatNumber(v.Num)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return v.Str
	case KindArray:
		parts := make([]string, len(v.Items))
		for i, item := range v.Items {
			parts[i] = item.String()
		}
		return "{" + strings.Join(parts, ",") + "}"
	case KindFailed:
		return "FAILED(" + v.Reason + ")"
	default:
		if v.Reason != "" {
			return v.Reason
		}
		return ReasonInvalid
	}
}

// FormatNumber 数值的规范文本：整数不带小数部分
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// propagate 返回参数中第一个失败值，其次第一个无效值
func propagate(values ...Value) (Value, bool) {
	for _, v := range values {
		if v.Kind == KindFailed {
			return v, true
		}
	}
	for _, v := range values {
		if v.Kind == KindInvalid {
			return v, true
		}
	}
	return Value{}, false
}
