package expression

// Node 表达式语法树节点
//
// 节点集合是封闭的：只有本包内的类型实现 Node。所有遍历（序列化、求值、
// 绑定）都以 type switch 穷举各个变体。
type Node interface {
	node()
}

// Op 运算符
type Op string

const (
	OpAdd Op = "+"
	OpSub Op = "-"
	OpMul Op = "*"
	OpDiv Op = "/"
	OpMod Op = "%"
	OpPow Op = "^"
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLe  Op = "<="
	OpGt  Op = ">"
	OpGe  Op = ">="
	OpAnd Op = "&"
	OpOr  Op = "|"
	OpNot Op = "!"
)

// Number 数值常量，字面量统一为 float64
type Number struct {
	Value float64
	Unit  string
}

// Bool 布尔常量
type Bool struct {
	Value bool
}

// String 字符串常量
type String struct {
	Value string
}

// Null 空值常量
type Null struct{}

// Variable 未绑定的标识符或方括号引用
type Variable struct {
	Name string
}

// Point 已绑定到具体时序点位的引用
type Point struct {
	ID   string
	Name string
	Unit string
}

// Property 属性访问，如 this.ratedPower
type Property struct {
	Target Node
	Name   string
}

// Unary 一元运算
type Unary struct {
	Op      Op
	Operand Node
}

// Binary 二元运算
type Binary struct {
	Op    Op
	Left  Node
	Right Node
}

// Call 函数调用（内置函数、宏、外部注册函数如模型预测）
type Call struct {
	Name string
	Args []Node
}

// Temporal 时间窗口聚合，如 AVERAGE([temp], 1h, -1d)
type Temporal struct {
	Func    string
	Operand Node
	Period  Node
	Offset  Node
}

// Array 数组字面量 {a, b, c}
type Array struct {
	Items []Node
}

// If 条件表达式 IF(cond, a, b)
type If struct {
	Cond Node
	Then Node
	Else Node
}

// Option 备选点位选择；Tolerant 时保留所有可绑定的候选，在每个时间步取第一个有效值
type Option struct {
	Candidates []Node
	Tolerant   bool
}

// Failed 以数据形式表示的错误，携带消息与原始表达式
type Failed struct {
	Message  string
	Original Node
}

func (*Number) node()   {}
func (*Bool) node()     {}
func (*String) node()   {}
func (*Null) node()     {}
func (*Variable) node() {}
func (*Point) node()    {}
func (*Property) node() {}
func (*Unary) node()    {}
func (*Binary) node()   {}
func (*Call) node()     {}
func (*Temporal) node() {}
func (*Array) node()    {}
func (*If) node()       {}
func (*Option) node()   {}
func (*Failed) node()   {}

// NewFailed 创建错误节点
func NewFailed(message string, original Node) *Failed {
	return &Failed{Message: message, Original: original}
}

// TemporalFunctions 支持时间窗口参数的聚合函数
var TemporalFunctions = map[string]bool{
	"AVERAGE":  true,
	"MIN":      true,
	"MAX":      true,
	"SUM":      true,
	"COUNT":    true,
	"ANY":      true,
	"ALL":      true,
	"DELTA":    true,
	"STND":     true,
	"SLOPE":    true,
	"FORECAST": true,
}
