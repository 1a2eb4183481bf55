package expression

import (
	"strings"
)

// Serialize 生成可重新解析的规范文本，只保留必要的括号
func Serialize(n Node) string {
	var sb strings.Builder
	writeNode(&sb, n)
	return sb.String()
}

func precedence(n Node) int {
	switch v := n.(type) {
	case *Binary:
		return binaryPower(v.Op)
	case *Unary:
		return powerUnary
	case *Number:
		if v.Value < 0 {
			return powerUnary
		}
	}
	return powerAtom
}

func binaryPower(op Op) int {
	switch op {
	case OpOr:
		return powerOr
	case OpAnd:
		return powerAnd
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return powerCompare
	case OpAdd, OpSub:
		return powerSum
	case OpMul, OpDiv, OpMod:
		return powerProduct
	case OpPow:
		return powerPower
	}
	return powerAtom
}

func writeNode(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case nil:
		sb.WriteString("null")
	case *Number:
		sb.WriteString(FormatNumber(v.Value))
		if v.Unit != "" {
			sb.WriteString("[" + v.Unit + "]")
		}
	case *Bool:
		if v.Value {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case *String:
		writeQuoted(sb, v.Value, '"')
	case *Null:
		sb.WriteString("null")
	case *Variable:
		writeName(sb, v.Name)
	case *Point:
		name := v.Name
		if name == "" {
			name = v.ID
		}
		writeName(sb, name)
	case *Property:
		writeOperand(sb, v.Target, powerAtom-1)
		sb.WriteString("." + v.Name)
	case *Unary:
		sb.WriteString(string(v.Op))
		writeOperand(sb, v.Operand, powerUnary)
	case *Binary:
		p := binaryPower(v.Op)
		if v.Op == OpPow {
			writeOperand(sb, v.Left, p)
			sb.WriteString("^")
			writeOperand(sb, v.Right, p-1)
			return
		}
		writeOperand(sb, v.Left, p-1)
		sb.WriteString(" " + string(v.Op) + " ")
		writeOperand(sb, v.Right, p)
	case *Call:
		writeCall(sb, v.Name, v.Args...)
	case *Temporal:
		args := []Node{v.Operand, v.Period}
		if v.Offset != nil {
			args = append(args, v.Offset)
		}
		writeCall(sb, v.Func, args...)
	case *Array:
		sb.WriteString("{")
		writeArgs(sb, v.Items)
		sb.WriteString("}")
	case *If:
		writeCall(sb, "IF", v.Cond, v.Then, v.Else)
	case *Option:
		name := "OPTION"
		if v.Tolerant {
			name = "TOLERANTOPTION"
		}
		writeCall(sb, name, v.Candidates...)
	case *Failed:
		sb.WriteString("FAILED(")
		if v.Message != "" {
			writeQuoted(sb, v.Message, '\'')
			if v.Original != nil {
				sb.WriteString(",")
			}
		}
		if v.Original != nil {
			writeNode(sb, v.Original)
		}
		sb.WriteString(")")
	}
}

// writeOperand 子表达式结合力不高于 limit 时加括号
func writeOperand(sb *strings.Builder, n Node, limit int) {
	if precedence(n) <= limit {
		sb.WriteString("(")
		writeNode(sb, n)
		sb.WriteString(")")
		return
	}
	writeNode(sb, n)
}

func writeCall(sb *strings.Builder, name string, args ...Node) {
	sb.WriteString(name)
	sb.WriteString("(")
	writeArgs(sb, args)
	sb.WriteString(")")
}

func writeArgs(sb *strings.Builder, args []Node) {
	for i, arg := range args {
		if i > 0 {
			sb.WriteString(",")
		}
		writeNode(sb, arg)
	}
}

func writeName(sb *strings.Builder, name string) {
	if IsSimpleName(name) {
		sb.WriteString(name)
		return
	}
	sb.WriteString("[" + name + "]")
}

func writeQuoted(sb *strings.Builder, s string, quote byte) {
	sb.WriteByte(quote)
	for i := 0; i < len(s); i++ {
		if s[i] == quote || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte(quote)
}
