package expression

import (
	"fmt"
	"math"
	"strings"
)

// 运算符结合力
const (
	powerOr      = 10
	powerAnd     = 20
	powerCompare = 30
	powerSum     = 40
	powerProduct = 50
	powerUnary   = 55
	powerPower   = 60
	powerAtom    = 100
)

type parser struct {
	tokens []Token
	pos    int
}

// Parse 将表达式文本解析为语法树
//
// Parse 不会返回错误：语法错误被表示为 *Failed 节点，原始文本保存在节点中，
// 以便绑定和描述渲染阶段继续处理其余参数。
func Parse(text string) Node {
	if strings.TrimSpace(text) == "" {
		return NewFailed("Empty expression", nil)
	}

	tokens, err := Tokenize(text)
	if err != nil {
		return NewFailed(err.Error(), &String{Value: text})
	}

	p := &parser{tokens: tokens}
	n, err := p.parseExpression(0)
	if err == nil {
		// 末尾的分号可以忽略
		for p.peek().Kind == TokenOperator && p.peek().Text == ";" {
			p.next()
		}
		if tok := p.peek(); tok.Kind != TokenEOF {
			err = &SyntaxError{Pos: tok.Pos, Message: fmt.Sprintf("unexpected %s, expected an operator, comma or end of expression", tok)}
		}
	}
	if err != nil {
		return NewFailed(err.Error(), &String{Value: text})
	}
	return n
}

func (p *parser) peek() Token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) Token {
	if p.pos+offset >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Kind != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.next()
	if tok.Kind != kind {
		return tok, &SyntaxError{Pos: tok.Pos, Message: fmt.Sprintf("expected %s but found %s", kind, tok)}
	}
	return tok, nil
}

// parseExpression Pratt 解析主循环
func (p *parser) parseExpression(rbp int) (Node, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		op, lbp, ok := infixOperator(tok, p.peekAt(1))
		if !ok || lbp <= rbp {
			return left, nil
		}
		p.next()

		next := lbp
		if op == OpPow {
			next = lbp - 1
		}
		right, err := p.parseExpression(next)
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

// infixOperator 判断词法单元是否为中缀运算符
func infixOperator(tok, following Token) (Op, int, bool) {
	switch tok.Kind {
	case TokenIdent:
		switch strings.ToUpper(tok.Text) {
		case "AND":
			return OpAnd, powerAnd, true
		case "OR":
			return OpOr, powerOr, true
		}
		return "", 0, false
	case TokenOperator:
	default:
		return "", 0, false
	}

	switch tok.Text {
	case "|", "||":
		return OpOr, powerOr, true
	case "&", "&&":
		return OpAnd, powerAnd, true
	case ";":
		// 分号在表达式中间等同于 AND
		if following.Kind == TokenEOF {
			return "", 0, false
		}
		return OpAnd, powerAnd, true
	case "=", "==":
		return OpEq, powerCompare, true
	case "!=", "<>":
		return OpNe, powerCompare, true
	case "<":
		return OpLt, powerCompare, true
	case "<=":
		return OpLe, powerCompare, true
	case ">":
		return OpGt, powerCompare, true
	case ">=":
		return OpGe, powerCompare, true
	case "+":
		return OpAdd, powerSum, true
	case "-":
		return OpSub, powerSum, true
	case "*":
		return OpMul, powerProduct, true
	case "/":
		return OpDiv, powerProduct, true
	case "%":
		return OpMod, powerProduct, true
	case "^":
		return OpPow, powerPower, true
	}
	return "", 0, false
}

func (p *parser) parsePrefix() (Node, error) {
	tok := p.next()
	switch tok.Kind {
	case TokenNumber:
		return p.parseUnit(&Number{Value: tok.Num})

	case TokenString:
		return &String{Value: tok.Text}, nil

	case TokenRef:
		if tok.Text == "" {
			return nil, &SyntaxError{Pos: tok.Pos, Message: "empty reference '[]'"}
		}
		return p.parseMembers(&Variable{Name: tok.Text})

	case TokenIdent:
		return p.parseIdentifier(tok)

	case TokenLParen:
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		inner, err = p.parseUnit(inner)
		if err != nil {
			return nil, err
		}
		return p.parseMembers(inner)

	case TokenLBrace:
		items, err := p.parseList(TokenRBrace)
		if err != nil {
			return nil, err
		}
		return &Array{Items: items}, nil

	case TokenOperator:
		switch tok.Text {
		case "-":
			operand, err := p.parseExpression(powerUnary)
			if err != nil {
				return nil, err
			}
			if n, ok := operand.(*Number); ok {
				return &Number{Value: -n.Value, Unit: n.Unit}, nil
			}
			return &Unary{Op: OpSub, Operand: operand}, nil
		case "+":
			return p.parseExpression(powerUnary)
		case "!":
			operand, err := p.parseExpression(powerUnary)
			if err != nil {
				return nil, err
			}
			return &Unary{Op: OpNot, Operand: operand}, nil
		}
	}

	if tok.Kind == TokenEOF {
		return nil, &SyntaxError{Pos: tok.Pos, Message: "incomplete expression"}
	}
	return nil, &SyntaxError{Pos: tok.Pos, Message: fmt.Sprintf("unexpected %s", tok)}
}

func (p *parser) parseIdentifier(tok Token) (Node, error) {
	switch strings.ToUpper(tok.Text) {
	case "TRUE":
		return &Bool{Value: true}, nil
	case "FALSE":
		return &Bool{Value: false}, nil
	case "NULL":
		return &Null{}, nil
	case "PI":
		return &Number{Value: math.Pi}, nil
	case "NOT":
		operand, err := p.parseExpression(powerUnary)
		if err != nil {
			return nil, err
		}
		return &Unary{Op: OpNot, Operand: operand}, nil
	case "AND", "OR":
		return nil, &SyntaxError{Pos: tok.Pos, Message: fmt.Sprintf("missing argument before %s", tok.Text)}
	}

	if p.peek().Kind == TokenLParen {
		p.next()
		args, err := p.parseList(TokenRParen)
		if err != nil {
			return nil, err
		}
		call, err := buildCall(tok, args)
		if err != nil {
			return nil, err
		}
		return p.parseMembers(call)
	}

	return p.parseMembers(&Variable{Name: tok.Text})
}

// parseMembers 处理 a.b.c 形式的属性访问
func (p *parser) parseMembers(target Node) (Node, error) {
	for p.peek().Kind == TokenDot {
		p.next()
		name := p.next()
		if name.Kind != TokenIdent {
			return nil, &SyntaxError{Pos: name.Pos, Message: "expected a property name after '.'"}
		}
		target = &Property{Target: target, Name: name.Text}
	}
	return target, nil
}

// parseUnit 处理数值或括号表达式后的单位后缀：5h、5°C、10%、5[degC]、(5+5)h
func (p *parser) parseUnit(n Node) (Node, error) {
	tok := p.peek()
	unit := ""

	switch tok.Kind {
	case TokenIdent:
		if isKeyword(tok.Text) || p.peekAt(1).Kind == TokenLParen || p.peekAt(1).Kind == TokenDot {
			return n, nil
		}
		if normalized, known := NormalizeUnit(tok.Text); known {
			unit = normalized
		} else if tok.Adjacent {
			unit = tok.Text
		}
	case TokenRef:
		if tok.Adjacent {
			unit, _ = NormalizeUnit(tok.Text)
			if unit == "" {
				unit = tok.Text
			}
		}
	case TokenOperator:
		// 10% 是百分比，10 % 3 是取模
		if tok.Text == "%" && tok.Adjacent && !startsOperand(p.peekAt(1)) {
			unit = "%"
		}
	}

	if unit == "" {
		return n, nil
	}
	p.next()

	if num, ok := n.(*Number); ok {
		return &Number{Value: num.Value, Unit: unit}, nil
	}
	// 非常量表达式的单位通过乘以带单位的 1 表达
	return &Binary{Op: OpMul, Left: n, Right: &Number{Value: 1, Unit: unit}}, nil
}

func startsOperand(tok Token) bool {
	switch tok.Kind {
	case TokenNumber, TokenString, TokenRef, TokenLParen, TokenLBrace:
		return true
	case TokenIdent:
		upper := strings.ToUpper(tok.Text)
		return upper != "AND" && upper != "OR"
	}
	return false
}

// parseList 解析逗号分隔的参数列表直到结束符
func (p *parser) parseList(end TokenKind) ([]Node, error) {
	var items []Node
	if p.peek().Kind == end {
		p.next()
		return items, nil
	}
	for {
		item, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		items = append(items, item)

		tok := p.next()
		switch tok.Kind {
		case TokenComma:
			continue
		case end:
			return items, nil
		default:
			return nil, &SyntaxError{Pos: tok.Pos, Message: fmt.Sprintf("expected ',' or %s but found %s", end, tok)}
		}
	}
}

// buildCall 根据函数名构造特殊节点
func buildCall(name Token, args []Node) (Node, error) {
	upper := strings.ToUpper(name.Text)
	switch upper {
	case "FAILED":
		switch len(args) {
		case 0:
			return NewFailed("", nil), nil
		case 1:
			if s, ok := args[0].(*String); ok {
				return NewFailed(s.Value, nil), nil
			}
			return NewFailed("", args[0]), nil
		case 2:
			if s, ok := args[0].(*String); ok {
				return NewFailed(s.Value, args[1]), nil
			}
		}
		return nil, &SyntaxError{Pos: name.Pos, Message: fmt.Sprintf("FAILED() does not take %d arguments", len(args))}

	case "OPTION", "TOLERANTOPTION":
		if len(args) == 0 {
			return nil, &SyntaxError{Pos: name.Pos, Message: upper + "() needs at least one argument"}
		}
		return &Option{Candidates: args, Tolerant: upper == "TOLERANTOPTION"}, nil

	case "IF":
		if len(args) != 3 {
			return nil, &SyntaxError{Pos: name.Pos, Message: "IF() needs three arguments"}
		}
		return &If{Cond: args[0], Then: args[1], Else: args[2]}, nil
	}

	if TemporalFunctions[upper] && len(args) > 1 {
		switch len(args) {
		case 2:
			return &Temporal{Func: upper, Operand: args[0], Period: args[1]}, nil
		case 3:
			return &Temporal{Func: upper, Operand: args[0], Period: args[1], Offset: args[2]}, nil
		}
		return nil, &SyntaxError{Pos: name.Pos, Message: fmt.Sprintf("%s() does not take %d arguments", upper, len(args))}
	}

	return &Call{Name: name.Text, Args: args}, nil
}
