package expression

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind 词法单元类型
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenNumber
	TokenString
	TokenIdent
	TokenRef // [bracketed reference]
	TokenOperator
	TokenLParen
	TokenRParen
	TokenLBrace
	TokenRBrace
	TokenComma
	TokenDot
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of expression"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenIdent:
		return "identifier"
	case TokenRef:
		return "reference"
	case TokenOperator:
		return "operator"
	case TokenLParen:
		return "'('"
	case TokenRParen:
		return "')'"
	case TokenLBrace:
		return "'{'"
	case TokenRBrace:
		return "'}'"
	case TokenComma:
		return "','"
	case TokenDot:
		return "'.'"
	default:
		return "token"
	}
}

// Token 词法单元
type Token struct {
	Kind TokenKind
	Text string
	Num  float64
	Pos  int
	// Adjacent 与前一个词法单元之间没有空白
	Adjacent bool
}

func (t Token) String() string {
	if t.Kind == TokenEOF {
		return t.Kind.String()
	}
	return fmt.Sprintf("'%s'", t.Text)
}

// SyntaxError 词法/语法错误
type SyntaxError struct {
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("Syntax error at %d: %s", e.Pos, e.Message)
}

var twoCharOperators = map[string]bool{
	"==": true, "!=": true, "<>": true, "<=": true, ">=": true, "&&": true, "||": true,
}

// Tokenize 将表达式文本切分为词法单元
func Tokenize(input string) ([]Token, error) {
	var tokens []Token
	i := 0
	adjacent := false
	for i < len(input) {
		r, size := utf8.DecodeRuneInString(input[i:])
		if unicode.IsSpace(r) {
			i += size
			adjacent = false
			continue
		}

		start := i
		tok := Token{Pos: start, Adjacent: adjacent && len(tokens) > 0}

		switch {
		case isDigit(r) || (r == '.' && i+1 < len(input) && isDigit(rune(input[i+1]))):
			end := scanNumber(input, i)
			v, err := strconv.ParseFloat(input[i:end], 64)
			if err != nil {
				return nil, &SyntaxError{Pos: start, Message: fmt.Sprintf("invalid number '%s'", input[i:end])}
			}
			tok.Kind, tok.Text, tok.Num = TokenNumber, input[i:end], v
			i = end

		case r == '"' || r == '\'':
			text, end, err := scanString(input, i, byte(r))
			if err != nil {
				return nil, err
			}
			tok.Kind, tok.Text = TokenString, text
			i = end

		case r == '[':
			end := strings.IndexByte(input[i+1:], ']')
			if end < 0 {
				return nil, &SyntaxError{Pos: start, Message: "missing closing ']'"}
			}
			tok.Kind, tok.Text = TokenRef, strings.TrimSpace(input[i+1:i+1+end])
			i += end + 2

		case isIdentStart(r) || r == '°':
			end := scanIdent(input, i)
			tok.Kind, tok.Text = TokenIdent, input[i:end]
			i = end

		case r == '(':
			tok.Kind, tok.Text = TokenLParen, "("
			i++
		case r == ')':
			tok.Kind, tok.Text = TokenRParen, ")"
			i++
		case r == '{':
			tok.Kind, tok.Text = TokenLBrace, "{"
			i++
		case r == '}':
			tok.Kind, tok.Text = TokenRBrace, "}"
			i++
		case r == ',':
			tok.Kind, tok.Text = TokenComma, ","
			i++
		case r == '.':
			tok.Kind, tok.Text = TokenDot, "."
			i++

		default:
			if i+2 <= len(input) && twoCharOperators[input[i:i+2]] {
				tok.Kind, tok.Text = TokenOperator, input[i:i+2]
				i += 2
				break
			}
			if strings.ContainsRune("+-*/^%=<>&|!;", r) {
				tok.Kind, tok.Text = TokenOperator, string(r)
				i += size
				break
			}
			return nil, &SyntaxError{Pos: start, Message: fmt.Sprintf("unexpected character '%c'", r)}
		}

		tokens = append(tokens, tok)
		adjacent = true
	}
	tokens = append(tokens, Token{Kind: TokenEOF, Pos: len(input)})
	return tokens, nil
}

func scanNumber(input string, i int) int {
	for i < len(input) && isDigit(rune(input[i])) {
		i++
	}
	if i < len(input) && input[i] == '.' && i+1 < len(input) && isDigit(rune(input[i+1])) {
		i++
		for i < len(input) && isDigit(rune(input[i])) {
			i++
		}
	}
	// 指数部分，仅当 e 后紧跟数字或符号加数字
	if i < len(input) && (input[i] == 'e' || input[i] == 'E') {
		j := i + 1
		if j < len(input) && (input[j] == '+' || input[j] == '-') {
			j++
		}
		if j < len(input) && isDigit(rune(input[j])) {
			i = j
			for i < len(input) && isDigit(rune(input[i])) {
				i++
			}
		}
	}
	return i
}

func scanString(input string, i int, quote byte) (string, int, error) {
	var sb strings.Builder
	j := i + 1
	for j < len(input) {
		c := input[j]
		switch {
		case c == '\\' && j+1 < len(input):
			sb.WriteByte(input[j+1])
			j += 2
		case c == quote:
			return sb.String(), j + 1, nil
		default:
			sb.WriteByte(c)
			j++
		}
	}
	return "", 0, &SyntaxError{Pos: i, Message: "unterminated string"}
}

func scanIdent(input string, i int) int {
	start := i
	for i < len(input) {
		r, size := utf8.DecodeRuneInString(input[i:])
		if !isIdentPart(r) && !(r == '°' && i == start) {
			break
		}
		i += size
	}
	// dtmi:com:example:Model;1 形式的模型标识
	if strings.EqualFold(input[start:i], "dtmi") && i < len(input) && input[i] == ':' {
		for i < len(input) {
			r, size := utf8.DecodeRuneInString(input[i:])
			if !isIdentPart(r) && r != ':' && r != ';' {
				break
			}
			i += size
		}
	}
	return i
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

// IsSimpleName 判断名称是否可以不带方括号直接书写
func IsSimpleName(name string) bool {
	if name == "" || isKeyword(name) {
		return false
	}
	if strings.HasPrefix(strings.ToLower(name), "dtmi:") {
		return scanIdent(name, 0) == len(name)
	}
	for i, r := range name {
		if i == 0 && !isIdentStart(r) {
			return false
		}
		if !isIdentPart(r) {
			return false
		}
	}
	return true
}

func isKeyword(name string) bool {
	switch strings.ToUpper(name) {
	case "AND", "OR", "NOT", "TRUE", "FALSE", "NULL", "PI":
		return true
	}
	return false
}
