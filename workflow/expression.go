package workflow

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// 受限表达式语言, 给 custom_formula 审批人使用
// 支持: 字面量('..' ".." 数字 true false null), 点分路径, == != > >= < <=,
// && || !, ?? 空值合并, c ? a : b, 括号
// && || 返回被选中的操作数本身, record.approver_id || 'u-director' 得到字符串
// 不支持函数调用和赋值, 求值没有任何副作用
// 比较运算和条件判断走同一套规则(valuesEqual/compareOrdered)

type Expression struct {
	source string
	root   exprNode
}

// CompileExpression 编译表达式, 配置加载时调用, 语法错误直接返回
func CompileExpression(source string) (*Expression, error) {
	tokens, err := lexExpression(source)
	if err != nil {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "lex %q failed: %v", source, err)
	}
	p := &exprParser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "parse %q failed: %v", source, err)
	}
	if p.peek().kind != tokEOF {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "parse %q failed: unexpected %q", source, p.peek().text)
	}
	return &Expression{source: source, root: root}, nil
}

func (e *Expression) String() string {
	return e.source
}

// Evaluate 在 env 上求值, 缺失的路径得到 nil
func (e *Expression) Evaluate(env map[string]any) (any, error) {
	if e == nil || e.root == nil {
		return nil, errors.WithMessage(ErrExpressionInvalid, "empty expression")
	}
	return e.root.eval(env)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOperator
	tokLParen
	tokRParen
	tokQuestion
	tokColon
)

type exprToken struct {
	kind tokenKind
	text string
	pos  int
}

var twoCharOperators = []string{"==", "!=", ">=", "<=", "&&", "||", "??"}

func lexExpression(src string) ([]exprToken, error) {
	tokens := make([]exprToken, 0)
	i := 0
	for i < len(src) {
		ch := rune(src[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, exprToken{kind: tokLParen, text: "(", pos: i})
			i++
		case ch == ')':
			tokens = append(tokens, exprToken{kind: tokRParen, text: ")", pos: i})
			i++
		case ch == '\'' || ch == '"':
			quote := src[i]
			var sb strings.Builder
			j := i + 1
			closed := false
			for j < len(src) {
				if src[j] == '\\' && j+1 < len(src) {
					sb.WriteByte(src[j+1])
					j += 2
					continue
				}
				if src[j] == quote {
					closed = true
					break
				}
				sb.WriteByte(src[j])
				j++
			}
			if !closed {
				return nil, errors.Errorf("unterminated string at %d", i)
			}
			tokens = append(tokens, exprToken{kind: tokString, text: sb.String(), pos: i})
			i = j + 1
		case unicode.IsDigit(ch):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, exprToken{kind: tokNumber, text: src[i:j], pos: i})
			i = j
		case ch == '_' || unicode.IsLetter(ch):
			j := i
			for j < len(src) && (src[j] == '_' || src[j] == '.' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			tokens = append(tokens, exprToken{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			if i+1 < len(src) {
				pair := src[i : i+2]
				matched := false
				for _, op := range twoCharOperators {
					if pair == op {
						tokens = append(tokens, exprToken{kind: tokOperator, text: op, pos: i})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			switch ch {
			case '>', '<', '!':
				tokens = append(tokens, exprToken{kind: tokOperator, text: string(ch), pos: i})
			case '?':
				tokens = append(tokens, exprToken{kind: tokQuestion, text: "?", pos: i})
			case ':':
				tokens = append(tokens, exprToken{kind: tokColon, text: ":", pos: i})
			default:
				return nil, errors.Errorf("unexpected character %q at %d", ch, i)
			}
			i++
		}
	}
	tokens = append(tokens, exprToken{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

// 优先级: ?: < ?? < || < && < 比较
const (
	precTernary  = 1
	precCoalesce = 2
	precOr       = 3
	precAnd      = 4
	precCompare  = 5
)

func binaryPrecedence(tok exprToken) int {
	if tok.kind == tokQuestion {
		return precTernary
	}
	if tok.kind != tokOperator {
		return 0
	}
	switch tok.text {
	case "??":
		return precCoalesce
	case "||":
		return precOr
	case "&&":
		return precAnd
	case "==", "!=", ">", ">=", "<", "<=":
		return precCompare
	}
	return 0
}

type exprParser struct {
	tokens []exprToken
	pos    int
}

func (p *exprParser) peek() exprToken {
	return p.tokens[p.pos]
}

func (p *exprParser) next() exprToken {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *exprParser) parseExpression(minPrec int) (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec := binaryPrecedence(tok)
		if prec == 0 || prec <= minPrec {
			return left, nil
		}
		p.next()
		if tok.kind == tokQuestion {
			// 三元右结合
			then, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if p.peek().kind != tokColon {
				return nil, errors.Errorf("expected ':' at %d", p.peek().pos)
			}
			p.next()
			otherwise, err := p.parseExpression(precTernary - 1)
			if err != nil {
				return nil, err
			}
			left = &ternaryNode{cond: left, then: then, otherwise: otherwise}
			continue
		}
		right, err := p.parseExpression(prec)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tok.text, left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (exprNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokOperator:
		if tok.text == "!" {
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &notNode{operand: operand}, nil
		}
		return nil, errors.Errorf("unexpected operator %q at %d", tok.text, tok.pos)
	case tokLParen:
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, errors.Errorf("expected ')' after position %d", tok.pos)
		}
		return inner, nil
	case tokString:
		return &literalNode{value: tok.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, errors.Errorf("bad number %q at %d", tok.text, tok.pos)
		}
		return &literalNode{value: f}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil", "undefined":
			return &literalNode{value: nil}, nil
		}
		if strings.HasPrefix(tok.text, ".") || strings.HasSuffix(tok.text, ".") || strings.Contains(tok.text, "..") {
			return nil, errors.Errorf("bad path %q at %d", tok.text, tok.pos)
		}
		return &pathNode{keys: strings.Split(tok.text, ".")}, nil
	case tokEOF:
		return nil, errors.New("unexpected end of expression")
	}
	return nil, errors.Errorf("unexpected %q at %d", tok.text, tok.pos)
}

type exprNode interface {
	eval(env map[string]any) (any, error)
}

type literalNode struct {
	value any
}

func (n *literalNode) eval(map[string]any) (any, error) {
	return n.value, nil
}

type pathNode struct {
	keys []string
}

func (n *pathNode) eval(env map[string]any) (any, error) {
	v, _ := lookupPath(env, n.keys)
	return v, nil
}

type notNode struct {
	operand exprNode
}

func (n *notNode) eval(env map[string]any) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	return !isTruthy(v), nil
}

type ternaryNode struct {
	cond, then, otherwise exprNode
}

func (n *ternaryNode) eval(env map[string]any) (any, error) {
	c, err := n.cond.eval(env)
	if err != nil {
		return nil, err
	}
	if isTruthy(c) {
		return n.then.eval(env)
	}
	return n.otherwise.eval(env)
}

type binaryNode struct {
	op          string
	left, right exprNode
}

func (n *binaryNode) eval(env map[string]any) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	// 短路
	switch n.op {
	case "&&":
		if !isTruthy(left) {
			return left, nil
		}
		return n.right.eval(env)
	case "||":
		if isTruthy(left) {
			return left, nil
		}
		return n.right.eval(env)
	case "??":
		if !isEmptyValue(left) {
			return left, nil
		}
		return n.right.eval(env)
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	}
	if left == nil || right == nil {
		return false, nil
	}
	cmp, err := compareOrdered(left, right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	}
	return nil, errors.Errorf("unsupported operator %s", n.op)
}
