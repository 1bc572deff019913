// ABOUTME: Recursive-descent parser for the PowerShell script grammar
// ABOUTME: Switches between command and expression mode the way the shell does

package script

import "strings"

type parser struct {
	src   string
	toks  []Token
	i     int
	depth int
}

var unsupportedKeywords = map[string]bool{
	"class": true, "enum": true, "data": true, "using": true, "trap": true,
	"workflow": true, "configuration": true, "begin": true, "process": true,
	"end": true, "dynamicparam": true, "parallel": true, "sequence": true,
	"inlinescript": true, "clean": true,
}

var logicalOps = map[string]bool{"and": true, "or": true, "xor": true}

var comparisonOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "ge": true, "lt": true, "le": true,
	"like": true, "notlike": true, "match": true, "notmatch": true,
	"replace": true, "contains": true, "notcontains": true, "in": true,
	"notin": true, "split": true, "join": true, "is": true, "isnot": true,
	"as": true,
}

var bitwiseOps = map[string]bool{"band": true, "bor": true, "bxor": true, "shl": true, "shr": true}

// Parse parses a complete script
func Parse(src string) (*ScriptBlock, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	sb, err := p.parseScriptBlockBody(EOF)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Kind != EOF {
		return nil, p.unexpected(tok)
	}
	return sb, nil
}

func (p *parser) peek() Token {
	return p.toks[p.i]
}

func (p *parser) peekAt(n int) Token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) next() Token {
	tok := p.toks[p.i]
	if tok.Kind != EOF {
		p.i++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.peek()
	if tok.Kind != kind {
		return tok, newSyntaxError(tok.Pos, "expected %s but found %s", kind, tok.describe())
	}
	return p.next(), nil
}

func (p *parser) unexpected(tok Token) error {
	return newSyntaxError(tok.Pos, "unexpected %s", tok.describe())
}

func (p *parser) enter(pos Pos) error {
	p.depth++
	if p.depth > MaxDepth {
		return newSyntaxError(pos, "nesting exceeds the maximum depth of %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

func (p *parser) skipNewlines() {
	for p.peek().Kind == Newline {
		p.next()
	}
}

func (p *parser) skipTerminators() {
	for k := p.peek().Kind; k == Newline || k == Semicolon; k = p.peek().Kind {
		p.next()
	}
}

func isKeyword(tok Token, kw string) bool {
	return tok.Kind == Word && strings.EqualFold(tok.Text, kw)
}

// peekKeywordAcrossNewlines reports whether kw follows, skipping blank lines
func (p *parser) peekKeywordAcrossNewlines(kw string) bool {
	for j := p.i; j < len(p.toks); j++ {
		switch {
		case p.toks[j].Kind == Newline:
			continue
		case isKeyword(p.toks[j], kw):
			return true
		}
		return false
	}
	return false
}

func (p *parser) parseScriptBlockBody(end TokenKind) (*ScriptBlock, error) {
	sb := &ScriptBlock{Pos: p.peek().Pos}
	p.skipTerminators()

	param, err := p.tryParamBlock()
	if err != nil {
		return nil, err
	}
	sb.Param = param

	stmts, err := p.parseStatementList(end)
	if err != nil {
		return nil, err
	}
	sb.Statements = stmts
	return sb, nil
}

func (p *parser) parseStatementList(end TokenKind) ([]Statement, error) {
	var stmts []Statement
	for {
		p.skipTerminators()
		tok := p.peek()
		if tok.Kind == end || tok.Kind == EOF {
			return stmts, nil
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)

		switch tok := p.peek(); tok.Kind {
		case Newline, Semicolon, EOF:
		default:
			if tok.Kind != end {
				return nil, p.unexpected(tok)
			}
		}
	}
}

func (p *parser) parseBlock() (*Block, error) {
	open, err := p.expect(LBrace)
	if err != nil {
		return nil, err
	}
	if err := p.enter(open.Pos); err != nil {
		return nil, err
	}
	defer p.leave()

	stmts, err := p.parseStatementList(RBrace)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(RBrace); err != nil {
		return nil, err
	}
	return &Block{Pos: open.Pos, Statements: stmts}, nil
}

func (p *parser) parseStatement() (Statement, error) {
	tok := p.peek()
	if err := p.enter(tok.Pos); err != nil {
		return nil, err
	}
	defer p.leave()

	if tok.Kind == Word {
		kw := strings.ToLower(tok.Text)
		switch kw {
		case "if":
			return p.parseIf()
		case "foreach":
			return p.parseForeach()
		case "for":
			return p.parseFor()
		case "while":
			return p.parseWhile()
		case "do":
			return p.parseDo()
		case "switch":
			return p.parseSwitch()
		case "try":
			return p.parseTry()
		case "function", "filter":
			return p.parseFunction()
		case "return", "throw", "exit":
			return p.parseFlow(true)
		case "break", "continue":
			return p.parseFlow(false)
		case "param":
			return nil, newSyntaxError(tok.Pos, "param block must be the first statement")
		case "else", "elseif", "catch", "finally", "until", "in":
			return nil, p.unexpected(tok)
		}
		if unsupportedKeywords[kw] {
			return nil, newSyntaxError(tok.Pos, "the %q keyword is not supported", tok.Text)
		}
	}
	return p.parsePipelineChain()
}

func (p *parser) parseFlow(valued bool) (Statement, error) {
	kw := p.next()
	stmt := &FlowStmt{Pos: kw.Pos, Keyword: strings.ToLower(kw.Text)}
	tok := p.peek()
	if !valued {
		if tok.Kind == Word {
			stmt.Label = p.next().Text
		}
		return stmt, nil
	}
	switch tok.Kind {
	case Newline, Semicolon, EOF, RBrace, RParen:
		return stmt, nil
	}
	value, err := p.parsePipelineChain()
	if err != nil {
		return nil, err
	}
	stmt.Value = value
	return stmt, nil
}

func (p *parser) parseCondition() (Statement, error) {
	p.skipNewlines()
	if _, err := p.expect(LParen); err != nil {
		return nil, err
	}
	p.skipNewlines()
	cond, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	if _, err := p.expect(RParen); err != nil {
		return nil, err
	}
	return cond, nil
}

func (p *parser) parseIf() (Statement, error) {
	stmt := &IfStmt{Pos: p.peek().Pos}
	for {
		kw := p.next()
		cond, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		p.skipNewlines()
		body, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Clauses = append(stmt.Clauses, &IfClause{Pos: kw.Pos, Condition: cond, Body: body})

		if p.peekKeywordAcrossNewlines("elseif") {
			p.skipNewlines()
			continue
		}
		if p.peekKeywordAcrossNewlines("else") {
			p.skipNewlines()
			p.next()
			p.skipNewlines()
			elseBody, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			stmt.Else = elseBody
		}
		return stmt, nil
	}
}

func (p *parser) parseForeach() (Statement, error) {
	kw := p.next()
	p.skipNewlines()
	if p.peek().Kind == Parameter {
		return nil, newSyntaxError(p.peek().Pos, "foreach flags are not supported")
	}
	if _, err := p.expect(LParen); err != nil {
		return nil, err
	}
	p.skipNewlines()
	vtok, err := p.expect(Variable)
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	if tok := p.peek(); !isKeyword(tok, "in") {
		return nil, newSyntaxError(tok.Pos, "expected 'in' but found %s", tok.describe())
	}
	p.next()
	p.skipNewlines()
	coll, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	if _, err := p.expect(RParen); err != nil {
		return nil, err
	}
	p.skipNewlines()
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ForeachStmt{
		Pos:        kw.Pos,
		Variable:   &VariableExpr{Pos: vtok.Pos, Name: vtok.Text, Scope: vtok.Scope},
		Collection: coll,
		Body:       body,
	}, nil
}

func (p *parser) parseFor() (Statement, error) {
	kw := p.next()
	p.skipNewlines()
	if _, err := p.expect(LParen); err != nil {
		return nil, err
	}

	var parts [3]Statement
	for k := 0; k < 3; k++ {
		p.skipNewlines()
		tok := p.peek()
		if tok.Kind == RParen {
			break
		}
		if tok.Kind == Semicolon {
			p.next()
			continue
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		parts[k] = stmt
		p.skipNewlines()
		if p.peek().Kind == Semicolon {
			p.next()
		}
	}
	p.skipNewlines()
	if _, err := p.expect(RParen); err != nil {
		return nil, err
	}
	p.skipNewlines()
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ForStmt{Pos: kw.Pos, Init: parts[0], Condition: parts[1], Iterator: parts[2], Body: body}, nil
}

func (p *parser) parseWhile() (Statement, error) {
	kw := p.next()
	cond, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &WhileStmt{Pos: kw.Pos, Condition: cond, Body: body}, nil
}

func (p *parser) parseDo() (Statement, error) {
	kw := p.next()
	p.skipNewlines()
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	tok := p.peek()
	until := isKeyword(tok, "until")
	if !until && !isKeyword(tok, "while") {
		return nil, newSyntaxError(tok.Pos, "expected 'while' or 'until' after do block")
	}
	p.next()
	cond, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	return &DoStmt{Pos: kw.Pos, Body: body, Condition: cond, Until: until}, nil
}

func (p *parser) parseSwitch() (Statement, error) {
	kw := p.next()
	stmt := &SwitchStmt{Pos: kw.Pos}
	p.skipNewlines()
	for p.peek().Kind == Parameter {
		stmt.Flags = append(stmt.Flags, strings.ToLower(p.next().Text))
		p.skipNewlines()
	}
	subject, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	stmt.Subject = subject
	p.skipNewlines()
	if _, err := p.expect(LBrace); err != nil {
		return nil, err
	}
	for {
		p.skipTerminators()
		tok := p.peek()
		if tok.Kind == RBrace {
			p.next()
			return stmt, nil
		}
		clause := &SwitchClause{Pos: tok.Pos}
		switch {
		case isKeyword(tok, "default"):
			p.next()
		case tok.Kind == Word:
			p.next()
			clause.Pattern = &StringExpr{Pos: tok.Pos, Value: tok.Text, Quote: Bare}
		default:
			pattern, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			clause.Pattern = pattern
		}
		p.skipNewlines()
		body, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		clause.Body = body
		stmt.Clauses = append(stmt.Clauses, clause)
	}
}

func (p *parser) parseTry() (Statement, error) {
	kw := p.next()
	p.skipNewlines()
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &TryStmt{Pos: kw.Pos, Body: body}

	for p.peekKeywordAcrossNewlines("catch") {
		p.skipNewlines()
		ctok := p.next()
		clause := &CatchClause{Pos: ctok.Pos}
		p.skipNewlines()
		for p.peek().Kind == LBracket {
			tn, err := p.parseTypeLiteral()
			if err != nil {
				return nil, err
			}
			clause.Types = append(clause.Types, tn)
			p.skipNewlines()
			if p.peek().Kind == Comma {
				p.next()
				p.skipNewlines()
			}
		}
		cbody, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		clause.Body = cbody
		stmt.Catches = append(stmt.Catches, clause)
	}
	if p.peekKeywordAcrossNewlines("finally") {
		p.skipNewlines()
		p.next()
		p.skipNewlines()
		fbody, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Finally = fbody
	}
	if len(stmt.Catches) == 0 && stmt.Finally == nil {
		return nil, newSyntaxError(kw.Pos, "try requires a catch or finally block")
	}
	return stmt, nil
}

func (p *parser) parseFunction() (Statement, error) {
	kw := p.next()
	p.skipNewlines()
	name := p.peek()
	if name.Kind != Word {
		return nil, newSyntaxError(name.Pos, "expected a function name but found %s", name.describe())
	}
	p.next()
	stmt := &FunctionStmt{Pos: kw.Pos, Name: name.Text, Filter: strings.EqualFold(kw.Text, "filter")}

	p.skipNewlines()
	if p.peek().Kind == LParen {
		p.next()
		params, err := p.parseParameterList()
		if err != nil {
			return nil, err
		}
		stmt.Parameters = params
		p.skipNewlines()
	}
	open, err := p.expect(LBrace)
	if err != nil {
		return nil, err
	}
	body, err := p.parseScriptBlockBody(RBrace)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(RBrace); err != nil {
		return nil, err
	}
	body.Pos = open.Pos
	stmt.Body = body
	return stmt, nil
}

// tryParamBlock parses [attributes] param(...) when it opens a script block
func (p *parser) tryParamBlock() (*ParamBlock, error) {
	save := p.i
	start := p.peek().Pos
	var attrs []*Attribute
	for p.peek().Kind == LBracket {
		item, err := p.parseAttributeOrType()
		if err != nil {
			p.i = save
			return nil, nil
		}
		attr, ok := item.(*Attribute)
		if !ok {
			p.i = save
			return nil, nil
		}
		attrs = append(attrs, attr)
		p.skipNewlines()
	}
	if !isKeyword(p.peek(), "param") {
		p.i = save
		return nil, nil
	}
	p.next()
	p.skipNewlines()
	if _, err := p.expect(LParen); err != nil {
		return nil, err
	}
	params, err := p.parseParameterList()
	if err != nil {
		return nil, err
	}
	return &ParamBlock{Pos: start, Attributes: attrs, Parameters: params}, nil
}

// parseParameterList parses declarations up to and including ')'
func (p *parser) parseParameterList() ([]*ParameterDecl, error) {
	var params []*ParameterDecl
	for {
		p.skipNewlines()
		if p.peek().Kind == RParen {
			p.next()
			return params, nil
		}
		decl := &ParameterDecl{Pos: p.peek().Pos}
		for p.peek().Kind == LBracket {
			item, err := p.parseAttributeOrType()
			if err != nil {
				return nil, err
			}
			switch v := item.(type) {
			case *Attribute:
				decl.Attributes = append(decl.Attributes, v)
			case *TypeName:
				decl.Types = append(decl.Types, v)
			}
			p.skipNewlines()
		}
		vtok, err := p.expect(Variable)
		if err != nil {
			return nil, err
		}
		decl.Variable = &VariableExpr{Pos: vtok.Pos, Name: vtok.Text, Scope: vtok.Scope}
		p.skipNewlines()
		if p.peek().Kind == Assign {
			p.next()
			p.skipNewlines()
			def, err := p.parseExpression(false)
			if err != nil {
				return nil, err
			}
			decl.Default = def
			p.skipNewlines()
		}
		params = append(params, decl)

		switch tok := p.peek(); tok.Kind {
		case Comma:
			p.next()
		case RParen:
		default:
			return nil, p.unexpected(tok)
		}
	}
}

// parseAttributeOrType parses [Name(args)] or [TypeName]
func (p *parser) parseAttributeOrType() (Node, error) {
	open, err := p.expect(LBracket)
	if err != nil {
		return nil, err
	}
	tn, err := p.parseTypeName()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != LParen {
		if _, err := p.expect(RBracket); err != nil {
			return nil, err
		}
		return tn, nil
	}

	p.next()
	attr := &Attribute{Pos: open.Pos, Type: tn}
	for {
		p.skipNewlines()
		tok := p.peek()
		if tok.Kind == RParen {
			p.next()
			break
		}
		if tok.Kind == Word {
			p.next()
			named := &NamedArg{Pos: tok.Pos, Name: tok.Text}
			p.skipNewlines()
			if p.peek().Kind == Assign {
				p.next()
				p.skipNewlines()
				val, err := p.parseExpression(false)
				if err != nil {
					return nil, err
				}
				named.Value = val
			}
			attr.Named = append(attr.Named, named)
		} else {
			arg, err := p.parseExpression(false)
			if err != nil {
				return nil, err
			}
			attr.Args = append(attr.Args, arg)
		}
		p.skipNewlines()
		switch tok := p.peek(); tok.Kind {
		case Comma:
			p.next()
		case RParen:
		default:
			return nil, p.unexpected(tok)
		}
	}
	if _, err := p.expect(RBracket); err != nil {
		return nil, err
	}
	return attr, nil
}

func (p *parser) parseTypeLiteral() (*TypeName, error) {
	if _, err := p.expect(LBracket); err != nil {
		return nil, err
	}
	tn, err := p.parseTypeName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(RBracket); err != nil {
		return nil, err
	}
	return tn, nil
}

// parseTypeName reads Dotted.Name with optional generic arguments and [] suffixes
func (p *parser) parseTypeName() (*TypeName, error) {
	first := p.peek()
	if first.Kind != Word {
		return nil, newSyntaxError(first.Pos, "expected a type name but found %s", first.describe())
	}
	if err := p.enter(first.Pos); err != nil {
		return nil, err
	}
	defer p.leave()

	p.next()
	var name strings.Builder
	name.WriteString(first.Text)
	for p.peek().Kind == Dot && !p.peek().SpaceBefore && p.peekAt(1).Kind == Word && !p.peekAt(1).SpaceBefore {
		p.next()
		name.WriteByte('.')
		name.WriteString(p.next().Text)
	}
	tn := &TypeName{Pos: first.Pos, Name: name.String()}

	for p.peek().Kind == LBracket {
		p.next()
		if p.peek().Kind == RBracket {
			p.next()
			tn.Array++
			continue
		}
		if p.peek().Kind == Comma {
			return nil, newSyntaxError(p.peek().Pos, "multi-dimensional arrays are not supported")
		}
		if tn.Array > 0 || len(tn.Generic) > 0 {
			return nil, p.unexpected(p.peek())
		}
		for {
			var arg *TypeName
			var err error
			if p.peek().Kind == LBracket {
				arg, err = p.parseTypeLiteral()
			} else {
				arg, err = p.parseTypeName()
			}
			if err != nil {
				return nil, err
			}
			tn.Generic = append(tn.Generic, arg)
			if p.peek().Kind == Comma {
				p.next()
				continue
			}
			break
		}
		if _, err := p.expect(RBracket); err != nil {
			return nil, err
		}
	}
	return tn, nil
}

func isCommandStart(tok Token) bool {
	switch tok.Kind {
	case Word, Amp, Dot, DotDot, Slash, Backslash, Percent, Question:
		return true
	}
	return false
}

func (p *parser) parsePipelineChain() (Statement, error) {
	left, err := p.parsePipelineOrAssignment()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Kind != AndAnd && tok.Kind != OrOr {
			return left, nil
		}
		p.next()
		p.skipNewlines()
		right, err := p.parsePipelineOrAssignment()
		if err != nil {
			return nil, err
		}
		left = &PipelineChain{Pos: left.Position(), Left: left, Op: tok.Text, Right: right}
	}
}

func (p *parser) parsePipelineOrAssignment() (Statement, error) {
	start := p.peek()
	pipe := &Pipeline{Pos: start.Pos}

	if isCommandStart(start) {
		cmd, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		pipe.Elements = append(pipe.Elements, cmd)
	} else {
		expr, err := p.parseExpression(true)
		if err != nil {
			return nil, err
		}
		if tok := p.peek(); tok.Kind == Assign || tok.Kind == CompoundAssign {
			return p.parseAssignment(expr)
		}
		el := &CommandExpression{Pos: expr.Position(), Expr: expr}
		redirs, err := p.parseRedirections()
		if err != nil {
			return nil, err
		}
		el.Redirections = redirs
		pipe.Elements = append(pipe.Elements, el)
	}

	for p.peek().Kind == Pipe {
		p.next()
		p.skipNewlines()
		tok := p.peek()
		if !isCommandStart(tok) {
			return nil, newSyntaxError(tok.Pos, "expressions are only allowed as the first element of a pipeline")
		}
		cmd, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		pipe.Elements = append(pipe.Elements, cmd)
	}
	return pipe, nil
}

func validAssignmentTarget(e Expression) bool {
	switch t := e.(type) {
	case *VariableExpr:
		return !t.Splat
	case *MemberExpr, *IndexExpr:
		return true
	case *ConvertExpr:
		return validAssignmentTarget(t.Operand)
	case *ArrayLiteral:
		for _, el := range t.Elements {
			if !validAssignmentTarget(el) {
				return false
			}
		}
		return true
	}
	return false
}

func (p *parser) parseAssignment(target Expression) (Statement, error) {
	op := p.next()
	if !validAssignmentTarget(target) {
		return nil, newSyntaxError(op.Pos, "the assignment target is not valid")
	}
	p.skipNewlines()
	value, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return &AssignmentStmt{Pos: target.Position(), Target: target, Op: op.Text, OpPos: op.Pos, Value: value}, nil
}

func (p *parser) parseRedirections() ([]*Redirection, error) {
	var out []*Redirection
	for p.peek().Kind == RedirectOp {
		r, err := p.parseRedirection()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *parser) parseRedirection() (*Redirection, error) {
	tok := p.next()
	text := tok.Text
	r := &Redirection{Pos: tok.Pos}
	gt := strings.IndexByte(text, '>')
	r.Stream = text[:gt]
	rest := text[gt+1:]
	switch {
	case strings.HasPrefix(rest, ">"):
		r.Append = true
	case strings.HasPrefix(rest, "&"):
		r.Merge = rest[1:]
		return r, nil
	}
	target, err := p.parseCommandArgument()
	if err != nil {
		return nil, err
	}
	r.Target = target
	return r, nil
}

func (p *parser) parseCommand() (*CommandCall, error) {
	tok := p.peek()
	cmd := &CommandCall{Pos: tok.Pos}

	switch tok.Kind {
	case Dot, DotDot:
		// .\x.ps1 runs a path; only a detached dot dot-sources
		if tok.Kind == DotDot || !p.peekAt(1).SpaceBefore && startsBareName(p.peekAt(1)) {
			cmd.Name = p.bareWord()
			break
		}
		fallthrough
	case Amp:
		p.next()
		cmd.Invocation = InvokeCall
		if tok.Kind == Dot {
			cmd.Invocation = InvokeDotSource
		}
		if startsBareName(p.peek()) {
			cmd.Name = p.bareWord()
		} else {
			expr, err := p.parseCommandArgumentElement()
			if err != nil {
				return nil, err
			}
			cmd.NameExpr = expr
		}
	case Word, Slash, Backslash:
		cmd.Name = p.bareWord()
	case Percent, Question:
		p.next()
		cmd.Name = tok.Text
	default:
		return nil, newSyntaxError(tok.Pos, "expected a command but found %s", tok.describe())
	}

	for {
		tok := p.peek()
		switch tok.Kind {
		case Newline, Semicolon, Pipe, RParen, RBrace, EOF, AndAnd, OrOr:
			return cmd, nil
		case Parameter:
			p.next()
			param := &CommandParameter{Pos: tok.Pos, Name: tok.Text}
			if tok.Colon {
				val, err := p.parseCommandArgument()
				if err != nil {
					return nil, err
				}
				param.Value = val
			}
			cmd.Args = append(cmd.Args, param)
		case RedirectOp:
			r, err := p.parseRedirection()
			if err != nil {
				return nil, err
			}
			cmd.Redirections = append(cmd.Redirections, r)
		default:
			arg, err := p.parseCommandArgument()
			if err != nil {
				return nil, err
			}
			cmd.Args = append(cmd.Args, arg)
		}
	}
}

// parseCommandArgument parses one argument, joining comma-separated elements into an array
func (p *parser) parseCommandArgument() (Expression, error) {
	first, err := p.parseCommandArgumentElement()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != Comma {
		return first, nil
	}
	arr := &ArrayLiteral{Pos: first.Position(), Elements: []Expression{first}}
	for p.peek().Kind == Comma {
		p.next()
		p.skipNewlines()
		el, err := p.parseCommandArgumentElement()
		if err != nil {
			return nil, err
		}
		arr.Elements = append(arr.Elements, el)
	}
	return arr, nil
}

func gluesToBareWord(tok Token) bool {
	if tok.SpaceBefore {
		return false
	}
	switch tok.Kind {
	case Word, Number, Dot, DotDot, Minus, Star, Slash, Backslash, Parameter, Plus, Question:
		return true
	}
	return false
}

// startsBareName reports whether tok can begin an unquoted command name or path
func startsBareName(tok Token) bool {
	switch tok.Kind {
	case Word, Dot, DotDot, Slash, Backslash:
		return true
	}
	return false
}

// bareWord consumes a token and everything glued to it, returning the source text
func (p *parser) bareWord() string {
	tok := p.next()
	end := tok.End
	for gluesToBareWord(p.peek()) {
		end = p.next().End
	}
	return p.src[tok.Pos.Offset:end]
}

func (p *parser) parseCommandArgumentElement() (Expression, error) {
	tok := p.peek()
	switch tok.Kind {
	case Word, Star, Backslash:
		return &StringExpr{Pos: tok.Pos, Value: p.bareWord(), Quote: Bare}, nil
	case Comma:
		return nil, p.unexpected(tok)
	}
	return p.parseUnary()
}

// parseExpression parses a full expression; commaOK allows a bare comma list
func (p *parser) parseExpression(commaOK bool) (Expression, error) {
	return p.parseLogical(commaOK)
}

func (p *parser) peekOperator(set map[string]bool) (string, bool) {
	tok := p.peek()
	if tok.Kind != Parameter || tok.Colon {
		return "", false
	}
	name := strings.ToLower(tok.Text)
	if set[name] {
		return name, true
	}
	if len(name) > 1 && (name[0] == 'i' || name[0] == 'c') && set[name[1:]] {
		return name, true
	}
	return "", false
}

func (p *parser) parseBinaryLevel(commaOK bool, set map[string]bool, next func(bool) (Expression, error)) (Expression, error) {
	left, err := next(commaOK)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOperator(set)
		if !ok {
			return left, nil
		}
		p.next()
		p.skipNewlines()
		right, err := next(commaOK)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: left.Position(), Op: "-" + op, Left: left, Right: right}
	}
}

func (p *parser) parseLogical(commaOK bool) (Expression, error) {
	return p.parseBinaryLevel(commaOK, logicalOps, p.parseComparison)
}

func (p *parser) parseComparison(commaOK bool) (Expression, error) {
	return p.parseBinaryLevel(commaOK, comparisonOps, p.parseBitwise)
}

func (p *parser) parseBitwise(commaOK bool) (Expression, error) {
	return p.parseBinaryLevel(commaOK, bitwiseOps, p.parseAdditive)
}

func (p *parser) parseAdditive(commaOK bool) (Expression, error) {
	left, err := p.parseMultiplicative(commaOK)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Kind != Plus && tok.Kind != Minus {
			return left, nil
		}
		p.next()
		p.skipNewlines()
		right, err := p.parseMultiplicative(commaOK)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: left.Position(), Op: tok.Text, Left: left, Right: right}
	}
}

func (p *parser) parseMultiplicative(commaOK bool) (Expression, error) {
	left, err := p.parseFormat(commaOK)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Kind != Star && tok.Kind != Slash && tok.Kind != Percent {
			return left, nil
		}
		p.next()
		p.skipNewlines()
		right, err := p.parseFormat(commaOK)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: left.Position(), Op: tok.Text, Left: left, Right: right}
	}
}

func (p *parser) parseFormat(commaOK bool) (Expression, error) {
	return p.parseBinaryLevel(commaOK, map[string]bool{"f": true}, p.parseRange)
}

func (p *parser) parseRange(commaOK bool) (Expression, error) {
	left, err := p.parseArray(commaOK)
	if err != nil {
		return nil, err
	}
	for p.peek().Kind == DotDot {
		p.next()
		p.skipNewlines()
		right, err := p.parseArray(commaOK)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: left.Position(), Op: "..", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseArray(commaOK bool) (Expression, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if !commaOK || p.peek().Kind != Comma {
		return first, nil
	}
	arr := &ArrayLiteral{Pos: first.Position(), Elements: []Expression{first}}
	for p.peek().Kind == Comma {
		p.next()
		p.skipNewlines()
		el, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		arr.Elements = append(arr.Elements, el)
	}
	return arr, nil
}

var unaryParamOps = map[string]bool{"not": true, "bnot": true, "split": true, "join": true}

// startsOperand reports whether tok can begin the operand of a cast
func startsOperand(tok Token) bool {
	switch tok.Kind {
	case Variable, SplatVariable, Number, String, ExpandableString, LParen, AtParen,
		AtBrace, DollarParen, LBracket, LBrace, Exclaim, PlusPlus, MinusMinus:
		return true
	case Parameter:
		return unaryParamOps[strings.ToLower(tok.Text)]
	}
	return false
}

func (p *parser) parseUnary() (Expression, error) {
	tok := p.peek()
	if err := p.enter(tok.Pos); err != nil {
		return nil, err
	}
	defer p.leave()

	switch tok.Kind {
	case Exclaim, Minus, Plus, Comma:
		p.next()
		p.skipNewlines()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if tok.Kind == Comma {
			return &ArrayLiteral{Pos: tok.Pos, Elements: []Expression{operand}}, nil
		}
		return &UnaryExpr{Pos: tok.Pos, Op: tok.Text, Operand: operand}, nil
	case PlusPlus, MinusMinus:
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &IncDecExpr{Pos: tok.Pos, Op: tok.Text, Prefix: true, Operand: operand}, nil
	case Parameter:
		name := strings.ToLower(tok.Text)
		if !unaryParamOps[name] || tok.Colon {
			return nil, p.unexpected(tok)
		}
		p.next()
		p.skipNewlines()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Pos: tok.Pos, Op: "-" + name, Operand: operand}, nil
	case LBracket:
		tn, err := p.parseTypeLiteral()
		if err != nil {
			return nil, err
		}
		next := p.peek()
		if next.Kind == ColonColon && !next.SpaceBefore {
			return p.parsePostfix(&TypeExpr{Pos: tok.Pos, Type: tn})
		}
		if startsOperand(next) {
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &ConvertExpr{Pos: tok.Pos, Type: tn, Operand: operand}, nil
		}
		return p.parsePostfix(&TypeExpr{Pos: tok.Pos, Type: tn})
	}

	primary, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return p.parsePostfix(primary)
}

func (p *parser) parsePostfix(target Expression) (Expression, error) {
	for {
		tok := p.peek()
		if tok.SpaceBefore {
			return target, nil
		}
		switch tok.Kind {
		case Dot, ColonColon:
			p.next()
			member, err := p.parseMemberName()
			if err != nil {
				return nil, err
			}
			static := tok.Kind == ColonColon
			if open := p.peek(); open.Kind == LParen && !open.SpaceBefore {
				p.next()
				args, err := p.parseMethodArgs()
				if err != nil {
					return nil, err
				}
				target = &InvokeMemberExpr{Pos: target.Position(), Target: target, Member: member, Static: static, Args: args}
			} else {
				target = &MemberExpr{Pos: target.Position(), Target: target, Member: member, Static: static}
			}
		case LBracket:
			p.next()
			p.skipNewlines()
			idx, err := p.parseExpression(true)
			if err != nil {
				return nil, err
			}
			p.skipNewlines()
			if _, err := p.expect(RBracket); err != nil {
				return nil, err
			}
			target = &IndexExpr{Pos: target.Position(), Target: target, Index: idx}
		case PlusPlus, MinusMinus:
			p.next()
			target = &IncDecExpr{Pos: target.Position(), Op: tok.Text, Operand: target}
		default:
			return target, nil
		}
	}
}

func (p *parser) parseMemberName() (Expression, error) {
	tok := p.peek()
	switch tok.Kind {
	case Word:
		p.next()
		return &StringExpr{Pos: tok.Pos, Value: tok.Text, Quote: Bare}, nil
	case String:
		p.next()
		return &StringExpr{Pos: tok.Pos, Value: tok.Text, Quote: SingleQuoted}, nil
	case Variable, ExpandableString, LParen, DollarParen:
		return p.parsePrimary()
	}
	return nil, newSyntaxError(tok.Pos, "missing property name after member access operator")
}

func (p *parser) parseMethodArgs() ([]Expression, error) {
	var args []Expression
	for {
		p.skipNewlines()
		if p.peek().Kind == RParen {
			p.next()
			return args, nil
		}
		arg, err := p.parseExpression(false)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		p.skipNewlines()
		switch tok := p.peek(); tok.Kind {
		case Comma:
			p.next()
		case RParen:
		default:
			return nil, p.unexpected(tok)
		}
	}
}

func (p *parser) parsePrimary() (Expression, error) {
	tok := p.peek()
	switch tok.Kind {
	case Variable:
		p.next()
		return &VariableExpr{Pos: tok.Pos, Name: tok.Text, Scope: tok.Scope}, nil
	case SplatVariable:
		p.next()
		return &VariableExpr{Pos: tok.Pos, Name: tok.Text, Scope: tok.Scope, Splat: true}, nil
	case Number:
		p.next()
		return &NumberExpr{Pos: tok.Pos, Text: tok.Text}, nil
	case String:
		p.next()
		return &StringExpr{Pos: tok.Pos, Value: tok.Text, Quote: SingleQuoted}, nil
	case ExpandableString:
		p.next()
		return p.expandString(tok)
	case LParen:
		p.next()
		p.skipNewlines()
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		p.skipNewlines()
		if _, err := p.expect(RParen); err != nil {
			return nil, err
		}
		return &ParenExpr{Pos: tok.Pos, Stmt: stmt}, nil
	case DollarParen, AtParen:
		p.next()
		stmts, err := p.parseStatementList(RParen)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RParen); err != nil {
			return nil, err
		}
		body := &Block{Pos: tok.Pos, Statements: stmts}
		if tok.Kind == AtParen {
			return &ArrayExpr{Pos: tok.Pos, Body: body}, nil
		}
		return &SubExpr{Pos: tok.Pos, Body: body}, nil
	case AtBrace:
		return p.parseHashtable()
	case LBrace:
		p.next()
		body, err := p.parseScriptBlockBody(RBrace)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RBrace); err != nil {
			return nil, err
		}
		body.Pos = tok.Pos
		return &ScriptBlockExpr{Pos: tok.Pos, Body: body}, nil
	case LBracket:
		tn, err := p.parseTypeLiteral()
		if err != nil {
			return nil, err
		}
		return &TypeExpr{Pos: tok.Pos, Type: tn}, nil
	}
	return nil, p.unexpected(tok)
}

func (p *parser) parseHashtable() (Expression, error) {
	open := p.next()
	ht := &HashtableExpr{Pos: open.Pos}
	for {
		p.skipTerminators()
		tok := p.peek()
		if tok.Kind == RBrace {
			p.next()
			return ht, nil
		}
		var key Expression
		if tok.Kind == Word {
			p.next()
			key = &StringExpr{Pos: tok.Pos, Value: tok.Text, Quote: Bare}
		} else {
			k, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			key = k
		}
		p.skipNewlines()
		if _, err := p.expect(Assign); err != nil {
			return nil, err
		}
		p.skipNewlines()
		value, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		ht.Entries = append(ht.Entries, &HashEntry{Pos: tok.Pos, Key: key, Value: value})

		switch next := p.peek(); next.Kind {
		case Newline, Semicolon, RBrace:
		default:
			return nil, p.unexpected(next)
		}
	}
}

// expandString parses the interpolations recorded by the lexer
func (p *parser) expandString(tok Token) (Expression, error) {
	s := &StringExpr{Pos: tok.Pos, Value: tok.Text, Quote: DoubleQuoted}
	for _, part := range tok.Parts {
		switch part.Kind {
		case PartVariable:
			s.Parts = append(s.Parts, &VariableExpr{Pos: part.Pos, Name: part.Name, Scope: part.Scope})
		case PartSubExpression:
			toks, err := tokenizeRange(p.src, part.Start, part.End)
			if err != nil {
				return nil, err
			}
			sub := &parser{src: p.src, toks: toks, depth: p.depth}
			if err := sub.enter(part.Pos); err != nil {
				return nil, err
			}
			stmts, err := sub.parseStatementList(EOF)
			if err != nil {
				return nil, err
			}
			if rest := sub.peek(); rest.Kind != EOF {
				return nil, sub.unexpected(rest)
			}
			s.Parts = append(s.Parts, &SubExpr{Pos: part.Pos, Body: &Block{Pos: part.Pos, Statements: stmts}})
		}
	}
	return s, nil
}
