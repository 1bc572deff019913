// ABOUTME: Lexer for the PowerShell script grammar
// ABOUTME: Produces a flat token stream; parsing decides command vs expression mode

package script

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type lexer struct {
	src    string
	off    int
	end    int
	line   int
	col    int
	spaced bool
	nest   int
	tokens []Token
}

// Tokenize splits src into tokens
func Tokenize(src string) ([]Token, error) {
	return tokenizeRange(src, Pos{Offset: 0, Line: 1, Column: 1}, len(src))
}

// tokenizeRange lexes src[start.Offset:end] keeping absolute positions
func tokenizeRange(src string, start Pos, end int) ([]Token, error) {
	l := &lexer{
		src:    src,
		off:    start.Offset,
		end:    end,
		line:   start.Line,
		col:    start.Column,
		spaced: true,
	}
	if err := l.run(); err != nil {
		return nil, err
	}
	return l.tokens, nil
}

func (l *lexer) here() Pos {
	return Pos{Offset: l.off, Line: l.line, Column: l.col}
}

func (l *lexer) peek(n int) byte {
	if l.off+n >= l.end {
		return 0
	}
	return l.src[l.off+n]
}

func (l *lexer) advance() rune {
	if l.off >= l.end {
		return 0
	}
	r, size := utf8.DecodeRuneInString(l.src[l.off:l.end])
	l.off += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) advanceN(n int) {
	for i := 0; i < n; i++ {
		l.advance()
	}
}

func (l *lexer) errorf(pos Pos, format string, args ...any) error {
	return newSyntaxError(pos, format, args...)
}

func (l *lexer) emit(tok Token) {
	tok.SpaceBefore = l.spaced
	tok.End = l.off
	l.spaced = false
	l.tokens = append(l.tokens, tok)
}

func (l *lexer) emitSimple(kind TokenKind, start Pos, width int) {
	text := l.src[start.Offset : start.Offset+width]
	l.advanceN(width)
	l.emit(Token{Kind: kind, Text: text, Pos: start})
}

func (l *lexer) run() error {
	for {
		l.skipBlanks()
		if l.off >= l.end {
			l.emit(Token{Kind: EOF, Pos: l.here()})
			return nil
		}

		start := l.here()
		c := l.src[l.off]
		switch {
		case c == '\n':
			l.advance()
			l.emit(Token{Kind: Newline, Text: "\n", Pos: start})
			l.spaced = true
		case c == '#':
			l.skipLineComment()
		case c == '<' && l.peek(1) == '#':
			if err := l.skipBlockComment(); err != nil {
				return err
			}
		case c == '<':
			return l.errorf(start, "the '<' operator is reserved for future use")
		case c == '`':
			if l.peek(1) == '\n' {
				l.advanceN(2)
				l.spaced = true
			} else if l.peek(1) == '\r' && l.peek(2) == '\n' {
				l.advanceN(3)
				l.spaced = true
			} else {
				return l.errorf(start, "unexpected escape character")
			}
		case c == ';':
			l.emitSimple(Semicolon, start, 1)
		case c == '$':
			if err := l.lexDollar(); err != nil {
				return err
			}
		case c == '@':
			if err := l.lexAt(); err != nil {
				return err
			}
		case c == '\'':
			text, err := l.lexSingleQuoted(start)
			if err != nil {
				return err
			}
			l.emit(Token{Kind: String, Text: text, Pos: start})
		case c == '"':
			l.advance()
			tok, err := l.lexExpandable(start, false)
			if err != nil {
				return err
			}
			l.emit(tok)
		case isDigit(c):
			if err := l.lexNumber(); err != nil {
				return err
			}
		case isWordStart(c) || c >= utf8.RuneSelf && l.wordRuneAhead():
			l.lexWord(start)
		case c == '-':
			l.lexDash(start)
		case c == '+':
			switch l.peek(1) {
			case '+':
				l.emitSimple(PlusPlus, start, 2)
			case '=':
				l.emitSimple(CompoundAssign, start, 2)
			default:
				l.emitSimple(Plus, start, 1)
			}
		case c == '*':
			switch l.peek(1) {
			case '=':
				l.emitSimple(CompoundAssign, start, 2)
			case '>':
				l.advance()
				l.lexRedirection(start)
			default:
				l.emitSimple(Star, start, 1)
			}
		case c == '/':
			if l.peek(1) == '=' {
				l.emitSimple(CompoundAssign, start, 2)
			} else {
				l.emitSimple(Slash, start, 1)
			}
		case c == '%':
			if l.peek(1) == '=' {
				l.emitSimple(CompoundAssign, start, 2)
			} else {
				l.emitSimple(Percent, start, 1)
			}
		case c == '=':
			l.emitSimple(Assign, start, 1)
		case c == '!':
			l.emitSimple(Exclaim, start, 1)
		case c == '>':
			l.lexRedirection(start)
		case c == '|':
			if l.peek(1) == '|' {
				l.emitSimple(OrOr, start, 2)
			} else {
				l.emitSimple(Pipe, start, 1)
			}
		case c == '&':
			if l.peek(1) == '&' {
				l.emitSimple(AndAnd, start, 2)
			} else {
				l.emitSimple(Amp, start, 1)
			}
		case c == ',':
			l.emitSimple(Comma, start, 1)
		case c == '(':
			l.emitSimple(LParen, start, 1)
		case c == ')':
			l.emitSimple(RParen, start, 1)
		case c == '{':
			l.emitSimple(LBrace, start, 1)
		case c == '}':
			l.emitSimple(RBrace, start, 1)
		case c == '[':
			l.emitSimple(LBracket, start, 1)
		case c == ']':
			l.emitSimple(RBracket, start, 1)
		case c == '.':
			if l.peek(1) == '.' {
				l.emitSimple(DotDot, start, 2)
			} else {
				l.emitSimple(Dot, start, 1)
			}
		case c == ':':
			if l.peek(1) == ':' {
				l.emitSimple(ColonColon, start, 2)
			} else {
				return l.errorf(start, "unexpected ':'")
			}
		case c == '?':
			l.emitSimple(Question, start, 1)
		case c == '\\':
			l.emitSimple(Backslash, start, 1)
		default:
			r, _ := utf8.DecodeRuneInString(l.src[l.off:l.end])
			return l.errorf(start, "unexpected character %q", r)
		}
	}
}

func (l *lexer) skipBlanks() {
	for l.off < l.end {
		switch l.src[l.off] {
		case ' ', '\t', '\r', '\f', '\v':
			l.advance()
			l.spaced = true
		default:
			return
		}
	}
}

func (l *lexer) skipLineComment() {
	for l.off < l.end && l.src[l.off] != '\n' {
		l.advance()
	}
	l.spaced = true
}

func (l *lexer) skipBlockComment() error {
	start := l.here()
	l.advanceN(2)
	for l.off < l.end {
		if l.src[l.off] == '#' && l.peek(1) == '>' {
			l.advanceN(2)
			l.spaced = true
			return nil
		}
		l.advance()
	}
	return l.errorf(start, "missing end of comment block '#>'")
}

func (l *lexer) wordRuneAhead() bool {
	r, _ := utf8.DecodeRuneInString(l.src[l.off:l.end])
	return unicode.IsLetter(r)
}

func (l *lexer) lexWord(start Pos) {
	for l.off < l.end {
		c := l.src[l.off]
		switch {
		case isWordChar(c):
			l.advance()
		case c == '-' && isWordChar(l.peek(1)):
			l.advance()
		case c >= utf8.RuneSelf && l.wordRuneAhead():
			l.advance()
		default:
			l.emit(Token{Kind: Word, Text: l.src[start.Offset:l.off], Pos: start})
			return
		}
	}
	l.emit(Token{Kind: Word, Text: l.src[start.Offset:l.off], Pos: start})
}

func (l *lexer) lexDash(start Pos) {
	switch {
	case l.peek(1) == '-':
		l.emitSimple(MinusMinus, start, 2)
	case l.peek(1) == '=':
		l.emitSimple(CompoundAssign, start, 2)
	case isLetter(l.peek(1)):
		l.advance()
		nameStart := l.off
		for l.off < l.end && isWordChar(l.src[l.off]) {
			l.advance()
		}
		tok := Token{Kind: Parameter, Text: l.src[nameStart:l.off], Pos: start}
		if l.peek(0) == ':' && l.peek(1) != ':' {
			l.advance()
			tok.Colon = true
		}
		l.emit(tok)
	default:
		l.emitSimple(Minus, start, 1)
	}
}

// lexRedirection consumes '>' forms; the stream digit or '*' (if any) was already consumed
func (l *lexer) lexRedirection(start Pos) {
	l.advance() // '>'
	if l.peek(0) == '>' {
		l.advance()
	} else if l.peek(0) == '&' && isDigit(l.peek(1)) {
		l.advanceN(2)
	}
	l.emit(Token{Kind: RedirectOp, Text: l.src[start.Offset:l.off], Pos: start})
}

func (l *lexer) lexNumber() error {
	start := l.here()
	c := l.src[l.off]
	if c >= '1' && c <= '6' && l.peek(1) == '>' {
		l.advance()
		l.lexRedirection(start)
		return nil
	}

	if c == '0' && (l.peek(1) == 'x' || l.peek(1) == 'X') && isHexDigit(l.peek(2)) {
		l.advanceN(2)
		for l.off < l.end && isHexDigit(l.src[l.off]) {
			l.advance()
		}
	} else {
		for l.off < l.end && isDigit(l.src[l.off]) {
			l.advance()
		}
		if l.peek(0) == '.' && isDigit(l.peek(1)) {
			l.advance()
			for l.off < l.end && isDigit(l.src[l.off]) {
				l.advance()
			}
		}
		if (l.peek(0) == 'e' || l.peek(0) == 'E') &&
			(isDigit(l.peek(1)) || (l.peek(1) == '-' || l.peek(1) == '+') && isDigit(l.peek(2))) {
			l.advanceN(2)
			for l.off < l.end && isDigit(l.src[l.off]) {
				l.advance()
			}
		}
	}

	rest := strings.ToLower(l.src[l.off:min(l.off+2, l.end)])
	switch rest {
	case "kb", "mb", "gb", "tb", "pb":
		if !isWordChar(l.peek(2)) {
			l.advanceN(2)
		}
	}
	if l.peek(0) == 'l' || l.peek(0) == 'L' || l.peek(0) == 'd' || l.peek(0) == 'D' {
		if !isWordChar(l.peek(1)) {
			l.advance()
		}
	}

	// 7zip, 2fa: a digit-led generic token rather than a number
	if isWordChar(l.peek(0)) || l.peek(0) == '-' && isLetter(l.peek(1)) {
		l.lexWord(start)
		return nil
	}

	l.emit(Token{Kind: Number, Text: l.src[start.Offset:l.off], Pos: start})
	return nil
}

func (l *lexer) lexDollar() error {
	start := l.here()
	switch next := l.peek(1); {
	case next == '(':
		l.emitSimple(DollarParen, start, 2)
		return nil
	case next == '{':
		l.advanceN(2)
		var name strings.Builder
		for {
			if l.off >= l.end {
				return l.errorf(start, "missing '}' in variable reference")
			}
			c := l.src[l.off]
			if c == '}' {
				l.advance()
				break
			}
			if c == '`' && l.off+1 < l.end {
				l.advance()
			}
			name.WriteRune(l.advance())
		}
		scope, base := splitScope(name.String())
		if base == "" {
			return l.errorf(start, "empty variable name")
		}
		l.emit(Token{Kind: Variable, Text: base, Scope: scope, Pos: start})
		return nil
	case next == '$' || next == '?' || next == '^':
		l.advanceN(2)
		l.emit(Token{Kind: Variable, Text: string(next), Pos: start})
		return nil
	case isWordChar(next):
		l.advance()
		scope, name := l.lexVariableName()
		l.emit(Token{Kind: Variable, Text: name, Scope: scope, Pos: start})
		return nil
	}
	return l.errorf(start, "'$' must be followed by a variable name")
}

// lexVariableName reads name or scope:name after '$' or '@'
func (l *lexer) lexVariableName() (string, string) {
	nameStart := l.off
	for l.off < l.end && isWordChar(l.src[l.off]) {
		l.advance()
	}
	name := l.src[nameStart:l.off]
	if l.peek(0) == ':' && l.peek(1) != ':' && isWordChar(l.peek(1)) {
		l.advance()
		rest := l.off
		for l.off < l.end && isWordChar(l.src[l.off]) {
			l.advance()
		}
		return name, l.src[rest:l.off]
	}
	return "", name
}

func (l *lexer) lexAt() error {
	start := l.here()
	switch next := l.peek(1); {
	case next == '(':
		l.emitSimple(AtParen, start, 2)
	case next == '{':
		l.emitSimple(AtBrace, start, 2)
	case next == '"' || next == '\'':
		return l.lexHereString(start, next == '"')
	case isWordChar(next):
		l.advance()
		scope, name := l.lexVariableName()
		l.emit(Token{Kind: SplatVariable, Text: name, Scope: scope, Pos: start})
	default:
		return l.errorf(start, "unrecognized token '@'")
	}
	return nil
}

func (l *lexer) lexHereString(start Pos, expandable bool) error {
	l.advanceN(2)
	for l.off < l.end && (l.src[l.off] == ' ' || l.src[l.off] == '\t' || l.src[l.off] == '\r') {
		l.advance()
	}
	if l.peek(0) != '\n' {
		return l.errorf(start, "no characters are allowed after a here-string header")
	}
	l.advance()

	quote := byte('\'')
	if expandable {
		quote = '"'
	}
	if l.peek(0) == quote && l.peek(1) == '@' {
		l.advanceN(2)
		kind := String
		if expandable {
			kind = ExpandableString
		}
		l.emit(Token{Kind: kind, Pos: start})
		return nil
	}

	if expandable {
		tok, err := l.lexExpandable(start, true)
		if err != nil {
			return err
		}
		l.emit(tok)
		return nil
	}

	var text strings.Builder
	for l.off < l.end {
		if l.atHereStringEnd('\'') {
			l.finishHereString()
			l.emit(Token{Kind: String, Text: strings.TrimSuffix(text.String(), "\r"), Pos: start})
			return nil
		}
		text.WriteRune(l.advance())
	}
	return l.errorf(start, "the string is missing the terminator: '@")
}

// atHereStringEnd reports whether a newline followed by quote+'@' starts here
func (l *lexer) atHereStringEnd(quote byte) bool {
	return l.peek(0) == '\n' && l.peek(1) == quote && l.peek(2) == '@'
}

func (l *lexer) finishHereString() {
	l.advanceN(3)
}

func (l *lexer) lexSingleQuoted(start Pos) (string, error) {
	l.advance()
	var text strings.Builder
	for l.off < l.end {
		c := l.src[l.off]
		if c == '\'' {
			if l.peek(1) == '\'' {
				l.advanceN(2)
				text.WriteByte('\'')
				continue
			}
			l.advance()
			return text.String(), nil
		}
		text.WriteRune(l.advance())
	}
	return "", l.errorf(start, "the string is missing the terminator: '")
}

// lexExpandable reads a double-quoted or @" here-string body, recording interpolations.
// The opening delimiter has been consumed.
func (l *lexer) lexExpandable(start Pos, here bool) (Token, error) {
	tok := Token{Kind: ExpandableString, Pos: start}
	l.nest++
	defer func() { l.nest-- }()
	if l.nest > MaxDepth {
		return tok, l.errorf(start, "strings are nested too deeply")
	}
	var text strings.Builder
	for l.off < l.end {
		c := l.src[l.off]
		switch {
		case here && l.atHereStringEnd('"'):
			l.finishHereString()
			tok.Text = strings.TrimSuffix(text.String(), "\r")
			return tok, nil
		case !here && c == '"':
			if l.peek(1) == '"' {
				l.advanceN(2)
				text.WriteByte('"')
				continue
			}
			l.advance()
			tok.Text = text.String()
			return tok, nil
		case c == '`' && l.off+1 < l.end:
			l.advance()
			text.WriteString(unescape(l.advance()))
		case c == '$':
			part, raw, err := l.lexInterpolation()
			if err != nil {
				return tok, err
			}
			if part != nil {
				tok.Parts = append(tok.Parts, *part)
			}
			text.WriteString(raw)
		default:
			text.WriteRune(l.advance())
		}
	}
	if here {
		return tok, l.errorf(start, "the string is missing the terminator: \"@")
	}
	return tok, l.errorf(start, "the string is missing the terminator: \"")
}

// lexInterpolation handles '$' inside an expandable string
func (l *lexer) lexInterpolation() (*StringPart, string, error) {
	start := l.here()
	next := l.peek(1)
	switch {
	case next == '(':
		l.advanceN(2)
		inner := l.here()
		if err := l.skipSubExpression(start); err != nil {
			return nil, "", err
		}
		end := l.off
		l.advance() // ')'
		return &StringPart{Kind: PartSubExpression, Pos: start, Start: inner, End: end},
			l.src[start.Offset:l.off], nil
	case next == '{':
		l.advanceN(2)
		nameStart := l.off
		for l.off < l.end && l.src[l.off] != '}' {
			l.advance()
		}
		if l.off >= l.end {
			return nil, "", l.errorf(start, "missing '}' in variable reference")
		}
		scope, name := splitScope(l.src[nameStart:l.off])
		l.advance()
		return &StringPart{Kind: PartVariable, Pos: start, Name: name, Scope: scope},
			l.src[start.Offset:l.off], nil
	case isWordChar(next):
		l.advance()
		scope, name := l.lexVariableName()
		return &StringPart{Kind: PartVariable, Pos: start, Name: name, Scope: scope},
			l.src[start.Offset:l.off], nil
	}
	l.advance()
	return nil, "$", nil
}

// skipSubExpression advances to the ')' closing a "$(" opened inside a string
func (l *lexer) skipSubExpression(open Pos) error {
	depth := 1
	for l.off < l.end {
		switch l.src[l.off] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return nil
			}
		case '\'':
			if _, err := l.lexSingleQuoted(l.here()); err != nil {
				return err
			}
			continue
		case '"':
			nested := l.here()
			l.advance()
			if _, err := l.lexExpandable(nested, false); err != nil {
				return err
			}
			continue
		case '`':
			l.advance()
		case '#':
			for l.off < l.end && l.src[l.off] != '\n' {
				l.advance()
			}
			continue
		}
		l.advance()
	}
	return l.errorf(open, "missing closing ')' in subexpression")
}

func splitScope(name string) (string, string) {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func unescape(r rune) string {
	switch r {
	case 'n':
		return "\n"
	case 't':
		return "\t"
	case 'r':
		return "\r"
	case '0':
		return "\x00"
	case 'a':
		return "\a"
	case 'b':
		return "\b"
	case 'f':
		return "\f"
	case 'v':
		return "\v"
	case 'e':
		return "\x1b"
	}
	return string(r)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

func isWordStart(c byte) bool { return isLetter(c) || c == '_' }

func isWordChar(c byte) bool { return isLetter(c) || isDigit(c) || c == '_' }
