// ABOUTME: Token model for the PowerShell script grammar
// ABOUTME: Positions are absolute so nested interpolations report real locations

package script

import "fmt"

// Pos is a location in script source. Line and Column are 1-based.
type Pos struct {
	Offset int `json:"Offset"`
	Line   int `json:"Line"`
	Column int `json:"Column"`
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// TokenKind identifies a lexical class
type TokenKind int

const (
	EOF TokenKind = iota
	Newline
	Semicolon
	Variable
	SplatVariable
	Number
	String
	ExpandableString
	Word
	Parameter
	LParen
	RParen
	LBrace
	RBrace
	LBracket
	RBracket
	AtParen
	AtBrace
	DollarParen
	Comma
	Dot
	DotDot
	ColonColon
	Pipe
	Amp
	AndAnd
	OrOr
	Assign
	CompoundAssign
	Plus
	Minus
	Star
	Slash
	Percent
	Exclaim
	PlusPlus
	MinusMinus
	RedirectOp
	Question
	Backslash
)

var kindNames = map[TokenKind]string{
	EOF:              "end of input",
	Newline:          "newline",
	Semicolon:        "';'",
	Variable:         "variable",
	SplatVariable:    "splatted variable",
	Number:           "number",
	String:           "string",
	ExpandableString: "string",
	Word:             "word",
	Parameter:        "parameter",
	LParen:           "'('",
	RParen:           "')'",
	LBrace:           "'{'",
	RBrace:           "'}'",
	LBracket:         "'['",
	RBracket:         "']'",
	AtParen:          "'@('",
	AtBrace:          "'@{'",
	DollarParen:      "'$('",
	Comma:            "','",
	Dot:              "'.'",
	DotDot:           "'..'",
	ColonColon:       "'::'",
	Pipe:             "'|'",
	Amp:              "'&'",
	AndAnd:           "'&&'",
	OrOr:             "'||'",
	Assign:           "'='",
	CompoundAssign:   "compound assignment",
	Plus:             "'+'",
	Minus:            "'-'",
	Star:             "'*'",
	Slash:            "'/'",
	Percent:          "'%'",
	Exclaim:          "'!'",
	PlusPlus:         "'++'",
	MinusMinus:       "'--'",
	RedirectOp:       "redirection",
	Question:         "'?'",
	Backslash:        "'\\'",
}

func (k TokenKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// PartKind classifies an interpolation inside an expandable string
type PartKind int

const (
	PartVariable PartKind = iota + 1
	PartSubExpression
)

// StringPart is an interpolation found while lexing a double-quoted string.
// For sub-expressions Start and End delimit the inner source (without "$(" and ")").
type StringPart struct {
	Kind  PartKind
	Pos   Pos
	Name  string
	Scope string
	Start Pos
	End   int
}

// Token is a single lexeme
type Token struct {
	Kind        TokenKind
	Text        string // Raw text, or decoded value for strings and names for variables/parameters
	Scope       string // Variable scope or drive qualifier ("env", "global", ...)
	Pos         Pos
	End         int  // Offset just past the token
	SpaceBefore bool // Whitespace (or a line start) separates this token from the previous one
	Colon       bool // Parameter written as -Name:value
	Parts       []StringPart
}

func (t Token) describe() string {
	switch t.Kind {
	case Word, Number:
		return fmt.Sprintf("%q", t.Text)
	case Parameter:
		return fmt.Sprintf("'-%s'", t.Text)
	case Variable:
		return fmt.Sprintf("'$%s'", t.Text)
	case CompoundAssign, RedirectOp:
		return fmt.Sprintf("'%s'", t.Text)
	}
	return t.Kind.String()
}
