// ABOUTME: Syntax tree for the PowerShell script grammar
// ABOUTME: Every node records the position of its first token

package script

import "strings"

// Node is any syntax tree element
type Node interface {
	Position() Pos
}

// Statement is a node that can appear in a statement list
type Statement interface {
	Node
	stmtNode()
}

// Expression is a node that produces a value
type Expression interface {
	Node
	exprNode()
}

// PipelineElement is a command or the leading expression of a pipeline
type PipelineElement interface {
	Node
	elementNode()
}

// ScriptBlock is a script file or a { } literal
type ScriptBlock struct {
	Pos        Pos
	Param      *ParamBlock
	Statements []Statement
}

// Block is a braced statement list owned by a control statement
type Block struct {
	Pos        Pos
	Statements []Statement
}

type ParamBlock struct {
	Pos        Pos
	Attributes []*Attribute
	Parameters []*ParameterDecl
}

type ParameterDecl struct {
	Pos        Pos
	Attributes []*Attribute
	Types      []*TypeName
	Variable   *VariableExpr
	Default    Expression
}

// Attribute is [Name(args)] decorating a parameter or param block
type Attribute struct {
	Pos   Pos
	Type  *TypeName
	Args  []Expression
	Named []*NamedArg
}

type NamedArg struct {
	Pos   Pos
	Name  string
	Value Expression // nil for a bare switch such as Mandatory
}

// TypeName is the text between brackets of a type literal
type TypeName struct {
	Pos     Pos
	Name    string
	Generic []*TypeName
	Array   int
}

// FullName renders the type as written, normalised for comparison
func (t *TypeName) FullName() string {
	var b strings.Builder
	b.WriteString(t.Name)
	if len(t.Generic) > 0 {
		b.WriteByte('[')
		for i, g := range t.Generic {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(g.FullName())
		}
		b.WriteByte(']')
	}
	for i := 0; i < t.Array; i++ {
		b.WriteString("[]")
	}
	return b.String()
}

// Statements

type Pipeline struct {
	Pos      Pos
	Elements []PipelineElement
}

// PipelineChain joins pipelines with && or ||
type PipelineChain struct {
	Pos   Pos
	Left  Statement
	Op    string
	Right Statement
}

type AssignmentStmt struct {
	Pos    Pos
	Target Expression
	Op     string
	OpPos  Pos
	Value  Statement
}

type IfClause struct {
	Pos       Pos
	Condition Statement
	Body      *Block
}

type IfStmt struct {
	Pos     Pos
	Clauses []*IfClause
	Else    *Block
}

type ForeachStmt struct {
	Pos        Pos
	Variable   *VariableExpr
	Collection Statement
	Body       *Block
}

type ForStmt struct {
	Pos       Pos
	Init      Statement
	Condition Statement
	Iterator  Statement
	Body      *Block
}

type WhileStmt struct {
	Pos       Pos
	Condition Statement
	Body      *Block
}

// DoStmt is do { } while (...) or do { } until (...)
type DoStmt struct {
	Pos       Pos
	Body      *Block
	Condition Statement
	Until     bool
}

type SwitchClause struct {
	Pos     Pos
	Pattern Expression // nil for default
	Body    *Block
}

type SwitchStmt struct {
	Pos     Pos
	Flags   []string
	Subject Statement
	Clauses []*SwitchClause
}

type CatchClause struct {
	Pos   Pos
	Types []*TypeName
	Body  *Block
}

type TryStmt struct {
	Pos     Pos
	Body    *Block
	Catches []*CatchClause
	Finally *Block
}

type FunctionStmt struct {
	Pos        Pos
	Name       string
	Filter     bool
	Parameters []*ParameterDecl
	Body       *ScriptBlock
}

// FlowStmt is return, throw, break, continue or exit
type FlowStmt struct {
	Pos     Pos
	Keyword string
	Label   string
	Value   Statement
}

// Pipeline elements

type InvocationKind int

const (
	InvokeDirect    InvocationKind = iota
	InvokeCall                     // & name
	InvokeDotSource                // . name
)

type CommandCall struct {
	Pos          Pos
	Invocation   InvocationKind
	Name         string     // set when the command is named by a bare word
	NameExpr     Expression // set when the command name is computed
	Args         []Node     // *CommandParameter or Expression
	Redirections []*Redirection
}

type CommandParameter struct {
	Pos   Pos
	Name  string
	Value Expression // only for -Name:value
}

type CommandExpression struct {
	Pos          Pos
	Expr         Expression
	Redirections []*Redirection
}

// Redirection is n>target, n>>target or n>&m
type Redirection struct {
	Pos    Pos
	Stream string
	Append bool
	Merge  string
	Target Expression
}

// Expressions

type BinaryExpr struct {
	Pos   Pos
	Op    string
	Left  Expression
	Right Expression
}

type UnaryExpr struct {
	Pos     Pos
	Op      string
	Operand Expression
}

type IncDecExpr struct {
	Pos     Pos
	Op      string
	Prefix  bool
	Operand Expression
}

type ConvertExpr struct {
	Pos     Pos
	Type    *TypeName
	Operand Expression
}

type TypeExpr struct {
	Pos  Pos
	Type *TypeName
}

// MemberExpr is target.member or [type]::member
type MemberExpr struct {
	Pos    Pos
	Target Expression
	Member Expression
	Static bool
}

// InvokeMemberExpr is a method call
type InvokeMemberExpr struct {
	Pos    Pos
	Target Expression
	Member Expression
	Static bool
	Args   []Expression
}

type IndexExpr struct {
	Pos    Pos
	Target Expression
	Index  Expression
}

type VariableExpr struct {
	Pos   Pos
	Name  string
	Scope string
	Splat bool
}

type NumberExpr struct {
	Pos  Pos
	Text string
}

type QuoteKind int

const (
	Bare QuoteKind = iota
	SingleQuoted
	DoubleQuoted
)

type StringExpr struct {
	Pos   Pos
	Value string
	Quote QuoteKind
	Parts []Expression // interpolated variables and sub-expressions
}

type ArrayLiteral struct {
	Pos      Pos
	Elements []Expression
}

// ArrayExpr is @( )
type ArrayExpr struct {
	Pos  Pos
	Body *Block
}

// SubExpr is $( )
type SubExpr struct {
	Pos  Pos
	Body *Block
}

type ParenExpr struct {
	Pos  Pos
	Stmt Statement
}

type HashEntry struct {
	Pos   Pos
	Key   Expression
	Value Statement
}

type HashtableExpr struct {
	Pos     Pos
	Entries []*HashEntry
}

type ScriptBlockExpr struct {
	Pos  Pos
	Body *ScriptBlock
}

// MemberName returns the literal name of a member, or "" when it is computed
func MemberName(member Expression) string {
	if s, ok := member.(*StringExpr); ok && len(s.Parts) == 0 {
		return s.Value
	}
	return ""
}

func (n *ScriptBlock) Position() Pos       { return n.Pos }
func (n *Block) Position() Pos             { return n.Pos }
func (n *ParamBlock) Position() Pos        { return n.Pos }
func (n *ParameterDecl) Position() Pos     { return n.Pos }
func (n *Attribute) Position() Pos         { return n.Pos }
func (n *NamedArg) Position() Pos          { return n.Pos }
func (n *TypeName) Position() Pos          { return n.Pos }
func (n *Pipeline) Position() Pos          { return n.Pos }
func (n *PipelineChain) Position() Pos     { return n.Pos }
func (n *AssignmentStmt) Position() Pos    { return n.Pos }
func (n *IfClause) Position() Pos          { return n.Pos }
func (n *IfStmt) Position() Pos            { return n.Pos }
func (n *ForeachStmt) Position() Pos       { return n.Pos }
func (n *ForStmt) Position() Pos           { return n.Pos }
func (n *WhileStmt) Position() Pos         { return n.Pos }
func (n *DoStmt) Position() Pos            { return n.Pos }
func (n *SwitchClause) Position() Pos      { return n.Pos }
func (n *SwitchStmt) Position() Pos        { return n.Pos }
func (n *CatchClause) Position() Pos       { return n.Pos }
func (n *TryStmt) Position() Pos           { return n.Pos }
func (n *FunctionStmt) Position() Pos      { return n.Pos }
func (n *FlowStmt) Position() Pos          { return n.Pos }
func (n *CommandCall) Position() Pos       { return n.Pos }
func (n *CommandParameter) Position() Pos  { return n.Pos }
func (n *CommandExpression) Position() Pos { return n.Pos }
func (n *Redirection) Position() Pos       { return n.Pos }
func (n *BinaryExpr) Position() Pos        { return n.Pos }
func (n *UnaryExpr) Position() Pos         { return n.Pos }
func (n *IncDecExpr) Position() Pos        { return n.Pos }
func (n *ConvertExpr) Position() Pos       { return n.Pos }
func (n *TypeExpr) Position() Pos          { return n.Pos }
func (n *MemberExpr) Position() Pos        { return n.Pos }
func (n *InvokeMemberExpr) Position() Pos  { return n.Pos }
func (n *IndexExpr) Position() Pos         { return n.Pos }
func (n *VariableExpr) Position() Pos      { return n.Pos }
func (n *NumberExpr) Position() Pos        { return n.Pos }
func (n *StringExpr) Position() Pos        { return n.Pos }
func (n *ArrayLiteral) Position() Pos      { return n.Pos }
func (n *ArrayExpr) Position() Pos         { return n.Pos }
func (n *SubExpr) Position() Pos           { return n.Pos }
func (n *ParenExpr) Position() Pos         { return n.Pos }
func (n *HashEntry) Position() Pos         { return n.Pos }
func (n *HashtableExpr) Position() Pos     { return n.Pos }
func (n *ScriptBlockExpr) Position() Pos   { return n.Pos }

func (*Pipeline) stmtNode()       {}
func (*PipelineChain) stmtNode()  {}
func (*AssignmentStmt) stmtNode() {}
func (*IfStmt) stmtNode()         {}
func (*ForeachStmt) stmtNode()    {}
func (*ForStmt) stmtNode()        {}
func (*WhileStmt) stmtNode()      {}
func (*DoStmt) stmtNode()         {}
func (*SwitchStmt) stmtNode()     {}
func (*TryStmt) stmtNode()        {}
func (*FunctionStmt) stmtNode()   {}
func (*FlowStmt) stmtNode()       {}

func (*CommandCall) elementNode()       {}
func (*CommandExpression) elementNode() {}

func (*BinaryExpr) exprNode()       {}
func (*UnaryExpr) exprNode()        {}
func (*IncDecExpr) exprNode()       {}
func (*ConvertExpr) exprNode()      {}
func (*TypeExpr) exprNode()         {}
func (*MemberExpr) exprNode()       {}
func (*InvokeMemberExpr) exprNode() {}
func (*IndexExpr) exprNode()        {}
func (*VariableExpr) exprNode()     {}
func (*NumberExpr) exprNode()       {}
func (*StringExpr) exprNode()       {}
func (*ArrayLiteral) exprNode()     {}
func (*ArrayExpr) exprNode()        {}
func (*SubExpr) exprNode()          {}
func (*ParenExpr) exprNode()        {}
func (*HashtableExpr) exprNode()    {}
func (*ScriptBlockExpr) exprNode()  {}
