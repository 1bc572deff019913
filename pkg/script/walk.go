package script

// Inspect traverses the tree depth-first in source order. If fn returns
// false the children of that node are skipped.
func Inspect(node Node, fn func(Node) bool) {
	if isNil(node) || !fn(node) {
		return
	}
	for _, child := range children(node) {
		Inspect(child, fn)
	}
}

func isNil(n Node) bool {
	if n == nil {
		return true
	}
	switch v := n.(type) {
	case *ScriptBlock:
		return v == nil
	case *Block:
		return v == nil
	case *ParamBlock:
		return v == nil
	case *TypeName:
		return v == nil
	case *VariableExpr:
		return v == nil
	}
	return false
}

func children(node Node) []Node {
	var out []Node
	add := func(ns ...Node) {
		for _, n := range ns {
			if !isNil(n) {
				out = append(out, n)
			}
		}
	}
	addStmt := func(s Statement) {
		if s != nil {
			out = append(out, s)
		}
	}
	addExpr := func(e Expression) {
		if e != nil {
			out = append(out, e)
		}
	}

	switch n := node.(type) {
	case *ScriptBlock:
		if n.Param != nil {
			add(n.Param)
		}
		for _, s := range n.Statements {
			addStmt(s)
		}
	case *Block:
		for _, s := range n.Statements {
			addStmt(s)
		}
	case *ParamBlock:
		for _, a := range n.Attributes {
			add(a)
		}
		for _, p := range n.Parameters {
			add(p)
		}
	case *ParameterDecl:
		for _, a := range n.Attributes {
			add(a)
		}
		for _, t := range n.Types {
			add(t)
		}
		if n.Variable != nil {
			add(n.Variable)
		}
		addExpr(n.Default)
	case *Attribute:
		if n.Type != nil {
			add(n.Type)
		}
		for _, a := range n.Args {
			addExpr(a)
		}
		for _, a := range n.Named {
			add(a)
		}
	case *NamedArg:
		addExpr(n.Value)
	case *TypeName:
		for _, g := range n.Generic {
			add(g)
		}
	case *Pipeline:
		for _, e := range n.Elements {
			if e != nil {
				out = append(out, e)
			}
		}
	case *PipelineChain:
		addStmt(n.Left)
		addStmt(n.Right)
	case *AssignmentStmt:
		addExpr(n.Target)
		addStmt(n.Value)
	case *IfStmt:
		for _, c := range n.Clauses {
			add(c)
		}
		if n.Else != nil {
			add(n.Else)
		}
	case *IfClause:
		addStmt(n.Condition)
		if n.Body != nil {
			add(n.Body)
		}
	case *ForeachStmt:
		if n.Variable != nil {
			add(n.Variable)
		}
		addStmt(n.Collection)
		if n.Body != nil {
			add(n.Body)
		}
	case *ForStmt:
		addStmt(n.Init)
		addStmt(n.Condition)
		addStmt(n.Iterator)
		if n.Body != nil {
			add(n.Body)
		}
	case *WhileStmt:
		addStmt(n.Condition)
		if n.Body != nil {
			add(n.Body)
		}
	case *DoStmt:
		if n.Body != nil {
			add(n.Body)
		}
		addStmt(n.Condition)
	case *SwitchStmt:
		addStmt(n.Subject)
		for _, c := range n.Clauses {
			add(c)
		}
	case *SwitchClause:
		addExpr(n.Pattern)
		if n.Body != nil {
			add(n.Body)
		}
	case *TryStmt:
		if n.Body != nil {
			add(n.Body)
		}
		for _, c := range n.Catches {
			add(c)
		}
		if n.Finally != nil {
			add(n.Finally)
		}
	case *CatchClause:
		for _, t := range n.Types {
			add(t)
		}
		if n.Body != nil {
			add(n.Body)
		}
	case *FunctionStmt:
		for _, p := range n.Parameters {
			add(p)
		}
		if n.Body != nil {
			add(n.Body)
		}
	case *FlowStmt:
		addStmt(n.Value)
	case *CommandCall:
		addExpr(n.NameExpr)
		for _, a := range n.Args {
			if a != nil {
				out = append(out, a)
			}
		}
		for _, r := range n.Redirections {
			add(r)
		}
	case *CommandParameter:
		addExpr(n.Value)
	case *CommandExpression:
		addExpr(n.Expr)
		for _, r := range n.Redirections {
			add(r)
		}
	case *Redirection:
		addExpr(n.Target)
	case *BinaryExpr:
		addExpr(n.Left)
		addExpr(n.Right)
	case *UnaryExpr:
		addExpr(n.Operand)
	case *IncDecExpr:
		addExpr(n.Operand)
	case *ConvertExpr:
		if n.Type != nil {
			add(n.Type)
		}
		addExpr(n.Operand)
	case *TypeExpr:
		if n.Type != nil {
			add(n.Type)
		}
	case *MemberExpr:
		addExpr(n.Target)
		addExpr(n.Member)
	case *InvokeMemberExpr:
		addExpr(n.Target)
		addExpr(n.Member)
		for _, a := range n.Args {
			addExpr(a)
		}
	case *IndexExpr:
		addExpr(n.Target)
		addExpr(n.Index)
	case *StringExpr:
		for _, p := range n.Parts {
			addExpr(p)
		}
	case *ArrayLiteral:
		for _, e := range n.Elements {
			addExpr(e)
		}
	case *ArrayExpr:
		if n.Body != nil {
			add(n.Body)
		}
	case *SubExpr:
		if n.Body != nil {
			add(n.Body)
		}
	case *ParenExpr:
		addStmt(n.Stmt)
	case *HashtableExpr:
		for _, e := range n.Entries {
			add(e)
		}
	case *HashEntry:
		addExpr(n.Key)
		addStmt(n.Value)
	case *ScriptBlockExpr:
		if n.Body != nil {
			add(n.Body)
		}
	}
	return out
}
