// ABOUTME: Denylist and allowlist rules applied to each syntax tree node
// ABOUTME: Denylist runs first; a node it rejects is not re-judged by the allowlist

package validator

import (
	"fmt"
	"strings"

	"github.com/nainya/scriptgov/pkg/policy"
	"github.com/nainya/scriptgov/pkg/script"
)

// scopes that qualify ordinary variables; any other qualifier names a provider drive
var variableScopes = map[string]bool{
	"global": true, "script": true, "local": true, "private": true, "using": true,
}

var writableScopes = map[string]bool{"global": true, "script": true}

type checker struct {
	catalog    *policy.Catalog
	violations []Violation
}

func (c *checker) add(rule Rule, construct string, pos script.Pos, format string, args ...any) {
	c.violations = append(c.violations, Violation{
		Rule:      rule,
		Construct: construct,
		Location:  pos,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (c *checker) forbid(construct policy.Construct, pos script.Pos, format string, args ...any) bool {
	if !c.catalog.Forbids(construct) {
		return false
	}
	c.add(ForbiddenOperator, string(construct), pos, format, args...)
	return true
}

func (c *checker) visit(node script.Node) bool {
	if !c.deny(node) {
		c.allow(node)
	}
	return true
}

// deny applies the hard denylist and reports whether the node was rejected
func (c *checker) deny(node script.Node) bool {
	switch n := node.(type) {
	case *script.AssignmentStmt:
		denied := false
		if n.Op != "=" {
			denied = c.forbid(policy.CompoundAssignment, n.OpPos, "compound assignment %q is not allowed", n.Op)
		}
		for _, v := range assignedVariables(n.Target) {
			if writableScopes[strings.ToLower(v.Scope)] {
				if c.forbid(policy.ScopedWrite, v.Pos, "assignment to $%s:%s escapes the script scope", v.Scope, v.Name) {
					denied = true
				}
			}
		}
		return denied
	case *script.CommandCall:
		switch n.Invocation {
		case script.InvokeCall:
			return c.forbid(policy.CallOperator, n.Pos, "the call operator '&' is not allowed")
		case script.InvokeDotSource:
			return c.forbid(policy.DotSource, n.Pos, "dot-sourcing is not allowed")
		}
	case *script.Redirection:
		if n.Merge != "" || isNullTarget(n.Target) {
			return false
		}
		return c.forbid(policy.FileRedirection, n.Pos, "redirection to a file is not allowed")
	case *script.WhileStmt:
		return c.forbid(policy.WhileLoop, n.Pos, "while loops are not allowed")
	case *script.DoStmt:
		return c.forbid(policy.DoLoop, n.Pos, "do loops are not allowed")
	case *script.ForStmt:
		return c.forbid(policy.ForLoop, n.Pos, "for loops are not allowed")
	case *script.FunctionStmt:
		return c.forbid(policy.FunctionDefinition, n.Pos, "function definitions are not allowed")
	case *script.FlowStmt:
		if n.Keyword == "exit" {
			return c.forbid(policy.ExitStatement, n.Pos, "exit is not allowed")
		}
	case *script.VariableExpr:
		if n.Scope != "" && !variableScopes[strings.ToLower(n.Scope)] {
			return c.forbid(policy.ProviderVariable, n.Pos, "provider variable $%s:%s is not allowed", n.Scope, n.Name)
		}
	case *script.MemberExpr:
		if script.MemberName(n.Member) == "" {
			return c.forbid(policy.DynamicMember, n.Member.Position(), "member names must be literal")
		}
	case *script.InvokeMemberExpr:
		if script.MemberName(n.Member) == "" {
			return c.forbid(policy.DynamicMember, n.Member.Position(), "method names must be literal")
		}
	case *script.SwitchStmt:
		for _, f := range n.Flags {
			if f != "" && strings.HasPrefix("file", f) {
				return c.forbid(policy.SwitchFile, n.Pos, "switch -File reads from the filesystem")
			}
		}
	}
	return false
}

// allow applies allowlist checks to invocations and type references
func (c *checker) allow(node script.Node) {
	switch n := node.(type) {
	case *script.CommandCall:
		c.checkCommand(n)
	case *script.InvokeMemberExpr:
		name := script.MemberName(n.Member)
		if name == "" {
			c.add(DisallowedCommand, "dynamic-member", n.Member.Position(), "method names must be literal")
			return
		}
		c.checkMethod(name, n.Member.Position())
		if (strings.EqualFold(name, "ForEach") || strings.EqualFold(name, "Where")) && len(n.Args) > 0 {
			c.checkInvokedName(n.Args[0])
		}
	case *script.MemberExpr:
		if script.MemberName(n.Member) == "" {
			c.add(DisallowedCommand, "dynamic-member", n.Member.Position(), "member names must be literal")
		}
	case *script.TypeName:
		if _, ok := c.catalog.Type(n.Name); !ok {
			c.add(DisallowedCommand, n.FullName(), n.Pos, "type [%s] is not on the allowlist", n.FullName())
		}
	}
}

func (c *checker) checkCommand(call *script.CommandCall) {
	if call.Name == "" {
		c.add(DisallowedCommand, "dynamic-command", call.Pos, "command names must be literal")
		return
	}
	resolved := c.catalog.ResolveAlias(call.Name)
	entry, known := c.catalog.Command(call.Name)

	mode := policy.Read
	if known && entry.DataAccess {
		mode = c.dataAccessMode(call)
	} else if c.catalog.IsMutatingVerb(resolved) {
		mode = policy.Write
	}

	switch {
	case !known && mode == policy.Write:
		c.add(MutationAttempt, resolved, call.Pos, "command %s may modify tenant state", resolved)
	case !known:
		c.add(DisallowedCommand, resolved, call.Pos, "command %s is not on the allowlist", resolved)
	case !entry.Permits(mode):
		c.add(MutationAttempt, resolved, call.Pos, "command %s is not permitted in %s mode", resolved, mode)
	}

	if strings.EqualFold(resolved, "ForEach-Object") {
		for _, name := range memberNameArgs(call) {
			c.checkInvokedName(name)
		}
	}
}

// commonSwitches take no value, so the argument after them stays positional
var commonSwitches = []string{"verbose", "debug", "whatif", "confirm"}

func isPrefixOf(name string, full ...string) bool {
	n := strings.ToLower(name)
	for _, f := range full {
		if n != "" && strings.HasPrefix(f, n) {
			return true
		}
	}
	return false
}

// memberNameArgs returns what ForEach-Object binds to -MemberName: the
// named value and the first positional argument
func memberNameArgs(call *script.CommandCall) []script.Expression {
	var out []script.Expression
	positional := false
	for i := 0; i < len(call.Args); i++ {
		switch a := call.Args[i].(type) {
		case *script.CommandParameter:
			value := a.Value
			if value == nil && !isPrefixOf(a.Name, commonSwitches...) && i+1 < len(call.Args) {
				if next, ok := call.Args[i+1].(script.Expression); ok {
					value = next
					i++
				}
			}
			if value != nil && isPrefixOf(a.Name, "membername") {
				out = append(out, value)
			}
		case script.Expression:
			if !positional {
				positional = true
				out = append(out, a)
			}
		}
	}
	return out
}

// checkInvokedName judges an argument that names a member to invoke on
// every input, as ForEach-Object and the .ForEach()/.Where() methods allow
func (c *checker) checkInvokedName(e script.Expression) {
	switch e.(type) {
	case *script.ScriptBlockExpr, *script.TypeExpr:
		return
	}
	name, ok := literalString(e)
	if !ok {
		c.add(DisallowedCommand, "dynamic-member", e.Position(), "invoked member names must be literal")
		return
	}
	c.checkMethod(name, e.Position())
}

// dataAccessMode infers the access mode from the arguments. Anything that
// cannot be proven read-only counts as a write.
func (c *checker) dataAccessMode(call *script.CommandCall) policy.AccessMode {
	for i, arg := range call.Args {
		switch a := arg.(type) {
		case *script.CommandParameter:
			switch {
			case c.catalog.IsModeParameter(a.Name):
				value := a.Value
				if value == nil && i+1 < len(call.Args) {
					value, _ = call.Args[i+1].(script.Expression)
				}
				lit, ok := literalString(value)
				if !ok || c.catalog.IsWriteModeValue(lit) {
					return policy.Write
				}
			case c.catalog.IsMutatingSwitch(a.Name):
				if a.Value == nil || !isFalse(a.Value) {
					return policy.Write
				}
			}
		case *script.VariableExpr:
			if a.Splat {
				return policy.Write
			}
		}
	}
	return policy.Read
}

func (c *checker) checkMethod(name string, pos script.Pos) {
	entry, known := c.catalog.Method(name)
	mode := policy.Read
	if c.catalog.IsMutatingMethod(name) {
		mode = policy.Write
	}
	switch {
	case !known && mode == policy.Write:
		c.add(MutationAttempt, name, pos, "method %s may modify state", name)
	case !known:
		c.add(DisallowedCommand, name, pos, "method %s is not on the allowlist", name)
	case !entry.Permits(mode):
		c.add(MutationAttempt, name, pos, "method %s is not permitted in %s mode", name, mode)
	}
}

func literalString(e script.Expression) (string, bool) {
	if s, ok := e.(*script.StringExpr); ok && len(s.Parts) == 0 {
		return s.Value, true
	}
	return "", false
}

func isFalse(e script.Expression) bool {
	v, ok := e.(*script.VariableExpr)
	return ok && v.Scope == "" && strings.EqualFold(v.Name, "false")
}

func isNullTarget(e script.Expression) bool {
	v, ok := e.(*script.VariableExpr)
	return ok && v.Scope == "" && strings.EqualFold(v.Name, "null")
}

// assignedVariables finds the variables an assignment target writes through
func assignedVariables(target script.Expression) []*script.VariableExpr {
	switch t := target.(type) {
	case *script.VariableExpr:
		return []*script.VariableExpr{t}
	case *script.MemberExpr:
		return assignedVariables(t.Target)
	case *script.IndexExpr:
		return assignedVariables(t.Target)
	case *script.ConvertExpr:
		return assignedVariables(t.Operand)
	case *script.ArrayLiteral:
		var out []*script.VariableExpr
		for _, el := range t.Elements {
			out = append(out, assignedVariables(el)...)
		}
		return out
	}
	return nil
}
