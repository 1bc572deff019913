package script

import "fmt"

// MaxDepth bounds syntactic nesting so hostile input cannot exhaust the stack
const MaxDepth = 256

// SyntaxError reports the first position the parser could not accept
type SyntaxError struct {
	Pos Pos
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
}

func newSyntaxError(pos Pos, format string, args ...any) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
