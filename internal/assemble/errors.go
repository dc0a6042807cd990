package assemble

import (
	"errors"
	"fmt"
)

// ErrPathTraversal reports a source path escaping the build context.
var ErrPathTraversal = errors.New("path escapes the build context")

// ErrNoContext reports a copy instruction without a build context.
var ErrNoContext = errors.New("no build context provided")

// InstructionError reports the instruction a build failed on. Nothing after
// the failing instruction runs; the error carries its position so callers
// can point straight at the plan line.
type InstructionError struct {
	Index    int    // zero-based position in the plan's instruction list
	Line     int    // line in the plan source
	Op       string // instruction keyword, e.g. "RUN"
	Original string // original source text
	Message  string
	Err      error
}

func (e *InstructionError) Error() string {
	msg := fmt.Sprintf("instruction %d (%s) at line %d failed", e.Index, e.Op, e.Line)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

// PathTraversalError identifies the offending path when a copy source
// escapes the context root.
type PathTraversalError struct {
	Path string
	Line int
}

func (e *PathTraversalError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("path %q escapes the build context (line %d)", e.Path, e.Line)
	}
	return fmt.Sprintf("path %q escapes the build context", e.Path)
}

func (e *PathTraversalError) Is(target error) bool {
	return target == ErrPathTraversal
}
