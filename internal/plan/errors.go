package plan

import (
	"errors"
	"fmt"
)

// Input hardening limits.
const (
	MaxPlanSize          = 1 << 20 // 1MB
	MaxLineLength        = 1 << 20 // 1MB
	MaxInstructionCount  = 1000
	MaxVariableCount     = 100
	MaxVariableExpansion = 10 // recursion depth for variable expansion
)

// Sentinel errors for limit and structure violations.
var (
	ErrPlanTooLarge           = errors.New("plan exceeds maximum size")
	ErrTooManyInstructions    = errors.New("plan exceeds maximum instruction count")
	ErrTooManyVariables       = errors.New("plan exceeds maximum variable count")
	ErrVariableExpansionLoop  = errors.New("variable expansion loop or depth exceeded")
	ErrMissingFrom            = errors.New("plan must contain a FROM instruction")
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
)

// ParseError reports a problem in the plan source.
type ParseError struct {
	Line    int    // line number (1-indexed, 0 if not applicable)
	Message string
	Hint    string // optional fix suggestion
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		if e.Hint != "" {
			return fmt.Sprintf("line %d: %s (hint: %s)", e.Line, e.Message, e.Hint)
		}
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	if e.Hint != "" {
		return fmt.Sprintf("%s (hint: %s)", e.Message, e.Hint)
	}
	return e.Message
}

// UnsupportedError marks plan syntax this builder deliberately does not
// implement.
type UnsupportedError struct {
	Feature string
	Line    int
}

func (e *UnsupportedError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: unsupported feature: %s", e.Line, e.Feature)
	}
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupportedInstruction
}
