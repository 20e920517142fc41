package scripthost

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	v8 "github.com/tommie/v8go"
)

// ErrorKind classifies the failure behind an EvaluationError.
type ErrorKind int

const (
	// CompileError means the source text could not be compiled.
	CompileError ErrorKind = iota

	// ScriptRuntimeError means a value was raised while the script ran,
	// possibly wrapping a host-level failure.
	ScriptRuntimeError

	// InternalFault means the embedded engine itself failed. Faults are
	// reported and never retried.
	InternalFault
)

func (k ErrorKind) String() string {
	switch k {
	case CompileError:
		return "compile error"
	case ScriptRuntimeError:
		return "script runtime error"
	case InternalFault:
		return "internal fault"
	default:
		return "unknown error"
	}
}

// UnknownPosition is the line/column sentinel used when the execution
// path does not carry position info from the engine.
const UnknownPosition = -1

// EvaluationError is the single failure type surfaced by every
// evaluate, compile and call boundary of the host.
type EvaluationError struct {
	Kind    ErrorKind
	Message string
	Line    int
	Column  int
	Cause   error
}

func (e *EvaluationError) Error() string {
	if e.Line == UnknownPosition {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (line %d, column %d)", e.Kind, e.Message, e.Line, e.Column)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// internalFault builds an InternalFault with no position info.
func internalFault(message string, cause error) *EvaluationError {
	return &EvaluationError{
		Kind:    InternalFault,
		Message: message,
		Line:    UnknownPosition,
		Column:  UnknownPosition,
		Cause:   cause,
	}
}

// normalizeRun collapses a runtime failure into one EvaluationError.
// hostErr is the host-level failure a bound object recorded before
// throwing into script, if any; when present it takes precedence and is
// carried as the cause with its own message, whether the engine
// reported the throw as a script exception or as an engine fault.
// withPosition controls whether real source coordinates are taken from
// the engine error; the cached/string path reports UnknownPosition.
func normalizeRun(err error, hostErr error, withPosition bool) *EvaluationError {
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr
	}

	var jsErr *v8.JSError
	if errors.As(err, &jsErr) {
		// A script-level throw. When it carries the host failure a
		// bound object recorded (its message survives the wrapping),
		// unwrap and report the host failure itself; a rethrow of
		// something else is an ordinary script throw.
		if hostErr != nil && strings.Contains(jsErr.Message, hostErr.Error()) {
			return &EvaluationError{
				Kind:    ScriptRuntimeError,
				Message: hostErr.Error(),
				Line:    UnknownPosition,
				Column:  UnknownPosition,
				Cause:   hostErr,
			}
		}
		line, column := UnknownPosition, UnknownPosition
		if withPosition {
			line, column = parseLocation(jsErr.Location)
		}
		return &EvaluationError{
			Kind:    ScriptRuntimeError,
			Message: jsErr.Message,
			Line:    line,
			Column:  column,
			Cause:   err,
		}
	}

	if hostErr != nil {
		// An engine-internal fault that wraps a host failure.
		return &EvaluationError{
			Kind:    ScriptRuntimeError,
			Message: hostErr.Error(),
			Line:    UnknownPosition,
			Column:  UnknownPosition,
			Cause:   hostErr,
		}
	}

	return internalFault(err.Error(), err)
}

// normalizeCompile collapses a compilation failure. Malformed source is
// a CompileError; anything else is an engine fault.
func normalizeCompile(err error, withPosition bool) *EvaluationError {
	var jsErr *v8.JSError
	if errors.As(err, &jsErr) {
		line, column := UnknownPosition, UnknownPosition
		if withPosition {
			line, column = parseLocation(jsErr.Location)
		}
		return &EvaluationError{
			Kind:    CompileError,
			Message: jsErr.Message,
			Line:    line,
			Column:  column,
			Cause:   err,
		}
	}
	return internalFault(err.Error(), err)
}

// parseLocation extracts line and column from an engine location string
// of the form "origin:line:column". Returns sentinels when the string
// carries no coordinates.
func parseLocation(location string) (line, column int) {
	line, column = UnknownPosition, UnknownPosition
	parts := strings.Split(location, ":")
	if len(parts) < 2 {
		return line, column
	}
	c, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return line, column
	}
	l, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return line, column
	}
	return l, c
}
