package workflow

import (
	"fmt"
	"strings"

	"github.com/BaSui01/phaseflow/types"
)

// Sentinels for errors.Is. Matching is by error code.
var (
	ErrDefinitionInvalid  = types.NewError(types.ErrDefinition, "invalid workflow definition")
	ErrCyclicDependency   = types.NewError(types.ErrCyclicDependency, "cyclic dependency")
	ErrDanglingReference  = types.NewError(types.ErrDanglingReference, "dangling reference")
	ErrSchemaViolation    = types.NewError(types.ErrSchemaViolation, "schema violation")
	ErrUnresolvedInput    = types.NewError(types.ErrUnresolvedInput, "unresolved input")
	ErrUpstreamValidation = types.NewError(types.ErrUpstreamValidation, "upstream validation failed")
	ErrAgentExecution     = types.NewError(types.ErrAgentExecution, "agent execution failed")
	ErrPostcondition      = types.NewError(types.ErrPostconditionFailure, "postcondition failed")
	ErrWriteConflict      = types.NewError(types.ErrConcurrentWriteConflict, "concurrent write conflict")
	ErrPhaseTimeout       = types.NewError(types.ErrTimeout, "phase timed out")
	ErrCancelled          = types.NewError(types.ErrCancelled, "cancelled")
	ErrEscalationFailed   = types.NewError(types.ErrEscalationFailed, "escalation failed")
	ErrAgentNotFound      = types.NewError(types.ErrAgentNotFound, "agent not found")
	ErrCircuitOpen        = types.NewError(types.ErrCircuitOpen, "circuit breaker is open")
)

// DefinitionError reports every problem found while loading a definition.
// It matches ErrDefinitionInvalid and, through Unwrap, each problem's code.
type DefinitionError struct {
	Problems []*types.Error
}

func (e *DefinitionError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(msgs, "; "))
}

// Is matches ErrDefinitionInvalid.
func (e *DefinitionError) Is(target error) bool {
	return target == ErrDefinitionInvalid
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *DefinitionError) Unwrap() []error {
	out := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = p
	}
	return out
}

type problems struct {
	list []*types.Error
}

func (p *problems) add(code types.ErrorCode, phase, format string, args ...any) {
	p.list = append(p.list, types.NewError(code, fmt.Sprintf(format, args...)).WithPhase(phase))
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return &DefinitionError{Problems: p.list}
}

func phaseError(code types.ErrorCode, phase, msg string, cause error) *types.Error {
	e := types.NewError(code, msg).WithPhase(phase)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}
