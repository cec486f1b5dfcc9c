package workflow

import (
	"strings"

	"github.com/BaSui01/phaseflow/types"
)

// EscalationAction is what happens when a rule matches a fatal outcome.
type EscalationAction string

const (
	// EscalateConsultAndRetry runs a consultation phase, then retries the
	// failed phase.
	EscalateConsultAndRetry EscalationAction = "consult_and_retry"
	// EscalateSkip records the phase as skipped and continues.
	EscalateSkip EscalationAction = "skip"
	// EscalatePause stops the session with status paused.
	EscalatePause EscalationAction = "pause"
	// EscalateFail keeps the outcome fatal.
	EscalateFail EscalationAction = "fail"
)

// Valid reports whether a is a known action.
func (a EscalationAction) Valid() bool {
	switch a {
	case EscalateConsultAndRetry, EscalateSkip, EscalatePause, EscalateFail:
		return true
	}
	return false
}

// MatchAny matches every phase or error code in an EscalationRule.
const MatchAny = "*"

// EscalationRule routes a fatal phase outcome to an action. Rules are
// evaluated in declaration order; the first match wins.
type EscalationRule struct {
	On           types.ErrorCode
	Phase        string
	Action       EscalationAction
	ConsultPhase string
	MaxRetries   int
}

var triggerAliases = map[string]types.ErrorCode{
	"validation_failed": types.ErrPostconditionFailure,
	"postcondition":     types.ErrPostconditionFailure,
	"upstream_invalid":  types.ErrUpstreamValidation,
	"agent_error":       types.ErrAgentExecution,
	"timeout":           types.ErrTimeout,
	"unresolved_input":  types.ErrUnresolvedInput,
	"circuit_open":      types.ErrCircuitOpen,
	"any":               MatchAny,
}

// ParseTrigger accepts an error code (AGENT_EXECUTION) or one of the short
// aliases (validation_failed, timeout, agent_error, ...).
func ParseTrigger(s string) (types.ErrorCode, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == MatchAny {
		return MatchAny, true
	}
	if code, ok := triggerAliases[strings.ToLower(s)]; ok {
		return code, true
	}
	code := types.ErrorCode(strings.ToUpper(s))
	switch code {
	case types.ErrUnresolvedInput, types.ErrUpstreamValidation, types.ErrAgentExecution,
		types.ErrPostconditionFailure, types.ErrTimeout, types.ErrAgentNotFound, types.ErrCircuitOpen:
		return code, true
	}
	return "", false
}

func (r EscalationRule) matches(phase string, code types.ErrorCode) bool {
	if r.Phase != "" && r.Phase != MatchAny && r.Phase != phase {
		return false
	}
	return r.On == "" || r.On == MatchAny || r.On == code
}

func (r EscalationRule) retries() int {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return 1
}

// escalatable excludes outcomes no rule may override.
func escalatable(code types.ErrorCode) bool {
	switch code {
	case types.ErrCancelled, types.ErrConcurrentWriteConflict, types.ErrEscalationFailed:
		return false
	}
	return true
}

func matchEscalation(rules []EscalationRule, phase string, code types.ErrorCode) (EscalationRule, bool) {
	if !escalatable(code) {
		return EscalationRule{}, false
	}
	for _, r := range rules {
		if r.matches(phase, code) {
			return r, true
		}
	}
	return EscalationRule{}, false
}
