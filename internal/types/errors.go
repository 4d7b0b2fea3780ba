package types

import "fmt"

// ErrorKind enumerates the facade-level error kinds of spec.md §7.
type ErrorKind string

const (
	ErrBrokerUnavailable   ErrorKind = "BrokerUnavailable"
	ErrAgentNotFound       ErrorKind = "AgentNotFound"
	ErrAgentUnavailable    ErrorKind = "AgentUnavailable"
	ErrNoAvailableAgents   ErrorKind = "NoAvailableAgents"
	ErrTaskNotFound        ErrorKind = "TaskNotFound"
	ErrTaskAlreadyTerminal ErrorKind = "TaskAlreadyTerminal"
	ErrTaskTimeout         ErrorKind = "TaskTimeout"
	ErrTaskExecutionError  ErrorKind = "TaskExecutionError"
	ErrDependencyFailure   ErrorKind = "DependencyFailure"
	ErrWorkflowNotFound    ErrorKind = "WorkflowNotFound"
	ErrWorkflowNotRetry    ErrorKind = "WorkflowNotRetryable"
	ErrNotInitialized      ErrorKind = "NotInitialized"
)

// OrchestratorError is the typed error object the facade returns, per
// spec.md §7: a kind plus a human-readable message.
type OrchestratorError struct {
	Kind    ErrorKind
	Message string
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an OrchestratorError with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, if it is (or wraps) an
// *OrchestratorError.
func KindOf(err error) (ErrorKind, bool) {
	var oe *OrchestratorError
	if ae, ok := err.(*OrchestratorError); ok {
		oe = ae
	} else if ue, ok := err.(interface{ Unwrap() error }); ok {
		return KindOf(ue.Unwrap())
	} else {
		return "", false
	}
	return oe.Kind, true
}
