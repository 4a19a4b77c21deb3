package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRoutingMisconfig  = "ROUTING_MISCONFIGURED"
	ErrCodeMergeFailed       = "MERGE_FAILED"
	ErrCodeUnknownBucket     = "UNKNOWN_BUCKET"
	ErrCodeTypeMismatch      = "TYPE_MISMATCH"
	ErrCodeQuality           = "QUALITY_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepLimit         = "STEP_LIMIT"
	ErrCodeParse             = "PARSE_ERROR"
	ErrCodeAdvisor           = "ADVISOR_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeResume            = "RESUME_ERROR"
	ErrCodeSchedule          = "SCHEDULE_ERROR"
	ErrCodeData              = "DATA_ERROR"
)

// PipelineError is the structured error type for all quantgraph operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *PipelineError) WithStep(step string) *PipelineError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// ErrorCode extracts the quantgraph error code from err, or "" if err
// is not a PipelineError anywhere in its chain.
func ErrorCode(err error) string {
	var pe *PipelineError
	for e := err; e != nil; {
		if p, ok := e.(*PipelineError); ok {
			pe = p
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if pe == nil {
		return ""
	}
	return pe.Code
}
