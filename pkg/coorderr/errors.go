package coorderr

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// Category classifies an error for routing, retry and reporting decisions.
type Category string

const (
	CategoryValidation      Category = "validation"
	CategoryAuthorization   Category = "authorization"
	CategoryNotFound        Category = "not-found"
	CategoryExternalService Category = "external-service"
	CategoryDatabase        Category = "database"
	CategoryTimeout         Category = "timeout"
	CategoryRateLimit       Category = "rate-limit"
	CategoryInternal        Category = "internal"
	CategoryAgent           Category = "agent"
	CategoryWorkflow        Category = "workflow"
	CategoryMessaging       Category = "messaging"
	CategoryCritical        Category = "critical"
)

// Severity grades an error for logging and notification fan-out.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error codes shared across components.
const (
	CodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	CodeWorkflowExists      = "WORKFLOW_EXISTS"
	CodeUnknownWorkflowType = "UNKNOWN_WORKFLOW_TYPE"
	CodeUnknownTransition   = "UNKNOWN_TRANSITION"
	CodeWorkflowTerminal    = "WORKFLOW_TERMINAL"
	CodeVersionConflict     = "VERSION_CONFLICT"
	CodeWorkerNotFound      = "WORKER_NOT_FOUND"
	CodeDeadLetterNotFound  = "DEAD_LETTER_NOT_FOUND"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"
	CodeBusDisconnected     = "BUS_DISCONNECTED"
	CodeInvalidDefinition   = "INVALID_DEFINITION"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
)

// Sentinels used with errors.Is across package boundaries.
var (
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrVersionConflict   = errors.New("optimistic version conflict")
	ErrUnknownTransition = errors.New("transition label not declared")
	ErrWorkflowTerminal  = errors.New("workflow already terminal")
	ErrBusDisconnected   = errors.New("message bus disconnected")
	ErrBreakerOpen       = errors.New("circuit breaker open")
)

// Error is the standardized coordinator error. It carries everything the
// HTTP response envelope and the error.{category} bus events need.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Severity  Severity
	Reference string
	Timestamp time.Time
	Details   map[string]interface{}
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a categorized error with a fresh reference id.
func New(category Category, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Severity:  SeverityError,
		Reference: NewReference(),
		Timestamp: time.Now(),
	}
}

// Wrap attaches category/code context to an underlying error.
func Wrap(err error, category Category, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Severity:  SeverityError,
		Reference: NewReference(),
		Timestamp: time.Now(),
		Err:       err,
	}
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithDetails merges free-form details into the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// NewReference returns a short correlation id suitable for log lines and
// user-facing envelopes.
func NewReference() string {
	return uuid.NewString()[:8]
}

// CategoryOf extracts the category from err, walking the wrap chain.
// Uncategorized errors report internal.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryInternal
}

// CodeOf extracts the error code, defaulting to INTERNAL_ERROR.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// ReferenceOf returns the embedded reference id, or a fresh one for plain errors.
func ReferenceOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reference
	}
	return NewReference()
}

// EnvelopeError is the error half of the standardized response envelope.
type EnvelopeError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Reference string                 `json:"reference"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

// Envelope is the standardized error response shape:
// {success: false, error: {message, code, reference, [details, stack]}}.
type Envelope struct {
	Success bool          `json:"success"`
	Error   EnvelopeError `json:"error"`
}

// ToEnvelope renders err as the standardized envelope. Details and stack are
// included only when verbose is set (non-production environments).
func ToEnvelope(err error, verbose bool) Envelope {
	env := Envelope{
		Success: false,
		Error: EnvelopeError{
			Message:   err.Error(),
			Code:      CodeOf(err),
			Reference: ReferenceOf(err),
		},
	}
	var ce *Error
	if errors.As(err, &ce) {
		env.Error.Message = ce.Message
		if verbose {
			env.Error.Details = ce.Details
		}
	}
	if verbose {
		env.Error.Stack = string(debug.Stack())
	}
	return env
}
