package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel values for the signaling core error taxonomy. Callers are
// expected to test with errors.Is rather than comparing messages.
var (
	// ErrNotInitialised is returned when a registration operation is
	// attempted before the engine has been initialised.
	ErrNotInitialised = errors.New("engine not initialised")

	// ErrSessionExists is returned when a session id is already present
	// in the registry.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned for operations on a session id that
	// is not (or no longer) in the registry.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidState is returned when an operation is not legal in the
	// session's current lifecycle state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrEngineCall is the generic sentinel for signaling engine command
	// failures. The engine's native code is preserved on the error.
	ErrEngineCall = errors.New("engine call failed")
)

// Error is a structured error carrying a wrapped original error, a string
// code for categorization, contextual fields, the engine's native numeric
// result code where one exists, and the location it was created at.
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// engineCode is the signaling engine's native result code, 0 when
	// the error did not originate from an engine call
	engineCode int32

	// stackPC is the program counter for the error's creation
	stackPC uintptr

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(errors.New(message), message, 0, "", fields...)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, message, 0, "", fields...)
}

func newError(original error, message string, engineCode int32, code string, fields ...map[string]interface{}) *Error {
	pc, file, line, _ := runtime.Caller(2)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original:   original,
		message:    message,
		fields:     fieldMap,
		engineCode: engineCode,
		stackPC:    pc,
		file:       file,
		line:       line,
		Code:       code,
	}
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	// Copy so the original error is not mutated
	result := e.clone(len(e.fields) + 1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(len(e.fields) + len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

func (e *Error) clone(fieldCap int) *Error {
	result := &Error{
		original:   e.original,
		message:    e.message,
		fields:     make(map[string]interface{}, fieldCap),
		engineCode: e.engineCode,
		stackPC:    e.stackPC,
		file:       e.file,
		line:       e.line,
		Code:       e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" {
		return e.original.Error()
	}

	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	parts := strings.Split(e.file, "/")
	filename := parts[len(parts)-1]

	return fmt.Sprintf("%s:%d", filename, e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// GetEngineCode returns the engine's native result code, or 0 when the
// error did not come from an engine call.
func (e *Error) GetEngineCode() int32 {
	if e == nil {
		return 0
	}
	return e.engineCode
}

// Is reports whether any error in err's tree matches target.
// Implements the errors.Is interface.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}

	if errors.Is(e.original, target) {
		return true
	}

	return e == target
}

// NewInitializationError reports an engine initialise/license failure,
// preserving the engine's native result code.
func NewInitializationError(code int32, details string) *Error {
	return newError(ErrEngineCall, fmt.Sprintf("engine initialisation failed: %s", details), code, "INITIALIZATION_ERROR",
		map[string]interface{}{"engine_code": code})
}

// NewAuthenticationFailed reports a credential/server configuration push
// rejected by the engine.
func NewAuthenticationFailed(code int32) *Error {
	return newError(ErrEngineCall, "authentication failed", code, "AUTHENTICATION_FAILED",
		map[string]interface{}{"engine_code": code})
}

// NewRegistrationFailed reports a registration attempt rejected by the
// engine or the remote server.
func NewRegistrationFailed(code int32, statusText string) *Error {
	message := "registration failed"
	if statusText != "" {
		message = fmt.Sprintf("registration failed: %s", statusText)
	}
	return newError(ErrEngineCall, message, code, "REGISTRATION_FAILED",
		map[string]interface{}{"engine_code": code})
}

// NewAPICallFailed reports a generic engine command failure with the
// engine's native result code.
func NewAPICallFailed(operation string, code int32) *Error {
	return newError(ErrEngineCall, fmt.Sprintf("engine call %s failed", operation), code, "API_CALL_FAILED",
		map[string]interface{}{"operation": operation, "engine_code": code})
}

// NewNotInitialised reports an operation attempted before Initialize.
func NewNotInitialised(operation string) *Error {
	return newError(ErrNotInitialised, fmt.Sprintf("%s requires an initialised engine", operation), 0, "NOT_INITIALISED",
		map[string]interface{}{"operation": operation})
}

// NewDuplicateSession reports an attempt to add a session whose id is
// already live in the registry.
func NewDuplicateSession(sessionID int) *Error {
	return newError(ErrSessionExists, fmt.Sprintf("session %d already exists", sessionID), 0, "DUPLICATE_SESSION_ID",
		map[string]interface{}{"session_id": sessionID})
}

// NewSessionNotFound reports an operation on an absent session id.
func NewSessionNotFound(sessionID int) *Error {
	return newError(ErrSessionNotFound, fmt.Sprintf("session %d not found", sessionID), 0, "SESSION_NOT_FOUND",
		map[string]interface{}{"session_id": sessionID})
}

// NewInvalidState reports an operation that is not legal in the session's
// current state, e.g. holding a call that is still ringing.
func NewInvalidState(operation, state string) *Error {
	return newError(ErrInvalidState, fmt.Sprintf("%s is not permitted while %s", operation, state), 0, "INVALID_STATE",
		map[string]interface{}{"operation": operation, "state": state})
}

// Is re-exports errors.Is so callers only import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As re-exports errors.As so callers only import this package.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// EngineCode extracts the engine's native result code from an error if it
// is a structured error carrying one.
func EngineCode(err error) (int32, bool) {
	var serr *Error
	if errors.As(err, &serr) && serr.engineCode != 0 {
		return serr.engineCode, true
	}
	return 0, false
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
