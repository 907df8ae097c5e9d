// Package errors provides custom error types for the agent host.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeWorkspaceNotFound    = "WORKSPACE_NOT_FOUND"
	ErrCodeAgentNotFound        = "AGENT_NOT_FOUND"
	ErrCodeTerminalNotFound     = "TERMINAL_NOT_FOUND"
	ErrCodeOperationNotFound    = "OPERATION_NOT_FOUND"
	ErrCodePathEscape           = "PATH_ESCAPE"
	ErrCodeIoError              = "IO_ERROR"
	ErrCodePluginNotInstalled   = "PLUGIN_NOT_INSTALLED"
	ErrCodePluginMissingBinPath = "PLUGIN_MISSING_BIN_PATH"
	ErrCodeProtocolError        = "PROTOCOL_ERROR"
	ErrCodeRpcError             = "RPC_ERROR"
	ErrCodeDenied               = "PERMISSION_DENIED"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidInput creates an error for a malformed or empty required input.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// WorkspaceNotFound creates an error for an unknown workspace id.
func WorkspaceNotFound(workspaceID string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkspaceNotFound,
		Message:    fmt.Sprintf("workspace with id '%s' not found", workspaceID),
		HTTPStatus: http.StatusNotFound,
	}
}

// AgentNotFound creates an error for an unknown agent id.
func AgentNotFound(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentNotFound,
		Message:    fmt.Sprintf("agent with id '%s' not found", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// TerminalNotFound creates an error for an unknown or released terminal id.
func TerminalNotFound(terminalID string) *AppError {
	return &AppError{
		Code:       ErrCodeTerminalNotFound,
		Message:    fmt.Sprintf("terminal with id '%s' not found", terminalID),
		HTTPStatus: http.StatusNotFound,
	}
}

// OperationNotFound creates an error for an unknown or already-resolved operation id.
func OperationNotFound(operationID string) *AppError {
	return &AppError{
		Code:       ErrCodeOperationNotFound,
		Message:    fmt.Sprintf("operation with id '%s' not found", operationID),
		HTTPStatus: http.StatusNotFound,
	}
}

// PathEscape creates an error for a path that resolves outside its workspace root.
func PathEscape(path string) *AppError {
	return &AppError{
		Code:       ErrCodePathEscape,
		Message:    fmt.Sprintf("path escapes workspace root: %s", path),
		HTTPStatus: http.StatusForbidden,
	}
}

// IoError creates an error wrapping an OS-level failure.
func IoError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeIoError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// PluginNotInstalled creates an error for a plugin with no cache entry.
func PluginNotInstalled(pluginID string) *AppError {
	return &AppError{
		Code:       ErrCodePluginNotInstalled,
		Message:    fmt.Sprintf("plugin '%s' is not installed", pluginID),
		HTTPStatus: http.StatusConflict,
	}
}

// PluginMissingBinPath creates an error for an installed plugin without a usable binary.
func PluginMissingBinPath(pluginID string) *AppError {
	return &AppError{
		Code:       ErrCodePluginMissingBinPath,
		Message:    fmt.Sprintf("plugin '%s' has no binary path", pluginID),
		HTTPStatus: http.StatusConflict,
	}
}

// ProtocolError creates an error for malformed or unexpected ACP traffic.
func ProtocolError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProtocolError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// RpcError creates an error carrying a JSON-RPC error object from the agent verbatim.
func RpcError(code int, message string) *AppError {
	return &AppError{
		Code:       ErrCodeRpcError,
		Message:    fmt.Sprintf("rpc error %d: %s", code, message),
		HTTPStatus: http.StatusBadGateway,
	}
}

// Denied creates an error for an explicitly denied permission.
// Denied permissions are a normal outcome; callers typically inspect the
// code rather than treating this as a failure.
func Denied(message string) *AppError {
	return &AppError{
		Code:       ErrCodeDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Cancelled creates an error for an operation torn down before completion.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR if it is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is one of the id-lookup failures.
func IsNotFound(err error) bool {
	switch Code(err) {
	case ErrCodeWorkspaceNotFound, ErrCodeAgentNotFound,
		ErrCodeTerminalNotFound, ErrCodeOperationNotFound:
		return true
	}
	return false
}

// IsDenied checks if the error is an explicit permission denial.
func IsDenied(err error) bool {
	return Code(err) == ErrCodeDenied
}

// IsCancelled checks if the error is a teardown cancellation.
func IsCancelled(err error) bool {
	return Code(err) == ErrCodeCancelled
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
