package errors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/imgvault/internal/logger"
)

// Sentinel errors shared by the module runtime. Match them with errors.Is.
var (
	ErrNotFound  = errors.New("module not found")
	ErrCollision = errors.New("module name already installed")
	ErrSchema    = errors.New("manifest failed validation")
	ErrLoad      = errors.New("module failed to load")
	ErrExists    = errors.New("destination already exists")
)

// Error codes carried by AppError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeSchema     = "SCHEMA_ERROR"
	CodeLoad       = "LOAD_ERROR"
	CodeInvocation = "INVOCATION_ERROR"
	CodeCollision  = "COLLISION"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL_ERROR"
	CodeDatabase   = "DATABASE_ERROR"
)

// AppError represents a structured error with HTTP context
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// ToGinResponse sends the error as a standardized JSON response
func (e *AppError) ToGinResponse(c *gin.Context) {
	statusCode := e.HTTPStatus
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}

	response := gin.H{
		"error": e.Message,
		"code":  e.Code,
	}
	if e.Cause != nil {
		response["cause"] = e.Cause.Error()
	}
	if len(e.Context) > 0 {
		response["details"] = e.Context
	}

	logger.Error("HTTP error response",
		"status", statusCode,
		"code", e.Code,
		"message", e.Message,
		"path", c.Request.URL.Path,
		"method", c.Request.Method)

	c.JSON(statusCode, response)
}

func NewValidationError(message string, field string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Context:    map[string]interface{}{"field": field},
	}
}

func NewNotFoundError(resource string, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
		Context:    map[string]interface{}{"resource": resource, "id": id},
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewDatabaseError(operation string, cause error) *AppError {
	return &AppError{
		Code:       CodeDatabase,
		Message:    "Database operation failed",
		HTTPStatus: http.StatusInternalServerError,
		Context:    map[string]interface{}{"operation": operation},
		Cause:      cause,
	}
}

// NewModuleError classifies a module runtime error by its sentinel.
func NewModuleError(module string, operation string, cause error) *AppError {
	e := &AppError{
		Code:       CodeInternal,
		Message:    "Module operation failed",
		HTTPStatus: http.StatusInternalServerError,
		Context:    map[string]interface{}{"module": module, "operation": operation},
		Cause:      cause,
	}

	switch {
	case errors.Is(cause, ErrNotFound):
		e.Code, e.Message, e.HTTPStatus = CodeNotFound, "Module not found", http.StatusNotFound
	case errors.Is(cause, ErrCollision), errors.Is(cause, ErrExists):
		e.Code, e.Message, e.HTTPStatus = CodeCollision, "Module already installed", http.StatusConflict
	case errors.Is(cause, ErrSchema):
		e.Code, e.Message, e.HTTPStatus = CodeSchema, "Invalid module manifest", http.StatusUnprocessableEntity
	case errors.Is(cause, ErrLoad):
		e.Code, e.Message = CodeLoad, "Module failed to load"
	}
	return e
}

// HandleValidationError sends a validation error response
func HandleValidationError(c *gin.Context, message string, field string) {
	NewValidationError(message, field).ToGinResponse(c)
}

// HandleNotFound sends a not found error response
func HandleNotFound(c *gin.Context, resource string, id string) {
	NewNotFoundError(resource, id).ToGinResponse(c)
}

// HandleInternalError sends an internal server error response
func HandleInternalError(c *gin.Context, message string, err error) {
	NewInternalError(message, err).ToGinResponse(c)
}

// HandleDatabaseError sends a database error response
func HandleDatabaseError(c *gin.Context, operation string, err error) {
	NewDatabaseError(operation, err).ToGinResponse(c)
}

// HandleModuleError sends the classified module error response
func HandleModuleError(c *gin.Context, module string, operation string, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.ToGinResponse(c)
		return
	}
	NewModuleError(module, operation, err).ToGinResponse(c)
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
