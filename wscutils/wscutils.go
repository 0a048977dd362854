// Package wscutils defines the standard web service envelope used by every
// MasStock endpoint, plus helpers for binding and validating request bodies.
//
// Every response has the shape {success, data} or {success, error} where
// error is an ApiError. Handlers never write raw JSON; they go through
// SendSuccess / SendError so the envelope stays uniform.
package wscutils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Response is the standard structure of every web service response.
type Response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *ApiError `json:"error,omitempty"`
}

// ApiError is the canonical error payload. Status is the HTTP status to
// respond with; it is not serialized.
type ApiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *ApiError) Error() string {
	return e.Code + ": " + e.Message
}

// NewApiError builds an ApiError with the given HTTP status, code and message.
func NewApiError(status int, code, message string) *ApiError {
	return &ApiError{Status: status, Code: code, Message: message}
}

// WithDetails attaches structured details to the error and returns it.
func (e *ApiError) WithDetails(details any) *ApiError {
	e.Details = details
	return e
}

// NewSuccessResponse wraps data in a success envelope.
func NewSuccessResponse(data any) *Response {
	return &Response{Success: true, Data: data}
}

// NewErrorResponse wraps an ApiError in an error envelope.
func NewErrorResponse(apiErr *ApiError) *Response {
	return &Response{Success: false, Error: apiErr}
}

// SendSuccess writes a success envelope with the given HTTP status.
func SendSuccess(c *gin.Context, status int, data any) {
	c.JSON(status, NewSuccessResponse(data))
}

// SendError writes an error envelope. Unknown errors are mapped to a 500
// INTERNAL response so stack details never leak to clients.
func SendError(c *gin.Context, err error) {
	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		apiErr = NewApiError(http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
	c.JSON(apiErr.Status, NewErrorResponse(apiErr))
}

// BindJSON binds the request body into data. On malformed JSON it writes a
// 400 INVALID_JSON response and returns the bind error so the handler can
// bail out.
func BindJSON(c *gin.Context, data any) error {
	if err := c.ShouldBindJSON(data); err != nil {
		SendError(c, NewApiError(http.StatusBadRequest, ErrCodeInvalidJSON, "request body is not valid JSON"))
		return err
	}
	return nil
}

// FieldError describes a single field validation failure.
type FieldError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Value string `json:"value,omitempty"`
}

var validate = validator.New()

// WscValidate validates data against its struct tags and returns one
// FieldError per failing field. An empty slice means the value is valid.
func WscValidate[T any](data T) []FieldError {
	var fieldErrors []FieldError

	err := validate.Struct(data)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, ve := range validationErrs {
				fieldErrors = append(fieldErrors, FieldError{
					Field: ve.Field(),
					Tag:   ve.Tag(),
					Value: ve.Param(),
				})
			}
		}
	}
	return fieldErrors
}

// ValidationError builds the standard 400 response for struct validation
// failures, carrying the per-field breakdown in details.
func ValidationError(fieldErrors []FieldError) *ApiError {
	return NewApiError(http.StatusBadRequest, ErrCodeValidation, "request validation failed").
		WithDetails(fieldErrors)
}
