// Package apperrors defines the failure taxonomy of the triage pipeline. Gate rejections are
// not errors and never appear here.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// Kind classifies a failure so operators can tell configuration problems from bad input.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindContractViolation  Kind = "contract_violation"
	KindTransientInference Kind = "transient_inference"
	KindUpstream           Kind = "upstream"
	KindInternal           Kind = "internal"
)

// AppError wraps an errbuilder error with its taxonomy kind.
type AppError struct {
	*errbuilder.ErrBuilder
	Kind       Kind      `json:"kind"`
	HTTPStatus int       `json:"http_status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if cause := e.ErrBuilder.Unwrap(); cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.ErrBuilder.Msg, cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.ErrBuilder.Msg)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.ErrBuilder.Unwrap()
}

func newAppError(builder *errbuilder.ErrBuilder, kind Kind, status int, message string, cause error, details map[string]string) *AppError {
	builder = builder.WithMsg(message)

	if len(details) > 0 {
		errorMap := errbuilder.ErrorMap{}
		for key, value := range details {
			errorMap.Set(key, errors.New(value))
		}
		builder = builder.WithDetails(errbuilder.NewErrDetails(errorMap))
	}
	if cause != nil {
		builder = builder.WithCause(cause)
	}

	return &AppError{
		ErrBuilder: builder,
		Kind:       kind,
		HTTPStatus: status,
		Timestamp:  time.Now(),
	}
}

// NewConfigurationError reports a model used before training/loading or a missing or corrupt
// artifact.
func NewConfigurationError(message string, cause error) *AppError {
	return newAppError(errbuilder.New().WithCode(errbuilder.CodeFailedPrecondition), KindConfiguration, http.StatusServiceUnavailable, message, cause, nil)
}

// NewContractViolation reports a feature-vector shape or class-set mismatch.
func NewContractViolation(message string, cause error) *AppError {
	return newAppError(errbuilder.New().WithCode(errbuilder.CodeInvalidArgument), KindContractViolation, http.StatusInternalServerError, message, cause, nil)
}

// NewTransientInferenceFailure reports a failed draw inside the uncertainty estimator.
func NewTransientInferenceFailure(draw int, cause error) *AppError {
	details := map[string]string{"draw": fmt.Sprintf("%d", draw)}
	return newAppError(errbuilder.New().WithCode(errbuilder.CodeUnavailable), KindTransientInference, http.StatusServiceUnavailable, "inference draw failed", cause, details)
}

// NewUpstreamError reports a failure of an external collaborator such as the image classifier.
func NewUpstreamError(service string, cause error) *AppError {
	details := map[string]string{"service": service}
	return newAppError(errbuilder.New().WithCode(errbuilder.CodeUnavailable), KindUpstream, http.StatusServiceUnavailable, service+" unavailable", cause, details)
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus returns the status code the HTTP layer should answer with for err.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
