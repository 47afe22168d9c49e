package services

import (
	"errors"
	"net/http"

	"clipwatch/internal/pipeline"
)

// ServiceError is returned by the service implementations and rendered by the
// HTTP layer with its status code.
type ServiceError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	status  int
}

func (e *ServiceError) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status for the error.
func (e *ServiceError) StatusCode() int {
	return e.status
}

func badRequest(msg string) *ServiceError {
	return &ServiceError{Name: "bad_request", Message: msg, status: http.StatusBadRequest}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Name: "not_found", Message: msg, status: http.StatusNotFound}
}

func unauthorized(msg string) *ServiceError {
	return &ServiceError{Name: "unauthorized", Message: msg, status: http.StatusUnauthorized}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Name: "conflict", Message: msg, status: http.StatusConflict}
}

func unavailable(msg string) *ServiceError {
	return &ServiceError{Name: "unavailable", Message: msg, status: http.StatusServiceUnavailable}
}

// pipelineError maps controller errors onto service errors.
func pipelineError(err error) error {
	var ce *pipeline.ClassifierError
	switch {
	case errors.Is(err, pipeline.ErrInvalidConfig):
		return badRequest(err.Error())
	case errors.Is(err, pipeline.ErrSourceOpen):
		return &ServiceError{Name: "source_open_failed", Message: err.Error(), status: http.StatusUnprocessableEntity}
	case errors.Is(err, pipeline.ErrNotRunning):
		return conflict(err.Error())
	case errors.As(err, &ce):
		return &ServiceError{Name: "classifier_failed", Message: err.Error(), status: http.StatusBadGateway}
	}
	return err
}
