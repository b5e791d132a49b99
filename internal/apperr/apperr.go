// Package apperr defines the stable error codes returned to API clients and
// maps internal errors onto them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/leejennwah/palette-engine/internal/job"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	NoInput              Code = "NO_INPUT"
	InvalidInput         Code = "INVALID_INPUT"
	PayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	UnsupportedMediaType Code = "UNSUPPORTED_MEDIA_TYPE"
	ProcessingError      Code = "PROCESSING_ERROR"
	ZipTraversal         Code = "ZIP_TRAVERSAL"
	JobNotFound          Code = "JOB_NOT_FOUND"
	ExpiredJob           Code = "EXPIRED_JOB"
	IdempotencyViolation Code = "IDEMPOTENCY_VIOLATION"
	InvalidSignature     Code = "INVALID_SIGNATURE"
	TimestampOutOfRange  Code = "TIMESTAMP_OUT_OF_RANGE"
	NonceReused          Code = "NONCE_REUSED"
	InvalidTransition    Code = "INVALID_TRANSITION"
	RateLimited          Code = "RATE_LIMITED"
	InternalError        Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	NoInput:              http.StatusBadRequest,
	InvalidInput:         http.StatusBadRequest,
	PayloadTooLarge:      http.StatusRequestEntityTooLarge,
	UnsupportedMediaType: http.StatusUnsupportedMediaType,
	ProcessingError:      http.StatusUnprocessableEntity,
	ZipTraversal:         http.StatusBadRequest,
	JobNotFound:          http.StatusNotFound,
	ExpiredJob:           http.StatusNotFound,
	IdempotencyViolation: http.StatusConflict,
	InvalidSignature:     http.StatusUnauthorized,
	TimestampOutOfRange:  http.StatusUnauthorized,
	NonceReused:          http.StatusUnauthorized,
	InvalidTransition:    http.StatusConflict,
	RateLimited:          http.StatusTooManyRequests,
	InternalError:        http.StatusInternalServerError,
}

var messageByCode = map[Code]string{
	NoInput:              "No images, archive or URLs were provided.",
	InvalidInput:         "The request is invalid.",
	PayloadTooLarge:      "The upload exceeds the allowed size.",
	UnsupportedMediaType: "The content type is not supported.",
	ProcessingError:      "The images could not be processed.",
	ZipTraversal:         "The archive contains unsafe file paths.",
	JobNotFound:          "Job not found.",
	ExpiredJob:           "Job not found.",
	IdempotencyViolation: "The idempotency key was already used with a different request.",
	InvalidSignature:     "The request signature is invalid.",
	TimestampOutOfRange:  "The request timestamp is outside the accepted window.",
	NonceReused:          "This request id has already been used.",
	InvalidTransition:    "The job can no longer be changed.",
	RateLimited:          "Too many requests, slow down.",
	InternalError:        "Something went wrong on our side.",
}

// HTTPStatus returns the response status for a code.
func (c Code) HTTPStatus() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// UserMessage returns the default human readable message for a code.
func (c Code) UserMessage() string {
	if m, ok := messageByCode[c]; ok {
		return m
	}
	return messageByCode[InternalError]
}

// Error is an error carrying a stable code and a message safe to show to
// users. The wrapped cause is only ever logged.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New returns an Error with the code's default user message.
func New(code Code, cause error) *Error {
	return &Error{Code: code, Message: code.UserMessage(), Err: cause}
}

// Newf returns an Error with a custom user message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// From classifies err. Known domain sentinels are mapped onto their code;
// anything else becomes INTERNAL_ERROR.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, job.ErrNotFound):
		return New(JobNotFound, err)
	case errors.Is(err, job.ErrExpired):
		return New(ExpiredJob, err)
	case errors.Is(err, job.ErrNoInput):
		return New(NoInput, err)
	case errors.Is(err, job.ErrInvalidInput):
		return New(InvalidInput, err)
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrNotProcessing):
		return New(InvalidTransition, err)
	}
	return New(InternalError, err)
}

// CodeOf returns the code for err. A nil error has no code.
func CodeOf(err error) Code {
	if e := From(err); e != nil {
		return e.Code
	}
	return ""
}
