package job

import "errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrExpired           = errors.New("job expired")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotProcessing     = errors.New("job is not processing")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoInput           = errors.New("no input")
)
