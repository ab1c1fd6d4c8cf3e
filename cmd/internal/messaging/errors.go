// Package messaging contains the Campus course messaging service:
// validation, authorization, persistence, and best-effort live broadcast.
package messaging

import "errors"

var (
	// ErrInvalidArgument marks requests missing required identifiers.
	ErrInvalidArgument = errors.New("messaging: invalid argument")

	// ErrUnauthorized marks requests by users without course access.
	ErrUnauthorized = errors.New("messaging: unauthorized")

	// ErrValidation marks message content that fails the content rules.
	ErrValidation = errors.New("messaging: validation failed")

	// ErrNotFound marks lookups of messages that do not exist.
	ErrNotFound = errors.New("messaging: not found")

	// ErrPersistence wraps storage failures.
	ErrPersistence = errors.New("messaging: persistence failed")
)
