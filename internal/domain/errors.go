package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEngineUnavailable = errors.New("engine: unavailable")
	ErrEngineTimeout     = errors.New("engine: timed out")
	ErrJobNotFound       = errors.New("install job: not found")
)

// ValidationError rejects client input before anything reaches the engine.
type ValidationError struct {
	Problems []string
}

func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// UpstreamRejectedError carries the engine's refusal with its body untouched.
type UpstreamRejectedError struct {
	Op     string
	Status int
	Body   []byte
}

func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("%s: engine responded %d", e.Op, e.Status)
}

// IsEngineUnavailable reports whether err means the engine could not be reached in time.
func IsEngineUnavailable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrEngineTimeout)
}
