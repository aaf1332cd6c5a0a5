package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for fail-fast conditions.
var (
	// ErrCircuitOpen is returned when a provider's circuit breaker rejects
	// a call without invoking the provider.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRateLimited is returned when a provider's configured rate limit
	// rejects a call without invoking the provider.
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// DuplicateProviderError indicates a registration under an id that is
// already taken in this registry.
type DuplicateProviderError struct {
	ID string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("provider %q is already registered", e.ID)
}

// NotFoundError indicates an operation against an unknown provider id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider %q is not registered", e.ID)
}

// InvalidProviderError indicates a provider that does not expose the
// operations this registry's capability contract requires.
type InvalidProviderError struct {
	ID      string
	Missing []string
}

func (e *InvalidProviderError) Error() string {
	return fmt.Sprintf("provider %q is missing required operations: %s",
		e.ID, strings.Join(e.Missing, ", "))
}

// NoProvidersAvailableError indicates that no eligible candidate exists for
// an execution: every registered provider is disabled, filtered out, or has
// an open breaker.
type NoProvidersAvailableError struct {
	Category  string
	Operation string
}

func (e *NoProvidersAvailableError) Error() string {
	return fmt.Sprintf("no providers available for %s.%s", e.Category, e.Operation)
}

// ProviderOperationError wraps whatever the underlying provider returned.
type ProviderOperationError struct {
	ProviderID string
	Operation  string
	Err        error
}

func (e *ProviderOperationError) Error() string {
	return fmt.Sprintf("provider %q failed executing %s: %v", e.ProviderID, e.Operation, e.Err)
}

func (e *ProviderOperationError) Unwrap() error {
	return e.Err
}

// AttemptError records one failed attempt within an execution.
type AttemptError struct {
	ProviderID string        `json:"provider_id"`
	Attempt    int           `json:"attempt"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// AllProvidersFailedError aggregates the per-attempt errors of an execution
// that exhausted every candidate.
type AllProvidersFailedError struct {
	Category  string
	Operation string
	Attempts  []AttemptError
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.ProviderID, a.Err))
	}
	return fmt.Sprintf("all providers failed for %s.%s: [%s]",
		e.Category, e.Operation, strings.Join(parts, "; "))
}

func (e *AllProvidersFailedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
