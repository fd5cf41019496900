package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/chaindoc/internal/chain"
	"github.com/foxzi/chaindoc/internal/compiler"
)

var (
	// ErrValidation marks bad or missing caller input
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown template or document
	ErrNotFound = errors.New("not found")
	// ErrCompilation marks compiler diagnostics
	ErrCompilation = compiler.ErrCompilation
	// ErrCompilerUnavailable marks a compiler that could not be run
	ErrCompilerUnavailable = compiler.ErrUnavailable
	// ErrDeployment marks a failed contract creation or deployment check
	ErrDeployment = chain.ErrDeployment
	// ErrBlockchain marks a failed chain read or write
	ErrBlockchain = chain.ErrBlockchain
	// ErrDuplicateDocument marks a document hash already recorded on-chain
	ErrDuplicateDocument = chain.ErrDuplicateDocument
	// ErrRateLimited marks an issuance denied by the rate limiter
	ErrRateLimited = errors.New("rate limit exceeded")
)

// RateLimitError describes a denied issuance
type RateLimitError struct {
	Level      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s limit, retry after %s", ErrRateLimited, e.Level, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(err error) error {
	return fmt.Errorf("%w: %w", ErrNotFound, err)
}
