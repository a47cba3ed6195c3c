package types

import (
	"errors"
	"fmt"
)

var (
	ErrFeedUnavailable    = errors.New("feed unavailable")
	ErrPersistence        = errors.New("persistence failure")
	ErrNotifier           = errors.New("notifier failure")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrTickInProgress     = errors.New("tick already in progress")
)

// FeedErrorKind is the typed failure reason of a feed call.
type FeedErrorKind string

const (
	FeedNetwork       FeedErrorKind = "NETWORK"
	FeedRateLimited   FeedErrorKind = "RATE_LIMITED"
	FeedInvalidSymbol FeedErrorKind = "INVALID_SYMBOL"
)

// FeedError is returned by every feed adapter. It unwraps to ErrFeedUnavailable.
type FeedError struct {
	Kind   FeedErrorKind
	Symbol string
	Err    error
}

func (e *FeedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("feed %s for %s", e.Kind, e.Symbol)
	}
	return fmt.Sprintf("feed %s for %s: %v", e.Kind, e.Symbol, e.Err)
}

func (e *FeedError) Unwrap() []error {
	return []error{ErrFeedUnavailable, e.Err}
}

// NewFeedError builds a FeedError.
func NewFeedError(kind FeedErrorKind, symbol string, err error) *FeedError {
	return &FeedError{Kind: kind, Symbol: symbol, Err: err}
}
