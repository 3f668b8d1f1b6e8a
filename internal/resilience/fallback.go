package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when a [FallbackGroup] runs out of entries: every
// backend either failed the call or sat behind an open breaker.
var ErrAllFailed = errors.New("resilience: all upstreams failed")

// FallbackConfig is the breaker configuration stamped onto every entry of a
// [FallbackGroup]; the entry name overrides CircuitBreaker.Name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary backend and its fallbacks behind per-entry
// circuit breakers. Calls walk the chain in registration order and stop at
// the first success; entries with an open breaker are skipped without being
// called.
//
// AddFallback is not safe to call concurrently with Execute; register the
// whole chain during startup.
type FallbackGroup[T any] struct {
	entries []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup starts a chain with primary as its head.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.entries = append(fg.entries, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bc),
	})
}

// Primary returns the name of the chain's head entry.
func (fg *FallbackGroup[T]) Primary() string {
	return fg.entries[0].name
}

// Execute walks the chain until fn succeeds against some entry. When the
// whole chain fails the returned error wraps [ErrAllFailed] together with
// the last entry's error.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a free function because methods cannot introduce the result
// type parameter.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		var res R
		err := entry.breaker.Execute(func() error {
			var callErr error
			res, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("upstream skipped, breaker open", "upstream", entry.name)
		} else {
			slog.Warn("upstream failed, trying next in chain", "upstream", entry.name, "err", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
