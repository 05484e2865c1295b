// Package idgen provides the pluggable strategies that assign ids to outbound calls.
//
// A Generator is chosen once at startup and injected into the codec. Ids must be unique
// enough for the registry to tell concurrently outstanding calls on one connection apart.
package idgen

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces a fresh message id on every call. Implementations must be
// goroutine-safe.
type Generator interface {
	Next() string
}

// Func adapts a plain function to Generator.
type Func func() string

func (f Func) Next() string { return f() }

// Sequential hands out "1", "2", "3", ... from an atomic counter.
// Short decimal ids share prefixes ("1", "10", "11"), which is why the registry
// matches ids exactly by default.
type Sequential struct {
	counter atomic.Uint64
}

// NewSequential creates a counter starting at 1.
func NewSequential() *Sequential {
	return &Sequential{}
}

func (s *Sequential) Next() string {
	return strconv.FormatUint(s.counter.Add(1), 10)
}

// UUID returns a generator of random (version 4) UUID strings.
func UUID() Generator {
	return Func(func() string {
		return uuid.NewString()
	})
}

const (
	StrategySequential = "sequential"
	StrategyUUID       = "uuid"
)

// Parse maps a configured strategy name to a generator.
func Parse(name string) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategySequential:
		return NewSequential(), nil
	case StrategyUUID:
		return UUID(), nil
	default:
		return nil, fmt.Errorf("idgen: unknown strategy %q", name)
	}
}
