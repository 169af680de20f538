// Package cleanup provides a LIFO stack of release functions used to
// guarantee that every acquired resource (server process, data directory)
// is released on every exit path of a matrix entry.
package cleanup

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Func releases one resource.
type Func func() error

// Stack collects release functions and runs them in reverse registration
// order. Release runs at most once; errors from individual functions are
// aggregated rather than short-circuiting the remaining releases.
type Stack struct {
	mu     sync.Mutex
	funcs  []Func
	err    error
	log    *zap.Logger
	once   sync.Once
}

// NewStack returns an empty release stack.
func NewStack(log *zap.Logger) *Stack {
	return &Stack{log: log}
}

// Defer registers f to run during Release. Nil functions are ignored.
func (s *Stack) Defer(f Func) {
	if f == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs = append(s.funcs, f)
}

// Release runs the registered functions in LIFO order. Subsequent calls
// return the result of the first.
func (s *Stack) Release() error {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.log.Debug("releasing resources", zap.Int("count", len(s.funcs)))
		for i := len(s.funcs) - 1; i >= 0; i-- {
			if err := s.funcs[i](); err != nil {
				s.log.Error("resource release failed", zap.Error(err))
				s.err = multierr.Append(s.err, err)
			}
		}
	})
	return s.err
}
