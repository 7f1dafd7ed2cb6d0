package errsink

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Kind is the granularity of a failing scope.
type Kind uint8

const (
	// KindConnection scopes a whole connection.
	KindConnection Kind = iota
	// KindStream scopes one HTTP/2 stream.
	KindStream
)

func (k Kind) String() string {
	if k == KindStream {
		return "stream"
	}
	return "connection"
}

// Closer releases the resources behind a scope.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// Scope is one connection or stream that can fail. It is closed at most once,
// either by a reported error or by Release.
type Scope struct {
	kind   Kind
	name   string
	closer Closer
	done   atomic.Bool
}

// Kind returns the scope granularity.
func (s *Scope) Kind() Kind { return s.kind }

// Name returns the scope's log name.
func (s *Scope) Name() string { return s.name }

// Closed reports whether the scope was already released or failed.
func (s *Scope) Closed() bool { return s.done.Load() }

// Release closes the scope without logging. It returns nil if the scope was
// already closed.
func (s *Scope) Release() error {
	if !s.done.CompareAndSwap(false, true) {
		return nil
	}
	return s.closer.Close()
}

// Sink logs errors and closes the scope they belong to.
type Sink struct {
	logger   *zap.Logger
	reported atomic.Uint64
}

// New creates a sink. A nil logger discards output.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger}
}

// Scope registers a new failure scope.
func (s *Sink) Scope(kind Kind, name string, closer Closer) *Scope {
	return &Scope{kind: kind, name: name, closer: closer}
}

// Report logs err and closes scope. Only the first call for a scope has any
// effect; later errors are usually consequences of the first.
func (s *Sink) Report(scope *Scope, err error) {
	if err == nil || !scope.done.CompareAndSwap(false, true) {
		return
	}
	s.reported.Add(1)
	s.logger.Error(scope.kind.String()+" error",
		zap.String("scope", scope.name),
		zap.String("class", Class(err)),
		zap.Error(err),
	)
	if cerr := scope.closer.Close(); cerr != nil {
		s.logger.Debug("close after error", zap.String("scope", scope.name), zap.Error(cerr))
	}
}

// Reported returns the number of errors that were logged.
func (s *Sink) Reported() uint64 { return s.reported.Load() }
