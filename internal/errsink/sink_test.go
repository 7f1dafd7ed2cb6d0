package errsink

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/net/http2"
)

func newObservedSink() (*Sink, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return New(zap.New(core)), logs
}

func TestReportLogsAndClosesOnce(t *testing.T) {
	sink, logs := newObservedSink()
	closes := 0
	scope := sink.Scope(KindConnection, "127.0.0.1:4000", CloserFunc(func() error {
		closes++
		return nil
	}))

	sink.Report(scope, &HandshakeError{Remote: "127.0.0.1:4000", Err: io.EOF})
	sink.Report(scope, NewProtocolError("late"))
	sink.Report(scope, io.ErrUnexpectedEOF)

	assert.Equal(t, 1, closes)
	assert.Equal(t, uint64(1), sink.Reported())
	require.Equal(t, 1, logs.FilterMessage("connection error").Len())
	entry := logs.FilterMessage("connection error").All()[0]
	assert.Equal(t, "handshake", entry.ContextMap()["class"])
	assert.True(t, scope.Closed())
}

func TestReleaseSuppressesLaterReports(t *testing.T) {
	sink, logs := newObservedSink()
	closes := 0
	scope := sink.Scope(KindStream, "stream 3", CloserFunc(func() error {
		closes++
		return nil
	}))

	require.NoError(t, scope.Release())
	require.NoError(t, scope.Release())
	sink.Report(scope, &ResponseWriteError{StreamID: 3, Err: io.ErrClosedPipe})

	assert.Equal(t, 1, closes)
	assert.Zero(t, sink.Reported())
	assert.Zero(t, logs.Len())
}

func TestReportNilIsIgnored(t *testing.T) {
	sink, _ := newObservedSink()
	scope := sink.Scope(KindConnection, "c", CloserFunc(func() error { return nil }))
	sink.Report(scope, nil)
	assert.False(t, scope.Closed())
}

func TestClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&StartupError{Op: "bind"}, "startup"},
		{&HandshakeError{Err: io.EOF}, "handshake"},
		{&ProtocolError{Code: http2.ErrCodeProtocol}, "protocol"},
		{&ResponseWriteError{StreamID: 1}, "response_write"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Class(tt.err))
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "startup: bind: boom", (&StartupError{Op: "bind", Err: errors.New("boom")}).Error())
	assert.Contains(t, (&ProtocolError{StreamID: 5, Code: http2.ErrCodeStreamClosed, Reason: "closed"}).Error(), "stream 5")

	var he *HandshakeError
	wrapped := error(&HandshakeError{Remote: "r", Err: io.EOF})
	require.True(t, errors.As(wrapped, &he))
	assert.ErrorIs(t, wrapped, io.EOF)
}
