// Package logging provides centralized logging for the mail acceptance harness.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
)

// contextKey is used for storing loggers in context.
type contextKey struct{}

var loggerKey = contextKey{}

// sessionCounter is used to generate unique protocol session IDs.
var sessionCounter atomic.Uint64

// ParseLevel maps a level name onto a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new slog.Logger writing to stderr with the specified level.
func NewLogger(level string) *slog.Logger {
	return NewLoggerTo(os.Stderr, level)
}

// NewLoggerTo creates a new slog.Logger writing text records to w.
func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithRun returns a logger tagged with the suite run identifier.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With(slog.String("run_id", runID))
}

// WithScenario returns a logger tagged with a scenario name.
func WithScenario(logger *slog.Logger, scenario string) *slog.Logger {
	return logger.With(slog.String("scenario", scenario))
}

// WithUser returns a logger tagged with a mailbox user.
func WithUser(logger *slog.Logger, username string) *slog.Logger {
	return logger.With(slog.String("user", username))
}

// WithPort returns a logger tagged with a submission port.
func WithPort(logger *slog.Logger, port int) *slog.Logger {
	return logger.With(slog.Int("port", port))
}

// WithSession returns a new logger with protocol session attributes.
// It generates a unique session ID for log correlation.
func WithSession(logger *slog.Logger, protocol, remoteAddr string) *slog.Logger {
	id := sessionCounter.Add(1)
	return logger.With(
		slog.Uint64("session_id", id),
		slog.String("protocol", protocol),
		slog.String("remote_addr", remoteAddr),
	)
}

// FromContext retrieves the logger from the context.
// Returns the default logger if none is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// NewContext returns a new context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// TransactionWriter wraps an io.Writer to log all data written.
// Used for debugging full SMTP and IMAP transactions.
type TransactionWriter struct {
	w      io.Writer
	logger *slog.Logger
	prefix string
}

// NewTransactionWriter creates a writer that logs all data.
func NewTransactionWriter(w io.Writer, logger *slog.Logger, prefix string) *TransactionWriter {
	return &TransactionWriter{
		w:      w,
		logger: logger,
		prefix: prefix,
	}
}

// Write writes data and logs it.
func (tw *TransactionWriter) Write(p []byte) (n int, err error) {
	n, err = tw.w.Write(p)
	if n > 0 {
		tw.logger.Debug("transaction",
			slog.String("direction", tw.prefix),
			slog.String("data", string(p[:n])),
		)
	}
	return n, err
}

// TransactionReader wraps an io.Reader to log all data read.
type TransactionReader struct {
	r      io.Reader
	logger *slog.Logger
	prefix string
}

// NewTransactionReader creates a reader that logs all data.
func NewTransactionReader(r io.Reader, logger *slog.Logger, prefix string) *TransactionReader {
	return &TransactionReader{
		r:      r,
		logger: logger,
		prefix: prefix,
	}
}

// Read reads data and logs it.
func (tr *TransactionReader) Read(p []byte) (n int, err error) {
	n, err = tr.r.Read(p)
	if n > 0 {
		tr.logger.Debug("transaction",
			slog.String("direction", tr.prefix),
			slog.String("data", string(p[:n])),
		)
	}
	return n, err
}

// tracedConn routes a connection's traffic through the transaction logger.
type tracedConn struct {
	net.Conn
	r io.Reader
	w io.Writer
}

func (c *tracedConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *tracedConn) Write(p []byte) (int, error) { return c.w.Write(p) }

// TraceConn wraps conn so that every byte exchanged is logged at debug level.
// When debug logging is disabled conn is returned unchanged.
func TraceConn(conn net.Conn, logger *slog.Logger) net.Conn {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return conn
	}
	return &tracedConn{
		Conn: conn,
		r:    NewTransactionReader(conn, logger, "recv"),
		w:    NewTransactionWriter(conn, logger, "send"),
	}
}
