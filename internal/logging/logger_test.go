package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"unknown defaults to info", "unknown", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
		{"case insensitive", "DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
			}
			if NewLogger(tt.level) == nil {
				t.Fatal("expected logger, got nil")
			}
		})
	}
}

func TestNewLoggerToFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("expected info record to be filtered")
	}
	if !strings.Contains(output, "shown") {
		t.Error("expected warn record in output")
	}
}

func TestAttributeHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	l := WithRun(logger, "run-1")
	l = WithScenario(l, "imap_reading[archive]")
	l = WithUser(l, "archive")
	l = WithPort(l, 1587)
	l.Info("test message")

	output := buf.String()
	for _, want := range []string{"run_id=run-1", "scenario=imap_reading[archive]", "user=archive", "port=1587"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in log output: %s", want, output)
		}
	}
}

func TestWithSessionIncrementsID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	WithSession(logger, "imap", "127.0.0.1:1").Info("first")
	WithSession(logger, "smtp", "127.0.0.1:2").Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "protocol=imap") || !strings.Contains(lines[1], "protocol=smtp") {
		t.Error("expected protocol in log output")
	}
	id := func(line string) string {
		for _, f := range strings.Fields(line) {
			if strings.HasPrefix(f, "session_id=") {
				return f
			}
		}
		return ""
	}
	if id(lines[0]) == "" || id(lines[0]) == id(lines[1]) {
		t.Errorf("expected distinct session ids, got %q and %q", id(lines[0]), id(lines[1]))
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)
	logger := slog.New(handler)

	ctx := context.Background()

	// Without logger in context, should return default
	retrieved := FromContext(ctx)
	if retrieved == nil {
		t.Fatal("expected default logger, got nil")
	}

	ctx = NewContext(ctx, logger)
	retrieved = FromContext(ctx)
	if retrieved != logger {
		t.Error("expected same logger from context")
	}
}

func TestTransactionWriter(t *testing.T) {
	var logBuf bytes.Buffer
	handler := slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	var writeBuf bytes.Buffer
	tw := NewTransactionWriter(&writeBuf, logger, "send")

	data := []byte("A001 LOGIN archive foobar\r\n")
	n, err := tw.Write(data)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}
	if writeBuf.String() != string(data) {
		t.Errorf("expected data written to underlying writer")
	}

	output := logBuf.String()
	if !strings.Contains(output, "transaction") {
		t.Error("expected transaction log entry")
	}
	if !strings.Contains(output, "direction=send") {
		t.Error("expected direction in log")
	}
}

func TestTransactionReader(t *testing.T) {
	var logBuf bytes.Buffer
	handler := slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	data := "250 OK\r\n"
	tr := NewTransactionReader(strings.NewReader(data), logger, "recv")

	buf := make([]byte, 100)
	n, err := tr.Read(buf)

	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes read, got %d", len(data), n)
	}

	output := logBuf.String()
	if !strings.Contains(output, "direction=recv") {
		t.Error("expected direction in log")
	}
}

func TestTraceConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := TraceConn(client, quiet); got != client {
		t.Error("expected conn returned unchanged without debug logging")
	}

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	traced := TraceConn(client, logger)

	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		_, _ = server.Write(buf[:n])
	}()

	if _, err := traced.Write([]byte("QUIT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	if _, err := traced.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	output := logBuf.String()
	if !strings.Contains(output, "direction=send") || !strings.Contains(output, "direction=recv") {
		t.Errorf("expected both directions logged: %s", output)
	}
}
