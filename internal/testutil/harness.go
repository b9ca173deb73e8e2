package testutil

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// LogsEnabled reports whether SERVICESD_TEST_LOGS=true asks for log output
// in test results.
func LogsEnabled() bool {
	return os.Getenv("SERVICESD_TEST_LOGS") == "true"
}

// NewTestLogger returns a debug logger writing into a SafeBuffer. The
// buffer is dumped through t.Logf at cleanup when LogsEnabled.
func NewTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	logger, buf := NewCapturingLogger()
	t.Cleanup(func() {
		if LogsEnabled() {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), buf.String())
		}
	})
	return logger
}

// NewCapturingLogger returns a debug text logger and the buffer it writes
// to.
func NewCapturingLogger() (*slog.Logger, *SafeBuffer) {
	buf := &SafeBuffer{}
	return slog.New(slog.NewTextHandler(io.Writer(buf), &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
