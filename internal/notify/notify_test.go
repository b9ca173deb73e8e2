package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/config"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSink) Notice(_ context.Context, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, target+" "+text)
	return s.err
}

func (s *recordingSink) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestNotify_DefaultsToChannel(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	n := New(nil, sink, config.Notices{PerSecond: 100, Burst: 10}, "#services")

	n.Notify(context.Background(), "", "hello")
	n.Notify(context.Background(), "alice", "hi")

	assert.Equal(t, []string{"#services hello", "alice hi"}, sink.lines())
}

func TestNotify_WithoutSinkOnlyLogs(t *testing.T) {
	t.Parallel()
	n := New(nil, nil, config.Notices{PerSecond: 1, Burst: 1}, "#services")
	n.Notify(context.Background(), "", "nobody listens")

	sink := &recordingSink{}
	n.Attach(sink)
	n.Notify(context.Background(), "", "now attached")
	assert.Equal(t, []string{"#services now attached"}, sink.lines())
}

func TestNotify_CancelledContextDropsWhenLimited(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	sink := &recordingSink{}
	n := New(nil, sink, config.Notices{PerSecond: 0.001, Burst: 1}, "#services")
	n.Notify(context.Background(), "", "first")

	// --- Act ---
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n.Notify(ctx, "", "second")

	// --- Assert ---
	assert.Equal(t, []string{"#services first"}, sink.lines())
}

func TestNotify_SinkErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{err: errors.New("link down")}
	n := New(nil, sink, config.Notices{PerSecond: 100, Burst: 10}, "#services")
	require.NotPanics(t, func() { n.Notify(context.Background(), "", "x") })
}

func TestReconfigure(t *testing.T) {
	t.Parallel()
	n := New(nil, nil, config.Notices{PerSecond: 1, Burst: 1}, "#old")
	n.Reconfigure(config.Notices{PerSecond: 5, Burst: 3}, "#new")
	assert.Equal(t, "#new", n.Channel())
}
