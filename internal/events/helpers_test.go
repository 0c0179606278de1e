package events

import (
	"log/slog"
	"sync"
	"testing"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// keyRecorder is a Trigger that remembers every key it was given.
type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *keyRecorder) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = append(r.keys, key)
}

func (r *keyRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.keys...)
}

// requestRecorder is a Requester that signals every request on a channel.
type requestRecorder struct {
	reasons chan string
}

func newRequestRecorder() *requestRecorder {
	return &requestRecorder{reasons: make(chan string, 16)}
}

func (r *requestRecorder) Request(reason string) {
	r.reasons <- reason
}
