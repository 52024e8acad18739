package compensate

import (
	"sync"
	"time"
)

type mockClock struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockClock() *mockClock {
	return &mockClock{currentTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// recordingLogger captures message texts for assertions.
type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingLogger) add(msg string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingLogger) Debugw(msg string, kvs ...any) { r.add(msg, kvs...) }
func (r *recordingLogger) Infow(msg string, kvs ...any)  { r.add(msg, kvs...) }
func (r *recordingLogger) Warnw(msg string, kvs ...any)  { r.add(msg, kvs...) }
func (r *recordingLogger) Errorw(msg string, kvs ...any) { r.add(msg, kvs...) }
func (r *recordingLogger) With(...any) Logger            { return r }

func (r *recordingLogger) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
