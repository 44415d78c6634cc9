package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake socket closed")

// fakeSocket records written frames; reads block until Close.
type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   bool
	done     chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{done: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	<-f.done
	return 0, nil, errFakeClosed
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeSocket) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// events decodes every frame written so far.
func (f *fakeSocket) events(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var event map[string]any
		require.NoError(t, json.Unmarshal(frame, &event))
		out = append(out, event)
	}
	return out
}
