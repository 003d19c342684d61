package mirage

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/edgectl/internal/protocol/session"
)

// fakeConn records sent frames and optionally fails every send.
type fakeConn struct {
	mu      sync.Mutex
	remote  string
	sent    [][]byte
	sendErr error
	closed  bool
	inbox   chan []byte
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{remote: remote, inbox: make(chan []byte, 8)}
}

func (f *fakeConn) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return session.ErrConnClosed
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeConn) Receive() ([]byte, error) {
	frame, ok := <-f.inbox
	if !ok {
		return nil, session.ErrConnClosed
	}
	return frame, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeConn) RemoteAddr() string {
	return f.remote
}

func (f *fakeConn) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var errBrokenPipe = errors.New("write: broken pipe")
