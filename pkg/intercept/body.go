package intercept

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// teeBody duplicates a response body as the caller reads it. The caller
// gets exactly the bytes and errors the underlying body produces; a bounded
// copy is handed to done once the body reaches EOF, whether the caller read
// that far or closed early.
type teeBody struct {
	rc    io.ReadCloser
	limit int64

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
	eof       bool
	failed    bool
	once      sync.Once
	closeOnce sync.Once
	done      func(body []byte, truncated bool)
}

func newTeeBody(rc io.ReadCloser, limit int64, done func([]byte, bool)) *teeBody {
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	return &teeBody{rc: rc, limit: limit, done: done}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.capture(p[:n])
	}
	switch {
	case errors.Is(err, io.EOF):
		t.mu.Lock()
		t.eof = true
		t.mu.Unlock()
		t.finish()
	case err != nil:
		t.mu.Lock()
		t.failed = true
		t.mu.Unlock()
	}
	return n, err
}

// Close releases the body. When the caller stopped before EOF, the rest is
// read in the background (up to the capture limit) so the response is still
// observed, and the underlying body is closed after that.
func (t *teeBody) Close() error {
	t.mu.Lock()
	pending := !t.eof && !t.failed
	t.mu.Unlock()
	if !pending {
		var err error
		t.closeOnce.Do(func() { err = t.rc.Close() })
		return err
	}
	t.closeOnce.Do(func() { go t.drain() })
	return nil
}

func (t *teeBody) drain() {
	defer func() { _ = t.rc.Close() }()

	t.mu.Lock()
	room := max(t.limit-int64(t.buf.Len()), 0)
	t.mu.Unlock()

	// One byte past the room is enough to know the capture is truncated.
	_, err := io.Copy(captureWriter{t}, io.LimitReader(t.rc, room+1))
	if err != nil {
		return
	}
	t.finish()
}

// captureWriter feeds drained bytes into the capture buffer.
type captureWriter struct{ t *teeBody }

func (w captureWriter) Write(p []byte) (int, error) {
	w.t.capture(p)
	return len(p), nil
}

func (t *teeBody) capture(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.limit - int64(t.buf.Len())
	if room <= 0 {
		t.truncated = true
		return
	}
	if int64(len(p)) > room {
		p = p[:room]
		t.truncated = true
	}
	t.buf.Write(p)
}

func (t *teeBody) finish() {
	t.once.Do(func() {
		t.mu.Lock()
		body := bytes.Clone(t.buf.Bytes())
		truncated := t.truncated
		t.mu.Unlock()
		safely(func() { t.done(body, truncated) })
	})
}
