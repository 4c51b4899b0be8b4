package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/storyplay/internal/protocol"
)

// recordingRenderer records every render call as a short string.
type recordingRenderer struct {
	mu     sync.Mutex
	calls  []string
	input  bool
	drafts map[string]string
}

func (r *recordingRenderer) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recordingRenderer) Reset()                            { r.add("reset") }
func (r *recordingRenderer) AppendUser(text string, o Origin)  { r.add("user[%s]:%s", o, text) }
func (r *recordingRenderer) AppendAssistant(content string)    { r.add("assistant:%s", content) }
func (r *recordingRenderer) BeginAssistant(id string)          { r.add("begin:%s", id) }
func (r *recordingRenderer) AppendAssistantDelta(id, t string) { r.add("delta:%s:%s", id, t) }
func (r *recordingRenderer) FinishAssistant(id, c string)      { r.add("finish:%s:%s", id, c) }
func (r *recordingRenderer) FailAssistant(id, m string)        { r.add("fail:%s:%s", id, m) }
func (r *recordingRenderer) AppendNotice(k NoticeKind, t string) {
	r.add("notice[%s]:%s", k, t)
}

func (r *recordingRenderer) SetInputEnabled(enabled bool) {
	r.mu.Lock()
	r.input = enabled
	r.mu.Unlock()
	r.add("input:%v", enabled)
}

func (r *recordingRenderer) RenderDraft(key string, draft json.RawMessage) {
	r.mu.Lock()
	if r.drafts == nil {
		r.drafts = make(map[string]string)
	}
	r.drafts[key] = string(draft)
	r.mu.Unlock()
	r.add("draft:%s", key)
}

func (r *recordingRenderer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns the number of calls starting with prefix.
func (r *recordingRenderer) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *recordingRenderer) InputEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.input
}

// memStore is an in-memory Store.
type memStore struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func (s *memStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	return nil
}

// statusRecorder records every state reported to the status sink.
type statusRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (s *statusRecorder) SetStatus(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *statusRecorder) States() []ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionState(nil), s.states...)
}

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	inbound chan []byte
	failed  chan error

	mu        sync.Mutex
	written   [][]byte
	closed    bool
	closeCode int
	writeErr  error
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case err := <-t.failed:
		return nil, err
	case <-t.done:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteFrame(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeCode = code
		close(t.done)
	}
	return nil
}

// Push delivers a server frame.
func (t *fakeTransport) Push(tb testing.TB, f protocol.Frame) {
	tb.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		tb.Fatalf("encode %T: %v", f, err)
	}
	t.inbound <- data
}

// Drop simulates the peer closing the connection with code.
func (t *fakeTransport) Drop(code int) {
	t.failed <- &CloseError{Code: code}
}

// Written returns the decoded frames written by the client.
func (t *fakeTransport) Written(tb testing.TB) []protocol.Frame {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([]protocol.Frame, 0, len(t.written))
	for _, data := range t.written {
		f, err := protocol.Decode(data)
		if err != nil {
			tb.Fatalf("decode written frame %s: %v", data, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func (t *fakeTransport) Closed() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

// fakeDialer hands out transports the test queued, or failures.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
	urls    []string
}

type dialResult struct {
	transport *fakeTransport
	err       error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) Queue(t *fakeTransport, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{transport: t, err: err})
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	var res dialResult
	if len(d.results) > 0 {
		res = d.results[0]
		d.results = d.results[1:]
	} else {
		res.err = errors.New("connection refused")
	}
	d.mu.Unlock()
	if res.err != nil {
		return nil, res.err
	}
	return res.transport, nil
}

func (d *fakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// manualTimers replaces time.AfterFunc so tests fire timers explicitly.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Pending returns the delays of timers neither stopped nor fired.
func (m *manualTimers) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// All returns the delays of every timer ever scheduled.
func (m *manualTimers) All() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t.delay)
	}
	return out
}

// FireNext fires the oldest pending timer and reports whether there was one.
func (m *manualTimers) FireNext() bool {
	m.mu.Lock()
	var next *manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	m.mu.Unlock()
	if next == nil {
		return false
	}
	next.fn()
	return true
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
