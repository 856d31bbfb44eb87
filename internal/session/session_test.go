package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/duskgate/tunneld/internal/errs"
)

type fakeStream struct {
	mu      sync.Mutex
	written [][]byte
	failing bool
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errors.New("write failed")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.written = append(f.written, buf)
	return len(p), nil
}

func (f *fakeStream) Flush() {}

func TestLifecycleEstablishDrainsUplink(t *testing.T) {
	s := New("abc", 0, 0, nil)
	if s.State() != IDLE {
		t.Fatalf("initial state = %v, want IDLE", s.State())
	}

	s.EnterConnecting()
	if s.State() != CONNECTING {
		t.Fatalf("state after EnterConnecting = %v", s.State())
	}

	if err := s.QueueUplink([]byte("a")); err != nil {
		t.Fatalf("QueueUplink: %v", err)
	}
	if err := s.QueueUplink([]byte("b")); err != nil {
		t.Fatalf("QueueUplink: %v", err)
	}

	drained := s.Establish(nil)
	if s.State() != ESTABLISHED {
		t.Fatalf("state after Establish = %v", s.State())
	}
	if len(drained) != 2 || string(drained[0]) != "a" || string(drained[1]) != "b" {
		t.Fatalf("drained = %v, want [a b] in order", drained)
	}
}

func TestBindUnbindIgnoresStaleToken(t *testing.T) {
	s := New("abc", 0, 0, nil)
	first := &fakeStream{}
	second := &fakeStream{}

	tok1 := s.BindDownload(first)
	s.BindDownload(second) // supersedes tok1

	s.UnbindDownload(tok1) // stale; must not clear the newer binding
	if !s.HasDownload() {
		t.Fatal("newer binding was incorrectly cleared by a stale unbind")
	}
}

func TestCloseIsIdempotentAndTripsWaitSignal(t *testing.T) {
	var closeCount int
	s := New("abc", 0, 0, func(*Session) { closeCount++ })

	s.Close()
	s.Close()

	select {
	case <-s.WaitSignal():
	default:
		t.Fatal("wait_signal was not tripped by Close")
	}
	if closeCount != 1 {
		t.Fatalf("onClose invoked %d times, want 1", closeCount)
	}
	if s.State() != CLOSED {
		t.Fatalf("state after Close = %v, want CLOSED", s.State())
	}
}

func TestQueueUplinkRespectsCap(t *testing.T) {
	s := New("abc", 0, 4, nil)
	if err := s.QueueUplink([]byte("ab")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.QueueUplink([]byte("abc"))
	var se *errs.SessionError
	if !errors.As(err, &se) || se.Kind != errs.KindBufferOverflow {
		t.Fatalf("err = %v, want BufferOverflow", err)
	}
}

func TestRouteHandshakeBroadcastsToBothStreams(t *testing.T) {
	s := New("abc", 0, 0, nil)
	get := &fakeStream{}
	post := &fakeStream{}
	s.BindDownload(get)
	s.BindPost(post)

	if err := s.Route([]byte{0x00, 0x00}, true); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(get.written) != 1 || len(post.written) != 1 {
		t.Fatalf("expected handshake written to both streams, got get=%d post=%d", len(get.written), len(post.written))
	}
}

func TestRouteFallsBackToPostWithoutDownload(t *testing.T) {
	s := New("abc", 0, 0, nil)
	post := &fakeStream{}
	s.BindPost(post)

	if err := s.Route([]byte("hello"), false); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(post.written) != 1 {
		t.Fatalf("expected regular chunk routed to post, got %d writes", len(post.written))
	}
}

func TestRouteBuffersWhenNoStreamBound(t *testing.T) {
	s := New("abc", 0, 0, nil)
	if err := s.Route([]byte("buffered"), false); err != nil {
		t.Fatalf("Route: %v", err)
	}

	get := &fakeStream{}
	s.BindDownload(get)
	s.Flush()

	if len(get.written) != 1 || string(get.written[0]) != "buffered" {
		t.Fatalf("flush did not deliver buffered chunk: %v", get.written)
	}
}

func TestFlushOverflowClosesAndRetainsUnreplayedItems(t *testing.T) {
	s := New("abc", 3, 0, nil)

	// Seed pendingDownlink directly (bypassing Route/enqueueDownlink's own
	// cap check) to set up three already-queued chunks whose replay will
	// overflow a 3-byte cap partway through.
	s.mu.Lock()
	s.pendingDownlink = []downlinkItem{
		{chunk: []byte("ab")},
		{chunk: []byte("cd")},
		{chunk: []byte("ef")},
	}
	s.mu.Unlock()

	bad := &failingStream{}
	s.BindDownload(bad)
	s.Flush()

	if s.State() != CLOSED {
		t.Fatalf("state after overflowing Flush = %v, want CLOSED", s.State())
	}

	s.mu.Lock()
	got := s.pendingDownlink
	s.mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("pendingDownlink after overflowing Flush = %d items, want 3 (none dropped)", len(got))
	}
	want := []string{"ab", "cd", "ef"}
	for i, w := range want {
		if string(got[i].chunk) != w {
			t.Fatalf("pendingDownlink[%d] = %q, want %q", i, got[i].chunk, w)
		}
	}
}

type failingStream struct{}

func (failingStream) Write(p []byte) (int, error) { return 0, errors.New("write refused") }
func (failingStream) Flush()                      {}

func TestRegistryGetOrCreateAndRemove(t *testing.T) {
	r := NewRegistry(0, 0)
	s1, created := r.GetOrCreate("x")
	if !created {
		t.Fatal("expected creation on first GetOrCreate")
	}
	s2, created := r.GetOrCreate("x")
	if created || s1 != s2 {
		t.Fatal("expected same session returned on second GetOrCreate")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	s1.Close()
	if r.Len() != 0 {
		t.Fatalf("Len() after close = %d, want 0", r.Len())
	}

	r.Remove("x")
	if _, ok := r.Get("x"); ok {
		t.Fatal("session still present after Remove")
	}
}
