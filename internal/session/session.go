// Package session implements the per-tunnel state machine (component D),
// its downlink routing discipline (component E) and the process-wide
// registry that owns all live sessions (component C).
package session

import (
	"net"
	"sync"

	"github.com/duskgate/tunneld/internal/errs"
)

// State is the session lifecycle state. Transitions only ever move
// forward through IDLE -> CONNECTING -> ESTABLISHED -> CLOSED; there is
// no going back.
type State int

const (
	IDLE State = iota
	CONNECTING
	ESTABLISHED
	CLOSED
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "idle"
	case CONNECTING:
		return "connecting"
	case ESTABLISHED:
		return "established"
	case CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is the narrow surface a bound HTTP half needs: write bytes to the
// client and flush them onto the wire immediately, since every streaming
// endpoint here is a long-poll, not a buffered response.
type Stream interface {
	Write(p []byte) (int, error)
	Flush()
}

type downlinkItem struct {
	chunk       []byte
	isHandshake bool
}

// Session is one logical tunnel, keyed by a client-supplied id.
type Session struct {
	ID string

	mu    sync.Mutex
	state State

	download Stream
	post     Stream

	target *net.TCPConn

	pendingDownlink []downlinkItem
	pendingUplink   [][]byte

	downlinkBytes int
	uplinkBytes   int
	downlinkCap   int
	uplinkCap     int

	waitSignal chan struct{}
	closeOnce  sync.Once

	onClose func(*Session)
}

// New creates a session in IDLE state. downlinkCap/uplinkCap bound the
// corresponding pending queues in bytes; zero means unbounded.
func New(id string, downlinkCap, uplinkCap int, onClose func(*Session)) *Session {
	return &Session{
		ID:          id,
		state:       IDLE,
		waitSignal:  make(chan struct{}),
		downlinkCap: downlinkCap,
		uplinkCap:   uplinkCap,
		onClose:     onClose,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitSignal returns the latch that is closed exactly once, when the
// session transitions to CLOSED. Handlers select on it alongside their
// own request's cancellation to implement cooperative long-polling.
func (s *Session) WaitSignal() <-chan struct{} {
	return s.waitSignal
}

// BindDownload installs stream as the GET half, replacing any prior
// binding. It returns a token to pass to UnbindDownload so a stale
// handler can never clear a newer binding.
func (s *Session) BindDownload(stream Stream) Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download = stream
	return stream
}

// UnbindDownload clears the GET binding only if it still refers to token,
// so a handler that has been superseded by a newer bind never clobbers it.
func (s *Session) UnbindDownload(token Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.download == token {
		s.download = nil
	}
}

// BindPost installs stream as the POST half, replacing any prior binding.
func (s *Session) BindPost(stream Stream) Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.post = stream
	return stream
}

// UnbindPost clears the POST binding only if it still refers to token.
func (s *Session) UnbindPost(token Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.post == token {
		s.post = nil
	}
}

// HasDownload reports whether a GET half is currently bound.
func (s *Session) HasDownload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.download != nil
}

// EnterConnecting transitions IDLE -> CONNECTING. It is a no-op if the
// session is already CONNECTING or further along.
func (s *Session) EnterConnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == IDLE {
		s.state = CONNECTING
	}
}

// QueueUplink appends chunk to the pending uplink queue, used while the
// session is still CONNECTING. Returns errs.KindBufferOverflow if the
// configured cap is exceeded.
func (s *Session) QueueUplink(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uplinkCap > 0 && s.uplinkBytes+len(chunk) > s.uplinkCap {
		return errs.New(errs.KindBufferOverflow, nil)
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.pendingUplink = append(s.pendingUplink, buf)
	s.uplinkBytes += len(buf)
	return nil
}

// Establish transitions CONNECTING -> ESTABLISHED, records the dialed
// target, and returns the queued uplink chunks (in FIFO order) that the
// caller must write to target before any newly-arriving upstream bytes.
func (s *Session) Establish(target *net.TCPConn) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CONNECTING {
		return nil
	}
	s.state = ESTABLISHED
	s.target = target
	drained := s.pendingUplink
	s.pendingUplink = nil
	s.uplinkBytes = 0
	return drained
}

// WriteUplink writes chunk to the established target connection. Callers
// must only invoke this once the session is ESTABLISHED.
func (s *Session) WriteUplink(chunk []byte) error {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target == nil {
		return errs.New(errs.KindStreamWrite, nil)
	}
	_, err := target.Write(chunk)
	if err != nil {
		return errs.New(errs.KindStreamWrite, err)
	}
	return nil
}

// Target returns the established target connection, or nil.
func (s *Session) Target() *net.TCPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Close transitions the session to CLOSED exactly once: trips wait_signal,
// closes the target connection, and invokes the registry removal callback.
// Safe to call multiple times and from multiple goroutines.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = CLOSED
		target := s.target
		s.mu.Unlock()

		close(s.waitSignal)
		if target != nil {
			_ = target.Close()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
