package session

import "github.com/duskgate/tunneld/internal/errs"

// Route implements the downlink routing contract (component E).
//
// Handshake chunks broadcast to both bound streams; regular chunks try
// the GET stream first, falling back to POST. A chunk that reaches
// neither stream is queued in pendingDownlink, subject to the configured
// cap, and replayed by the next call to Flush.
func (s *Session) Route(chunk []byte, isHandshake bool) error {
	s.mu.Lock()
	download, post := s.download, s.post
	s.mu.Unlock()

	if isHandshake {
		sentToDownload := writeStream(download, chunk)
		if !sentToDownload {
			s.clearDownloadOnFailure(download)
		}
		sentToPost := writeStream(post, chunk)
		if !sentToPost {
			s.clearPostOnFailure(post)
		}
		if sentToDownload || sentToPost {
			return nil
		}
		return s.enqueueDownlink(chunk, isHandshake)
	}

	if writeStream(download, chunk) {
		return nil
	}
	s.clearDownloadOnFailure(download)

	if writeStream(post, chunk) {
		return nil
	}
	s.clearPostOnFailure(post)

	return s.enqueueDownlink(chunk, isHandshake)
}

// Flush replays any pending downlink chunks through Route, in order. A
// chunk that still has nowhere to go is re-queued by Route itself. If
// re-queueing trips the downlink cap, the overflow policy applies: the
// session is closed and the chunk that tripped the cap, along with every
// chunk still untried after it, is appended back onto pendingDownlink
// (after anything Route already re-queued in this same pass) rather than
// dropped, so a caller inspecting the session post-close still sees every
// byte it is owed, in order.
func (s *Session) Flush() {
	s.mu.Lock()
	items := s.pendingDownlink
	s.pendingDownlink = nil
	s.downlinkBytes = 0
	s.mu.Unlock()

	for i, item := range items {
		if err := s.Route(item.chunk, item.isHandshake); err != nil {
			s.mu.Lock()
			s.pendingDownlink = append(s.pendingDownlink, items[i:]...)
			s.mu.Unlock()
			s.Close()
			return
		}
	}
}

func (s *Session) enqueueDownlink(chunk []byte, isHandshake bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downlinkCap > 0 && s.downlinkBytes+len(chunk) > s.downlinkCap {
		return errs.New(errs.KindBufferOverflow, nil)
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.pendingDownlink = append(s.pendingDownlink, downlinkItem{chunk: buf, isHandshake: isHandshake})
	s.downlinkBytes += len(buf)
	return nil
}

func (s *Session) clearDownloadOnFailure(stale Stream) {
	if stale == nil {
		return
	}
	s.mu.Lock()
	if s.download == stale {
		s.download = nil
	}
	s.mu.Unlock()
}

func (s *Session) clearPostOnFailure(stale Stream) {
	if stale == nil {
		return
	}
	s.mu.Lock()
	if s.post == stale {
		s.post = nil
	}
	s.mu.Unlock()
}

func writeStream(stream Stream, chunk []byte) bool {
	if stream == nil {
		return false
	}
	if _, err := stream.Write(chunk); err != nil {
		return false
	}
	stream.Flush()
	return true
}
