// Package xhttp implements the split GET/POST streaming transport
// (component F): two independent HTTP request/response pairs that
// together carry one bidirectional tunnel.
package xhttp

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/duskgate/tunneld/internal/dialer"
	"github.com/duskgate/tunneld/internal/metrics"
	"github.com/duskgate/tunneld/internal/session"
	"github.com/duskgate/tunneld/internal/tunnel"
)

// postReadChunkSize is the size used to stream an existing session's POST
// body once its first chunk has already established the target.
const postReadChunkSize = 4096

// Handler serves the GET and POST halves of the XHTTP transport.
type Handler struct {
	Registry    *session.Registry
	Dialer      *dialer.Dialer
	ID          [16]byte
	DialTimeout time.Duration
	Log         *zap.Logger
	Metrics     *metrics.Metrics
}

// httpStream adapts a streaming http.ResponseWriter to session.Stream.
type httpStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *httpStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *httpStream) Flush()                      { s.f.Flush() }

func prelude(w http.ResponseWriter) *httpStream {
	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Connection", "keep-alive")
	h.Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher == nil {
		flusher = noopFlusher{}
	}
	return &httpStream{w: w, f: flusher}
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}

// ServeGet implements the GET half: bind as the download stream, flush any
// backlog, then hold the response open until the session closes or the
// client disconnects.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request, id string) {
	sess, _ := h.Registry.GetOrCreate(id)
	stream := prelude(w)
	stream.Flush()

	token := sess.BindDownload(stream)
	defer sess.UnbindDownload(token)

	sess.Flush()

	select {
	case <-sess.WaitSignal():
	case <-r.Context().Done():
	}
}

// ServePost implements the POST half. A POST that finds its session still
// IDLE (new, or created earlier by a GET) starts it: its body is the first
// upstream chunk and is handed to the protocol parser and dialer via
// tunnel.Bootstrap. A POST against a session that is already CONNECTING or
// ESTABLISHED streams its body as subsequent upstream chunks.
func (h *Handler) ServePost(w http.ResponseWriter, r *http.Request, id string) {
	sess, _ := h.Registry.GetOrCreate(id)
	stream := prelude(w)

	// A session is still pre-bootstrap whenever it is IDLE, whether that
	// IDLE session was just created by this POST or by an earlier GET
	// (E2, GET-before-POST): either way this body is the first upstream
	// chunk and goes to the parser and dialer. When a GET is already bound
	// it carries the handshake and the downstream bytes, so this POST binds
	// only after bootstrap and its response stays empty.
	var token session.Stream
	idle := sess.State() == session.IDLE
	if idle && sess.HasDownload() {
		h.bootstrapFromBody(w, r, sess)
		token = sess.BindPost(stream)
		sess.Flush()
	} else if idle {
		token = sess.BindPost(stream)
		h.bootstrapFromBody(w, r, sess)
	} else {
		token = sess.BindPost(stream)
		sess.Flush()
		h.streamBody(r, sess)
	}
	defer sess.UnbindPost(token)

	if sess.HasDownload() && r.ContentLength >= 0 {
		stream.Flush()
		return
	}

	select {
	case <-sess.WaitSignal():
	case <-r.Context().Done():
	}
}

func (h *Handler) bootstrapFromBody(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sess.Close()
		return
	}
	sess.EnterConnecting()

	ctx := r.Context()
	if h.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.DialTimeout)
		defer cancel()
	}

	_ = tunnel.Bootstrap(ctx, sess, body, h.ID, h.Dialer, h.Log, h.Metrics)
}

// streamBody delivers a later POST's body (for a session whose first chunk
// already bootstrapped it) in bounded chunks: ESTABLISHED writes straight
// to the target, CONNECTING queues for later drain. The IDLE case is a
// pathological race (state read before this call's own transition landed)
// and discards the chunk, preserved exactly as documented rather than
// silently changed.
func (h *Handler) streamBody(r *http.Request, sess *session.Session) {
	buf := make([]byte, postReadChunkSize)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			switch sess.State() {
			case session.ESTABLISHED:
				if werr := sess.WriteUplink(buf[:n]); werr != nil {
					return
				}
			case session.CONNECTING:
				if qerr := sess.QueueUplink(buf[:n]); qerr != nil {
					sess.Close()
					return
				}
			case session.IDLE:
				sess.EnterConnecting()
			case session.CLOSED:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
