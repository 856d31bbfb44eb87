// Package wsproxy implements the WebSocket transport (component G): a
// single connection, with no session registry involvement, carrying one
// tunnel from its first binary frame until either side closes.
package wsproxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/duskgate/tunneld/internal/dialer"
	"github.com/duskgate/tunneld/internal/metrics"
	"github.com/duskgate/tunneld/internal/protocol"
)

// downlinkChunkSize is the read size for the target->WS pump.
const downlinkChunkSize = 8192

// wireConn reads through the hijacked connection's buffered reader, so any
// bytes the client pipelined immediately after the upgrade request (already
// consumed into the bufio.Reader by the HTTP server) are not lost, while
// writes go straight to the underlying net.Conn.
type wireConn struct {
	net.Conn
	rw *bufio.ReadWriter
}

func (c wireConn) Read(p []byte) (int, error)  { return c.rw.Reader.Read(p) }
func (c wireConn) Write(p []byte) (int, error) { return c.Conn.Write(p) }

// Handler upgrades and serves one WebSocket-carried tunnel per connection.
type Handler struct {
	Dialer      *dialer.Dialer
	ID          [16]byte
	DialTimeout time.Duration
	Log         *zap.Logger
	Metrics     *metrics.Metrics
}

func (h *Handler) recordOutcome(outcome string) {
	if h.Metrics != nil {
		h.Metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	}
}

// ServeHTTP upgrades the connection, decodes the first binary frame, dials
// the target and runs the bidirectional bridge until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	netConn, hijackedRW, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer netConn.Close()

	conn := wireConn{Conn: netConn, rw: hijackedRW}

	first, op, err := wsutil.ReadClientData(conn)
	if err != nil {
		return
	}
	if op != ws.OpBinary {
		return
	}

	decoded, err := protocol.Decode(first, h.ID)
	if err != nil {
		h.Log.Debug("ws: parser rejected session", zap.Error(err))
		h.recordOutcome(metrics.OutcomeRejected)
		return
	}

	ctx := r.Context()
	if h.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.DialTimeout)
		defer cancel()
	}

	dialStart := time.Now()
	target, err := h.Dialer.Open(ctx, decoded.Host, decoded.Port)
	if h.Metrics != nil {
		h.Metrics.DialDuration.Observe(time.Since(dialStart).Seconds())
	}
	if err != nil {
		h.Log.Warn("ws: dial failed", zap.String("target", decoded.Host), zap.Error(err))
		h.recordOutcome(metrics.OutcomeDialFailed)
		return
	}
	defer target.Close()
	h.recordOutcome(metrics.OutcomeEstablished)

	if decoded.NeedsAck {
		if err := wsutil.WriteServerBinary(conn, protocol.Handshake[:]); err != nil {
			return
		}
	}
	if len(decoded.Payload) > 0 {
		if _, err := target.Write(decoded.Payload); err != nil {
			return
		}
	}

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			p, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			if op != ws.OpBinary {
				continue
			}
			if _, err := target.Write(p); err != nil {
				return
			}
			if h.Metrics != nil {
				h.Metrics.BytesUplink.Add(float64(len(p)))
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, downlinkChunkSize)
		for {
			n, err := target.Read(buf)
			if n > 0 {
				if werr := wsutil.WriteServerBinary(conn, buf[:n]); werr != nil {
					return
				}
				if h.Metrics != nil {
					h.Metrics.BytesDownlink.Add(float64(n))
				}
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
	conn.Close()
	target.Close()
	<-done
}
