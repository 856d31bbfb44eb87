// Package tunnel wires the protocol parser, target dialer and session
// state machine together: the sequence every transport (XHTTP, WebSocket)
// runs once it has the first upstream chunk for a session.
package tunnel

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/duskgate/tunneld/internal/dialer"
	"github.com/duskgate/tunneld/internal/metrics"
	"github.com/duskgate/tunneld/internal/protocol"
	"github.com/duskgate/tunneld/internal/session"
)

// downlinkChunkSize mirrors the 8 KiB read size the WebSocket pump uses,
// shared here so XHTTP and WS establish identical backpressure behavior.
const downlinkChunkSize = 8192

// Bootstrap decodes the first chunk, dials the target and, on success,
// transitions sess to ESTABLISHED: it writes the V-PROTO handshake
// (broadcast) if required, replays pending_uplink, writes the decoded
// trailing payload, and starts the target->session downlink pump. On
// failure at any step sess.Close is called and the error returned. m may
// be nil, in which case no metrics are recorded.
func Bootstrap(ctx context.Context, sess *session.Session, chunk []byte, id [16]byte, d *dialer.Dialer, log *zap.Logger, m *metrics.Metrics) error {
	decoded, err := protocol.Decode(chunk, id)
	if err != nil {
		log.Debug("parser rejected session", zap.String("session_id", sess.ID), zap.Error(err))
		sess.Close()
		recordOutcome(m, metrics.OutcomeRejected)
		return err
	}

	dialStart := time.Now()
	target, err := d.Open(ctx, decoded.Host, decoded.Port)
	if m != nil {
		m.DialDuration.Observe(time.Since(dialStart).Seconds())
	}
	if err != nil {
		log.Warn("dial failed", zap.String("session_id", sess.ID), zap.String("target", decoded.Host), zap.Error(err))
		sess.Close()
		recordOutcome(m, metrics.OutcomeDialFailed)
		return err
	}

	drained := sess.Establish(target)
	recordOutcome(m, metrics.OutcomeEstablished)

	if decoded.NeedsAck {
		if err := sess.Route(protocol.Handshake[:], true); err != nil {
			sess.Close()
			return err
		}
	}

	for _, buf := range drained {
		if err := writeUplink(sess, buf, m); err != nil {
			sess.Close()
			return err
		}
	}

	if len(decoded.Payload) > 0 {
		if err := writeUplink(sess, decoded.Payload, m); err != nil {
			sess.Close()
			return err
		}
	}

	go pumpDownlink(sess, target, log, m)

	return nil
}

func writeUplink(sess *session.Session, buf []byte, m *metrics.Metrics) error {
	if err := sess.WriteUplink(buf); err != nil {
		return err
	}
	if m != nil {
		m.BytesUplink.Add(float64(len(buf)))
	}
	return nil
}

func recordOutcome(m *metrics.Metrics, outcome string) {
	if m != nil {
		m.SessionsTotal.WithLabelValues(outcome).Inc()
	}
}

// pumpDownlink reads from target until EOF or error, routing each chunk to
// whichever HTTP half is currently bound, and closes sess on termination.
func pumpDownlink(sess *session.Session, target io.Reader, log *zap.Logger, m *metrics.Metrics) {
	defer sess.Close()

	buf := make([]byte, downlinkChunkSize)
	for {
		n, err := target.Read(buf)
		if n > 0 {
			if routeErr := sess.Route(buf[:n], false); routeErr != nil {
				log.Debug("downlink routing failed", zap.String("session_id", sess.ID), zap.Error(routeErr))
				return
			}
			if m != nil {
				m.BytesDownlink.Add(float64(n))
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("target read error", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return
		}
	}
}
