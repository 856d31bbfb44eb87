package tunnel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskgate/tunneld/internal/dialer"
	"github.com/duskgate/tunneld/internal/session"
)

func vChunk(id [16]byte, port int, payload []byte) []byte {
	buf := []byte{0x00}
	buf = append(buf, id[:]...)
	buf = append(buf, 0x00) // opt length 0
	buf = append(buf, 0x01) // cmd
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(port))
	buf = append(buf, portBuf...)
	buf = append(buf, 0x01)                  // atyp ipv4
	buf = append(buf, 127, 0, 0, 1)           // 127.0.0.1
	buf = append(buf, payload...)
	return buf
}

func TestBootstrapEstablishesAndPumpsDownlink(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		c.Write([]byte("pong!"))
	}()

	var id [16]byte
	port := ln.Addr().(*net.TCPAddr).Port
	chunk := vChunk(id, port, []byte("hello"))

	sess := session.New("abc", 0, 0, nil)
	get := &recordingStream{}
	sess.BindDownload(get)

	sess.EnterConnecting()

	d := dialer.New(nil)
	log := zap.NewNop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := Bootstrap(ctx, sess, chunk, id, d, log, nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if sess.State() != session.ESTABLISHED {
		t.Fatalf("state = %v, want ESTABLISHED", sess.State())
	}

	select {
	case <-sess.WaitSignal():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed after target EOF")
	}

	get.mu.Lock()
	defer get.mu.Unlock()
	if len(get.written) < 2 {
		t.Fatalf("expected handshake + reply on GET stream, got %d writes", len(get.written))
	}
	if string(get.written[0]) != "\x00\x00" {
		t.Fatalf("first write = %q, want handshake", get.written[0])
	}
}

type recordingStream struct {
	mu      sync.Mutex
	written [][]byte
}

func (r *recordingStream) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	r.written = append(r.written, buf)
	return len(p), nil
}

func (r *recordingStream) Flush() {}
