package main

import (
	"net"
	"testing"

	"github.com/pires/go-proxyproto"
)

func TestNewRootCommandBindsDefaultFlags(t *testing.T) {
	cmd := newRootCommand()

	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		t.Fatalf("GetInt(port): %v", err)
	}
	if port != 3241 {
		t.Fatalf("port = %d, want 3241", port)
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		t.Fatalf("GetString(log-level): %v", err)
	}
	if level != "info" {
		t.Fatalf("log-level = %q, want info", level)
	}
}

func TestWrapProxyProtocolOnlyWhenEnabled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if wrapped := wrapProxyProtocol(ln, false); wrapped != ln {
		t.Fatal("expected disabled wrap to return the listener unchanged")
	}

	wrapped := wrapProxyProtocol(ln, true)
	if _, ok := wrapped.(*proxyproto.Listener); !ok {
		t.Fatalf("expected *proxyproto.Listener, got %T", wrapped)
	}
}
