package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRequest(t *testing.T, headerKey, headerVal string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/abc12345/sess1", nil)
	if headerVal != "" {
		r.Header.Set(headerKey, headerVal)
	}
	return r
}

func TestSessionIDFromPath(t *testing.T) {
	cases := []struct {
		path, wsPath, want string
	}{
		{"/abc12345/sess1", "abc12345", "sess1"},
		{"/abc12345/sess1/extra", "abc12345", "sess1"},
		{"/abc12345/", "abc12345", ""},
		{"/abc12345", "abc12345", ""},
	}
	for _, c := range cases {
		if got := sessionIDFromPath(c.path, c.wsPath); got != c.want {
			t.Errorf("sessionIDFromPath(%q, %q) = %q, want %q", c.path, c.wsPath, got, c.want)
		}
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	req := newTestRequest(t, "Upgrade", "websocket")
	if !isWebSocketUpgrade(req) {
		t.Fatal("expected Upgrade: websocket to be detected")
	}
	req = newTestRequest(t, "Upgrade", "")
	if isWebSocketUpgrade(req) {
		t.Fatal("did not expect empty Upgrade header to match")
	}
}
