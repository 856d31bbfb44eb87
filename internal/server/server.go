// Package server implements the root HTTP dispatcher (component H): the
// single entry point that routes every inbound request to the static
// landing page, the WebSocket handler, the XHTTP handlers, or the metrics
// endpoint.
package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duskgate/tunneld/internal/wsproxy"
	"github.com/duskgate/tunneld/internal/xhttp"
)

const defaultBanner = "tunneld\n"

// Server is the root http.Handler mounted on the listener.
type Server struct {
	WSPath    string
	XHTTP     *xhttp.Handler
	WS        *wsproxy.Handler
	Metrics   http.Handler // nil disables /metrics
	IndexHTML []byte       // nil falls back to defaultBanner
	Log       *zap.Logger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/" || r.URL.Path == "/index.html":
		s.serveIndex(w)
	case isWebSocketUpgrade(r):
		s.WS.ServeHTTP(w, r)
	case s.Metrics != nil && r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.Metrics.ServeHTTP(w, r)
	case strings.HasPrefix(r.URL.Path, "/"+s.WSPath):
		s.serveTunnel(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveIndex(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if len(s.IndexHTML) > 0 {
		w.Write(s.IndexHTML)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(defaultBanner))
}

func (s *Server) serveTunnel(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFromPath(r.URL.Path, s.WSPath)
	if id == "" {
		id = uuid.NewString()
	}

	switch r.Method {
	case http.MethodGet:
		s.XHTTP.ServeGet(w, r, id)
	case http.MethodPost:
		s.XHTTP.ServePost(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionIDFromPath extracts the third "/"-segment of the path: the one
// right after "/<wsPath>/". Returns "" if absent.
func sessionIDFromPath(path, wsPath string) string {
	trimmed := strings.TrimPrefix(path, "/"+wsPath)
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
