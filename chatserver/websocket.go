package chatserver

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/linechat/logger"
)

// WebSocketPath is where the WebSocket transport is served.
const WebSocketPath = "/ws"

var upgrader = websocket.Upgrader{
	// Browser clients from any origin may join; there is no authentication.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn carries protocol lines in text messages. A message holding several
// newline-separated lines yields each of them in turn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pending      []string
	closeOnce    sync.Once
	closeErr     error
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

// ReadLine maps a normal close frame to io.EOF and skips binary messages.
// Only the session handler calls it, so pending needs no lock.
func (c *wsConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}

			return "", err
		}

		if kind == websocket.TextMessage {
			c.pending = splitLines(string(data))
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

// splitLines breaks a message into protocol lines. A trailing newline does
// not start an extra empty line; an empty message is one empty line.
func splitLines(msg string) []string {
	msg = strings.TrimSuffix(msg, "\n")
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}

	return lines
}

func (c *wsConn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}

	return c.ws.WriteMessage(websocket.TextMessage, []byte(line))
}

// Close sends a best-effort close frame before closing the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})

	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (s *Server) startWebSocket(ln net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.serveWebSocket)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.wsServer = srv
	s.wsAddr = ln.Addr()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || !s.running.Load() {
			return
		}

		s.log.Error("websocket listener failed", logger.Field{Key: "error", Value: err.Error()})
		s.reportFatal(errors.Join(ErrListenerFailed, err))
	}()

	s.log.Info("websocket transport started",
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "path", Value: WebSocketPath})
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Warn("websocket upgrade failed",
			logger.Field{Key: "remote", Value: r.RemoteAddr},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.dispatch(newWSConn(ws, s.cfg.WriteTimeout))
}
