package chatserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/presence"
	"github.com/cyberinferno/linechat/registry"
)

// Protocol lines.
const (
	SubmitNameLine = "SUBMIT_NAME"
	ExitCommand    = "exit"

	anonymousPrefix = "Anonymous-"
	anonymousRange  = 1000
	presenceTimeout = 2 * time.Second
)

// SessionState is the lifecycle stage of one client session.
type SessionState int

const (
	AwaitingName SessionState = iota // SUBMIT_NAME sent, waiting for the name line
	Active                           // registered and relaying lines
	Closing                          // tearing down
	Closed                           // connection closed
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case AwaitingName:
		return "AwaitingName"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// JoinedLine is the announcement broadcast when name joins.
func JoinedLine(name string) string {
	return name + " has joined the chat."
}

// LeftLine is the announcement broadcast when name leaves.
func LeftLine(name string) string {
	return name + " has left the chat."
}

// ChatLine is the broadcast form of a line sent by name.
func ChatLine(name, text string) string {
	return name + ": " + text
}

// anonymousName returns a placeholder name Anonymous-<n> with 0 <= n < 1000.
func anonymousName() string {
	return fmt.Sprintf("%s%d", anonymousPrefix, rand.Intn(anonymousRange))
}

// sessionHandler drives one connection through the handshake and relay loop.
type sessionHandler struct {
	id       uint32
	conn     Conn
	registry *registry.Registry
	presence presence.Store
	log      logger.Logger

	state  SessionState
	name   string
	handle registry.Handle
}

func newSessionHandler(id uint32, conn Conn, reg *registry.Registry, store presence.Store, log logger.Logger) *sessionHandler {
	return &sessionHandler{
		id:       id,
		conn:     conn,
		registry: reg,
		presence: store,
		log: log.With(
			logger.Field{Key: "conn", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr()}),
		state: AwaitingName,
	}
}

func (h *sessionHandler) setState(state SessionState) {
	h.log.Debug("session state", logger.Field{Key: "from", Value: h.state.String()}, logger.Field{Key: "to", Value: state.String()})
	h.state = state
}

// run blocks until the session ends. The connection is closed on return.
func (h *sessionHandler) run() {
	name, err := h.awaitName()
	if err != nil {
		h.log.Info("client left before naming", logger.Field{Key: "error", Value: err.Error()})
		h.setState(Closed)
		_ = h.conn.Close()
		return
	}

	h.name = name
	h.log = h.log.With(logger.Field{Key: "name", Value: name})
	h.handle = h.registry.Register(h.conn)
	h.setState(Active)
	defer h.teardown()

	h.log.Info("client joined")
	h.registry.Broadcast(JoinedLine(name))
	h.recordPresence(true)

	h.logDeparture(h.relay())
}

func (h *sessionHandler) awaitName() (string, error) {
	if err := h.conn.WriteLine(SubmitNameLine); err != nil {
		return "", fmt.Errorf("send %s: %w", SubmitNameLine, err)
	}

	name, err := h.conn.ReadLine()
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(name) == "" {
		name = anonymousName()
	}

	return name, nil
}

// relay returns nil when the client sent exit, otherwise the read error.
func (h *sessionHandler) relay() error {
	for {
		line, err := h.conn.ReadLine()
		if err != nil {
			return err
		}

		if strings.EqualFold(line, ExitCommand) {
			return nil
		}

		h.registry.Broadcast(ChatLine(h.name, line))
	}
}

func (h *sessionHandler) teardown() {
	h.setState(Closing)
	h.registry.Unregister(h.handle)
	h.registry.Broadcast(LeftLine(h.name))
	h.recordPresence(false)

	if err := h.conn.Close(); err != nil {
		h.log.Debug("close failed", logger.Field{Key: "error", Value: err.Error()})
	}

	h.setState(Closed)
}

func (h *sessionHandler) logDeparture(err error) {
	switch {
	case err == nil:
		h.log.Info("client left")
	case errors.Is(err, io.EOF):
		h.log.Info("client disconnected")
	default:
		h.log.Warn("client disconnected abruptly", logger.Field{Key: "error", Value: err.Error()})
	}
}

func (h *sessionHandler) recordPresence(joined bool) {
	if h.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	var err error
	if joined {
		err = h.presence.Join(ctx, h.id, h.name)
	} else {
		err = h.presence.Leave(ctx, h.id)
	}

	if err != nil {
		h.log.Warn("presence update failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	online, err := h.presence.Count(ctx)
	if err != nil {
		h.log.Warn("presence count failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	h.log.Debug("presence updated", logger.Field{Key: "online", Value: online})
}
