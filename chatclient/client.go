// Package chatclient is a client for the line chat protocol. It answers the
// server's SUBMIT_NAME prompt with the configured name and reports every
// other received line, in order, to a registered handler.
package chatclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	submitNameLine   = "SUBMIT_NAME"
	exitCommand      = "exit"
	closeGracePeriod = time.Second
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("client is closed")
	ErrAlreadyConnected = errors.New("already connected or connecting")
)

// ConnectionState is the client's connection state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected; the server may have closed the session
	Connecting                          // Dial in progress
	Connected                           // Connected and reading
	Closed                              // Close was called; the client cannot be reused
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is passed to the StateHandler on every state change.
type StateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil when the change was caused by an error
}

// LineEvent is passed to the LineHandler for every line received from the
// server other than the SUBMIT_NAME prompt.
type LineEvent struct {
	Line      string
	Timestamp time.Time
}

// StateHandler receives state changes. It runs on the goroutine that caused
// the change and must not call Close.
type StateHandler func(event StateEvent)

// LineHandler receives lines in arrival order on the read goroutine. It must
// not call Close.
type LineHandler func(event LineEvent)

// Config holds the client settings.
type Config struct {
	// Address is the server "host:port".
	Address string
	// Name is sent in reply to SUBMIT_NAME. An empty name lets the server
	// pick an Anonymous-<n> placeholder.
	Name string
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds each line write; 0 means no limit.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config for address with a 10s dial timeout and a
// 10s write timeout.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client is a connection to a chat server. It is safe for concurrent use.
type Client struct {
	config Config

	mu      sync.RWMutex
	conn    net.Conn
	state   ConnectionState
	closed  bool
	onState StateHandler
	onLine  LineHandler

	writeMu  sync.Mutex
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Client in the Disconnected state.
func New(config Config) *Client {
	return &Client{
		config: config,
		state:  Disconnected,
		done:   make(chan struct{}),
	}
}

// OnState sets the state handler, replacing any previous one.
func (c *Client) OnState(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnLine sets the line handler, replacing any previous one.
func (c *Client) OnLine(handler LineHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLine = handler
}

// Connect dials the server and starts reading. A Client connects once.
//
// Returns:
//   - ErrClosed, ErrAlreadyConnected, or the dial error
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	if c.state != Disconnected || c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		return fmt.Errorf("connect %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Send writes line to the server. Lines containing a newline are sent as
// several protocol lines.
//
// Returns:
//   - ErrNotConnected when there is no live connection, or the write error
func (c *Client) Send(line string) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	_, err := io.WriteString(conn, line+"\n")
	return err
}

// Done is closed when the read loop ends, either because the server closed
// the connection or because Close was called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Close sends "exit" if still connected, gives the server up to a second to
// close its side, then closes the connection and waits for the read loop.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	var err error
	if conn != nil {
		if state == Connected && c.Send(exitCommand) == nil {
			// Let the server finish its teardown and close first.
			select {
			case <-c.done:
			case <-time.After(closeGracePeriod):
			}
		}
		err = conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	c.wg.Wait()
	c.finish()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.setState(Closed, nil)
	return err
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.finish()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if c.isClosed() {
				return
			}

			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()
			c.setState(Disconnected, err)
			return
		}

		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if line == submitNameLine {
			if err := c.Send(c.config.Name); err != nil {
				c.emitLine(fmt.Sprintf("failed to send name: %v", err))
			}
			continue
		}

		c.emitLine(line)
	}
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(StateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitLine(line string) {
	c.mu.RLock()
	handler := c.onLine
	c.mu.RUnlock()

	if handler != nil {
		handler(LineEvent{Line: line, Timestamp: time.Now()})
	}
}
