package chatserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Conn is one accepted client connection carrying newline-delimited UTF-8
// text. It is owned by a single session handler; WriteLine is also called
// by the registry while the connection's sink is registered.
type Conn interface {
	// ReadLine blocks until a full line arrives and returns it without the
	// line terminator. It returns io.EOF once the peer has closed its side.
	ReadLine() (string, error)

	// WriteLine writes line followed by a newline.
	WriteLine(line string) error

	// Close closes the connection. Safe to call more than once.
	Close() error

	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string
}

type tcpConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newTCPConn(conn net.Conn, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// ReadLine returns a final unterminated line before reporting io.EOF.
func (c *tcpConn) ReadLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return trimLineEnd(line), nil
		}

		return "", err
	}

	return trimLineEnd(line), nil
}

func (c *tcpConn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}

	_, err := io.WriteString(c.conn, line+"\n")
	return err
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func trimLineEnd(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
