package chatserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/presence"
)

const testTimeout = 5 * time.Second

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func startServer(t *testing.T, mutate func(*Config)) (*Server, *presence.MemoryStore) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}

	store := presence.NewMemoryStore()
	s := New(cfg, logger.NewNopLogger(), store)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return s, store
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", s.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// join dials, completes the handshake and consumes the client's own join line.
func join(t *testing.T, s *Server, name string) *testClient {
	t.Helper()

	c := dial(t, s)
	c.expect(SubmitNameLine)
	c.send(name)
	c.expect(JoinedLine(name))
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return trimLineEnd(line)
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	assert.Equal(c.t, want, c.readLine())
}

// drain reads until the server closes the connection and returns the lines.
func (c *testClient) drain() []string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))

	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.t.Fatalf("connection not closed by server; got %q", lines)
			}
			return lines
		}
		lines = append(lines, trimLineEnd(line))
	}
}

func waitRegistryLen(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Registry().Len() == n },
		testTimeout, 10*time.Millisecond, "registry size never reached %d", n)
}

func waitOnline(t *testing.T, store presence.Store, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count, err := store.Count(context.Background())
		return err == nil && count == n
	}, testTimeout, 10*time.Millisecond, "online count never reached %d", n)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "AwaitingName", AwaitingName.String())
	assert.Equal(t, "Active", Active.String())
	assert.Equal(t, "Closing", Closing.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", SessionState(42).String())
}

func TestAnonymousName(t *testing.T) {
	re := regexp.MustCompile(`^Anonymous-(\d+)$`)
	for range 2000 {
		m := re.FindStringSubmatch(anonymousName())
		require.Len(t, m, 2)
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 1000)
	}
}

func TestServer_Scenario(t *testing.T) {
	s, store := startServer(t, nil)

	alice := join(t, s, "Alice")
	bob := join(t, s, "Bob")
	alice.expect(JoinedLine("Bob"))

	alice.send("hello")
	alice.expect("Alice: hello")
	bob.expect("Alice: hello")

	bob.send("hi Alice")
	alice.expect("Bob: hi Alice")
	bob.expect("Bob: hi Alice")

	alice.send("exit")
	assert.Empty(t, alice.drain())
	bob.expect(LeftLine("Alice"))

	waitRegistryLen(t, s, 1)
	waitOnline(t, store, 1)
}

func TestServer_PlaceholderName(t *testing.T) {
	re := regexp.MustCompile(`^Anonymous-(\d{1,3}) has joined the chat\.$`)

	for _, submitted := range []string{"", "   ", "\t"} {
		t.Run(strconv.Quote(submitted), func(t *testing.T) {
			s, _ := startServer(t, nil)
			c := dial(t, s)
			c.expect(SubmitNameLine)
			c.send(submitted)
			assert.Regexp(t, re, c.readLine())
		})
	}
}

func TestServer_ExitAnyCase(t *testing.T) {
	for _, cmd := range []string{"exit", "Exit", "EXIT", "eXiT"} {
		t.Run(cmd, func(t *testing.T) {
			s, _ := startServer(t, nil)
			observer := join(t, s, "Observer")
			leaver := join(t, s, "Leaver")
			observer.expect(JoinedLine("Leaver"))

			leaver.send(cmd)
			assert.Empty(t, leaver.drain(), "exit must not be echoed")
			observer.expect(LeftLine("Leaver"))
			waitRegistryLen(t, s, 1)
		})
	}
}

func TestServer_ExitIsNotASubstringMatch(t *testing.T) {
	s, _ := startServer(t, nil)
	c := join(t, s, "Carol")

	c.send("exit now")
	c.expect("Carol: exit now")
	c.send(" exit")
	c.expect("Carol:  exit")
}

func TestServer_AbruptDisconnect(t *testing.T) {
	s, _ := startServer(t, nil)
	observer := join(t, s, "Observer")
	crasher := join(t, s, "Crasher")
	observer.expect(JoinedLine("Crasher"))

	if tcp, ok := crasher.conn.(*net.TCPConn); ok {
		require.NoError(t, tcp.SetLinger(0))
	}
	require.NoError(t, crasher.conn.Close())

	observer.expect(LeftLine("Crasher"))
	waitRegistryLen(t, s, 1)

	// Exactly one departure: the next line is the observer's own echo.
	observer.send("ping")
	observer.expect("Observer: ping")
}

func TestServer_EOFDuringHandshake(t *testing.T) {
	s, store := startServer(t, nil)
	observer := join(t, s, "Observer")

	c := dial(t, s)
	c.expect(SubmitNameLine)
	require.NoError(t, c.conn.Close())

	observer.send("ping")
	observer.expect("Observer: ping")
	waitRegistryLen(t, s, 1)
	waitOnline(t, store, 1)
}

func TestServer_UnterminatedFinalLine(t *testing.T) {
	s, _ := startServer(t, nil)
	observer := join(t, s, "Observer")
	writer := join(t, s, "Writer")
	observer.expect(JoinedLine("Writer"))

	_, err := io.WriteString(writer.conn, "last words")
	require.NoError(t, err)
	require.NoError(t, writer.conn.(*net.TCPConn).CloseWrite())

	observer.expect("Writer: last words")
	observer.expect(LeftLine("Writer"))
}

func TestServer_CRLFClients(t *testing.T) {
	s, _ := startServer(t, nil)
	c := dial(t, s)
	c.expect(SubmitNameLine)

	_, err := io.WriteString(c.conn, "Dave\r\nhello\r\nEXIT\r\n")
	require.NoError(t, err)

	c.expect(JoinedLine("Dave"))
	c.expect("Dave: hello")
	assert.Empty(t, c.drain())
}

func TestServer_SendOrderPreserved(t *testing.T) {
	s, _ := startServer(t, nil)
	receiver := join(t, s, "Receiver")
	sender := join(t, s, "Sender")
	receiver.expect(JoinedLine("Sender"))

	const n = 200
	go func() {
		for i := range n {
			_, _ = io.WriteString(sender.conn, fmt.Sprintf("msg %d\n", i))
		}
	}()

	for i := range n {
		receiver.expect(fmt.Sprintf("Sender: msg %d", i))
	}
}

func TestServer_ConcurrentChurn(t *testing.T) {
	s, store := startServer(t, nil)
	const clients = 40

	var wg sync.WaitGroup
	wg.Add(clients)
	for i := range clients {
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("user%d", id)

			conn, err := net.DialTimeout("tcp", s.Addr().String(), testTimeout)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()

			_ = conn.SetDeadline(time.Now().Add(3 * testTimeout))
			reader := bufio.NewReader(conn)
			first, err := reader.ReadString('\n')
			if !assert.NoError(t, err) || !assert.Equal(t, SubmitNameLine+"\n", first) {
				return
			}

			_, err = io.WriteString(conn, name+"\nhi\nexit\n")
			if !assert.NoError(t, err) {
				return
			}

			echoes := 0
			joined := false
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					break
				}
				switch trimLineEnd(line) {
				case JoinedLine(name):
					joined = true
				case ChatLine(name, "hi"):
					echoes++
				case LeftLine(name):
					t.Errorf("%s received its own departure", name)
				}
			}

			assert.True(t, joined, "%s missed its join line", name)
			assert.Equal(t, 1, echoes, "%s echo count", name)
		}(i)
	}
	wg.Wait()

	waitRegistryLen(t, s, 0)
	waitOnline(t, store, 0)
}

func TestServer_WorkerPoolBound(t *testing.T) {
	s, _ := startServer(t, func(cfg *Config) { cfg.MaxWorkers = 1 })

	first := join(t, s, "First")
	second := dial(t, s)

	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := second.reader.ReadString('\n')
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "queued connection must not be served yet, got %v", err)

	first.send("exit")
	first.drain()

	second.expect(SubmitNameLine)
	second.send("Second")
	second.expect(JoinedLine("Second"))
}

func TestServer_Stop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	store := presence.NewMemoryStore()
	s := New(cfg, logger.NewNopLogger(), store)
	require.NoError(t, s.Start())

	a := join(t, s, "A")
	b := join(t, s, "B")
	a.expect(JoinedLine("B"))

	s.Stop()
	a.drain()
	b.drain()

	assert.Equal(t, 0, s.Registry().Len())
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	t.Run("stop twice is safe", func(t *testing.T) {
		s.Stop()
	})

	t.Run("cannot restart", func(t *testing.T) {
		assert.Error(t, s.Start())
	})
}

func TestServer_StartErrors(t *testing.T) {
	s, _ := startServer(t, nil)

	t.Run("already running", func(t *testing.T) {
		assert.Error(t, s.Start())
	})

	t.Run("address in use", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Addr = s.Addr().String()
		other := New(cfg, nil, nil)
		err := other.Start()
		assert.Error(t, err)
		assert.Nil(t, other.Addr())
	})
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{}, nil, nil)
	assert.Equal(t, DefaultMaxWorkers, s.cfg.MaxWorkers)
	assert.NotNil(t, s.Registry())
	assert.Nil(t, s.Addr())
	assert.Nil(t, s.WebSocketAddr())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(dir, "chat.yaml")
		data := "name: lobby\naddr: 127.0.0.1:4000\nmax_workers: 3\nwrite_timeout: 5s\n"
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "lobby", cfg.Name)
		assert.Equal(t, "127.0.0.1:4000", cfg.Addr)
		assert.Equal(t, 3, cfg.MaxWorkers)
		assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
		assert.Empty(t, cfg.WebSocketAddr)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		require.NoError(t, os.WriteFile(path, []byte("websocket_addr: :8080\n"), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, ":12345", cfg.Addr)
		assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
		assert.Equal(t, ":8080", cfg.WebSocketAddr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("max_workers: lots\n"), 0644))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}
