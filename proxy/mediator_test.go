package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sto/imaproxy/config"
)

func testMetrics() Metrics {
	return Metrics{
		Connections:      discard.NewCounter(),
		OpenConnections:  discard.NewGauge(),
		FilteredListings: discard.NewCounter(),
		ListenerPanics:   discard.NewCounter(),
	}
}

// startMediator runs a mediator against a local TCP listener playing
// the upstream server. It returns the client end, the accepted
// upstream end and the mediator itself.
func startMediator(t *testing.T) (net.Conn, net.Conn, *Mediator) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	t.Cleanup(func() { listener.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	p := &Proxy{
		logger:  log.NewNopLogger(),
		conf:    &config.Config{},
		metrics: testMetrics(),
		upstream: Upstream{
			Host: "127.0.0.1",
			Addr: listener.Addr().String(),
		},
	}

	client, proxySide := net.Pipe()
	session := NewSession(1, proxySide)
	m := NewMediator(p, session)

	go m.Run()

	select {
	case upstream := <-accepted:
		t.Cleanup(func() {
			client.Close()
			upstream.Close()
		})
		return client, upstream, m
	case <-time.After(2 * time.Second):
		t.Fatal("mediator did not dial upstream")
		return nil, nil, nil
	}
}

func readExact(t *testing.T, conn net.Conn, n int) []byte {

	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.Nil(t, err)

	return buf
}

// expectSilence asserts that no bytes arrive on conn for a moment.
func expectSilence(t *testing.T, conn net.Conn) {

	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)

	n, err := conn.Read(buf)
	assert.Equal(t, 0, n, "unexpected bytes forwarded")

	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())

	conn.SetReadDeadline(time.Time{})
}

// TestMediatorPlainForward checks the byte-transparent path in both
// directions: a NOOP round trip arrives unmodified on both sides.
func TestMediatorPlainForward(t *testing.T) {

	client, upstream, _ := startMediator(t)

	_, err := client.Write([]byte("a001 NOOP\r\n"))
	require.Nil(t, err)

	got := readExact(t, upstream, len("a001 NOOP\r\n"))
	assert.Equal(t, "a001 NOOP\r\n", string(got))

	_, err = upstream.Write([]byte("a001 OK NOOP completed\r\n"))
	require.Nil(t, err)

	got = readExact(t, client, len("a001 OK NOOP completed\r\n"))
	assert.Equal(t, "a001 OK NOOP completed\r\n", string(got))
}

// TestMediatorSplitTag checks that a tag fragment is held back and the
// completing read yields one forwarded command built from both reads.
func TestMediatorSplitTag(t *testing.T) {

	client, upstream, _ := startMediator(t)

	_, err := client.Write([]byte("a0"))
	require.Nil(t, err)

	expectSilence(t, upstream)

	_, err = client.Write([]byte("02 LIST \"\" \"*\"\r\n"))
	require.Nil(t, err)

	got := readExact(t, upstream, len("a002 LIST \"\" \"*\"\r\n"))
	assert.Equal(t, "a002 LIST \"\" \"*\"\r\n", string(got))
}

// TestMediatorRewrite checks that a listener-supplied result replaces
// the forwarded bytes.
func TestMediatorRewrite(t *testing.T) {

	client, upstream, m := startMediator(t)

	m.ClientBus.On("NOOP", func(ev *Event) {
		ev.Result = []byte("a001 CAPABILITY\r\n")
	})

	client.Write([]byte("a001 NOOP\r\n"))

	got := readExact(t, upstream, len("a001 CAPABILITY\r\n"))
	assert.Equal(t, "a001 CAPABILITY\r\n", string(got))
}

// TestMediatorSuppress checks that clearing write forwards nothing.
func TestMediatorSuppress(t *testing.T) {

	client, upstream, m := startMediator(t)

	m.ClientBus.On("NOOP", func(ev *Event) {
		ev.Write = false
	})

	client.Write([]byte("a001 NOOP\r\n"))

	expectSilence(t, upstream)
}

// TestMediatorPipelined checks that two commands arriving in one read
// are dispatched as two events, each seeing its own tag.
func TestMediatorPipelined(t *testing.T) {

	client, upstream, m := startMediator(t)

	var seqs []string
	m.ClientBus.On("NOOP", func(ev *Event) {
		seqs = append(seqs, ev.Seq)
	})

	client.Write([]byte("a1 NOOP\r\na2 NOOP\r\n"))

	got := readExact(t, upstream, len("a1 NOOP\r\na2 NOOP\r\n"))
	assert.Equal(t, "a1 NOOP\r\na2 NOOP\r\n", string(got))
	assert.Equal(t, []string{"a1", "a2"}, seqs)
}

// TestMediatorDisconnect checks that closing the client ends the
// upstream side and fires __DISCONNECT__ exactly once.
func TestMediatorDisconnect(t *testing.T) {

	client, upstream, m := startMediator(t)

	disconnects := 0
	m.ClientBus.On(EventDisconnect, func(ev *Event) {
		disconnects++
	})

	client.Close()

	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := upstream.Read(make([]byte, 1))
	assert.NotNil(t, err, "upstream should be closed after client disconnect")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, disconnects)
	assert.False(t, m.session.Connected)
}
