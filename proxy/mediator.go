package proxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sto/imaproxy/imap"
)

// Structs

// Mediator drives one client connection: it opens the matching
// upstream socket, pumps bytes in both directions, frames each
// direction into events and honors listener-supplied rewrites or
// suppressions. All events of a session run serially under mu.
type Mediator struct {
	proxy   *Proxy
	logger  log.Logger
	session *Session

	ClientBus *Bus
	ServerBus *Bus

	mu          sync.Mutex
	clientCarry []byte
}

// Functions

// NewMediator builds the mediator and its two buses for an accepted
// client connection and attaches all loaded plugins to them.
func NewMediator(p *Proxy, session *Session) *Mediator {

	logger := log.With(p.logger, "session", p.sessionTag(session.ID), "client", session.ClientID)

	m := &Mediator{
		proxy:     p,
		logger:    logger,
		session:   session,
		ClientBus: NewBus(logger, p.metrics.ListenerPanics),
		ServerBus: NewBus(logger, p.metrics.ListenerPanics),
	}

	for _, plugin := range p.plugins {
		plugin.Attach(session, m.ClientBus, m.ServerBus)
	}

	return m
}

// Run connects upstream and pumps both directions until either side
// closes or fails. It returns once the session is fully torn down.
func (m *Mediator) Run() error {

	m.publish(m.ClientBus, &Event{Command: EventConnect, Write: true})

	upstream, err := m.dialUpstream()
	if err != nil {
		m.teardown("upstream connect failed")
		return errors.Wrap(err, "failed to connect upstream")
	}

	m.mu.Lock()
	m.session.Upstream = upstream
	m.mu.Unlock()

	m.publish(m.ServerBus, &Event{Command: EventConnect, Write: true})

	var g errgroup.Group

	g.Go(func() error { return m.pumpClient() })
	g.Go(func() error { return m.pumpServer() })

	return g.Wait()
}

// dialUpstream opens the upstream socket, plain or TLS depending on
// the configured scheme, and applies keep-alive settings.
func (m *Mediator) dialUpstream() (net.Conn, error) {

	target := m.proxy.upstream

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if m.proxy.conf.KeepAlive > 0 {
		dialer.KeepAlive = time.Duration(m.proxy.conf.KeepAlive) * time.Second
	} else {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.Dial("tcp", target.Addr)
	if err != nil {
		return nil, err
	}

	if !target.TLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, m.proxy.upstreamTLS)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "upstream TLS handshake failed")
	}

	return tlsConn, nil
}

// pumpClient reads client chunks and relays them upstream.
func (m *Mediator) pumpClient() error {

	buf := make([]byte, 64*1024)

	for {

		n, err := m.session.Client.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.handleClient(chunk)
		}

		if err != nil {
			m.closeOnRead("client", err)
			return nil
		}
	}
}

// pumpServer reads upstream chunks and relays them to the client. The
// upstream side carries the read deadline that eventually releases
// half-open sessions.
func (m *Mediator) pumpServer() error {

	buf := make([]byte, 64*1024)

	for {

		if m.proxy.readTimeout > 0 {
			m.session.Upstream.SetReadDeadline(time.Now().Add(m.proxy.readTimeout))
		}

		n, err := m.session.Upstream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.handleServer(chunk)
		}

		if err != nil {
			m.closeOnRead("upstream", err)
			return nil
		}
	}
}

// handleClient frames one client chunk, publishes its events and
// forwards the outcome upstream. Unconsumed pipelined tails are fed
// back through the same path so each command gets its own event.
func (m *Mediator) handleClient(chunk []byte) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for len(chunk) > 0 {

		if len(m.clientCarry) > 0 {
			chunk = append(m.clientCarry, chunk...)
			m.clientCarry = nil
		}

		cmd := imap.FrameClient(chunk)

		if !cmd.Write {
			// Split tag, hold the bytes until more arrive.
			m.clientCarry = chunk
			return
		}

		ev := &Event{
			Seq:      cmd.Seq,
			Command:  cmd.Name,
			Data:     cmd.Forward,
			Write:    true,
			Session:  m.session,
			Client:   m.session.Client,
			Upstream: m.session.Upstream,
		}

		m.emitSequence(m.ClientBus, ev)
		m.forward(m.session.Upstream, ev)

		chunk = cmd.Tail
	}
}

// handleServer frames one upstream chunk, publishes its events and
// forwards the outcome to the client.
func (m *Mediator) handleServer(chunk []byte) {

	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := imap.FrameServer(chunk)

	ev := &Event{
		Seq:      cmd.Seq,
		Command:  cmd.Name,
		Data:     cmd.Forward,
		Write:    true,
		Session:  m.session,
		Client:   m.session.Client,
		Upstream: m.session.Upstream,
	}

	m.emitSequence(m.ServerBus, ev)
	m.forward(m.session.Client, ev)
}

// emitSequence publishes the three-event sequence for one framed
// chunk: the command name, __DATA__ unless the command already is the
// data pseudo event, then __POSTDATA__.
func (m *Mediator) emitSequence(bus *Bus, ev *Event) {

	bus.Emit(ev.Command, ev)
	if ev.Command != EventData {
		bus.Emit(EventData, ev)
	}
	bus.Emit(EventPostData, ev)
}

// forward writes the event outcome: a listener-supplied replacement,
// the original bytes, or nothing at all.
func (m *Mediator) forward(dst net.Conn, ev *Event) {

	var out []byte

	switch {
	case ev.Result != nil:
		out = ev.Result
	case ev.Write:
		out = ev.Data
	default:
		return
	}

	if dst == nil {
		return
	}

	if _, err := dst.Write(out); err != nil {
		level.Error(m.logger).Log("msg", "write failed", "err", err)
		m.teardown("write error")
	}
}

// publish emits a pseudo event on one bus with session context filled
// in. Pseudo events do not get the three-event sequence.
func (m *Mediator) publish(bus *Bus, ev *Event) {

	m.mu.Lock()
	defer m.mu.Unlock()

	ev.Session = m.session
	ev.Client = m.session.Client
	ev.Upstream = m.session.Upstream

	bus.Emit(ev.Command, ev)
}

// closeOnRead maps a read error of one direction to the matching
// teardown path and log line.
func (m *Mediator) closeOnRead(side string, err error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {

	case err == io.EOF:
		if side == "client" {
			m.teardown("client connection closed")
		} else {
			m.teardown(fmt.Sprintf("disconnected from %s", m.proxy.upstream.Host))
		}

	case isTimeout(err):
		level.Warn(m.logger).Log("msg", "upstream read timeout", "side", side)
		m.teardown("upstream timeout")

	default:
		level.Error(m.logger).Log("msg", "read error", "side", side, "err", err)
		m.teardown("read error")
	}
}

// teardown closes both sockets, flips the session to disconnected,
// decrements the open-connections counter exactly once and publishes
// __DISCONNECT__ on both buses.
func (m *Mediator) teardown(reason string) {

	m.session.once.Do(func() {

		m.session.Connected = false

		m.session.Client.Close()
		if m.session.Upstream != nil {
			m.session.Upstream.Close()
		}

		open := m.proxy.connectionClosed()

		if m.proxy.conf.ConnectionLog {
			level.Info(m.logger).Log("msg", reason, "open", open)
		}

		disc := &Event{Command: EventDisconnect, Write: true, Session: m.session}
		m.ClientBus.Emit(EventDisconnect, disc)
		m.ServerBus.Emit(EventDisconnect, disc)
	})
}

func isTimeout(err error) bool {

	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}

	return errors.Is(err, os.ErrDeadlineExceeded)
}
