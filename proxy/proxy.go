package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/pkg/errors"

	"github.com/sto/imaproxy/config"
)

// Interfaces

// Plugin is the hook point for middleware. Attach is called once per
// accepted connection, before any bytes flow, and registers whatever
// listeners the plugin needs on the two buses of that session.
type Plugin interface {
	Name() string
	Attach(session *Session, clientBus *Bus, serverBus *Bus)
}

// Structs

// Metrics bundles the instrumentation of a proxy worker.
type Metrics struct {
	Connections      metrics.Counter
	OpenConnections  metrics.Gauge
	FilteredListings metrics.Counter
	ListenerPanics   metrics.Counter
}

// Upstream is the parsed target of the proxied IMAP server.
type Upstream struct {
	Host string
	Addr string
	TLS  bool
}

// Proxy accepts client connections and hands each one to a mediator.
// It owns the session ID counter and the open-connections gauge of
// this worker process.
type Proxy struct {
	logger      log.Logger
	conf        *config.Config
	metrics     Metrics
	upstream    Upstream
	upstreamTLS *tls.Config
	workerID    string
	readTimeout time.Duration

	Socket  net.Listener
	plugins []Plugin

	mu        sync.Mutex
	nextID    uint64
	open      int
	active    sync.WaitGroup
	accepting bool
}

// Functions

// New assembles a proxy worker around an already bound listener.
func New(logger log.Logger, conf *config.Config, m Metrics, listener net.Listener, workerID string) (*Proxy, error) {

	upstream, err := ParseUpstream(conf.IMAPServer)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		logger:      logger,
		conf:        conf,
		metrics:     m,
		upstream:    upstream,
		workerID:    workerID,
		readTimeout: time.Duration(conf.ReadTimeout) * time.Second,
		Socket:      listener,
		accepting:   true,
	}

	if upstream.TLS {
		p.upstreamTLS = &tls.Config{
			ServerName:         upstream.Host,
			InsecureSkipVerify: conf.TLSNocheckCerts,
			MinVersion:         tls.VersionTLS12,
		}
	}

	return p, nil
}

// ParseUpstream resolves an imap://, tls://, ssl:// or imaps:// URL
// into host, dial address and TLS mode. The default port is 143 for
// plain connections and 993 for TLS.
func ParseUpstream(raw string) (Upstream, error) {

	u, err := url.Parse(raw)
	if err != nil {
		return Upstream{}, errors.Wrap(err, "invalid imap_server URL")
	}

	var useTLS bool

	switch strings.ToLower(u.Scheme) {
	case "imap":
		useTLS = false
	case "tls", "ssl", "imaps":
		useTLS = true
	default:
		return Upstream{}, errors.Errorf("unsupported imap_server scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Upstream{}, errors.New("imap_server URL carries no host")
	}

	port := u.Port()
	if port == "" {
		if useTLS {
			port = "993"
		} else {
			port = "143"
		}
	}

	return Upstream{
		Host: host,
		Addr: net.JoinHostPort(host, port),
		TLS:  useTLS,
	}, nil
}

// Use registers a plugin. Plugins attach to every connection accepted
// after the call, in registration order.
func (p *Proxy) Use(plugin Plugin) {

	p.plugins = append(p.plugins, plugin)

	level.Info(p.logger).Log("msg", "plugin loaded", "plugin", plugin.Name())
}

// Run loops over incoming requests and dispatches each one into its
// own mediator goroutine. It returns once the listener closes.
func (p *Proxy) Run() error {

	for {

		conn, err := p.Socket.Accept()
		if err != nil {

			p.mu.Lock()
			stopped := !p.accepting
			p.mu.Unlock()

			if stopped {
				return nil
			}

			return errors.Wrap(err, "accepting incoming connection failed")
		}

		p.mu.Lock()
		p.nextID++
		id := p.nextID
		p.open++
		open := p.open
		p.mu.Unlock()

		p.metrics.Connections.Add(1)
		p.metrics.OpenConnections.Add(1)

		session := NewSession(id, conn)

		if p.conf.ConnectionLog {
			level.Info(p.logger).Log(
				"msg", "connection established",
				"addr", conn.RemoteAddr().String(),
				"session", p.sessionTag(id),
				"open", open,
			)
		}

		p.active.Add(1)
		go func() {
			defer p.active.Done()
			p.serve(session, conn)
		}()
	}
}

// serve completes an optional TLS handshake on the accepted socket and
// runs the mediator for it.
func (p *Proxy) serve(session *Session, conn net.Conn) {

	m := NewMediator(p, session)

	if tlsConn, ok := conn.(*tls.Conn); ok {

		if err := tlsConn.Handshake(); err != nil {
			level.Error(m.logger).Log("msg", "client TLS handshake failed", "err", err)
			m.teardown("client TLS handshake failed")
			return
		}

		if p.conf.ConnectionLog {
			state := tlsConn.ConnectionState()
			level.Info(m.logger).Log(
				"msg", "using cipher",
				"cipher", tls.CipherSuiteName(state.CipherSuite),
				"version", tls.VersionName(state.Version),
			)
		}
	}

	if err := m.Run(); err != nil {
		level.Error(m.logger).Log("msg", "session ended with error", "err", err)
	}
}

// Shutdown stops accepting and waits for in-flight sessions to drain,
// at most for the supplied grace period.
func (p *Proxy) Shutdown(grace time.Duration) {

	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()

	p.Socket.Close()

	done := make(chan struct{})
	go func() {
		p.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		level.Warn(p.logger).Log("msg", "forcing shutdown with sessions still open")
	}
}

// connectionClosed decrements the open-connections bookkeeping exactly
// once per session and returns the new count.
func (p *Proxy) connectionClosed() int {

	p.mu.Lock()
	defer p.mu.Unlock()

	p.open--
	p.metrics.OpenConnections.Add(-1)

	return p.open
}

// sessionTag renders a session ID with the optional worker prefix used
// in log lines.
func (p *Proxy) sessionTag(id uint64) string {

	if p.workerID == "" {
		return fmt.Sprintf("%d", id)
	}

	return fmt.Sprintf("%s:%d", p.workerID, id)
}
