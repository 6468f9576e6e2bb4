package proxy

import (
	"net"
	"sync"

	uuid "github.com/satori/go.uuid"
)

// Structs

// Session carries all state specific to one observed client connection
// on its way through the proxy. Exactly one mediator owns a session
// and mutates it; plugins reach it through the events they receive.
type Session struct {
	// ID is unique and monotonically increasing within a worker
	// process. ClientID is a UUID used to correlate log lines.
	ID       uint64
	ClientID string

	Connected        bool
	CapabilitiesSeen bool

	Client   net.Conn
	Upstream net.Conn

	mu   sync.Mutex
	ext  map[string]interface{}
	once sync.Once
}

// Functions

// NewSession wraps a freshly accepted client connection.
func NewSession(id uint64, client net.Conn) *Session {

	return &Session{
		ID:        id,
		ClientID:  uuid.NewV4().String(),
		Connected: true,
		Client:    client,
		ext:       make(map[string]interface{}),
	}
}

// Ext returns the per-session state a plugin stashed under its name.
func (s *Session) Ext(plugin string) (interface{}, bool) {

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.ext[plugin]
	return v, ok
}

// SetExt stores per-session plugin state under the plugin's name. The
// state is dropped with the session, so a crashed connection cannot
// leak entries the way a global map indexed by session ID would.
func (s *Session) SetExt(plugin string, v interface{}) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ext[plugin] = v
}

// DeleteExt removes a plugin's per-session state.
func (s *Session) DeleteExt(plugin string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.ext, plugin)
}
