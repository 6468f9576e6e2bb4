package proxy

import (
	"net"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
)

// Variables

// Pseudo event names published next to the regular command keywords.
// Listed here once; plugins subscribe to them like to any command.
const (
	EventData       = "__DATA__"
	EventPostData   = "__POSTDATA__"
	EventConnect    = "__CONNECT__"
	EventDisconnect = "__DISCONNECT__"
)

// Structs

// Event is one framed command or response chunk on its way through the
// mediator, extended with references to the session and both sockets.
// Listeners may set Result to replace the forwarded bytes or clear
// Write to suppress forwarding; all other fields are read-only.
type Event struct {
	Seq     string
	Command string
	Data    []byte

	Result []byte
	Write  bool

	Session  *Session
	Client   net.Conn
	Upstream net.Conn
}

// Listener handles one event. Listeners for the same name fire
// synchronously in registration order and see the same event value
// across the command, __DATA__ and __POSTDATA__ sequence.
type Listener func(ev *Event)

type listenerEntry struct {
	id   uint64
	fn   Listener
	once bool
}

// Bus is an ordered listener registry for one traffic direction. Each
// mediator owns two: one for client-to-server traffic and one for
// server-to-client traffic. Buses are driven by the mediator's pump
// goroutines only, which serializes all events of a session.
type Bus struct {
	logger   log.Logger
	panics   metrics.Counter
	nextID   uint64
	handlers map[string][]listenerEntry
}

// Functions

// NewBus creates an empty bus. The panics counter takes one tick per
// recovered listener panic.
func NewBus(logger log.Logger, panics metrics.Counter) *Bus {

	return &Bus{
		logger:   logger,
		panics:   panics,
		handlers: make(map[string][]listenerEntry),
	}
}

// On registers a listener for an event name and returns a handle
// usable with Off.
func (b *Bus) On(name string, fn Listener) uint64 {

	b.nextID++
	b.handlers[name] = append(b.handlers[name], listenerEntry{id: b.nextID, fn: fn})

	return b.nextID
}

// Once registers a listener that is removed after its first
// invocation.
func (b *Bus) Once(name string, fn Listener) uint64 {

	b.nextID++
	b.handlers[name] = append(b.handlers[name], listenerEntry{id: b.nextID, fn: fn, once: true})

	return b.nextID
}

// Off removes the listener registered under the given handle.
func (b *Bus) Off(name string, id uint64) {

	entries := b.handlers[name]
	for i, e := range entries {
		if e.id == id {
			b.handlers[name] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit invokes all listeners registered for name, in order. A panic in
// one listener is recovered and logged and never aborts the chain for
// the remaining listeners. Listeners may register and remove listeners
// while the chain runs; such changes take effect on the next emit.
func (b *Bus) Emit(name string, ev *Event) {

	entries := append([]listenerEntry(nil), b.handlers[name]...)

	for _, e := range entries {

		// Drop a one-shot entry before invoking it, so a handler
		// re-arming itself does not remove its new registration.
		if e.once {
			b.Off(name, e.id)
		}

		b.invoke(name, e.fn, ev)
	}
}

func (b *Bus) invoke(name string, fn Listener, ev *Event) {

	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			level.Error(b.logger).Log(
				"msg", "listener panicked",
				"event", name,
				"panic", r,
			)
		}
	}()

	fn(ev)
}
