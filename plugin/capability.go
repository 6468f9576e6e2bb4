// Package plugin ships the built-in middleware of imaproxy and the
// loader for user-supplied Lua plugins.
package plugin

import (
	"bytes"
	"regexp"

	"github.com/sto/imaproxy/proxy"
)

// Variables

// compressToken is stripped from every advertised capability set. The
// proxy rewrites the stream and cannot mediate a compressed one.
var compressToken = []byte("COMPRESS=DEFLATE ")

// filterableCaps lists the capabilities whose presence marks the
// session's capability set as seen. SORT alone does not give the
// mail-folder filter folder types to work with.
var filterableCaps = regexp.MustCompile(`SORT|ANNOTATEMORE|METADATA`)

// Structs

// Capability is the built-in plugin that strips COMPRESS=DEFLATE from
// advertised capabilities and flips the session's capabilities-seen
// marker once the server has shown a filterable capability set.
type Capability struct{}

// Functions

// NewCapability returns the capability rewriting plugin.
func NewCapability() *Capability {
	return &Capability{}
}

// Name implements proxy.Plugin.
func (c *Capability) Name() string {
	return "capability"
}

// Attach implements proxy.Plugin.
func (c *Capability) Attach(session *proxy.Session, clientBus *proxy.Bus, serverBus *proxy.Bus) {

	serverBus.On("CAPABILITY", func(ev *proxy.Event) {

		if bytes.Contains(ev.Data, compressToken) {
			ev.Result = bytes.ReplaceAll(ev.Data, compressToken, nil)
		}

		if filterableCaps.Match(ev.Data) {
			ev.Session.CapabilitiesSeen = true
		}
	})

	// Servers commonly piggyback the capability list on the greeting
	// or the LOGIN completion as "[CAPABILITY ...]".
	serverBus.On("OK", func(ev *proxy.Event) {

		if ev.Session.CapabilitiesSeen {
			return
		}

		if !bytes.Contains(ev.Data, []byte("[CAPABILITY ")) || !filterableCaps.Match(ev.Data) {
			return
		}

		if bytes.Contains(ev.Data, compressToken) {
			ev.Result = bytes.ReplaceAll(ev.Data, compressToken, nil)
		}

		ev.Session.CapabilitiesSeen = true
	})
}
