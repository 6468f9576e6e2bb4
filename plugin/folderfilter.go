package plugin

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"

	"github.com/sto/imaproxy/imap"
	"github.com/sto/imaproxy/proxy"
)

// Variables

const (
	folderFilterName = "folderfilter"

	annotationEntry = "/vendor/kolab/folder-type"
	metadataPrivate = "/private/vendor/kolab/folder-type"
	metadataShared  = "/shared/vendor/kolab/folder-type"
)

// sharedFolders are never shown to clients, regardless of their type
// annotation.
var sharedFolders = regexp.MustCompile(`^shared($|/)`)

// listingCommands are the commands whose responses get filtered.
var listingCommands = []string{"LSUB", "LIST", "XLIST"}

// Structs

// FolderFilter hides non-mail folders of a groupware server. It
// buffers the untagged lines of a LIST, LSUB or XLIST response,
// injects a GETANNOTATION or GETMETADATA request into the upstream
// stream, parses the reply into a folder-to-type map and synthesizes a
// filtered listing plus completion line for the client.
//
// The injected request is tagged "A" plus the client's tag, which
// assumes the client never uses that exact tag itself.
type FolderFilter struct {
	logger   log.Logger
	debug    bool
	filtered metrics.Counter
}

// listingJob tracks one intercepted listing command until its filtered
// response has been sent.
type listingJob struct {
	seq     string
	command string
	lines   []string
}

// registration remembers one bus listener so the filter can detach
// itself from a session it cannot serve.
type registration struct {
	bus  *proxy.Bus
	name string
	id   uint64
}

// filterState is the per-session state of the filter. The folder-type
// map persists across listings on the same session; everything else
// lives per job.
type filterState struct {
	caps     map[string]bool
	capsSeen bool

	// metadata is nil until the first auxiliary round-trip and maps
	// folder name to its type ("mail", "event", "NIL", ...).
	metadata map[string]string

	buffer   []byte
	listings map[string]*listingJob
	pending  int

	dataArmed bool
	handles   []registration
}

// Functions

// NewFolderFilter returns the mail-folder filtering plugin.
func NewFolderFilter(logger log.Logger, debug bool, filtered metrics.Counter) *FolderFilter {

	return &FolderFilter{
		logger:   logger,
		debug:    debug,
		filtered: filtered,
	}
}

// Name implements proxy.Plugin.
func (f *FolderFilter) Name() string {
	return folderFilterName
}

// Attach implements proxy.Plugin.
func (f *FolderFilter) Attach(session *proxy.Session, clientBus *proxy.Bus, serverBus *proxy.Bus) {

	st := &filterState{
		caps:     make(map[string]bool),
		listings: make(map[string]*listingJob),
	}
	session.SetExt(folderFilterName, st)

	register := func(bus *proxy.Bus, name string, fn proxy.Listener) {
		id := bus.On(name, fn)
		st.handles = append(st.handles, registration{bus: bus, name: name, id: id})
	}

	// The filter keeps its own capability map, populated once per
	// session from the first CAPABILITY response or the [CAPABILITY
	// ...] piggyback on an OK line.
	register(serverBus, "CAPABILITY", func(ev *proxy.Event) {
		f.sniffCapabilities(st, ev.Data)
	})
	register(serverBus, "OK", func(ev *proxy.Event) {
		if !st.capsSeen && bytes.Contains(ev.Data, []byte("[CAPABILITY ")) {
			f.sniffCapabilities(st, ev.Data)
		}
	})

	for _, name := range listingCommands {
		register(clientBus, name, func(ev *proxy.Event) {
			f.onListing(session, st, serverBus, register, ev)
		})
	}

	register(clientBus, proxy.EventDisconnect, func(ev *proxy.Event) {
		session.DeleteExt(folderFilterName)
		st.listings = make(map[string]*listingJob)
		st.buffer = nil
		st.pending = 0
	})
}

// sniffCapabilities records all capability words of a CAPABILITY
// payload, once per session.
func (f *FolderFilter) sniffCapabilities(st *filterState, data []byte) {

	if st.capsSeen {
		return
	}
	st.capsSeen = true

	words := strings.FieldsFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\r' || r == '\n' || r == '[' || r == ']'
	})

	for _, w := range words {
		st.caps[strings.ToUpper(w)] = true
	}
}

// onListing registers a listing job per forwarded command line and
// arms the server-side data listener. On a server without folder-type
// support the filter removes itself from the session instead.
func (f *FolderFilter) onListing(session *proxy.Session, st *filterState, serverBus *proxy.Bus, register func(*proxy.Bus, string, proxy.Listener), ev *proxy.Event) {

	if !st.caps["ANNOTATEMORE"] && !st.caps["METADATA"] {
		f.detach(session, st)
		return
	}

	for _, line := range splitLines(ev.Data) {

		tokens := strings.Fields(line)
		if len(tokens) < 2 {
			continue
		}

		st.listings["A"+tokens[0]] = &listingJob{
			seq:     tokens[0],
			command: strings.ToUpper(tokens[1]),
		}
		st.pending++
	}

	if !st.dataArmed {
		st.dataArmed = true
		register(serverBus, proxy.EventData, func(ev *proxy.Event) {
			f.onServerData(session, st, ev)
		})
	}
}

// onServerData owns the server-to-client stream while listing jobs are
// open. It suppresses default forwarding and decides per chunk whether
// it completes the auxiliary request, completes the original listing,
// or is payload to accumulate.
func (f *FolderFilter) onServerData(session *proxy.Session, st *filterState, ev *proxy.Event) {

	if len(st.listings) == 0 {
		return
	}

	ev.Write = false

	parsed := imap.ParseResponse(ev.Data)

	if job, ok := st.listings[parsed.Seq]; ok {

		// The auxiliary request completed: its payload plus this
		// completion are accumulated, parsed into folder types, and
		// the withheld listing goes out filtered.
		st.buffer = append(st.buffer, ev.Data...)

		if st.caps["ANNOTATEMORE"] {
			f.parseAnnotations(st)
		} else {
			f.parseMetadata(st)
		}
		st.buffer = nil

		f.sendFilteredList(st, job, ev)
		return
	}

	st.buffer = append(st.buffer, ev.Data...)

	if parsed.Seq == "" {
		return
	}

	// A tagged completion that is not ours: the original listing is
	// done. If it cannot be processed, everything buffered flushes
	// through unchanged.
	if !f.processListing(session, st, parsed.Seq, ev) {
		ev.Write = true
		ev.Result = st.buffer
		st.buffer = nil
	}
}

// processListing consumes the buffered listing response for seq. It
// either answers the client right away (folder types already known) or
// injects the auxiliary GETANNOTATION/GETMETADATA request upstream.
// Returns false when the buffer does not belong to a registered
// listing.
func (f *FolderFilter) processListing(session *proxy.Session, st *filterState, seq string, ev *proxy.Event) bool {

	job, ok := st.listings["A"+seq]
	if !ok {
		return false
	}

	lines := splitLines(st.buffer)

	if len(lines) < 2 {
		// Nothing to filter; the caller flushes the buffer through.
		delete(st.listings, "A"+seq)
		st.pending--
		return false
	}

	st.buffer = nil

	// The last line is the server's completion; everything above it
	// is listing payload.
	job.lines = append(job.lines, lines[:len(lines)-1]...)

	if st.metadata != nil {
		f.sendFilteredList(st, job, ev)
		return true
	}

	st.metadata = make(map[string]string)

	var aux string
	if st.caps["ANNOTATEMORE"] {
		aux = "A" + seq + ` GETANNOTATION "*" "` + annotationEntry + `" ("value.priv" "value.shared")` + "\r\n"
	} else {
		aux = "A" + seq + " GETMETADATA \"*\" (" + metadataPrivate + " " + metadataShared + ")\r\n"
	}

	if f.debug {
		level.Debug(f.logger).Log("msg", "injecting folder-type request", "session", session.ID, "request", strings.TrimRight(aux, "\r\n"))
	}

	if _, err := ev.Upstream.Write([]byte(aux)); err != nil {
		level.Error(f.logger).Log("msg", "failed to inject folder-type request", "session", session.ID, "err", err)
	}

	return true
}

// parseAnnotations folds a buffered GETANNOTATION response into the
// session's folder-type map. Each annotation line carries the mailbox,
// the entry name and a value list alternating attribute and value.
func (f *FolderFilter) parseAnnotations(st *filterState) {

	for _, line := range splitLines(st.buffer) {

		if !strings.HasPrefix(line, "* ANNOTATION ") {
			continue
		}

		tokens := imap.TokenizeData(line, 0)
		if len(tokens) < 5 {
			continue
		}

		mailbox, _ := tokens[2].(string)
		entry, _ := tokens[3].(string)
		values, _ := tokens[4].([]interface{})

		if entry != annotationEntry || mailbox == "" {
			continue
		}

		value := annotationValue(values, 1)
		if value == "" || value == "NIL" {
			if v := annotationValue(values, 3); v != "" {
				value = v
			}
		}

		if value != "" {
			st.metadata[mailbox] = strings.SplitN(value, ".", 2)[0]
		}
	}
}

// parseMetadata folds a buffered GETMETADATA response into the
// session's folder-type map. Values may be literals crossing CRLF, so
// the buffer is parsed as a whole.
func (f *FolderFilter) parseMetadata(st *filterState) {

	for _, entry := range imap.ParseMetadataEntries(string(st.buffer)) {

		if entry.Entry != metadataPrivate && entry.Entry != metadataShared {
			continue
		}

		value := entry.Value
		if value != "NIL" {
			value = strings.SplitN(value, ".", 2)[0]
		}

		// Prefer a concrete type over NIL when both the private and
		// the shared entry are present for a folder.
		if cur, ok := st.metadata[entry.Folder]; !ok || cur == "NIL" {
			st.metadata[entry.Folder] = value
		}
	}
}

// sendFilteredList synthesizes the filtered listing plus completion
// for the client and retires the job.
func (f *FolderFilter) sendFilteredList(st *filterState, job *listingJob, ev *proxy.Event) {

	var out bytes.Buffer

	for _, line := range job.lines {

		mailbox := lastMailboxToken(line)
		if mailbox == "" {
			continue
		}

		if sharedFolders.MatchString(mailbox) {
			continue
		}

		folderType, known := st.metadata[mailbox]
		if !known || folderType == "mail" || folderType == "NIL" {
			out.WriteString(line)
			out.WriteString("\r\n")
		} else if f.debug {
			level.Debug(f.logger).Log("msg", "hiding folder", "mailbox", mailbox, "type", folderType)
		}
	}

	out.WriteString(job.seq)
	out.WriteString(" OK Completed (filtered by IMAProxy)\r\n")

	ev.Result = out.Bytes()

	delete(st.listings, "A"+job.seq)
	st.pending--
	if st.pending < 0 {
		st.pending = 0
	}

	f.filtered.Add(1)
}

// detach removes every listener the filter registered on this session.
// A server without ANNOTATEMORE and METADATA gives the filter nothing
// to work with.
func (f *FolderFilter) detach(session *proxy.Session, st *filterState) {

	for _, h := range st.handles {
		h.bus.Off(h.name, h.id)
	}
	st.handles = nil

	session.DeleteExt(folderFilterName)

	if f.debug {
		level.Debug(f.logger).Log("msg", "server offers no folder annotations, filter detached", "session", session.ID)
	}
}

// annotationValue picks one element of an annotation value list.
func annotationValue(values []interface{}, idx int) string {

	if idx >= len(values) {
		return ""
	}

	v, _ := values[idx].(string)
	return v
}

// lastMailboxToken returns the mailbox name of one untagged listing
// line, which IMAP places last.
func lastMailboxToken(line string) string {

	tokens := imap.TokenizeData(line, 0)
	if len(tokens) == 0 {
		return ""
	}

	mailbox, _ := tokens[len(tokens)-1].(string)
	return mailbox
}

// splitLines splits a chunk on CRLF, dropping empty lines.
func splitLines(buf []byte) []string {

	var lines []string

	for _, line := range strings.Split(string(buf), "\r\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}

	return lines
}
