package imap

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Variables

// DataCommand is the pseudo command assigned to any chunk that could
// not be classified as a tagged or untagged IMAP command line.
const DataCommand = "__DATA__"

// classifyWindow limits how many leading bytes of a chunk are decoded
// for classification. The forwarded bytes are never touched.
const classifyWindow = 256

// splitTagMax is the length below which a single unterminated token is
// treated as a split tag that needs more bytes before classification.
const splitTagMax = 10

var wordRegexp = regexp.MustCompile(`^[A-Za-z]+$`)

// Structs

// Command is the result of framing one chunk read from a socket. Seq
// carries the IMAP tag ("0" if none was recognized), Name the
// uppercased command keyword or DataCommand. Write false instructs the
// mediator to buffer the chunk and wait for more bytes.
type Command struct {
	Seq   string
	Name  string
	Write bool

	// Forward holds the bytes belonging to this command, Tail any
	// pipelined bytes after it that need a second framing pass.
	Forward []byte
	Tail    []byte
}

// Functions

// FrameClient frames the first logical IMAP command out of a chunk
// read from the client. A command line ending in a literal
// continuation marker swallows the whole chunk; otherwise trailing
// pipelined lines are returned as Tail for re-injection.
func FrameClient(buf []byte) *Command {

	cmd := classify(buf, true)

	if !cmd.Write {
		return cmd
	}

	first, rest := splitFirstLine(buf)

	// A literal continuation means the following bytes are counted
	// payload of this same command, not independent lines.
	if bytes.HasSuffix(bytes.TrimRight(first, "\r\n"), []byte("}")) {
		cmd.Forward = buf
		return cmd
	}

	if len(rest) > 0 {
		cmd.Forward = buf[:len(buf)-len(rest)]
		cmd.Tail = rest
	} else {
		cmd.Forward = buf
	}

	return cmd
}

// FrameServer classifies a chunk read from the upstream server. Server
// chunks are always forwarded whole and never held back: responses may
// legitimately span many lines and any split is repaired by the next
// classification falling back to DataCommand.
func FrameServer(buf []byte) *Command {

	cmd := classify(buf, false)
	cmd.Write = true
	cmd.Forward = buf

	return cmd
}

// classify inspects up to classifyWindow bytes of the first line and
// derives tag and command keyword following the tolerant rules the
// proxy needs: anything it cannot make sense of is data, not an error.
func classify(buf []byte, allowHold bool) *Command {

	cmd := &Command{Seq: "0", Name: DataCommand, Write: true}

	window := buf
	if len(window) > classifyWindow {
		window = window[:classifyWindow]
	}
	head := string(bytes.ToValidUTF8(window, []byte("?")))

	firstLine := head
	oneLine := true
	if idx := strings.IndexByte(head, '\n'); idx >= 0 {
		firstLine = strings.TrimRight(head[:idx], "\r")
		oneLine = false
	}

	tokens := strings.Fields(firstLine)

	switch {

	case len(tokens) >= 2 && wordRegexp.MatchString(tokens[1]):
		cmd.Seq = tokens[0]
		cmd.Name = strings.ToUpper(tokens[1])

	case len(tokens) == 1 && wordRegexp.MatchString(tokens[0]):
		cmd.Name = strings.ToUpper(tokens[0])

	case allowHold && len(tokens) == 1 && oneLine && utf8.RuneCountInString(head) < splitTagMax:
		// A short unterminated fragment is most likely a tag split
		// across TCP segments. Hold it until the rest arrives.
		cmd.Write = false
		return cmd
	}

	// UID carries the actual verb in its next token.
	if cmd.Name == "UID" && len(tokens) > 2 {
		cmd.Name = cmd.Name + " " + strings.ToUpper(tokens[2])
	}

	return cmd
}

// splitFirstLine returns the first line including its terminator and
// the remaining bytes after it.
func splitFirstLine(buf []byte) ([]byte, []byte) {

	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return buf, nil
	}

	return buf[:idx+1], buf[idx+1:]
}
