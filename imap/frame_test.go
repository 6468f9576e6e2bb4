package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestFrameClientClassification checks tag and keyword extraction for
// the common client command shapes.
func TestFrameClientClassification(t *testing.T) {

	tests := []struct {
		name  string
		in    string
		seq   string
		cmd   string
		write bool
	}{
		{"tagged command", "a001 NOOP\r\n", "a001", "NOOP", true},
		{"tagged with args", "a002 LIST \"\" \"*\"\r\n", "a002", "LIST", true},
		{"bare keyword", "DONE\r\n", "0", "DONE", true},
		{"uid subcommand", "a005 UID fetch 1:* FLAGS\r\n", "a005", "UID FETCH", true},
		{"untagged data", "* 23 EXISTS\r\n", "0", DataCommand, true},
		{"split tag", "a0", "0", DataCommand, false},
		{"long fragment", "0123456789abc", "0", DataCommand, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			cmd := FrameClient([]byte(tt.in))

			assert.Equal(t, tt.seq, cmd.Seq)
			assert.Equal(t, tt.cmd, cmd.Name)
			assert.Equal(t, tt.write, cmd.Write)
		})
	}
}

// TestFrameClientPipelined checks that two commands in one read are
// split into a forwarded head and a re-queued tail.
func TestFrameClientPipelined(t *testing.T) {

	cmd := FrameClient([]byte("a1 NOOP\r\na2 CAPABILITY\r\n"))

	assert.Equal(t, "a1", cmd.Seq)
	assert.Equal(t, "NOOP", cmd.Name)
	assert.Equal(t, []byte("a1 NOOP\r\n"), cmd.Forward)
	assert.Equal(t, []byte("a2 CAPABILITY\r\n"), cmd.Tail)
}

// TestFrameClientLiteral checks that a literal continuation swallows
// the whole chunk instead of splitting it into lines.
func TestFrameClientLiteral(t *testing.T) {

	in := []byte("a3 APPEND INBOX {5}\r\nhello\r\n")

	cmd := FrameClient(in)

	assert.Equal(t, "a3", cmd.Seq)
	assert.Equal(t, "APPEND", cmd.Name)
	assert.Equal(t, in, cmd.Forward)
	assert.Nil(t, cmd.Tail)
}

// TestFrameServer checks that server chunks are always forwarded whole
// and never held back, even for short fragments.
func TestFrameServer(t *testing.T) {

	cmd := FrameServer([]byte("* CAPABILITY IMAP4rev1 SORT\r\n"))
	assert.Equal(t, "*", cmd.Seq)
	assert.Equal(t, "CAPABILITY", cmd.Name)
	assert.True(t, cmd.Write)

	cmd = FrameServer([]byte("a0"))
	assert.True(t, cmd.Write, "server side never holds fragments")
	assert.Equal(t, []byte("a0"), cmd.Forward)

	cmd = FrameServer([]byte("a001 OK LOGIN completed\r\n"))
	assert.Equal(t, "a001", cmd.Seq)
	assert.Equal(t, "OK", cmd.Name)
}
