package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestParseUpstream checks scheme handling and default ports.
func TestParseUpstream(t *testing.T) {

	tests := []struct {
		in   string
		addr string
		tls  bool
	}{
		{"imap://mail.example.org", "mail.example.org:143", false},
		{"imap://mail.example.org:1143", "mail.example.org:1143", false},
		{"tls://mail.example.org", "mail.example.org:993", true},
		{"ssl://mail.example.org:992", "mail.example.org:992", true},
		{"imaps://mail.example.org", "mail.example.org:993", true},
	}

	for _, tt := range tests {

		up, err := ParseUpstream(tt.in)

		assert.Nil(t, err, "unexpected error for %s", tt.in)
		assert.Equal(t, tt.addr, up.Addr)
		assert.Equal(t, tt.tls, up.TLS)
	}
}

// TestParseUpstreamRejects checks that unusable URLs are refused.
func TestParseUpstreamRejects(t *testing.T) {

	_, err := ParseUpstream("http://mail.example.org")
	assert.NotNil(t, err)

	_, err = ParseUpstream("imap://")
	assert.NotNil(t, err)
}

// TestSessionExt checks the per-plugin session state bag.
func TestSessionExt(t *testing.T) {

	s := NewSession(7, nil)

	_, ok := s.Ext("folderfilter")
	assert.False(t, ok)

	s.SetExt("folderfilter", 42)
	v, ok := s.Ext("folderfilter")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	s.DeleteExt("folderfilter")
	_, ok = s.Ext("folderfilter")
	assert.False(t, ok)

	assert.Equal(t, uint64(7), s.ID)
	assert.NotEmpty(t, s.ClientID)
	assert.True(t, s.Connected)
}
