package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestListen checks that both plain and SO_REUSEPORT listeners bind.
func TestListen(t *testing.T) {

	plain, err := Listen(0, false)
	assert.Nil(t, err)
	defer plain.Close()

	shared, err := Listen(0, true)
	assert.Nil(t, err)
	defer shared.Close()
}

// TestIDDefaultsToParent checks that an unset environment marks the
// supervising parent.
func TestIDDefaultsToParent(t *testing.T) {

	t.Setenv(IDEnv, "")
	assert.Equal(t, "", ID())

	t.Setenv(IDEnv, "3")
	assert.Equal(t, "3", ID())
}
