package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sto/imaproxy/config"
)

// Functions

// TestLoadConfig executes a black-box test on loading a TOML config
// file.
func TestLoadConfig(t *testing.T) {

	// Try to load a broken config file. This should fail.
	_, err := config.LoadConfig("testdata/broken-config.toml")
	assert.NotNil(t, err)

	// A config without imap_server is unusable.
	_, err = config.LoadConfig("testdata/no-upstream.toml")
	assert.NotNil(t, err)

	// Now load a valid config.
	conf, err := config.LoadConfig("testdata/config.toml")
	assert.Nil(t, err)

	assert.Equal(t, "tls://imap.example.org:993", conf.IMAPServer)
	assert.Equal(t, 8143, conf.BindPort)
	assert.True(t, conf.ConnectionLog)
	assert.Equal(t, 4, conf.Workers)
	assert.Equal(t, 60, conf.KeepAlive)
	assert.True(t, conf.TLSNocheckCerts)
	assert.Equal(t, "plugins", conf.PluginDir)

	// Defaults survive when the file does not set them.
	assert.Equal(t, 10, conf.CrashBudget)
	assert.Equal(t, 1800, conf.ReadTimeout)
}

// TestLoadConfigResolvesKeyPaths checks that relative key material
// paths are anchored at the config file's directory.
func TestLoadConfigResolvesKeyPaths(t *testing.T) {

	conf, err := config.LoadConfig("testdata/ssl-config.toml")
	assert.Nil(t, err)

	assert.Equal(t, "testdata/certs/proxy.key", conf.SSLKey)
	assert.Equal(t, "testdata/certs/proxy.pem", conf.SSLCert)
	assert.Equal(t, "/etc/ssl/ca.pem", conf.SSLCA)
}

// TestLoadConfigSSLRequiresKeys checks that ssl = true without key
// material is rejected.
func TestLoadConfigSSLRequiresKeys(t *testing.T) {

	_, err := config.LoadConfig("testdata/ssl-missing-key.toml")
	assert.NotNil(t, err)
}
