package config

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Structs

// Config holds all information parsed from the supplied config file.
type Config struct {
	// Upstream IMAP server URL with imap:, tls:, ssl: or imaps:
	// scheme. Default ports are 143 plain and 993 for TLS.
	IMAPServer string `toml:"imap_server"`

	// Local listener.
	BindPort int    `toml:"bind_port"`
	SSL      bool   `toml:"ssl"`
	SSLKey   string `toml:"ssl_key"`
	SSLCert  string `toml:"ssl_cert"`
	SSLCA    string `toml:"ssl_ca"`

	// Upstream connection behavior.
	TLSNocheckCerts bool `toml:"tls_nocheck_certs"`
	KeepAlive       int  `toml:"keep_alive"`
	ReadTimeout     int  `toml:"read_timeout"`

	// Pre-fork worker pool. Zero runs a single process.
	Workers     int `toml:"workers"`
	CrashBudget int `toml:"crash_budget"`

	// Logging.
	ConnectionLog bool `toml:"connection_log"`
	UseColors     bool `toml:"use_colors"`
	DebugLog      bool `toml:"debug_log"`

	// Privilege drop targets applied after bind.
	UserUID int `toml:"user_uid"`
	UserGID int `toml:"user_gid"`

	// Observability and extension points.
	PrometheusAddr string `toml:"prometheus_addr"`
	PluginDir      string `toml:"plugin_dir"`
}

// Functions

// LoadConfig reads in a TOML config file at the supplied path and
// validates the values the proxy cannot run without.
func LoadConfig(configFile string) (*Config, error) {

	conf := &Config{
		BindPort:    143,
		ReadTimeout: 1800,
		CrashBudget: 10,
	}

	if _, err := toml.DecodeFile(configFile, conf); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
	}

	if conf.IMAPServer == "" {
		return nil, errors.New("config option imap_server is required")
	}

	if conf.BindPort <= 0 || conf.BindPort > 65535 {
		return nil, errors.Errorf("config option bind_port %d is out of range", conf.BindPort)
	}

	if conf.SSL && (conf.SSLKey == "" || conf.SSLCert == "") {
		return nil, errors.New("ssl requires ssl_key and ssl_cert")
	}

	if conf.Workers < 0 {
		return nil, errors.Errorf("config option workers must not be negative, got %d", conf.Workers)
	}

	// Resolve relative key material paths against the config file's
	// directory so the proxy can be started from anywhere.
	base := filepath.Dir(configFile)
	for _, loc := range []*string{&conf.SSLKey, &conf.SSLCert, &conf.SSLCA} {
		if *loc != "" && !filepath.IsAbs(*loc) {
			*loc = filepath.Join(base, *loc)
		}
	}

	return conf, nil
}
