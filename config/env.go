package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Functions

// ApplyEnv overlays a .env file (if present) and well-known
// environment variables on top of a loaded config. This keeps one
// config file usable across hosts where only the upstream endpoint
// differs.
func ApplyEnv(conf *Config) {

	// A missing .env file is not an error, plain environment
	// variables still apply.
	_ = godotenv.Load(".env")

	if v := os.Getenv("IMAPROXY_IMAP_SERVER"); v != "" {
		conf.IMAPServer = v
	}

	if v := os.Getenv("IMAPROXY_BIND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			conf.BindPort = port
		}
	}
}
