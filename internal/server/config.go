package server

import (
	"os"
	"time"
)

// LoadConfig builds the server config from environment variables, falling
// back to local-development defaults. TASKSYNC_SERVER_TOKEN has no default:
// an empty token rejects every request, which is the safe failure mode for a
// misconfigured deployment.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:    ":8080",
		DataDir:       "./data",
		SweepInterval: time.Hour,
	}

	if v := os.Getenv("TASKSYNC_SERVER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TASKSYNC_SERVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TASKSYNC_SERVER_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("TASKSYNC_SERVER_READONLY_TOKEN"); v != "" {
		cfg.ReadOnlyToken = v
	}
	if v := os.Getenv("TASKSYNC_SERVER_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	return cfg
}
