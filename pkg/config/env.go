package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnvOverrides lets deployment environment variables override the file
// settings. FEEDSPINE_BACKEND, FEEDSPINE_BACKEND_PATH, FEEDSPINE_BACKEND_DSN,
// FEEDSPINE_LISTEN, FEEDSPINE_BRONZE_DIR, FEEDSPINE_INTERVAL_SECONDS.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FEEDSPINE_BACKEND"); v != "" {
		c.Backend.Name = v
	}
	if v := os.Getenv("FEEDSPINE_BACKEND_PATH"); v != "" {
		c.Backend.Path = v
	}
	if v := os.Getenv("FEEDSPINE_BACKEND_DSN"); v != "" {
		c.Backend.DSN = v
	}
	if v := os.Getenv("FEEDSPINE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("FEEDSPINE_BRONZE_DIR"); v != "" {
		c.BronzeDir = v
	}
	if v := os.Getenv("FEEDSPINE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			for i := range c.Sources {
				c.Sources[i].Interval = Duration(time.Duration(n) * time.Second)
			}
		}
	}
}
