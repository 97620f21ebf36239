// Package config loads collabd settings from the environment, with an
// optional YAML overlay for deployments that prefer a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string `yaml:"addr"`
	NodeID     string `yaml:"nodeId"`
	CORSOrigin string `yaml:"corsOrigin"`

	HeartbeatSeconds        int `yaml:"heartbeatSeconds"`
	LivenessSeconds         int `yaml:"livenessSeconds"`
	SweepSeconds            int `yaml:"sweepSeconds"`
	OfflineRetentionMinutes int `yaml:"offlineRetentionMinutes"`
	RoomGraceSeconds        int `yaml:"roomGraceSeconds"`
	InboxDepth              int `yaml:"inboxDepth"`
	RingDepth               int `yaml:"ringDepth"`
	RingWindowMinutes       int `yaml:"ringWindowMinutes"`
	AutoRejectMinutes       int `yaml:"autoRejectMinutes"`

	// VersionBackend selects persistence for entity versions:
	// memory, sqlite or postgres.
	VersionBackend string `yaml:"versionBackend"`
	DatabaseURL    string `yaml:"databaseUrl"`
	SQLitePath     string `yaml:"sqlitePath"`

	// RedisURL enables the event bridge when set.
	RedisURL string `yaml:"redisUrl"`
}

// Load reads the environment, then applies the YAML overlay named by
// COLLAB_CONFIG on top when present. Environment values are the base so a
// partial overlay only overrides what it names.
func Load() (Config, error) {
	cfg := Config{
		Addr:       getenv("COLLAB_ADDR", ":8791"),
		NodeID:     getenv("COLLAB_NODE_ID", hostname()),
		CORSOrigin: getenv("COLLAB_CORS_ORIGIN", "*"),

		HeartbeatSeconds:        getenvInt("COLLAB_HEARTBEAT_SECONDS", 10),
		LivenessSeconds:         getenvInt("COLLAB_LIVENESS_SECONDS", 30),
		SweepSeconds:            getenvInt("COLLAB_SWEEP_SECONDS", 5),
		OfflineRetentionMinutes: getenvInt("COLLAB_OFFLINE_RETENTION_MINUTES", 10),
		RoomGraceSeconds:        getenvInt("COLLAB_ROOM_GRACE_SECONDS", 60),
		InboxDepth:              getenvInt("COLLAB_INBOX_DEPTH", 256),
		RingDepth:               getenvInt("COLLAB_RING_DEPTH", 500),
		RingWindowMinutes:       getenvInt("COLLAB_RING_WINDOW_MINUTES", 5),
		AutoRejectMinutes:       getenvInt("COLLAB_CONFLICT_AUTO_REJECT_MINUTES", 0),

		VersionBackend: getenv("COLLAB_VERSION_BACKEND", "memory"),
		DatabaseURL:    getenv("COLLAB_DATABASE_URL", ""),
		SQLitePath:     getenv("COLLAB_SQLITE_PATH", "./data/versions.db"),

		RedisURL: getenv("COLLAB_REDIS_URL", ""),
	}

	if path := os.Getenv("COLLAB_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config overlay %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config overlay %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (c Config) Heartbeat() time.Duration        { return time.Duration(c.HeartbeatSeconds) * time.Second }
func (c Config) Liveness() time.Duration         { return time.Duration(c.LivenessSeconds) * time.Second }
func (c Config) SweepEvery() time.Duration       { return time.Duration(c.SweepSeconds) * time.Second }
func (c Config) OfflineRetention() time.Duration {
	return time.Duration(c.OfflineRetentionMinutes) * time.Minute
}
func (c Config) RoomGrace() time.Duration  { return time.Duration(c.RoomGraceSeconds) * time.Second }
func (c Config) RingWindow() time.Duration { return time.Duration(c.RingWindowMinutes) * time.Minute }
func (c Config) AutoReject() time.Duration { return time.Duration(c.AutoRejectMinutes) * time.Minute }

// VersionDSN maps the selected backend to its connection argument.
func (c Config) VersionDSN() string {
	switch c.VersionBackend {
	case "postgres":
		return c.DatabaseURL
	case "sqlite":
		return c.SQLitePath
	}
	return ""
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "collabd"
	}
	return name
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
