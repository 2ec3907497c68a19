// Package config loads runtime tunables for the replication core from
// environment variables, in the same aggregated-validation style as the
// teacher broker's configuration package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address a published master listens on.
	DefaultAddr = ":43127"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections per listener. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultReconnectInterval is the cloner's fixed back-off between failed
	// connect attempts, per the replication protocol's retry contract.
	DefaultReconnectInterval = 3 * time.Second

	// DefaultSnapshotChunkBytes is the default for SnapshotChunkBytes. Load
	// parses and validates it, but the transport does not read it: a
	// bootstrap snapshot is always sent as a single frame.
	DefaultSnapshotChunkBytes = 256 * 1024
	// DefaultSnapshotCompressMinBytes is the JSON-encoded size at or above
	// which a bootstrap snapshot's values are Snappy-compressed.
	DefaultSnapshotCompressMinBytes = 4096

	// DefaultSnapshotRequestWindow bounds how frequently a single
	// connection may request a fresh snapshot/resync.
	DefaultSnapshotRequestWindow = time.Minute
	// DefaultSnapshotRequestBurst sets how many snapshot requests may be
	// made per window before further requests are rejected.
	DefaultSnapshotRequestBurst = 5

	// DefaultLogLevel controls verbosity for core logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "kvreplica.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultIntrospectAddr is the default listen address for the optional
	// read-only gRPC introspection service. Empty disables it.
	DefaultIntrospectAddr = ""
)

// Config captures all runtime tunables for the replication core.
type Config struct {
	Address             string
	AllowedOrigins       []string
	MaxPayloadBytes     int64
	PingInterval        time.Duration
	MaxClients          int
	TLSCertPath         string
	TLSKeyPath          string
	ReconnectInterval   time.Duration
	SnapshotChunkBytes        int
	SnapshotCompressMinBytes  int
	SnapshotRequestWindow     time.Duration
	SnapshotRequestBurst      int
	Logging             LoggingConfig
	IntrospectAddr      string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the core configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:                  getString("STORE_ADDR", DefaultAddr),
		AllowedOrigins:           parseList(os.Getenv("STORE_ALLOWED_ORIGINS")),
		MaxPayloadBytes:          DefaultMaxPayloadBytes,
		PingInterval:             DefaultPingInterval,
		MaxClients:               DefaultMaxClients,
		TLSCertPath:              strings.TrimSpace(os.Getenv("STORE_TLS_CERT")),
		TLSKeyPath:               strings.TrimSpace(os.Getenv("STORE_TLS_KEY")),
		ReconnectInterval:        DefaultReconnectInterval,
		SnapshotChunkBytes:       DefaultSnapshotChunkBytes,
		SnapshotCompressMinBytes: DefaultSnapshotCompressMinBytes,
		SnapshotRequestWindow:    DefaultSnapshotRequestWindow,
		SnapshotRequestBurst:     DefaultSnapshotRequestBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("STORE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("STORE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		IntrospectAddr: strings.TrimSpace(getString("STORE_INTROSPECT_ADDR", DefaultIntrospectAddr)),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("STORE_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STORE_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STORE_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STORE_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_RECONNECT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STORE_RECONNECT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.ReconnectInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_SNAPSHOT_CHUNK_BYTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STORE_SNAPSHOT_CHUNK_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.SnapshotChunkBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_SNAPSHOT_COMPRESS_MIN_BYTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STORE_SNAPSHOT_COMPRESS_MIN_BYTES must be a non-negative integer, got %q", raw))
		} else {
			cfg.SnapshotCompressMinBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_SNAPSHOT_REQUEST_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STORE_SNAPSHOT_REQUEST_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotRequestWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_SNAPSHOT_REQUEST_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STORE_SNAPSHOT_REQUEST_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.SnapshotRequestBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STORE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STORE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STORE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STORE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("STORE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "STORE_TLS_CERT and STORE_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
