// Package config loads the engine's on-disk YAML configuration and
// reconstructs the typed sections other packages accept directly
// (HardwareConfig, AuditConfig, BackendConfig, ...), so a device, its
// audit sink, and its backing-store client are all built from the same
// parsed file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openisr/nexus/internal/chunk"
)

// DeviceConfig describes one chunk-cache device to register at startup.
type DeviceConfig struct {
	Ident              string `yaml:"ident"`
	ChunkDevicePath    string `yaml:"chunk_device_path"`
	Chunksize          int    `yaml:"chunksize"`
	Cachesize          int    `yaml:"cachesize"`
	Chunks             uint64 `yaml:"chunks"`
	Offset             uint64 `yaml:"offset"`
	DefaultCompression string `yaml:"default_compression"`
	AllowedCompression []string `yaml:"allowed_compression"`
}

// CompressionMask resolves AllowedCompression into the bitmask the
// device package expects, and DefaultCompression into its enum value.
func (d DeviceConfig) CompressionMask() (chunk.Compression, uint8, error) {
	def, err := parseCompression(d.DefaultCompression)
	if err != nil {
		return 0, 0, fmt.Errorf("device %q: %w", d.Ident, err)
	}
	var mask uint8
	if len(d.AllowedCompression) == 0 {
		mask = 1<<chunk.CompressNone | 1<<def
		return def, mask, nil
	}
	for _, name := range d.AllowedCompression {
		c, err := parseCompression(name)
		if err != nil {
			return 0, 0, fmt.Errorf("device %q: %w", d.Ident, err)
		}
		mask |= 1 << c
	}
	return def, mask, nil
}

func parseCompression(name string) (chunk.Compression, error) {
	switch name {
	case "", "none":
		return chunk.CompressNone, nil
	case "flate":
		return chunk.CompressFlate, nil
	case "zstd":
		return chunk.CompressZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// BackendConfig describes the S3-compatible bucket backing every
// device's chunk store.
type BackendConfig struct {
	Provider  string `yaml:"provider"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	KeyPrefix string `yaml:"key_prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// HardwareConfig toggles CPU-specific crypto acceleration.
type HardwareConfig struct {
	EnableAESNI    bool `yaml:"enable_aesni"`
	EnableARMv8AES bool `yaml:"enable_armv8_aes"`
}

// SinkConfig configures where audit events are written.
type SinkConfig struct {
	Type          string        `yaml:"type"` // "stdout", "file", "http"
	FilePath      string        `yaml:"file_path"`
	Endpoint      string        `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetryCount    int           `yaml:"retry_count"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// AuditConfig controls the audit trail recorded for CHUNK_ERR,
// UPDATE_META and eviction events.
type AuditConfig struct {
	Enabled             bool       `yaml:"enabled"`
	MaxEvents           int        `yaml:"max_events"`
	RedactMetadataKeys  []string   `yaml:"redact_metadata_keys"`
	Sink                SinkConfig `yaml:"sink"`
}

// MetaCacheConfig configures the Redis-backed warm-restart metadata
// hint cache.
type MetaCacheConfig struct {
	Addr   string        `yaml:"addr"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// KMIPConfig configures the agent's key-wrapping KMIP connection. If
// Endpoint is empty and LocalMasterKeyHex is set, a LocalKeyManager is
// used instead of dialing a KMIP server — a development/test substitute,
// never a production key custodian.
type KMIPConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Provider          string        `yaml:"provider"`
	Timeout           time.Duration `yaml:"timeout"`
	LocalMasterKeyHex string        `yaml:"local_master_key_hex"`
	Keys              []struct {
		ID      string `yaml:"id"`
		Version int    `yaml:"version"`
	} `yaml:"keys"`
}

// ControlAPIConfig configures the HTTP control surface that
// registers/unregisters devices.
type ControlAPIConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	AuthSecret   string `yaml:"auth_secret"`
}

// Config is the engine's complete on-disk configuration.
type Config struct {
	Devices    []DeviceConfig    `yaml:"devices"`
	Backend    BackendConfig     `yaml:"backend"`
	Hardware   HardwareConfig    `yaml:"hardware"`
	Audit      AuditConfig       `yaml:"audit"`
	MetaCache  MetaCacheConfig   `yaml:"meta_cache"`
	KMIP       KMIPConfig        `yaml:"kmip"`
	ControlAPI ControlAPIConfig  `yaml:"control_api"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
