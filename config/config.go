package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERLINK_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"

	TransportWebRTC = "webrtc"
	TransportRelay  = "relay"
	TransportDirect = "direct"

	KeyModeDirectional = "directional"
	KeyModeCombined    = "combined"

	// RelayURLAuto makes the client look for a relay over mDNS.
	RelayURLAuto = "auto"

	// MinChunkSize matches the smallest chunk size peers accept.
	MinChunkSize = 1024
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID    string `yaml:"device_id"`
	DisplayName string `yaml:"display_name"`

	IdentityPrivateKeyPath string `yaml:"identity_private_key_path"`
	IdentityPublicKeyPath  string `yaml:"identity_public_key_path"`
	KeyFingerprint         string `yaml:"key_fingerprint"`
	// MasterKeySalt is the base64 argon2id salt for the local master key.
	MasterKeySalt string `yaml:"master_key_salt,omitempty"`

	Relay   RelayConfig   `yaml:"relay"`
	Session SessionConfig `yaml:"session"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// RelayConfig controls how the client reaches the signaling relay.
type RelayConfig struct {
	URL        string   `yaml:"url"`
	Room       string   `yaml:"room"`
	Transport  string   `yaml:"transport"`
	ICEServers []string `yaml:"ice_servers,omitempty"`
	// DirectListen and DirectAdvertise apply to the direct transport.
	DirectListen         string        `yaml:"direct_listen"`
	DirectAdvertise      string        `yaml:"direct_advertise,omitempty"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	PresenceTimeout      time.Duration `yaml:"presence_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	KeyMode          string        `yaml:"key_mode"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	FileIdleTimeout  time.Duration `yaml:"file_idle_timeout"`
	ChunkSize        int           `yaml:"chunk_size"`
	MaxFileSize      int64         `yaml:"max_file_size"`
	// RequireSignedPeers pins every peer's identity key from the relay roster.
	RequireSignedPeers bool `yaml:"require_signed_peers"`
}

// ServerConfig is used by `peerlink relay`.
type ServerConfig struct {
	Listen        string  `yaml:"listen"`
	Path          string  `yaml:"path"`
	Name          string  `yaml:"name"`
	Advertise     bool    `yaml:"advertise"`
	MetricsListen string  `yaml:"metrics_listen"`
	Rate          float64 `yaml:"rate"`
	Burst         int     `yaml:"burst"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = &DeviceConfig{}
	}

	if normalizeDefaults(cfg, dataDir) || err != nil {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Validate rejects values that normalizeDefaults does not repair.
func (c *DeviceConfig) Validate() error {
	switch c.Relay.Transport {
	case TransportWebRTC, TransportRelay, TransportDirect:
	default:
		return fmt.Errorf("config: unknown relay transport %q", c.Relay.Transport)
	}
	if _, _, err := net.SplitHostPort(c.Relay.DirectListen); err != nil {
		return fmt.Errorf("config: relay direct listen %q: %w", c.Relay.DirectListen, err)
	}
	switch c.Session.KeyMode {
	case KeyModeDirectional, KeyModeCombined:
	default:
		return fmt.Errorf("config: unknown session key mode %q", c.Session.KeyMode)
	}
	if c.Relay.URL != RelayURLAuto && !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		return fmt.Errorf("config: relay url %q must be %q or a ws:// or wss:// url", c.Relay.URL, RelayURLAuto)
	}
	if c.Session.ChunkSize < MinChunkSize {
		return fmt.Errorf("config: session chunk size %d is below %d", c.Session.ChunkSize, MinChunkSize)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("config: server path %q must start with /", c.Server.Path)
	}
	return nil
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerlink device"
}

// normalizeDefaults fills zero values and reports whether anything changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *time.Duration, value time.Duration) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DisplayName, defaultDisplayName())
	setString(&cfg.IdentityPrivateKeyPath, filepath.Join(keysDir, "identity.pem"))
	setString(&cfg.IdentityPublicKeyPath, filepath.Join(keysDir, "identity_public.pem"))

	setString(&cfg.Relay.URL, RelayURLAuto)
	setString(&cfg.Relay.Room, "default")
	setString(&cfg.Relay.Transport, TransportWebRTC)
	cfg.Relay.Transport = strings.ToLower(cfg.Relay.Transport)
	setString(&cfg.Relay.DirectListen, ":0")
	setDuration(&cfg.Relay.ConnectTimeout, 10*time.Second)
	setDuration(&cfg.Relay.RequestTimeout, 5*time.Second)
	setDuration(&cfg.Relay.PresenceTimeout, 3*time.Second)
	setDuration(&cfg.Relay.ReconnectBaseDelay, 500*time.Millisecond)
	setDuration(&cfg.Relay.ReconnectMaxDelay, 30*time.Second)
	setInt(&cfg.Relay.MaxReconnectAttempts, 8)

	setString(&cfg.Session.KeyMode, KeyModeDirectional)
	cfg.Session.KeyMode = strings.ToLower(cfg.Session.KeyMode)
	setDuration(&cfg.Session.HandshakeTimeout, 15*time.Second)
	setDuration(&cfg.Session.SweepInterval, 2*time.Second)
	setDuration(&cfg.Session.FileIdleTimeout, 60*time.Second)
	setInt(&cfg.Session.ChunkSize, 16*1024)
	if cfg.Session.MaxFileSize <= 0 {
		cfg.Session.MaxFileSize = 100 * 1024 * 1024
		updated = true
	}

	setString(&cfg.Server.Listen, ":8080")
	setString(&cfg.Server.Path, "/ws")
	setString(&cfg.Server.Name, "peerlink relay on "+defaultDisplayName())
	setString(&cfg.Server.MetricsListen, ":9090")
	if cfg.Server.Rate <= 0 {
		cfg.Server.Rate = 50
		updated = true
	}
	setInt(&cfg.Server.Burst, 100)

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "console")

	return updated
}
