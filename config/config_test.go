package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.Relay.Transport != TransportWebRTC {
		t.Fatalf("expected default transport %q, got %q", TransportWebRTC, firstCfg.Relay.Transport)
	}
	if firstCfg.Session.KeyMode != KeyModeDirectional {
		t.Fatalf("expected default key mode %q, got %q", KeyModeDirectional, firstCfg.Session.KeyMode)
	}
	if firstCfg.Relay.PresenceTimeout != 3*time.Second {
		t.Fatalf("unexpected presence timeout %s", firstCfg.Relay.PresenceTimeout)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.yaml")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.IdentityPrivateKeyPath != firstCfg.IdentityPrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.IdentityPrivateKeyPath, secondCfg.IdentityPrivateKeyPath)
	}
	if secondCfg.Relay.ReconnectMaxDelay != firstCfg.Relay.ReconnectMaxDelay {
		t.Fatalf("durations did not round trip: %s then %s", firstCfg.Relay.ReconnectMaxDelay, secondCfg.Relay.ReconnectMaxDelay)
	}
}

func TestSaveWritesDurationsAsStrings(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "config.yaml")

	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, tempDir)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(raw), "presence_timeout: 3s") {
		t.Fatalf("expected duration string in config:\n%s", raw)
	}
}

func TestLoadOrCreateFillsMissingSections(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := "device_id: kept-device\nrelay:\n  url: ws://relay.example:8080/ws\n  transport: RELAY\nsession:\n  key_mode: combined\n"
	if err := os.WriteFile(ConfigPath(tempDir), []byte(partial), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "kept-device" {
		t.Fatalf("device id overwritten: %q", cfg.DeviceID)
	}
	if cfg.Relay.Transport != TransportRelay {
		t.Fatalf("expected normalized transport %q, got %q", TransportRelay, cfg.Relay.Transport)
	}
	if cfg.Session.KeyMode != KeyModeCombined {
		t.Fatalf("expected combined key mode, got %q", cfg.Session.KeyMode)
	}
	if cfg.Relay.Room != "default" || cfg.Server.Path != "/ws" || cfg.Relay.DirectListen != ":0" {
		t.Fatalf("defaults not filled: room=%q path=%q direct=%q", cfg.Relay.Room, cfg.Server.Path, cfg.Relay.DirectListen)
	}
}

func TestLoadOrCreateRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"transport":     "relay:\n  transport: carrier-pigeon\n",
		"key mode":      "session:\n  key_mode: ratchet\n",
		"relay url":     "relay:\n  url: http://relay.example\n",
		"chunk size":    "session:\n  chunk_size: 16\n",
		"direct listen": "relay:\n  transport: direct\n  direct_listen: no-port\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			tempDir := t.TempDir()
			t.Setenv(DataDirEnv, tempDir)
			if err := EnsureDataDirectories(tempDir); err != nil {
				t.Fatalf("EnsureDataDirectories failed: %v", err)
			}
			if err := os.WriteFile(ConfigPath(tempDir), []byte(body), 0o600); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			if _, _, err := LoadOrCreate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("relay: [unterminated"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
