package config

import (
   "os"
   "path/filepath"
   "testing"
   "time"
)

const sampleToml = `
  [discovery]
  port = 9090
  scheme = "https"
  probeTimeoutMillis = 750
  workers = 16
  localAddress = "203.0.113.42"
  mdns = true

  [network]
  connectTimeoutSeconds = 3
  readTimeoutSeconds = 4
  writeTimeoutSeconds = 5

  [channel]
  path = "/stream"
  sendQueue = 8

  [crypto]
  keyFile = "/tmp/carrier.key"
  passphrase = "correct horse"

  [identity]
  userId = "u1"
  displayName = "Alice"

  [log]
  level = "debug"
  format = "json"
`

// TestLoadFromFile ensures Load reads values from a TOML file.
func TestLoadFromFile(t *testing.T) {
   tmp := t.TempDir()
   cfgPath := filepath.Join(tmp, "config.toml")
   if err := os.WriteFile(cfgPath, []byte(sampleToml), 0644); err != nil {
       t.Fatalf("failed to write sample config: %v", err)
   }
   cfg, err := Load(cfgPath)
   if err != nil {
       t.Fatalf("Load returned error: %v", err)
   }
   if cfg.Discovery.Port != 9090 || cfg.Discovery.Scheme != "https" {
       t.Errorf("unexpected discovery endpoint settings: %+v", cfg.Discovery)
   }
   if cfg.Discovery.ProbeTimeout() != 750*time.Millisecond {
       t.Errorf("unexpected probe timeout: %v", cfg.Discovery.ProbeTimeout())
   }
   if cfg.Discovery.Workers != 16 || !cfg.Discovery.MDNS {
       t.Errorf("unexpected workers/mdns: %+v", cfg.Discovery)
   }
   if cfg.Discovery.LocalAddress != "203.0.113.42" {
       t.Errorf("unexpected local address: %s", cfg.Discovery.LocalAddress)
   }
   if cfg.Network.ConnectTimeout() != 3*time.Second || cfg.Network.ReadTimeout() != 4*time.Second || cfg.Network.WriteTimeout() != 5*time.Second {
       t.Errorf("unexpected network timeouts: %+v", cfg.Network)
   }
   if cfg.Channel.Path != "/stream" || cfg.Channel.SendQueue != 8 {
       t.Errorf("unexpected channel settings: %+v", cfg.Channel)
   }
   // untouched keys keep their defaults
   if cfg.Channel.HandshakeTimeout() != 10*time.Second {
       t.Errorf("default handshake timeout lost: %v", cfg.Channel.HandshakeTimeout())
   }
   if cfg.Crypto.KeyPath() != "/tmp/carrier.key" || cfg.Crypto.Passphrase != "correct horse" {
       t.Errorf("unexpected crypto settings: %+v", cfg.Crypto)
   }
   if cfg.Identity.UserID != "u1" || cfg.Identity.DisplayName != "Alice" {
       t.Errorf("unexpected identity: %+v", cfg.Identity)
   }
   if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
       t.Errorf("unexpected log settings: %+v", cfg.Log)
   }
}

// TestLoadDefaults ensures Load returns default values when file missing.
func TestLoadDefaults(t *testing.T) {
   cfg, err := Load("/path/does/not/exist/config.toml")
   if err != nil {
       t.Fatalf("Load returned error: %v", err)
   }
   def := NewDefaultConfig()
   if cfg.Discovery.Port != 8080 || cfg.Discovery.Port != def.Discovery.Port {
       t.Errorf("defaults not applied for port: %d", cfg.Discovery.Port)
   }
   if cfg.Discovery.ProbeTimeout() != 2*time.Second {
       t.Errorf("defaults not applied for probe timeout: %v", cfg.Discovery.ProbeTimeout())
   }
   if cfg.Network.ConnectTimeout() != 10*time.Second {
       t.Errorf("defaults not applied for connect timeout: %v", cfg.Network.ConnectTimeout())
   }
   if cfg.Channel.Path != "/ws" {
       t.Errorf("defaults not applied for channel path: %s", cfg.Channel.Path)
   }
}

// TestLoadRejectsInvalid ensures a config that cannot work is refused.
func TestLoadRejectsInvalid(t *testing.T) {
   tmp := t.TempDir()
   cfgPath := filepath.Join(tmp, "config.toml")
   bad := "[discovery]\nworkers = 0\n"
   if err := os.WriteFile(cfgPath, []byte(bad), 0644); err != nil {
       t.Fatalf("failed to write config: %v", err)
   }
   if _, err := Load(cfgPath); err == nil {
       t.Error("Load accepted workers = 0")
   }
}
