package config

import (
   "fmt"
   "os"
   "path/filepath"
   "time"

   "github.com/BurntSushi/toml"

   "github.com/peder1981/securecarrier/internal/storage"
)

// Config holds the application configuration loaded from TOML.
type Config struct {
   Discovery DiscoveryConfig `toml:"discovery"`
   Network   NetworkConfig   `toml:"network"`
   Channel   ChannelConfig   `toml:"channel"`
   Crypto    CryptoConfig    `toml:"crypto"`
   Identity  IdentityConfig  `toml:"identity"`
   Log       LogConfig       `toml:"log"`
   Relay     RelayConfig     `toml:"relay"`
}

// DiscoveryConfig holds settings for the local subnet scan.
type DiscoveryConfig struct {
   Port               int    `toml:"port"`
   Scheme             string `toml:"scheme"`
   ProbeTimeoutMillis int    `toml:"probeTimeoutMillis"`
   Workers            int    `toml:"workers"`
   // LocalAddress overrides the detected device IPv4 address.
   LocalAddress      string `toml:"localAddress"`
   MDNS              bool   `toml:"mdns"`
   MDNSService       string `toml:"mdnsService"`
   MDNSTimeoutMillis int    `toml:"mdnsTimeoutMillis"`
}

// NetworkConfig holds the request client timeouts.
type NetworkConfig struct {
   ConnectTimeoutSeconds int `toml:"connectTimeoutSeconds"`
   ReadTimeoutSeconds    int `toml:"readTimeoutSeconds"`
   WriteTimeoutSeconds   int `toml:"writeTimeoutSeconds"`
}

// ChannelConfig holds realtime channel settings.
type ChannelConfig struct {
   Path                    string `toml:"path"`
   SendQueue               int    `toml:"sendQueue"`
   HandshakeTimeoutSeconds int    `toml:"handshakeTimeoutSeconds"`
   CloseTimeoutSeconds     int    `toml:"closeTimeoutSeconds"`
}

// CryptoConfig holds key material settings.
type CryptoConfig struct {
   // KeyFile is where the symmetric key is stored; empty uses the config dir.
   KeyFile    string `toml:"keyFile"`
   Passphrase string `toml:"passphrase"`
   Salt       string `toml:"salt"`
   // LegacyPlaintext sends base64-only payloads for peers without the key.
   LegacyPlaintext bool `toml:"legacyPlaintext"`
}

// IdentityConfig holds the local user identity.
type IdentityConfig struct {
   UserID      string `toml:"userId"`
   DisplayName string `toml:"displayName"`
}

// LogConfig holds logging settings.
type LogConfig struct {
   Level  string `toml:"level"`
   Format string `toml:"format"`
}

// RelayConfig holds settings for the LAN relay.
type RelayConfig struct {
   Listen     string `toml:"listen"`
   Advertise  bool   `toml:"advertise"`
   QueueLimit int    `toml:"queueLimit"`
}

// NewDefaultConfig returns a Config populated with default values.
func NewDefaultConfig() Config {
   return Config{
       Discovery: DiscoveryConfig{
           Port:               8080,
           Scheme:             "http",
           ProbeTimeoutMillis: 2000,
           Workers:            32,
           MDNS:               false,
           MDNSService:        "_securecarrier._tcp",
           MDNSTimeoutMillis:  500,
       },
       Network: NetworkConfig{
           ConnectTimeoutSeconds: 10,
           ReadTimeoutSeconds:    10,
           WriteTimeoutSeconds:   10,
       },
       Channel: ChannelConfig{
           Path:                    "/ws",
           SendQueue:               256,
           HandshakeTimeoutSeconds: 10,
           CloseTimeoutSeconds:     2,
       },
       Crypto: CryptoConfig{
           Salt: "securecarrier/v1",
       },
       Log: LogConfig{
           Level:  "info",
           Format: "logfmt",
       },
       Relay: RelayConfig{
           Listen:     ":8080",
           Advertise:  true,
           QueueLimit: 100,
       },
   }
}

// Validate reports settings that would make the components unusable.
func (c *Config) Validate() error {
   if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
       return fmt.Errorf("discovery.port out of range: %d", c.Discovery.Port)
   }
   if c.Discovery.Scheme != "http" && c.Discovery.Scheme != "https" {
       return fmt.Errorf("discovery.scheme must be http or https, got %q", c.Discovery.Scheme)
   }
   if c.Discovery.Workers <= 0 {
       return fmt.Errorf("discovery.workers must be positive")
   }
   if c.Discovery.ProbeTimeoutMillis <= 0 {
       return fmt.Errorf("discovery.probeTimeoutMillis must be positive")
   }
   if c.Channel.SendQueue <= 0 {
       return fmt.Errorf("channel.sendQueue must be positive")
   }
   return nil
}

// ProbeTimeout returns the per-host discovery probe timeout.
func (d DiscoveryConfig) ProbeTimeout() time.Duration {
   return time.Duration(d.ProbeTimeoutMillis) * time.Millisecond
}

// MDNSTimeout returns how long the mDNS browse may run.
func (d DiscoveryConfig) MDNSTimeout() time.Duration {
   return time.Duration(d.MDNSTimeoutMillis) * time.Millisecond
}

func (n NetworkConfig) ConnectTimeout() time.Duration {
   return time.Duration(n.ConnectTimeoutSeconds) * time.Second
}

func (n NetworkConfig) ReadTimeout() time.Duration {
   return time.Duration(n.ReadTimeoutSeconds) * time.Second
}

func (n NetworkConfig) WriteTimeout() time.Duration {
   return time.Duration(n.WriteTimeoutSeconds) * time.Second
}

func (c ChannelConfig) HandshakeTimeout() time.Duration {
   return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c ChannelConfig) CloseTimeout() time.Duration {
   return time.Duration(c.CloseTimeoutSeconds) * time.Second
}

// KeyPath returns the configured key file or the XDG default.
func (c CryptoConfig) KeyPath() string {
   if c.KeyFile != "" {
       return c.KeyFile
   }
   return storage.KeyFile()
}

// DefaultConfigPath returns the XDG default path for the config file.
func DefaultConfigPath() (string, error) {
   dir, err := os.UserConfigDir()
   if err != nil {
       home, err2 := os.UserHomeDir()
       if err2 != nil {
           return "", err
       }
       dir = filepath.Join(home, ".config")
   }
   return filepath.Join(dir, storage.AppName, "config.toml"), nil
}

// Load reads the configuration from the given path (TOML).
// If path is empty, it uses the XDG default. Missing file returns defaults.
func Load(path string) (*Config, error) {
   cfg := NewDefaultConfig()
   if path == "" {
       defaultPath, err := DefaultConfigPath()
       if err != nil {
           return nil, err
       }
       path = defaultPath
   }
   if info, err := os.Stat(path); err != nil {
       if os.IsNotExist(err) {
           return &cfg, nil
       }
       return nil, err
   } else if info.IsDir() {
       return &cfg, nil
   }
   if _, err := toml.DecodeFile(path, &cfg); err != nil {
       return nil, fmt.Errorf("decode %s: %w", path, err)
   }
   if err := cfg.Validate(); err != nil {
       return nil, fmt.Errorf("invalid config %s: %w", path, err)
   }
   return &cfg, nil
}
