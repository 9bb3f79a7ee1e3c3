// Package config loads the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jwoglom/wearlink/pkg/profile"
)

// MinVendorTimeout is the smallest accepted vendor response or reassembly
// timeout.
const MinVendorTimeout = time.Millisecond

// Config holds the daemon configuration
type Config struct {
	LogLevel    string              `yaml:"log_level"`
	Adapter     AdapterConfig       `yaml:"adapter"`
	API         APIConfig           `yaml:"api"`
	Queue       QueueConfig         `yaml:"queue"`
	Vendor      VendorConfig        `yaml:"vendor"`
	Devices     []DeviceConfig      `yaml:"devices"`
	Permissions map[string][]string `yaml:"permissions"`
	HTTPProxy   HTTPProxyConfig     `yaml:"http_proxy"`
}

// AdapterConfig selects the HCI adapter
type AdapterConfig struct {
	DeviceID int `yaml:"device_id"` // -1 for the first available
}

// APIConfig configures the websocket and REST server
type APIConfig struct {
	Listen string `yaml:"listen"` // empty disables the server
}

// QueueConfig configures every connection's transaction queue
type QueueConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	WriteRate        float64       `yaml:"write_rate"` // writes per second, 0 for unpaced
	WriteBurst       int           `yaml:"write_burst"`
}

// VendorConfig describes the vendor AppConfig service
type VendorConfig struct {
	ServiceUUID       string        `yaml:"service_uuid"`
	TxUUID            string        `yaml:"tx_uuid"` // host to device
	RxUUID            string        `yaml:"rx_uuid"` // device to host
	ChunkSize         int           `yaml:"chunk_size"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
}

// DeviceConfig is one device to connect to
type DeviceConfig struct {
	Address  string   `yaml:"address"`
	Name     string   `yaml:"name"`
	Profiles []string `yaml:"profiles"`
}

// HTTPProxyConfig bounds the fetches made on behalf of devices
type HTTPProxyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	MaxBody int64         `yaml:"max_body"`
	Rate    float64       `yaml:"rate"` // requests per second per device
	Burst   int           `yaml:"burst"`
}

// DefaultProfiles is used for devices that list none
var DefaultProfiles = []string{
	profile.KindDeviceInfo.String(),
	profile.KindBattery.String(),
	profile.KindHeartRate.String(),
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Adapter:  AdapterConfig{DeviceID: -1},
		API:      APIConfig{Listen: ":8080"},
		Queue: QueueConfig{
			OperationTimeout: 10 * time.Second,
			WriteRate:        0,
			WriteBurst:       1,
		},
		Vendor: VendorConfig{
			ServiceUUID:       "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			TxUUID:            "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			RxUUID:            "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
			ChunkSize:         profile.DefaultChunkSize,
			ResponseTimeout:   profile.DefaultResponseTimeout,
			ReassemblyTimeout: profile.DefaultReassemblyTimeout,
		},
		Permissions: map[string][]string{},
		HTTPProxy: HTTPProxyConfig{
			Timeout: 10 * time.Second,
			MaxBody: 4096,
			Rate:    1,
			Burst:   3,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	for i := range cfg.Devices {
		cfg.Devices[i].Address = strings.ToUpper(strings.TrimSpace(cfg.Devices[i].Address))
		if len(cfg.Devices[i].Profiles) == 0 {
			cfg.Devices[i].Profiles = DefaultProfiles
		}
	}
	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Queue.OperationTimeout <= 0 {
		return fmt.Errorf("queue.operation_timeout must be > 0")
	}
	if c.Queue.WriteRate < 0 {
		return fmt.Errorf("queue.write_rate must be >= 0")
	}
	if c.Queue.WriteRate > 0 && c.Queue.WriteBurst < 1 {
		return fmt.Errorf("queue.write_burst must be >= 1 when write_rate is set")
	}

	for name, s := range map[string]string{
		"vendor.service_uuid": c.Vendor.ServiceUUID,
		"vendor.tx_uuid":      c.Vendor.TxUUID,
		"vendor.rx_uuid":      c.Vendor.RxUUID,
	} {
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Vendor.ChunkSize < 3 {
		return fmt.Errorf("vendor.chunk_size must be >= 3, got %d", c.Vendor.ChunkSize)
	}
	if c.Vendor.ResponseTimeout < MinVendorTimeout {
		return fmt.Errorf("vendor.response_timeout must be >= %v, got %v", MinVendorTimeout, c.Vendor.ResponseTimeout)
	}
	if c.Vendor.ReassemblyTimeout < MinVendorTimeout {
		return fmt.Errorf("vendor.reassembly_timeout must be >= %v, got %v", MinVendorTimeout, c.Vendor.ReassemblyTimeout)
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Address == "" {
			return fmt.Errorf("devices[%d].address must not be empty", i)
		}
		if seen[d.Address] {
			return fmt.Errorf("devices[%d]: duplicate address %s", i, d.Address)
		}
		seen[d.Address] = true
		if _, err := d.Kinds(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}

	if c.HTTPProxy.Timeout <= 0 {
		return fmt.Errorf("http_proxy.timeout must be > 0")
	}
	if c.HTTPProxy.MaxBody <= 0 {
		return fmt.Errorf("http_proxy.max_body must be > 0")
	}
	if c.HTTPProxy.Rate <= 0 || c.HTTPProxy.Burst < 1 {
		return fmt.Errorf("http_proxy.rate must be > 0 and http_proxy.burst >= 1")
	}

	return nil
}

// Kinds parses the device's profile names
func (d DeviceConfig) Kinds() ([]profile.Kind, error) {
	kinds := make([]profile.Kind, 0, len(d.Profiles))
	for _, name := range d.Profiles {
		k, ok := profile.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// AppConfigOptions builds the vendor layer options from the config. The
// HTTP handler is left for the caller.
func (v VendorConfig) AppConfigOptions() profile.AppConfigOptions {
	return profile.AppConfigOptions{
		TxChar:            uuid.MustParse(v.TxUUID),
		RxChar:            uuid.MustParse(v.RxUUID),
		ChunkSize:         v.ChunkSize,
		ResponseTimeout:   v.ResponseTimeout,
		ReassemblyTimeout: v.ReassemblyTimeout,
	}
}
