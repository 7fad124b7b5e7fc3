// Package config loads the daemon configuration and the per-model hardware
// definition. Semantic validation (field ranges, cross-file schema
// conformance) is out of scope here; this loader only decodes YAML into
// typed structs. The handful of invariants the Feature Registry and Cover
// Controller cannot be constructed without are checked where those are
// built (feature.NewRegistry, cover.NewController), not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/superbox-dev/unipi-control/internal/security"
)

// Config is the top-level daemon configuration.
type Config struct {
	DeviceName          string              `mapstructure:"device_name"`
	HardwareDefinitions []string            `mapstructure:"hardware_definitions"`
	Modbus              ModbusConfig        `mapstructure:"modbus"`
	MQTT                MQTTConfig          `mapstructure:"mqtt"`
	Features            []FeatureOverride   `mapstructure:"features"`
	Covers              []CoverConfig       `mapstructure:"covers"`
	HomeAssistant       HomeAssistantConfig `mapstructure:"homeassistant"`
	Advanced            AdvancedConfig      `mapstructure:"advanced"`
	Logging             LoggingConfig       `mapstructure:"logging"`
}

// LoggingConfig mirrors logger.Config so the daemon wiring in cmd/ can
// build one from the YAML/env-sourced configuration without the logger
// package depending on viper.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ModbusConfig describes every transport the daemon owns.
type ModbusConfig struct {
	Neuron           NeuronTCPConfig `mapstructure:"neuron"`
	Serial           []SerialConfig  `mapstructure:"serial"`
	DegradedInterval time.Duration   `mapstructure:"degraded_interval"`
}

// NeuronTCPConfig is the on-board coprocessor TCP endpoint.
type NeuronTCPConfig struct {
	TransportID  string        `mapstructure:"transport_id"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	UnitID       byte          `mapstructure:"unit_id"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// SerialConfig is one RS-485 RTU link to attached meters.
type SerialConfig struct {
	TransportID  string        `mapstructure:"transport_id"`
	Port         string        `mapstructure:"port"`
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits"`
	Parity       string        `mapstructure:"parity"` // none, odd, even
	UnitID       byte          `mapstructure:"unit_id"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker             string        `mapstructure:"broker"`
	Port               int           `mapstructure:"port"`
	ClientID           string        `mapstructure:"client_id"`
	Username            string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	PasswordEncrypted  string        `mapstructure:"password_encrypted"`
	KeepAlive          time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReconnectInterval  time.Duration `mapstructure:"reconnect_interval"`
	RetryLimit         int           `mapstructure:"retry_limit"`
}

// FeatureOverride is user-supplied metadata merged onto a hardware
// definition feature by matching Circuit.
type FeatureOverride struct {
	Circuit           string `mapstructure:"circuit"`
	FriendlyName      string `mapstructure:"friendly_name"`
	DeviceClass       string `mapstructure:"device_class"`
	StateClass        string `mapstructure:"state_class"`
	UnitOfMeasurement string `mapstructure:"unit_of_measurement"`
	SuggestedArea     string `mapstructure:"suggested_area"`
	Icon              string `mapstructure:"icon"`
	InvertState       bool   `mapstructure:"invert_state"`
	ObjectID          string `mapstructure:"object_id"`
}

// CoverConfig configures one cover controller.
type CoverConfig struct {
	ID                string        `mapstructure:"id"`
	ObjectID          string        `mapstructure:"object_id"`
	DeviceClass       string        `mapstructure:"device_class"` // blind, shutter, garage
	CoverRunTime      time.Duration `mapstructure:"cover_run_time"`
	TiltChangeTime    time.Duration `mapstructure:"tilt_change_time"`
	CoverUpFeatureID  string        `mapstructure:"cover_up_feature_id"`
	CoverDownFeatureID string       `mapstructure:"cover_down_feature_id"`
}

// HomeAssistantConfig controls the discovery emitter.
type HomeAssistantConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

// AdvancedConfig holds escape-hatch settings.
type AdvancedConfig struct {
	PersistentTmpDir bool `mapstructure:"persistent_tmp_dir"`
}

// Load reads the daemon config from configPath (or the default search
// path when empty), merges environment variable overrides, and decrypts
// mqtt.password_encrypted when present.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/unipi")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("UNIPI")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := resolveMQTTSecret(&cfg); err != nil {
		return nil, fmt.Errorf("resolve mqtt secret: %w", err)
	}

	return &cfg, nil
}

// resolveMQTTSecret decrypts mqtt.password_encrypted with a passphrase
// from UNIPI_SECRET_PASSPHRASE when the plaintext password was not set
// directly. A deployment that never sets password_encrypted pays no cost.
func resolveMQTTSecret(cfg *Config) error {
	if cfg.MQTT.Password != "" || cfg.MQTT.PasswordEncrypted == "" {
		return nil
	}

	passphrase := os.Getenv("UNIPI_SECRET_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("mqtt.password_encrypted is set but UNIPI_SECRET_PASSPHRASE is empty")
	}

	box := security.NewSecretBox(passphrase, cfg.DeviceName)
	plaintext, err := box.DecryptSecret(cfg.MQTT.PasswordEncrypted)
	if err != nil {
		return err
	}

	cfg.MQTT.Password = plaintext
	return nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("device_name", hostname)

	v.SetDefault("hardware_definitions", []string{"/etc/unipi/hardware.yaml"})

	v.SetDefault("modbus.neuron.transport_id", "neuron_tcp")
	v.SetDefault("modbus.neuron.host", "127.0.0.1")
	v.SetDefault("modbus.neuron.port", 502)
	v.SetDefault("modbus.neuron.unit_id", 0)
	v.SetDefault("modbus.neuron.timeout", "1s")
	v.SetDefault("modbus.neuron.scan_interval", "200ms")
	v.SetDefault("modbus.degraded_interval", "5s")

	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("mqtt.connect_timeout", "30s")
	v.SetDefault("mqtt.reconnect_interval", "5s")
	v.SetDefault("mqtt.retry_limit", 10)

	v.SetDefault("homeassistant.enabled", false)
	v.SetDefault("homeassistant.discovery_prefix", "homeassistant")

	v.SetDefault("advanced.persistent_tmp_dir", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.log_dir", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.compress", true)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".unipi")
}
