package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/mqttmesh"
)

// Directory and backplane kinds accepted in the config file.
const (
	directoryMemory = "memory"
	directoryOxia   = "oxia"

	backplaneMemory = "memory"
	backplaneMQTT   = "mqtt"
	backplaneQUIC   = "quic"
)

// Duration wraps time.Duration with YAML support for strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// Config is the meshd configuration file.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Broker    BrokerConfig    `yaml:"broker"`
	Directory DirectoryConfig `yaml:"directory"`
	Backplane BackplaneConfig `yaml:"backplane"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig identifies this node in the fleet.
type NodeConfig struct {
	// ID overrides the generated node identity. Leave empty in normal
	// deployments.
	ID string `yaml:"id"`

	// Namespace is the mesh channel namespace shared by the fleet.
	Namespace string `yaml:"namespace"`

	// Host overrides the host identity announced to device observers.
	Host string `yaml:"host"`
}

// BrokerConfig configures the local MQTT broker.
type BrokerConfig struct {
	Listen string `yaml:"listen"`
}

// DirectoryConfig selects the session directory backend.
type DirectoryConfig struct {
	Type string     `yaml:"type"`
	Oxia OxiaConfig `yaml:"oxia"`
}

// OxiaConfig configures the Oxia-backed directory.
type OxiaConfig struct {
	ServiceAddress string   `yaml:"service_address"`
	Namespace      string   `yaml:"namespace"`
	RequestTimeout Duration `yaml:"request_timeout"`
	SessionTimeout Duration `yaml:"session_timeout"`
}

// BackplaneConfig selects the backplane transport.
type BackplaneConfig struct {
	Type string              `yaml:"type"`
	MQTT MQTTBackplaneConfig `yaml:"mqtt"`
	QUIC QUICBackplaneConfig `yaml:"quic"`
}

// MQTTBackplaneConfig configures the MQTT-broker backplane.
type MQTTBackplaneConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	// QoS left unset in the file falls back to the library default;
	// an explicit 0 is passed through.
	QoS          *byte   `yaml:"qos"`
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

// QUICBackplaneConfig configures the direct QUIC backplane.
type QUICBackplaneConfig struct {
	Listen   string   `yaml:"listen"`
	Peers    []string `yaml:"peers"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	CAFile   string   `yaml:"ca_file"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of
// the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MESHD_MQTT_USERNAME"); v != "" {
		c.Backplane.MQTT.Username = v
	}
	if v := os.Getenv("MESHD_MQTT_PASSWORD"); v != "" {
		c.Backplane.MQTT.Password = v
	}
}

func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Namespace: mqttmesh.DefaultNamespace,
		},
		Broker: BrokerConfig{
			Listen: ":1883",
		},
		Directory: DirectoryConfig{
			Type: directoryMemory,
		},
		Backplane: BackplaneConfig{
			Type: backplaneMemory,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := mqttmesh.ValidateNamespace(c.Node.Namespace); err != nil {
		return fmt.Errorf("node namespace: %w", err)
	}
	if c.Broker.Listen == "" {
		return errors.New("broker listen address is required")
	}

	switch c.Directory.Type {
	case directoryMemory:
	case directoryOxia:
		if c.Directory.Oxia.ServiceAddress == "" {
			return errors.New("oxia directory requires a service address")
		}
		if c.Directory.Oxia.Namespace == "" {
			return errors.New("oxia directory requires a namespace")
		}
	default:
		return fmt.Errorf("unknown directory type %q", c.Directory.Type)
	}

	switch c.Backplane.Type {
	case backplaneMemory:
	case backplaneMQTT:
		if c.Backplane.MQTT.BrokerURL == "" {
			return errors.New("mqtt backplane requires a broker URL")
		}
	case backplaneQUIC:
		if c.Backplane.QUIC.Listen == "" {
			return errors.New("quic backplane requires a listen address")
		}
		if c.Backplane.QUIC.CertFile == "" || c.Backplane.QUIC.KeyFile == "" {
			return errors.New("quic backplane requires a certificate and key")
		}
	default:
		return fmt.Errorf("unknown backplane type %q", c.Backplane.Type)
	}

	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLogLevel(level string) (mqttmesh.LogLevel, error) {
	switch level {
	case "debug":
		return mqttmesh.LogLevelDebug, nil
	case "", "info":
		return mqttmesh.LogLevelInfo, nil
	case "warn":
		return mqttmesh.LogLevelWarn, nil
	case "error":
		return mqttmesh.LogLevelError, nil
	case "none":
		return mqttmesh.LogLevelNone, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// quicTLSConfig builds the TLS configuration for the QUIC backplane.
func (c *QUICBackplaneConfig) quicTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load quic keypair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read quic CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("quic CA file contains no certificates")
		}
		tlsConfig.RootCAs = pool
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
