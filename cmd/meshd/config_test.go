package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttmesh"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "meshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, "{}"))
		require.NoError(t, err)

		assert.Equal(t, mqttmesh.DefaultNamespace, cfg.Node.Namespace)
		assert.Equal(t, ":1883", cfg.Broker.Listen)
		assert.Equal(t, directoryMemory, cfg.Directory.Type)
		assert.Equal(t, backplaneMemory, cfg.Backplane.Type)
		assert.Equal(t, "info", cfg.Log.Level)
	})

	t.Run("full configuration", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, `
node:
  id: node-a
  namespace: fleet-1
  host: broker-a.example.com
broker:
  listen: ":2883"
directory:
  type: oxia
  oxia:
    service_address: "oxia:6648"
    namespace: mqttmesh
    request_timeout: 5s
    session_timeout: 30s
backplane:
  type: mqtt
  mqtt:
    broker_url: "tcp://backplane:1883"
    qos: 1
    publish_rate: 500
    publish_burst: 50
metrics:
  listen: ":9090"
log:
  level: debug
`))
		require.NoError(t, err)

		assert.Equal(t, "node-a", cfg.Node.ID)
		assert.Equal(t, "fleet-1", cfg.Node.Namespace)
		assert.Equal(t, ":2883", cfg.Broker.Listen)
		assert.Equal(t, directoryOxia, cfg.Directory.Type)
		assert.Equal(t, "oxia:6648", cfg.Directory.Oxia.ServiceAddress)
		assert.Equal(t, Duration(5*time.Second), cfg.Directory.Oxia.RequestTimeout)
		assert.Equal(t, Duration(30*time.Second), cfg.Directory.Oxia.SessionTimeout)
		assert.Equal(t, backplaneMQTT, cfg.Backplane.Type)
		assert.Equal(t, "tcp://backplane:1883", cfg.Backplane.MQTT.BrokerURL)
		require.NotNil(t, cfg.Backplane.MQTT.QoS)
		assert.Equal(t, byte(1), *cfg.Backplane.MQTT.QoS)
		assert.Equal(t, float64(500), cfg.Backplane.MQTT.PublishRate)
		assert.Equal(t, ":9090", cfg.Metrics.Listen)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("environment overrides secrets", func(t *testing.T) {
		t.Setenv("MESHD_MQTT_USERNAME", "mesh")
		t.Setenv("MESHD_MQTT_PASSWORD", "s3cret")

		cfg, err := LoadConfig(writeConfig(t, `
backplane:
  type: mqtt
  mqtt:
    broker_url: "tcp://backplane:1883"
    username: file-user
`))
		require.NoError(t, err)
		assert.Equal(t, "mesh", cfg.Backplane.MQTT.Username)
		assert.Equal(t, "s3cret", cfg.Backplane.MQTT.Password)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "node: ["))
		assert.Error(t, err)
	})

	t.Run("invalid duration", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, `
directory:
  oxia:
    request_timeout: soon
`))
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return defaultConfig()
	}

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("bad namespace", func(t *testing.T) {
		cfg := valid()
		cfg.Node.Namespace = "Not Valid"
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing broker listen", func(t *testing.T) {
		cfg := valid()
		cfg.Broker.Listen = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown directory type", func(t *testing.T) {
		cfg := valid()
		cfg.Directory.Type = "etcd"
		assert.Error(t, cfg.Validate())
	})

	t.Run("oxia directory requires address and namespace", func(t *testing.T) {
		cfg := valid()
		cfg.Directory.Type = directoryOxia
		assert.Error(t, cfg.Validate())

		cfg.Directory.Oxia.ServiceAddress = "oxia:6648"
		assert.Error(t, cfg.Validate())

		cfg.Directory.Oxia.Namespace = "mqttmesh"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("mqtt backplane requires broker URL", func(t *testing.T) {
		cfg := valid()
		cfg.Backplane.Type = backplaneMQTT
		assert.Error(t, cfg.Validate())

		cfg.Backplane.MQTT.BrokerURL = "tcp://backplane:1883"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("quic backplane requires listen and keypair", func(t *testing.T) {
		cfg := valid()
		cfg.Backplane.Type = backplaneQUIC
		assert.Error(t, cfg.Validate())

		cfg.Backplane.QUIC.Listen = ":7443"
		assert.Error(t, cfg.Validate())

		cfg.Backplane.QUIC.CertFile = "server.crt"
		cfg.Backplane.QUIC.KeyFile = "server.key"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown backplane type", func(t *testing.T) {
		cfg := valid()
		cfg.Backplane.Type = "kafka"
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown log level", func(t *testing.T) {
		cfg := valid()
		cfg.Log.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})
}

func TestParseLogLevel(t *testing.T) {
	t.Run("known levels", func(t *testing.T) {
		cases := map[string]mqttmesh.LogLevel{
			"debug": mqttmesh.LogLevelDebug,
			"":      mqttmesh.LogLevelInfo,
			"info":  mqttmesh.LogLevelInfo,
			"warn":  mqttmesh.LogLevelWarn,
			"error": mqttmesh.LogLevelError,
			"none":  mqttmesh.LogLevelNone,
		}
		for name, want := range cases {
			level, err := parseLogLevel(name)
			require.NoError(t, err, "level %q", name)
			assert.Equal(t, want, level, "level %q", name)
		}
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := parseLogLevel("verbose")
		assert.Error(t, err)
	})
}
