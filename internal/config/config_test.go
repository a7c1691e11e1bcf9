package config

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, hub.DefaultWorkPeriod, c.WorkPeriod())
			assert.Equal(t, DefaultTelemetryPeriod, c.TelemetryPeriod())
			assert.Equal(t, DefaultNetworkTimeout, c.NetworkTimeout())
			assert.Equal(t, helpers.Backoff{Default: time.Second, Min: 10 * time.Second, Max: 600 * time.Second, K: 2}, c.ConnectBackoff())
		}, ""},

		{"device-auth", `
hub {
	hostname = "h.azure-devices.net"
	device_id = "dev1"
	protocol = "mqtt_ws"
	retry_policy = "interval"
	retry_timeout_sec = 300
	keepalive_sec = 60
	model_id = "dtmi:com:example:thermostat;1"
	work_period_ms = 50
	connect_min_sec = 5
}`,
			func(t testing.TB, c *Config) {
				require.NoError(t, c.Validate())
				cc, err := c.ConnectConfig()
				require.NoError(t, err)
				assert.Equal(t, hub.ConnectDeviceAuth, cc.Mode)
				assert.Equal(t, "h.azure-devices.net", cc.HubHostname)
				assert.Equal(t, "dev1", cc.DeviceID)
				assert.Equal(t, hub.TransportMQTTWebSocket, cc.Protocol)
				assert.Equal(t, hub.RetryInterval, cc.RetryPolicy)
				assert.Equal(t, 300, cc.RetryTimeoutSec)
				assert.Equal(t, 60, cc.KeepAliveSec)
				assert.Equal(t, "dtmi:com:example:thermostat;1", cc.ModelID)
				assert.Equal(t, DefaultProvisioning, cc.ProvisioningTimeout)
				assert.Equal(t, 50*time.Millisecond, c.WorkPeriod())
				assert.Equal(t, 5*time.Second, c.ConnectBackoff().Min)
			}, ""},

		{"connection-string", `
hub {
	connection_type = "connection_string"
	connection_string = "HostName=h;DeviceId=d;SharedAccessKey=a2V5"
}
telemetry { period_sec = 10 outbox_path = "/var/lib/thermostat/outbox" temperature_base = 21.5 }
metrics { listen = ":9100" }`,
			func(t testing.TB, c *Config) {
				require.NoError(t, c.Validate())
				cc, err := c.ConnectConfig()
				require.NoError(t, err)
				assert.Equal(t, hub.ConnectConnectionString, cc.Mode)
				assert.Equal(t, hub.RetryExponentialBackoffWithJitter, cc.RetryPolicy)
				assert.Equal(t, 10*time.Second, c.TelemetryPeriod())
				assert.Equal(t, "/var/lib/thermostat/outbox", c.Telemetry.OutboxPath)
				assert.Equal(t, 21.5, c.Telemetry.TemperatureBase)
				assert.Equal(t, ":9100", c.Metrics.Listen)
			}, ""},

		{"provisioning-tls", `
hub {
	connection_type = "provisioning"
	id_scope = "0ne000"
	provisioning_timeout_sec = 20
	tls_ca_file = "ca.pem"
	tls_cert_file = "cert.pem"
	tls_key_file = "key.pem"
}
provisioning { endpoint = "ssl://dps.example:8883" }`,
			func(t testing.TB, c *Config) {
				require.NoError(t, c.Validate())
				cc, err := c.ConnectConfig()
				require.NoError(t, err)
				assert.Equal(t, hub.ConnectProvisioning, cc.Mode)
				assert.Equal(t, 20*time.Second, cc.ProvisioningTimeout)
				assert.Equal(t, "ca-pem", cc.TrustedCerts)
				assert.Equal(t, "cert-pem", cc.X509Cert)
				assert.Equal(t, "key-pem", cc.X509PrivateKey)
				assert.Equal(t, "ssl://dps.example:8883", c.Provisioning.Endpoint)
			}, ""},

		{"validate-folds", `
hub { connection_type = "bogus" retry_policy = "sometimes" }
telemetry { period_sec = -1 }`,
			func(t testing.TB, c *Config) {
				err := c.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), "connection_type=bogus")
				assert.Contains(t, err.Error(), "retry_policy=sometimes")
				assert.Contains(t, err.Error(), "telemetry.period_sec=-1")
			}, ""},

		{"validate-provisioning-credential", `hub { connection_type = "provisioning" id_scope = "0ne000" }`,
			func(t testing.TB, c *Config) {
				err := c.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), "requires sas_key or tls_cert_file")
			}, ""},

		{"validate-missing-file", `hub { hostname = "h" tls_ca_file = "absent.pem" }`,
			func(t testing.TB, c *Config) {
				_, err := c.ConnectConfig()
				require.Error(t, err)
				assert.True(t, errors.IsNotFound(errors.Cause(err)), "err=%v", err)
			}, ""},

		{"validate-backoff", `hub { hostname = "h" connect_min_sec = 60 connect_max_sec = 30 }`,
			func(t testing.TB, c *Config) {
				err := c.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), "connect_min_sec")
			}, ""},

		{"include-normalize", `
telemetry { period_sec = 1 }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "telemetry-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7*time.Second, c.TelemetryPeriod())
			}, ""},

		{"include-overwrites", `
telemetry { period_sec = 1 }
include "telemetry-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7*time.Second, c.TelemetryPeriod())
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"telemetry-7":  "telemetry{period_sec=7}",
				"include-loop": `include "include-loop" {}`,
				"ca.pem":       "ca-pem",
				"cert.pem":     "cert-pem",
				"key.pem":      "key-pem",
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	fs := NewOsFullReader()
	fs.SetBase("/etc/thermostat")
	assert.Equal(t, "/etc/thermostat/ca.pem", fs.Normalize("./ca.pem"))
	assert.Equal(t, "/opt/ca.pem", fs.Normalize("/opt/ca.pem"))
	b, err := fs.ReadAll("/nonexistent/devhub/config.hcl")
	assert.NoError(t, err)
	assert.Nil(t, b)
}
