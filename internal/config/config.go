// Package config reads thermostat HCL configuration with includes.
package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/log2"
)

const (
	DefaultTelemetryPeriod = 5 * time.Second
	DefaultNetworkTimeout  = 30 * time.Second
	DefaultProvisioning    = 60 * time.Second
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	fs FullReader

	Hub          HubConfig `hcl:"hub"`
	Provisioning struct {
		Endpoint   string `hcl:"endpoint"`
		APIVersion string `hcl:"api_version"`
	} `hcl:"provisioning"`
	Telemetry struct {
		PeriodSec       int     `hcl:"period_sec"`
		OutboxPath      string  `hcl:"outbox_path"`
		TemperatureBase float64 `hcl:"temperature_base"`
	} `hcl:"telemetry"`
	Metrics struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`

	_copy_guard sync.Mutex //nolint:unused
}

type HubConfig struct { //nolint:maligned
	ConnectionType         string `hcl:"connection_type"`
	Hostname               string `hcl:"hostname"`
	DeviceID               string `hcl:"device_id"`
	ConnectionString       string `hcl:"connection_string"`
	IDScope                string `hcl:"id_scope"`
	ModelID                string `hcl:"model_id"`
	Protocol               string `hcl:"protocol"`
	TLSCAFile              string `hcl:"tls_ca_file"`
	TLSCertFile            string `hcl:"tls_cert_file"`
	TLSKeyFile             string `hcl:"tls_key_file"`
	KeepaliveSec           int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec      int    `hcl:"network_timeout_sec"`
	ProvisioningTimeoutSec int    `hcl:"provisioning_timeout_sec"`
	RetryPolicy            string `hcl:"retry_policy"`
	RetryTimeoutSec        int    `hcl:"retry_timeout_sec"`
	SasKey                 string `hcl:"sas_key"`
	SasTokenLifetimeSec    int    `hcl:"sas_token_lifetime_sec"`
	LogDebug               bool   `hcl:"log_debug"`
	LogTrace               bool   `hcl:"log_trace"`
	WorkPeriodMs           int    `hcl:"work_period_ms"`
	ConnectDefaultSec      int    `hcl:"connect_default_sec"`
	ConnectMinSec          int    `hcl:"connect_min_sec"`
	ConnectMaxSec          int    `hcl:"connect_max_sec"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) WorkPeriod() time.Duration {
	return helpers.IntMillisecondDefault(c.Hub.WorkPeriodMs, hub.DefaultWorkPeriod)
}
func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Hub.NetworkTimeoutSec, DefaultNetworkTimeout)
}
func (c *Config) TelemetryPeriod() time.Duration {
	return helpers.IntSecondDefault(c.Telemetry.PeriodSec, DefaultTelemetryPeriod)
}

// ConnectBackoff is connect timer policy, unset fields take hub defaults.
func (c *Config) ConnectBackoff() helpers.Backoff {
	return helpers.Backoff{
		Default: helpers.IntSecondDefault(c.Hub.ConnectDefaultSec, hub.DefaultConnectDefault),
		Min:     helpers.IntSecondDefault(c.Hub.ConnectMinSec, hub.DefaultConnectMin),
		Max:     helpers.IntSecondDefault(c.Hub.ConnectMaxSec, hub.DefaultConnectMax),
		K:       2,
	}
}

// ConnectConfig converts hub section, reading TLS files with the same reader as config.
func (c *Config) ConnectConfig() (hub.ConnectConfig, error) {
	h := &c.Hub
	errs := make([]error, 0, 4)
	cc := hub.ConnectConfig{
		HubHostname:         h.Hostname,
		DeviceID:            h.DeviceID,
		ConnectionString:    h.ConnectionString,
		IDScope:             h.IDScope,
		ProvisioningTimeout: helpers.IntSecondDefault(h.ProvisioningTimeoutSec, DefaultProvisioning),
		ModelID:             h.ModelID,
		RetryTimeoutSec:     h.RetryTimeoutSec,
		KeepAliveSec:        h.KeepaliveSec,
		ConnectTimeoutSec:   h.NetworkTimeoutSec,
		SasTokenLifetimeSec: h.SasTokenLifetimeSec,
		LogTrace:            h.LogTrace,
	}
	var err error
	if cc.Mode, err = hub.ParseConnectMode(h.ConnectionType); err != nil {
		errs = append(errs, err)
	}
	if cc.Protocol, err = hub.ParseTransportProvider(h.Protocol); err != nil {
		errs = append(errs, err)
	}
	if cc.RetryPolicy, err = hub.ParseRetryPolicy(h.RetryPolicy); err != nil {
		errs = append(errs, err)
	}
	cc.TrustedCerts = c.readFile("tls_ca_file", h.TLSCAFile, &errs)
	cc.X509Cert = c.readFile("tls_cert_file", h.TLSCertFile, &errs)
	cc.X509PrivateKey = c.readFile("tls_key_file", h.TLSKeyFile, &errs)
	if (cc.X509Cert == "") != (cc.X509PrivateKey == "") {
		errs = append(errs, errors.NotValidf("tls_cert_file and tls_key_file must be set together"))
	}
	if len(errs) == 0 {
		if err = cc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return cc, helpers.FoldErrors(errs)
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if _, err := c.ConnectConfig(); err != nil {
		errs = append(errs, errors.Annotate(err, "hub"))
	}
	if c.Hub.ConnectionType == hub.ConnectProvisioning.String() && c.Hub.SasKey == "" && c.Hub.TLSCertFile == "" {
		errs = append(errs, errors.NotValidf("hub provisioning requires sas_key or tls_cert_file"))
	}
	for _, x := range []struct {
		name  string
		value int
	}{
		{"hub.keepalive_sec", c.Hub.KeepaliveSec},
		{"hub.network_timeout_sec", c.Hub.NetworkTimeoutSec},
		{"hub.provisioning_timeout_sec", c.Hub.ProvisioningTimeoutSec},
		{"hub.retry_timeout_sec", c.Hub.RetryTimeoutSec},
		{"hub.sas_token_lifetime_sec", c.Hub.SasTokenLifetimeSec},
		{"hub.work_period_ms", c.Hub.WorkPeriodMs},
		{"telemetry.period_sec", c.Telemetry.PeriodSec},
	} {
		if x.value < 0 {
			errs = append(errs, errors.NotValidf("%s=%d", x.name, x.value))
		}
	}
	b := c.ConnectBackoff()
	if b.Min > b.Max {
		errs = append(errs, errors.NotValidf("hub connect_min_sec=%v > connect_max_sec=%v", b.Min, b.Max))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) readFile(key, name string, errs *[]error) string {
	if name == "" {
		return ""
	}
	norm := c.fs.Normalize(name)
	b, err := c.fs.ReadAll(norm)
	if err == nil && b == nil {
		err = errors.NotFoundf("path=%s", norm)
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config %s", key))
		return ""
	}
	return string(b)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
		fs:          fs,
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
