package hub

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/devhub/log2"
)

type ConnectState uint8

const (
	ConnectNotStarted ConnectState = iota
	ConnectStarted
	ConnectComplete
	ConnectFailed
)

func (s ConnectState) String() string {
	switch s {
	case ConnectNotStarted:
		return "NotStarted"
	case ConnectStarted:
		return "Started"
	case ConnectComplete:
		return "Complete"
	case ConnectFailed:
		return "Failed"
	}
	return fmt.Sprintf("ConnectState(%d)", s)
}

type ConnectMode uint8

const (
	ConnectDeviceAuth ConnectMode = iota
	ConnectConnectionString
	ConnectProvisioning
)

func (m ConnectMode) String() string {
	switch m {
	case ConnectDeviceAuth:
		return "device_auth"
	case ConnectConnectionString:
		return "connection_string"
	case ConnectProvisioning:
		return "provisioning"
	}
	return fmt.Sprintf("ConnectMode(%d)", m)
}

func ParseConnectMode(s string) (ConnectMode, error) {
	switch s {
	case "", "device_auth":
		return ConnectDeviceAuth, nil
	case "connection_string":
		return ConnectConnectionString, nil
	case "provisioning":
		return ConnectProvisioning, nil
	}
	return ConnectDeviceAuth, errors.NotValidf("connection_type=%s", s)
}

type ConnectConfig struct {
	Mode                ConnectMode
	HubHostname         string
	DeviceID            string
	ConnectionString    string
	IDScope             string
	ProvisioningTimeout time.Duration
	ModelID             string
	Protocol            TransportProvider
	RetryPolicy         RetryPolicy
	RetryTimeoutSec     int
	KeepAliveSec        int
	ConnectTimeoutSec   int
	SasTokenLifetimeSec int
	ProductInfo         string
	LogTrace            bool
	// PEM encoded
	TrustedCerts   string
	X509Cert       string
	X509PrivateKey string
}

func (c *ConnectConfig) Validate() error {
	switch c.Mode {
	case ConnectDeviceAuth:
		if c.HubHostname == "" {
			return errors.Annotate(ErrInvalidArgument, "device_auth requires hostname")
		}
	case ConnectConnectionString:
		if c.ConnectionString == "" {
			return errors.Annotate(ErrInvalidArgument, "connection_string mode requires connection_string")
		}
	case ConnectProvisioning:
		if c.IDScope == "" {
			return errors.Annotate(ErrInvalidArgument, "provisioning requires id_scope")
		}
	default:
		return errors.Annotatef(ErrInvalidArgument, "connect mode=%s", c.Mode)
	}
	return nil
}

// NetworkCheckError is returned by Connector.Attempt when readiness check itself failed,
// as opposed to network simply not ready.
type NetworkCheckError struct{ Err error }

func (e *NetworkCheckError) Error() string { return "networking readiness check: " + e.Err.Error() }

// Connector creates and configures device client, one attempt at a time.
// NotStarted -> Started -> Complete | Failed; Failed -> Started on next Attempt.
type Connector struct {
	log        *log2.Log
	native     Native
	network    NetworkChecker
	config     ConnectConfig
	clientOpts []ClientOption
	state      ConnectState
	stat       *Stat
}

func NewConnector(log *log2.Log, native Native, network NetworkChecker, config ConnectConfig, opts ...ClientOption) (*Connector, error) {
	if native == nil || network == nil {
		return nil, errors.Annotate(ErrInvalidArgument, "code error NewConnector native or network nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "NewConnector")
	}
	return &Connector{
		log:        log,
		native:     native,
		network:    network,
		config:     config,
		clientOpts: opts,
		stat:       new(Stat),
	}, nil
}

func (c *Connector) State() ConnectState   { return c.state }
func (c *Connector) Config() ConnectConfig { return c.config }
func (c *Connector) Stat() *Stat           { return c.stat }

func (c *Connector) NetworkReady() (bool, error) { return c.network.IsNetworkingReady() }

// Attempt runs one connection attempt. On success state is Complete and caller owns returned client.
func (c *Connector) Attempt() (*DeviceClient, error) {
	switch c.state {
	case ConnectNotStarted, ConnectFailed:
	default:
		return nil, errors.Annotatef(ErrInvalidState, "connect attempt state=%s", c.state)
	}
	c.state = ConnectStarted
	c.log.Debugf("hub: connect started mode=%s", c.config.Mode)
	client, err := c.attempt()
	if err != nil {
		c.state = ConnectFailed
		return nil, err
	}
	c.state = ConnectComplete
	return client, nil
}

// Lost moves Complete to Failed, after caller closed client.
func (c *Connector) Lost() {
	if c.state == ConnectComplete {
		c.state = ConnectFailed
	}
}

func (c *Connector) attempt() (*DeviceClient, error) {
	ready, err := c.network.IsNetworkingReady()
	if err != nil {
		return nil, &NetworkCheckError{Err: err}
	}
	if !ready {
		return nil, errors.Annotate(ErrNetworkUnavailable, "connect")
	}

	ll, err := c.create()
	if err != nil {
		return nil, errors.Annotate(err, "connect")
	}
	if err = c.configure(ll); err != nil {
		ll.Close()
		return nil, errors.Annotate(err, "connect configure")
	}
	opts := make([]ClientOption, 0, len(c.clientOpts)+1)
	opts = append(opts, c.clientOpts...)
	opts = append(opts, WithStat(c.stat))
	client, err := NewDeviceClient(c.log, ll, opts...)
	if err != nil {
		ll.Close()
		return nil, errors.Annotate(err, "connect")
	}
	return client, nil
}

func (c *Connector) create() (*LowLevel, error) {
	cfg := &c.config
	switch cfg.Mode {
	case ConnectConnectionString:
		return NewLowLevelFromConnectionString(c.log, c.native, cfg.ConnectionString, cfg.Protocol)
	case ConnectProvisioning:
		return NewLowLevelWithProvisioning(c.log, c.native, cfg.IDScope, cfg.ProvisioningTimeout)
	default:
		return NewLowLevelFromDeviceAuth(c.log, c.native, cfg.HubHostname, cfg.DeviceID, cfg.Protocol)
	}
}

func (c *Connector) configure(ll *LowLevel) error {
	cfg := &c.config
	if cfg.Mode != ConnectConnectionString {
		if err := ll.SetOptionDeviceIDForCert(true); err != nil {
			return err
		}
	}
	if err := ll.SetOptionAutoURLEncodeDecode(true); err != nil {
		return err
	}
	if cfg.ModelID != "" {
		if err := ll.SetOptionModelID(cfg.ModelID); err != nil {
			return err
		}
	}
	if err := ll.SetRetryPolicy(cfg.RetryPolicy, cfg.RetryTimeoutSec); err != nil {
		return err
	}
	if cfg.KeepAliveSec != 0 {
		if err := ll.SetOptionKeepAlive(cfg.KeepAliveSec); err != nil {
			return err
		}
	}
	if cfg.ConnectTimeoutSec != 0 {
		if err := ll.SetOptionConnectTimeout(cfg.ConnectTimeoutSec); err != nil {
			return err
		}
	}
	if cfg.SasTokenLifetimeSec != 0 {
		if err := ll.SetOptionSasTokenLifetime(cfg.SasTokenLifetimeSec); err != nil {
			return err
		}
	}
	if cfg.TrustedCerts != "" {
		if err := ll.SetOptionTrustedCerts(cfg.TrustedCerts); err != nil {
			return err
		}
	}
	if cfg.X509Cert != "" {
		if err := ll.SetOption(OptionX509Cert, cfg.X509Cert); err != nil {
			return err
		}
		if err := ll.SetOption(OptionX509PrivateKey, cfg.X509PrivateKey); err != nil {
			return err
		}
	}
	if cfg.ProductInfo != "" {
		if err := ll.SetOptionProductInfo(cfg.ProductInfo); err != nil {
			return err
		}
	}
	if cfg.LogTrace {
		if err := ll.SetOptionLogTrace(true); err != nil {
			return err
		}
	}
	return nil
}
