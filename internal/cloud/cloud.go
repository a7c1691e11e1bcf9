// Package cloud is thermometer device model on top of hub.Adapter:
// telemetry, desired property for upload switch, displayAlert method and connection notifications.
package cloud

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/log2"
)

const (
	ModelID = "dtmi:com:example:azuresphere:thermometer;1"

	PropertyTelemetryUploadEnabled = "thermometerTelemetryUploadEnabled"
	PropertySerialNumber           = "serialNumber"
	MethodDisplayAlert             = "displayAlert"
)

type Telemetry struct {
	Temperature float64 `json:"temperature"`
}

// Callbacks receive cloud initiated changes on reactor goroutine.
type Callbacks interface {
	TelemetryUploadEnabledChanged(enabled, fromCloud bool)
	DisplayAlert(message string)
	ConnectionChanged(connected bool)
}

// NopCallbacks only logs, embed it to implement part of Callbacks.
type NopCallbacks struct{ Log *log2.Log }

func (n NopCallbacks) TelemetryUploadEnabledChanged(enabled, fromCloud bool) {
	n.Log.Infof("cloud: no handler registered for TelemetryUploadEnabledChanged enabled=%t from_cloud=%t", enabled, fromCloud)
}
func (n NopCallbacks) DisplayAlert(message string) {
	n.Log.Infof("cloud: no handler registered for DisplayAlert message=%q", message)
}
func (n NopCallbacks) ConnectionChanged(connected bool) {
	n.Log.Infof("cloud: no handler registered for ConnectionChanged connected=%t", connected)
}

type Options struct {
	Log          *log2.Log
	Native       hub.Native
	Network      hub.NetworkChecker
	Connect      hub.ConnectConfig
	WorkTimer    hub.Timer
	ConnectTimer hub.Timer
	Adapter      []hub.AdapterOption
	Callbacks    Callbacks
	SerialNumber string
	// Outbox is optional, without it failed telemetry is lost.
	Outbox *Outbox
	// OnFailure is called for hub.Failure events, e.g. to exit process.
	OnFailure func(hub.Failure)
}

// Cloud is single goroutine, same as hub.Adapter.
type Cloud struct {
	log              *log2.Log
	adapter          *hub.Adapter
	cb               Callbacks
	outbox           *Outbox
	onFailure        func(hub.Failure)
	serialNumber     string
	connected        bool
	lastAckedVersion int
	replayed         uint64
	spilled          uint64
}

func New(opt Options) (*Cloud, error) {
	c := &Cloud{
		log:          opt.Log,
		cb:           opt.Callbacks,
		outbox:       opt.Outbox,
		onFailure:    opt.OnFailure,
		serialNumber: opt.SerialNumber,
	}
	if c.cb == nil {
		c.cb = NopCallbacks{Log: opt.Log}
	}
	if opt.Connect.ModelID == "" {
		opt.Connect.ModelID = ModelID
	}
	connector, err := hub.NewConnector(opt.Log, opt.Native, opt.Network, opt.Connect,
		hub.WithMethodResponder(respondMethod))
	if err != nil {
		return nil, errors.Annotate(err, "cloud")
	}
	c.adapter, err = hub.NewAdapter(opt.Log, connector, opt.WorkTimer, opt.ConnectTimer, opt.Adapter...)
	if err != nil {
		return nil, errors.Annotate(err, "cloud")
	}
	return c, nil
}

func (c *Cloud) Adapter() *hub.Adapter { return c.adapter }
func (c *Cloud) Connected() bool       { return c.connected }
func (c *Cloud) Stat() hub.Stat        { return c.adapter.Stat() }

// OutboxStat returns count of records replayed from and spilled into outbox.
func (c *Cloud) OutboxStat() (replayed, spilled uint64) { return c.replayed, c.spilled }

// OnTimerEvent handles hub timers and processes resulting events.
func (c *Cloud) OnTimerEvent(token int) {
	c.adapter.OnTimerEvent(token)
	c.Poll()
}

// Poll processes pending adapter events and replays outbox when authenticated.
// Call once per reactor iteration.
func (c *Cloud) Poll() {
	for _, e := range c.adapter.DrainEvents() {
		c.handle(e)
	}
	if c.outbox != nil && c.adapter.Authentication() == hub.Authenticated {
		n := c.outbox.Replay(func(payload []byte, created string) error {
			var opts []hub.TelemetryOption
			if created != "" {
				opts = append(opts, hub.WithProperty(hub.PropertyCreationTimeUTC, created))
			}
			return c.adapter.SendTelemetry(payload, opts...)
		})
		if n != 0 {
			c.replayed += uint64(n)
			c.log.Debugf("cloud: outbox replayed=%d", n)
		}
	}
}

// SendTelemetry serializes t as {"temperature":28.3}. Errors are hub.ErrNoNetwork or hub.ErrOtherFailure.
// Telemetry that was not accepted goes into outbox if configured.
func (c *Cloud) SendTelemetry(t Telemetry, timestamp *time.Time) error {
	b, err := json.Marshal(t)
	if err != nil {
		return errors.Annotate(hub.ErrOtherFailure, err.Error())
	}
	return c.send(b, timestamp)
}

// SendThermometerMovedEvent is telemetry {"thermometerMoved":true}.
func (c *Cloud) SendThermometerMovedEvent(timestamp *time.Time) error {
	return c.send([]byte(`{"thermometerMoved":true}`), timestamp)
}

// SendTelemetryUploadEnabledChangedEvent reports device side change of upload switch.
func (c *Cloud) SendTelemetryUploadEnabledChangedEvent(enabled bool) error {
	b, err := json.Marshal(map[string]bool{PropertyTelemetryUploadEnabled: enabled})
	if err != nil {
		return errors.Trace(err)
	}
	return c.adapter.SendReportedState(b)
}

func (c *Cloud) Close() {
	c.adapter.Close()
	for _, e := range c.adapter.DrainEvents() {
		c.handle(e)
	}
	c.setConnected(false)
}

// BuildUTCDateTime formats t as YYYY-MM-DDTHH:MM:SSZ.
func BuildUTCDateTime(t time.Time) string { return helpers.UTCDateTime(t) }

func (c *Cloud) send(payload []byte, timestamp *time.Time) error {
	var opts []hub.TelemetryOption
	created := ""
	if timestamp != nil {
		created = BuildUTCDateTime(*timestamp)
		opts = append(opts, hub.WithProperty(hub.PropertyCreationTimeUTC, created))
	}
	err := c.adapter.SendTelemetry(payload, opts...)
	if err != nil {
		c.spill(payload, created)
	}
	return err
}

func (c *Cloud) spill(payload []byte, created string) {
	if c.outbox == nil {
		return
	}
	if err := c.outbox.Push(payload, created); err != nil {
		c.log.Errorf("cloud: outbox err=%v", err)
		return
	}
	c.spilled++
}

func (c *Cloud) handle(e hub.Event) {
	switch e := e.(type) {
	case hub.ConnectionStatusChanged:
		c.setConnected(e.Status == hub.ConnectionAuthenticated)

	case hub.ConnectionStateChanged:
		if e.State != hub.ConnectComplete {
			c.setConnected(false)
		}

	case hub.MessageConfirmation:
		if e.Result == hub.ConfirmationOk {
			return
		}
		c.log.Errorf("cloud: telemetry not delivered result=%s", e.Result)
		created, _ := e.Message.Property(hub.PropertyCreationTimeUTC)
		c.spill(e.Message.Payload(), created)

	case hub.DeviceTwinUpdated:
		c.onTwin(e)

	case hub.ReportedStateAck:
		if e.StatusCode < 200 || e.StatusCode >= 300 {
			c.log.Errorf("cloud: reported state status=%d", e.StatusCode)
		}

	case hub.DeviceMethodInvoked:
		if e.Err == nil && e.Name == MethodDisplayAlert {
			if message, err := parseAlert(e.Payload); err == nil {
				c.cb.DisplayAlert(message)
			}
		}

	case hub.InboundMessage:
		text, err := e.Message.Text()
		if err != nil {
			text = string(e.Message.Payload())
		}
		c.log.Infof("cloud: message %q", text)

	case hub.Failure:
		c.log.Errorf("cloud: failure reason=%s err=%v", e.Reason, e.Err)
		if c.onFailure != nil {
			c.onFailure(e)
		}
	}
}

func (c *Cloud) setConnected(connected bool) {
	if connected == c.connected {
		return
	}
	c.connected = connected
	c.cb.ConnectionChanged(connected)
	if connected && c.serialNumber != "" {
		b, _ := json.Marshal(map[string]string{PropertySerialNumber: c.serialNumber})
		if err := c.adapter.SendReportedState(b); err != nil {
			c.log.Errorf("cloud: report %s err=%v", PropertySerialNumber, err)
		}
	}
}

type desiredProperties struct {
	TelemetryUploadEnabled *bool `json:"thermometerTelemetryUploadEnabled"`
	Version                int   `json:"$version"`
}

type propertyAck struct {
	Value   bool `json:"value"`
	Status  int  `json:"ac"`
	Version int  `json:"av"`
}

// Complete twin has desired section, partial update is desired section itself.
func parseDesired(state hub.TwinUpdateState, payload []byte) (desiredProperties, error) {
	var d desiredProperties
	if state == hub.TwinComplete {
		var twin struct {
			Desired desiredProperties `json:"desired"`
		}
		if err := json.Unmarshal(payload, &twin); err != nil {
			return d, errors.NotValidf("twin complete err=%v", err)
		}
		return twin.Desired, nil
	}
	if err := json.Unmarshal(payload, &d); err != nil {
		return d, errors.NotValidf("twin partial err=%v", err)
	}
	return d, nil
}

func (c *Cloud) onTwin(e hub.DeviceTwinUpdated) {
	d, err := parseDesired(e.State, e.Payload)
	if err != nil {
		c.log.Errorf("cloud: %v", err)
		return
	}
	if d.TelemetryUploadEnabled == nil {
		return
	}
	if d.Version == c.lastAckedVersion {
		c.log.Debugf("cloud: desired version=%d already acked", d.Version)
		return
	}
	enabled := *d.TelemetryUploadEnabled
	c.cb.TelemetryUploadEnabledChanged(enabled, true)

	b, err := json.Marshal(map[string]propertyAck{
		PropertyTelemetryUploadEnabled: {Value: enabled, Status: hub.MethodStatusOK, Version: d.Version},
	})
	if err != nil {
		c.log.Errorf("cloud: %v", errors.ErrorStack(err))
		return
	}
	if err = c.adapter.SendReportedState(b); err != nil {
		c.log.Errorf("cloud: ack %s err=%v", PropertyTelemetryUploadEnabled, err)
		return
	}
	c.lastAckedVersion = d.Version
}

func parseAlert(payload []byte) (string, error) {
	var message string
	if err := json.Unmarshal(payload, &message); err != nil {
		return "", errors.NotValidf("%s payload", MethodDisplayAlert)
	}
	return message, nil
}

// respondMethod runs inside hub DoWork, application callback comes later from Poll.
func respondMethod(call hub.DeviceMethodInvoked) (int, []byte) {
	switch call.Name {
	case MethodDisplayAlert:
		if _, err := parseAlert(call.Payload); err != nil {
			return hub.MethodStatusBadRequest, []byte(`{"status":"payload must be JSON string"}`)
		}
		return hub.MethodStatusOK, []byte(`{"status":"ok"}`)
	}
	return hub.MethodStatusNotFound, []byte(`{}`)
}
