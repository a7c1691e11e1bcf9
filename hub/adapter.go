package hub

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/log2"
)

const (
	DefaultWorkPeriod     = 100 * time.Millisecond
	DefaultConnectDefault = 1 * time.Second
	DefaultConnectMin     = 10 * time.Second
	DefaultConnectMax     = 600 * time.Second

	PropertyCreationTimeUTC = "iothub-creation-time-utc"
)

type AuthenticationState uint8

const (
	NotAuthenticated AuthenticationState = iota
	AuthenticationInitiated
	Authenticated
)

func (s AuthenticationState) String() string {
	switch s {
	case NotAuthenticated:
		return "NotAuthenticated"
	case AuthenticationInitiated:
		return "AuthenticationInitiated"
	case Authenticated:
		return "Authenticated"
	}
	return fmt.Sprintf("AuthenticationState(%d)", s)
}

// Adapter drives Connector and DeviceClient from two reactor timers:
// fast work tick pumps live client, slower connect tick retries connection with backoff.
// Events of both are accumulated until DrainEvents.
// Single goroutine only, normally reactor loop.
type Adapter struct {
	log        *log2.Log
	connector  *Connector
	client     *DeviceClient
	work       Timer
	connect    Timer
	workPeriod time.Duration
	backoff    helpers.Backoff
	events     []Event
	auth       AuthenticationState
	stat       *Stat
}

type AdapterOption func(*Adapter)

func WithWorkPeriod(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.workPeriod = d }
}

// WithConnectBackoff overrides connect poll policy, zero fields keep defaults.
func WithConnectBackoff(b helpers.Backoff) AdapterOption {
	return func(a *Adapter) {
		if b.Default != 0 {
			a.backoff.Default = b.Default
		}
		if b.Min != 0 {
			a.backoff.Min = b.Min
		}
		if b.Max != 0 {
			a.backoff.Max = b.Max
		}
		if b.K != 0 {
			a.backoff.K = b.K
		}
	}
}

func NewAdapter(log *log2.Log, connector *Connector, work, connect Timer, opts ...AdapterOption) (*Adapter, error) {
	if connector == nil || work == nil || connect == nil {
		return nil, errors.Annotate(ErrInvalidArgument, "code error NewAdapter connector or timer nil")
	}
	if work.Token() == connect.Token() {
		return nil, errors.Annotatef(ErrInvalidArgument, "NewAdapter timers share token=%d", work.Token())
	}
	a := &Adapter{
		log:        log,
		connector:  connector,
		work:       work,
		connect:    connect,
		workPeriod: DefaultWorkPeriod,
		backoff: helpers.Backoff{
			Default: DefaultConnectDefault,
			Min:     DefaultConnectMin,
			Max:     DefaultConnectMax,
			K:       2,
		},
		stat: connector.Stat(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := work.SetPeriod(a.workPeriod); err != nil {
		return nil, errors.Annotate(err, "NewAdapter work timer")
	}
	if err := connect.SetPeriod(a.backoff.Reset()); err != nil {
		return nil, errors.Annotate(err, "NewAdapter connect timer")
	}
	return a, nil
}

func (a *Adapter) Tokens() (work, connect int) { return a.work.Token(), a.connect.Token() }

// OnTimerEvent is single entry point for both timers, dispatched by token.
func (a *Adapter) OnTimerEvent(token int) {
	switch token {
	case a.work.Token():
		if err := a.work.Consume(); err != nil {
			a.log.Errorf("hub: work timer consume err=%v", err)
			return
		}
		a.doWork()
	case a.connect.Token():
		if err := a.connect.Consume(); err != nil {
			a.log.Errorf("hub: connect timer consume err=%v", err)
			return
		}
		a.tryConnect()
	default:
		a.log.Errorf("hub: timer event unknown token=%d", token)
	}
}

// DrainEvents returns events in arrival order and leaves queue empty.
func (a *Adapter) DrainEvents() []Event {
	events := a.events
	a.events = nil
	return events
}

func (a *Adapter) State() ConnectState                 { return a.connector.State() }
func (a *Adapter) Authentication() AuthenticationState { return a.auth }
func (a *Adapter) ConnectPeriod() time.Duration        { return a.backoff.Current() }
func (a *Adapter) Stat() Stat                          { return *a.stat }

// Client returns live client or nil.
func (a *Adapter) Client() *DeviceClient { return a.client }

type TelemetryOption func(*Message) error

// WithTimestamp sets creation time application property in YYYY-MM-DDTHH:MM:SSZ format.
func WithTimestamp(t time.Time) TelemetryOption {
	return func(m *Message) error { return m.SetProperty(PropertyCreationTimeUTC, helpers.UTCDateTime(t)) }
}

func WithProperty(key, value string) TelemetryOption {
	return func(m *Message) error { return m.SetProperty(key, value) }
}

// SendTelemetry sends JSON payload. Errors: ErrNoNetwork when network is down,
// ErrOtherFailure when not authenticated or hub client refused message.
// Result of accepted send comes later as MessageConfirmation event.
func (a *Adapter) SendTelemetry(payload []byte, opts ...TelemetryOption) error {
	ready, err := a.connector.NetworkReady()
	if err != nil {
		a.log.Errorf("hub: SendTelemetry network check err=%v", err)
		a.push(Failure{Reason: FailureNetworkingIsReady, Err: err})
	}
	if err != nil || !ready {
		a.stat.TelemetryDenied++
		return errors.Annotate(ErrNoNetwork, "SendTelemetry")
	}
	if a.client == nil || a.auth != Authenticated {
		a.stat.TelemetryDenied++
		return errors.Annotatef(ErrOtherFailure, "SendTelemetry authentication=%s", a.auth)
	}

	msg := NewMessageFromBytes(payload)
	if err := msg.SetMessageID(uuid.New().String()); err != nil {
		return errors.Annotatef(ErrOtherFailure, "SendTelemetry message id err=%v", err)
	}
	if err := msg.SetContentTypeSystemProperty("application/json"); err != nil {
		return errors.Annotatef(ErrOtherFailure, "SendTelemetry content type err=%v", err)
	}
	if err := msg.SetContentEncodingSystemProperty("utf-8"); err != nil {
		return errors.Annotatef(ErrOtherFailure, "SendTelemetry content encoding err=%v", err)
	}
	for _, opt := range opts {
		if err := opt(msg); err != nil {
			return errors.Annotatef(ErrOtherFailure, "SendTelemetry option err=%v", err)
		}
	}
	if err := a.client.Send(msg); err != nil {
		return errors.Annotatef(ErrOtherFailure, "SendTelemetry err=%v", err)
	}
	return nil
}

func (a *Adapter) SendReportedState(state []byte) error {
	if a.client == nil {
		return errors.Annotatef(ErrInvalidState, "SendReportedState connect=%s", a.connector.State())
	}
	return a.client.SendReportedState(state)
}

// Close destroys live client. Confirmations of in-flight messages remain for DrainEvents.
func (a *Adapter) Close() {
	if a.client != nil {
		a.teardown(nil)
	}
}

func (a *Adapter) push(e Event) {
	a.events = append(a.events, e)
}

func (a *Adapter) doWork() {
	if a.client == nil {
		return
	}
	var fatal error
	for _, e := range a.client.DoWork() {
		a.push(e)
		if s, ok := e.(ConnectionStatusChanged); ok {
			if err := a.onConnectionStatus(s); err != nil {
				fatal = err
			}
		}
	}
	if fatal != nil {
		a.teardown(fatal)
		period := a.backoff.Failure()
		a.setConnectPeriod(period)
		a.push(ConnectionStateChanged{State: a.connector.State(), Retry: period, Err: fatal})
	}
}

func (a *Adapter) onConnectionStatus(s ConnectionStatusChanged) error {
	if s.Status == ConnectionAuthenticated {
		a.auth = Authenticated
		a.log.Infof("hub: authenticated")
		return nil
	}
	a.auth = NotAuthenticated
	if s.Reason.Fatal() {
		a.log.Errorf("hub: unauthenticated reason=%s, reconnect", s.Reason)
		return errors.Annotatef(ErrTransport, "unauthenticated reason=%s", s.Reason)
	}
	a.log.Infof("hub: unauthenticated reason=%s", s.Reason)
	return nil
}

func (a *Adapter) tryConnect() {
	if a.connector.State() == ConnectComplete {
		return
	}
	a.stat.ConnectAttempts++
	client, err := a.connector.Attempt()
	var period time.Duration
	if err != nil {
		a.stat.ConnectFailures++
		period = a.backoff.Failure()
		if nce, ok := errors.Cause(err).(*NetworkCheckError); ok {
			a.push(Failure{Reason: FailureNetworkingIsReady, Err: nce.Err})
		}
		a.log.Errorf("hub: connect failed, retry in %s err=%v", period, err)
	} else {
		a.client = client
		a.auth = AuthenticationInitiated
		period = a.backoff.Reset()
		a.log.Infof("hub: connect complete handle=%d", client.LowLevel().Handle())
	}
	a.setConnectPeriod(period)
	a.push(ConnectionStateChanged{State: a.connector.State(), Retry: period, Err: err})
}

func (a *Adapter) setConnectPeriod(d time.Duration) {
	if err := a.connect.SetPeriod(d); err != nil {
		a.log.Errorf("hub: connect timer set period=%s err=%v", d, err)
	}
}

func (a *Adapter) teardown(reason error) {
	a.client.Close()
	for _, e := range a.client.Drain() {
		a.push(e)
	}
	a.client = nil
	a.auth = NotAuthenticated
	a.connector.Lost()
	if reason != nil {
		a.stat.Disconnects++
	}
}
