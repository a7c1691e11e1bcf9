package hub

import (
	"github.com/juju/errors"
	"github.com/temoto/devhub/log2"
)

// DeviceClient turns LowLevel callbacks into queue of events drained on each DoWork.
// Registers exactly four slots: message, connection status, device twin, device method.
// Single goroutine only, same as LowLevel.
type DeviceClient struct {
	log         *log2.Log
	ll          *LowLevel
	events      []Event
	disposition MessageFunc
	responder   DeviceMethodFunc
	stat        *Stat
}

type ClientOption func(*DeviceClient)

// WithDisposition sets verdict for inbound messages, default is Accepted.
// Message passed to f is valid only during the call, event queue gets a clone.
func WithDisposition(f MessageFunc) ClientOption {
	return func(c *DeviceClient) { c.disposition = f }
}

// WithMethodResponder sets immediate answer to device method calls.
// Default answers 200 with empty JSON object, application sees the call as DeviceMethodInvoked event.
func WithMethodResponder(f DeviceMethodFunc) ClientOption {
	return func(c *DeviceClient) { c.responder = f }
}

func WithStat(s *Stat) ClientOption {
	return func(c *DeviceClient) { c.stat = s }
}

func NewDeviceClient(log *log2.Log, ll *LowLevel, opts ...ClientOption) (*DeviceClient, error) {
	if ll == nil {
		return nil, errors.Annotate(ErrInvalidArgument, "NewDeviceClient ll=nil")
	}
	c := &DeviceClient{
		log:         log,
		ll:          ll,
		disposition: acceptAll,
		responder:   respondEmpty,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stat == nil {
		c.stat = new(Stat)
	}

	if err := ll.SetMessageCallback(c.onMessage); err != nil {
		return nil, errors.Annotate(err, "NewDeviceClient")
	}
	if err := ll.SetConnectionStatusCallback(c.onConnectionStatus); err != nil {
		return nil, errors.Annotate(err, "NewDeviceClient")
	}
	if err := ll.SetDeviceTwinCallback(c.onDeviceTwin); err != nil {
		return nil, errors.Annotate(err, "NewDeviceClient")
	}
	if err := ll.SetDeviceMethodCallback(c.onDeviceMethod); err != nil {
		return nil, errors.Annotate(err, "NewDeviceClient")
	}
	return c, nil
}

func acceptAll(*Message) Disposition { return DispositionAccepted }

func respondEmpty(DeviceMethodInvoked) (int, []byte) { return MethodStatusOK, []byte("{}") }

func (c *DeviceClient) LowLevel() *LowLevel { return c.ll }

// Send takes ownership of msg, it comes back in MessageConfirmation event.
func (c *DeviceClient) Send(msg *Message) error {
	err := c.ll.Send(msg, c.onConfirmation)
	if err == nil {
		c.stat.Sent++
	}
	return err
}

// SendReportedState result comes as ReportedStateAck event.
func (c *DeviceClient) SendReportedState(state []byte) error {
	err := c.ll.SendReportedState(state, c.onReportedState)
	if err == nil {
		c.stat.ReportedSent++
	}
	return err
}

// DoWork pumps transport and returns events produced meanwhile, in callback order.
func (c *DeviceClient) DoWork() []Event {
	c.ll.DoWork()
	return c.Drain()
}

// Drain returns queued events and leaves queue empty.
func (c *DeviceClient) Drain() []Event {
	events := c.events
	c.events = nil
	return events
}

// Close destroys handle. Confirmations for in-flight messages remain queued, see Drain.
func (c *DeviceClient) Close() { c.ll.Close() }

func (c *DeviceClient) push(e Event) {
	c.log.Debugf("hub: event %s", e.String())
	c.events = append(c.events, e)
}

func (c *DeviceClient) onConfirmation(result ConfirmationResult, msg *Message) {
	if result == ConfirmationOk {
		c.stat.Confirmed++
	} else {
		c.stat.ConfirmFailed++
	}
	c.push(MessageConfirmation{Result: result, Message: msg})
}

func (c *DeviceClient) onReportedState(statusCode int) {
	c.push(ReportedStateAck{StatusCode: statusCode})
}

func (c *DeviceClient) onMessage(msg *Message) Disposition {
	c.stat.Inbound++
	d := c.disposition(msg)
	c.push(InboundMessage{Message: msg.Clone()})
	return d
}

func (c *DeviceClient) onConnectionStatus(status ConnectionStatus, reason ConnectionStatusReason) {
	c.push(ConnectionStatusChanged{Status: status, Reason: reason})
}

func (c *DeviceClient) onDeviceTwin(update DeviceTwinUpdated) {
	c.stat.TwinUpdates++
	c.push(update)
}

func (c *DeviceClient) onDeviceMethod(call DeviceMethodInvoked) (int, []byte) {
	c.stat.MethodCalls++
	c.push(call)
	if call.Err != nil {
		c.log.Errorf("hub: device method %v", call.Err)
		return MethodStatusBadRequest, nil
	}
	return c.responder(call)
}
