package hub

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/devhub/log2"
)

type slot uint8

const (
	slotMessage slot = iota
	slotConnectionStatus
	slotTwin
	slotMethod
	slotCount
)

func (s slot) String() string {
	switch s {
	case slotMessage:
		return "message"
	case slotConnectionStatus:
		return "connection-status"
	case slotTwin:
		return "device-twin"
	case slotMethod:
		return "device-method"
	}
	return fmt.Sprintf("slot(%d)", s)
}

type (
	MessageFunc          func(msg *Message) Disposition
	ConnectionStatusFunc func(status ConnectionStatus, reason ConnectionStatusReason)
	DeviceTwinFunc       func(update DeviceTwinUpdated)
	DeviceMethodFunc     func(call DeviceMethodInvoked) (status int, response []byte)
	ConfirmationFunc     func(result ConfirmationResult, msg *Message)
	ReportedStateFunc    func(statusCode int)
)

type pendingSend struct {
	msg *Message
	fn  ConfirmationFunc
}

// LowLevel owns one native handle and bridges native callbacks with context tokens into Go closures.
//
// Every callback closure lives in a handle table under a Context token until its slot is replaced,
// the operation completes or the handle is closed, whichever comes first.
// Native calls carrying released token are logged and ignored.
//
// Single goroutine only. Callbacks run synchronously inside DoWork or Close,
// they must not call DoWork, Send, SendReportedState or Close (panics).
type LowLevel struct {
	log     *log2.Log
	native  Native
	handle  Handle
	ctxs    handleTable
	slots   [slotCount]Context
	pumping bool
}

func NewLowLevelFromConnectionString(log *log2.Log, native Native, connectionString string, protocol TransportProvider) (*LowLevel, error) {
	if connectionString == "" {
		return nil, errors.Annotate(ErrInvalidArgument, "connection string empty")
	}
	h := native.CreateFromConnectionString(connectionString, protocol)
	if h == 0 {
		return nil, errors.Annotatef(ErrTransport, "create from connection string protocol=%s", protocol)
	}
	return newLowLevel(log, native, h), nil
}

func NewLowLevelFromDeviceAuth(log *log2.Log, native Native, hubURI, deviceID string, protocol TransportProvider) (*LowLevel, error) {
	if hubURI == "" {
		return nil, errors.Annotate(ErrInvalidArgument, "hub hostname empty")
	}
	h := native.CreateFromDeviceAuth(hubURI, deviceID, protocol)
	if h == 0 {
		return nil, errors.Annotatef(ErrTransport, "create from device auth hub=%s device=%s", hubURI, deviceID)
	}
	return newLowLevel(log, native, h), nil
}

func NewLowLevelWithProvisioning(log *log2.Log, native Native, idScope string, timeout time.Duration) (*LowLevel, error) {
	if idScope == "" {
		return nil, errors.Annotate(ErrInvalidArgument, "id scope empty")
	}
	h, result := native.CreateWithProvisioning(idScope, timeout)
	if err := result.Err(); err != nil {
		if h != 0 {
			native.Destroy(h)
		}
		return nil, err
	}
	if h == 0 {
		return nil, errors.Annotatef(ErrTransport, "create with provisioning id_scope=%s", idScope)
	}
	return newLowLevel(log, native, h), nil
}

func newLowLevel(log *log2.Log, native Native, h Handle) *LowLevel {
	log.Debugf("hub: handle=%d created", h)
	return &LowLevel{log: log, native: native, handle: h}
}

func (l *LowLevel) Handle() Handle { return l.handle }

// Pending is count of live callback contexts, registered slots included.
func (l *LowLevel) Pending() int { return l.ctxs.len() }

func (l *LowLevel) mustOpen(op string) {
	if l.handle == 0 {
		panic("code error hub.LowLevel." + op + " after Close")
	}
}

func (l *LowLevel) mustNotPump(op string) {
	if l.pumping {
		panic("code error hub.LowLevel." + op + " called from callback")
	}
}

// Send takes ownership of msg until onComplete, which runs exactly once from a later DoWork or Close.
// Error means native rejected the message synchronously, then onComplete will not run and msg is returned to caller.
func (l *LowLevel) Send(msg *Message, onComplete ConfirmationFunc) error {
	l.mustNotPump("Send")
	l.mustOpen("Send")
	if msg == nil {
		return errors.Annotate(ErrInvalidArgument, "Send message=nil")
	}
	if msg.inFlight {
		return errors.Annotate(ErrInvalidState, "Send message already in flight")
	}
	ctx := l.ctxs.put(&pendingSend{msg: msg, fn: onComplete})
	msg.inFlight = true
	if r := l.native.SendEventAsync(l.handle, msg, l.onConfirmation, ctx); r != ClientOk {
		l.ctxs.release(ctx)
		msg.inFlight = false
		return errors.Annotate(r.Err(), "SendEventAsync")
	}
	return nil
}

// SendReportedState copies state. onAck runs exactly once from a later DoWork or Close,
// Close completes it with status 0.
func (l *LowLevel) SendReportedState(state []byte, onAck ReportedStateFunc) error {
	l.mustNotPump("SendReportedState")
	l.mustOpen("SendReportedState")
	if len(state) == 0 {
		return errors.Annotate(ErrInvalidArgument, "SendReportedState empty state")
	}
	ctx := l.ctxs.put(onAck)
	buf := make([]byte, len(state))
	copy(buf, state)
	if r := l.native.SendReportedState(l.handle, buf, l.onReportedState, ctx); r != ClientOk {
		l.ctxs.release(ctx)
		return errors.Annotate(r.Err(), "SendReportedState")
	}
	return nil
}

// SetMessageCallback replaces inbound message handler. Handler verdict is relayed to transport as is.
// nil clears the slot.
func (l *LowLevel) SetMessageCallback(fn MessageFunc) error {
	var v interface{}
	var cb MessageCallback
	if fn != nil {
		v, cb = fn, l.onMessage
	}
	return l.setSlot(slotMessage, v, func(ctx Context) ClientResult {
		return l.native.SetMessageCallback(l.handle, cb, ctx)
	})
}

func (l *LowLevel) SetConnectionStatusCallback(fn ConnectionStatusFunc) error {
	var v interface{}
	var cb ConnectionStatusCallback
	if fn != nil {
		v, cb = fn, l.onConnectionStatus
	}
	return l.setSlot(slotConnectionStatus, v, func(ctx Context) ClientResult {
		return l.native.SetConnectionStatusCallback(l.handle, cb, ctx)
	})
}

func (l *LowLevel) SetDeviceTwinCallback(fn DeviceTwinFunc) error {
	var v interface{}
	var cb DeviceTwinCallback
	if fn != nil {
		v, cb = fn, l.onDeviceTwin
	}
	return l.setSlot(slotTwin, v, func(ctx Context) ClientResult {
		return l.native.SetDeviceTwinCallback(l.handle, cb, ctx)
	})
}

func (l *LowLevel) SetDeviceMethodCallback(fn DeviceMethodFunc) error {
	var v interface{}
	var cb DeviceMethodCallback
	if fn != nil {
		v, cb = fn, l.onDeviceMethod
	}
	return l.setSlot(slotMethod, v, func(ctx Context) ClientResult {
		return l.native.SetDeviceMethodCallback(l.handle, cb, ctx)
	})
}

// setSlot registers v under new token, old token is released only after native accepted replacement.
func (l *LowLevel) setSlot(s slot, v interface{}, register func(Context) ClientResult) error {
	l.mustOpen("Set callback " + s.String())
	var ctx Context
	if v != nil {
		ctx = l.ctxs.put(v)
	}
	if r := register(ctx); r != ClientOk {
		if ctx != 0 {
			l.ctxs.release(ctx)
		}
		return errors.Annotatef(r.Err(), "set %s callback", s)
	}
	if old := l.slots[s]; old != 0 {
		l.ctxs.release(old)
	}
	l.slots[s] = ctx
	return nil
}

// SetOption passes value to native as is. Value type must match option, see Option* constants.
func (l *LowLevel) SetOption(name string, value interface{}) error {
	l.mustOpen("SetOption")
	if name == "" {
		return errors.Annotate(ErrInvalidArgument, "SetOption name empty")
	}
	if r := l.native.SetOption(l.handle, name, value); r != ClientOk {
		return errors.Annotatef(r.Err(), "SetOption name=%s", name)
	}
	return nil
}

func (l *LowLevel) SetOptionLogTrace(on bool) error            { return l.SetOption(OptionLogTrace, on) }
func (l *LowLevel) SetOptionDeviceIDForCert(on bool) error     { return l.SetOption(OptionDeviceIDForCert, on) }
func (l *LowLevel) SetOptionAutoURLEncodeDecode(on bool) error { return l.SetOption(OptionAutoURLEncodeDecode, on) }
func (l *LowLevel) SetOptionModelID(id string) error           { return l.SetOption(OptionModelID, id) }
func (l *LowLevel) SetOptionKeepAlive(sec int) error           { return l.SetOption(OptionKeepAlive, sec) }
func (l *LowLevel) SetOptionConnectTimeout(sec int) error      { return l.SetOption(OptionConnectTimeout, sec) }
func (l *LowLevel) SetOptionSasTokenLifetime(sec int) error    { return l.SetOption(OptionSasTokenLifetime, sec) }
func (l *LowLevel) SetOptionProductInfo(s string) error        { return l.SetOption(OptionProductInfo, s) }
func (l *LowLevel) SetOptionTrustedCerts(pem string) error     { return l.SetOption(OptionTrustedCerts, pem) }

func (l *LowLevel) SetRetryPolicy(policy RetryPolicy, timeoutLimitSec int) error {
	l.mustOpen("SetRetryPolicy")
	if timeoutLimitSec < 0 {
		return errors.Annotatef(ErrInvalidArgument, "retry timeout=%d", timeoutLimitSec)
	}
	if r := l.native.SetRetryPolicy(l.handle, policy, timeoutLimitSec); r != ClientOk {
		return errors.Annotatef(r.Err(), "SetRetryPolicy policy=%s", policy)
	}
	return nil
}

func (l *LowLevel) RetryPolicy() (RetryPolicy, int, error) {
	l.mustOpen("RetryPolicy")
	policy, timeout, r := l.native.GetRetryPolicy(l.handle)
	return policy, timeout, errors.Annotate(r.Err(), "GetRetryPolicy")
}

// DoWork pumps native transport, registered callbacks run inside.
func (l *LowLevel) DoWork() {
	l.mustNotPump("DoWork")
	l.mustOpen("DoWork")
	l.pumping = true
	defer func() { l.pumping = false }()
	l.native.DoWork(l.handle)
}

// Close destroys native handle and releases every callback context. Idempotent.
// Outstanding sends are confirmed with ConfirmationBecauseDestroy.
func (l *LowLevel) Close() {
	l.mustNotPump("Close")
	if l.handle == 0 {
		return
	}
	h := l.handle
	l.pumping = true
	l.native.Destroy(h)
	l.pumping = false
	l.handle = 0
	l.slots = [slotCount]Context{}
	for _, v := range l.ctxs.drain() {
		if p, ok := v.(*pendingSend); ok {
			p.msg.inFlight = false
			l.log.Errorf("hub: handle=%d destroyed without confirmation message=%s", h, p.msg.String())
		}
	}
	l.log.Debugf("hub: handle=%d destroyed", h)
}

func (l *LowLevel) onConfirmation(result ConfirmationResult, ctx Context) {
	v, ok := l.ctxs.take(ctx)
	if !ok {
		l.log.Errorf("hub: confirmation with unknown context=%d result=%s", ctx, result)
		return
	}
	p := v.(*pendingSend)
	p.msg.inFlight = false
	if p.fn != nil {
		p.fn(result, p.msg)
	}
}

func (l *LowLevel) onReportedState(statusCode int, ctx Context) {
	v, ok := l.ctxs.take(ctx)
	if !ok {
		l.log.Errorf("hub: reported state ack with unknown context=%d status=%d", ctx, statusCode)
		return
	}
	if fn := v.(ReportedStateFunc); fn != nil {
		fn(statusCode)
	}
}

func (l *LowLevel) onMessage(msg *Message, ctx Context) Disposition {
	v, ok := l.ctxs.get(ctx)
	if !ok {
		l.log.Errorf("hub: message with unknown context=%d", ctx)
		return DispositionAbandoned
	}
	return v.(MessageFunc)(msg)
}

func (l *LowLevel) onConnectionStatus(status ConnectionStatus, reason ConnectionStatusReason, ctx Context) {
	v, ok := l.ctxs.get(ctx)
	if !ok {
		l.log.Errorf("hub: connection status with unknown context=%d status=%s reason=%s", ctx, status, reason)
		return
	}
	v.(ConnectionStatusFunc)(status, reason)
}

func (l *LowLevel) onDeviceTwin(state TwinUpdateState, payload []byte, ctx Context) {
	v, ok := l.ctxs.get(ctx)
	if !ok {
		l.log.Errorf("hub: device twin with unknown context=%d", ctx)
		return
	}
	v.(DeviceTwinFunc)(DecodeTwin(state, payload))
}

func (l *LowLevel) onDeviceMethod(name, payload []byte, ctx Context) (int, []byte) {
	v, ok := l.ctxs.get(ctx)
	if !ok {
		l.log.Errorf("hub: device method with unknown context=%d", ctx)
		return MethodStatusNotImplemented, nil
	}
	call := DecodeMethod(name, payload)
	status, response := v.(DeviceMethodFunc)(call)
	return status, copyBytes(response)
}
