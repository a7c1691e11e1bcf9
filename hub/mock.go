package hub

// Public API to easy create hub transport stubs to test your code.
import (
	"time"
)

// MockNative is in-memory Native. Everything injected is delivered on next DoWork of that handle,
// in injection order. Single goroutine only.
type MockNative struct {
	// Next CreateFailures handle creations return 0.
	CreateFailures int
	// Forced results, ClientOk if absent.
	OptionResults map[string]ClientResult
	SendResult    ClientResult
	Provisioning  ProvisioningResult

	Created   []Handle
	Destroyed []Handle

	last    Handle
	handles map[Handle]*MockHandle
}

type MockSend struct {
	Message *Message
	cb      ConfirmationCallback
	ctx     Context
}

type MockMethodResponse struct {
	Name     string
	Status   int
	Response []byte
}

// MockHandle is state of one native handle.
type MockHandle struct {
	ID           Handle
	Options      map[string]interface{}
	RetryPolicy  RetryPolicy
	RetryTimeout int
	// Count of non-nil registrations per slot: "message", "connection-status", "device-twin", "device-method".
	Registrations map[string]int
	Dispositions  []Disposition
	Methods       []MockMethodResponse
	ReportedSent  [][]byte
	DoWorkCount   int

	sends    []MockSend
	reported []func(int)
	queue    []func()

	message    MessageCallback
	messageCtx Context
	status     ConnectionStatusCallback
	statusCtx  Context
	twin       DeviceTwinCallback
	twinCtx    Context
	method     DeviceMethodCallback
	methodCtx  Context
}

func NewMockNative() *MockNative {
	return &MockNative{handles: make(map[Handle]*MockHandle)}
}

// Handle returns live or destroyed handle state, nil if never created.
func (self *MockNative) Handle(h Handle) *MockHandle { return self.handles[h] }

// Last returns most recently created handle or nil.
func (self *MockNative) Last() *MockHandle { return self.handles[self.last] }

func (self *MockNative) create() Handle {
	if self.CreateFailures > 0 {
		self.CreateFailures--
		return 0
	}
	if self.handles == nil {
		self.handles = make(map[Handle]*MockHandle)
	}
	self.last++
	self.handles[self.last] = &MockHandle{
		ID:            self.last,
		Options:       make(map[string]interface{}),
		Registrations: make(map[string]int),
	}
	self.Created = append(self.Created, self.last)
	return self.last
}

func (self *MockNative) live(h Handle) *MockHandle {
	mh := self.handles[h]
	if mh == nil {
		panic("code error MockNative unknown handle")
	}
	for _, d := range self.Destroyed {
		if d == h {
			panic("code error MockNative handle used after Destroy")
		}
	}
	return mh
}

func (self *MockNative) CreateFromConnectionString(connectionString string, protocol TransportProvider) Handle {
	return self.create()
}

func (self *MockNative) CreateFromDeviceAuth(hubURI, deviceID string, protocol TransportProvider) Handle {
	return self.create()
}

func (self *MockNative) CreateWithProvisioning(idScope string, timeout time.Duration) (Handle, ProvisioningResult) {
	if self.Provisioning.Code != ProvOk {
		return 0, self.Provisioning
	}
	h := self.create()
	if h == 0 {
		return 0, ProvisioningResult{Code: ProvGenericError}
	}
	return h, ProvisioningResult{Code: ProvOk}
}

func (self *MockNative) Destroy(h Handle) {
	mh := self.live(h)
	sends := mh.sends
	mh.sends = nil
	for _, s := range sends {
		s.cb(ConfirmationBecauseDestroy, s.ctx)
	}
	mh.queue = nil
	reported := mh.reported
	mh.reported = nil
	for _, f := range reported {
		f(0)
	}
	mh.message, mh.status, mh.twin, mh.method = nil, nil, nil, nil
	self.Destroyed = append(self.Destroyed, h)
}

func (self *MockNative) DoWork(h Handle) {
	mh := self.live(h)
	mh.DoWorkCount++
	queue := mh.queue
	mh.queue = nil
	for _, f := range queue {
		f()
	}
}

func (self *MockNative) SetOption(h Handle, name string, value interface{}) ClientResult {
	mh := self.live(h)
	if r, ok := self.OptionResults[name]; ok && r != ClientOk {
		return r
	}
	mh.Options[name] = value
	return ClientOk
}

func (self *MockNative) SetRetryPolicy(h Handle, policy RetryPolicy, timeoutLimitSec int) ClientResult {
	mh := self.live(h)
	mh.RetryPolicy, mh.RetryTimeout = policy, timeoutLimitSec
	return ClientOk
}

func (self *MockNative) GetRetryPolicy(h Handle) (RetryPolicy, int, ClientResult) {
	mh := self.live(h)
	return mh.RetryPolicy, mh.RetryTimeout, ClientOk
}

func (self *MockNative) SendEventAsync(h Handle, msg *Message, cb ConfirmationCallback, ctx Context) ClientResult {
	mh := self.live(h)
	if self.SendResult != ClientOk {
		return self.SendResult
	}
	mh.sends = append(mh.sends, MockSend{Message: msg, cb: cb, ctx: ctx})
	return ClientOk
}

func (self *MockNative) SendReportedState(h Handle, state []byte, cb ReportedStateCallback, ctx Context) ClientResult {
	mh := self.live(h)
	mh.ReportedSent = append(mh.ReportedSent, state)
	mh.reported = append(mh.reported, func(status int) { cb(status, ctx) })
	return ClientOk
}

func (self *MockNative) SetMessageCallback(h Handle, cb MessageCallback, ctx Context) ClientResult {
	mh := self.live(h)
	mh.message, mh.messageCtx = cb, ctx
	mh.register("message", cb != nil)
	return ClientOk
}

func (self *MockNative) SetConnectionStatusCallback(h Handle, cb ConnectionStatusCallback, ctx Context) ClientResult {
	mh := self.live(h)
	mh.status, mh.statusCtx = cb, ctx
	mh.register("connection-status", cb != nil)
	return ClientOk
}

func (self *MockNative) SetDeviceTwinCallback(h Handle, cb DeviceTwinCallback, ctx Context) ClientResult {
	mh := self.live(h)
	mh.twin, mh.twinCtx = cb, ctx
	mh.register("device-twin", cb != nil)
	return ClientOk
}

func (self *MockNative) SetDeviceMethodCallback(h Handle, cb DeviceMethodCallback, ctx Context) ClientResult {
	mh := self.live(h)
	mh.method, mh.methodCtx = cb, ctx
	mh.register("device-method", cb != nil)
	return ClientOk
}

func (mh *MockHandle) register(slot string, set bool) {
	if set {
		mh.Registrations[slot]++
	}
}

// Pending returns messages accepted by SendEventAsync and not yet confirmed.
func (mh *MockHandle) Pending() []*Message {
	ms := make([]*Message, len(mh.sends))
	for i, s := range mh.sends {
		ms[i] = s.Message
	}
	return ms
}

// Confirm schedules confirmation of oldest pending send.
func (mh *MockHandle) Confirm(result ConfirmationResult) {
	mh.queue = append(mh.queue, func() {
		if len(mh.sends) == 0 {
			return
		}
		s := mh.sends[0]
		mh.sends = mh.sends[1:]
		s.cb(result, s.ctx)
	})
}

// AckReported schedules ack of oldest reported state.
func (mh *MockHandle) AckReported(status int) {
	mh.queue = append(mh.queue, func() {
		if len(mh.reported) == 0 {
			return
		}
		f := mh.reported[0]
		mh.reported = mh.reported[1:]
		f(status)
	})
}

func (mh *MockHandle) InjectMessage(msg *Message) {
	mh.queue = append(mh.queue, func() {
		if mh.message == nil {
			return
		}
		mh.Dispositions = append(mh.Dispositions, mh.message(msg, mh.messageCtx))
	})
}

func (mh *MockHandle) InjectStatus(status ConnectionStatus, reason ConnectionStatusReason) {
	mh.queue = append(mh.queue, func() {
		if mh.status != nil {
			mh.status(status, reason, mh.statusCtx)
		}
	})
}

// InjectTwin passes a scratch copy of payload which is overwritten after callback returns.
func (mh *MockHandle) InjectTwin(state TwinUpdateState, payload []byte) {
	mh.queue = append(mh.queue, func() {
		if mh.twin == nil {
			return
		}
		buf := append([]byte(nil), payload...)
		mh.twin(state, buf, mh.twinCtx)
		scribble(buf)
	})
}

// InjectMethod passes scratch copies of name and payload which are overwritten after callback returns.
func (mh *MockHandle) InjectMethod(name, payload []byte) {
	mh.queue = append(mh.queue, func() {
		if mh.method == nil {
			return
		}
		nameBuf := append([]byte(nil), name...)
		payloadBuf := append([]byte(nil), payload...)
		status, response := mh.method(nameBuf, payloadBuf, mh.methodCtx)
		mh.Methods = append(mh.Methods, MockMethodResponse{Name: string(name), Status: status, Response: response})
		scribble(nameBuf)
		scribble(payloadBuf)
	})
}

func scribble(b []byte) {
	for i := range b {
		b[i] = 0xee
	}
}
