package hub

import (
	"time"
)

// Callback signatures of native transport. Every callback receives opaque Context
// given at registration. Native calls them only from DoWork, on DoWork caller goroutine.
type (
	ConfirmationCallback     func(result ConfirmationResult, ctx Context)
	MessageCallback          func(msg *Message, ctx Context) Disposition
	ConnectionStatusCallback func(status ConnectionStatus, reason ConnectionStatusReason, ctx Context)
	DeviceTwinCallback       func(state TwinUpdateState, payload []byte, ctx Context)
	ReportedStateCallback    func(statusCode int, ctx Context)
	// Buffers are valid only for the duration of the call.
	// Response is copied by native before DeviceMethodCallback returns to it.
	DeviceMethodCallback func(methodName []byte, payload []byte, ctx Context) (status int, response []byte)
)

// Native is low level device client transport, modelled after C device SDK:
// integer handles, synchronous setup calls, callbacks with context token.
//
// Contract:
// - Create* return 0 on failure.
// - DoWork must be called at least every ~100ms, it is the only place where callbacks run.
// - At most one callback per slot, Set*Callback replaces previous (nil clears).
// - SendEventAsync does not call cb synchronously. Each accepted send gets exactly one confirmation.
// - Destroy calls outstanding confirmations with ConfirmationBecauseDestroy and outstanding
//   reported state callbacks with status 0 before it returns, and never calls any callback of that handle after.
// - SetOption value type must match what named option expects; mismatch is caller error.
// - Not safe for concurrent use with same handle.
type Native interface {
	CreateFromConnectionString(connectionString string, protocol TransportProvider) Handle
	CreateFromDeviceAuth(hubURI, deviceID string, protocol TransportProvider) Handle
	CreateWithProvisioning(idScope string, timeout time.Duration) (Handle, ProvisioningResult)
	Destroy(h Handle)
	DoWork(h Handle)

	SetOption(h Handle, name string, value interface{}) ClientResult
	SetRetryPolicy(h Handle, policy RetryPolicy, timeoutLimitSec int) ClientResult
	GetRetryPolicy(h Handle) (RetryPolicy, int, ClientResult)

	SendEventAsync(h Handle, msg *Message, cb ConfirmationCallback, ctx Context) ClientResult
	SendReportedState(h Handle, state []byte, cb ReportedStateCallback, ctx Context) ClientResult

	SetMessageCallback(h Handle, cb MessageCallback, ctx Context) ClientResult
	SetConnectionStatusCallback(h Handle, cb ConnectionStatusCallback, ctx Context) ClientResult
	SetDeviceTwinCallback(h Handle, cb DeviceTwinCallback, ctx Context) ClientResult
	SetDeviceMethodCallback(h Handle, cb DeviceMethodCallback, ctx Context) ClientResult
}

// NetworkChecker reports whether device network is up.
type NetworkChecker interface {
	IsNetworkingReady() (bool, error)
}

type NetworkCheckerFunc func() (bool, error)

func (f NetworkCheckerFunc) IsNetworkingReady() (bool, error) { return f() }

// Timer is periodic readiness source owned by reactor.
type Timer interface {
	Token() int
	SetPeriod(d time.Duration) error
	// Consume acknowledges expiration. Error if timer has not expired.
	Consume() error
}
