package hub

import (
	"fmt"
	"time"
)

// Event is closed union of everything reported by DeviceClient.DoWork and Adapter.DrainEvents.
type Event interface {
	fmt.Stringer
	event()
}

// MessageConfirmation hands sent message back to its owner.
type MessageConfirmation struct {
	Result  ConfirmationResult
	Message *Message
}

// InboundMessage carries owned copy of cloud-to-device message.
type InboundMessage struct {
	Message *Message
}

type ConnectionStatusChanged struct {
	Status ConnectionStatus
	Reason ConnectionStatusReason
}

type DeviceTwinUpdated struct {
	State   TwinUpdateState
	Payload []byte
}

// ReportedStateAck carries hub status code for reported state update, e.g. 204.
type ReportedStateAck struct {
	StatusCode int
}

// DeviceMethodInvoked is set Err and empty Name when native method name is not valid text.
type DeviceMethodInvoked struct {
	Name    string
	Payload []byte
	Err     error
}

// ConnectionStateChanged is emitted by Adapter after each connect attempt and teardown.
// Retry is next connect poll period.
type ConnectionStateChanged struct {
	State ConnectState
	Retry time.Duration
	Err   error
}

// Failure is emitted by Adapter when prerequisite check itself fails.
type Failure struct {
	Reason FailureReason
	Err    error
}

type FailureReason uint8

const (
	FailureNetworkingIsReady FailureReason = iota + 1
)

func (r FailureReason) String() string {
	switch r {
	case FailureNetworkingIsReady:
		return "NetworkingIsReadyFailed"
	}
	return fmt.Sprintf("FailureReason(%d)", r)
}

func (MessageConfirmation) event()     {}
func (InboundMessage) event()          {}
func (ConnectionStatusChanged) event() {}
func (DeviceTwinUpdated) event()       {}
func (ReportedStateAck) event()        {}
func (DeviceMethodInvoked) event()     {}
func (ConnectionStateChanged) event()  {}
func (Failure) event()                 {}

func (e MessageConfirmation) String() string {
	return fmt.Sprintf("MessageConfirmation(result=%s %s)", e.Result, e.Message)
}
func (e InboundMessage) String() string { return fmt.Sprintf("InboundMessage(%s)", e.Message) }
func (e ConnectionStatusChanged) String() string {
	return fmt.Sprintf("ConnectionStatusChanged(status=%s reason=%s)", e.Status, e.Reason)
}
func (e DeviceTwinUpdated) String() string {
	return fmt.Sprintf("DeviceTwinUpdated(state=%s len=%d)", e.State, len(e.Payload))
}
func (e ReportedStateAck) String() string { return fmt.Sprintf("ReportedStateAck(status=%d)", e.StatusCode) }
func (e DeviceMethodInvoked) String() string {
	if e.Err != nil {
		return fmt.Sprintf("DeviceMethodInvoked(err=%v)", e.Err)
	}
	return fmt.Sprintf("DeviceMethodInvoked(name=%s len=%d)", e.Name, len(e.Payload))
}
func (e ConnectionStateChanged) String() string {
	if e.Err != nil {
		return fmt.Sprintf("ConnectionStateChanged(state=%s retry=%s err=%v)", e.State, e.Retry, e.Err)
	}
	return fmt.Sprintf("ConnectionStateChanged(state=%s retry=%s)", e.State, e.Retry)
}
func (e Failure) String() string { return fmt.Sprintf("Failure(reason=%s err=%v)", e.Reason, e.Err) }
