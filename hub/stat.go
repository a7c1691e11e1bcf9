package hub

// Stat counters. Owned by reactor goroutine, copy by value to publish elsewhere.
type Stat struct {
	Sent            uint64
	Confirmed       uint64
	ConfirmFailed   uint64
	ReportedSent    uint64
	Inbound         uint64
	TwinUpdates     uint64
	MethodCalls     uint64
	ConnectAttempts uint64
	ConnectFailures uint64
	Disconnects     uint64
	TelemetryDenied uint64
}
