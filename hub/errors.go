package hub

import (
	"fmt"

	"github.com/juju/errors"
)

// Error taxonomy. Returned errors are annotated with github.com/juju/errors,
// classify with IsCause(err, ErrX) or errors.Cause(err) == ErrX.
var (
	ErrInvalidArgument    = fmt.Errorf("invalid argument")
	ErrInvalidState       = fmt.Errorf("invalid state")
	ErrInvalidType        = fmt.Errorf("invalid content type")
	ErrTransport          = fmt.Errorf("transport failure")
	ErrTimeout            = fmt.Errorf("timeout")
	ErrResourceExhaustion = fmt.Errorf("resource exhaustion")
	ErrNetworkUnavailable = fmt.Errorf("network unavailable")
)

// SendTelemetry results.
var (
	ErrNoNetwork    = fmt.Errorf("telemetry: no network")
	ErrOtherFailure = fmt.Errorf("telemetry: other failure")
)

func IsCause(err, target error) bool {
	return err != nil && errors.Cause(err) == target
}
