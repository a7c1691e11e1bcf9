package hub

import (
	"fmt"

	"github.com/juju/errors"
)

// Handle identifies live native connection. Zero is never valid.
type Handle uint32

// Context is opaque token passed back to native callbacks.
type Context uintptr

type ClientResult uint8

const (
	ClientOk ClientResult = iota
	ClientInvalidArg
	ClientError
	ClientInvalidSize
	ClientIndefiniteTime
)

func (r ClientResult) String() string {
	switch r {
	case ClientOk:
		return "Ok"
	case ClientInvalidArg:
		return "InvalidArg"
	case ClientError:
		return "Error"
	case ClientInvalidSize:
		return "InvalidSize"
	case ClientIndefiniteTime:
		return "IndefiniteTime"
	}
	return fmt.Sprintf("ClientResult(%d)", r)
}

func (r ClientResult) Err() error {
	switch r {
	case ClientOk:
		return nil
	case ClientInvalidArg, ClientInvalidSize:
		return errors.Annotatef(ErrInvalidArgument, "client result=%s", r)
	default:
		return errors.Annotatef(ErrTransport, "client result=%s", r)
	}
}

type MessageResult uint8

const (
	MessageOk MessageResult = iota
	MessageInvalidArg
	MessageInvalidType
	MessageError
)

func (r MessageResult) String() string {
	switch r {
	case MessageOk:
		return "Ok"
	case MessageInvalidArg:
		return "InvalidArg"
	case MessageInvalidType:
		return "InvalidType"
	case MessageError:
		return "Error"
	}
	return fmt.Sprintf("MessageResult(%d)", r)
}

func (r MessageResult) Err() error {
	switch r {
	case MessageOk:
		return nil
	case MessageInvalidArg:
		return ErrInvalidArgument
	case MessageInvalidType:
		return ErrInvalidType
	}
	return errors.Errorf("message result=%s", r)
}

type RetryPolicy uint8

const (
	RetryNone RetryPolicy = iota
	RetryImmediate
	RetryInterval
	RetryLinearBackoff
	RetryExponentialBackoff
	RetryExponentialBackoffWithJitter
	RetryRandom
)

var retryPolicyNames = [...]string{
	RetryNone:                         "none",
	RetryImmediate:                    "immediate",
	RetryInterval:                     "interval",
	RetryLinearBackoff:                "linear_backoff",
	RetryExponentialBackoff:           "exponential_backoff",
	RetryExponentialBackoffWithJitter: "exponential_backoff_with_jitter",
	RetryRandom:                       "random",
}

func (p RetryPolicy) String() string {
	if int(p) < len(retryPolicyNames) {
		return retryPolicyNames[p]
	}
	return fmt.Sprintf("RetryPolicy(%d)", p)
}

// ParseRetryPolicy accepts names as printed by RetryPolicy.String(), empty means exponential backoff with jitter.
func ParseRetryPolicy(s string) (RetryPolicy, error) {
	if s == "" {
		return RetryExponentialBackoffWithJitter, nil
	}
	for i, name := range retryPolicyNames {
		if s == name {
			return RetryPolicy(i), nil
		}
	}
	return RetryNone, errors.NotValidf("retry_policy=%s", s)
}

type TwinUpdateState uint8

const (
	TwinComplete TwinUpdateState = iota
	TwinPartial
)

func (s TwinUpdateState) String() string {
	switch s {
	case TwinComplete:
		return "Complete"
	case TwinPartial:
		return "Partial"
	}
	return fmt.Sprintf("TwinUpdateState(%d)", s)
}

type ConnectionStatus uint8

const (
	ConnectionAuthenticated ConnectionStatus = iota
	ConnectionUnauthenticated
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionAuthenticated:
		return "Authenticated"
	case ConnectionUnauthenticated:
		return "Unauthenticated"
	}
	return fmt.Sprintf("ConnectionStatus(%d)", s)
}

type ConnectionStatusReason uint8

const (
	ReasonExpiredSasToken ConnectionStatusReason = iota
	ReasonDeviceDisabled
	ReasonBadCredential
	ReasonRetryExpired
	ReasonNoNetwork
	ReasonCommunicationError
	ReasonOk
	ReasonNoPingResponse
	ReasonUnknown
)

func (r ConnectionStatusReason) String() string {
	switch r {
	case ReasonExpiredSasToken:
		return "ExpiredSasToken"
	case ReasonDeviceDisabled:
		return "DeviceDisabled"
	case ReasonBadCredential:
		return "BadCredential"
	case ReasonRetryExpired:
		return "RetryExpired"
	case ReasonNoNetwork:
		return "NoNetwork"
	case ReasonCommunicationError:
		return "CommunicationError"
	case ReasonOk:
		return "Ok"
	case ReasonNoPingResponse:
		return "NoPingResponse"
	case ReasonUnknown:
		return "Unknown"
	}
	return fmt.Sprintf("ConnectionStatusReason(%d)", r)
}

// Fatal reasons are not retried by transport, client must be recreated.
func (r ConnectionStatusReason) Fatal() bool {
	switch r {
	case ReasonExpiredSasToken, ReasonDeviceDisabled, ReasonBadCredential, ReasonRetryExpired:
		return true
	}
	return false
}

// Disposition is verdict of inbound message handler, relayed to transport.
type Disposition uint8

const (
	DispositionAccepted Disposition = iota
	DispositionRejected
	DispositionAbandoned
)

func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "Accepted"
	case DispositionRejected:
		return "Rejected"
	case DispositionAbandoned:
		return "Abandoned"
	}
	return fmt.Sprintf("Disposition(%d)", d)
}

type ConfirmationResult uint8

const (
	ConfirmationOk ConfirmationResult = iota
	ConfirmationBecauseDestroy
	ConfirmationMessageTimeout
	ConfirmationError
)

func (r ConfirmationResult) String() string {
	switch r {
	case ConfirmationOk:
		return "Ok"
	case ConfirmationBecauseDestroy:
		return "BecauseDestroy"
	case ConfirmationMessageTimeout:
		return "MessageTimeout"
	case ConfirmationError:
		return "Error"
	}
	return fmt.Sprintf("ConfirmationResult(%d)", r)
}

type TransportProvider uint8

const (
	TransportMQTT TransportProvider = iota
	TransportMQTTWebSocket
)

func (p TransportProvider) String() string {
	switch p {
	case TransportMQTT:
		return "mqtt"
	case TransportMQTTWebSocket:
		return "mqtt_ws"
	}
	return fmt.Sprintf("TransportProvider(%d)", p)
}

func ParseTransportProvider(s string) (TransportProvider, error) {
	switch s {
	case "", "mqtt":
		return TransportMQTT, nil
	case "mqtt_ws":
		return TransportMQTTWebSocket, nil
	}
	return TransportMQTT, errors.NotValidf("protocol=%s", s)
}

type ProvisioningCode uint8

const (
	ProvOk ProvisioningCode = iota
	ProvInvalidParam
	ProvNetworkNotReady
	ProvDeviceAuthNotReady
	ProvDeviceError
	ProvHubClientError
	ProvGenericError
)

func (c ProvisioningCode) String() string {
	switch c {
	case ProvOk:
		return "Ok"
	case ProvInvalidParam:
		return "InvalidParam"
	case ProvNetworkNotReady:
		return "NetworkNotReady"
	case ProvDeviceAuthNotReady:
		return "DeviceAuthNotReady"
	case ProvDeviceError:
		return "ProvDeviceError"
	case ProvHubClientError:
		return "IotHubClientError"
	case ProvGenericError:
		return "GenericError"
	}
	return fmt.Sprintf("ProvisioningCode(%d)", c)
}

// ProvisioningResult is outcome of CreateWithProvisioning. Detail carries underlying error, if any.
type ProvisioningResult struct {
	Code   ProvisioningCode
	Detail error
}

func (r ProvisioningResult) String() string {
	if r.Detail != nil {
		return fmt.Sprintf("%s: %v", r.Code, r.Detail)
	}
	return r.Code.String()
}

func (r ProvisioningResult) Err() error {
	var cause error
	switch r.Code {
	case ProvOk:
		return nil
	case ProvInvalidParam:
		cause = ErrInvalidArgument
	case ProvNetworkNotReady:
		cause = ErrNetworkUnavailable
	case ProvDeviceAuthNotReady:
		cause = ErrInvalidState
	default:
		cause = ErrTransport
		if IsCause(r.Detail, ErrTimeout) {
			cause = ErrTimeout
		}
	}
	return errors.Annotatef(cause, "provisioning result=%s", r.String())
}

type ContentType uint8

const (
	ContentByteArray ContentType = iota
	ContentString
	ContentUnknown
)

func (c ContentType) String() string {
	switch c {
	case ContentByteArray:
		return "ByteArray"
	case ContentString:
		return "String"
	}
	return "Unknown"
}

// Option names understood by native transport.
const (
	OptionLogTrace            = "logtrace"
	OptionDeviceIDForCert     = "SetDeviceId"
	OptionAutoURLEncodeDecode = "auto_url_encode_decode"
	OptionModelID             = "model_id"
	OptionKeepAlive           = "keepalive"
	OptionConnectTimeout      = "connect_timeout"
	OptionSasTokenLifetime    = "sas_token_lifetime"
	OptionProductInfo         = "product_info"
	OptionX509Cert            = "x509certificate"
	OptionX509PrivateKey      = "x509privatekey"
	OptionTrustedCerts        = "TrustedCerts"
	OptionHTTPProxy           = "proxy_data"
)

// HTTPProxyOptions is value of OptionHTTPProxy.
type HTTPProxyOptions struct {
	Host     string
	Port     int
	Username string
	Password string
}
