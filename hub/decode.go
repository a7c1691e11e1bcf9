package hub

import (
	"bytes"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Device method status codes used when application did not answer.
const (
	MethodStatusOK             = 200
	MethodStatusBadRequest     = 400
	MethodStatusNotFound       = 404
	MethodStatusNotImplemented = 501
)

// DecodeTwin copies native buffer, it is valid only during callback.
func DecodeTwin(state TwinUpdateState, payload []byte) DeviceTwinUpdated {
	return DeviceTwinUpdated{State: state, Payload: copyBytes(payload)}
}

// DecodeMethod copies native buffers. Name is C string: bytes after first NUL are ignored.
// Name that is empty or not valid UTF-8 yields Err=ErrInvalidArgument and empty Name.
func DecodeMethod(name, payload []byte) DeviceMethodInvoked {
	call := DeviceMethodInvoked{Payload: copyBytes(payload)}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	switch {
	case len(name) == 0:
		call.Err = errors.Annotate(ErrInvalidArgument, "device method name empty")
	case !utf8.Valid(name):
		call.Err = errors.Annotatef(ErrInvalidArgument, "device method name=%x not valid UTF-8", name)
	default:
		call.Name = string(name)
	}
	return call
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
