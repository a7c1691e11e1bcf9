package hub

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Message is telemetry or cloud-to-device payload with system and application properties.
// Content is fixed at construction, properties are mutable until message is handed to Send.
// Between Send and its confirmation message belongs to transport and all setters return ErrInvalidState.
type Message struct {
	content    ContentType
	bytes      []byte
	str        string
	system     [sysPropCount]string
	props      map[string]string
	propsOrder []string
	inFlight   bool
}

type sysProp uint8

const (
	sysMessageID sysProp = iota
	sysCorrelationID
	sysContentType
	sysContentEncoding
	sysOutputName
	sysConnectionDeviceID
	sysCreationTimeUTC
	sysUserID
	sysComponentName
	sysPropCount
)

var sysPropNames = [sysPropCount]string{
	sysMessageID:          "message_id",
	sysCorrelationID:      "correlation_id",
	sysContentType:        "content_type",
	sysContentEncoding:    "content_encoding",
	sysOutputName:         "output_name",
	sysConnectionDeviceID: "connection_device_id",
	sysCreationTimeUTC:    "creation_time_utc",
	sysUserID:             "user_id",
	sysComponentName:      "component_name",
}

// NewMessageFromBytes copies b.
func NewMessageFromBytes(b []byte) *Message {
	m := &Message{content: ContentByteArray, bytes: make([]byte, len(b))}
	copy(m.bytes, b)
	return m
}

// NewMessageFromString fails with ErrInvalidArgument unless s is valid UTF-8 without NUL bytes.
func NewMessageFromString(s string) (*Message, error) {
	if err := validText(s); err != nil {
		return nil, errors.Annotate(err, "message content")
	}
	return &Message{content: ContentString, str: s}, nil
}

func validText(s string) error {
	if !utf8.ValidString(s) {
		return errors.Annotate(ErrInvalidArgument, "not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return errors.Annotate(ErrInvalidArgument, "contains NUL")
	}
	return nil
}

// Clone returns deep copy with independent property bag. Clone is never in flight.
func (m *Message) Clone() *Message {
	c := &Message{
		content: m.content,
		str:     m.str,
		system:  m.system,
	}
	if m.bytes != nil {
		c.bytes = make([]byte, len(m.bytes))
		copy(c.bytes, m.bytes)
	}
	if len(m.props) != 0 {
		c.props = make(map[string]string, len(m.props))
		for k, v := range m.props {
			c.props[k] = v
		}
		c.propsOrder = append([]string(nil), m.propsOrder...)
	}
	return c
}

func (m *Message) ContentType() ContentType { return m.content }

// Bytes returns copy of binary content. ErrInvalidType if message was constructed from string.
func (m *Message) Bytes() ([]byte, error) {
	if m.content != ContentByteArray {
		return nil, errors.Annotatef(ErrInvalidType, "message content=%s Bytes()", m.content)
	}
	b := make([]byte, len(m.bytes))
	copy(b, m.bytes)
	return b, nil
}

// Text returns string content. ErrInvalidType if message was constructed from bytes.
func (m *Message) Text() (string, error) {
	if m.content != ContentString {
		return "", errors.Annotatef(ErrInvalidType, "message content=%s Text()", m.content)
	}
	return m.str, nil
}

// Payload returns content bytes regardless of tag, for transport use.
func (m *Message) Payload() []byte {
	if m.content == ContentString {
		return []byte(m.str)
	}
	return m.bytes
}

func (m *Message) InFlight() bool { return m.inFlight }

func (m *Message) String() string {
	return fmt.Sprintf("<Message content=%s len=%d id=%q cid=%q props=%d>",
		m.content, len(m.Payload()), m.system[sysMessageID], m.system[sysCorrelationID], len(m.props))
}

func (m *Message) get(p sysProp) string { return m.system[p] }
func (m *Message) set(p sysProp, v string) error {
	if m.inFlight {
		return errors.Annotatef(ErrInvalidState, "message in flight, set %s", sysPropNames[p])
	}
	if err := validText(v); err != nil {
		return errors.Annotatef(err, "message %s", sysPropNames[p])
	}
	m.system[p] = v
	return nil
}

func (m *Message) MessageID() string                               { return m.get(sysMessageID) }
func (m *Message) SetMessageID(s string) error                     { return m.set(sysMessageID, s) }
func (m *Message) CorrelationID() string                           { return m.get(sysCorrelationID) }
func (m *Message) SetCorrelationID(s string) error                 { return m.set(sysCorrelationID, s) }
func (m *Message) ContentTypeSystemProperty() string               { return m.get(sysContentType) }
func (m *Message) SetContentTypeSystemProperty(s string) error     { return m.set(sysContentType, s) }
func (m *Message) ContentEncodingSystemProperty() string           { return m.get(sysContentEncoding) }
func (m *Message) SetContentEncodingSystemProperty(s string) error { return m.set(sysContentEncoding, s) }
func (m *Message) OutputName() string                              { return m.get(sysOutputName) }
func (m *Message) SetOutputName(s string) error                    { return m.set(sysOutputName, s) }
func (m *Message) ConnectionDeviceID() string                      { return m.get(sysConnectionDeviceID) }
func (m *Message) SetConnectionDeviceID(s string) error            { return m.set(sysConnectionDeviceID, s) }
func (m *Message) CreationTimeUTC() string                         { return m.get(sysCreationTimeUTC) }
func (m *Message) SetCreationTimeUTC(s string) error               { return m.set(sysCreationTimeUTC, s) }
func (m *Message) UserID() string                                  { return m.get(sysUserID) }
func (m *Message) SetUserID(s string) error                        { return m.set(sysUserID, s) }
func (m *Message) ComponentName() string                           { return m.get(sysComponentName) }
func (m *Message) SetComponentName(s string) error                 { return m.set(sysComponentName, s) }

// Property returns application property value.
func (m *Message) Property(key string) (string, bool) {
	v, ok := m.props[key]
	return v, ok
}

// SetProperty adds or replaces application property.
func (m *Message) SetProperty(key, value string) error {
	if m.inFlight {
		return errors.Annotatef(ErrInvalidState, "message in flight, set property=%s", key)
	}
	if key == "" {
		return errors.Annotate(ErrInvalidArgument, "message property key empty")
	}
	if err := validText(key); err != nil {
		return errors.Annotatef(err, "message property key=%q", key)
	}
	if err := validText(value); err != nil {
		return errors.Annotatef(err, "message property=%s value", key)
	}
	if m.props == nil {
		m.props = make(map[string]string)
	}
	if _, ok := m.props[key]; !ok {
		m.propsOrder = append(m.propsOrder, key)
	}
	m.props[key] = value
	return nil
}

func (m *Message) DeleteProperty(key string) error {
	if m.inFlight {
		return errors.Annotatef(ErrInvalidState, "message in flight, delete property=%s", key)
	}
	if _, ok := m.props[key]; !ok {
		return nil
	}
	delete(m.props, key)
	for i, k := range m.propsOrder {
		if k == key {
			m.propsOrder = append(m.propsOrder[:i], m.propsOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Properties returns copy of application properties.
func (m *Message) Properties() map[string]string {
	result := make(map[string]string, len(m.props))
	for k, v := range m.props {
		result[k] = v
	}
	return result
}

// PropertyKeys returns application property keys in insertion order.
func (m *Message) PropertyKeys() []string {
	return append([]string(nil), m.propsOrder...)
}
