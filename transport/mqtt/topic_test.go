package mqtt

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/devhub/hub"
)

func TestTelemetryTopic(t *testing.T) {
	t.Parallel()

	m := hub.NewMessageFromBytes([]byte("x"))
	assert.Equal(t, "devices/d/messages/events/", TelemetryTopic("d", m))

	require.NoError(t, m.SetMessageID("id 1"))
	require.NoError(t, m.SetCorrelationID("c"))
	require.NoError(t, m.SetContentEncodingSystemProperty("utf-8"))
	require.NoError(t, m.SetCreationTimeUTC("2026-03-04T05:06:07Z"))
	require.NoError(t, m.SetProperty("z", "a&b"))
	require.NoError(t, m.SetProperty("iothub-creation-time-utc", "2026-03-04T05:06:07Z"))
	assert.Equal(t,
		"devices/d/messages/events/$.mid=id+1&$.cid=c&$.ce=utf-8&$.ctime=2026-03-04T05%3A06%3A07Z&iothub-creation-time-utc=2026-03-04T05%3A06%3A07Z&z=a%26b",
		TelemetryTopic("d", m))
}

func TestParseDeviceBound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		topic string
		mid   string
		props map[string]string
		err   bool
	}{
		{"empty", "devices/d/messages/devicebound/", "", map[string]string{}, false},
		{"props", "devices/d/messages/devicebound/%24.mid=m1&%24.to=%2Fdevices%2Fd&a=1&b=x%20y", "m1", map[string]string{"a": "1", "b": "x y"}, false},
		{"literal-dollar", "devices/d/messages/devicebound/$.mid=m2&iothub-ack=full", "m2", map[string]string{"iothub-ack": "full"}, false},
		{"other-device", "devices/e/messages/devicebound/", "", nil, true},
		{"bad-property", "devices/d/messages/devicebound/k=%00", "", nil, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m, err := ParseDeviceBound("d", c.topic, []byte("p"))
			if c.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.mid, m.MessageID())
			assert.Equal(t, c.props, m.Properties())
			b, _ := m.Bytes()
			assert.Equal(t, []byte("p"), b)
		})
	}
}

func TestParseTwinResponse(t *testing.T) {
	t.Parallel()

	status, rid, err := parseTwinResponse("$iothub/twin/res/204/?$rid=abc&$version=5")
	require.NoError(t, err)
	assert.Equal(t, 204, status)
	assert.Equal(t, "abc", rid)

	_, _, err = parseTwinResponse("$iothub/twin/res/x/?$rid=abc")
	assert.True(t, errors.IsNotValid(err))
	_, _, err = parseTwinResponse("$iothub/methods/POST/m/?$rid=1")
	assert.True(t, errors.IsNotValid(err))
}

func TestParseMethodRequest(t *testing.T) {
	t.Parallel()

	name, rid, err := parseMethodRequest("$iothub/methods/POST/displayAlert/?$rid=7")
	require.NoError(t, err)
	assert.Equal(t, "displayAlert", name)
	assert.Equal(t, "7", rid)
	assert.Equal(t, "$iothub/methods/res/404/?$rid=7", methodResponseTopic(404, rid))

	for _, topic := range []string{
		"$iothub/methods/POST//?$rid=7",
		"$iothub/methods/POST/m/",
		"$iothub/twin/res/200/?$rid=1",
	} {
		_, _, err = parseMethodRequest(topic)
		assert.True(t, errors.IsNotValid(err), "topic=%s", topic)
	}
}
