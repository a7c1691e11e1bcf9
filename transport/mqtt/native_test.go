package mqtt

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/log2"
)

var testConnectionString = "HostName=test.azure-devices.net;DeviceId=dev1;SharedAccessKey=" + base64.StdEncoding.EncodeToString([]byte("secret"))

type nativeEnv struct {
	t      testing.TB
	b      *fakeBroker
	n      *Native
	h      hub.Handle
	events []string
}

func newNativeEnv(t testing.TB) *nativeEnv {
	b := newFakeBroker(t)
	n := NewNative(NativeOptions{
		Log:            log2.NewTest(t, log2.LDebug),
		BrokerURL:      func(string, hub.TransportProvider) string { return b.URL() },
		NetworkTimeout: testTimeout,
	})
	h := n.CreateFromConnectionString(testConnectionString, hub.TransportMQTT)
	require.NotEqual(t, hub.Handle(0), h)
	require.Equal(t, hub.ClientOk, n.SetOption(h, hub.OptionKeepAlive, 0))
	require.Equal(t, hub.ClientOk, n.SetRetryPolicy(h, hub.RetryInterval, 0))
	return &nativeEnv{t: t, b: b, n: n, h: h}
}

func (env *nativeEnv) record(s string) { env.events = append(env.events, s) }

// pump calls DoWork until f is true.
func (env *nativeEnv) pump(f func() bool) {
	deadline := time.Now().Add(testTimeout)
	for !f() {
		require.True(env.t, time.Now().Before(deadline), "pump timeout events=%v", env.events)
		env.n.DoWork(env.h)
		time.Sleep(2 * time.Millisecond)
	}
}

func (env *nativeEnv) has(s string) func() bool {
	return func() bool {
		for _, e := range env.events {
			if e == s {
				return true
			}
		}
		return false
	}
}

func TestNativeRoundTrip(t *testing.T) {
	t.Parallel()

	env := newNativeEnv(t)
	n, h := env.n, env.h
	require.Equal(t, hub.ClientOk, n.SetOption(h, hub.OptionModelID, "dtmi:com:example:thermostat;1"))
	require.Equal(t, hub.ClientOk, n.SetConnectionStatusCallback(h, func(s hub.ConnectionStatus, r hub.ConnectionStatusReason, ctx hub.Context) {
		assert.Equal(t, hub.Context(2), ctx)
		env.record("status:" + s.String() + ":" + r.String())
	}, 2))
	require.Equal(t, hub.ClientOk, n.SetDeviceTwinCallback(h, func(s hub.TwinUpdateState, payload []byte, ctx hub.Context) {
		env.record("twin:" + s.String() + ":" + string(payload))
	}, 3))
	require.Equal(t, hub.ClientOk, n.SetMessageCallback(h, func(m *hub.Message, ctx hub.Context) hub.Disposition {
		b, err := m.Bytes()
		require.NoError(t, err)
		v, _ := m.Property("k")
		env.record("message:" + m.MessageID() + ":" + v + ":" + string(b))
		return hub.DispositionAccepted
	}, 1))
	require.Equal(t, hub.ClientOk, n.SetDeviceMethodCallback(h, func(name, payload []byte, ctx hub.Context) (int, []byte) {
		env.record("method:" + string(name) + ":" + string(payload))
		return 200, []byte(`{"status":"ok"}`)
	}, 4))

	n.DoWork(h)
	conn := env.b.accept()
	connect := handshake(t, conn)
	assert.Equal(t, "dev1", connect.ClientID)
	assert.Equal(t, "test.azure-devices.net/dev1/?api-version="+APIVersion+"&model-id=dtmi%3Acom%3Aexample%3Athermostat%3B1", connect.Username)
	assert.True(t, strings.HasPrefix(connect.Password, "SharedAccessSignature sr=test.azure-devices.net%2Fdevices%2Fdev1&sig="), connect.Password)
	env.pump(env.has("status:Authenticated:Ok"))

	// full twin requested on connect
	get := expectPublish(t, conn)
	path, q := parseTopicQuery(get.Message.Topic)
	assert.Equal(t, topicTwinGet, path)
	sendPublish(t, conn, 0, packet.QOSAtMostOnce, "$iothub/twin/res/200/?$rid="+q["$rid"], []byte(`{"desired":{"$version":1}}`))
	env.pump(env.has(`twin:Complete:{"desired":{"$version":1}}`))

	sendPublish(t, conn, 0, packet.QOSAtMostOnce, "$iothub/twin/PATCH/properties/desired/?$version=2", []byte(`{"$version":2}`))
	env.pump(env.has(`twin:Partial:{"$version":2}`))

	// telemetry
	msg, err := hub.NewMessageFromString(`{"temperature":28.3}`)
	require.NoError(t, err)
	require.NoError(t, msg.SetMessageID("m1"))
	require.NoError(t, msg.SetContentTypeSystemProperty("application/json"))
	require.NoError(t, msg.SetProperty("alert", "true"))
	confirm := func(r hub.ConfirmationResult, ctx hub.Context) {
		env.record("confirm:" + r.String())
	}
	require.Equal(t, hub.ClientOk, n.SendEventAsync(h, msg, confirm, 10))
	pub := expectPublish(t, conn)
	assert.Equal(t, "devices/dev1/messages/events/$.mid=m1&$.ct=application%2Fjson&alert=true", pub.Message.Topic)
	assert.Equal(t, packet.QOSAtLeastOnce, pub.Message.QOS)
	assert.Equal(t, `{"temperature":28.3}`, string(pub.Message.Payload))
	puback := packet.NewPuback()
	puback.ID = pub.ID
	require.NoError(t, conn.Send(puback, false))
	env.pump(env.has("confirm:Ok"))

	// cloud to device
	sendPublish(t, conn, 7, packet.QOSAtLeastOnce, "devices/dev1/messages/devicebound/%24.mid=c1&k=v", []byte("hello"))
	env.pump(env.has("message:c1:v:hello"))
	pkt := expect(t, conn)
	require.IsType(t, &packet.Puback{}, pkt)
	assert.Equal(t, packet.ID(7), pkt.(*packet.Puback).ID)

	// direct method
	sendPublish(t, conn, 0, packet.QOSAtMostOnce, "$iothub/methods/POST/displayAlert/?$rid=5", []byte(`"hi"`))
	env.pump(env.has(`method:displayAlert:"hi"`))
	pub = expectPublish(t, conn)
	assert.Equal(t, "$iothub/methods/res/200/?$rid=5", pub.Message.Topic)
	assert.Equal(t, `{"status":"ok"}`, string(pub.Message.Payload))

	// reported state
	require.Equal(t, hub.ClientOk, n.SendReportedState(h, []byte(`{"serialNumber":"1"}`), func(status int, ctx hub.Context) {
		assert.Equal(t, hub.Context(11), ctx)
		env.record("reported:" + string(rune('0'+status/100)))
	}, 11))
	pub = expectPublish(t, conn)
	path, q = parseTopicQuery(pub.Message.Topic)
	assert.Equal(t, topicTwinReported, path)
	assert.Equal(t, `{"serialNumber":"1"}`, string(pub.Message.Payload))
	sendPublish(t, conn, 0, packet.QOSAtMostOnce, "$iothub/twin/res/204/?$rid="+q["$rid"], nil)
	env.pump(env.has("reported:2"))

	// unacknowledged send and reported state are completed by Destroy
	require.Equal(t, hub.ClientOk, n.SendEventAsync(h, hub.NewMessageFromBytes([]byte("x")), confirm, 12))
	_ = expectPublish(t, conn)
	require.Equal(t, hub.ClientOk, n.SendReportedState(h, []byte(`{"serialNumber":"2"}`), func(status int, ctx hub.Context) {
		env.record("reported:" + string(rune('0'+status/100)))
	}, 14))
	_ = expectPublish(t, conn)
	before := len(env.events)
	n.Destroy(h)
	assert.Equal(t, []string{"confirm:BecauseDestroy", "reported:0"}, env.events[before:])
	assert.Equal(t, hub.ClientInvalidArg, n.SendEventAsync(h, msg, confirm, 13))
}

func TestNativeDisconnect(t *testing.T) {
	t.Parallel()

	env := newNativeEnv(t)
	n, h := env.n, env.h
	require.Equal(t, hub.ClientOk, n.SetConnectionStatusCallback(h, func(s hub.ConnectionStatus, r hub.ConnectionStatusReason, ctx hub.Context) {
		env.record("status:" + s.String() + ":" + r.String())
	}, 1))
	n.DoWork(h)
	conn := env.b.accept()
	handshake(t, conn)
	env.pump(env.has("status:Authenticated:Ok"))
	require.NoError(t, conn.Close())
	env.pump(env.has("status:Unauthenticated:CommunicationError"))
	n.Destroy(h)
}

func TestNativeStartFailure(t *testing.T) {
	t.Parallel()

	n := NewNative(NativeOptions{Log: log2.NewTest(t, log2.LDebug)})
	h := n.CreateFromDeviceAuth("hub.example.net", "", hub.TransportMQTT)
	require.NotEqual(t, hub.Handle(0), h)
	var reasons []hub.ConnectionStatusReason
	n.SetConnectionStatusCallback(h, func(s hub.ConnectionStatus, r hub.ConnectionStatusReason, ctx hub.Context) {
		reasons = append(reasons, r)
	}, 1)
	// no device id and no certificate
	n.DoWork(h)
	n.DoWork(h)
	assert.Equal(t, []hub.ConnectionStatusReason{hub.ReasonBadCredential}, reasons)
	n.Destroy(h)
}

func TestNativeCreate(t *testing.T) {
	t.Parallel()

	n := NewNative(NativeOptions{Log: log2.NewTest(t, log2.LDebug)})
	assert.Equal(t, hub.Handle(0), n.CreateFromConnectionString("HostName=x", hub.TransportMQTT))
	assert.Equal(t, hub.Handle(0), n.CreateFromDeviceAuth("", "dev", hub.TransportMQTT))
	h1 := n.CreateFromDeviceAuth("https://hub.example.net/", "dev", hub.TransportMQTTWebSocket)
	h2 := n.CreateFromConnectionString(testConnectionString, hub.TransportMQTT)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, "hub.example.net", n.get(h1).host)
	assert.Equal(t, "wss://hub.example.net:443/$iothub/websocket", DefaultBrokerURL("hub.example.net", hub.TransportMQTTWebSocket))

	_, r := n.CreateWithProvisioning("scope", time.Second)
	assert.Equal(t, hub.ProvInvalidParam, r.Code)

	assert.Equal(t, hub.ClientInvalidArg, n.SetOption(h1, hub.OptionKeepAlive, "60"))
	assert.Equal(t, hub.ClientInvalidArg, n.SetOption(h1, "no-such-option", true))
	assert.Equal(t, hub.ClientError, n.SetOption(h1, hub.OptionHTTPProxy, hub.HTTPProxyOptions{}))
	assert.Equal(t, hub.ClientOk, n.SetRetryPolicy(h1, hub.RetryLinearBackoff, 30))
	p, sec, res := n.GetRetryPolicy(h1)
	assert.Equal(t, hub.ClientOk, res)
	assert.Equal(t, hub.RetryLinearBackoff, p)
	assert.Equal(t, 30, sec)
	assert.Equal(t, hub.ClientInvalidArg, n.SendReportedState(h1, nil, nil, 0))

	n.Destroy(h1)
	n.Destroy(h2)
	_, _, res = n.GetRetryPolicy(h1)
	assert.Equal(t, hub.ClientInvalidArg, res)
}

type fakeProvisioner struct {
	host, device string
	err          error
}

func (p fakeProvisioner) Register(ctx context.Context, idScope string) (string, string, error) {
	return p.host, p.device, p.err
}

func TestNativeProvisioning(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		prov   fakeProvisioner
		expect hub.ProvisioningCode
		err    error
	}{
		{"ok", fakeProvisioner{host: "assigned.azure-devices.net", device: "dev9"}, hub.ProvOk, nil},
		{"network", fakeProvisioner{err: errors.Annotate(hub.ErrNetworkUnavailable, "dial")}, hub.ProvNetworkNotReady, hub.ErrNetworkUnavailable},
		{"timeout", fakeProvisioner{err: context.DeadlineExceeded}, hub.ProvGenericError, hub.ErrTimeout},
		{"auth", fakeProvisioner{err: hub.ErrInvalidState}, hub.ProvDeviceAuthNotReady, hub.ErrInvalidState},
		{"device", fakeProvisioner{err: errors.New("status=401")}, hub.ProvDeviceError, hub.ErrTransport},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			n := NewNative(NativeOptions{Log: log2.NewTest(t, log2.LDebug), Provisioner: c.prov})
			h, r := n.CreateWithProvisioning("0ne000", time.Second)
			assert.Equal(t, c.expect, r.Code)
			if c.err == nil {
				require.NotEqual(t, hub.Handle(0), h)
				assert.Equal(t, "dev9", n.get(h).deviceID)
				assert.Equal(t, "assigned.azure-devices.net", n.get(h).host)
				n.Destroy(h)
				return
			}
			assert.Equal(t, hub.Handle(0), h)
			assert.Equal(t, c.err, errors.Cause(r.Err()))
		})
	}
}

func TestRetryPolicyFunc(t *testing.T) {
	t.Parallel()

	type step struct {
		n       int
		elapsed time.Duration
		delay   time.Duration
		ok      bool
	}
	cases := []struct {
		policy hub.RetryPolicy
		limit  time.Duration
		steps  []step
	}{
		{hub.RetryNone, 0, []step{{1, 0, 0, false}}},
		{hub.RetryImmediate, 0, []step{{1, 0, 0, true}, {9, time.Hour, 0, true}}},
		{hub.RetryInterval, time.Minute, []step{{1, 0, 5 * time.Second, true}, {2, time.Minute, 0, false}}},
		{hub.RetryLinearBackoff, 0, []step{{1, 0, 5 * time.Second, true}, {3, 0, 15 * time.Second, true}, {1000, 0, RetryMaxDelay, true}}},
		{hub.RetryExponentialBackoff, 0, []step{{1, 0, time.Second, true}, {2, 0, 2 * time.Second, true}, {3, 0, 4 * time.Second, true}, {1, 0, time.Second, true}}},
	}
	for _, c := range cases {
		f := RetryPolicyFunc(c.policy, c.limit)
		for _, s := range c.steps {
			delay, ok := f(s.n, s.elapsed)
			assert.Equal(t, s.ok, ok, "policy=%s n=%d", c.policy, s.n)
			assert.Equal(t, s.delay, delay, "policy=%s n=%d", c.policy, s.n)
		}
	}

	jitter := RetryPolicyFunc(hub.RetryExponentialBackoffWithJitter, 0)
	for i := 1; i <= 10; i++ {
		d, ok := jitter(i, 0)
		assert.True(t, ok)
		assert.True(t, d >= 0 && d <= RetryMaxDelay*3/2, "d=%v", d)
	}
	random := RetryPolicyFunc(hub.RetryRandom, 0)
	d, ok := random(1, 0)
	assert.True(t, ok)
	assert.True(t, d >= 0 && d < retryRandomMax)
}
