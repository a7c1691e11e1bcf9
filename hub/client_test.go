package hub

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/devhub/log2"
)

func newTestClient(t testing.TB, opts ...ClientOption) (*DeviceClient, *MockNative, *MockHandle) {
	ll, n, mh := newTestLowLevel(t)
	c, err := NewDeviceClient(log2.NewTest(t, log2.LDebug), ll, opts...)
	require.NoError(t, err)
	return c, n, mh
}

func TestDeviceClientRegistersFourSlots(t *testing.T) {
	t.Parallel()

	c, _, mh := newTestClient(t)
	assert.Equal(t, map[string]int{"message": 1, "connection-status": 1, "device-twin": 1, "device-method": 1}, mh.Registrations)
	assert.Equal(t, 4, c.LowLevel().Pending())
	c.Close()
	assert.Equal(t, 0, c.LowLevel().Pending())
}

// Every injected event comes out in exactly one drained batch, in callback order.
func TestDeviceClientQueueIntegrity(t *testing.T) {
	t.Parallel()

	rnd := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		c, _, mh := newTestClient(t)
		const N = 50
		var drained []string
		injected := 0
		for injected < N {
			burst := rnd.Intn(5)
			for i := 0; i < burst && injected < N; i++ {
				m := NewMessageFromBytes(nil)
				require.NoError(t, m.SetMessageID(fmt.Sprintf("m%02d", injected)))
				mh.InjectMessage(m)
				injected++
			}
			if rnd.Intn(3) == 0 {
				// drain without pumping sees nothing new
				assert.Empty(t, c.Drain())
			}
			for _, e := range c.DoWork() {
				drained = append(drained, e.(InboundMessage).Message.MessageID())
			}
		}
		require.Len(t, drained, N)
		for i, id := range drained {
			assert.Equal(t, fmt.Sprintf("m%02d", i), id)
		}
		assert.Empty(t, c.Drain())
		c.Close()
	}
}

func TestDeviceClientEventOrder(t *testing.T) {
	t.Parallel()

	c, _, mh := newTestClient(t)
	msg := NewMessageFromBytes([]byte(`{"temperature":28.3}`))
	require.NoError(t, c.Send(msg))
	require.NoError(t, c.SendReportedState([]byte(`{"a":1}`)))

	mh.InjectStatus(ConnectionAuthenticated, ReasonOk)
	mh.Confirm(ConfirmationOk)
	mh.InjectTwin(TwinComplete, []byte(`{"desired":{}}`))
	mh.AckReported(204)
	mh.InjectMessage(NewMessageFromBytes([]byte("c2d")))
	mh.InjectMethod([]byte("displayAlert"), []byte(`"hi"`))
	events := c.DoWork()
	require.Len(t, events, 6)
	assert.Equal(t, ConnectionStatusChanged{Status: ConnectionAuthenticated, Reason: ReasonOk}, events[0])
	assert.IsType(t, MessageConfirmation{}, events[1])
	assert.Equal(t, DeviceTwinUpdated{State: TwinComplete, Payload: []byte(`{"desired":{}}`)}, events[2])
	assert.Equal(t, ReportedStateAck{StatusCode: 204}, events[3])
	assert.IsType(t, InboundMessage{}, events[4])
	assert.Equal(t, DeviceMethodInvoked{Name: "displayAlert", Payload: []byte(`"hi"`)}, events[5])
	assert.Empty(t, c.Drain())

	stat := *c.stat
	assert.Equal(t, uint64(1), stat.Sent)
	assert.Equal(t, uint64(1), stat.Confirmed)
	assert.Equal(t, uint64(1), stat.Inbound)
	assert.Equal(t, uint64(1), stat.TwinUpdates)
	assert.Equal(t, uint64(1), stat.MethodCalls)
	c.Close()
}

func TestDeviceClientSendRoundTrip(t *testing.T) {
	t.Parallel()

	c, _, mh := newTestClient(t)
	msg, err := NewMessageFromString(`{"temperature":21.5}`)
	require.NoError(t, err)
	require.NoError(t, msg.SetProperty("alert", "false"))
	require.NoError(t, c.Send(msg))
	assert.Len(t, mh.Pending(), 1)

	mh.Confirm(ConfirmationOk)
	events := c.DoWork()
	require.Len(t, events, 1)
	conf := events[0].(MessageConfirmation)
	assert.Equal(t, ConfirmationOk, conf.Result)
	s, err := conf.Message.Text()
	require.NoError(t, err)
	assert.Equal(t, `{"temperature":21.5}`, s)
	v, _ := conf.Message.Property("alert")
	assert.Equal(t, "false", v)
	assert.False(t, conf.Message.InFlight())
	c.Close()
}

func TestDeviceClientCloseConfirms(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestClient(t)
	require.NoError(t, c.Send(NewMessageFromBytes([]byte("1"))))
	require.NoError(t, c.SendReportedState([]byte(`{"serialNumber":"TH-1"}`)))
	c.Close()
	events := c.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, ConfirmationBecauseDestroy, events[0].(MessageConfirmation).Result)
	assert.Equal(t, ReportedStateAck{StatusCode: 0}, events[1])
	assert.Equal(t, uint64(1), c.stat.ConfirmFailed)
}

func TestDeviceClientDispositionAndResponder(t *testing.T) {
	t.Parallel()

	type Case struct {
		name         string
		opts         []ClientOption
		method       []byte
		expectDisp   Disposition
		expectStatus int
		expectResp   string
	}
	cases := []Case{
		{"default", nil, []byte("any"), DispositionAccepted, 200, "{}"},
		{"reject-and-404",
			[]ClientOption{
				WithDisposition(func(*Message) Disposition { return DispositionRejected }),
				WithMethodResponder(func(call DeviceMethodInvoked) (int, []byte) { return MethodStatusNotFound, []byte(`{}`) }),
			},
			[]byte("unknown"), DispositionRejected, 404, "{}"},
		{"bad-method-name", nil, []byte("\xff\xfe"), DispositionAccepted, 400, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			client, _, mh := newTestClient(t, c.opts...)
			mh.InjectMessage(NewMessageFromBytes([]byte("c2d")))
			mh.InjectMethod(c.method, nil)
			events := client.DoWork()
			require.Len(t, events, 2)
			assert.Equal(t, []Disposition{c.expectDisp}, mh.Dispositions)
			require.Len(t, mh.Methods, 1)
			assert.Equal(t, c.expectStatus, mh.Methods[0].Status)
			assert.Equal(t, c.expectResp, string(mh.Methods[0].Response))
			client.Close()
		})
	}
}

func TestDeviceClientInboundIsOwnedCopy(t *testing.T) {
	t.Parallel()

	var seen *Message
	c, _, mh := newTestClient(t, WithDisposition(func(m *Message) Disposition {
		seen = m
		return DispositionAccepted
	}))
	orig := NewMessageFromBytes([]byte("c2d"))
	mh.InjectMessage(orig)
	events := c.DoWork()
	require.Len(t, events, 1)
	got := events[0].(InboundMessage).Message
	assert.Same(t, orig, seen)
	assert.NotSame(t, orig, got)
	b, err := got.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("c2d"), b)
	c.Close()
}
