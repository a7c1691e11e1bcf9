package mqtt

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// fakeBroker accepts connections, test goroutine drives each one step by step.
type fakeBroker struct {
	t     testing.TB
	ln    net.Listener
	conns chan *transport.NetConn
}

func newFakeBroker(t testing.TB) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	b := &fakeBroker{t: t, ln: ln, conns: make(chan *transport.NetConn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(b.conns)
				return
			}
			nc := transport.NewNetConn(conn)
			nc.SetReadTimeout(testTimeout)
			b.conns <- nc
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return b
}

func (b *fakeBroker) URL() string { return fmt.Sprintf("tcp://%s", b.ln.Addr().String()) }

func (b *fakeBroker) accept() *transport.NetConn {
	select {
	case conn, ok := <-b.conns:
		require.True(b.t, ok, "listener closed")
		b.t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(testTimeout):
		b.t.Fatal("fakeBroker accept timeout")
		return nil
	}
}

// expect returns next packet except pings, which are answered.
func expect(t testing.TB, conn *transport.NetConn) packet.Generic {
	for {
		pkt, err := conn.Receive()
		require.NoError(t, err)
		if _, ok := pkt.(*packet.Pingreq); ok {
			require.NoError(t, conn.Send(packet.NewPingresp(), false))
			continue
		}
		return pkt
	}
}

func expectPublish(t testing.TB, conn *transport.NetConn) *packet.Publish {
	pkt := expect(t, conn)
	pub, ok := pkt.(*packet.Publish)
	require.True(t, ok, "expected PUBLISH got=%s", PacketString(pkt))
	return pub
}

// handshake answers CONNECT and SUBSCRIBE, returns CONNECT.
func handshake(t testing.TB, conn *transport.NetConn) *packet.Connect {
	pkt := expect(t, conn)
	connect, ok := pkt.(*packet.Connect)
	require.True(t, ok, "expected CONNECT got=%s", PacketString(pkt))
	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	require.NoError(t, conn.Send(connack, false))

	pkt = expect(t, conn)
	sub, ok := pkt.(*packet.Subscribe)
	require.True(t, ok, "expected SUBSCRIBE got=%s", PacketString(pkt))
	suback := packet.NewSuback()
	suback.ID = sub.ID
	for _, s := range sub.Subscriptions {
		suback.ReturnCodes = append(suback.ReturnCodes, s.QOS)
	}
	require.NoError(t, conn.Send(suback, false))
	return connect
}

func sendPublish(t testing.TB, conn *transport.NetConn, id packet.ID, qos packet.QOS, topic string, payload []byte) {
	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = packet.Message{Topic: topic, Payload: payload, QOS: qos}
	require.NoError(t, conn.Send(pub, false))
}
