package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")
var ErrServerClosed = fmt.Errorf("MQTT server closed connection")
var ErrRetryExpired = fmt.Errorf("MQTT reconnect retry expired")

// RetryFunc returns delay before reconnect attempt number n (1-based) after disconnect at elapsed since first failure.
// ok=false stops reconnecting.
type RetryFunc func(n int, elapsed time.Duration) (delay time.Duration, ok bool)

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	Retry          RetryFunc
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	// PasswordFunc, if set, is called on each connect, e.g. to renew SAS token.
	PasswordFunc  func() string
	Subscriptions []packet.Subscription
	// OnMessage runs on reader goroutine. QOS 1 messages are acknowledged with Ack(), not automatically.
	OnMessage func(id packet.ID, msg *packet.Message) error
	// OnStatus runs when connection becomes ready (CONNACK and SUBACK received) or is lost.
	OnStatus func(ready bool, err error)
	Will     *packet.Message
	Log      *log2.Log

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*clientConn, packet.Generic)
	ondie    func(error)
}

// Hub device MQTT client.
// - NewClient() returns only configuration errors, network IO is done in background
// - Connect with clean session only
// - Subscribe for configured list, no unsubscribe
// - Reconnect attempts as allowed by Retry until Close()
// - QOS 0,1
// - No in-flight storage (except Publish call stack)
// - Serialized Publish
// - Inbound QOS 1 acknowledged explicitly with Ack
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	lastErr helpers.AtomicError
	opt     ClientOptions

	flowPublish struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.Retry == nil {
		delay := opt.ReconnectDelay
		opt.Retry = func(int, time.Duration) (time.Duration, bool) { return delay, true }
	}
	if opt.OnStatus == nil {
		opt.OnStatus = func(bool, error) {}
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.conpkt.Will = opt.Will
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	c.opt.onpacket = c.onPacket
	c.opt.ondie = c.onDie
	_ = c.clientConn(true)

	c.alive.Add(1)
	go c.worker()
	return c, nil
}

// Close blocks until all network goroutines are finished.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.alive.Stop()
	c.alive.Wait()
	c.Lock()
	cc := c.current
	c.Unlock()
	if cc != nil {
		_ = cc.die(ErrClientClosing)
		cc.alive.Wait()
	}
	return err
}

func (c *Client) Disconnect() error {
	err := client.ErrClientNotConnected
	if cc := c.clientConn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		err = cc.die(err)
	}
	return err
}

// LastError returns first error that stopped reconnecting, if any.
func (c *Client) LastError() error {
	err, _ := c.lastErr.Load()
	return err
}

func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}

	f, err := c.publishBegin(ctx, msg)
	if err != nil {
		return err
	}

	switch err = f.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if err, ok := f.Result().(error); ok {
			return err
		}
		return ErrClientClosing

	case future.ErrTimeout:
		err = errors.Timeoutf("Publish ack")
		f.Cancel(err)
		return c.disconnect(err)

	default:
		return fmt.Errorf("code error future.Wait()=%v", err)
	}
}

// Ack sends PUBACK for inbound QOS 1 message.
func (c *Client) Ack(id packet.ID) error {
	puback := packet.NewPuback()
	puback.ID = id
	if cc := c.clientConn(false); cc != nil {
		return cc.send(puback)
	}
	return client.ErrClientNotConnected
}

// Returns, in this order:
// - ErrClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil: // success path
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClientClosing: // current connection is lost, just try again
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			subpkt = &packet.Subscribe{
				ID:            c.nextID(),
				Subscriptions: c.opt.Subscriptions,
			}
		}
		c.current = newClientConn(c.opt, subpkt)
	}
	return c.current
}

func (c *Client) disconnect(err error) error {
	if cc := c.clientConn(false); cc != nil {
		_ = cc.die(err)
		cc.alive.Wait()
	}
	return err
}

func (c *Client) publishBegin(ctx context.Context, msg *packet.Message) (*future.Future, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.flowPublish.Lock()
	if fprev := c.flowPublish.fu; fprev != nil {
		if err := fprev.Wait(1); err == future.ErrTimeout {
			c.flowPublish.Unlock()
			return nil, err
		}
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}
	fu := future.New()
	c.flowPublish.fu = fu
	c.flowPublish.id = publish.ID
	c.flowPublish.Unlock()

	if err := c.send(publish); err != nil {
		fu.Cancel(err)
		return nil, errors.Annotate(err, "send PUBLISH")
	}
	if msg.QOS == packet.QOSAtMostOnce {
		fu.Complete(nil)
	}
	return fu, nil
}

func (c *Client) nextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&c.lastID, 1)
		// zero packet id is invalid for QOS>0
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (c *Client) onPacket(conn *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(conn, pt)
	case *packet.Puback:
		c.onPuback(conn, pt.ID)
	default:
		c.opt.Log.Debugf("mqtt: unknown packet %s", PacketString(p))
	}
}

// in-flight publish fails with connection
func (c *Client) onDie(err error) {
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu != nil {
		c.flowPublish.fu.Cancel(err)
	}
}

func (c *Client) onPublish(conn *clientConn, publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = conn.die(errors.NotSupportedf("inbound qos=2 topic=%s", publish.Message.Topic))
		return
	}
	err := c.opt.OnMessage(publish.ID, &publish.Message)
	if err != nil {
		c.opt.Log.Errorf("mqtt: onMessage %s err=%v", MessageString(&publish.Message), err)
		_ = conn.die(err)
	}
}

func (c *Client) onPuback(conn *clientConn, id packet.ID) {
	c.flowPublish.Lock()
	fu, expect := c.flowPublish.fu, c.flowPublish.id
	c.flowPublish.Unlock()
	if fu == nil {
		c.opt.Log.Errorf("mqtt: unexpected PUBACK id=%d", id)
		return
	}
	if expect != id {
		// given no concurrent publish flow of this code, PUBACK for unexpected id is severe error
		_ = conn.die(errors.Errorf("PUBACK id=%d expected=%d", id, expect))
		return
	}
	fu.Complete(id)
}

func (c *Client) send(pkt packet.Generic) error {
	if cc := c.clientConn(true); cc != nil {
		return cc.send(pkt)
	}
	return ErrClientClosing
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	var firstFailure time.Time
	attempt := 0
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}

		if ok, _ := cc.confu.Result().(bool); ok {
			attempt, firstFailure = 0, time.Time{}
		}
		if firstFailure.IsZero() {
			firstFailure = time.Now()
		}
		attempt++
		delay, ok := c.opt.Retry(attempt, time.Since(firstFailure))
		if !ok {
			err := errors.Annotatef(ErrRetryExpired, "attempts=%d", attempt)
			c.lastErr.StoreOnce(err)
			c.opt.Log.Errorf("mqtt: %v", err)
			c.opt.OnStatus(false, err)
			c.alive.Stop()
			return
		}
		c.opt.Log.Debugf("mqtt: reconnect attempt=%d delay=%v", attempt, delay)
		select {
		case <-time.After(delay):

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// Differences from upstream 256dpi/gomqtt/client.Client:
// - observe connected and subscribed events via futures
// - no mutex, state is set once at creation, except transport.Conn which requires blocking Dial
// - subscribe once right after connect
type clientConn struct {
	alive  *alive.Alive
	closed uint32
	ready  uint32
	confu  *future.Future
	conn   atomic.Value // transport.Conn
	opt    ClientOptions
	pingat helpers.Stamp // last outgoing control packet
	pongat helpers.Stamp // last incoming control packet
	subfu  *future.Future
	subpkt *packet.Subscribe
}

func newClientConn(opt ClientOptions, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		confu:  future.New(),
		opt:    opt,
		subfu:  future.New(),
		subpkt: subpkt,
	}
	cc.pingat.Touch()
	cc.pongat.Touch()
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	cc.opt.ondie(e)
	cc.opt.OnStatus(false, e)
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(&DialError{URL: cc.opt.BrokerURL, Err: err})
		return
	}
	if !cc.alive.IsRunning() {
		_ = conn.Close()
		return
	}
	cc.conn.Store(conn)
	conpkt := *cc.opt.conpkt
	if cc.opt.PasswordFunc != nil {
		conpkt.Password = cc.opt.PasswordFunc()
	}
	if err = cc.send(&conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			err = errors.Annotate(err, "connect: expect CONNACK")
			_ = cc.die(err)
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("mqtt: CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			err = &ConnectionDeniedError{Code: connack.ReturnCode}
			_ = cc.die(err)
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.Touch()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

type DialError struct {
	URL string
	Err error
}

func (e *DialError) Error() string { return fmt.Sprintf("connect: dial broker=%s err=%v", e.URL, e.Err) }

// ConnectionDeniedError carries CONNACK return code.
type ConnectionDeniedError struct {
	Code packet.ConnackCode
}

func (e *ConnectionDeniedError) Error() string {
	return client.ErrClientConnectionDenied.Error() + ": " + e.Code.String()
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if suback.ID != cc.subpkt.ID {
		err := errors.Annotatef(client.ErrFailedSubscription, "SUBACK.id=%d != SUBSCRIBE.id=%d", suback.ID, cc.subpkt.ID)
		_ = cc.die(err)
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
	cc.setReady()
}

func (cc *clientConn) setReady() {
	if atomic.CompareAndSwapUint32(&cc.ready, 0, 1) && cc.alive.IsRunning() {
		cc.opt.OnStatus(true, nil)
	}
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] basically says control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	// Try to send PINGREQ as late as possible to keep network traffic to minimum while respecting possible network issues.
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := time.Now()
		window := cc.pingat.Age(now)
		sincePong := cc.pongat.Age(now)

		if window > 0 && window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		} else if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			_ = cc.die(ErrServerClosed)
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("mqtt: received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.Touch()

		case *packet.Suback:
			cc.onSuback(pt)

		default:
			cc.pongat.Touch()
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.Touch()
	cc.opt.Log.Debugf("mqtt: sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt == nil {
		cc.subfu.Complete(true)
		cc.setReady()
		return
	}

	if err := cc.send(cc.subpkt); err != nil {
		return
	}

	if cc.subfu.Wait(cc.opt.NetworkTimeout) == future.ErrTimeout {
		_ = cc.die(errors.Timeoutf("subscribe"))
	}
}

// Returns, in this order:
// - ErrClosing if clientConn is in final invalid state
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}

	pollInterval := 500 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := -time.Since(deadline); timeout > 0 && timeout < pollInterval {
			pollInterval = timeout
		} else if timeout <= 0 {
			pollInterval = 1
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		_ = cc.confu.Wait(pollInterval)
		_ = cc.subfu.Wait(pollInterval)
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
