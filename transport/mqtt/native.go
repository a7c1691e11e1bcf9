package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/log2"
)

const (
	DefaultKeepaliveSec = 240
	DefaultSendQueue    = 64
)

// Provisioner resolves hub and device identity for id scope. Blocking.
// Errors are classified by cause: hub.ErrInvalidArgument, hub.ErrNetworkUnavailable,
// hub.ErrInvalidState (device credentials not ready), hub.ErrTimeout, anything else is device error.
type Provisioner interface {
	Register(ctx context.Context, idScope string) (hubHost, deviceID string, err error)
}

type NativeOptions struct {
	Log *log2.Log
	// Base TLS config: root CAs and device certificate for x509 authentication. Cloned per connection.
	TLS *tls.Config
	// BrokerURL maps hub host to dial URL. Default tls://host:8883 or wss://host:443/$iothub/websocket.
	BrokerURL      func(host string, protocol hub.TransportProvider) string
	NetworkTimeout time.Duration
	// Zero means telemetry waits for connection indefinitely.
	MessageTimeout time.Duration
	SendQueue      int
	Provisioner    Provisioner
	// ProvisionedSasKey authenticates devices assigned by Provisioner, empty means x509.
	ProvisionedSasKey string
}

// Native implements hub.Native over MQTT.
// Network goroutines only enqueue completions, DoWork runs them on caller goroutine.
type Native struct {
	opt NativeOptions

	mu      sync.Mutex
	last    hub.Handle
	devices map[hub.Handle]*device
}

var _ hub.Native = (*Native)(nil)

func NewNative(opt NativeOptions) *Native {
	if opt.BrokerURL == nil {
		opt.BrokerURL = DefaultBrokerURL
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.SendQueue == 0 {
		opt.SendQueue = DefaultSendQueue
	}
	return &Native{opt: opt, devices: make(map[hub.Handle]*device)}
}

func DefaultBrokerURL(host string, protocol hub.TransportProvider) string {
	if protocol == hub.TransportMQTTWebSocket {
		return "wss://" + host + ":443/$iothub/websocket"
	}
	return "tls://" + host + ":8883"
}

func (n *Native) CreateFromConnectionString(connectionString string, protocol hub.TransportProvider) hub.Handle {
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		n.opt.Log.Errorf("mqtt: %v", err)
		return 0
	}
	d := n.newDevice(cs.Broker(), cs.DeviceID, protocol)
	d.sasKey = cs.SharedAccessKey
	d.resourceHost = cs.HostName
	return n.add(d)
}

func (n *Native) CreateFromDeviceAuth(hubURI, deviceID string, protocol hub.TransportProvider) hub.Handle {
	host := strings.TrimSuffix(hubURI, "/")
	if u, err := url.Parse(hubURI); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	if host == "" {
		n.opt.Log.Errorf("mqtt: hub hostname empty")
		return 0
	}
	return n.add(n.newDevice(host, deviceID, protocol))
}

func (n *Native) CreateWithProvisioning(idScope string, timeout time.Duration) (hub.Handle, hub.ProvisioningResult) {
	if n.opt.Provisioner == nil {
		return 0, hub.ProvisioningResult{Code: hub.ProvInvalidParam, Detail: errors.New("provisioner not configured")}
	}
	if idScope == "" {
		return 0, hub.ProvisioningResult{Code: hub.ProvInvalidParam, Detail: errors.New("id scope empty")}
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	host, deviceID, err := n.opt.Provisioner.Register(ctx, idScope)
	if err != nil {
		return 0, provisioningResult(err)
	}
	d := n.newDevice(host, deviceID, hub.TransportMQTT)
	d.sasKey = n.opt.ProvisionedSasKey
	h := n.add(d)
	n.opt.Log.Debugf("mqtt: provisioned id_scope=%s hub=%s device=%s handle=%d", idScope, host, deviceID, h)
	return h, hub.ProvisioningResult{Code: hub.ProvOk}
}

func provisioningResult(err error) hub.ProvisioningResult {
	r := hub.ProvisioningResult{Detail: err}
	switch errors.Cause(err) {
	case hub.ErrInvalidArgument:
		r.Code = hub.ProvInvalidParam
	case hub.ErrNetworkUnavailable:
		r.Code = hub.ProvNetworkNotReady
	case hub.ErrInvalidState:
		r.Code = hub.ProvDeviceAuthNotReady
	case hub.ErrTimeout, context.DeadlineExceeded:
		r.Code = hub.ProvGenericError
		r.Detail = errors.Annotate(hub.ErrTimeout, err.Error())
	default:
		r.Code = hub.ProvDeviceError
	}
	return r
}

func (n *Native) add(d *device) hub.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		n.last++
		if _, busy := n.devices[n.last]; n.last != 0 && !busy {
			break
		}
	}
	d.h = n.last
	d.log = n.opt.Log
	n.devices[d.h] = d
	return d.h
}

func (n *Native) get(h hub.Handle) *device {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.devices[h]
}

func (n *Native) Destroy(h hub.Handle) {
	n.mu.Lock()
	d := n.devices[h]
	delete(n.devices, h)
	n.mu.Unlock()
	if d == nil {
		n.opt.Log.Errorf("mqtt: Destroy unknown handle=%d", h)
		return
	}
	d.destroy()
}

func (n *Native) DoWork(h hub.Handle) {
	d := n.get(h)
	if d == nil {
		n.opt.Log.Errorf("mqtt: DoWork unknown handle=%d", h)
		return
	}
	if d.client == nil && !d.startFailed {
		if err := d.start(); err != nil {
			d.startFailed = true
			d.log.Errorf("mqtt: handle=%d start err=%v", h, err)
			d.enqueue(func() { d.status(hub.ConnectionUnauthenticated, hub.ReasonBadCredential) })
		}
	}
	for _, f := range d.takeQueue() {
		f()
	}
}

func (n *Native) SetOption(h hub.Handle, name string, value interface{}) hub.ClientResult {
	d := n.get(h)
	if d == nil {
		return hub.ClientInvalidArg
	}
	if err := d.setOption(name, value); err != nil {
		d.log.Errorf("mqtt: handle=%d SetOption name=%s err=%v", h, name, err)
		if errors.IsNotValid(err) {
			return hub.ClientInvalidArg
		}
		return hub.ClientError
	}
	return hub.ClientOk
}

func (n *Native) SetRetryPolicy(h hub.Handle, policy hub.RetryPolicy, timeoutLimitSec int) hub.ClientResult {
	d := n.get(h)
	if d == nil || timeoutLimitSec < 0 {
		return hub.ClientInvalidArg
	}
	d.retry, d.retryTimeout = policy, timeoutLimitSec
	return hub.ClientOk
}

func (n *Native) GetRetryPolicy(h hub.Handle) (hub.RetryPolicy, int, hub.ClientResult) {
	d := n.get(h)
	if d == nil {
		return hub.RetryNone, 0, hub.ClientInvalidArg
	}
	return d.retry, d.retryTimeout, hub.ClientOk
}

func (n *Native) SendEventAsync(h hub.Handle, msg *hub.Message, cb hub.ConfirmationCallback, ctx hub.Context) hub.ClientResult {
	d := n.get(h)
	if d == nil || msg == nil || cb == nil {
		return hub.ClientInvalidArg
	}
	d.lastSeq++
	seq := d.lastSeq
	job := publishJob{
		msg: packet.Message{
			Topic:   TelemetryTopic(d.deviceID, msg),
			Payload: msg.Payload(),
			QOS:     packet.QOSAtLeastOnce,
		},
		timeout: d.messageTimeout,
		done: func(err error) {
			p, ok := d.pending[seq]
			if !ok {
				return
			}
			delete(d.pending, seq)
			p.cb(confirmationResult(err), p.ctx)
		},
	}
	if !d.push(job) {
		return hub.ClientError
	}
	d.pending[seq] = pendingConfirmation{cb: cb, ctx: ctx}
	return hub.ClientOk
}

func (n *Native) SendReportedState(h hub.Handle, state []byte, cb hub.ReportedStateCallback, ctx hub.Context) hub.ClientResult {
	d := n.get(h)
	if d == nil || len(state) == 0 {
		return hub.ClientInvalidArg
	}
	rid := uuid.NewString()
	job := publishJob{
		msg: packet.Message{
			Topic:   twinReportedTopic(rid),
			Payload: append([]byte(nil), state...),
		},
		done: func(err error) {
			if err == nil {
				return
			}
			// response will never arrive
			if fn, ok := d.reported[rid]; ok {
				delete(d.reported, rid)
				fn(0)
			}
		},
	}
	if !d.push(job) {
		return hub.ClientError
	}
	d.reported[rid] = func(status int) {
		if cb != nil {
			cb(status, ctx)
		}
	}
	return hub.ClientOk
}

func (n *Native) SetMessageCallback(h hub.Handle, cb hub.MessageCallback, ctx hub.Context) hub.ClientResult {
	return n.set(h, func(d *device) { d.onMessage, d.onMessageCtx = cb, ctx })
}

func (n *Native) SetConnectionStatusCallback(h hub.Handle, cb hub.ConnectionStatusCallback, ctx hub.Context) hub.ClientResult {
	return n.set(h, func(d *device) { d.onStatus, d.onStatusCtx = cb, ctx })
}

func (n *Native) SetDeviceTwinCallback(h hub.Handle, cb hub.DeviceTwinCallback, ctx hub.Context) hub.ClientResult {
	return n.set(h, func(d *device) { d.onTwin, d.onTwinCtx = cb, ctx })
}

func (n *Native) SetDeviceMethodCallback(h hub.Handle, cb hub.DeviceMethodCallback, ctx hub.Context) hub.ClientResult {
	return n.set(h, func(d *device) { d.onMethod, d.onMethodCtx = cb, ctx })
}

func (n *Native) set(h hub.Handle, f func(*device)) hub.ClientResult {
	d := n.get(h)
	if d == nil {
		return hub.ClientInvalidArg
	}
	f(d)
	return hub.ClientOk
}

type publishJob struct {
	msg     packet.Message
	timeout time.Duration
	// runs inside DoWork
	done func(err error)
}

type pendingConfirmation struct {
	cb  hub.ConfirmationCallback
	ctx hub.Context
}

// device is state of one handle. Fields without comment are owned by DoWork caller goroutine.
type device struct {
	h            hub.Handle
	log          *log2.Log
	opt          NativeOptions
	host         string
	resourceHost string
	deviceID     string
	protocol     hub.TransportProvider
	sasKey       string

	modelID        string
	productInfo    string
	keepaliveSec   int
	networkTimeout time.Duration
	messageTimeout time.Duration
	sasLifetime    time.Duration
	trustedCerts   string
	certPEM        string
	keyPEM         string
	certDeviceID   bool
	trace          bool
	retry          hub.RetryPolicy
	retryTimeout   int

	alive       *alive.Alive
	ctx         context.Context
	cancel      context.CancelFunc
	client      *Client
	startFailed bool
	sendCh      chan publishJob // buffered, consumed by sender goroutine
	lastSeq     uint64
	pending     map[uint64]pendingConfirmation
	reported    map[string]func(status int)
	twinGets    map[string]struct{}

	mu     sync.Mutex // protects queue and closed
	queue  []func()
	closed bool

	onMessage    hub.MessageCallback
	onMessageCtx hub.Context
	onStatus     hub.ConnectionStatusCallback
	onStatusCtx  hub.Context
	onTwin       hub.DeviceTwinCallback
	onTwinCtx    hub.Context
	onMethod     hub.DeviceMethodCallback
	onMethodCtx  hub.Context
}

func (n *Native) newDevice(host, deviceID string, protocol hub.TransportProvider) *device {
	ctx, cancel := context.WithCancel(context.Background())
	return &device{
		opt:            n.opt,
		host:           host,
		resourceHost:   host,
		deviceID:       deviceID,
		protocol:       protocol,
		keepaliveSec:   DefaultKeepaliveSec,
		networkTimeout: n.opt.NetworkTimeout,
		messageTimeout: n.opt.MessageTimeout,
		sasLifetime:    DefaultSasTokenLifetime,
		retry:          hub.RetryExponentialBackoffWithJitter,
		alive:          alive.NewAlive(),
		ctx:            ctx,
		cancel:         cancel,
		sendCh:         make(chan publishJob, n.opt.SendQueue),
		pending:        make(map[uint64]pendingConfirmation),
		reported:       make(map[string]func(int)),
		twinGets:       make(map[string]struct{}),
	}
}

func (d *device) setOption(name string, value interface{}) error {
	var ok bool
	switch name {
	case hub.OptionLogTrace:
		d.trace, ok = value.(bool)
	case hub.OptionDeviceIDForCert:
		d.certDeviceID, ok = value.(bool)
	case hub.OptionAutoURLEncodeDecode:
		// properties are always url encoded in topic
		_, ok = value.(bool)
	case hub.OptionModelID:
		d.modelID, ok = value.(string)
	case hub.OptionProductInfo:
		d.productInfo, ok = value.(string)
	case hub.OptionKeepAlive:
		d.keepaliveSec, ok = value.(int)
		ok = ok && d.keepaliveSec >= 0 && d.keepaliveSec < 1<<16
	case hub.OptionConnectTimeout:
		var sec int
		sec, ok = value.(int)
		ok = ok && sec > 0
		d.networkTimeout = time.Duration(sec) * time.Second
	case hub.OptionSasTokenLifetime:
		var sec int
		sec, ok = value.(int)
		ok = ok && sec > 0
		d.sasLifetime = time.Duration(sec) * time.Second
	case hub.OptionTrustedCerts:
		d.trustedCerts, ok = value.(string)
	case hub.OptionX509Cert:
		d.certPEM, ok = value.(string)
	case hub.OptionX509PrivateKey:
		d.keyPEM, ok = value.(string)
	case hub.OptionHTTPProxy:
		return errors.NotSupportedf("option=%s", name)
	default:
		return errors.NotValidf("unknown option=%s", name)
	}
	if !ok {
		return errors.NotValidf("option=%s value=%#v", name, value)
	}
	if d.client != nil {
		d.log.Infof("mqtt: handle=%d option=%s applies on next handle", d.h, name)
	}
	return nil
}

func (d *device) tlsConfig() (*tls.Config, error) {
	var tc *tls.Config
	if d.opt.TLS != nil {
		tc = d.opt.TLS.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tc.ServerName = d.host
	if d.trustedCerts != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(d.trustedCerts)) {
			return nil, errors.NotValidf("trusted certs PEM")
		}
		tc.RootCAs = pool
	}
	if d.certPEM != "" || d.keyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(d.certPEM), []byte(d.keyPEM))
		if err != nil {
			return nil, errors.Annotate(err, "x509 key pair")
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func certCommonName(tc *tls.Config) (string, error) {
	if len(tc.Certificates) == 0 || len(tc.Certificates[0].Certificate) == 0 {
		return "", errors.NotFoundf("device certificate")
	}
	cert, err := x509.ParseCertificate(tc.Certificates[0].Certificate[0])
	if err != nil {
		return "", errors.Annotate(err, "parse device certificate")
	}
	return cert.Subject.CommonName, nil
}

func (d *device) start() error {
	tc, err := d.tlsConfig()
	if err != nil {
		return err
	}
	if d.deviceID == "" && d.certDeviceID {
		if d.deviceID, err = certCommonName(tc); err != nil {
			return err
		}
	}
	if d.deviceID == "" {
		return errors.NotValidf("device id empty")
	}

	username := Username(d.resourceHost, d.deviceID, d.modelID)
	if d.productInfo != "" {
		username += "&DeviceClientType=" + url.QueryEscape(d.productInfo)
	}
	var passwordFunc func() string
	if d.sasKey != "" {
		if _, err = SasToken(d.resourceHost, d.deviceID, d.sasKey, time.Now()); err != nil {
			return err
		}
		host, id, key, lifetime := d.resourceHost, d.deviceID, d.sasKey, d.sasLifetime
		passwordFunc = func() string {
			token, _ := SasToken(host, id, key, time.Now().Add(lifetime))
			return token
		}
	}
	log := d.log
	if !d.trace && log.Enabled(log2.LDebug) {
		log = log.Clone(log2.LInfo)
	}

	opt := ClientOptions{
		BrokerURL:      d.opt.BrokerURL(d.host, d.protocol),
		TLS:            tc,
		Retry:          RetryPolicyFunc(d.retry, time.Duration(d.retryTimeout)*time.Second),
		NetworkTimeout: d.networkTimeout,
		KeepaliveSec:   uint16(d.keepaliveSec),
		ClientID:       d.deviceID,
		Username:       username,
		PasswordFunc:   passwordFunc,
		Subscriptions: []packet.Subscription{
			{Topic: c2dFilter(d.deviceID), QOS: packet.QOSAtLeastOnce},
			{Topic: topicMethodPostPrefix + "#", QOS: packet.QOSAtMostOnce},
			{Topic: topicTwinResPrefix + "#", QOS: packet.QOSAtMostOnce},
			{Topic: topicTwinDesired + "#", QOS: packet.QOSAtMostOnce},
		},
		OnMessage: d.receive,
		OnStatus:  d.clientStatus,
		Log:       log,
	}
	c, err := NewClient(opt)
	if err != nil {
		return err
	}
	d.client = c
	d.alive.Add(1)
	go d.sender()
	d.log.Debugf("mqtt: handle=%d start broker=%s device=%s", d.h, opt.BrokerURL, d.deviceID)
	return nil
}

func (d *device) sender() {
	defer d.alive.Done()
	stopch := d.alive.StopChan()
	for {
		select {
		case job := <-d.sendCh:
			ctx, cancel := d.ctx, context.CancelFunc(func() {})
			if job.timeout > 0 {
				ctx, cancel = context.WithTimeout(d.ctx, job.timeout)
			}
			err := d.client.Publish(ctx, &job.msg)
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				err = errors.Timeoutf("message")
			}
			cancel()
			if job.done != nil {
				d.enqueue(func() { job.done(err) })
			}

		case <-stopch:
			return
		}
	}
}

func (d *device) push(job publishJob) bool {
	select {
	case d.sendCh <- job:
		return true
	default:
		d.log.Errorf("mqtt: handle=%d send queue full", d.h)
		return false
	}
}

func (d *device) enqueue(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.queue = append(d.queue, f)
	}
}

func (d *device) takeQueue() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

// receive runs on network goroutine.
func (d *device) receive(id packet.ID, msg *packet.Message) error {
	m := *msg
	d.enqueue(func() { d.dispatch(id, &m) })
	return nil
}

// clientStatus runs on network goroutine.
func (d *device) clientStatus(ready bool, err error) {
	if ready {
		d.enqueue(d.ready)
		return
	}
	if errors.Cause(err) == ErrClientClosing {
		return
	}
	reason := statusReason(err)
	d.log.Debugf("mqtt: handle=%d disconnected reason=%s err=%v", d.h, reason, err)
	d.enqueue(func() { d.status(hub.ConnectionUnauthenticated, reason) })
}

func statusReason(err error) hub.ConnectionStatusReason {
	switch e := errors.Cause(err).(type) {
	case *ConnectionDeniedError:
		switch e.Code {
		case packet.BadUsernameOrPassword, packet.NotAuthorized, packet.IdentifierRejected:
			return hub.ReasonBadCredential
		}
		return hub.ReasonCommunicationError
	case *DialError:
		return hub.ReasonNoNetwork
	}
	switch errors.Cause(err) {
	case ErrRetryExpired:
		return hub.ReasonRetryExpired
	case client.ErrClientMissingPong:
		return hub.ReasonNoPingResponse
	}
	return hub.ReasonCommunicationError
}

func (d *device) ready() {
	d.status(hub.ConnectionAuthenticated, hub.ReasonOk)
	if d.onTwin == nil {
		return
	}
	rid := uuid.NewString()
	d.twinGets[rid] = struct{}{}
	if !d.push(publishJob{msg: packet.Message{Topic: twinGetTopic(rid)}}) {
		delete(d.twinGets, rid)
	}
}

func (d *device) status(status hub.ConnectionStatus, reason hub.ConnectionStatusReason) {
	if d.onStatus != nil {
		d.onStatus(status, reason, d.onStatusCtx)
	}
}

func (d *device) dispatch(id packet.ID, msg *packet.Message) {
	switch topic := msg.Topic; {
	case strings.HasPrefix(topic, c2dPrefix(d.deviceID)):
		d.dispatchMessage(id, msg)

	case strings.HasPrefix(topic, topicTwinResPrefix):
		status, rid, err := parseTwinResponse(topic)
		if err != nil {
			d.log.Errorf("mqtt: handle=%d %v", d.h, err)
			return
		}
		if fn, ok := d.reported[rid]; ok {
			delete(d.reported, rid)
			fn(status)
			return
		}
		if _, ok := d.twinGets[rid]; ok {
			delete(d.twinGets, rid)
			if status == 200 && d.onTwin != nil {
				d.onTwin(hub.TwinComplete, msg.Payload, d.onTwinCtx)
			} else if status != 200 {
				d.log.Errorf("mqtt: handle=%d twin GET status=%d", d.h, status)
			}
			return
		}
		d.log.Debugf("mqtt: handle=%d twin response unknown rid=%s", d.h, rid)

	case strings.HasPrefix(topic, topicTwinDesired):
		if d.onTwin != nil {
			d.onTwin(hub.TwinPartial, msg.Payload, d.onTwinCtx)
		}

	case strings.HasPrefix(topic, topicMethodPostPrefix):
		name, rid, err := parseMethodRequest(topic)
		if err != nil {
			d.log.Errorf("mqtt: handle=%d %v", d.h, err)
			return
		}
		status, response := hub.MethodStatusNotImplemented, []byte(nil)
		if d.onMethod != nil {
			status, response = d.onMethod([]byte(name), msg.Payload, d.onMethodCtx)
		}
		d.push(publishJob{msg: packet.Message{
			Topic:   methodResponseTopic(status, rid),
			Payload: append([]byte(nil), response...),
		}})

	default:
		d.log.Errorf("mqtt: handle=%d unexpected topic=%s", d.h, topic)
	}
}

func (d *device) dispatchMessage(id packet.ID, msg *packet.Message) {
	disp := hub.DispositionAbandoned
	m, err := ParseDeviceBound(d.deviceID, msg.Topic, msg.Payload)
	switch {
	case err != nil:
		d.log.Errorf("mqtt: handle=%d %v", d.h, err)
		disp = hub.DispositionRejected
	case d.onMessage != nil:
		disp = d.onMessage(m, d.onMessageCtx)
	}
	// abandoned message is redelivered after reconnect
	if disp != hub.DispositionAbandoned && msg.QOS == packet.QOSAtLeastOnce && d.client != nil {
		if err := d.client.Ack(id); err != nil {
			d.log.Errorf("mqtt: handle=%d ack id=%d err=%v", d.h, id, err)
		}
	}
}

func confirmationResult(err error) hub.ConfirmationResult {
	switch {
	case err == nil:
		return hub.ConfirmationOk
	case errors.IsTimeout(err):
		return hub.ConfirmationMessageTimeout
	case errors.Cause(err) == context.Canceled:
		return hub.ConfirmationBecauseDestroy
	}
	return hub.ConfirmationError
}

// destroy confirms outstanding sends with BecauseDestroy, nothing runs after.
func (d *device) destroy() {
	helpers.WithLock(&d.mu, func() {
		d.closed = true
		d.queue = nil
	})
	d.cancel()
	d.alive.Stop()
	if d.client != nil {
		_ = d.client.Close()
	}
	d.alive.Wait()

	seqs := make([]uint64, 0, len(d.pending))
	for seq := range d.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		p := d.pending[seq]
		delete(d.pending, seq)
		p.cb(hub.ConfirmationBecauseDestroy, p.ctx)
	}
	rids := make([]string, 0, len(d.reported))
	for rid := range d.reported {
		rids = append(rids, rid)
	}
	sort.Strings(rids)
	for _, rid := range rids {
		fn := d.reported[rid]
		delete(d.reported, rid)
		fn(0)
	}
	d.reported = nil
	d.twinGets = nil
	d.onMessage, d.onStatus, d.onTwin, d.onMethod = nil, nil, nil, nil
	d.log.Debugf("mqtt: handle=%d destroyed", d.h)
}

func (d *device) String() string { return fmt.Sprintf("device(handle=%d id=%s host=%s)", d.h, d.deviceID, d.host) }
