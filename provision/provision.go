// Package provision registers device with device provisioning service over MQTT
// and returns assigned hub. Errors are classified with hub error sentinels.
package provision

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/log2"
)

const (
	DefaultEndpoint     = "ssl://global.azure-devices-provisioning.net:8883"
	DefaultAPIVersion   = "2019-03-31"
	DefaultPollInterval = 3 * time.Second

	topicResponses = "$dps/registrations/res/"
	topicRegister  = "$dps/registrations/PUT/iotdps-register/?$rid="
	topicStatus    = "$dps/registrations/GET/iotdps-get-operationstatus/?$rid="
)

type Options struct {
	Log            *log2.Log
	Endpoint       string
	APIVersion     string
	RegistrationID string
	// TLS carries device certificate for x509 attestation.
	TLS *tls.Config
	// SymmetricKey selects SAS attestation, base64.
	SymmetricKey   string
	ModelID        string
	PollInterval   time.Duration
	NetworkTimeout time.Duration
}

// Registration is device assignment result.
type Registration struct {
	AssignedHub string `json:"assignedHub"`
	DeviceID    string `json:"deviceId"`
	Status      string `json:"status"`
	ErrorCode   int    `json:"errorCode"`
	ErrorMsg    string `json:"errorMessage"`
}

type operation struct {
	OperationID       string        `json:"operationId"`
	Status            string        `json:"status"`
	RegistrationState *Registration `json:"registrationState"`
}

type response struct {
	status     int
	retryAfter time.Duration
	payload    []byte
}

// SetLibraryLog routes paho library errors to log. Process wide, call once at startup.
func SetLibraryLog(log *log2.Log, debug bool) {
	mqttLog := log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if debug {
		mqtt.DEBUG = mqttLog
	}
}

type Client struct {
	opt Options

	mu       sync.Mutex
	inflight map[string]*future.Future
}

func New(opt Options) (*Client, error) {
	if opt.RegistrationID == "" {
		return nil, errors.Annotate(hub.ErrInvalidArgument, "provision registration id empty")
	}
	if opt.Endpoint == "" {
		opt.Endpoint = DefaultEndpoint
	}
	if opt.APIVersion == "" {
		opt.APIVersion = DefaultAPIVersion
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = 30 * time.Second
	}
	return &Client{opt: opt, inflight: make(map[string]*future.Future)}, nil
}

// Register implements transport/mqtt Provisioner.
func (c *Client) Register(ctx context.Context, idScope string) (string, string, error) {
	reg, err := c.Provision(ctx, idScope)
	if err != nil {
		return "", "", err
	}
	return reg.AssignedHub, reg.DeviceID, nil
}

// Provision connects, sends registration request and polls operation status until device is assigned,
// registration fails or ctx is done.
func (c *Client) Provision(ctx context.Context, idScope string) (*Registration, error) {
	if idScope == "" {
		return nil, errors.Annotate(hub.ErrInvalidArgument, "provision id scope empty")
	}
	m, err := c.connect(ctx, idScope)
	if err != nil {
		return nil, err
	}
	defer m.Disconnect(250)

	body := map[string]interface{}{"registrationId": c.opt.RegistrationID}
	if c.opt.ModelID != "" {
		body["payload"] = map[string]string{"modelId": c.opt.ModelID}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := c.request(ctx, m, topicRegister, "", b)
	for err == nil {
		var op *operation
		if op, err = c.parse(resp); err != nil {
			break
		}
		c.opt.Log.Debugf("provision: operation=%s status=%s", op.OperationID, op.Status)
		switch strings.ToLower(op.Status) {
		case "assigned":
			if op.RegistrationState == nil || op.RegistrationState.AssignedHub == "" {
				return nil, errors.Annotatef(hub.ErrTransport, "provision assigned without hub operation=%s", op.OperationID)
			}
			return op.RegistrationState, nil
		case "assigning", "unassigned", "":
		default:
			reg := op.RegistrationState
			if reg == nil {
				reg = &Registration{}
			}
			return nil, errors.Annotatef(hub.ErrTransport, "provision status=%s error=%d %s", op.Status, reg.ErrorCode, reg.ErrorMsg)
		}

		wait := resp.retryAfter
		if wait == 0 {
			wait = c.opt.PollInterval
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, errors.Annotate(hub.ErrTimeout, "provision poll")
		}
		resp, err = c.request(ctx, m, topicStatus, "&operationId="+op.OperationID, nil)
	}
	return nil, err
}

func (c *Client) connect(ctx context.Context, idScope string) (mqtt.Client, error) {
	username := fmt.Sprintf("%s/registrations/%s/api-version=%s", idScope, c.opt.RegistrationID, c.opt.APIVersion)
	mopt := mqtt.NewClientOptions().
		AddBroker(c.opt.Endpoint).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(c.opt.RegistrationID).
		SetConnectTimeout(c.opt.NetworkTimeout).
		SetOrderMatters(false).
		SetUsername(username).
		SetWriteTimeout(c.opt.NetworkTimeout)
	if c.opt.TLS != nil {
		mopt.SetTLSConfig(c.opt.TLS)
	}
	if c.opt.SymmetricKey != "" {
		resource := idScope + "/registrations/" + c.opt.RegistrationID
		password, err := helpers.SharedAccessSignature(resource, c.opt.SymmetricKey, "registration", time.Now().Add(time.Hour))
		if err != nil {
			return nil, errors.Annotate(hub.ErrInvalidArgument, err.Error())
		}
		mopt.SetPassword(password)
	}
	m := mqtt.NewClient(mopt)
	if err := c.wait(ctx, m.Connect(), "connect"); err != nil {
		if errors.Cause(err) != hub.ErrTimeout {
			err = errors.Annotate(hub.ErrNetworkUnavailable, err.Error())
		}
		return nil, err
	}
	if err := c.wait(ctx, m.Subscribe(topicResponses+"#", 1, c.onResponse), "subscribe"); err != nil {
		m.Disconnect(0)
		return nil, err
	}
	return m, nil
}

func (c *Client) wait(ctx context.Context, t mqtt.Token, tag string) error {
	select {
	case <-t.Done():
	case <-ctx.Done():
		return errors.Annotatef(hub.ErrTimeout, "provision %s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotatef(err, "provision %s", tag)
	}
	return nil
}

func (c *Client) request(ctx context.Context, m mqtt.Client, prefix, query string, payload []byte) (response, error) {
	rid := uuid.NewString()
	f := future.New()
	helpers.WithLock(&c.mu, func() { c.inflight[rid] = f })
	defer helpers.WithLock(&c.mu, func() { delete(c.inflight, rid) })
	stop := context.AfterFunc(ctx, func() { f.Cancel(nil) })
	defer stop()

	if err := c.wait(ctx, m.Publish(prefix+rid+query, 1, false, payload), "publish"); err != nil {
		return response{}, errors.Annotate(hub.ErrTransport, err.Error())
	}
	if err := f.Wait(c.opt.NetworkTimeout); err != nil {
		return response{}, errors.Annotatef(hub.ErrTimeout, "provision response rid=%s err=%v", rid, err)
	}
	return f.Result().(response), nil
}

// `$dps/registrations/res/{status}/?$rid={rid}&retry-after={sec}`
func (c *Client) onResponse(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	rest := strings.TrimPrefix(topic, topicResponses)
	i := strings.Index(rest, "/?")
	if i < 0 {
		c.opt.Log.Errorf("provision: unexpected topic=%s", topic)
		return
	}
	status, err := strconv.Atoi(rest[:i])
	if err != nil {
		c.opt.Log.Errorf("provision: unexpected topic=%s", topic)
		return
	}
	resp := response{status: status, payload: msg.Payload()}
	var rid string
	for _, kv := range strings.Split(rest[i+2:], "&") {
		switch {
		case strings.HasPrefix(kv, "$rid="):
			rid = kv[len("$rid="):]
		case strings.HasPrefix(kv, "retry-after="):
			if sec, err := strconv.Atoi(kv[len("retry-after="):]); err == nil {
				resp.retryAfter = time.Duration(sec) * time.Second
			}
		}
	}
	var f *future.Future
	helpers.WithLock(&c.mu, func() { f = c.inflight[rid] })
	if f == nil {
		c.opt.Log.Debugf("provision: response for unknown rid=%s", rid)
		return
	}
	f.Complete(resp)
}

func (c *Client) parse(resp response) (*operation, error) {
	switch {
	case resp.status >= 200 && resp.status < 300:
	case resp.status == 400:
		return nil, errors.Annotatef(hub.ErrInvalidArgument, "provision status=%d %s", resp.status, resp.payload)
	case resp.status == 401 || resp.status == 403:
		return nil, errors.Annotatef(hub.ErrInvalidState, "provision status=%d %s", resp.status, resp.payload)
	default:
		return nil, errors.Annotatef(hub.ErrTransport, "provision status=%d %s", resp.status, resp.payload)
	}
	op := &operation{}
	if err := json.Unmarshal(resp.payload, op); err != nil {
		return nil, errors.Annotatef(hub.ErrTransport, "provision response parse err=%v", err)
	}
	return op, nil
}
