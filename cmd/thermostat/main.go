// Thermostat sample: simulated thermometer reporting to hub over MQTT.
// All timers run on one reactor goroutine.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/internal/cloud"
	"github.com/temoto/devhub/internal/config"
	"github.com/temoto/devhub/internal/metrics"
	"github.com/temoto/devhub/log2"
	"github.com/temoto/devhub/provision"
	"github.com/temoto/devhub/reactor"
	"github.com/temoto/devhub/transport/mqtt"
	"golang.org/x/sys/unix"
)

// Process exit codes by failed step.
const (
	ExitSuccess              = 0
	ExitConfig               = 4
	ExitEventLoop            = 7
	ExitCloudInit            = 8
	ExitNetworkIsReadyFailed = 10
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "thermostat.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	m := metrics.New()
	m.CountErrors(log)

	cfg, err := config.ReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Error(errors.ErrorStack(err))
		os.Exit(ExitConfig)
	}
	if !cfg.Hub.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	provision.SetLibraryLog(log, cfg.Hub.LogTrace)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	os.Exit(run(ctx, log, cfg, m))
}

func run(ctx context.Context, log *log2.Log, cfg *config.Config, m *metrics.Metrics) int {
	cc, err := cfg.ConnectConfig()
	if err != nil {
		log.Error(errors.ErrorStack(err))
		return ExitConfig
	}
	cc.ProductInfo = productInfo()
	if cc.ModelID == "" {
		cc.ModelID = cloud.ModelID
	}

	native, err := newNative(log, cfg, cc)
	if err != nil {
		log.Error(errors.ErrorStack(err))
		return ExitCloudInit
	}

	loop := reactor.NewLoop(log)
	exitCode := ExitSuccess
	var c *cloud.Cloud
	work := loop.NewTimer(func(token int) { c.OnTimerEvent(token) })
	connect := loop.NewTimer(func(token int) { c.OnTimerEvent(token) })

	var outbox *cloud.Outbox
	if cfg.Telemetry.OutboxPath != "" {
		if outbox, err = cloud.OpenOutbox(log, cfg.Telemetry.OutboxPath); err != nil {
			log.Error(errors.ErrorStack(err))
			return ExitCloudInit
		}
		defer outbox.Close()
	}

	thermo := &thermostat{log: log, uploadEnabled: true}
	hostname, _ := os.Hostname()
	c, err = cloud.New(cloud.Options{
		Log:          log,
		Native:       native,
		Network:      hub.NetworkCheckerFunc(networkReady),
		Connect:      cc,
		WorkTimer:    work,
		ConnectTimer: connect,
		Adapter: []hub.AdapterOption{
			hub.WithWorkPeriod(cfg.WorkPeriod()),
			hub.WithConnectBackoff(cfg.ConnectBackoff()),
		},
		Callbacks:    thermo,
		SerialNumber: hostname,
		Outbox:       outbox,
		OnFailure: func(f hub.Failure) {
			if f.Reason == hub.FailureNetworkingIsReady {
				exitCode = ExitNetworkIsReadyFailed
				loop.Stop()
			}
		},
	})
	if err != nil {
		log.Error(errors.ErrorStack(err))
		return ExitCloudInit
	}
	defer c.Close()

	sensor := newSensor(cfg.Telemetry.TemperatureBase)
	var telemetry *reactor.Timer
	telemetry = loop.NewTimer(func(int) {
		if err := telemetry.Consume(); err != nil {
			log.Errorf("telemetry timer err=%v", err)
			return
		}
		if !thermo.uploadEnabled {
			return
		}
		now := time.Now()
		t, moved := sensor.read()
		if err := c.SendTelemetry(cloud.Telemetry{Temperature: t}, &now); err != nil {
			log.Debugf("telemetry temperature=%.1f err=%v", t, err)
		}
		if moved {
			if err := c.SendThermometerMovedEvent(&now); err != nil {
				log.Debugf("telemetry thermometer moved err=%v", err)
			}
		}
	})
	if err = telemetry.SetPeriod(cfg.TelemetryPeriod()); err != nil {
		log.Error(errors.ErrorStack(err))
		return ExitEventLoop
	}

	loop.AfterPoll(func() {
		c.Poll()
		m.Poll()
		replayed, spilled := c.OutboxStat()
		a := c.Adapter()
		m.Update(metrics.Snapshot{
			Stat:           c.Stat(),
			State:          a.State(),
			Authentication: a.Authentication(),
			ConnectPeriod:  a.ConnectPeriod(),
			OutboxReplayed: replayed,
			OutboxSpilled:  spilled,
		})
	})

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, log, cfg.Metrics.Listen); err != nil {
				log.Errorf("%v", err)
			}
		}()
	}

	sdnotify(daemon.SdNotifyReady)
	log.Infof("thermostat running device=%s mode=%s", cc.DeviceID, cc.Mode)
	if err = loop.Run(ctx); err != nil {
		log.Error(errors.ErrorStack(err))
		return ExitEventLoop
	}
	sdnotify(daemon.SdNotifyStopping)
	log.Infof("thermostat stopping exit=%d", exitCode)
	return exitCode
}

func newNative(log *log2.Log, cfg *config.Config, cc hub.ConnectConfig) (*mqtt.Native, error) {
	opt := mqtt.NativeOptions{
		Log:            log,
		NetworkTimeout: cfg.NetworkTimeout(),
	}
	if cc.Mode == hub.ConnectProvisioning {
		popt := provision.Options{
			Log:            log,
			Endpoint:       cfg.Provisioning.Endpoint,
			APIVersion:     cfg.Provisioning.APIVersion,
			RegistrationID: cfg.Hub.DeviceID,
			SymmetricKey:   cfg.Hub.SasKey,
			ModelID:        cc.ModelID,
			NetworkTimeout: cfg.NetworkTimeout(),
		}
		if cc.X509Cert != "" {
			cert, err := tls.X509KeyPair([]byte(cc.X509Cert), []byte(cc.X509PrivateKey))
			if err != nil {
				return nil, errors.Annotate(err, "provisioning certificate")
			}
			popt.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}
		p, err := provision.New(popt)
		if err != nil {
			return nil, err
		}
		opt.Provisioner = p
		opt.ProvisionedSasKey = cfg.Hub.SasKey
	}
	return mqtt.NewNative(opt), nil
}

// networkReady is true when any non-loopback interface is up with address.
func networkReady() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, errors.Annotate(err, "network interfaces")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) != 0 {
			return true, nil
		}
	}
	return false, nil
}

func productInfo() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "devhub-thermostat"
	}
	return "devhub-thermostat (" + unix.ByteSliceToString(u.Sysname[:]) + " " +
		unix.ByteSliceToString(u.Release[:]) + "; " + unix.ByteSliceToString(u.Machine[:]) + ")"
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

type thermostat struct {
	log           *log2.Log
	uploadEnabled bool
}

func (t *thermostat) TelemetryUploadEnabledChanged(enabled, fromCloud bool) {
	t.log.Infof("telemetry upload enabled=%t from_cloud=%t", enabled, fromCloud)
	t.uploadEnabled = enabled
}
func (t *thermostat) DisplayAlert(message string) { t.log.Infof("ALERT: %s", message) }
func (t *thermostat) ConnectionChanged(connected bool) {
	t.log.Infof("cloud connected=%t", connected)
}

// sensor drifts around base temperature, rarely reports being moved.
type sensor struct {
	rand    *rand.Rand
	base    float64
	current float64
}

func newSensor(base float64) *sensor {
	if base == 0 {
		base = 25
	}
	return &sensor{rand: helpers.RandUnix(), base: base, current: base}
}

func (s *sensor) read() (float64, bool) {
	s.current += s.rand.Float64() - 0.5 + (s.base-s.current)*0.1
	moved := s.rand.Intn(100) == 0
	return float64(int(s.current*10)) / 10, moved
}
