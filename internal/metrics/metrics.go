// Package metrics exports hub counters to prometheus.
// Reactor goroutine pushes snapshots with Update, HTTP goroutines read them.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/devhub/hub"
	"github.com/temoto/devhub/log2"
)

const namespace = "devhub"

// Snapshot is everything reactor knows about hub connection.
type Snapshot struct {
	Stat           hub.Stat
	State          hub.ConnectState
	Authentication hub.AuthenticationState
	ConnectPeriod  time.Duration
	OutboxReplayed uint64
	OutboxSpilled  uint64
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(*Snapshot) uint64
}

type Metrics struct {
	registry *prometheus.Registry
	errors   prometheus.Counter
	polls    prometheus.Counter

	mu   sync.Mutex
	last Snapshot

	counters []counterDesc
	state    *prometheus.Desc
	auth     *prometheus.Desc
	period   *prometheus.Desc
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_errors_total",
			Help:      "Errors logged by process.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactor_polls_total",
			Help:      "Reactor loop iterations.",
		}),
		state:  prometheus.NewDesc(namespace+"_connect_state", "Connection state machine, 0=NotStarted 1=Started 2=Complete 3=Failed.", nil, nil),
		auth:   prometheus.NewDesc(namespace+"_authenticated", "1 when hub session is authenticated.", nil, nil),
		period: prometheus.NewDesc(namespace+"_connect_period_seconds", "Current connect poll period.", nil, nil),
	}
	counter := func(name, help string, f func(*Snapshot) uint64) {
		m.counters = append(m.counters, counterDesc{
			desc:  prometheus.NewDesc(namespace+"_"+name, help, nil, nil),
			value: f,
		})
	}
	counter("telemetry_sent_total", "Messages accepted by transport.", func(s *Snapshot) uint64 { return s.Stat.Sent })
	counter("telemetry_confirmed_total", "Messages confirmed by hub.", func(s *Snapshot) uint64 { return s.Stat.Confirmed })
	counter("telemetry_confirm_failed_total", "Messages completed with result other than Ok.", func(s *Snapshot) uint64 { return s.Stat.ConfirmFailed })
	counter("telemetry_denied_total", "SendTelemetry calls refused before transport.", func(s *Snapshot) uint64 { return s.Stat.TelemetryDenied })
	counter("reported_sent_total", "Reported state updates sent.", func(s *Snapshot) uint64 { return s.Stat.ReportedSent })
	counter("inbound_total", "Cloud to device messages.", func(s *Snapshot) uint64 { return s.Stat.Inbound })
	counter("twin_updates_total", "Device twin updates.", func(s *Snapshot) uint64 { return s.Stat.TwinUpdates })
	counter("method_calls_total", "Device method invocations.", func(s *Snapshot) uint64 { return s.Stat.MethodCalls })
	counter("connect_attempts_total", "Connection attempts.", func(s *Snapshot) uint64 { return s.Stat.ConnectAttempts })
	counter("connect_failures_total", "Failed connection attempts.", func(s *Snapshot) uint64 { return s.Stat.ConnectFailures })
	counter("disconnects_total", "Connections torn down on fatal status.", func(s *Snapshot) uint64 { return s.Stat.Disconnects })
	counter("outbox_replayed_total", "Telemetry replayed from outbox.", func(s *Snapshot) uint64 { return s.OutboxReplayed })
	counter("outbox_spilled_total", "Telemetry stored into outbox.", func(s *Snapshot) uint64 { return s.OutboxSpilled })

	m.registry.MustRegister(m.errors, m.polls, m)
	return m
}

func (m *Metrics) Update(s Snapshot) {
	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
}

func (m *Metrics) Poll() { m.polls.Inc() }

// CountErrors hooks into log, every Error/Errorf increments log_errors_total.
func (m *Metrics) CountErrors(log *log2.Log) {
	log.SetErrorFunc(func(error) { m.errors.Inc() })
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.counters {
		ch <- c.desc
	}
	ch <- m.state
	ch <- m.auth
	ch <- m.period
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	s := m.last
	m.mu.Unlock()
	for _, c := range m.counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value(&s)))
	}
	auth := 0.0
	if s.Authentication == hub.Authenticated {
		auth = 1
	}
	ch <- prometheus.MustNewConstMetric(m.state, prometheus.GaugeValue, float64(s.State))
	ch <- prometheus.MustNewConstMetric(m.auth, prometheus.GaugeValue, auth)
	ch <- prometheus.MustNewConstMetric(m.period, prometheus.GaugeValue, s.ConnectPeriod.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve blocks until ctx is done or listener fails.
func (m *Metrics) Serve(ctx context.Context, log *log2.Log, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	log.Infof("metrics: listen=%s", listen)
	select {
	case err := <-errch:
		return errors.Annotatef(err, "metrics listen=%s", listen)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return errors.Trace(srv.Shutdown(shutCtx))
	}
}
