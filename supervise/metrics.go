package supervise

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a supervisor. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	spawns  prometheus.Counter
	exits   *prometheus.CounterVec
	signals *prometheus.CounterVec
	state   prometheus.Gauge
	up      prometheus.Gauge
}

// NewMetrics creates the supervisor metrics and registers them into reg. Every
// metric carries a constant service label.
func NewMetrics(reg prometheus.Registerer, service string) (*Metrics, error) {
	labels := prometheus.Labels{"service": service}

	m := &Metrics{
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "supervise_spawns_total",
			Help:        "Children started, including restarts",
			ConstLabels: labels,
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "supervise_child_exits_total",
			Help:        "Children reaped, by cause",
			ConstLabels: labels,
		}, []string{"cause"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "supervise_signals_sent_total",
			Help:        "Signals sent to the child",
			ConstLabels: labels,
		}, []string{"signal"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "supervise_child_state",
			Help:        "Child state (0 absent, 1 starting, 2 running, 3 stopping, 4 force-stopping)",
			ConstLabels: labels,
		}),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "supervise_child_up",
			Help:        "Whether a child is currently live",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{m.spawns, m.exits, m.signals, m.state, m.up} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register metric")
		}
	}

	return m, nil
}

func (m *Metrics) setState(st State) {
	if m == nil {
		return
	}

	m.state.Set(float64(st))
	if st.IsLive() {
		m.up.Set(1)
	} else {
		m.up.Set(0)
	}
}

func (m *Metrics) spawned() {
	if m != nil {
		m.spawns.Inc()
	}
}

func (m *Metrics) exited(cause string) {
	if m != nil {
		m.exits.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) signaled(sig string) {
	if m != nil {
		m.signals.WithLabelValues(sig).Inc()
	}
}

// ServeMetrics serves the metrics gathered by g on addr under /metrics until
// ctx is canceled.
func ServeMetrics(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
