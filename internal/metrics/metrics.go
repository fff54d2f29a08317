// Package metrics exposes the call counters, the live session shape and the
// notification stream to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/util"
)

const namespace = "rtcall"

var log = util.Scoped("metrics")

// Snapshotter reports the current session shape.
type Snapshotter interface {
	Snapshot() session.Snapshot
}

// Metrics owns a private registry.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
	stop   func()
}

// New registers every collector. bus may be nil, in which case notifications
// are not counted.
func New(call Snapshotter, bus *events.Bus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Notifications emitted by the call engine",
		}, []string{"name"}),
		stop: func() {},
	}

	counter := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(load()) })
	}
	gauge := func(name, help string, value func(session.Snapshot) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(call.Snapshot())) })
	}

	m.reg.MustRegister(
		counter("producers_total", "Producers created", util.Stats.Producers.Load),
		counter("consumers_total", "Consumers created", util.Stats.Consumers.Load),
		counter("reconnects_total", "Signaling reconnections", util.Stats.Reconnects.Load),
		counter("recoveries_total", "Queue-stopped race recoveries", util.Stats.Recoveries.Load),
		counter("cleanups_total", "Cleanup passes", util.Stats.Cleanups.Load),
		counter("request_failures_total", "Signaling requests that failed", util.Stats.RequestFailures.Load),
		counter("synthetic_ids_total", "Placeholder producer ids", util.Stats.SyntheticIDs.Load),
		m.events,
	)
	if call != nil {
		m.reg.MustRegister(
			gauge("active_producers", "Producers held by the session", func(s session.Snapshot) int { return len(s.Producers) }),
			gauge("active_consumers", "Consumers held by the session", func(s session.Snapshot) int { return len(s.Consumers) }),
			gauge("in_call", "1 while a room id is set", func(s session.Snapshot) int {
				if s.RoomID != "" {
					return 1
				}
				return 0
			}),
		)
	}

	if bus != nil {
		m.stop = bus.SubscribeAll(func(ev events.Event) {
			m.events.WithLabelValues(string(ev.Name)).Inc()
		})
	}
	return m
}

// Registry returns the registry for direct gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Close stops counting notifications.
func (m *Metrics) Close() { m.stop() }

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
