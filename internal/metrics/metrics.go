// Package metrics exposes delivery and command counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"picbot/internal/eventbus"
	logx "picbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:9273"
}

// Collector records picbot metrics into a Prometheus registry.
type Collector struct {
	deliveries      *prometheus.CounterVec
	commands        *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	catalogSize     prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picbot_deliveries_total",
			Help: "Finished delivery attempts by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picbot_commands_total",
			Help: "Handled bot commands.",
		}, []string{"command"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "picbot_delivery_seconds",
			Help:    "Wall time of a single delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picbot_catalog_size",
			Help: "Number of deliverable images at the last delivery.",
		}),
	}

	reg.MustRegister(
		c.deliveries,
		c.commands,
		c.deliveryLatency,
		c.catalogSize,
	)
	return c
}

// RecordDelivery records a finished delivery attempt.
func (c *Collector) RecordDelivery(ev eventbus.DeliveryEvent) {
	c.deliveries.WithLabelValues(string(ev.Result)).Inc()
	c.deliveryLatency.Observe(ev.Duration.Seconds())
}

// RecordCommand records a handled bot command ("start", "time", ...).
func (c *Collector) RecordCommand(command string) {
	c.commands.WithLabelValues(command).Inc()
}

// SetCatalogSize updates the catalog size gauge.
func (c *Collector) SetCatalogSize(n int) {
	c.catalogSize.Set(float64(n))
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Service consumes delivery events from the bus and optionally serves
// /metrics over HTTP.
type Service struct {
	log       logx.Logger
	cfg       Config
	collector *Collector
	reg       *prometheus.Registry
	bus       eventbus.Bus

	mu     sync.Mutex
	srv    *http.Server
	unsub  func()
	wg     sync.WaitGroup
	closed bool
}

func NewService(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	return &Service{
		log:       log,
		cfg:       cfg,
		collector: NewCollector(reg),
		reg:       reg,
		bus:       bus,
	}
}

func (s *Service) Collector() *Collector { return s.collector }

func (s *Service) Start(ctx context.Context) {
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64)
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					s.collector.RecordDelivery(ev)
				}
			}
		}()
	}

	if !s.cfg.Enabled {
		return
	}
	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:9273"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(s.reg))
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("metrics listening", logx.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", logx.Err(err))
		}
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	unsub := s.unsub
	s.unsub = nil
	s.closed = true
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	s.wg.Wait()
}
