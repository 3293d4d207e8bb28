package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HubEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_hub_events_total", Help: "Normalized events published by the hub"},
		[]string{"kind"},
	)
	HubDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_hub_dropped_total", Help: "Events dropped because a subscriber buffer was full"},
		[]string{"subscriber"},
	)
	HubReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "polycopy_hub_reconnects_total", Help: "Upstream reconnection attempts"},
	)
	HubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "polycopy_hub_subscribers", Help: "Active hub subscriptions"},
	)
	FeedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_feed_errors_total", Help: "Malformed or failed upstream frames"},
		[]string{"source"},
	)
	FlashEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_flash_events_total", Help: "Flash moves emitted"},
		[]string{"direction"},
	)
	FlashDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_flash_discarded_ticks_total", Help: "Ticks discarded by the flash detector"},
		[]string{"reason"},
	)
	SizingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_sizing_decisions_total", Help: "Sizing decisions by reason"},
		[]string{"reason"},
	)
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_orders_total", Help: "Order intents resolved by the execution engine"},
		[]string{"type", "side", "result"},
	)
	OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "polycopy_order_seconds", Help: "Execution latency per intent", Buckets: prometheus.DefBuckets},
		[]string{"type"},
	)
	Quotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polycopy_quotes_total", Help: "Quote refreshes by liquidity health"},
		[]string{"health"},
	)
	SinkDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "polycopy_sink_dropped_total", Help: "Persistence events dropped because the queue was full"},
	)
	DedupEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "polycopy_dedup_entries", Help: "Live entries in the signal deduplicator"},
		[]string{"user"},
	)
)

func init() {
	prometheus.MustRegister(
		HubEvents, HubDropped, HubReconnects, HubSubscribers, FeedErrors,
		FlashEvents, FlashDiscarded, SizingDecisions,
		Orders, OrderLatency, Quotes, SinkDropped, DedupEntries,
	)
}

// Serve expone /metrics en addr. El servidor corre en background; se cierra con Shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics: server stopped", "addr", addr, "err", err)
		}
	}()
	return srv
}

// Shutdown cierra el servidor de métricas con un timeout corto.
func Shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
