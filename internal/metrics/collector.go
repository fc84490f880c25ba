package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scttfrdmn/statecache/pkg/types"
)

// Config represents metrics exporter settings.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// StatsSource yields a point-in-time statistics snapshot. The cache
// client's Stats method satisfies this.
type StatsSource func() types.CacheStats

// Collector exposes cache statistics to Prometheus. Rather than
// double-counting events, it reads a stats snapshot from the source on
// every scrape and reports the counters as-is.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	source   StatsSource
	server   *http.Server

	hitsDesc        *prometheus.Desc
	missesDesc      *prometheus.Desc
	setsDesc        *prometheus.Desc
	promotionsDesc  *prometheus.Desc
	demotionsDesc   *prometheus.Desc
	evictionsDesc   *prometheus.Desc
	entriesDesc     *prometheus.Desc
	sizeDesc        *prometheus.Desc
	capacityDesc    *prometheus.Desc
	hitRatioDesc    *prometheus.Desc
	utilizationDesc *prometheus.Desc
}

// NewCollector creates a metrics collector reading from source. A nil
// config or a disabled one yields a no-op collector.
func NewCollector(config *Config, source StatsSource) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "statecache",
		}
	}

	c := &Collector{config: config, source: source}
	if !config.Enabled {
		return c, nil
	}
	if source == nil {
		return nil, fmt.Errorf("metrics enabled without a stats source")
	}

	ns := config.Namespace
	c.hitsDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "hits_total"),
		"Total number of cache hits", nil, nil)
	c.missesDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "misses_total"),
		"Total number of cache misses", nil, nil)
	c.setsDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "sets_total"),
		"Total number of cache writes", nil, nil)
	c.promotionsDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "promotions_total"),
		"Entries promoted from probation into the protected segment", nil, nil)
	c.demotionsDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "demotions_total"),
		"Entries demoted from the protected segment into probation", nil, nil)
	c.evictionsDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "evictions_total"),
		"Entries evicted for space", nil, nil)
	c.entriesDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "entries"),
		"Current number of resident entries", nil, nil)
	c.sizeDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "resident_bytes"),
		"Current resident bytes across all buckets", nil, nil)
	c.capacityDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "capacity_bytes"),
		"Configured capacity in bytes across all buckets", nil, nil)
	c.hitRatioDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "hit_ratio"),
		"Hits over hits plus misses since the last stats reset", nil, nil)
	c.utilizationDesc = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "utilization"),
		"Resident bytes over capacity", nil, nil)

	c.registry = prometheus.NewRegistry()
	if err := c.registry.Register(c); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hitsDesc
	ch <- c.missesDesc
	ch <- c.setsDesc
	ch <- c.promotionsDesc
	ch <- c.demotionsDesc
	ch <- c.evictionsDesc
	ch <- c.entriesDesc
	ch <- c.sizeDesc
	ch <- c.capacityDesc
	ch <- c.hitRatioDesc
	ch <- c.utilizationDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source()

	ch <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.setsDesc, prometheus.CounterValue, float64(stats.Sets))
	ch <- prometheus.MustNewConstMetric(c.promotionsDesc, prometheus.CounterValue, float64(stats.Promotions))
	ch <- prometheus.MustNewConstMetric(c.demotionsDesc, prometheus.CounterValue, float64(stats.Demotions))
	ch <- prometheus.MustNewConstMetric(c.evictionsDesc, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.entriesDesc, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.sizeDesc, prometheus.GaugeValue, float64(stats.Size))
	ch <- prometheus.MustNewConstMetric(c.capacityDesc, prometheus.GaugeValue, float64(stats.Capacity))
	ch <- prometheus.MustNewConstMetric(c.hitRatioDesc, prometheus.GaugeValue, stats.HitRate)
	ch <- prometheus.MustNewConstMetric(c.utilizationDesc, prometheus.GaugeValue, stats.Utilization)
}

// Registry exposes the private registry, mainly for tests and embedding.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the metrics server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}
