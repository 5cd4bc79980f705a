package ixdb

import "github.com/prometheus/client_golang/prometheus"

// metricsCollector exposes Stats() (and index-maintenance failure counts)
// as a prometheus.Collector, an opt-in observability surface layered on
// top of the synchronous Stats call every operation can use directly. It
// is additive: nothing in the mutation path depends on Prometheus being
// wired up, and scraping it never touches the backing store's write path.
type metricsCollector struct {
	db *DB

	pageSize  *prometheus.Desc
	treeDepth *prometheus.Desc
	entries   *prometheus.Desc
	freePages *prometheus.Desc

	indexErrors *prometheus.CounterVec
}

func newMetricsCollector(db *DB) *metricsCollector {
	return &metricsCollector{
		db: db,
		pageSize: prometheus.NewDesc("ixdb_page_size_bytes",
			"Backing store page size in bytes.", nil, nil),
		treeDepth: prometheus.NewDesc("ixdb_btree_depth",
			"Backing store B+-tree depth.", nil, nil),
		entries: prometheus.NewDesc("ixdb_tree_entries",
			"Cached entry count for a tree.", []string{"tree"}, nil),
		freePages: prometheus.NewDesc("ixdb_free_pages",
			"Free pages available for reuse in the backing store.", nil, nil),
		indexErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ixdb_index_maintenance_errors_total",
			Help: "Count of IndexError outcomes from mutation operations, by tree and index.",
		}, []string{"tree", "index"}),
	}
}

// Describe implements prometheus.Collector.
func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pageSize
	ch <- c.treeDepth
	ch <- c.entries
	ch <- c.freePages
	c.indexErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.db.Stats()
	if err == nil {
		ch <- prometheus.MustNewConstMetric(c.pageSize, prometheus.GaugeValue, float64(stats.PageSize))
		ch <- prometheus.MustNewConstMetric(c.treeDepth, prometheus.GaugeValue, float64(stats.Depth))
		ch <- prometheus.MustNewConstMetric(c.freePages, prometheus.GaugeValue, float64(stats.FreePages))
	}

	c.db.mu.Lock()
	for name, tree := range c.db.trees {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(tree.Count()), name)
	}
	c.db.mu.Unlock()

	c.indexErrors.Collect(ch)
}

func (c *metricsCollector) observeIndexError(tree, index string) {
	if c == nil {
		return
	}
	c.indexErrors.WithLabelValues(tree, index).Inc()
}

// Collector returns a prometheus.Collector reporting backing-store and
// per-tree statistics plus index-maintenance failure counters. Registering
// it is optional and has no effect on mutation-path behavior.
func (db *DB) Collector() prometheus.Collector { return db.metrics }
