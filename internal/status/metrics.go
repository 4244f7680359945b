package status

import (
	"github.com/prometheus/client_golang/prometheus"

	"gpstimed/internal/store"
)

// collector renders the shared tables as Prometheus metrics. Values are read
// straight off the arena on every scrape; nothing is cached or persisted.
type collector struct {
	tables *store.Tables

	synchronized *prometheus.Desc
	driftMs      *prometheus.Desc
	avgDriftMs   *prometheus.Desc
	precisionMs  *prometheus.Desc
	samplingSec  *prometheus.Desc
	gpsFix       *prometheus.Desc
	stratum      *prometheus.Desc
	poolPeers    *prometheus.Desc
	received     *prometheus.Desc
	clientSrv    *prometheus.Desc
	broadcasts   *prometheus.Desc
}

func newCollector(tables *store.Tables) *collector {
	return &collector{
		tables: tables,
		synchronized: prometheus.NewDesc("gpstimed_clock_synchronized",
			"Whether the local clock tracks its time source.", nil, nil),
		driftMs: prometheus.NewDesc("gpstimed_clock_drift_milliseconds",
			"Most recent measured drift against the time source.", nil, nil),
		avgDriftMs: prometheus.NewDesc("gpstimed_clock_avg_drift_milliseconds",
			"Average drift over the last learning cycle.", nil, nil),
		precisionMs: prometheus.NewDesc("gpstimed_clock_precision_milliseconds",
			"Configured synchronization target.", nil, nil),
		samplingSec: prometheus.NewDesc("gpstimed_clock_sampling_seconds",
			"Estimated interval between discipline calls.", nil, nil),
		gpsFix: prometheus.NewDesc("gpstimed_gps_fix",
			"Whether the GPS currently reports a valid fix.", nil, nil),
		stratum: prometheus.NewDesc("gpstimed_ntp_stratum",
			"Effective NTP stratum (0 when not serving).", nil, nil),
		poolPeers: prometheus.NewDesc("gpstimed_ntp_pool_peers",
			"Known broadcasting peers.", nil, nil),
		received: prometheus.NewDesc("gpstimed_ntp_received_last_bucket",
			"Packets received in the last completed 10s bucket.", nil, nil),
		clientSrv: prometheus.NewDesc("gpstimed_ntp_clients_last_bucket",
			"Client replies in the last completed 10s bucket.", nil, nil),
		broadcasts: prometheus.NewDesc("gpstimed_ntp_broadcasts_last_bucket",
			"Broadcasts in the last completed 10s bucket.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func bool01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	clk := c.tables.Clock.At(0)
	ch <- prometheus.MustNewConstMetric(c.synchronized, prometheus.GaugeValue, bool01(clk.Synchronized != 0))
	ch <- prometheus.MustNewConstMetric(c.driftMs, prometheus.GaugeValue, float64(clk.Drift))
	ch <- prometheus.MustNewConstMetric(c.avgDriftMs, prometheus.GaugeValue, float64(clk.AvgDrift))
	ch <- prometheus.MustNewConstMetric(c.precisionMs, prometheus.GaugeValue, float64(clk.Precision))
	ch <- prometheus.MustNewConstMetric(c.samplingSec, prometheus.GaugeValue, float64(clk.Sampling))

	gps := c.tables.Gps.At(0)
	ch <- prometheus.MustNewConstMetric(c.gpsFix, prometheus.GaugeValue, bool01(gps.Fix != 0))

	n := c.tables.Ntp.At(0)
	ch <- prometheus.MustNewConstMetric(c.stratum, prometheus.GaugeValue, float64(n.Stratum))
	peers := 0
	for i := range n.Pool {
		if n.Pool[i].Local.Sec != 0 {
			peers++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.poolPeers, prometheus.GaugeValue, float64(peers))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.GaugeValue, float64(n.Latest.Received))
	ch <- prometheus.MustNewConstMetric(c.clientSrv, prometheus.GaugeValue, float64(n.Latest.Client))
	ch <- prometheus.MustNewConstMetric(c.broadcasts, prometheus.GaugeValue, float64(n.Latest.Broadcast))
}
