package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/polyarb/internal/arbitrage"
	"github.com/alanyoungcy/polyarb/internal/fee"
)

var snapshotsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "scanner", "snapshots_total"),
	"Snapshots handled by the scanner, by result.",
	[]string{"result"}, nil,
)

type scannerCollector struct {
	stats func() arbitrage.ScannerStats
}

func (s *scannerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- snapshotsDesc }

func (s *scannerCollector) Collect(ch chan<- prometheus.Metric) {
	st := s.stats()
	for result, v := range map[string]uint64{
		"received":       st.Received,
		"malformed":      st.Malformed,
		"duplicate":      st.Duplicates,
		"busy":           st.Busy,
		"executed":       st.Executed,
		"no_opportunity": st.NoOpp,
		"rejected":       st.Rejected,
		"failed":         st.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(snapshotsDesc, prometheus.CounterValue, float64(v), result)
	}
}

var (
	feeLookupsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "fee", "cache_lookups_total"),
		"Fee memo-cache lookups, by result.",
		[]string{"result"}, nil,
	)
	feeSizeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "fee", "cache_entries"),
		"Prices currently memoized by the fee model.",
		nil, nil,
	)
)

type feeCollector struct {
	stats func() fee.Stats
}

func (f *feeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- feeLookupsDesc
	ch <- feeSizeDesc
}

func (f *feeCollector) Collect(ch chan<- prometheus.Metric) {
	st := f.stats()
	ch <- prometheus.MustNewConstMetric(feeLookupsDesc, prometheus.CounterValue, float64(st.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(feeLookupsDesc, prometheus.CounterValue, float64(st.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(feeSizeDesc, prometheus.GaugeValue, float64(st.Size))
}
