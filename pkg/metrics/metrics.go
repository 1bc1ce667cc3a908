// Package metrics exposes the gallery's Prometheus collectors.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

var (
	catalogEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pigseek_catalog_entries",
		Help: "Number of entries in the catalog",
	})

	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pigseek_operations_total",
		Help: "Gallery operations by name and result",
	}, []string{"op", "result"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pigseek_operation_duration_seconds",
		Help:    "Duration of gallery operations",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"op"})

	syncDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pigseek_sync_downloads_total",
		Help: "Blobs downloaded by sync",
	})

	syncState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pigseek_sync_state",
		Help: "1 for the current sync phase, 0 otherwise",
	}, []string{"phase"})

	blobBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pigseek_blob_bytes_total",
		Help: "Blob bytes written or served, by direction",
	}, []string{"direction"})

	searches = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pigseek_search_results",
		Help:    "Number of entries returned per search",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
	})
)

// SetCatalogEntries records the catalog size.
func SetCatalogEntries(n int) { catalogEntries.Set(float64(n)) }

// ObserveOperation counts one finished operation.
func ObserveOperation(op string, started time.Time, err error) {
	operations.WithLabelValues(op, Result(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Result labels an outcome by error kind.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ReplaceAll(xerrors.KindOf(err).String(), " ", "_")
}

// SyncDownloaded counts one downloaded blob.
func SyncDownloaded() { syncDownloads.Inc() }

// SetSyncPhase marks phase as the current sync phase among all.
func SetSyncPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		syncState.WithLabelValues(p).Set(v)
	}
}

// AddBlobBytes counts bytes moved in direction "in" or "out".
func AddBlobBytes(direction string, n int64) {
	if n > 0 {
		blobBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// ObserveSearch records how many entries a search returned.
func ObserveSearch(n int) { searches.Observe(float64(n)) }
