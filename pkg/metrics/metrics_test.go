package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options on a fresh registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then it should be created with defaults", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "fidscore")
				So(manager.RefreshInterval(), ShouldEqual, defaultRefreshInterval)
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithMetricPrefix("pfx"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithRefreshInterval(5*time.Second),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)
			manager.snapshotOutcomes.WithLabelValues(OutcomeAppended).Inc()

			Convey("Then collectors carry the namespace, prefix and labels", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_unit_pfx_outcomes_total" {
						found = true
						So(f.GetMetric()[0].GetLabel(), ShouldNotBeEmpty)
					}
				}
				So(found, ShouldBeTrue)
				So(manager.RefreshInterval(), ShouldEqual, 5*time.Second)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording snapshot outcomes", func() {
			before := testutil.ToFloat64(globalManager.snapshotOutcomes.WithLabelValues(OutcomeReplaced))
			RecordSnapshotOutcome(OutcomeReplaced)
			RecordSnapshotOutcome(OutcomeReplaced)

			Convey("Then the counter moves", func() {
				after := testutil.ToFloat64(globalManager.snapshotOutcomes.WithLabelValues(OutcomeReplaced))
				So(after-before, ShouldEqual, 2)
			})
		})

		Convey("When recording every helper", func() {
			Convey("Then nothing panics", func() {
				So(func() {
					RecordSnapshotsEvicted(3)
					RecordSnapshotsEvicted(0)
					RecordHistoryLength(42)
					RecordPersistenceFailure("memory", "append")
					RecordStoreLatency("badger", "list", 1.5)
					RecordUpstreamRequest("200", 12)
					RecordUpstreamError("rate_limited")
					RecordObserverCache("hit")
					RecordStaleFallback()
					UpdateTrackedSize(10)
					RecordTrackedEviction()
					RecordSweep(2 * time.Second)
					RecordSweepResult("ok")
					UpdateQueueSize(5)
					UpdateQueueCapacity(100)
					RecordQueueEnqueue()
					RecordQueueDequeue()
					RecordQueueEnqueueError()
					UpdateWorkerActiveCount(4)
					RecordWorkerProcessingLatency(3)
					RecordWorkerError()
					RecordHTTPRequest("/score", "GET", "200")
					RecordHTTPRequestDuration("/score", "GET", "200", 4)
					RecordErrorByComponent("store", "persistence")
					UpdateSystemMemoryUsage(1024)
					UpdateSystemGoroutineCount(12)
					RecordSystemGCPauseTime(0.3)
				}, ShouldNotPanic)
			})
		})

		Convey("When the registry is gathered", func() {
			RecordStaleFallback()
			families, err := GetRegistry().Gather()

			Convey("Then the service metrics are exported", func() {
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				So(strings.Join(names, ","), ShouldContainSubstring, "fidscore_snapshots_stale_fallbacks_total")
			})
		})
	})
}

func TestMetricsDisabled(t *testing.T) {
	Convey("Given a disabled global manager", t, func() {
		saved := globalManager
		globalManager = NewManager(WithPrometheusRegistry(prometheus.NewRegistry()), WithMetricsEnabled(false))
		defer func() { globalManager = saved }()

		RecordStaleFallback()

		Convey("Then recording is a no-op", func() {
			So(testutil.ToFloat64(globalManager.staleFallbacks), ShouldEqual, 0)
		})
	})
}
