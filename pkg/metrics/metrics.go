// Package metrics 定义 coldvault 的 Prometheus 指标。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics 的所有方法对 nil 接收者都是安全的 (未启用指标时直接忽略)
type Metrics struct {
	TasksTotal       *prometheus.CounterVec   // coldvault_tasks_total{operation,outcome}
	ArchivesStored   prometheus.Counter       // coldvault_archives_stored_total
	ArchiveBytes     prometheus.Counter       // coldvault_archive_bytes_stored_total
	ArchivesDeleted  prometheus.Counter       // coldvault_archives_deleted_total
	RestorePolls     *prometheus.CounterVec   // coldvault_restore_polls_total{status}
	LockWaitSeconds  *prometheus.HistogramVec // coldvault_lock_wait_seconds{kind}
	CacheEvictions   prometheus.Counter       // coldvault_cache_evictions_total
	BuildingDirs     *prometheus.GaugeVec     // coldvault_building_dirs{state}
	PendingActionsOK prometheus.Counter       // coldvault_pending_actions_succeeded_total
}

// Init 注册所有指标，只会注册一次；之后的调用返回同一个实例
func Init(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		instance = &Metrics{
			TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "coldvault_tasks_total",
				Help: "Engine tasks by operation and outcome",
			}, []string{"operation", "outcome"}),

			ArchivesStored: f.NewCounter(prometheus.CounterOpts{
				Name: "coldvault_archives_stored_total",
				Help: "Archives uploaded to the cold storage",
			}),

			ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
				Name: "coldvault_archive_bytes_stored_total",
				Help: "Bytes of archives uploaded to the cold storage",
			}),

			ArchivesDeleted: f.NewCounter(prometheus.CounterOpts{
				Name: "coldvault_archives_deleted_total",
				Help: "Archives deleted from the cold storage",
			}),

			RestorePolls: f.NewCounterVec(prometheus.CounterOpts{
				Name: "coldvault_restore_polls_total",
				Help: "Restore status polls by observed status",
			}, []string{"status"}),

			LockWaitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "coldvault_lock_wait_seconds",
				Help:    "Time spent waiting for named locks",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			}, []string{"kind"}),

			CacheEvictions: f.NewCounter(prometheus.CounterOpts{
				Name: "coldvault_cache_evictions_total",
				Help: "Entries removed from the restored archive cache",
			}),

			BuildingDirs: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "coldvault_building_dirs",
				Help: "Building directories in the workspace by state",
			}, []string{"state"}),

			PendingActionsOK: f.NewCounter(prometheus.CounterOpts{
				Name: "coldvault_pending_actions_succeeded_total",
				Help: "Pending files that reached the cold storage",
			}),
		}
	})
	return instance
}

// Get 返回单例，未初始化时为 nil
func Get() *Metrics {
	return instance
}

func (m *Metrics) RecordTask(operation, outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) RecordArchiveStored(size int64) {
	if m == nil {
		return
	}
	m.ArchivesStored.Inc()
	m.ArchiveBytes.Add(float64(size))
}

func (m *Metrics) RecordArchiveDeleted() {
	if m == nil {
		return
	}
	m.ArchivesDeleted.Inc()
}

func (m *Metrics) RecordRestorePoll(status string) {
	if m == nil {
		return
	}
	m.RestorePolls.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveLockWait(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) RecordEviction(n int) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

func (m *Metrics) RecordPendingActionSucceeded() {
	if m == nil {
		return
	}
	m.PendingActionsOK.Inc()
}

func (m *Metrics) SetBuildingDirs(state string, n int) {
	if m == nil {
		return
	}
	m.BuildingDirs.WithLabelValues(state).Set(float64(n))
}
