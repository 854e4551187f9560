package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "insights_"

	resultSuccess = "success"
	resultError   = "error"

	waitChanged   = "changed"
	waitTimeout   = "timeout"
	waitCancelled = "cancelled"
)

var (
	registerOnce sync.Once

	readingsReceived *prometheus.CounterVec
	readingsIngested prometheus.Counter
	rangeMisses      prometheus.Counter

	findingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	ledgerApplyTotal *prometheus.CounterVec
	ledgerApplyLat   *prometheus.HistogramVec
	upsertConflicts  prometheus.Counter

	pumpCyclesTotal *prometheus.CounterVec
	pumpCycleLat    *prometheus.HistogramVec

	facilityWakes prometheus.Counter
	waiters       prometheus.Gauge
	waitOutcomes  *prometheus.CounterVec
)

// Init registers collectors and DB-backed gauges. db may be nil.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		readingsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_received_total",
				Help: "Readings pushed into the ingest buffer by transport",
			},
			[]string{"source"},
		)
		readingsIngested = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_ingested_total",
				Help: "Readings persisted by the pump",
			},
		)
		rangeMisses = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "range_misses_total",
				Help: "Readings without a configured operating range",
			},
		)

		findingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "findings_total",
				Help: "Out-of-range findings by severity",
			},
			[]string{"severity"},
		)
		transitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transitions_total",
				Help: "Insight state transitions by kind",
			},
			[]string{"kind"},
		)
		ledgerApplyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_apply_total",
				Help: "Ledger apply operations by result",
			},
			[]string{"result"},
		)
		ledgerApplyLat = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ledger_apply_latency_seconds",
				Help:    "Ledger apply latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		upsertConflicts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "upsert_conflicts_total",
				Help: "Active-key conflicts retried by the ledger",
			},
		)

		pumpCyclesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "pump_cycles_total",
				Help: "Ingestion pump cycles by result",
			},
			[]string{"result"},
		)
		pumpCycleLat = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "pump_cycle_latency_seconds",
				Help:    "Ingestion pump cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		facilityWakes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "facility_wakes_total",
				Help: "Facility change notifications",
			},
		)
		waiters = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "facility_waiters",
				Help: "Viewers currently waiting for a facility change",
			},
		)
		waitOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "facility_wait_outcomes_total",
				Help: "Facility waits by outcome",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			readingsReceived,
			readingsIngested,
			rangeMisses,
			findingsTotal,
			transitionsTotal,
			ledgerApplyTotal,
			ledgerApplyLat,
			upsertConflicts,
			pumpCyclesTotal,
			pumpCycleLat,
			facilityWakes,
			waiters,
			waitOutcomes,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// AddReadingsReceived counts readings pushed by a transport.
func AddReadingsReceived(source string, count int) {
	if count <= 0 {
		return
	}
	if source == "" {
		source = "unknown"
	}
	if readingsReceived != nil {
		readingsReceived.WithLabelValues(source).Add(float64(count))
	}
}

// AddReadingsIngested counts persisted readings.
func AddReadingsIngested(count int) {
	if count <= 0 {
		return
	}
	if readingsIngested != nil {
		readingsIngested.Add(float64(count))
	}
}

// IncRangeMiss counts a reading with no configured range.
func IncRangeMiss() {
	if rangeMisses != nil {
		rangeMisses.Inc()
	}
}

// IncFinding counts a finding by severity.
func IncFinding(severity string) {
	if severity == "" {
		severity = "unknown"
	}
	if findingsTotal != nil {
		findingsTotal.WithLabelValues(severity).Inc()
	}
}

// IncTransition counts an insight transition (opened, escalated, resolved...).
func IncTransition(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if transitionsTotal != nil {
		transitionsTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveLedgerApply records apply latency and result.
func ObserveLedgerApply(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ledgerApplyTotal != nil {
		ledgerApplyTotal.WithLabelValues(result).Inc()
	}
	if ledgerApplyLat != nil {
		ledgerApplyLat.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncUpsertConflict counts a retried active-key conflict.
func IncUpsertConflict() {
	if upsertConflicts != nil {
		upsertConflicts.Inc()
	}
}

// ObservePumpCycle records cycle latency and result.
func ObservePumpCycle(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pumpCyclesTotal != nil {
		pumpCyclesTotal.WithLabelValues(result).Inc()
	}
	if pumpCycleLat != nil {
		pumpCycleLat.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncFacilityWake counts a facility notification.
func IncFacilityWake() {
	if facilityWakes != nil {
		facilityWakes.Inc()
	}
}

// AddWaiters adjusts the current waiter gauge.
func AddWaiters(delta int) {
	if waiters != nil {
		waiters.Add(float64(delta))
	}
}

// IncWaitOutcome counts how a wait ended.
func IncWaitOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if waitOutcomes != nil {
		waitOutcomes.WithLabelValues(outcome).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	WaitChanged   = waitChanged
	WaitTimeout   = waitTimeout
	WaitCancelled = waitCancelled
)
