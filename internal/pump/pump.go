package pump

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	insightapp "plant-insights/internal/insights/application"
	insights "plant-insights/internal/insights/domain"
	"plant-insights/internal/insights/evaluator"
	"plant-insights/internal/insights/notify"
	masterdata "plant-insights/internal/masterdata/domain"
	"plant-insights/internal/masterdata/registry"
	"plant-insights/internal/observability/metrics"
	telemetry "plant-insights/internal/telemetry/domain"
)

const (
	defaultSchedule      = "@every 30s"
	defaultRetryElapsed  = 20 * time.Second
	defaultRetryInterval = 500 * time.Millisecond
)

// Ranges hands out the current range snapshot. *registry.Registry implements it.
type Ranges interface {
	Snapshot() *registry.Snapshot
}

// Ledger is the part of the insight ledger the pump drives.
type Ledger interface {
	ActiveKeys(ctx context.Context, facilityIDs []string) (insights.KeySet, error)
	Apply(ctx context.Context, findings []insights.Finding, clears []insights.ClearKey) (insightapp.AppliedInsights, error)
}

// CycleReport summarises one pump cycle.
type CycleReport struct {
	Received   int
	Invalid    int
	Unmatched  int
	Findings   int
	Clears     int
	Orphaned   int
	Changes    int
	Facilities []string
	// PersistFailed is set when the readings could not be stored within the retry window.
	PersistFailed bool
}

// Pump runs the drain, evaluate, apply and wake pipeline.
type Pump struct {
	source    telemetry.BatchSource
	readings  telemetry.ReadingRepository
	ranges    Ranges
	evaluator *evaluator.Evaluator
	ledger    Ledger
	statuses  masterdata.AssetStatusWriter
	waker     notify.Waker
	logger    *zap.Logger

	schedule      string
	retryElapsed  time.Duration
	retryInterval time.Duration

	mu         sync.Mutex
	cron       *cron.Cron
	cycle      uint64
	reconciled *registry.Snapshot
}

// Option customizes the pump.
type Option func(*Pump)

// WithReadingRepository persists every valid reading before evaluation.
func WithReadingRepository(repo telemetry.ReadingRepository) Option {
	return func(p *Pump) {
		p.readings = repo
	}
}

// WithAssetStatusWriter records derived asset statuses after each apply.
func WithAssetStatusWriter(writer masterdata.AssetStatusWriter) Option {
	return func(p *Pump) {
		p.statuses = writer
	}
}

// WithSchedule sets the cron schedule used by Start.
func WithSchedule(schedule string) Option {
	return func(p *Pump) {
		if schedule != "" {
			p.schedule = schedule
		}
	}
}

// WithRetry bounds the backoff applied to failing reading persists and ledger applies.
func WithRetry(maxElapsed, initialInterval time.Duration) Option {
	return func(p *Pump) {
		if maxElapsed > 0 {
			p.retryElapsed = maxElapsed
		}
		if initialInterval > 0 {
			p.retryInterval = initialInterval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New constructs a pump.
func New(source telemetry.BatchSource, ranges Ranges, eval *evaluator.Evaluator, ledger Ledger, waker notify.Waker, opts ...Option) (*Pump, error) {
	if source == nil {
		return nil, errors.New("pump: nil source")
	}
	if ranges == nil {
		return nil, errors.New("pump: nil ranges")
	}
	if eval == nil {
		return nil, errors.New("pump: nil evaluator")
	}
	if ledger == nil {
		return nil, errors.New("pump: nil ledger")
	}
	if waker == nil {
		return nil, errors.New("pump: nil waker")
	}
	p := &Pump{
		source:        source,
		ranges:        ranges,
		evaluator:     eval,
		ledger:        ledger,
		waker:         waker,
		logger:        zap.NewNop(),
		schedule:      defaultSchedule,
		retryElapsed:  defaultRetryElapsed,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RunCycle processes one batch. Facilities are woken only after the apply
// finished, so a released viewer always reads the committed state.
func (p *Pump) RunCycle(ctx context.Context, now time.Time) (report CycleReport, err error) {
	start := time.Now()
	p.mu.Lock()
	p.cycle++
	cycle := p.cycle
	p.mu.Unlock()
	logger := p.logger.With(zap.Uint64("cycle", cycle), zap.Time("at", now))
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
			logger.Error("pump cycle failed", zap.Error(err))
		}
		metrics.ObservePumpCycle(result, time.Since(start))
	}()

	batch, err := p.source.Next(ctx)
	if err != nil && len(batch.Readings) == 0 {
		return report, fmt.Errorf("pump: drain source: %w", err)
	}
	if err != nil {
		logger.Warn("reading source partially failed", zap.Error(err))
	}
	report.Received = len(batch.Readings)

	readings := make([]telemetry.Reading, 0, len(batch.Readings))
	for _, reading := range batch.Readings {
		if reading.Validate() != nil {
			report.Invalid++
			continue
		}
		readings = append(readings, reading)
	}
	if report.Invalid > 0 {
		logger.Warn("invalid readings dropped", zap.Int("count", report.Invalid))
	}

	snapshot := p.ranges.Snapshot()
	orphans, err := p.orphanedClears(ctx, snapshot, now)
	if err != nil {
		return report, fmt.Errorf("pump: load orphaned insights: %w", err)
	}
	if len(readings) == 0 && len(orphans) == 0 {
		p.markReconciled(snapshot)
		return report, nil
	}

	if p.readings != nil && len(readings) > 0 {
		// The batch is already drained; an unpersisted batch is still evaluated.
		if err := p.retry(ctx, logger, "reading persist", func() error {
			return p.readings.InsertReadings(ctx, readings)
		}); err != nil {
			report.PersistFailed = true
			logger.Error("readings not persisted, evaluating anyway",
				zap.Int("readings", len(readings)),
				zap.Error(err),
			)
		}
	}
	if !report.PersistFailed {
		metrics.AddReadingsIngested(len(readings))
	}

	active, err := p.ledger.ActiveKeys(ctx, facilitiesOf(readings, snapshot))
	if err != nil {
		return report, fmt.Errorf("pump: load active insights: %w", err)
	}
	result, err := p.evaluator.Evaluate(readings, snapshot, active)
	if err != nil {
		return report, fmt.Errorf("pump: evaluate: %w", err)
	}
	result.Clears = append(result.Clears, orphans...)
	report.Unmatched = len(result.Unmatched)
	report.Findings = len(result.Findings)
	report.Clears = len(result.Clears)
	report.Orphaned = len(orphans)

	changed, err := p.apply(ctx, logger, result)
	report.Changes = changed.changes
	if err != nil {
		// Facilities whose rows did change before the failure still get woken.
		p.wake(ctx, changed.facilities)
		report.Facilities = changed.facilities
		return report, fmt.Errorf("pump: apply insights: %w", err)
	}
	p.markReconciled(snapshot)

	if p.statuses != nil && len(result.AssetStatuses) > 0 {
		if err := p.statuses.UpdateStatuses(ctx, result.AssetStatuses); err != nil {
			logger.Warn("asset status update failed", zap.Error(err))
		}
	}

	report.Facilities = union(result.Facilities, changed.facilities)
	p.wake(ctx, report.Facilities)

	logger.Debug("pump cycle complete",
		zap.Int("readings", len(readings)),
		zap.Int("findings", report.Findings),
		zap.Int("clears", report.Clears),
		zap.Int("orphaned", report.Orphaned),
		zap.Int("changes", report.Changes),
		zap.Int("facilities", len(report.Facilities)),
	)
	return report, nil
}

// orphanedClears resolves active insights whose range left the registry. It only
// runs when the snapshot differs from the last one reconciled.
func (p *Pump) orphanedClears(ctx context.Context, snapshot *registry.Snapshot, now time.Time) ([]insights.ClearKey, error) {
	p.mu.Lock()
	previous := p.reconciled
	p.mu.Unlock()
	if previous == snapshot {
		return nil, nil
	}
	facilities := union(previous.Facilities(), snapshot.Facilities())
	if len(facilities) == 0 {
		return nil, nil
	}
	active, err := p.ledger.ActiveKeys(ctx, facilities)
	if err != nil {
		return nil, err
	}
	var clears []insights.ClearKey
	for key := range active {
		if _, ok := snapshot.Lookup(key.AssetID, key.MetricName); ok {
			continue
		}
		clears = append(clears, insights.ClearKey{Key: key, ObservedAt: now})
	}
	sort.Slice(clears, func(a, b int) bool { return clears[a].Key.Less(clears[b].Key) })
	if len(clears) > 0 {
		p.logger.Info("resolving insights without an operating range", zap.Int("count", len(clears)))
	}
	return clears, nil
}

func (p *Pump) markReconciled(snapshot *registry.Snapshot) {
	p.mu.Lock()
	p.reconciled = snapshot
	p.mu.Unlock()
}

type applyOutcome struct {
	changes    int
	facilities []string
}

// apply retries the whole batch with exponential backoff. Re-application is
// idempotent, so changes from a failed attempt are merged and not repeated.
func (p *Pump) apply(ctx context.Context, logger *zap.Logger, result evaluator.Result) (applyOutcome, error) {
	var out applyOutcome
	if len(result.Findings) == 0 && len(result.Clears) == 0 {
		return out, nil
	}
	err := p.retry(ctx, logger, "ledger apply", func() error {
		applied, err := p.ledger.Apply(ctx, result.Findings, result.Clears)
		out.changes += len(applied.Changes)
		out.facilities = union(out.facilities, applied.Facilities)
		return err
	})
	return out, err
}

// retry runs operation under the pump's backoff policy. A cancelled ctx stops it at once.
func (p *Pump) retry(ctx context.Context, logger *zap.Logger, what string, operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryInterval
	policy.MaxElapsedTime = p.retryElapsed

	attempt := 0
	run := func() error {
		attempt++
		err := operation()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notifyRetry := func(err error, wait time.Duration) {
		logger.Warn(what+" failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(run, backoff.WithContext(policy, ctx), notifyRetry)
}

func (p *Pump) wake(ctx context.Context, facilities []string) {
	for _, facilityID := range facilities {
		p.waker.Wake(ctx, facilityID)
	}
}

// Start schedules RunCycle. Overlapping runs are skipped. Start is a no-op when already running.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(p.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = p.RunCycle(ctx, time.Now().UTC())
	}); err != nil {
		return fmt.Errorf("pump: schedule %q: %w", p.schedule, err)
	}
	c.Start()
	p.cron = c
	p.logger.Info("pump started", zap.String("schedule", p.schedule))
	return nil
}

// Stop halts scheduling and waits for an in-flight cycle.
func (p *Pump) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func facilitiesOf(readings []telemetry.Reading, ranges masterdata.RangeLookup) []string {
	seen := map[string]struct{}{}
	for _, reading := range readings {
		r, ok := ranges.Lookup(reading.AssetID, reading.MetricName)
		if !ok || r.FacilityID == "" {
			continue
		}
		seen[r.FacilityID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
