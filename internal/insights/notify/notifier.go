package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	insightapp "plant-insights/internal/insights/application"
	insights "plant-insights/internal/insights/domain"
)

// Clock provides time for dedupe windows.
type Clock interface {
	Now() time.Time
}

const defaultQueueSize = 256

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier sends insight transitions to an outbound channel.
// It implements application.ChangeListener. Notify only queues the change;
// Run delivers it, so a slow endpoint never holds up the ledger.
type Notifier struct {
	channel        Channel
	template       *Template
	clock          Clock
	logger         *zap.Logger
	minSeverity    insights.Severity
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
	queue          chan insightapp.Change

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMinSeverity suppresses opened/escalated/deescalated transitions below severity.
// Resolutions of such insights are suppressed too.
func WithMinSeverity(severity insights.Severity) Option {
	return func(n *Notifier) {
		if severity.Valid() {
			n.minSeverity = severity
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same insight and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithRequestTimeout bounds each send.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithQueueSize bounds the number of changes waiting for delivery.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan insightapp.Change, size)
		}
	}
}

// NewNotifier constructs an insight notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("insight notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		logger:         zap.NewNop(),
		minSeverity:    insights.SeverityLow,
		requestTimeout: 5 * time.Second,
		queue:          make(chan insightapp.Change, defaultQueueSize),
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements application.ChangeListener. It never blocks: when the
// queue is full the change is dropped and logged.
func (n *Notifier) Notify(_ context.Context, change insightapp.Change) {
	if n == nil || n.channel == nil {
		return
	}
	if change.Insight.Severity.Rank() < n.minSeverity.Rank() {
		return
	}
	select {
	case n.queue <- change:
	default:
		n.logger.Warn("insight notification queue full, dropping",
			zap.String("insight_id", change.Insight.ID),
			zap.String("outcome", string(change.Outcome)),
		)
	}
}

// Run delivers queued changes until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if n == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-n.queue:
			n.deliver(ctx, change)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, change insightapp.Change) {
	data := buildTemplateData(change)
	content, err := n.template.Render(data)
	if err != nil {
		n.logger.Warn("insight notification render failed", zap.Error(err))
		return
	}
	event := string(change.Outcome)
	if !n.shouldSend(change.Insight.ID, event, content) {
		return
	}
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	if err := n.channel.Send(ctx, Message{Content: content, Data: data}); err != nil {
		n.logger.Warn("insight notification send failed",
			zap.String("insight_id", change.Insight.ID),
			zap.String("outcome", event),
			zap.Error(err),
		)
		return
	}
	n.markSent(change.Insight.ID, event, content)
}

func buildTemplateData(change insightapp.Change) TemplateData {
	in := change.Insight
	data := TemplateData{
		InsightID:     in.ID,
		FacilityID:    in.FacilityID,
		AssetID:       in.AssetID,
		AssetName:     change.AssetName,
		MetricName:    in.MetricName,
		ThresholdType: string(in.ThresholdType),
		ObservedValue: in.ObservedValue,
		Title:         in.Title,
		Description:   in.Description,
		Severity:      string(in.Severity),
		DetectedAt:    in.DetectedAt.UTC().Format(time.RFC3339),
		Suggestion:    suggestionFor(change),
		Event:         string(change.Outcome),
		EventLabel:    eventLabel(change.Outcome),
	}
	if change.Outcome == insights.OutcomeEscalated || change.Outcome == insights.OutcomeDeescalated {
		data.PreviousSeverity = string(change.Previous)
	}
	if !in.ResolvedAt.IsZero() {
		data.ResolvedAt = in.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return data
}

func eventLabel(outcome insights.Outcome) string {
	switch outcome {
	case insights.OutcomeOpened:
		return "Opened"
	case insights.OutcomeEscalated:
		return "Escalated"
	case insights.OutcomeDeescalated:
		return "De-escalated"
	case insights.OutcomeResolved:
		return "Resolved"
	default:
		return string(outcome)
	}
}

func suggestionFor(change insightapp.Change) string {
	if change.Outcome == insights.OutcomeResolved {
		return "No action needed; the reading is back inside its range."
	}
	switch change.Insight.Severity {
	case insights.SeverityHigh:
		return "Investigate immediately and mitigate risk."
	case insights.SeverityMedium:
		return "Verify the condition and take action if needed."
	default:
		return "Monitor the asset."
	}
}

func (n *Notifier) shouldSend(insightID, event, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := insightID + "|" + event
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

// markSent records a delivery and drops records that can no longer suppress anything.
func (n *Notifier) markSent(insightID, event, content string) {
	retention := n.cooldown
	if n.dedupeWindow > retention {
		retention = n.dedupeWindow
	}
	if retention <= 0 {
		return
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, record := range n.sent {
		if now.Sub(record.at) >= retention {
			delete(n.sent, key)
		}
	}
	n.sent[insightID+"|"+event] = sendRecord{at: now, hash: hashContent(content)}
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
