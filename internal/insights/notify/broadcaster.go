package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"plant-insights/internal/observability/metrics"
)

// ErrTimeoutRequired is returned when WaitForChange is called without a positive timeout.
var ErrTimeoutRequired = errors.New("notify: wait timeout must be positive")

// Waker signals that a facility's insights or readings changed.
type Waker interface {
	Wake(ctx context.Context, facilityID string)
}

// facilityChannel is the broadcast primitive of one facility. Wake closes the
// current wake channel, releasing every waiter holding it, and installs a fresh one.
type facilityChannel struct {
	mu         sync.Mutex
	wake       chan struct{}
	waiters    int
	lastActive time.Time
	retired    bool
}

// Broadcaster fans out wake signals to viewers blocked on a facility.
// Channels are created on first use and retired by Sweep once idle.
type Broadcaster struct {
	channels sync.Map
	now      func() time.Time
	logger   *zap.Logger
}

// BroadcasterOption configures the broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the logger.
func WithBroadcasterLogger(logger *zap.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBroadcasterClock sets the clock used for idle tracking.
func WithBroadcasterClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wake releases every viewer currently waiting on facilityID. Waking a facility
// nobody watches is a no-op. Viewers that start waiting afterwards wait for the next wake.
func (b *Broadcaster) Wake(_ context.Context, facilityID string) {
	v, ok := b.channels.Load(facilityID)
	if !ok {
		return
	}
	ch := v.(*facilityChannel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.retired {
		return
	}
	close(ch.wake)
	ch.wake = make(chan struct{})
	ch.lastActive = b.now()
	metrics.IncFacilityWake()
}

// WaitForChange blocks until facilityID is woken (true), timeout elapses (false, nil)
// or ctx is done (false, ctx.Err()).
func (b *Broadcaster) WaitForChange(ctx context.Context, facilityID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return false, ErrTimeoutRequired
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ch, wake := b.acquire(facilityID)
	defer b.release(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
		metrics.IncWaitOutcome(metrics.WaitChanged)
		return true, nil
	case <-timer.C:
		metrics.IncWaitOutcome(metrics.WaitTimeout)
		return false, nil
	case <-ctx.Done():
		metrics.IncWaitOutcome(metrics.WaitCancelled)
		return false, ctx.Err()
	}
}

func (b *Broadcaster) acquire(facilityID string) (*facilityChannel, <-chan struct{}) {
	for {
		v, ok := b.channels.Load(facilityID)
		if !ok {
			v, _ = b.channels.LoadOrStore(facilityID, &facilityChannel{
				wake:       make(chan struct{}),
				lastActive: b.now(),
			})
		}
		ch := v.(*facilityChannel)
		ch.mu.Lock()
		if ch.retired {
			// Sweep removed it from the map; load again.
			ch.mu.Unlock()
			continue
		}
		ch.waiters++
		ch.lastActive = b.now()
		wake := ch.wake
		ch.mu.Unlock()
		metrics.AddWaiters(1)
		return ch, wake
	}
}

func (b *Broadcaster) release(ch *facilityChannel) {
	ch.mu.Lock()
	ch.waiters--
	ch.lastActive = b.now()
	ch.mu.Unlock()
	metrics.AddWaiters(-1)
}

// Waiters returns the number of viewers blocked on facilityID.
func (b *Broadcaster) Waiters(facilityID string) int {
	v, ok := b.channels.Load(facilityID)
	if !ok {
		return 0
	}
	ch := v.(*facilityChannel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.waiters
}

// Sweep retires channels with no waiters that have been idle for at least ttl.
// It returns the number of channels retired.
func (b *Broadcaster) Sweep(ttl time.Duration) int {
	now := b.now()
	retired := 0
	b.channels.Range(func(key, value any) bool {
		ch := value.(*facilityChannel)
		ch.mu.Lock()
		if ch.waiters == 0 && !ch.retired && now.Sub(ch.lastActive) >= ttl {
			ch.retired = true
			b.channels.CompareAndDelete(key, ch)
			retired++
		}
		ch.mu.Unlock()
		return true
	})
	return retired
}

// Run sweeps idle channels every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Sweep(ttl); n > 0 {
				b.logger.Debug("retired idle facility channels", zap.Int("count", n))
			}
		}
	}
}
