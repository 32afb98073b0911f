package rentsync

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the fallback poll period while polls succeed.
const DefaultPollInterval = time.Second

// ============================================================================
// Backoff
// ============================================================================

// Backoff picks the delay before the next poll given the number of
// consecutive failures so far.
type Backoff interface {
	Next(failures int) time.Duration
}

// FixedInterval always waits the same time.
type FixedInterval time.Duration

func (f FixedInterval) Next(int) time.Duration { return time.Duration(f) }

// JitterBackoff waits Base while polls succeed and grows exponentially with
// random jitter after failures, up to Max.
type JitterBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay added at random, 0..1

	mu   sync.Mutex
	rand *rand.Rand
}

// NewJitterBackoff returns a backoff starting at base and capped at max.
func NewJitterBackoff(base, max time.Duration) *JitterBackoff {
	return &JitterBackoff{
		Base:   base,
		Max:    max,
		Jitter: 0.5,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *JitterBackoff) Next(failures int) time.Duration {
	if failures <= 0 {
		return b.Base
	}
	delay := float64(b.Base) * math.Pow(2, float64(failures))
	b.mu.Lock()
	if b.rand != nil {
		delay += b.rand.Float64() * delay * b.Jitter
	}
	b.mu.Unlock()
	if b.Max > 0 {
		delay = math.Min(delay, float64(b.Max))
	}
	return time.Duration(delay)
}

// ============================================================================
// Poller
// ============================================================================

// PollFunc refetches the authoritative collections for one user.
type PollFunc func(ctx context.Context, userID string) error

// PollerOption configures a Poller.
type PollerOption func(*Poller)

func WithPollBackoff(b Backoff) PollerOption {
	return func(p *Poller) { p.backoff = b }
}

func WithPollClock(clock clockwork.Clock) PollerOption {
	return func(p *Poller) { p.clock = clock }
}

func WithPollLogger(log logrus.FieldLogger) PollerOption {
	return func(p *Poller) { p.log = log }
}

func WithPollMetrics(m *Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// Poller periodically runs a PollFunc while a user is active. It is the
// backstop for lost push events.
type Poller struct {
	poll    PollFunc
	backoff Backoff
	clock   clockwork.Clock
	log     logrus.FieldLogger
	metrics *Metrics

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a stopped poller.
func NewPoller(poll PollFunc, interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{poll: poll, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(p)
	}
	if p.backoff == nil {
		p.backoff = NewJitterBackoff(interval, 30*time.Second)
	}
	if p.log == nil {
		p.log = discardLogger()
	}
	return p
}

// Restart stops any running loop and, for a non-empty userID, starts a new
// one for that user.
func (p *Poller) Restart(ctx context.Context, userID string) {
	p.Stop()
	if userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lctx, cancel := context.WithCancel(ctx)
	p.userID = userID
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(lctx, userID, p.done)
}

// Stop halts the loop and waits for an in-flight poll to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done, p.userID = nil, nil, ""
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports the user being polled for, if any.
func (p *Poller) Running() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID, p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, userID string, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.backoff.Next(failures)):
		}

		err := p.poll(ctx, userID)
		p.metrics.poll(err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.log.WithError(err).WithField("failures", failures).Warn("fallback poll failed")
			continue
		}
		failures = 0
	}
}
