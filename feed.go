package rentsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ChangeSink receives normalized change events. *Engine implements it.
type ChangeSink interface {
	ApplyChange(ev ChangeEvent) bool
}

// ChatScope is implemented by sinks that know which chats the local user
// has. *Engine implements it. The feed uses it to keep other users'
// messages away from the sink.
type ChatScope interface {
	ChatScope(chatID string) (known, loaded bool)
}

// DefaultOrphanGrace is how long a message for an unknown chat is held
// waiting for the chat to appear.
const DefaultOrphanGrace = 10 * time.Second

// FeedError is a subscription or channel failure on one table.
type FeedError struct {
	Table string
	Err   error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("change feed %s: %v", e.Table, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// FeedOption configures a FeedListener.
type FeedOption func(*FeedListener)

func WithFeedLogger(log logrus.FieldLogger) FeedOption {
	return func(l *FeedListener) { l.log = log }
}

func WithFeedMetrics(m *Metrics) FeedOption {
	return func(l *FeedListener) { l.metrics = m }
}

func WithFeedClock(clock clockwork.Clock) FeedOption {
	return func(l *FeedListener) { l.clock = clock }
}

// WithOrphanGrace sets how long messages for not yet known chats are held.
func WithOrphanGrace(d time.Duration) FeedOption {
	return func(l *FeedListener) { l.grace = d }
}

// WithReplayWindow sets how many recently applied event keys are
// remembered for duplicate suppression.
func WithReplayWindow(n int) FeedOption {
	return func(l *FeedListener) { l.window = n }
}

// FeedListener keeps one subscription per watched table and forwards
// events to a sink. The items subscription is independent of identity;
// wishlist, chats and messages run only while an identity is set.
type FeedListener struct {
	sub     Subscriber
	sink    ChangeSink
	log     logrus.FieldLogger
	metrics *Metrics
	window  int
	seen    *lru.Cache[uint64, struct{}]
	errs    chan error
	clock   clockwork.Clock
	grace   time.Duration

	// hmu serializes the chat scope check against chat application, so
	// a held message cannot miss the arrival of its chat.
	hmu  sync.Mutex
	held []heldMessage

	mu       sync.Mutex
	identity string
	streams  map[string]*stream
	wg       sync.WaitGroup
}

type heldMessage struct {
	ev ChangeEvent
	at time.Time
}

type stream struct {
	table  string
	sub    Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// identity-scoped tables, in subscription order
var scopedTables = []string{TableWishlist, TableChats, TableMessages}

// NewFeedListener creates a listener; nothing is subscribed until Start.
func NewFeedListener(sub Subscriber, sink ChangeSink, opts ...FeedOption) *FeedListener {
	l := &FeedListener{
		sub:     sub,
		sink:    sink,
		window:  1024,
		errs:    make(chan error, 16),
		clock:   clockwork.NewRealClock(),
		grace:   DefaultOrphanGrace,
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = discardLogger()
	}
	seen, err := lru.New[uint64, struct{}](l.window)
	if err != nil {
		seen, _ = lru.New[uint64, struct{}](1024)
	}
	l.seen = seen
	return l
}

// Errors delivers feed failures. Errors are dropped when nobody reads.
func (l *FeedListener) Errors() <-chan error {
	return l.errs
}

// Start opens the items subscription.
func (l *FeedListener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.streams[TableItems]; ok {
		return
	}
	l.openLocked(ctx, TableItems, SubscribeOptions{})
}

// SetIdentity tears down the identity-scoped subscriptions and, for a
// non-empty id, opens them again with filters for that user.
func (l *FeedListener) SetIdentity(ctx context.Context, userID string) {
	l.mu.Lock()
	if userID == l.identity && (userID == "" || l.streams[TableWishlist] != nil) {
		l.mu.Unlock()
		return
	}
	var closing []*stream
	for _, table := range scopedTables {
		if s := l.streams[table]; s != nil {
			closing = append(closing, s)
			delete(l.streams, table)
		}
	}
	l.identity = userID
	l.mu.Unlock()

	l.hmu.Lock()
	l.held = nil
	l.hmu.Unlock()

	for _, s := range closing {
		l.closeStream(s)
	}
	if userID == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.identity != userID {
		return
	}
	owner := Eq("user_id", userID)
	l.openLocked(ctx, TableWishlist, SubscribeOptions{Filter: &owner})
	l.openLocked(ctx, TableChats, SubscribeOptions{Kinds: []ChangeKind{ChangeInsert, ChangeUpdate}})
	l.openLocked(ctx, TableMessages, SubscribeOptions{Kinds: []ChangeKind{ChangeInsert}})
}

// Stop closes every subscription and waits for the pumps to exit.
func (l *FeedListener) Stop() {
	l.mu.Lock()
	var closing []*stream
	for table, s := range l.streams {
		closing = append(closing, s)
		delete(l.streams, table)
	}
	l.identity = ""
	l.mu.Unlock()

	for _, s := range closing {
		l.closeStream(s)
	}
	l.wg.Wait()
}

// Tables returns the tables with an open subscription.
func (l *FeedListener) Tables() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.streams))
	for _, t := range append([]string{TableItems}, scopedTables...) {
		if l.streams[t] != nil {
			out = append(out, t)
		}
	}
	return out
}

func (l *FeedListener) openLocked(ctx context.Context, table string, opts SubscribeOptions) {
	sctx, cancel := context.WithCancel(ctx)
	sub, err := l.sub.Subscribe(sctx, table, opts)
	if err != nil {
		cancel()
		l.report(table, err)
		return
	}
	s := &stream{table: table, sub: sub, cancel: cancel, done: make(chan struct{})}
	l.streams[table] = s
	l.wg.Add(1)
	go l.pump(sctx, s)
	l.log.WithField("table", table).Debug("subscribed")
}

func (l *FeedListener) closeStream(s *stream) {
	s.cancel()
	if err := s.sub.Close(); err != nil {
		l.log.WithError(err).WithField("table", s.table).Debug("unsubscribe failed")
	}
	<-s.done
}

func (l *FeedListener) pump(ctx context.Context, s *stream) {
	defer l.wg.Done()
	defer close(s.done)
	events := s.sub.Events()
	errs := s.sub.Errors()
	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.handle(s.table, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			l.report(s.table, err)
		}
	}
}

func (l *FeedListener) handle(table string, ev ChangeEvent) {
	if ev.Table == "" {
		ev.Table = table
	}
	if !l.inScope(ev) {
		l.metrics.event(ev.Table, ev.Kind, false)
		return
	}
	if key, ok := eventKey(ev); ok {
		if l.seen.Contains(key) {
			l.metrics.duplicate(ev.Table)
			return
		}
		l.seen.Add(key, struct{}{})
	}
	switch ev.Table {
	case TableMessages, TableChats:
		l.applyScoped(ev)
	default:
		l.sink.ApplyChange(ev)
	}
}

// applyScoped forwards chat and message events. A message for a chat the
// sink does not know is held for the grace period; other users' traffic
// expires there instead of reaching the sink.
func (l *FeedListener) applyScoped(ev ChangeEvent) {
	scope, ok := l.sink.(ChatScope)
	if !ok {
		l.sink.ApplyChange(ev)
		return
	}
	l.hmu.Lock()
	defer l.hmu.Unlock()
	if ev.Table == TableMessages && ev.Kind == ChangeInsert && !l.wantedLocked(scope, ev) {
		if len(l.held) >= maxOrphans {
			l.held = append(l.held[:0:0], l.held[1:]...)
		}
		l.held = append(l.held, heldMessage{ev: ev, at: l.clock.Now()})
		return
	}
	l.sink.ApplyChange(ev)
	l.releaseLocked(scope)
}

func (l *FeedListener) wantedLocked(scope ChatScope, ev ChangeEvent) bool {
	known, loaded := scope.ChatScope(ev.New.String("chat_id"))
	if known || !loaded {
		return true
	}
	l.mu.Lock()
	me := l.identity
	l.mu.Unlock()
	return ev.New.String("sender_id") == me
}

// releaseLocked forwards held messages whose chat is now known and drops
// the expired ones.
func (l *FeedListener) releaseLocked(scope ChatScope) {
	if len(l.held) == 0 {
		return
	}
	now := l.clock.Now()
	kept := l.held[:0:0]
	for _, h := range l.held {
		switch {
		case l.wantedLocked(scope, h.ev):
			l.sink.ApplyChange(h.ev)
		case now.Sub(h.at) < l.grace:
			kept = append(kept, h)
		default:
			l.metrics.event(h.ev.Table, h.ev.Kind, false)
		}
	}
	l.held = kept
}

// Held returns how many messages are waiting for their chat.
func (l *FeedListener) Held() int {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return len(l.held)
}

// inScope drops events that belong to another user's view.
func (l *FeedListener) inScope(ev ChangeEvent) bool {
	l.mu.Lock()
	me := l.identity
	l.mu.Unlock()
	switch ev.Table {
	case TableWishlist:
		if ev.Kind == ChangeDelete {
			return me != ""
		}
		return me != "" && ev.New.String("user_id") == me
	case TableChats:
		if ev.Kind == ChangeInsert {
			return me != "" && chatFromRecord(ev.New).HasParticipant(me)
		}
		return me != ""
	case TableMessages:
		return me != ""
	}
	return true
}

func (l *FeedListener) report(table string, err error) {
	l.metrics.feedError(table)
	l.log.WithError(err).WithField("table", table).Warn("change feed error")
	select {
	case l.errs <- &FeedError{Table: table, Err: err}:
	default:
	}
}

// eventKey fingerprints a delivery. Events without a commit time cannot be
// told apart from a legitimate repeat and are not deduplicated.
func eventKey(ev ChangeEvent) (uint64, bool) {
	if ev.CommitTime.IsZero() {
		return 0, false
	}
	d := xxhash.New()
	d.WriteString(ev.Table)
	d.WriteString("|")
	d.WriteString(string(ev.Kind))
	d.WriteString("|")
	d.WriteString(ev.RecordID())
	d.WriteString("|")
	d.WriteString(strconv.FormatInt(ev.CommitTime.UnixNano(), 10))
	if len(ev.New) > 0 {
		if b, err := json.Marshal(ev.New); err == nil {
			d.Write(b)
		}
	}
	return d.Sum64(), true
}
