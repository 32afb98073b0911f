package rentsync

import (
	"context"
	"sync"
)

// Broadcaster fans change events out to per-table subscriptions without
// ever blocking the publisher. A subscription whose buffer is full misses
// the event.
type Broadcaster struct {
	buffer int

	mu      sync.Mutex
	subs    map[string]map[*broadcastSub]struct{}
	dropped int
}

// NewBroadcaster creates a broadcaster with buffer events of slack per
// subscription.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{buffer: buffer, subs: make(map[string]map[*broadcastSub]struct{})}
}

type broadcastSub struct {
	b      *Broadcaster
	table  string
	opts   SubscribeOptions
	events chan ChangeEvent
	errs   chan error
	once   sync.Once
	done   chan struct{}
}

func (s *broadcastSub) Events() <-chan ChangeEvent { return s.events }
func (s *broadcastSub) Errors() <-chan error       { return s.errs }

func (s *broadcastSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs[s.table], s)
		close(s.done)
		close(s.events)
		close(s.errs)
		s.b.mu.Unlock()
	})
	return nil
}

// Subscribe registers a subscription that closes itself when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context, table string, opts SubscribeOptions) Subscription {
	sub := &broadcastSub{
		b:      b,
		table:  table,
		opts:   opts,
		events: make(chan ChangeEvent, b.buffer),
		errs:   make(chan error, 4),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[table] == nil {
		b.subs[table] = make(map[*broadcastSub]struct{})
	}
	b.subs[table][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Publish delivers ev to the subscriptions of ev.Table whose options accept
// it and returns how many received it.
func (b *Broadcaster) Publish(ev ChangeEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for sub := range b.subs[ev.Table] {
		if !sub.opts.accepts(ev) {
			continue
		}
		select {
		case sub.events <- ev:
			n++
		default:
			b.dropped++
		}
	}
	return n
}

// Fail reports err on every subscription of table.
func (b *Broadcaster) Fail(table string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[table] {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

// FailAll reports err on every subscription.
func (b *Broadcaster) FailAll(err error) {
	b.mu.Lock()
	tables := make([]string, 0, len(b.subs))
	for t := range b.subs {
		tables = append(tables, t)
	}
	b.mu.Unlock()
	for _, t := range tables {
		b.Fail(t, err)
	}
}

// Subscribers returns the number of open subscriptions on table.
func (b *Broadcaster) Subscribers(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[table])
}

// Tables lists tables with at least one open subscription.
func (b *Broadcaster) Tables() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for t, subs := range b.subs {
		if len(subs) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Dropped returns the number of deliveries lost to full buffers.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
