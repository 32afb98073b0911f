package rentsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// MemoryStore
// ============================================================================

// Op names an operation seen by an Interceptor.
type Op string

const (
	OpSelect    Op = "select"
	OpInsert    Op = "insert"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpSubscribe Op = "subscribe"
	OpSignIn    Op = "signin"
	OpSignUp    Op = "signup"
)

// Interceptor runs before every store operation. A non-nil error fails the
// operation; blocking delays it.
type Interceptor func(ctx context.Context, op Op, table string) error

// UniqueKey derives a uniqueness key from a row. Rows with an empty key are
// not constrained.
type UniqueKey func(Record) string

// MemoryStore is a goroutine-safe in-process backend: tables, change
// notifications and password auth. Each client gets its own session via
// Client.
type MemoryStore struct {
	mu      sync.RWMutex
	tables  map[string][]Record
	unique  map[string]UniqueKey
	feed    *Broadcaster
	users   map[string]*memUser
	clock   clockwork.Clock
	buffer  int

	intercept Interceptor
}

type memUser struct {
	id    string
	email string
	hash  []byte
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

func WithMemoryClock(clock clockwork.Clock) MemoryStoreOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// WithSubscriptionBuffer sets the per-subscription channel size. Events
// beyond it are dropped.
func WithSubscriptionBuffer(n int) MemoryStoreOption {
	return func(s *MemoryStore) { s.buffer = n }
}

// NewMemoryStore creates an empty store. Chats are unique per unordered
// participant pair and item; wishlist rows per user and item.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		tables: make(map[string][]Record),
		unique: map[string]UniqueKey{
			TableChats:    chatUniqueKey,
			TableWishlist: wishlistUniqueKey,
		},
		users:  make(map[string]*memUser),
		clock:  clockwork.NewRealClock(),
		buffer: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.feed = NewBroadcaster(s.buffer)
	return s
}

func chatUniqueKey(r Record) string {
	p := r.Strings("participants")
	if len(p) == 0 {
		return ""
	}
	sort.Strings(p)
	return strings.Join(p, "|") + "#" + r.String("item_id")
}

func wishlistUniqueKey(r Record) string {
	return r.String("user_id") + "#" + r.String("item_id")
}

// SetUnique installs or removes (nil) a uniqueness constraint on table.
func (s *MemoryStore) SetUnique(table string, key UniqueKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == nil {
		delete(s.unique, table)
		return
	}
	s.unique[table] = key
}

// Intercept installs fn in front of every operation. Pass nil to remove it.
func (s *MemoryStore) Intercept(fn Interceptor) {
	s.mu.Lock()
	s.intercept = fn
	s.mu.Unlock()
}

func (s *MemoryStore) before(ctx context.Context, op Op, table string) error {
	s.mu.RLock()
	fn := s.intercept
	s.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx, op, table)
	}
	return nil
}

// Dropped returns how many change events were discarded because a
// subscriber's buffer was full.
func (s *MemoryStore) Dropped() int {
	return s.feed.Dropped()
}

// Rows returns a copy of every row in table, in insertion order.
func (s *MemoryStore) Rows(table string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.tables[table]))
	for i, r := range s.tables[table] {
		out[i] = r.Clone()
	}
	return out
}

// Seed inserts rows without notifying subscribers.
func (s *MemoryStore) Seed(table string, rows ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], s.withDefaults(table, r))
	}
}

// ── Rows ─────────────────────────────────────────────────

func (s *MemoryStore) Select(ctx context.Context, table string, q Query) ([]Record, error) {
	if err := s.before(ctx, OpSelect, table); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var rows []Record
	for _, r := range s.tables[table] {
		if q.matches(r) {
			rows = append(rows, r.Clone())
		}
	}
	s.mu.RUnlock()

	q.sortRecords(rows)
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (s *MemoryStore) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	if err := s.before(ctx, OpInsert, table); err != nil {
		return nil, err
	}
	s.mu.Lock()
	row := s.withDefaults(table, rec)
	if key := s.unique[table]; key != nil {
		if k := key(row); k != "" {
			for _, existing := range s.tables[table] {
				if key(existing) == k {
					s.mu.Unlock()
					return nil, fmt.Errorf("insert %s: %w", table, ErrDuplicate)
				}
			}
		}
	}
	for _, existing := range s.tables[table] {
		if existing.ID() == row.ID() {
			s.mu.Unlock()
			return nil, fmt.Errorf("insert %s id %s: %w", table, row.ID(), ErrDuplicate)
		}
	}
	s.tables[table] = append(s.tables[table], row)
	s.publishLocked(ChangeEvent{Table: table, Kind: ChangeInsert, New: row.Clone(), CommitTime: s.clock.Now()})
	s.mu.Unlock()
	return row.Clone(), nil
}

func (s *MemoryStore) withDefaults(table string, rec Record) Record {
	row := rec.Clone()
	if row == nil {
		row = Record{}
	}
	if row.ID() == "" {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok && table != TableUsers {
		row["created_at"] = formatTimestamp(s.clock.Now())
	}
	return row
}

func (s *MemoryStore) Update(ctx context.Context, table, id string, patch Record) (Record, error) {
	if err := s.before(ctx, OpUpdate, table); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.tables[table] {
		if r.ID() != id {
			continue
		}
		old := r.Clone()
		next := r.Clone()
		for k, v := range patch.Clone() {
			if k == "id" {
				continue
			}
			next[k] = v
		}
		s.tables[table][i] = next
		s.publishLocked(ChangeEvent{Table: table, Kind: ChangeUpdate, New: next.Clone(), Old: old, CommitTime: s.clock.Now()})
		return next.Clone(), nil
	}
	return nil, fmt.Errorf("update %s id %s: %w", table, id, ErrNotFound)
}

func (s *MemoryStore) Delete(ctx context.Context, table string, filters ...Filter) error {
	if err := s.before(ctx, OpDelete, table); err != nil {
		return err
	}
	q := Query{Filters: filters}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tables[table][:0]
	var removed []Record
	for _, r := range s.tables[table] {
		if q.matches(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	s.tables[table] = kept
	for _, r := range removed {
		// deletes carry only the primary key, like a default replica identity
		s.publishLocked(ChangeEvent{Table: table, Kind: ChangeDelete, Old: Record{"id": r.ID()}, CommitTime: s.clock.Now()})
	}
	return nil
}

// ── Subscriptions ────────────────────────────────────────

func (s *MemoryStore) Subscribe(ctx context.Context, table string, opts SubscribeOptions) (Subscription, error) {
	if err := s.before(ctx, OpSubscribe, table); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}
	return s.feed.Subscribe(ctx, table, opts), nil
}

// publishLocked fans an event out without blocking. Holding s.mu keeps
// notifications in write order.
func (s *MemoryStore) publishLocked(ev ChangeEvent) {
	s.feed.Publish(ev)
}

// Publish delivers a synthetic event to subscribers of ev.Table, for
// simulating pushes that did not originate from a write.
func (s *MemoryStore) Publish(ev ChangeEvent) {
	s.feed.Publish(ev)
}

// FailChannel reports err on every open subscription of table.
func (s *MemoryStore) FailChannel(table string, err error) {
	s.feed.Fail(table, err)
}

// Subscribers returns the number of open subscriptions on table.
func (s *MemoryStore) Subscribers(table string) int {
	return s.feed.Subscribers(table)
}

// ── Auth ─────────────────────────────────────────────────

func (s *MemoryStore) register(ctx context.Context, email, password string) (*Identity, error) {
	if err := s.before(ctx, OpSignUp, TableUsers); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	key := strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[key]; ok {
		return nil, fmt.Errorf("sign up %s: %w", key, ErrDuplicate)
	}
	u := &memUser{id: uuid.NewString(), email: key, hash: hash}
	s.users[key] = u
	return &Identity{ID: u.id, Email: u.email}, nil
}

func (s *MemoryStore) authenticate(ctx context.Context, email, password string) (*Identity, error) {
	if err := s.before(ctx, OpSignIn, TableUsers); err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	u, ok := s.users[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invalid login credentials: %w", ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid login credentials: %w", ErrUnauthenticated)
	}
	return &Identity{ID: u.id, Email: u.email}, nil
}

func (s *MemoryStore) setPassword(email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return ErrNotFound
	}
	u.hash = hash
	return nil
}

// Client returns a Backend with its own session over the shared store.
func (s *MemoryStore) Client() *MemoryClient {
	return &MemoryClient{MemoryStore: s}
}

// ============================================================================
// MemoryClient
// ============================================================================

// MemoryClient is one signed-in (or anonymous) view of a MemoryStore.
type MemoryClient struct {
	*MemoryStore

	mu      sync.Mutex
	session *Identity
}

var _ Backend = (*MemoryClient)(nil)

func (c *MemoryClient) CurrentIdentity(ctx context.Context) (*Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, nil
	}
	id := *c.session
	return &id, nil
}

func (c *MemoryClient) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	id, err := c.register(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
	return id, nil
}

func (c *MemoryClient) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	id, err := c.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
	return id, nil
}

func (c *MemoryClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return nil
}

func (c *MemoryClient) UpdatePassword(ctx context.Context, password string) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrUnauthenticated
	}
	if err := c.setPassword(session.Email, password); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated
		}
		return err
	}
	return nil
}
