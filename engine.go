package rentsync

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Collection state
// ============================================================================

// Collection names an authoritative collection.
type Collection string

const (
	CollectionItems    Collection = "items"
	CollectionWishlist Collection = "wishlist"
	CollectionChats    Collection = "chats"
)

// SyncState is the load state of one collection. There is no error state:
// failed refreshes leave the last known good data in place.
type SyncState string

const (
	Uninitialized SyncState = "uninitialized"
	Loading       SyncState = "loading"
	Synced        SyncState = "synced"
)

// maxOrphans bounds messages held for chats that have not arrived yet.
const maxOrphans = 100

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is an immutable copy of the engine state. Handlers and readers
// must not modify it.
type Snapshot struct {
	Version      uint64
	Identity     *Identity
	Items        []Item
	Wishlist     []WishlistEntry
	Chats        []Chat
	Unread       map[string]bool
	SelectedItem *Item
	OpenChat     *Chat
	States       map[Collection]SyncState
}

func (s *Snapshot) Item(id string) (Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func (s *Snapshot) Chat(id string) (Chat, bool) {
	for _, c := range s.Chats {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}

func (s *Snapshot) IsUnread(chatID string) bool {
	return s.Unread[chatID]
}

func (s *Snapshot) UnreadCount() int {
	return len(s.Unread)
}

// InWishlist reports whether userID saved itemID.
func (s *Snapshot) InWishlist(userID, itemID string) bool {
	for _, w := range s.Wishlist {
		if w.UserID == userID && w.ItemID == itemID {
			return true
		}
	}
	return false
}

// ============================================================================
// Events
// ============================================================================

// NewRemoteMessage is emitted when another user's message arrives.
type NewRemoteMessage struct {
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
}

// NewRemoteItem is emitted when another user lists a new item.
type NewRemoteItem struct {
	Item      Item
	OwnerID   string
	OwnerName string
}

// ItemsChanged is emitted whenever the items collection changes. Version
// is the snapshot version the items were taken from.
type ItemsChanged struct {
	Items   []Item
	Version uint64
}

type emission struct {
	fx   effects
	snap *Snapshot
}

// engineEmitter delivers events in commit order. Emissions are queued
// under the engine lock and drained by at most one goroutine at a time.
type engineEmitter struct {
	mu        sync.RWMutex
	onMessage []func(NewRemoteMessage)
	onItem    []func(NewRemoteItem)
	onItems   []func(ItemsChanged)
	onChange  []func(*Snapshot)

	qmu      sync.Mutex
	queue    []emission
	draining bool
}

// OnNewRemoteMessage registers a handler for incoming messages from others.
func (e *engineEmitter) OnNewRemoteMessage(h func(NewRemoteMessage)) {
	e.mu.Lock()
	e.onMessage = append(e.onMessage, h)
	e.mu.Unlock()
}

// OnNewRemoteItem registers a handler for items listed by other users.
func (e *engineEmitter) OnNewRemoteItem(h func(NewRemoteItem)) {
	e.mu.Lock()
	e.onItem = append(e.onItem, h)
	e.mu.Unlock()
}

// OnItemsChanged registers a handler for item collection changes.
func (e *engineEmitter) OnItemsChanged(h func(ItemsChanged)) {
	e.mu.Lock()
	e.onItems = append(e.onItems, h)
	e.mu.Unlock()
}

// OnChange registers a handler called with every published snapshot.
func (e *engineEmitter) OnChange(h func(*Snapshot)) {
	e.mu.Lock()
	e.onChange = append(e.onChange, h)
	e.mu.Unlock()
}

func (e *engineEmitter) idle() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.onMessage)+len(e.onItem)+len(e.onItems)+len(e.onChange) == 0
}

// enqueue must be called with the engine lock held so the queue follows
// commit order.
func (e *engineEmitter) enqueue(fx effects, snap *Snapshot) {
	if e.idle() {
		return
	}
	e.qmu.Lock()
	e.queue = append(e.queue, emission{fx: fx, snap: snap})
	if !e.draining {
		e.draining = true
		go e.drain()
	}
	e.qmu.Unlock()
}

func (e *engineEmitter) drain() {
	for {
		e.qmu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.qmu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = emission{}
		e.queue = e.queue[1:]
		e.qmu.Unlock()
		e.deliver(next.fx, next.snap)
	}
}

// Panics in handlers are swallowed.
func dispatch[T any](handlers []T, call func(T)) {
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			call(h)
		}()
	}
}

func (e *engineEmitter) deliver(fx effects, snap *Snapshot) {
	e.mu.RLock()
	onMessage := append([]func(NewRemoteMessage){}, e.onMessage...)
	onItem := append([]func(NewRemoteItem){}, e.onItem...)
	onItems := append([]func(ItemsChanged){}, e.onItems...)
	onChange := append([]func(*Snapshot){}, e.onChange...)
	e.mu.RUnlock()

	for _, m := range fx.messages {
		dispatch(onMessage, func(h func(NewRemoteMessage)) { h(m) })
	}
	for _, it := range fx.newItems {
		dispatch(onItem, func(h func(NewRemoteItem)) { h(it) })
	}
	if fx.items {
		ev := ItemsChanged{Items: snap.Items, Version: snap.Version}
		dispatch(onItems, func(h func(ItemsChanged)) { h(ev) })
	}
	dispatch(onChange, func(h func(*Snapshot)) { h(snap) })
}

// ============================================================================
// Engine
// ============================================================================

// pendingEdit tracks one optimistic item edit. before is the last value
// known from the store; superseded is set once remote data for the item
// arrives after the optimistic apply.
type pendingEdit struct {
	token      uint64
	before     Item
	superseded bool
}

// effects collects what a mutation changed, for work done after unlock.
type effects struct {
	changed  bool
	items    bool
	messages []NewRemoteMessage
	newItems []NewRemoteItem
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithItemsCache makes every items change write through to cache.
func WithItemsCache(cache *SnapshotCache[Item], key string, maxEntries int) EngineOption {
	return func(e *Engine) {
		e.cache = cache
		e.cacheKey = key
		e.cacheMax = maxEntries
	}
}

func WithEngineLogger(log logrus.FieldLogger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns the authoritative collections. It is the only writer; all
// other components propose changes through its methods and read published
// snapshots. Each method applies its change in one critical section, so no
// reader observes a partial update.
type Engine struct {
	engineEmitter

	mu         sync.Mutex
	version    uint64
	identity   *Identity
	items      []Item
	wishlist   []WishlistEntry
	chats      []Chat
	unread     map[string]struct{}
	selectedID string
	openChatID string
	states     map[Collection]SyncState
	pending    map[string]*pendingEdit
	tokens     uint64
	orphans    []Message

	cache    *SnapshotCache[Item]
	cacheKey string
	cacheMax int
	cacheMu  sync.Mutex
	cacheSeq uint64

	snap    atomic.Pointer[Snapshot]
	log     logrus.FieldLogger
	metrics *Metrics
}

// NewEngine creates an engine with empty, uninitialized collections.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		unread:  make(map[string]struct{}),
		pending: make(map[string]*pendingEdit),
		states: map[Collection]SyncState{
			CollectionItems:    Uninitialized,
			CollectionWishlist: Uninitialized,
			CollectionChats:    Uninitialized,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = discardLogger()
	}
	if e.cacheKey == "" {
		e.cacheKey = DefaultItemsCacheKey
	}
	if e.cacheMax == 0 {
		e.cacheMax = DefaultCacheEntries
	}
	e.snap.Store(e.buildSnapshotLocked())
	return e
}

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

func (e *Engine) commitLocked(fx *effects) *Snapshot {
	if !fx.changed {
		return nil
	}
	e.version++
	snap := e.buildSnapshotLocked()
	e.snap.Store(snap)
	e.metrics.unread(len(e.unread))
	e.enqueue(*fx, snap)
	return snap
}

func (e *Engine) after(fx effects, snap *Snapshot) {
	if snap == nil {
		return
	}
	if fx.items {
		e.writeThrough(snap.Items, snap.Version)
	}
}

// writeThrough persists items unless a newer version was already written.
func (e *Engine) writeThrough(items []Item, version uint64) {
	if e.cache == nil {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if version <= e.cacheSeq {
		return
	}
	e.cacheSeq = version
	if !e.cache.Put(e.cacheKey, items, e.cacheMax) {
		e.log.WithField("key", e.cacheKey).Debug("items snapshot not cached")
	}
}

func (e *Engine) buildSnapshotLocked() *Snapshot {
	snap := &Snapshot{
		Version:  e.version,
		Items:    append([]Item{}, e.items...),
		Wishlist: append([]WishlistEntry{}, e.wishlist...),
		Chats:    make([]Chat, len(e.chats)),
		Unread:   make(map[string]bool, len(e.unread)),
		States:   make(map[Collection]SyncState, len(e.states)),
	}
	if e.identity != nil {
		id := *e.identity
		snap.Identity = &id
	}
	for i, c := range e.chats {
		snap.Chats[i] = copyChat(c)
		if c.ID == e.openChatID {
			open := snap.Chats[i]
			snap.OpenChat = &open
		}
	}
	for id := range e.unread {
		snap.Unread[id] = true
	}
	for k, v := range e.states {
		snap.States[k] = v
	}
	if e.selectedID != "" {
		for _, it := range snap.Items {
			if it.ID == e.selectedID {
				sel := it
				snap.SelectedItem = &sel
				break
			}
		}
	}
	return snap
}

func copyChat(c Chat) Chat {
	c.Participants = append([]string(nil), c.Participants...)
	c.Messages = append([]Message{}, c.Messages...)
	return c
}

func (e *Engine) me() string {
	if e.identity == nil {
		return ""
	}
	return e.identity.ID
}

// ── Identity and UI selection ───────────────────────────

// SetIdentity switches the active user. A different user (or none) drops
// the identity-scoped collections and the unread set.
func (e *Engine) SetIdentity(id *Identity) {
	e.mu.Lock()
	fx := effects{changed: true}
	if id != nil && e.identity != nil && id.ID == e.identity.ID {
		cp := *id
		e.identity = &cp
	} else {
		if id != nil {
			cp := *id
			e.identity = &cp
		} else {
			e.identity = nil
		}
		e.wishlist = nil
		e.chats = nil
		e.unread = make(map[string]struct{})
		e.orphans = nil
		e.openChatID = ""
		e.states[CollectionWishlist] = Uninitialized
		e.states[CollectionChats] = Uninitialized
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// SelectItem marks an item as shown in detail. The selected copy is always
// read from the items collection, so it can never diverge from it.
func (e *Engine) SelectItem(id string) bool {
	e.mu.Lock()
	fx := effects{}
	ok := e.indexItem(id) >= 0
	if ok && e.selectedID != id {
		e.selectedID = id
		fx.changed = true
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
	return ok
}

func (e *Engine) ClearSelection() {
	e.mu.Lock()
	fx := effects{changed: e.selectedID != ""}
	e.selectedID = ""
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// OpenChat marks a chat as open and clears its unread mark.
func (e *Engine) OpenChat(id string) bool {
	e.mu.Lock()
	fx := effects{}
	ok := e.indexChat(id) >= 0
	if ok {
		_, wasUnread := e.unread[id]
		fx.changed = wasUnread || e.openChatID != id
		delete(e.unread, id)
		e.openChatID = id
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
	return ok
}

func (e *Engine) CloseChat() {
	e.mu.Lock()
	fx := effects{changed: e.openChatID != ""}
	e.openChatID = ""
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// MarkLoading moves an uninitialized collection to Loading.
func (e *Engine) MarkLoading(c Collection) {
	e.mu.Lock()
	fx := effects{}
	if e.states[c] == Uninitialized {
		e.states[c] = Loading
		fx.changed = true
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// ── Items ────────────────────────────────────────────────

func (e *Engine) indexItem(id string) int {
	for i, it := range e.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// ShowCachedItems displays cached items while the first fetch is in
// flight. It has no effect once the collection has loaded.
func (e *Engine) ShowCachedItems(items []Item) {
	e.mu.Lock()
	fx := effects{}
	if e.states[CollectionItems] != Synced {
		e.items = append([]Item{}, items...)
		e.states[CollectionItems] = Loading
		fx.changed = true
		fx.items = len(items) > 0
	}
	// cached data is already on disk; only notify
	e.commitLocked(&fx)
	e.mu.Unlock()
}

// LoadItems installs the result of a full fetch and always refreshes the
// cache.
func (e *Engine) LoadItems(items []Item) {
	e.mu.Lock()
	e.reconcileItemsLocked(items)
	e.states[CollectionItems] = Synced
	fx := effects{changed: true, items: true}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// ReconcileItems installs a polled collection if it differs from the
// current one. It reports whether anything changed.
func (e *Engine) ReconcileItems(items []Item) bool {
	e.mu.Lock()
	changed := e.reconcileItemsLocked(items)
	fx := effects{changed: changed, items: changed}
	if e.states[CollectionItems] != Synced {
		e.states[CollectionItems] = Synced
		fx.changed = true
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	if changed {
		e.metrics.replaced(string(CollectionItems))
	}
	e.after(fx, snap)
	return changed
}

// reconcileItemsLocked replaces the items with fresh, keeping an
// optimistic value where the store still reports the pre-edit value.
func (e *Engine) reconcileItemsLocked(fresh []Item) bool {
	merged := make([]Item, len(fresh))
	seen := make(map[string]bool, len(fresh))
	for i, it := range fresh {
		seen[it.ID] = true
		merged[i] = it
		p := e.pending[it.ID]
		if p == nil || p.superseded {
			continue
		}
		if it.Equal(p.before) {
			if idx := e.indexItem(it.ID); idx >= 0 {
				merged[i] = e.items[idx]
			}
			continue
		}
		p.superseded = true
	}
	for id, p := range e.pending {
		if !seen[id] {
			p.superseded = true
		}
	}
	if itemsEqual(merged, e.items) {
		return false
	}
	e.items = merged
	return true
}

func itemsEqual(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// CommitItem adds a created item after the store confirmed it.
func (e *Engine) CommitItem(it Item) {
	e.mu.Lock()
	fx := effects{}
	if idx := e.indexItem(it.ID); idx >= 0 {
		if !e.items[idx].Equal(it) {
			e.items[idx] = it
			fx.changed, fx.items = true, true
		}
	} else {
		e.items = append([]Item{it}, e.items...)
		fx.changed, fx.items = true, true
		if e.identity != nil && it.OwnerID != "" && it.OwnerID != e.me() {
			fx.newItems = append(fx.newItems, NewRemoteItem{Item: it, OwnerID: it.OwnerID, OwnerName: it.OwnerName})
		}
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// RemoveItem drops an item after the store confirmed the delete.
func (e *Engine) RemoveItem(id string) {
	e.mu.Lock()
	fx := effects{}
	if e.removeItemLocked(id) {
		fx.changed, fx.items = true, true
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

func (e *Engine) removeItemLocked(id string) bool {
	idx := e.indexItem(id)
	if idx < 0 {
		return false
	}
	e.items = append(e.items[:idx:idx], e.items[idx+1:]...)
	delete(e.pending, id)
	return true
}

// ── Optimistic edits ─────────────────────────────────────

// BeginStatusToggle flips an item's status locally. It returns the token
// for the edit and the status to send to the store.
func (e *Engine) BeginStatusToggle(id string) (uint64, ItemStatus, bool) {
	var next ItemStatus
	token, ok := e.beginEdit(id, func(it *Item) {
		it.Status = it.Status.Toggle()
		next = it.Status
	})
	return token, next, ok
}

// BeginItemEdit applies in to an item locally and returns the edit token.
func (e *Engine) BeginItemEdit(id string, in ItemInput) (uint64, bool) {
	return e.beginEdit(id, in.applyTo)
}

func (e *Engine) beginEdit(id string, mutate func(*Item)) (uint64, bool) {
	e.mu.Lock()
	idx := e.indexItem(id)
	if idx < 0 {
		e.mu.Unlock()
		return 0, false
	}
	before := e.items[idx]
	if p := e.pending[id]; p != nil && !p.superseded {
		// stacked edits revert to the last value the store confirmed
		before = p.before
	}
	next := e.items[idx]
	mutate(&next)
	e.items[idx] = next

	e.tokens++
	token := e.tokens
	e.pending[id] = &pendingEdit{token: token, before: before}

	fx := effects{changed: true, items: true}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
	return token, true
}

// ConfirmEdit installs the store's value for an optimistic edit. It is
// dropped when remote data for the item arrived first or a later edit is
// still in flight.
func (e *Engine) ConfirmEdit(token uint64, server Item) {
	e.mu.Lock()
	fx := effects{}
	p := e.pending[server.ID]
	switch {
	case p == nil:
	case p.token != token:
		if !p.superseded {
			p.before = server
		}
	case p.superseded:
		delete(e.pending, server.ID)
		e.metrics.confirmationDropped()
		e.log.WithField("item_id", server.ID).Debug("confirmation superseded by remote data")
	default:
		delete(e.pending, server.ID)
		if idx := e.indexItem(server.ID); idx >= 0 && !e.items[idx].Equal(server) {
			e.items[idx] = server
			fx.changed, fx.items = true, true
		}
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// RevertEdit restores the pre-edit value after a failed store call. It
// reports whether the item was restored.
func (e *Engine) RevertEdit(token uint64, id string) bool {
	e.mu.Lock()
	fx := effects{}
	p := e.pending[id]
	if p != nil && p.token == token {
		delete(e.pending, id)
		if !p.superseded {
			if idx := e.indexItem(id); idx >= 0 {
				e.items[idx] = p.before
				fx.changed, fx.items = true, true
			}
		}
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	if fx.changed {
		e.metrics.reverted()
	}
	e.after(fx, snap)
	return fx.changed
}

// ── Wishlist ─────────────────────────────────────────────

func (e *Engine) indexWishlist(id string) int {
	for i, w := range e.wishlist {
		if w.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) hasWishlistPair(userID, itemID string) bool {
	for _, w := range e.wishlist {
		if w.UserID == userID && w.ItemID == itemID {
			return true
		}
	}
	return false
}

// LoadWishlist installs a fetched wishlist.
func (e *Engine) LoadWishlist(entries []WishlistEntry) {
	e.mu.Lock()
	e.wishlist = append([]WishlistEntry{}, entries...)
	e.states[CollectionWishlist] = Synced
	fx := effects{changed: true}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// ReconcileWishlist installs a polled wishlist if it differs.
func (e *Engine) ReconcileWishlist(entries []WishlistEntry) bool {
	e.mu.Lock()
	changed := !wishlistEqual(entries, e.wishlist)
	fx := effects{changed: changed}
	if changed {
		e.wishlist = append([]WishlistEntry{}, entries...)
	}
	if e.states[CollectionWishlist] != Synced {
		e.states[CollectionWishlist] = Synced
		fx.changed = true
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	if changed {
		e.metrics.replaced(string(CollectionWishlist))
	}
	e.after(fx, snap)
	return changed
}

func wishlistEqual(a, b []WishlistEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// CommitWishlistEntry appends a confirmed wishlist entry.
func (e *Engine) CommitWishlistEntry(w WishlistEntry) {
	e.mu.Lock()
	fx := effects{}
	if e.indexWishlist(w.ID) < 0 && !e.hasWishlistPair(w.UserID, w.ItemID) {
		e.wishlist = append(e.wishlist, w)
		fx.changed = true
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// RemoveWishlistEntry drops a confirmed removal.
func (e *Engine) RemoveWishlistEntry(userID, itemID string) {
	e.mu.Lock()
	fx := effects{}
	kept := e.wishlist[:0:0]
	for _, w := range e.wishlist {
		if w.UserID == userID && w.ItemID == itemID {
			fx.changed = true
			continue
		}
		kept = append(kept, w)
	}
	e.wishlist = kept
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// ── Chats and messages ───────────────────────────────────

func (e *Engine) indexChat(id string) int {
	for i, c := range e.chats {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// FindChat returns the local chat between participants about itemID.
func (e *Engine) FindChat(participants []string, itemID string) (Chat, bool) {
	for _, c := range e.Snapshot().Chats {
		if c.SameConversation(participants, itemID) {
			return c, true
		}
	}
	return Chat{}, false
}

// LoadChats installs fetched chats, keeping messages already held for
// chats that remain.
func (e *Engine) LoadChats(chats []Chat) {
	e.mu.Lock()
	fx := effects{changed: true}
	next := make([]Chat, len(chats))
	for i, c := range chats {
		c = copyChat(c)
		if idx := e.indexChat(c.ID); idx >= 0 && len(c.Messages) == 0 {
			c.Messages = e.chats[idx].Messages
		}
		next[i] = c
	}
	e.chats = next
	for i := range e.chats {
		e.adoptOrphansLocked(i, &fx)
	}
	if e.indexChat(e.openChatID) < 0 {
		e.openChatID = ""
	}
	e.states[CollectionChats] = Synced
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// CommitChat adds a chat returned by find-or-create and returns the
// engine's copy.
func (e *Engine) CommitChat(c Chat) Chat {
	e.mu.Lock()
	fx := effects{}
	idx := e.indexChat(c.ID)
	if idx < 0 {
		c = copyChat(c)
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		e.chats = append([]Chat{c}, e.chats...)
		idx = 0
		e.adoptOrphansLocked(idx, &fx)
		fx.changed = true
	}
	out := copyChat(e.chats[idx])
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
	return out
}

// LoadMessages installs a chat's fetched messages. Messages that arrived by
// push and are missing from the fetch stay, in arrival order.
func (e *Engine) LoadMessages(chatID string, msgs []Message) {
	e.mu.Lock()
	fx := effects{}
	if idx := e.indexChat(chatID); idx >= 0 {
		merged := append([]Message{}, msgs...)
		have := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			have[m.ID] = true
		}
		for _, m := range e.chats[idx].Messages {
			if !have[m.ID] {
				merged = append(merged, m)
			}
		}
		e.chats[idx].Messages = merged
		fx.changed = true
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

// CommitMessage appends a message the local user sent.
func (e *Engine) CommitMessage(m Message) {
	e.mu.Lock()
	fx := effects{}
	if idx := e.indexChat(m.ChatID); idx >= 0 {
		if !hasMessage(e.chats[idx].Messages, m.ID) {
			e.chats[idx].Messages = append(e.chats[idx].Messages, m)
			e.chats[idx].LastMessage = m.Text
			if m.Timestamp.After(e.chats[idx].LastUpdated) {
				e.chats[idx].LastUpdated = m.Timestamp
			}
			fx.changed = true
		}
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.after(fx, snap)
}

func hasMessage(msgs []Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// receiveMessageLocked appends a pushed message to a known chat and applies
// the unread and notification rules.
func (e *Engine) receiveMessageLocked(idx int, m Message, fx *effects) bool {
	if hasMessage(e.chats[idx].Messages, m.ID) {
		return false
	}
	e.chats[idx].Messages = append(e.chats[idx].Messages, m)
	e.chats[idx].LastMessage = m.Text
	if m.Timestamp.After(e.chats[idx].LastUpdated) {
		e.chats[idx].LastUpdated = m.Timestamp
	}
	fx.changed = true
	if m.SenderID != e.me() {
		if e.chats[idx].ID != e.openChatID {
			e.unread[e.chats[idx].ID] = struct{}{}
		}
		fx.messages = append(fx.messages, NewRemoteMessage{
			ChatID:     m.ChatID,
			MessageID:  m.ID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Text:       m.Text,
		})
	}
	return true
}

// holdOrphanLocked keeps a message whose chat has not arrived yet. The
// oldest held message is evicted when the buffer is full.
func (e *Engine) holdOrphanLocked(m Message) {
	if e.identity == nil || hasMessage(e.orphans, m.ID) {
		return
	}
	if len(e.orphans) >= maxOrphans {
		e.orphans = append(e.orphans[:0:0], e.orphans[1:]...)
	}
	e.orphans = append(e.orphans, m)
}

func (e *Engine) adoptOrphansLocked(idx int, fx *effects) {
	chatID := e.chats[idx].ID
	kept := e.orphans[:0:0]
	for _, m := range e.orphans {
		if m.ChatID == chatID {
			e.receiveMessageLocked(idx, m, fx)
			continue
		}
		kept = append(kept, m)
	}
	e.orphans = kept
}

// ChatScope reports whether chatID is one of the local user's chats and
// whether the chats collection has been loaded.
func (e *Engine) ChatScope(chatID string) (known, loaded bool) {
	snap := e.Snapshot()
	_, known = snap.Chat(chatID)
	return known, snap.States[CollectionChats] == Synced
}

// DisplayMessages returns a chat's messages ordered by timestamp, then id.
// The stored sequence stays in arrival order.
func (e *Engine) DisplayMessages(chatID string) []Message {
	c, ok := e.Snapshot().Chat(chatID)
	if !ok {
		return nil
	}
	msgs := append([]Message(nil), c.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

// ============================================================================
// Push application
// ============================================================================

// ApplyChange applies one pushed row change. Inserts of known ids and
// updates or deletes of unknown ids are no-ops, so applying an event twice
// equals applying it once. It reports whether state changed.
func (e *Engine) ApplyChange(ev ChangeEvent) bool {
	e.mu.Lock()
	fx := effects{}
	switch ev.Table {
	case TableItems:
		e.applyItemLocked(ev, &fx)
	case TableWishlist:
		e.applyWishlistLocked(ev, &fx)
	case TableChats:
		e.applyChatLocked(ev, &fx)
	case TableMessages:
		e.applyMessageLocked(ev, &fx)
	}
	snap := e.commitLocked(&fx)
	e.mu.Unlock()
	e.metrics.event(ev.Table, ev.Kind, fx.changed)
	e.after(fx, snap)
	return fx.changed
}

func (e *Engine) applyItemLocked(ev ChangeEvent, fx *effects) {
	switch ev.Kind {
	case ChangeInsert:
		it := itemFromRecord(ev.New)
		if it.ID == "" || e.indexItem(it.ID) >= 0 {
			return
		}
		e.items = append([]Item{it}, e.items...)
		fx.changed, fx.items = true, true

	case ChangeUpdate:
		it := itemFromRecord(ev.New)
		idx := e.indexItem(it.ID)
		if idx < 0 {
			return
		}
		if p := e.pending[it.ID]; p != nil && !p.superseded {
			if it.Equal(p.before) {
				return
			}
			p.superseded = true
		}
		if e.items[idx].Equal(it) {
			return
		}
		e.items[idx] = it
		fx.changed, fx.items = true, true

	case ChangeDelete:
		if e.removeItemLocked(ev.RecordID()) {
			fx.changed, fx.items = true, true
		}
	}
}

func (e *Engine) applyWishlistLocked(ev ChangeEvent, fx *effects) {
	switch ev.Kind {
	case ChangeInsert:
		w := wishlistFromRecord(ev.New)
		if w.ID == "" || w.UserID != e.me() || e.indexWishlist(w.ID) >= 0 || e.hasWishlistPair(w.UserID, w.ItemID) {
			return
		}
		e.wishlist = append(e.wishlist, w)
		fx.changed = true

	case ChangeUpdate:
		w := wishlistFromRecord(ev.New)
		idx := e.indexWishlist(w.ID)
		if idx < 0 || e.wishlist[idx].Equal(w) {
			return
		}
		e.wishlist[idx] = w
		fx.changed = true

	case ChangeDelete:
		idx := e.indexWishlist(ev.RecordID())
		if idx < 0 {
			return
		}
		e.wishlist = append(e.wishlist[:idx:idx], e.wishlist[idx+1:]...)
		fx.changed = true
	}
}

func (e *Engine) applyChatLocked(ev ChangeEvent, fx *effects) {
	switch ev.Kind {
	case ChangeInsert:
		c := chatFromRecord(ev.New)
		if c.ID == "" || !c.HasParticipant(e.me()) || e.indexChat(c.ID) >= 0 {
			return
		}
		e.chats = append([]Chat{c}, e.chats...)
		e.adoptOrphansLocked(0, fx)
		fx.changed = true

	case ChangeUpdate:
		c := chatFromRecord(ev.New)
		idx := e.indexChat(c.ID)
		if idx < 0 {
			return
		}
		cur := &e.chats[idx]
		if cur.LastMessage == c.LastMessage && cur.LastUpdated.Equal(c.LastUpdated) {
			return
		}
		cur.LastMessage = c.LastMessage
		cur.LastUpdated = c.LastUpdated
		fx.changed = true

	case ChangeDelete:
		id := ev.RecordID()
		idx := e.indexChat(id)
		if idx < 0 {
			return
		}
		e.chats = append(e.chats[:idx:idx], e.chats[idx+1:]...)
		delete(e.unread, id)
		if e.openChatID == id {
			e.openChatID = ""
		}
		fx.changed = true
	}
}

func (e *Engine) applyMessageLocked(ev ChangeEvent, fx *effects) {
	switch ev.Kind {
	case ChangeInsert:
		m := messageFromRecord(ev.New)
		if m.ID == "" {
			return
		}
		idx := e.indexChat(m.ChatID)
		if idx < 0 {
			e.holdOrphanLocked(m)
			return
		}
		e.receiveMessageLocked(idx, m, fx)

	case ChangeUpdate:
		m := messageFromRecord(ev.New)
		idx := e.indexChat(m.ChatID)
		if idx < 0 {
			return
		}
		for i, cur := range e.chats[idx].Messages {
			if cur.ID == m.ID && cur != m {
				e.chats[idx].Messages[i] = m
				fx.changed = true
			}
		}

	case ChangeDelete:
		id := ev.RecordID()
		for ci := range e.chats {
			msgs := e.chats[ci].Messages
			for i, cur := range msgs {
				if cur.ID == id {
					e.chats[ci].Messages = append(msgs[:i:i], msgs[i+1:]...)
					fx.changed = true
					return
				}
			}
		}
	}
}
