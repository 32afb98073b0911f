// Package rentsync keeps a client-side view of a rental marketplace (items,
// wishlist, chats and messages) consistent with a hosted backend.
//
// A Session ties together the pieces:
//
//	backend := store.Client()
//	s := rentsync.NewSession(backend,
//		rentsync.WithCacheBackend(rentsync.NewMemoryCacheBackend(0)),
//		rentsync.WithLogger(rentsync.NewLogger("info")),
//	)
//	s.Engine().OnNewRemoteMessage(func(m rentsync.NewRemoteMessage) { ... })
//	_ = s.Start(ctx)
//	defer s.Close()
//
//	s.ToggleItemStatus(ctx, itemID)
//	s.SendMessage(ctx, chatID, "is it still free on saturday?")
//
// Cached items are shown before the first fetch completes, local edits are
// applied optimistically and reverted on failure, pushed changes are applied
// idempotently, and a poller reconciles the collections as a backstop.
package rentsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MinPasswordLength is the shortest password accepted on sign-up and
// password change.
const MinPasswordLength = 6

// ============================================================================
// Options
// ============================================================================

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	log          logrus.FieldLogger
	clock        clockwork.Clock
	metrics      *Metrics
	cache        CacheBackend
	cacheKey     string
	cacheEntries int
	cacheMaxAge  time.Duration
	pollInterval time.Duration
	backoff      Backoff
	itemsLimit   int
	fetchLimit   int
}

func (c *sessionConfig) defaults() {
	if c.log == nil {
		c.log = discardLogger()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.cacheKey == "" {
		c.cacheKey = DefaultItemsCacheKey
	}
	if c.cacheEntries <= 0 {
		c.cacheEntries = DefaultCacheEntries
	}
	if c.cacheMaxAge <= 0 {
		c.cacheMaxAge = DefaultCacheMaxAge
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.itemsLimit <= 0 {
		c.itemsLimit = DefaultItemsLimit
	}
	if c.fetchLimit <= 0 {
		c.fetchLimit = 4
	}
}

func WithLogger(log logrus.FieldLogger) SessionOption {
	return func(c *sessionConfig) { c.log = log }
}

func WithClock(clock clockwork.Clock) SessionOption {
	return func(c *sessionConfig) { c.clock = clock }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(c *sessionConfig) { c.metrics = m }
}

// WithCacheBackend enables the items snapshot cache.
func WithCacheBackend(b CacheBackend) SessionOption {
	return func(c *sessionConfig) { c.cache = b }
}

// WithCachePolicy overrides the cache key, entry cap and maximum age.
func WithCachePolicy(key string, maxEntries int, maxAge time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.cacheKey = key
		c.cacheEntries = maxEntries
		c.cacheMaxAge = maxAge
	}
}

func WithPollInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.pollInterval = d }
}

func WithPollBackoffStrategy(b Backoff) SessionOption {
	return func(c *sessionConfig) { c.backoff = b }
}

// WithItemsLimit sets how many items are fetched on load and on each poll.
func WithItemsLimit(n int) SessionOption {
	return func(c *sessionConfig) { c.itemsLimit = n }
}

// ============================================================================
// Session
// ============================================================================

// Session is one client's synchronized view of the marketplace.
type Session struct {
	backend Backend
	cfg     sessionConfig
	log     logrus.FieldLogger

	repo   *Repository
	engine *Engine
	feed   *FeedListener
	poller *Poller
	cache  *SnapshotCache[Item]
	names  *NameCache

	// authMu serializes identity transitions.
	authMu sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	ready   chan struct{}
	wg      sync.WaitGroup
}

// NewSession wires a session over backend. Nothing runs until Start.
func NewSession(backend Backend, opts ...SessionOption) *Session {
	var cfg sessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	s := &Session{
		backend: backend,
		cfg:     cfg,
		log:     cfg.log,
		ready:   make(chan struct{}),
	}
	s.repo = NewRepository(backend,
		WithRepositoryClock(cfg.clock),
		WithRepositoryLogger(cfg.log.WithField("component", "repository")),
	)

	engineOpts := []EngineOption{
		WithEngineLogger(cfg.log.WithField("component", "engine")),
		WithEngineMetrics(cfg.metrics),
	}
	if cfg.cache != nil {
		s.cache = NewSnapshotCache[Item](cfg.cache,
			WithCacheClock(cfg.clock),
			WithCacheLogger(cfg.log.WithField("component", "cache")),
			WithCacheMetrics(cfg.metrics),
		)
		engineOpts = append(engineOpts, WithItemsCache(s.cache, cfg.cacheKey, cfg.cacheEntries))
	}
	s.engine = NewEngine(engineOpts...)

	s.feed = NewFeedListener(backend, s.engine,
		WithFeedLogger(cfg.log.WithField("component", "feed")),
		WithFeedMetrics(cfg.metrics),
	)

	pollOpts := []PollerOption{
		WithPollClock(cfg.clock),
		WithPollLogger(cfg.log.WithField("component", "poller")),
		WithPollMetrics(cfg.metrics),
	}
	if cfg.backoff != nil {
		pollOpts = append(pollOpts, WithPollBackoff(cfg.backoff))
	}
	s.poller = NewPoller(s.poll, cfg.pollInterval, pollOpts...)
	s.names = NewNameCache(s.repo.Users, DefaultNameCacheSize, cfg.log)
	return s
}

func (s *Session) Engine() *Engine          { return s.engine }
func (s *Session) Repository() *Repository  { return s.repo }
func (s *Session) Snapshot() *Snapshot      { return s.engine.Snapshot() }
func (s *Session) Names() *NameCache        { return s.names }
func (s *Session) FeedErrors() <-chan error { return s.feed.Errors() }

// Ready is closed once the initial items fetch and, if someone was signed
// in, the initial load of their collections have finished (successfully or
// not).
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Identity returns the signed-in user, or nil.
func (s *Session) Identity() *Identity {
	return s.engine.Snapshot().Identity
}

// Start shows cached items, opens the change feed and loads fresh data in
// the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("rentsync: session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if cached, ok := s.cachedItems(); ok {
		s.engine.ShowCachedItems(cached)
	} else {
		s.engine.MarkLoading(CollectionItems)
	}
	s.feed.Start(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.ready)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.refreshItems(runCtx)
		}()
		go func() {
			defer wg.Done()
			id, err := s.backend.CurrentIdentity(runCtx)
			if err != nil {
				s.log.WithError(err).Warn("restore session failed")
				return
			}
			if id != nil {
				s.authMu.Lock()
				s.activate(runCtx, id)
				s.authMu.Unlock()
			}
		}()
		wg.Wait()
	}()
	return nil
}

// Close stops the feed and the poller.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.poller.Stop()
	s.feed.Stop()
	s.wg.Wait()
}

func (s *Session) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Session) cachedItems() ([]Item, bool) {
	if s.cache == nil {
		return nil, false
	}
	items, ok := s.cache.Get(s.cfg.cacheKey, s.cfg.cacheMaxAge)
	return items, ok && len(items) > 0
}

// ── Loading ──────────────────────────────────────────────

func (s *Session) refreshItems(ctx context.Context) {
	res := s.repo.Items.List(ctx, s.cfg.itemsLimit)
	if !res.OK {
		s.log.WithError(res.Error).Warn("initial items fetch failed")
		return
	}
	s.engine.LoadItems(res.Value)
}

// activate switches every component to id and loads its collections.
// Callers hold authMu.
func (s *Session) activate(ctx context.Context, id *Identity) {
	s.poller.Stop()
	if id.Username == "" {
		if name := s.names.Name(ctx, id.ID); name != UnknownUserName {
			id.Username = name
		}
	} else {
		s.names.Set(id.ID, id.Username)
	}
	s.engine.SetIdentity(id)
	s.engine.MarkLoading(CollectionWishlist)
	s.engine.MarkLoading(CollectionChats)
	s.feed.SetIdentity(s.runContext(), id.ID)
	s.loadScoped(ctx, id.ID)
	s.poller.Restart(s.runContext(), id.ID)
}

// deactivate drops the identity everywhere. Callers hold authMu.
func (s *Session) deactivate() {
	s.poller.Stop()
	s.feed.SetIdentity(s.runContext(), "")
	s.engine.SetIdentity(nil)
}

// loadScoped fetches the wishlist and chats in parallel, then every chat's
// messages, then the names of the other participants.
func (s *Session) loadScoped(ctx context.Context, userID string) {
	var chats []Chat
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res := s.repo.Wishlist.List(gctx, userID)
		if !res.OK {
			s.log.WithError(res.Error).Warn("wishlist fetch failed")
			return nil
		}
		s.engine.LoadWishlist(res.Value)
		return nil
	})
	g.Go(func() error {
		res := s.repo.Chats.List(gctx, userID)
		if !res.OK {
			s.log.WithError(res.Error).Warn("chats fetch failed")
			return nil
		}
		chats = res.Value
		s.engine.LoadChats(chats)
		return nil
	})
	_ = g.Wait()

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.fetchLimit)
	for _, c := range chats {
		chatID := c.ID
		g.Go(func() error {
			s.refreshMessages(gctx, chatID)
			return nil
		})
	}
	_ = g.Wait()

	others := make([]string, 0, len(chats))
	for _, c := range chats {
		others = append(others, c.Other(userID))
	}
	s.names.Resolve(ctx, others)
}

func (s *Session) refreshMessages(ctx context.Context, chatID string) {
	res := s.repo.Messages.List(ctx, chatID)
	if !res.OK {
		s.log.WithError(res.Error).WithField("chat_id", chatID).Warn("messages fetch failed")
		return
	}
	s.engine.LoadMessages(chatID, res.Value)
}

// poll is the fallback poller's fetch: items and the user's wishlist.
func (s *Session) poll(ctx context.Context, userID string) error {
	var errs []error
	if res := s.repo.Items.List(ctx, s.cfg.itemsLimit); res.OK {
		s.engine.ReconcileItems(res.Value)
	} else {
		errs = append(errs, res.Error)
	}
	if res := s.repo.Wishlist.List(ctx, userID); res.OK {
		s.engine.ReconcileWishlist(res.Value)
	} else {
		errs = append(errs, res.Error)
	}
	return errors.Join(errs...)
}

// ============================================================================
// Item intents
// ============================================================================

func (s *Session) requireIdentity() (*Identity, *APIError) {
	id := s.Identity()
	if id == nil {
		return nil, &APIError{Code: CodeUnauthenticated, Message: "sign in first", Err: ErrUnauthenticated}
	}
	return id, nil
}

// ownedItem returns the item if the signed-in user owns it.
func (s *Session) ownedItem(itemID string) (*Identity, Item, *APIError) {
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return nil, Item{}, apiErr
	}
	it, ok := s.Snapshot().Item(itemID)
	if !ok {
		return nil, Item{}, &APIError{Code: CodeNotFound, Message: "item " + itemID + " not found", Err: ErrNotFound}
	}
	if it.OwnerID != me.ID {
		return nil, Item{}, validationError("only the owner can change this item")
	}
	return me, it, nil
}

// CreateItem inserts a new item and adds it to the collection once the
// store has assigned its id.
func (s *Session) CreateItem(ctx context.Context, in ItemInput) Outcome {
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return failed(apiErr)
	}
	if apiErr := in.Validate(); apiErr != nil {
		return failed(apiErr)
	}
	res := s.repo.Items.Create(ctx, in, me.ID, s.displayName(me))
	if !res.OK {
		return outcomeOf(res)
	}
	s.engine.CommitItem(res.Value)
	return succeeded
}

// EditItem applies in locally, then writes it; a failed write restores the
// previous item.
func (s *Session) EditItem(ctx context.Context, itemID string, in ItemInput) Outcome {
	if apiErr := in.Validate(); apiErr != nil {
		return failed(apiErr)
	}
	if _, _, apiErr := s.ownedItem(itemID); apiErr != nil {
		return failed(apiErr)
	}
	token, ok := s.engine.BeginItemEdit(itemID, in)
	if !ok {
		return failed(&APIError{Code: CodeNotFound, Message: "item " + itemID + " not found", Err: ErrNotFound})
	}
	res := s.repo.Items.Update(ctx, itemID, in)
	if !res.OK {
		s.engine.RevertEdit(token, itemID)
		return outcomeOf(res)
	}
	s.engine.ConfirmEdit(token, res.Value)
	return succeeded
}

// ToggleItemStatus flips availability optimistically.
func (s *Session) ToggleItemStatus(ctx context.Context, itemID string) Outcome {
	if _, _, apiErr := s.ownedItem(itemID); apiErr != nil {
		return failed(apiErr)
	}
	token, next, ok := s.engine.BeginStatusToggle(itemID)
	if !ok {
		return failed(&APIError{Code: CodeNotFound, Message: "item " + itemID + " not found", Err: ErrNotFound})
	}
	res := s.repo.Items.SetStatus(ctx, itemID, next)
	if !res.OK {
		s.engine.RevertEdit(token, itemID)
		return outcomeOf(res)
	}
	s.engine.ConfirmEdit(token, res.Value)
	return succeeded
}

// DeleteItem removes an item after the store confirmed the delete.
func (s *Session) DeleteItem(ctx context.Context, itemID string) Outcome {
	if _, _, apiErr := s.ownedItem(itemID); apiErr != nil {
		return failed(apiErr)
	}
	res := s.repo.Items.Delete(ctx, itemID)
	if !res.OK {
		return outcomeOf(res)
	}
	s.engine.RemoveItem(itemID)
	return succeeded
}

// SelectItem shows an item in detail.
func (s *Session) SelectItem(itemID string) Outcome {
	if !s.engine.SelectItem(itemID) {
		return failed(&APIError{Code: CodeNotFound, Message: "item " + itemID + " not found", Err: ErrNotFound})
	}
	return succeeded
}

// ============================================================================
// Wishlist intents
// ============================================================================

func (s *Session) AddToWishlist(ctx context.Context, itemID string) Outcome {
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return failed(apiErr)
	}
	if s.Snapshot().InWishlist(me.ID, itemID) {
		return failed(validationError("item is already in your wishlist"))
	}
	res := s.repo.Wishlist.Add(ctx, me.ID, itemID)
	if !res.OK {
		return outcomeOf(res)
	}
	s.engine.CommitWishlistEntry(res.Value)
	return succeeded
}

func (s *Session) RemoveFromWishlist(ctx context.Context, itemID string) Outcome {
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return failed(apiErr)
	}
	res := s.repo.Wishlist.Remove(ctx, me.ID, itemID)
	if !res.OK {
		return outcomeOf(res)
	}
	s.engine.RemoveWishlistEntry(me.ID, itemID)
	return succeeded
}

// ============================================================================
// Chat intents
// ============================================================================

// StartOrResumeChat opens the chat with an item's owner, creating it on
// first contact. A chat already held locally is reused and its messages
// refreshed.
func (s *Session) StartOrResumeChat(ctx context.Context, itemID string) Result[Chat] {
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return fail[Chat](apiErr)
	}
	it, ok := s.Snapshot().Item(itemID)
	if !ok {
		return fail[Chat](&APIError{Code: CodeNotFound, Message: "item " + itemID + " not found", Err: ErrNotFound})
	}
	if it.OwnerID == me.ID {
		return fail[Chat](validationError("you cannot start a chat about your own item"))
	}
	participants := []string{me.ID, it.OwnerID}
	s.names.Set(it.OwnerID, it.OwnerName)

	chat, ok := s.engine.FindChat(participants, itemID)
	if !ok {
		res := s.repo.Chats.FindOrCreate(ctx, participants, itemID, it.Title)
		if !res.OK {
			return res
		}
		chat = s.engine.CommitChat(res.Value)
	}
	s.refreshMessages(ctx, chat.ID)
	s.engine.OpenChat(chat.ID)
	if c, ok := s.Snapshot().Chat(chat.ID); ok {
		chat = c
	}
	return succeed(chat)
}

// SendMessage posts text to a chat. Blank text is rejected without a
// network call.
func (s *Session) SendMessage(ctx context.Context, chatID, text string) Outcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return failed(validationError("message cannot be empty"))
	}
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return failed(apiErr)
	}
	if _, ok := s.Snapshot().Chat(chatID); !ok {
		return failed(&APIError{Code: CodeNotFound, Message: "chat " + chatID + " not found", Err: ErrNotFound})
	}
	res := s.repo.Messages.Send(ctx, chatID, me.ID, s.displayName(me), text)
	if !res.OK {
		return outcomeOf(res)
	}
	s.engine.CommitMessage(res.Value)
	return succeeded
}

// OpenChat shows a chat and clears its unread mark.
func (s *Session) OpenChat(chatID string) Outcome {
	if !s.engine.OpenChat(chatID) {
		return failed(&APIError{Code: CodeNotFound, Message: "chat " + chatID + " not found", Err: ErrNotFound})
	}
	return succeeded
}

func (s *Session) CloseChat() {
	s.engine.CloseChat()
}

// ChatDisplayName is "<item title> - <other participant>", or just the item
// title when the other participant's name is not known.
func (s *Session) ChatDisplayName(chat Chat) string {
	me := ""
	if id := s.Identity(); id != nil {
		me = id.ID
	}
	if name, ok := s.names.Cached(chat.Other(me)); ok && name != "" {
		return chat.ItemTitle + " - " + name
	}
	return chat.ItemTitle
}

func (s *Session) displayName(id *Identity) string {
	if id.Username != "" {
		return id.Username
	}
	if name, ok := s.names.Cached(id.ID); ok {
		return name
	}
	if at := strings.IndexByte(id.Email, '@'); at > 0 {
		return id.Email[:at]
	}
	return UnknownUserName
}

// ============================================================================
// Auth intents
// ============================================================================

func validatePassword(password, confirm string) *APIError {
	if password != confirm {
		return validationError("passwords do not match")
	}
	if len(password) < MinPasswordLength {
		return validationError("password must be at least 6 characters")
	}
	return nil
}

// SignUp registers a user, creates their profile row and signs them in.
func (s *Session) SignUp(ctx context.Context, email, password, confirm, username string) Outcome {
	email, username = strings.TrimSpace(email), strings.TrimSpace(username)
	if email == "" || username == "" {
		return failed(validationError("email and username are required"))
	}
	if apiErr := validatePassword(password, confirm); apiErr != nil {
		return failed(apiErr)
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()
	id, err := s.backend.SignUp(ctx, email, password)
	if err != nil {
		return failed(storeFailure("sign up", err))
	}
	if res := s.repo.Users.CreateProfile(ctx, Profile{ID: id.ID, Username: username, Email: email}); !res.OK {
		s.log.WithError(res.Error).WithField("user_id", id.ID).Warn("create profile failed")
	}
	id.Username = username
	s.activate(ctx, id)
	return succeeded
}

func (s *Session) SignIn(ctx context.Context, email, password string) Outcome {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return failed(validationError("email and password are required"))
	}
	s.authMu.Lock()
	defer s.authMu.Unlock()
	id, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		return failed(storeFailure("sign in", err))
	}
	s.activate(ctx, id)
	return succeeded
}

// SignOut ends the backend session, drops the user's collections and
// clears the items cache.
func (s *Session) SignOut(ctx context.Context) Outcome {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.deactivate()
	if s.cache != nil {
		s.cache.Clear(s.cfg.cacheKey)
	}
	if err := s.backend.SignOut(ctx); err != nil {
		return failed(storeFailure("sign out", err))
	}
	return succeeded
}

// ChangePassword verifies current by signing in with it before setting next.
func (s *Session) ChangePassword(ctx context.Context, current, next, confirm string) Outcome {
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return failed(apiErr)
	}
	if current == "" {
		return failed(validationError("current password is required"))
	}
	if apiErr := validatePassword(next, confirm); apiErr != nil {
		return failed(apiErr)
	}
	if _, err := s.backend.SignIn(ctx, me.Email, current); err != nil {
		return failed(&APIError{Code: CodeUnauthenticated, Message: "current password is incorrect", Err: err})
	}
	if err := s.backend.UpdatePassword(ctx, next); err != nil {
		return failed(storeFailure("update password", err))
	}
	return succeeded
}

// UpdateUsername renames the signed-in user.
func (s *Session) UpdateUsername(ctx context.Context, username string) Outcome {
	username = strings.TrimSpace(username)
	if username == "" {
		return failed(validationError("username is required"))
	}
	me, apiErr := s.requireIdentity()
	if apiErr != nil {
		return failed(apiErr)
	}
	res := s.repo.Users.UpdateUsername(ctx, me.ID, username)
	if !res.OK {
		return outcomeOf(res)
	}
	s.names.Set(me.ID, username)
	renamed := *me
	renamed.Username = username
	s.engine.SetIdentity(&renamed)
	return succeeded
}
