package rentsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultItemsLimit bounds the items fetched on load and on every poll.
const DefaultItemsLimit = 50

// ============================================================================
// Repository
// ============================================================================

// Repository translates between entities and store rows. Every operation
// issues its store calls and reports a Result; none of them panic or
// return bare errors.
type Repository struct {
	Items    *ItemsRepo
	Wishlist *WishlistRepo
	Chats    *ChatsRepo
	Messages *MessagesRepo
	Users    *UsersRepo
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repoConfig)

type repoConfig struct {
	clock clockwork.Clock
	log   logrus.FieldLogger
}

func WithRepositoryClock(clock clockwork.Clock) RepositoryOption {
	return func(c *repoConfig) { c.clock = clock }
}

func WithRepositoryLogger(log logrus.FieldLogger) RepositoryOption {
	return func(c *repoConfig) { c.log = log }
}

// NewRepository creates the per-entity sub-repositories over store.
func NewRepository(store Store, opts ...RepositoryOption) *Repository {
	cfg := repoConfig{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = discardLogger()
	}
	return &Repository{
		Items:    &ItemsRepo{store: store, log: cfg.log},
		Wishlist: &WishlistRepo{store: store, log: cfg.log},
		Chats:    &ChatsRepo{store: store, log: cfg.log, clock: cfg.clock},
		Messages: &MessagesRepo{store: store, log: cfg.log, clock: cfg.clock},
		Users:    &UsersRepo{store: store, log: cfg.log},
	}
}

// ============================================================================
// Items
// ============================================================================

type ItemsRepo struct {
	store Store
	log   logrus.FieldLogger
}

// List returns up to limit items, newest first. limit <= 0 fetches all.
func (r *ItemsRepo) List(ctx context.Context, limit int) Result[[]Item] {
	rows, err := r.store.Select(ctx, TableItems, Query{OrderBy: "created_at", Desc: true, Limit: limit})
	if err != nil {
		return fail[[]Item](storeFailure("fetch items", err))
	}
	items := make([]Item, len(rows))
	for i, row := range rows {
		items[i] = itemFromRecord(row)
	}
	return succeed(items)
}

// Create inserts a new available item owned by ownerID.
func (r *ItemsRepo) Create(ctx context.Context, in ItemInput, ownerID, ownerName string) Result[Item] {
	it := Item{OwnerID: ownerID, OwnerName: ownerName, Status: StatusAvailable}
	in.applyTo(&it)
	row, err := r.store.Insert(ctx, TableItems, itemToRecord(it))
	if err != nil {
		return fail[Item](storeFailure("add item", err))
	}
	return succeed(itemFromRecord(row))
}

// Update writes the editable fields of an item.
func (r *ItemsRepo) Update(ctx context.Context, id string, in ItemInput) Result[Item] {
	row, err := r.store.Update(ctx, TableItems, id, itemPatch(in))
	if err != nil {
		return fail[Item](storeFailure("update item", err))
	}
	return succeed(itemFromRecord(row))
}

// SetStatus writes the availability of an item.
func (r *ItemsRepo) SetStatus(ctx context.Context, id string, status ItemStatus) Result[Item] {
	row, err := r.store.Update(ctx, TableItems, id, Record{"status": string(status)})
	if err != nil {
		return fail[Item](storeFailure("update item status", err))
	}
	return succeed(itemFromRecord(row))
}

func (r *ItemsRepo) Delete(ctx context.Context, id string) Result[string] {
	if err := r.store.Delete(ctx, TableItems, Eq("id", id)); err != nil {
		return fail[string](storeFailure("delete item", err))
	}
	return succeed(id)
}

// ============================================================================
// Wishlist
// ============================================================================

type WishlistRepo struct {
	store Store
	log   logrus.FieldLogger
}

func (r *WishlistRepo) List(ctx context.Context, userID string) Result[[]WishlistEntry] {
	rows, err := r.store.Select(ctx, TableWishlist, Query{Filters: []Filter{Eq("user_id", userID)}, OrderBy: "created_at"})
	if err != nil {
		return fail[[]WishlistEntry](storeFailure("fetch wishlist", err))
	}
	entries := make([]WishlistEntry, len(rows))
	for i, row := range rows {
		entries[i] = wishlistFromRecord(row)
	}
	return succeed(entries)
}

func (r *WishlistRepo) Add(ctx context.Context, userID, itemID string) Result[WishlistEntry] {
	row, err := r.store.Insert(ctx, TableWishlist, wishlistToRecord(WishlistEntry{UserID: userID, ItemID: itemID}))
	if err != nil {
		return fail[WishlistEntry](storeFailure("add to wishlist", err))
	}
	return succeed(wishlistFromRecord(row))
}

func (r *WishlistRepo) Remove(ctx context.Context, userID, itemID string) Result[string] {
	if err := r.store.Delete(ctx, TableWishlist, Eq("user_id", userID), Eq("item_id", itemID)); err != nil {
		return fail[string](storeFailure("remove from wishlist", err))
	}
	return succeed(itemID)
}

// ============================================================================
// Chats
// ============================================================================

type ChatsRepo struct {
	store Store
	log   logrus.FieldLogger
	clock clockwork.Clock
	group singleflight.Group
}

// List returns the chats userID takes part in, most recently updated first.
func (r *ChatsRepo) List(ctx context.Context, userID string) Result[[]Chat] {
	rows, err := r.store.Select(ctx, TableChats, Query{
		Filters: []Filter{Contains("participants", userID)},
		OrderBy: "last_updated",
		Desc:    true,
	})
	if err != nil {
		return fail[[]Chat](storeFailure("fetch chats", err))
	}
	chats := make([]Chat, len(rows))
	for i, row := range rows {
		chats[i] = chatFromRecord(row)
	}
	return succeed(chats)
}

// FindOrCreate returns the chat between participants about itemID,
// creating it when none exists. Concurrent calls for the same unordered
// pair and item share one lookup; a unique-constraint conflict from a
// racing client resolves to the row that won.
func (r *ChatsRepo) FindOrCreate(ctx context.Context, participants []string, itemID, itemTitle string) Result[Chat] {
	if len(participants) != 2 || participants[0] == participants[1] {
		return fail[Chat](validationError("a chat needs two distinct participants"))
	}
	v, err, _ := r.group.Do(conversationKey(participants, itemID), func() (any, error) {
		return r.findOrCreate(ctx, participants, itemID, itemTitle)
	})
	if err != nil {
		return fail[Chat](storeFailure("create chat", err))
	}
	chat := v.(Chat)
	chat.Participants = append([]string(nil), chat.Participants...)
	chat.Messages = []Message{}
	return succeed(chat)
}

func conversationKey(participants []string, itemID string) string {
	p := append([]string(nil), participants...)
	sort.Strings(p)
	return strings.Join(p, "|") + "#" + itemID
}

func (r *ChatsRepo) findOrCreate(ctx context.Context, participants []string, itemID, itemTitle string) (Chat, error) {
	if chat, ok, err := r.find(ctx, participants, itemID); err != nil || ok {
		return chat, err
	}

	row, err := r.store.Insert(ctx, TableChats, chatToRecord(Chat{
		Participants: participants,
		ItemID:       itemID,
		ItemTitle:    itemTitle,
		LastMessage:  "",
		LastUpdated:  r.clock.Now(),
	}))
	if errors.Is(err, ErrDuplicate) {
		r.log.WithField("item_id", itemID).Debug("chat created concurrently, reloading")
		chat, ok, err := r.find(ctx, participants, itemID)
		if err != nil {
			return Chat{}, err
		}
		if !ok {
			return Chat{}, fmt.Errorf("chat for item %s: %w", itemID, ErrNotFound)
		}
		return chat, nil
	}
	if err != nil {
		return Chat{}, err
	}
	return chatFromRecord(row), nil
}

func (r *ChatsRepo) find(ctx context.Context, participants []string, itemID string) (Chat, bool, error) {
	rows, err := r.store.Select(ctx, TableChats, Query{
		Filters: []Filter{Contains("participants", participants...), Eq("item_id", itemID)},
		OrderBy: "created_at",
	})
	if err != nil {
		return Chat{}, false, err
	}
	for _, row := range rows {
		if chat := chatFromRecord(row); chat.SameConversation(participants, itemID) {
			return chat, true, nil
		}
	}
	return Chat{}, false, nil
}

// Touch records the latest message text on the chat row.
func (r *ChatsRepo) Touch(ctx context.Context, chatID, lastMessage string) Result[Chat] {
	row, err := r.store.Update(ctx, TableChats, chatID, Record{
		"last_message": lastMessage,
		"last_updated": formatTimestamp(r.clock.Now()),
	})
	if err != nil {
		return fail[Chat](storeFailure("update chat", err))
	}
	return succeed(chatFromRecord(row))
}

// ============================================================================
// Messages
// ============================================================================

type MessagesRepo struct {
	store Store
	log   logrus.FieldLogger
	clock clockwork.Clock
}

// List returns a chat's messages, oldest first.
func (r *MessagesRepo) List(ctx context.Context, chatID string) Result[[]Message] {
	rows, err := r.store.Select(ctx, TableMessages, Query{Filters: []Filter{Eq("chat_id", chatID)}, OrderBy: "created_at"})
	if err != nil {
		return fail[[]Message](storeFailure("fetch messages", err))
	}
	msgs := make([]Message, len(rows))
	for i, row := range rows {
		msgs[i] = messageFromRecord(row)
	}
	return succeed(msgs)
}

// Send inserts a message and then stamps the chat with it.
func (r *MessagesRepo) Send(ctx context.Context, chatID, senderID, senderName, text string) Result[Message] {
	row, err := r.store.Insert(ctx, TableMessages, messageToRecord(Message{
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
	}))
	if err != nil {
		return fail[Message](storeFailure("send message", err))
	}
	msg := messageFromRecord(row)

	_, err = r.store.Update(ctx, TableChats, chatID, Record{
		"last_message": text,
		"last_updated": formatTimestamp(r.clock.Now()),
	})
	if err != nil {
		return fail[Message](storeFailure("update chat", err))
	}
	return succeed(msg)
}

// ============================================================================
// Users
// ============================================================================

type UsersRepo struct {
	store Store
	log   logrus.FieldLogger
}

// Username looks up a user's display name. Unknown users report ok=false.
func (r *UsersRepo) Username(ctx context.Context, userID string) Result[string] {
	rows, err := r.store.Select(ctx, TableUsers, Query{Filters: []Filter{Eq("id", userID)}, Limit: 1})
	if err != nil {
		return fail[string](storeFailure("get user", err))
	}
	if len(rows) == 0 {
		return fail[string](&APIError{Code: CodeNotFound, Message: "user " + userID + " not found", Err: ErrNotFound})
	}
	return succeed(profileFromRecord(rows[0]).Username)
}

func (r *UsersRepo) CreateProfile(ctx context.Context, p Profile) Result[Profile] {
	row, err := r.store.Insert(ctx, TableUsers, profileToRecord(p))
	if err != nil {
		return fail[Profile](storeFailure("create profile", err))
	}
	return succeed(profileFromRecord(row))
}

func (r *UsersRepo) UpdateUsername(ctx context.Context, userID, username string) Result[Profile] {
	row, err := r.store.Update(ctx, TableUsers, userID, Record{"username": username})
	if err != nil {
		return fail[Profile](storeFailure("update profile", err))
	}
	return succeed(profileFromRecord(row))
}
