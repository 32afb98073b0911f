package rentsync

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Errors
// ============================================================================

// Error codes carried by APIError.
const (
	CodeValidation      = "VALIDATION"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeStore           = "STORE"
	CodeNetwork         = "NETWORK"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("not signed in")
	ErrDuplicate       = errors.New("duplicate record")
	ErrQuotaExceeded   = errors.New("cache quota exceeded")
)

// APIError is the error shape returned to callers of repository operations
// and session intents.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func validationError(msg string) *APIError {
	return &APIError{Code: CodeValidation, Message: msg}
}

// storeFailure classifies an error returned by a Store or Authenticator.
func storeFailure(op string, err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	code := CodeStore
	switch {
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrUnauthenticated):
		code = CodeUnauthenticated
	case errors.Is(err, ErrDuplicate):
		code = CodeConflict
	}
	return &APIError{Code: code, Message: op + ": " + err.Error(), Err: err}
}

// ============================================================================
// Results
// ============================================================================

// Result is the uniform outcome of a repository operation.
type Result[T any] struct {
	OK    bool      `json:"ok"`
	Value T         `json:"value,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (r Result[T]) Err() error {
	if r.OK || r.Error == nil {
		return nil
	}
	return r.Error
}

// Outcome reports whether a user intent succeeded.
type Outcome struct {
	OK    bool      `json:"ok"`
	Error *APIError `json:"error,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.OK || o.Error == nil {
		return nil
	}
	return o.Error
}

func succeed[T any](v T) Result[T] {
	return Result[T]{OK: true, Value: v}
}

func fail[T any](err *APIError) Result[T] {
	return Result[T]{Error: err}
}

func outcomeOf[T any](r Result[T]) Outcome {
	return Outcome{OK: r.OK, Error: r.Error}
}

func failed(err *APIError) Outcome {
	return Outcome{Error: err}
}

var succeeded = Outcome{OK: true}

// ============================================================================
// Enums
// ============================================================================

// PriceUnit is the rental period a price applies to.
type PriceUnit string

const (
	PerMinute PriceUnit = "minute"
	PerHour   PriceUnit = "hour"
	PerDay    PriceUnit = "day"
	PerWeek   PriceUnit = "week"
	PerMonth  PriceUnit = "month"
	PerYear   PriceUnit = "year"
)

func (u PriceUnit) Valid() bool {
	switch u {
	case PerMinute, PerHour, PerDay, PerWeek, PerMonth, PerYear:
		return true
	}
	return false
}

// ItemStatus is the availability of an item.
type ItemStatus string

const (
	StatusAvailable   ItemStatus = "available"
	StatusUnavailable ItemStatus = "unavailable"
)

// Toggle returns the opposite status. Toggling twice yields the original.
func (s ItemStatus) Toggle() ItemStatus {
	if s == StatusAvailable {
		return StatusUnavailable
	}
	return StatusAvailable
}

// parseStatus accepts the canonical values and the legacy Indonesian ones
// still present in older rows.
func parseStatus(s string) ItemStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "tersedia":
		return StatusAvailable
	case "unavailable", "tidak tersedia":
		return StatusUnavailable
	}
	return ItemStatus(s)
}

// ============================================================================
// Entities
// ============================================================================

// Table names in the external store.
const (
	TableItems    = "items"
	TableWishlist = "wishlist"
	TableChats    = "chats"
	TableMessages = "messages"
	TableUsers    = "users"
)

// Item is a rentable listing.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Price       float64    `json:"price"`
	PriceUnit   PriceUnit  `json:"priceUnit"`
	Location    string     `json:"location"`
	Image       string     `json:"image,omitempty"`
	OwnerID     string     `json:"ownerId"`
	OwnerName   string     `json:"ownerName"`
	Status      ItemStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Equal reports whether two items carry the same field values.
func (it Item) Equal(o Item) bool {
	return it.ID == o.ID &&
		it.Title == o.Title &&
		it.Description == o.Description &&
		it.Price == o.Price &&
		it.PriceUnit == o.PriceUnit &&
		it.Location == o.Location &&
		it.Image == o.Image &&
		it.OwnerID == o.OwnerID &&
		it.OwnerName == o.OwnerName &&
		it.Status == o.Status &&
		it.CreatedAt.Equal(o.CreatedAt)
}

// ItemInput holds the owner-editable fields of an item.
type ItemInput struct {
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description" validate:"required"`
	Price       float64   `json:"price" validate:"gt=0"`
	PriceUnit   PriceUnit `json:"priceUnit" validate:"oneof=minute hour day week month year"`
	Location    string    `json:"location" validate:"required"`
	Image       string    `json:"image,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields before any store call is made. Text
// fields are trimmed first so whitespace does not count.
func (in ItemInput) Validate() *APIError {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Location = strings.TrimSpace(in.Location)

	var fieldErrs validator.ValidationErrors
	if err := validate.Struct(in); errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "gt":
			return validationError("price must be positive")
		case "oneof":
			return validationError("unknown price unit " + string(in.PriceUnit))
		}
		return validationError(strings.ToLower(fe.Field()) + " is required")
	} else if err != nil {
		return validationError(err.Error())
	}
	return nil
}

func (in ItemInput) applyTo(it *Item) {
	it.Title = in.Title
	it.Description = in.Description
	it.Price = in.Price
	it.PriceUnit = in.PriceUnit
	it.Location = in.Location
	it.Image = in.Image
}

// WishlistEntry marks an item saved by a user. (UserID, ItemID) is unique.
type WishlistEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ItemID    string    `json:"itemId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (w WishlistEntry) Equal(o WishlistEntry) bool {
	return w.ID == o.ID && w.UserID == o.UserID && w.ItemID == o.ItemID && w.CreatedAt.Equal(o.CreatedAt)
}

// Chat is a conversation between two users about one item.
type Chat struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	ItemID       string    `json:"itemId"`
	ItemTitle    string    `json:"itemTitle"`
	LastMessage  string    `json:"lastMessage"`
	LastUpdated  time.Time `json:"lastUpdated"`
	CreatedAt    time.Time `json:"createdAt"`
	Messages     []Message `json:"messages"`
}

// HasParticipant reports whether userID takes part in the chat.
func (c Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Other returns the participant that is not userID.
func (c Chat) Other(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// SameConversation reports whether both chats join the same unordered
// participant pair about the same item.
func (c Chat) SameConversation(participants []string, itemID string) bool {
	if c.ItemID != itemID || len(c.Participants) != len(participants) {
		return false
	}
	for _, p := range participants {
		if !c.HasParticipant(p) {
			return false
		}
	}
	return true
}

// Message is an immutable chat message.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Identity is the signed-in user.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// Profile is the public user row.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}
