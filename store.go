package rentsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Records and queries
// ============================================================================

// Record is a row in the store's native shape, keyed by snake_case column.
type Record map[string]any

// ID returns the primary key of the row.
func (r Record) ID() string {
	return r.String("id")
}

func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (r Record) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Time parses timestamps delivered as time.Time, RFC 3339 strings, the
// zone-less format of timestamp columns, or epoch milliseconds.
func (r Record) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		return parseTimestamp(v)
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case int64:
		return time.UnixMilli(v).UTC()
	}
	return time.Time{}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Strings reads an array column.
func (r Record) Strings(key string) []string {
	switch v := r[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		// array literal as sent by some webhook emitters: {a,b}
		trimmed := strings.Trim(v, "{}")
		if trimmed == "" {
			return nil
		}
		return strings.Split(trimmed, ",")
	}
	return nil
}

// Clone returns a shallow copy with array values copied.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// Filter operators.
const (
	OpEq       = "eq"
	OpContains = "contains"
)

// Filter restricts a query to rows whose Column matches Value. With
// OpContains, Value is a []string that must be a subset of the array column.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Contains builds an array-containment filter.
func Contains(column string, values ...string) Filter {
	return Filter{Column: column, Op: OpContains, Value: values}
}

// Matches evaluates the filter against a record.
func (f Filter) Matches(r Record) bool {
	switch f.Op {
	case OpContains:
		want := Record{"v": f.Value}.Strings("v")
		have := r.Strings(f.Column)
		for _, w := range want {
			found := false
			for _, h := range have {
				if h == w {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return r.String(f.Column) == fmt.Sprint(f.Value)
	}
}

// Query describes a select.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

func (q Query) matches(r Record) bool {
	for _, f := range q.Filters {
		if !f.Matches(r) {
			return false
		}
	}
	return true
}

// sortRecords orders rows by the query's OrderBy column. Timestamp columns
// compare chronologically, everything else lexically or numerically.
func (q Query) sortRecords(rows []Record) {
	if q.OrderBy == "" {
		return
	}
	less := func(a, b Record) bool {
		ta, tb := a.Time(q.OrderBy), b.Time(q.OrderBy)
		if !ta.IsZero() || !tb.IsZero() {
			return ta.Before(tb)
		}
		if _, ok := a[q.OrderBy].(float64); ok {
			return a.Float(q.OrderBy) < b.Float(q.OrderBy)
		}
		return a.String(q.OrderBy) < b.String(q.OrderBy)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if q.Desc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
}

// ============================================================================
// Change events
// ============================================================================

// ChangeKind is the kind of row change delivered by a push subscription.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ChangeEvent is one row change pushed by the store. New is empty for
// deletes; Old may only carry the primary key.
type ChangeEvent struct {
	Table      string     `json:"table"`
	Kind       ChangeKind `json:"type"`
	New        Record     `json:"record,omitempty"`
	Old        Record     `json:"old_record,omitempty"`
	CommitTime time.Time  `json:"commit_timestamp"`
}

// RecordID returns the id of the changed row.
func (e ChangeEvent) RecordID() string {
	if id := e.New.ID(); id != "" {
		return id
	}
	return e.Old.ID()
}

// row returns the record that filters apply to.
func (e ChangeEvent) row() Record {
	if e.Kind == ChangeDelete || len(e.New) == 0 {
		return e.Old
	}
	return e.New
}

// SubscribeOptions narrows a subscription.
type SubscribeOptions struct {
	Kinds  []ChangeKind `json:"kinds,omitempty"`
	Filter *Filter      `json:"filter,omitempty"`
}

func (o SubscribeOptions) accepts(ev ChangeEvent) bool {
	if len(o.Kinds) > 0 {
		ok := false
		for _, k := range o.Kinds {
			if k == ev.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if o.Filter != nil {
		row := ev.row()
		// deletes often only carry the key; let them through
		if ev.Kind == ChangeDelete && row[o.Filter.Column] == nil {
			return true
		}
		return o.Filter.Matches(row)
	}
	return true
}

// ============================================================================
// Collaborator interfaces
// ============================================================================

// Store is row-level CRUD against the external store.
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]Record, error)
	Insert(ctx context.Context, table string, rec Record) (Record, error)
	Update(ctx context.Context, table, id string, patch Record) (Record, error)
	Delete(ctx context.Context, table string, filters ...Filter) error
}

// Subscription is a live stream of change events for one table.
// Delivery is at-most-once.
type Subscription interface {
	Events() <-chan ChangeEvent
	Errors() <-chan error
	Close() error
}

// Subscriber opens push subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, table string, opts SubscribeOptions) (Subscription, error)
}

// Authenticator manages the session identity.
type Authenticator interface {
	// CurrentIdentity returns nil without error when nobody is signed in.
	CurrentIdentity(ctx context.Context) (*Identity, error)
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignOut(ctx context.Context) error
	UpdatePassword(ctx context.Context, password string) error
}

// Backend bundles everything a Session needs from the hosted service.
type Backend interface {
	Store
	Subscriber
	Authenticator
}

// CompositeBackend assembles a Backend from separate parts, for example a
// database store paired with a webhook-fed subscriber.
type CompositeBackend struct {
	Store
	Subscriber
	Authenticator
}
