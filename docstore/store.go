// Package docstore is a rentsync backend on Cloud Firestore. Tables map to
// top-level collections and the change feed comes from query snapshot
// listeners.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pinjamaja/rentsync"
)

// document keys for rows that must be unique per natural key
var naturalKeys = map[string]func(rentsync.Record) string{
	rentsync.TableChats: func(r rentsync.Record) string {
		p := r.Strings("participants")
		sort.Strings(p)
		return "chat:" + strings.Join(p, ",") + ":" + r.String("item_id")
	},
	rentsync.TableWishlist: func(r rentsync.Record) string {
		return "wish:" + r.String("user_id") + ":" + r.String("item_id")
	},
	rentsync.TableCredentials: func(r rentsync.Record) string {
		return "cred:" + strings.ToLower(r.String("email"))
	},
}

var timestampColumns = map[string]bool{
	"created_at":   true,
	"last_updated": true,
}

// Store implements rentsync.Store and rentsync.Subscriber.
type Store struct {
	client *firestore.Client
	log    logrus.FieldLogger
	feed   *rentsync.Broadcaster
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listening map[string]bool
}

var (
	_ rentsync.Store      = (*Store)(nil)
	_ rentsync.Subscriber = (*Store)(nil)
)

type Option func(*Store)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// New wraps an existing client.
func New(client *firestore.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		feed:      rentsync.NewBroadcaster(64),
		now:       time.Now,
		listening: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Connect creates a client for project. credentialsFile may be empty to use
// application default credentials or the emulator.
func Connect(ctx context.Context, project, credentialsFile string, opts ...Option) (*Store, error) {
	var copts []option.ClientOption
	if credentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, project, copts...)
	if err != nil {
		return nil, fmt.Errorf("docstore.Connect: %w", err)
	}
	return New(client, opts...), nil
}

// Close stops the listeners and the client.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}

func mapError(op, table string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("docstore.%s %s: %w", op, table, rentsync.ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("docstore.%s %s: %w", op, table, rentsync.ErrDuplicate)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("docstore.%s %s: %w", op, table, rentsync.ErrUnauthenticated)
	}
	return fmt.Errorf("docstore.%s %s: %w", op, table, err)
}

// docID picks the document id for a new row.
func docID(table string, rec rentsync.Record) string {
	if id := rec.ID(); id != "" {
		return id
	}
	if key, ok := naturalKeys[table]; ok {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key(rec))).String()
	}
	return uuid.NewString()
}

// toData converts a record into document fields.
func toData(rec rentsync.Record) map[string]any {
	data := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "id" {
			continue
		}
		if timestampColumns[k] {
			if t := rec.Time(k); !t.IsZero() {
				data[k] = t
				continue
			}
		}
		data[k] = v
	}
	return data
}

// fromDoc converts a document into a record keyed by the document id.
func fromDoc(id string, data map[string]any) rentsync.Record {
	rec := make(rentsync.Record, len(data)+1)
	for k, v := range data {
		switch vv := v.(type) {
		case time.Time:
			rec[k] = vv.UTC().Format(time.RFC3339Nano)
		case int64:
			rec[k] = float64(vv)
		case []any:
			strs := make([]string, 0, len(vv))
			for _, e := range vv {
				strs = append(strs, fmt.Sprint(e))
			}
			rec[k] = strs
		default:
			rec[k] = v
		}
	}
	rec["id"] = id
	return rec
}

// buildQuery pushes what Firestore can evaluate into the query and returns
// the filters left for the client.
func (s *Store) buildQuery(table string, q rentsync.Query) (firestore.Query, []rentsync.Filter, error) {
	query := s.client.Collection(table).Query
	var rest []rentsync.Filter
	arrayUsed := false
	for _, f := range q.Filters {
		switch f.Op {
		case rentsync.OpEq, "":
			if f.Column == "id" {
				query = query.Where(firestore.DocumentID, "==", s.client.Collection(table).Doc(fmt.Sprint(f.Value)))
				continue
			}
			query = query.Where(f.Column, "==", f.Value)
		case rentsync.OpContains:
			vals := rentsync.Record{"v": f.Value}.Strings("v")
			if len(vals) == 0 {
				continue
			}
			// one array-contains per query
			if !arrayUsed {
				query = query.Where(f.Column, "array-contains", vals[0])
				arrayUsed = true
				if len(vals) == 1 {
					continue
				}
			}
			rest = append(rest, f)
		default:
			return query, nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		query = query.OrderBy(q.OrderBy, dir)
	}
	// a client-side filter would make the limit undercount
	if q.Limit > 0 && len(rest) == 0 {
		query = query.Limit(q.Limit)
	}
	return query, rest, nil
}

func (s *Store) Select(ctx context.Context, table string, q rentsync.Query) ([]rentsync.Record, error) {
	query, rest, err := s.buildQuery(table, q)
	if err != nil {
		return nil, fmt.Errorf("docstore.Select %s: %w", table, err)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []rentsync.Record
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapError("Select", table, err)
		}
		rec := fromDoc(doc.Ref.ID, doc.Data())
		if !matchesAll(rest, rec) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func matchesAll(filters []rentsync.Filter, rec rentsync.Record) bool {
	for _, f := range filters {
		if !f.Matches(rec) {
			return false
		}
	}
	return true
}

func (s *Store) Insert(ctx context.Context, table string, rec rentsync.Record) (rentsync.Record, error) {
	rec = rec.Clone()
	if _, ok := rec["created_at"]; !ok && table != rentsync.TableUsers {
		rec["created_at"] = s.now().UTC()
	}
	id := docID(table, rec)
	data := toData(rec)
	if _, err := s.client.Collection(table).Doc(id).Create(ctx, data); err != nil {
		return nil, mapError("Insert", table, err)
	}
	return fromDoc(id, data), nil
}

func (s *Store) Update(ctx context.Context, table, id string, patch rentsync.Record) (rentsync.Record, error) {
	data := toData(patch)
	if len(data) == 0 {
		return nil, fmt.Errorf("docstore.Update %s: empty update", table)
	}
	updates := make([]firestore.Update, 0, len(data))
	for k, v := range data {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	ref := s.client.Collection(table).Doc(id)
	if _, err := ref.Update(ctx, updates); err != nil {
		return nil, mapError("Update", table, err)
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		return nil, mapError("Update", table, err)
	}
	return fromDoc(doc.Ref.ID, doc.Data()), nil
}

func (s *Store) Delete(ctx context.Context, table string, filters ...rentsync.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("docstore.Delete %s: refusing to delete without a filter", table)
	}
	rows, err := s.Select(ctx, table, rentsync.Query{Filters: filters})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := s.client.Collection(table).Doc(row.ID()).Delete(ctx); err != nil {
			return mapError("Delete", table, err)
		}
	}
	return nil
}

// ============================================================================
// Change feed
// ============================================================================

// Subscribe implements rentsync.Subscriber. One snapshot listener runs per
// table; the initial snapshot is not replayed as changes.
func (s *Store) Subscribe(ctx context.Context, table string, opts rentsync.SubscribeOptions) (rentsync.Subscription, error) {
	sub := s.feed.Subscribe(ctx, table, opts)
	s.mu.Lock()
	if !s.listening[table] {
		s.listening[table] = true
		s.wg.Add(1)
		go s.listen(table)
	}
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) listen(table string) {
	defer s.wg.Done()
	iter := s.client.Collection(table).Snapshots(s.ctx)
	defer iter.Stop()

	first := true
	for {
		snap, err := iter.Next()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, iterator.Done) {
				s.log.WithError(err).WithField("table", table).Warn("docstore: snapshot listener stopped")
				s.feed.Fail(table, mapError("Subscribe", table, err))
			}
			s.mu.Lock()
			delete(s.listening, table)
			s.mu.Unlock()
			return
		}
		if first {
			first = false
			continue
		}
		for _, ev := range changeEvents(table, snap.Changes, snap.ReadTime) {
			s.feed.Publish(ev)
		}
	}
}

func changeEvents(table string, changes []firestore.DocumentChange, readTime time.Time) []rentsync.ChangeEvent {
	out := make([]rentsync.ChangeEvent, 0, len(changes))
	for _, ch := range changes {
		ev := rentsync.ChangeEvent{Table: table, CommitTime: readTime}
		rec := fromDoc(ch.Doc.Ref.ID, ch.Doc.Data())
		switch ch.Kind {
		case firestore.DocumentAdded:
			ev.Kind, ev.New = rentsync.ChangeInsert, rec
		case firestore.DocumentModified:
			ev.Kind, ev.New = rentsync.ChangeUpdate, rec
			ev.Old = rentsync.Record{"id": ch.Doc.Ref.ID}
		case firestore.DocumentRemoved:
			ev.Kind, ev.Old = rentsync.ChangeDelete, rec
		default:
			continue
		}
		if !ch.Doc.UpdateTime.IsZero() && ch.Kind != firestore.DocumentRemoved {
			ev.CommitTime = ch.Doc.UpdateTime
		}
		out = append(out, ev)
	}
	return out
}
