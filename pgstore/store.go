// Package pgstore is a rentsync backend on PostgreSQL: rows through a pgx
// pool with squirrel-built statements, and a change feed from
// LISTEN/NOTIFY triggers installed by Migrate.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/pinjamaja/rentsync"
)

// DefaultChannel is the NOTIFY channel the schema triggers publish on.
const DefaultChannel = "rentsync_changes"

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables, indexes and notify triggers. It is safe to
// run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("pgstore.Migrate: %w", err)
	}
	return nil
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// columns written as timestamptz
var timestampColumns = map[string]bool{
	"created_at":   true,
	"last_updated": true,
}

// ============================================================================
// Store
// ============================================================================

// Store implements rentsync.Store and rentsync.Subscriber.
type Store struct {
	pool    *pgxpool.Pool
	sb      squirrel.StatementBuilderType
	log     logrus.FieldLogger
	feed    *rentsync.Broadcaster
	channel string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listening bool
}

var (
	_ rentsync.Store      = (*Store)(nil)
	_ rentsync.Subscriber = (*Store)(nil)
)

type Option func(*Store)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// WithChannel overrides the NOTIFY channel.
func WithChannel(name string) Option {
	return func(s *Store) { s.channel = name }
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		sb:      squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		feed:    rentsync.NewBroadcaster(64),
		channel: DefaultChannel,
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

// Connect opens a pool for dsn and checks it with a ping.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore.Connect: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore.Connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore.Connect ping: %w", err)
	}
	return New(pool, opts...), nil
}

// Pool exposes the underlying pool, for Migrate.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close stops the listener and closes the pool.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
}

func checkIdent(names ...string) error {
	for _, n := range names {
		if !identRe.MatchString(n) {
			return fmt.Errorf("invalid identifier %q", n)
		}
	}
	return nil
}

// ── Statement building ───────────────────────────────────

func whereFilter(f rentsync.Filter) (squirrel.Sqlizer, error) {
	if err := checkIdent(f.Column); err != nil {
		return nil, err
	}
	switch f.Op {
	case rentsync.OpContains:
		vals := rentsync.Record{"v": f.Value}.Strings("v")
		return squirrel.Expr(f.Column+" @> ?", vals), nil
	case rentsync.OpEq, "":
		return squirrel.Eq{f.Column: f.Value}, nil
	}
	return nil, fmt.Errorf("unsupported filter op %q", f.Op)
}

func (s *Store) selectSQL(table string, q rentsync.Query) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	b := s.sb.Select("*").From(table)
	for _, f := range q.Filters {
		w, err := whereFilter(f)
		if err != nil {
			return "", nil, err
		}
		b = b.Where(w)
	}
	if q.OrderBy != "" {
		if err := checkIdent(q.OrderBy); err != nil {
			return "", nil, err
		}
		dir := " ASC"
		if q.Desc {
			dir = " DESC"
		}
		b = b.OrderBy(q.OrderBy + dir)
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return b.ToSql()
}

// columnValues converts a record into statement values.
func columnValues(rec rentsync.Record) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if err := checkIdent(k); err != nil {
			return nil, err
		}
		if timestampColumns[k] {
			if t := rec.Time(k); !t.IsZero() {
				out[k] = t
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}

func (s *Store) insertSQL(table string, rec rentsync.Record) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	vals, err := columnValues(rec)
	if err != nil {
		return "", nil, err
	}
	return s.sb.Insert(table).SetMap(vals).Suffix("RETURNING *").ToSql()
}

func (s *Store) updateSQL(table, id string, patch rentsync.Record) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	delete(patch, "id")
	if len(patch) == 0 {
		return "", nil, errors.New("empty update")
	}
	vals, err := columnValues(patch)
	if err != nil {
		return "", nil, err
	}
	return s.sb.Update(table).SetMap(vals).Where(squirrel.Eq{"id": id}).Suffix("RETURNING *").ToSql()
}

func (s *Store) deleteSQL(table string, filters []rentsync.Filter) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	if len(filters) == 0 {
		return "", nil, errors.New("refusing to delete without a filter")
	}
	b := s.sb.Delete(table)
	for _, f := range filters {
		w, err := whereFilter(f)
		if err != nil {
			return "", nil, err
		}
		b = b.Where(w)
	}
	return b.ToSql()
}

// ── Store ────────────────────────────────────────────────

func mapError(op, table string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return fmt.Errorf("pgstore.%s %s (%s): %w", op, table, pgErr.ConstraintName, rentsync.ErrDuplicate)
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("pgstore.%s %s: %w", op, table, rentsync.ErrNotFound)
	}
	return fmt.Errorf("pgstore.%s %s: %w", op, table, err)
}

func (s *Store) query(ctx context.Context, op, table, sql string, args []any) ([]rentsync.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(op, table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapError(op, table, err)
	}
	out := make([]rentsync.Record, len(maps))
	for i, m := range maps {
		out[i] = normalize(m)
	}
	return out, nil
}

// normalize turns driver values into the shapes Record accessors expect.
func normalize(m map[string]any) rentsync.Record {
	rec := make(rentsync.Record, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case time.Time:
			rec[k] = vv.UTC().Format(time.RFC3339Nano)
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
	return rec
}

func (s *Store) Select(ctx context.Context, table string, q rentsync.Query) ([]rentsync.Record, error) {
	sql, args, err := s.selectSQL(table, q)
	if err != nil {
		return nil, fmt.Errorf("pgstore.Select %s: %w", table, err)
	}
	return s.query(ctx, "Select", table, sql, args)
}

func (s *Store) Insert(ctx context.Context, table string, rec rentsync.Record) (rentsync.Record, error) {
	sql, args, err := s.insertSQL(table, rec.Clone())
	if err != nil {
		return nil, fmt.Errorf("pgstore.Insert %s: %w", table, err)
	}
	rows, err := s.query(ctx, "Insert", table, sql, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("pgstore.Insert %s: no row returned", table)
	}
	return rows[0], nil
}

func (s *Store) Update(ctx context.Context, table, id string, patch rentsync.Record) (rentsync.Record, error) {
	sql, args, err := s.updateSQL(table, id, patch.Clone())
	if err != nil {
		return nil, fmt.Errorf("pgstore.Update %s: %w", table, err)
	}
	rows, err := s.query(ctx, "Update", table, sql, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("pgstore.Update %s id %s: %w", table, id, rentsync.ErrNotFound)
	}
	return rows[0], nil
}

func (s *Store) Delete(ctx context.Context, table string, filters ...rentsync.Filter) error {
	sql, args, err := s.deleteSQL(table, filters)
	if err != nil {
		return fmt.Errorf("pgstore.Delete %s: %w", table, err)
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return mapError("Delete", table, err)
	}
	return nil
}

// ============================================================================
// Change feed
// ============================================================================

type notice struct {
	Table      string              `json:"table"`
	Kind       rentsync.ChangeKind `json:"type"`
	ID         string              `json:"id"`
	CommitTime time.Time           `json:"commit_timestamp"`
}

// Subscribe implements rentsync.Subscriber. The first call starts the
// LISTEN connection; it is listening before Subscribe returns.
func (s *Store) Subscribe(ctx context.Context, table string, opts rentsync.SubscribeOptions) (rentsync.Subscription, error) {
	if err := s.ensureListening(ctx); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, table, opts), nil
}

func (s *Store) ensureListening(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	if err := checkIdent(s.channel); err != nil {
		return fmt.Errorf("pgstore.Subscribe: %w", err)
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgstore.Subscribe acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+s.channel); err != nil {
		conn.Release()
		return fmt.Errorf("pgstore.Subscribe listen: %w", err)
	}
	s.listening = true
	s.wg.Add(1)
	go s.listen(conn)
	return nil
}

func (s *Store) listen(conn *pgxpool.Conn) {
	defer s.wg.Done()
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.WithError(err).Warn("pgstore: notification listener stopped")
				s.feed.FailAll(fmt.Errorf("pgstore listen: %w", err))
				conn.Conn().Close(context.Background())
			}
			s.mu.Lock()
			s.listening = false
			s.mu.Unlock()
			return
		}
		s.dispatch(n.Payload)
	}
}

// dispatch turns a notice into a change event. Inserts and updates are
// published with the current row; a row deleted in the meantime is skipped.
func (s *Store) dispatch(payload string) {
	ev, ok, err := s.resolve(s.ctx, payload)
	if err != nil {
		s.log.WithError(err).Debug("pgstore: notice not published")
		return
	}
	if ok {
		s.feed.Publish(ev)
	}
}

func (s *Store) resolve(ctx context.Context, payload string) (rentsync.ChangeEvent, bool, error) {
	var n notice
	if err := decodeNotice(payload, &n); err != nil {
		return rentsync.ChangeEvent{}, false, err
	}
	if s.feed.Subscribers(n.Table) == 0 {
		return rentsync.ChangeEvent{}, false, nil
	}
	ev := rentsync.ChangeEvent{
		Table:      n.Table,
		Kind:       n.Kind,
		Old:        rentsync.Record{"id": n.ID},
		CommitTime: n.CommitTime,
	}
	if n.Kind == rentsync.ChangeDelete {
		return ev, true, nil
	}
	rows, err := s.Select(ctx, n.Table, rentsync.Query{Filters: []rentsync.Filter{rentsync.Eq("id", n.ID)}, Limit: 1})
	if err != nil {
		return ev, false, err
	}
	if len(rows) == 0 {
		return ev, false, nil
	}
	ev.New = rows[0]
	return ev, true, nil
}

func decodeNotice(payload string, n *notice) error {
	if err := json.Unmarshal([]byte(payload), n); err != nil {
		return fmt.Errorf("decode notice: %w", err)
	}
	if n.Table == "" || n.ID == "" {
		return fmt.Errorf("incomplete notice %q", strings.TrimSpace(payload))
	}
	switch n.Kind {
	case rentsync.ChangeInsert, rentsync.ChangeUpdate, rentsync.ChangeDelete:
		return nil
	}
	return fmt.Errorf("unknown notice type %q", n.Kind)
}
