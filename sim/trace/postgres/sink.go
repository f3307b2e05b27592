// Package postgres stores the event log in a PostgreSQL table, one row per
// record, tagged with the run id so several runs can share a table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/lengbh/GraphDesEngine/sim/trace"
)

const (
	defaultTableName    = "tray_events"
	defaultBatchSize    = 500
	defaultFlushTimeout = 10 * time.Second
	dialectPostgres     = "postgres"
	castJsonb           = "?::jsonb"
	colRunID            = "run_id"
	colSeq              = "seq"
	colSimTime          = "sim_time"
	colEventType        = "event_type"
	colTrayID           = "tray_id"
	colSubjectID        = "subject_id"
	colMetadata         = "metadata"
	logMsgBatchFlushed  = "event batch flushed"
	logMsgFlushFailed   = "event batch flush failed"
)

var (
	ErrNilPool        = errors.New("postgres sink: nil connection pool")
	ErrEmptyTableName = errors.New("postgres sink: empty table name")
	ErrEmptyRunID     = errors.New("postgres sink: empty run id")
	ErrClosed         = errors.New("postgres sink: closed")
)

// execer is the part of *pgxpool.Pool the sink uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Sink batches records and inserts them with one statement per batch.
type Sink struct {
	ctx          context.Context
	db           execer
	pool         *pgxpool.Pool // set when the sink owns the pool
	table        string
	runID        string
	batchSize    int
	flushTimeout time.Duration
	logger       logrus.FieldLogger
	batch        []trace.Record
	written      int
	closed       bool
}

// Option configures a Sink.
type Option func(*Sink) error

// WithTableName sets the destination table.
func WithTableName(name string) Option {
	return func(s *Sink) error {
		if name == "" {
			return ErrEmptyTableName
		}
		s.table = name
		return nil
	}
}

// WithBatchSize sets how many records are buffered before an insert.
func WithBatchSize(n int) Option {
	return func(s *Sink) error {
		if n < 1 {
			return fmt.Errorf("postgres sink: batch size must be at least 1, got %d", n)
		}
		s.batchSize = n
		return nil
	}
}

// WithFlushTimeout bounds each insert.
func WithFlushTimeout(d time.Duration) Option {
	return func(s *Sink) error {
		s.flushTimeout = d
		return nil
	}
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Sink) error {
		s.logger = l
		return nil
	}
}

// NewFromPGXPool creates a sink on an existing pool. The caller keeps
// ownership of the pool.
func NewFromPGXPool(ctx context.Context, pool *pgxpool.Pool, runID string, opts ...Option) (*Sink, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	return newSink(ctx, pool, runID, opts...)
}

// Open connects to dsn and creates a sink that closes the pool on Close.
func Open(ctx context.Context, dsn, runID string, opts ...Option) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s, err := newSink(ctx, pool, runID, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func newSink(ctx context.Context, db execer, runID string, opts ...Option) (*Sink, error) {
	if runID == "" {
		return nil, ErrEmptyRunID
	}
	s := &Sink{
		ctx:          ctx,
		db:           db,
		table:        defaultTableName,
		runID:        runID,
		batchSize:    defaultBatchSize,
		flushTimeout: defaultFlushTimeout,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateTable creates the destination table when it does not exist.
func (s *Sink) CreateTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
	%s uuid NOT NULL,
	%s bigint NOT NULL,
	%s double precision NOT NULL,
	%s text NOT NULL,
	%s integer NOT NULL,
	%s text NOT NULL,
	%s jsonb NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (%s, %s)
)`, s.table, colRunID, colSeq, colSimTime, colEventType, colTrayID, colSubjectID, colMetadata, colRunID, colSeq)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return nil
}

// Write buffers r and flushes when the batch is full.
func (s *Sink) Write(r trace.Record) error {
	if s.closed {
		return ErrClosed
	}
	s.batch = append(s.batch, r)
	if len(s.batch) >= s.batchSize {
		return s.Flush()
	}
	return nil
}

// Flush inserts every buffered record.
func (s *Sink) Flush() error {
	if len(s.batch) == 0 {
		return nil
	}
	query, err := buildInsert(s.table, s.runID, s.batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.flushTimeout)
	defer cancel()

	start := time.Now()
	if _, err := s.db.Exec(ctx, query); err != nil {
		s.logger.WithError(err).WithField("records", len(s.batch)).Error(logMsgFlushFailed)
		return fmt.Errorf("inserting %d records into %s: %w", len(s.batch), s.table, err)
	}
	s.written += len(s.batch)
	s.logger.WithFields(logrus.Fields{
		"records":     len(s.batch),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}).Debug(logMsgBatchFlushed)
	s.batch = s.batch[:0]
	return nil
}

// Written returns the number of records inserted so far.
func (s *Sink) Written() int { return s.written }

// Close flushes and, when the sink opened its own pool, closes it.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	err := s.Flush()
	s.closed = true
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func buildInsert(table, runID string, records []trace.Record) (string, error) {
	rows := make([]any, len(records))
	for i, r := range records {
		md := r.Metadata
		if md == nil {
			md = map[string]string{}
		}
		mdJSON, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(md)
		if err != nil {
			return "", fmt.Errorf("encoding metadata of record %d: %w", r.Seq, err)
		}
		rows[i] = goqu.Record{
			colRunID:     runID,
			colSeq:       r.Seq,
			colSimTime:   r.Time,
			colEventType: string(r.Kind),
			colTrayID:    r.TrayID,
			colSubjectID: r.Subject,
			colMetadata:  goqu.L(castJsonb, string(mdJSON)),
		}
	}
	query, _, err := goqu.Dialect(dialectPostgres).Insert(table).Rows(rows...).ToSQL()
	if err != nil {
		return "", fmt.Errorf("building insert query: %w", err)
	}
	return query, nil
}
