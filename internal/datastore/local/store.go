// Package local implements the local data store: a SQLite append-only
// log that buffers records from running probes until the remote data
// store forwards them.
package local

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/sensusd/internal/datastore"
	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a datastore.Local backed by SQLite. Records are buffered in
// memory and written in batches, either when BatchSize records are waiting
// or every BatchTimeout.
type Store struct {
	cfg     Config
	logger  logger.Logger
	running atomic.Bool

	mu            sync.Mutex
	db            *sql.DB
	pc            datastore.Context
	buffer        []*datum.Datum
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

var _ datastore.Local = (*Store)(nil)

func New(cfg Config, log logger.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.Default()
	}

	return &Store{
		cfg:    cfg,
		logger: log.With("local_store"),
	}, nil
}

func (s *Store) Running() bool {
	return s.running.Load()
}

// Start opens the database for protocol pc. On failure everything opened
// so far is closed again.
func (s *Store) Start(_ context.Context, pc datastore.Context) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errFactory.New(ErrAlreadyRunning)
	}
	if pc == nil {
		return errFactory.New(ErrMissingContext)
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.DBPath), defaultDirPerm); err != nil {
		return errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  s.cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := s.cfg.DBPath + "?_journal=WAL&_busy_timeout=5000&_sync=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "connect",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, s.cfg.backupDir(), s.logger); err != nil {
		db.Close()
		return errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	s.db = db
	s.pc = pc
	s.buffer = make([]*datum.Datum, 0, s.cfg.BatchSize)
	s.shutdownChan = make(chan struct{})
	s.flushDoneChan = make(chan struct{})
	s.flushTicker = time.NewTicker(s.cfg.BatchTimeout)
	go s.flusher(s.flushTicker, s.shutdownChan, s.flushDoneChan)

	s.running.Store(true)

	s.logger.Info().
		Str("path", s.cfg.DBPath).
		Str("protocol", pc.Name()).
		Int("schema_version", SchemaVersion).
		Int("batch_size", s.cfg.BatchSize).
		Dur("batch_timeout", s.cfg.BatchTimeout).
		Msg("Local data store started")

	return nil
}

// Add buffers d, tagging it with the protocol id when unset.
func (s *Store) Add(_ context.Context, d *datum.Datum) error {
	errFactory := errors.New()

	if d == nil || d.ID == "" {
		return errFactory.New(ErrInvalidDatum)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return errFactory.New(ErrNotRunning)
	}

	if d.ProtocolID == "" {
		d.ProtocolID = s.pc.ID()
	}
	s.buffer = append(s.buffer, d)

	if len(s.buffer) >= s.cfg.BatchSize {
		return s.flush()
	}

	return nil
}

// Pending flushes the buffer and returns up to limit stored entries,
// oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]datastore.Entry, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, errFactory.New(ErrNotRunning)
	}
	if err := s.flush(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, pendingSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var entries []datastore.Entry
	for rows.Next() {
		var (
			entry   datastore.Entry
			d       datum.Datum
			ts      int64
			payload []byte
		)
		if err := rows.Scan(&entry.Seq, &d.ID, &d.ProtocolID, &d.Probe, &ts, &payload); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if err := datum.Unmarshal(payload, &d.Values); err != nil {
			return nil, errFactory.Wrap(ErrDecodeDatum, err)
		}
		d.Timestamp = time.Unix(0, ts).UTC()
		entry.Datum = &d
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return entries, nil
}

// Ack removes every stored entry up to and including seq.
func (s *Store) Ack(ctx context.Context, seq int64) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errFactory.New(ErrNotRunning)
	}

	if _, err := s.db.ExecContext(ctx, ackSQL, seq); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

// Count returns the number of stored entries, flushing the buffer first.
func (s *Store) Count(ctx context.Context) (int, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, errFactory.New(ErrNotRunning)
	}
	if err := s.flush(); err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, countSQL).Scan(&n); err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	return n, nil
}

// Stop writes the remaining buffer, checkpoints the WAL and closes the
// database. Records the final flush could not write are dropped and
// reported in the returned error; the database is closed either way.
func (s *Store) Stop(_ context.Context) error {
	errFactory := errors.New()

	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return errFactory.New(ErrNotRunning)
	}
	s.running.Store(false)
	shutdown, flushDone := s.shutdownChan, s.flushDoneChan
	s.flushTicker.Stop()
	s.mu.Unlock()

	// Signal the flusher and wait for its final flush
	close(shutdown)
	<-flushDone

	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.db
	unflushed := len(s.buffer)
	s.db = nil
	s.buffer = nil

	if unflushed > 0 {
		s.logger.Error().Int("records", unflushed).Msg("Dropping records that could not be flushed")
	}

	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.Close()
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	if unflushed > 0 {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase   string
			Records int
		}{
			Phase:   "flush_buffer",
			Records: unflushed,
		})
	}

	s.logger.Info().Msg("Local data store stopped")

	return nil
}

func (s *Store) flusher(ticker *time.Ticker, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			_ = s.flush()
			s.mu.Unlock()
		case <-shutdown:
			s.mu.Lock()
			_ = s.flush()
			s.mu.Unlock()
			return
		}
	}
}

// flush writes the buffer in one transaction. Callers hold s.mu. The
// buffer is kept on failure so the next flush retries it.
func (s *Store) flush() error {
	if len(s.buffer) == 0 || s.db == nil {
		return nil
	}

	errFactory := errors.New()

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertDatumSQL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	protocolName := s.pc.Name()
	for _, d := range s.buffer {
		payload, err := datum.Marshal(d.Values)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", d.ID).Str("probe", d.Probe).Msg("Dropping unencodable record")
			continue
		}

		if _, err := stmt.Exec(
			d.ID,
			d.ProtocolID,
			protocolName,
			d.Probe,
			d.Timestamp.UnixNano(),
			payload,
		); err != nil {
			s.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	s.logger.Debug().Int("records", len(s.buffer)).Msg("Flushed records to database")
	s.buffer = s.buffer[:0]

	return nil
}
