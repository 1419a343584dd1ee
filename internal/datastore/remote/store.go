// Package remote implements the remote data store: it drains the local
// data store on an interval and posts each batch to an HTTP endpoint as
// CBOR, zstd or lz4 compressed. Entries are acknowledged in the local
// store only after the endpoint accepts the batch, so a failed upload is
// retried on the next tick.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/sensusd/internal/datastore"
	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"github.com/google/uuid"
)

const (
	ContentType = "application/cbor"
	// maxRoundsPerTick bounds how many batches one tick may send.
	maxRoundsPerTick = 20
)

// Store is a datastore.Remote posting batches over HTTP.
type Store struct {
	cfg     Config
	logger  logger.Logger
	client  *http.Client
	running atomic.Bool
	sent    atomic.Int64

	mu       sync.Mutex
	upstream datastore.Local
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ datastore.Remote = (*Store)(nil)

func New(cfg Config, log logger.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}

	return &Store{
		cfg:    cfg,
		logger: log.With("remote_store"),
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *Store) Running() bool {
	return s.running.Load()
}

// Sent returns the number of records accepted by the endpoint.
func (s *Store) Sent() int64 {
	return s.sent.Load()
}

// Start binds upstream and begins draining it. The binding cannot change
// while the store is running.
func (s *Store) Start(ctx context.Context, upstream datastore.Local) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errFactory.New(ErrAlreadyRunning)
	}
	if upstream == nil {
		return errFactory.New(ErrMissingUpstream)
	}
	if !upstream.Running() {
		return errFactory.New(ErrUpstreamNotRunning)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.upstream = upstream
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, upstream, s.done)

	s.running.Store(true)

	s.logger.Info().
		Str("endpoint", s.cfg.Endpoint).
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Str("compression", string(s.cfg.Compression)).
		Msg("Remote data store started")

	return nil
}

// Stop ends the drain loop and, if the upstream is still running, makes a
// final drain attempt bounded by ctx. A protocol stops its local store
// before its remote store, so under a protocol the upstream is already
// closed here and the final drain only happens when the store is stopped
// on its own. Records left behind stay in the local store and are sent on
// the next run.
func (s *Store) Stop(ctx context.Context) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return errFactory.New(ErrNotRunning)
	}

	s.cancel()
	s.running.Store(false)

	select {
	case <-s.done:
	case <-ctx.Done():
		return errFactory.Wrap(ErrStopTimedOut, ctx.Err())
	}

	if s.upstream.Running() {
		if n, err := s.drain(ctx, s.upstream); err != nil {
			s.logger.Warn().Err(err).Msg("Final upload failed, records kept locally")
		} else if n > 0 {
			s.logger.Debug().Int("records", n).Msg("Final upload complete")
		}
	}

	s.logger.Info().Int64("sent", s.sent.Load()).Msg("Remote data store stopped")

	return nil
}

// Flush drains the upstream immediately and returns the number of records
// uploaded.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	upstream := s.upstream
	s.mu.Unlock()

	if !s.running.Load() || upstream == nil {
		return 0, errors.New().New(ErrNotRunning)
	}

	return s.drain(ctx, upstream)
}

func (s *Store) loop(ctx context.Context, upstream datastore.Local, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !upstream.Running() {
				continue
			}
			if _, err := s.drain(ctx, upstream); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Upload failed, will retry")
			}
		}
	}
}

// drain sends batches until the upstream is empty, a send fails, or the
// per-tick round limit is reached.
func (s *Store) drain(ctx context.Context, upstream datastore.Local) (int, error) {
	total := 0

	for round := 0; round < maxRoundsPerTick; round++ {
		entries, err := upstream.Pending(ctx, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}

		records := make([]*datum.Datum, len(entries))
		for i, e := range entries {
			records[i] = e.Datum
		}

		if err := s.send(ctx, records); err != nil {
			return total, err
		}

		if err := upstream.Ack(ctx, entries[len(entries)-1].Seq); err != nil {
			return total, err
		}

		total += len(entries)
		s.sent.Add(int64(len(entries)))

		if len(entries) < s.cfg.BatchSize {
			return total, nil
		}
	}

	return total, nil
}

func (s *Store) send(ctx context.Context, records []*datum.Datum) error {
	errFactory := errors.New()

	batch := &Batch{
		ID:      uuid.NewString(),
		SentAt:  time.Now().UTC(),
		Records: records,
	}

	compression, _ := ParseCompression(string(s.cfg.Compression))
	body, err := EncodeBatch(batch, compression)
	if err != nil {
		return errFactory.Wrap(ErrEncodeBatch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errFactory.Wrap(ErrSendBatch, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("X-Batch-ID", batch.ID)
	req.Header.Set("X-Batch-Digest", Digest(body))
	if compression != CompressionNone {
		req.Header.Set("Content-Encoding", string(compression))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errFactory.Wrap(ErrSendBatch, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errFactory.WithData(ErrRejected, fmt.Sprintf("batch %s: %s", batch.ID, resp.Status))
	}

	s.logger.Debug().
		Str("batch", batch.ID).
		Int("records", len(records)).
		Int("bytes", len(body)).
		Msg("Batch uploaded")

	return nil
}
