// Package archive keeps a PostgreSQL record of finished flushes: who sent
// voice messages, what was transcribed and summarised, and whether the reply
// arrived. It is write-mostly and never consulted by the flush itself.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/sayless/internal/aggregator"
)

// Entry is one archived flush.
type Entry struct {
	FlushID    string
	UserID     string
	Platform   string
	Outcome    aggregator.Outcome
	Transcript string
	Summary    string
	Segments   int
	MessageIDs []string
	Audio      time.Duration
	Delivered  bool
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// EntryFromResult converts a flush result.
func EntryFromResult(res aggregator.Result) Entry {
	e := Entry{
		FlushID:    res.FlushID,
		UserID:     res.UserID,
		Platform:   string(res.Target.Platform),
		Outcome:    res.Outcome,
		Transcript: res.Transcript,
		Summary:    res.Summary,
		Segments:   res.Segments,
		MessageIDs: res.MessageIDs,
		Audio:      res.Audio,
		Delivered:  res.Delivered,
		StartedAt:  res.Started,
		FinishedAt: res.Finished,
	}
	if e.MessageIDs == nil {
		e.MessageIDs = []string{}
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}

// Store is the PostgreSQL-backed archive. It implements
// [aggregator.Recorder]. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ aggregator.Recorder = (*Store)(nil)

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Record implements [aggregator.Recorder]. Results without a flush id
// (nothing was flushed) are skipped; recording a flush id twice keeps the
// first row.
func (s *Store) Record(ctx context.Context, res aggregator.Result) error {
	if res.FlushID == "" {
		return nil
	}
	e := EntryFromResult(res)
	const q = `
		INSERT INTO flushes
		    (flush_id, user_id, platform, outcome, transcript, summary, segments,
		     message_ids, audio_ns, delivered, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (flush_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		e.FlushID,
		e.UserID,
		e.Platform,
		string(e.Outcome),
		e.Transcript,
		e.Summary,
		e.Segments,
		e.MessageIDs,
		e.Audio.Nanoseconds(),
		e.Delivered,
		e.Error,
		e.StartedAt,
		e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: record flush %s: %w", e.FlushID, err)
	}
	return nil
}

// Recent returns the newest limit entries of userID that produced a
// transcript, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	const q = `
		SELECT flush_id, user_id, platform, outcome, transcript, summary, segments,
		       message_ids, audio_ns, delivered, error, started_at, finished_at
		FROM   flushes
		WHERE  user_id = $1
		  AND  outcome IN ('ok', 'summarization_failed')
		ORDER  BY finished_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			outcome string
			audioNS int64
		)
		err := row.Scan(
			&e.FlushID, &e.UserID, &e.Platform, &outcome, &e.Transcript, &e.Summary, &e.Segments,
			&e.MessageIDs, &audioNS, &e.Delivered, &e.Error, &e.StartedAt, &e.FinishedAt,
		)
		e.Outcome = aggregator.Outcome(outcome)
		e.Audio = time.Duration(audioNS)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return entries, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
