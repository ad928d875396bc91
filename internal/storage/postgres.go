package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courtside-live/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:   dsn,
		Clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// streams schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{
		pool: pool,
		cfg:  cfg,
		now:  cfg.Clock,
	}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS streams (
    id                 TEXT PRIMARY KEY,
    match_id           TEXT NOT NULL,
    owner_id           TEXT NOT NULL DEFAULT '',
    stream_key         TEXT NOT NULL UNIQUE,
    status             TEXT NOT NULL,
    viewer_count       INTEGER NOT NULL DEFAULT 0,
    control_token_hash TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    started_at         TIMESTAMPTZ,
    ended_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS streams_match_id_idx ON streams (match_id);
CREATE INDEX IF NOT EXISTS streams_status_ended_at_idx ON streams (status, ended_at);
`
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure streams schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const streamColumns = "id, match_id, owner_id, stream_key, status, viewer_count, control_token_hash, created_at, started_at, ended_at"

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	err := row.Scan(
		&stream.ID,
		&stream.MatchID,
		&stream.OwnerID,
		&stream.StreamKey,
		&stream.Status,
		&stream.ViewerCount,
		&stream.ControlTokenHash,
		&stream.CreatedAt,
		&stream.StartedAt,
		&stream.EndedAt,
	)
	return stream, err
}

func (r *postgresRepository) CreateStream(ctx context.Context, params CreateStreamParams) (models.Stream, string, error) {
	matchID := strings.TrimSpace(params.MatchID)
	if matchID == "" {
		return models.Stream{}, "", errors.New("matchId is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Stream{}, "", err
	}
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Stream{}, "", err
	}
	token, err := generateControlToken()
	if err != nil {
		return models.Stream{}, "", err
	}
	tokenHash, err := hashControlToken(token)
	if err != nil {
		return models.Stream{}, "", fmt.Errorf("hash control token: %w", err)
	}

	stream := models.Stream{
		ID:               id,
		MatchID:          matchID,
		OwnerID:          strings.TrimSpace(params.OwnerID),
		StreamKey:        streamKey,
		Status:           models.StreamStatusStarting,
		ControlTokenHash: tokenHash,
		CreatedAt:        r.now(),
	}

	_, err = r.pool.Exec(ctx,
		"INSERT INTO streams (id, match_id, owner_id, stream_key, status, viewer_count, control_token_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		stream.ID, stream.MatchID, stream.OwnerID, stream.StreamKey, stream.Status, stream.ViewerCount, stream.ControlTokenHash, stream.CreatedAt)
	if err != nil {
		return models.Stream{}, "", fmt.Errorf("insert stream: %w", err)
	}
	return stream, token, nil
}

func (r *postgresRepository) GetStream(ctx context.Context, id string) (models.Stream, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+streamColumns+" FROM streams WHERE id = $1", id)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("select stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) GetStreamByKey(ctx context.Context, streamKey string) (models.Stream, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+streamColumns+" FROM streams WHERE stream_key = $1", streamKey)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("%w: key %s", ErrStreamNotFound, streamKey)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("select stream by key: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) ListStreams(ctx context.Context, matchID string) ([]models.Stream, error) {
	query := "SELECT " + streamColumns + " FROM streams ORDER BY created_at DESC, id"
	args := []any{}
	if matchID != "" {
		query = "SELECT " + streamColumns + " FROM streams WHERE match_id = $1 ORDER BY created_at DESC, id"
		args = append(args, matchID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return streams, nil
}

func (r *postgresRepository) SetStreamStatus(ctx context.Context, streamKey, status string) (models.Stream, error) {
	switch status {
	case models.StreamStatusStarting, models.StreamStatusActive, models.StreamStatusEnding, models.StreamStatusEnded:
	default:
		return models.Stream{}, fmt.Errorf("unknown stream status %q", status)
	}

	now := r.now()
	row := r.pool.QueryRow(ctx, `
UPDATE streams SET
    status = $2,
    started_at = CASE WHEN $2 = 'active' AND started_at IS NULL THEN $3 ELSE started_at END,
    ended_at = CASE WHEN $2 = 'ended' AND ended_at IS NULL THEN $3 ELSE ended_at END
WHERE stream_key = $1
RETURNING `+streamColumns, streamKey, status, now)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("%w: key %s", ErrStreamNotFound, streamKey)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("update stream status: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) SetViewerCount(ctx context.Context, id string, viewers int) (models.Stream, error) {
	if viewers < 0 {
		return models.Stream{}, errors.New("viewers must not be negative")
	}
	row := r.pool.QueryRow(ctx,
		"UPDATE streams SET viewer_count = $2 WHERE id = $1 RETURNING "+streamColumns, id, viewers)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("update viewer count: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) DeleteStream(ctx context.Context, id, controlToken string) (models.Stream, error) {
	stream, err := r.GetStream(ctx, id)
	if err != nil {
		return models.Stream{}, err
	}
	if err := verifyControlToken(stream.ControlTokenHash, controlToken); err != nil {
		if errors.Is(err, ErrInvalidControlToken) {
			return models.Stream{}, ErrInvalidControlToken
		}
		return models.Stream{}, err
	}
	if _, err := r.pool.Exec(ctx, "DELETE FROM streams WHERE id = $1", id); err != nil {
		return models.Stream{}, fmt.Errorf("delete stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) PurgeEnded(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := r.now().Add(-olderThan)
	rows, err := r.pool.Query(ctx,
		"DELETE FROM streams WHERE status = $1 AND ended_at IS NOT NULL AND ended_at <= $2 RETURNING stream_key",
		models.StreamStatusEnded, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge ended streams: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan purged stream key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("purge ended streams: %w", err)
	}
	return keys, nil
}

var _ Repository = (*postgresRepository)(nil)
