package storage

import (
	"context"
	"errors"
	"time"

	"courtside-live/internal/models"
)

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrInvalidControlToken = errors.New("invalid control token")
)

// CreateStreamParams captures the attributes that can be set when registering
// a stream session.
type CreateStreamParams struct {
	MatchID string
	OwnerID string
}

// Repository exposes the datastore operations required by API handlers, the
// ingestion gateway, and the relay pipeline. CreateStream returns the
// plaintext control token exactly once; only its hash is stored.
type Repository interface {
	Ping(ctx context.Context) error

	CreateStream(ctx context.Context, params CreateStreamParams) (models.Stream, string, error)
	GetStream(ctx context.Context, id string) (models.Stream, error)
	GetStreamByKey(ctx context.Context, streamKey string) (models.Stream, error)
	ListStreams(ctx context.Context, matchID string) ([]models.Stream, error)
	SetStreamStatus(ctx context.Context, streamKey, status string) (models.Stream, error)
	SetViewerCount(ctx context.Context, id string, viewers int) (models.Stream, error)
	DeleteStream(ctx context.Context, id, controlToken string) (models.Stream, error)
	PurgeEnded(ctx context.Context, olderThan time.Duration) ([]string, error)

	Close(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)
