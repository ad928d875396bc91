package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"courtside-live/internal/models"
)

type dataset struct {
	Streams map[string]models.Stream `json:"streams"`
}

func newDataset() dataset {
	return dataset{
		Streams: make(map[string]models.Stream),
	}
}

// Storage is the JSON-file backed repository. Every mutation clones the
// dataset, persists the clone atomically, and only then swaps it in, so a
// failed write never leaves partial state behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}

	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, stream := range src.Streams {
		clone.Streams[id] = cloneStream(stream)
	}
	return clone
}

func cloneStream(stream models.Stream) models.Stream {
	cloned := stream
	if stream.StartedAt != nil {
		started := *stream.StartedAt
		cloned.StartedAt = &started
	}
	if stream.EndedAt != nil {
		ended := *stream.EndedAt
		cloned.EndedAt = &ended
	}
	return cloned
}

// Ping reports whether the backing file remains writable.
func (s *Storage) Ping(_ context.Context) error {
	dir := filepath.Dir(s.filePath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}

// CreateStream registers a stream session record and returns the plaintext
// control token alongside it. The token is never stored or returned again.
func (s *Storage) CreateStream(_ context.Context, params CreateStreamParams) (models.Stream, string, error) {
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
		CreatedAt:        s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	updatedData.Streams[id] = stream
	if err := s.persistDataset(updatedData); err != nil {
		return models.Stream{}, "", err
	}
	s.data = updatedData

	return cloneStream(stream), token, nil
}

func (s *Storage) GetStream(_ context.Context, id string) (models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return cloneStream(stream), nil
}

func (s *Storage) GetStreamByKey(_ context.Context, streamKey string) (models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.findByKeyLocked(streamKey)
	if !ok {
		return models.Stream{}, fmt.Errorf("%w: key %s", ErrStreamNotFound, streamKey)
	}
	return cloneStream(stream), nil
}

func (s *Storage) findByKeyLocked(streamKey string) (models.Stream, bool) {
	for _, stream := range s.data.Streams {
		if stream.StreamKey == streamKey {
			return stream, true
		}
	}
	return models.Stream{}, false
}

// ListStreams returns sessions for a match, newest first. An empty matchID
// lists everything.
func (s *Storage) ListStreams(_ context.Context, matchID string) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streams := make([]models.Stream, 0, len(s.data.Streams))
	for _, stream := range s.data.Streams {
		if matchID != "" && stream.MatchID != matchID {
			continue
		}
		streams = append(streams, cloneStream(stream))
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.After(streams[j].CreatedAt)
	})
	return streams, nil
}

// SetStreamStatus transitions a session record, stamping StartedAt on the
// first active transition and EndedAt on the ended transition.
func (s *Storage) SetStreamStatus(_ context.Context, streamKey, status string) (models.Stream, error) {
	switch status {
	case models.StreamStatusStarting, models.StreamStatusActive, models.StreamStatusEnding, models.StreamStatusEnded:
	default:
		return models.Stream{}, fmt.Errorf("unknown stream status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.findByKeyLocked(streamKey)
	if !ok {
		return models.Stream{}, fmt.Errorf("%w: key %s", ErrStreamNotFound, streamKey)
	}

	now := s.now()
	stream.Status = status
	if status == models.StreamStatusActive && stream.StartedAt == nil {
		stream.StartedAt = &now
	}
	if status == models.StreamStatusEnded && stream.EndedAt == nil {
		stream.EndedAt = &now
	}

	updatedData := cloneDataset(s.data)
	updatedData.Streams[stream.ID] = stream
	if err := s.persistDataset(updatedData); err != nil {
		return models.Stream{}, err
	}
	s.data = updatedData

	return cloneStream(stream), nil
}

func (s *Storage) SetViewerCount(_ context.Context, id string, viewers int) (models.Stream, error) {
	if viewers < 0 {
		return models.Stream{}, errors.New("viewers must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	stream.ViewerCount = viewers

	updatedData := cloneDataset(s.data)
	updatedData.Streams[id] = stream
	if err := s.persistDataset(updatedData); err != nil {
		return models.Stream{}, err
	}
	s.data = updatedData

	return cloneStream(stream), nil
}

// DeleteStream removes a session record after verifying the caller holds the
// control token issued at creation. The removed record is returned so the
// caller can tear down its live pipeline.
func (s *Storage) DeleteStream(_ context.Context, id, controlToken string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if err := verifyControlToken(stream.ControlTokenHash, controlToken); err != nil {
		if errors.Is(err, ErrInvalidControlToken) {
			return models.Stream{}, ErrInvalidControlToken
		}
		return models.Stream{}, err
	}

	updatedData := cloneDataset(s.data)
	delete(updatedData.Streams, id)
	if err := s.persistDataset(updatedData); err != nil {
		return models.Stream{}, err
	}
	s.data = updatedData

	return cloneStream(stream), nil
}

// PurgeEnded removes ended sessions whose EndedAt fell outside the retention
// window and returns their stream keys so artifact directories can be removed.
func (s *Storage) PurgeEnded(_ context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var keys []string
	updatedData := cloneDataset(s.data)
	for id, stream := range s.data.Streams {
		if stream.Status != models.StreamStatusEnded || stream.EndedAt == nil {
			continue
		}
		if stream.EndedAt.After(cutoff) {
			continue
		}
		delete(updatedData.Streams, id)
		keys = append(keys, stream.StreamKey)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if err := s.persistDataset(updatedData); err != nil {
		return nil, err
	}
	s.data = updatedData

	sort.Strings(keys)
	return keys, nil
}

func (s *Storage) Close(_ context.Context) error {
	return nil
}
