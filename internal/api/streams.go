package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"courtside-live/internal/broadcast"
	"courtside-live/internal/models"
	"courtside-live/internal/relay"
	"courtside-live/internal/storage"
)

type createStreamRequest struct {
	MatchID string `json:"matchId"`
	OwnerID string `json:"ownerId"`
}

type deleteStreamRequest struct {
	ID           string `json:"id"`
	ControlToken string `json:"controlToken"`
}

type updateViewersRequest struct {
	Viewers int `json:"viewers"`
}

type streamResponse struct {
	ID          string     `json:"id"`
	MatchID     string     `json:"matchId"`
	OwnerID     string     `json:"ownerId"`
	StreamKey   string     `json:"streamKey"`
	Status      string     `json:"status"`
	PlaybackURL string     `json:"playbackUrl,omitempty"`
	ViewerCount int        `json:"viewerCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

func (h *Handler) newStreamResponse(stream models.Stream) streamResponse {
	resp := streamResponse{
		ID:          stream.ID,
		MatchID:     stream.MatchID,
		OwnerID:     stream.OwnerID,
		StreamKey:   stream.StreamKey,
		Status:      stream.Status,
		ViewerCount: stream.ViewerCount,
		CreatedAt:   stream.CreatedAt,
		StartedAt:   stream.StartedAt,
		EndedAt:     stream.EndedAt,
	}
	if h.BaseURL != "" && stream.Live() {
		resp.PlaybackURL = relay.PlaybackURL(h.BaseURL, stream.StreamKey)
	}
	return resp
}

// Streams handles the collection endpoint: create, list and delete.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createStream(w, r)
	case http.MethodGet:
		h.listStreams(w, r)
	case http.MethodDelete:
		h.deleteStream(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	stream, controlToken, err := h.Store.CreateStream(r.Context(), storage.CreateStreamParams{
		MatchID: req.MatchID,
		OwnerID: req.OwnerID,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":      true,
		"stream":       h.newStreamResponse(stream),
		"controlToken": controlToken,
	})
}

func (h *Handler) listStreams(w http.ResponseWriter, r *http.Request) {
	matchID := strings.TrimSpace(r.URL.Query().Get("matchId"))
	streams, err := h.Store.ListStreams(r.Context(), matchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	responses := make([]streamResponse, 0, len(streams))
	for _, stream := range streams {
		if !stream.Live() {
			continue
		}
		responses = append(responses, h.newStreamResponse(stream))
	}
	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) deleteStream(w http.ResponseWriter, r *http.Request) {
	var req deleteStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream id is required"))
		return
	}

	stream, err := h.Store.DeleteStream(r.Context(), req.ID, req.ControlToken)
	switch {
	case errors.Is(err, storage.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", req.ID))
		return
	case errors.Is(err, storage.ErrInvalidControlToken):
		writeError(w, http.StatusForbidden, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	wasLive := stream.Live()
	if wasLive && h.Relay != nil {
		h.Relay.Stop(stream.StreamKey)
	}
	if wasLive && h.Queue != nil {
		event := broadcast.Event{
			Type:       broadcast.EventTypeEnded,
			StreamKey:  stream.StreamKey,
			Reason:     "deleted",
			OccurredAt: time.Now().UTC(),
		}
		if err := h.Queue.Publish(r.Context(), event); err != nil && h.Logger != nil {
			h.Logger.Warn("publish stream ended event", "streamKey", stream.StreamKey, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stream":  h.newStreamResponse(stream),
	})
}

// StreamByPath routes the subresource endpoints under /stream/:
// GET /stream/<streamKey>/playlist and PUT /stream/<streamId>/viewers.
func (h *Handler) StreamByPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/stream/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream resource"))
		return
	}

	switch parts[1] {
	case "playlist":
		h.streamPlaylist(w, r, parts[0])
	case "viewers":
		h.streamViewers(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream resource %s", parts[1]))
	}
}

func (h *Handler) streamPlaylist(w http.ResponseWriter, r *http.Request, streamKey string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	if _, err := h.Store.GetStreamByKey(r.Context(), streamKey); err != nil {
		if errors.Is(err, storage.ErrStreamNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", streamKey))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url": relay.PlaybackURL(h.BaseURL, streamKey),
	})
}

func (h *Handler) streamViewers(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req updateViewersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stream, err := h.Store.SetViewerCount(r.Context(), streamID, req.Viewers)
	switch {
	case errors.Is(err, storage.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", streamID))
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusOK, h.newStreamResponse(stream))
	}
}
