package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"courtside-live/internal/broadcast"
	"courtside-live/internal/relay"
	"courtside-live/internal/storage"
)

// Handler exposes the stream control surface over HTTP. The relay
// supervisor and the event queue are optional; when absent the record
// operations still work but no pipeline teardown or event publishing
// happens (useful in tests and in record-only deployments).
type Handler struct {
	Store   storage.Repository
	Relay   *relay.Supervisor
	Gateway *broadcast.Gateway
	Queue   broadcast.Queue
	BaseURL string
	Logger  *slog.Logger
}

func NewHandler(store storage.Repository) *Handler {
	return &Handler{Store: store}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StreamWebsocket upgrades the connection and hands it to the ingestion
// gateway for the broadcaster command loop.
func (h *Handler) StreamWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		http.Error(w, "ingestion gateway unavailable", http.StatusServiceUnavailable)
		return
	}
	h.Gateway.HandleConnection(w, r)
}
