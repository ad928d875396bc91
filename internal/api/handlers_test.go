package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"courtside-live/internal/broadcast"
	"courtside-live/internal/models"
	"courtside-live/internal/storage"
)

func newTestHandler(t *testing.T) (*Handler, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	store, err := storage.NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	handler := NewHandler(store)
	handler.BaseURL = "https://cdn.example.com"
	return handler, store
}

func createStreamViaHTTP(t *testing.T, handler *Handler, matchID string) (streamResponse, string) {
	t.Helper()
	payload := map[string]interface{}{
		"matchId": matchID,
		"ownerId": "owner-1",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Success      bool           `json:"success"`
		Stream       streamResponse `json:"stream"`
		ControlToken string         `json:"controlToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !response.Success {
		t.Fatalf("expected success=true, got body %s", rec.Body.String())
	}
	if response.ControlToken == "" {
		t.Fatal("expected a control token in the create response")
	}
	return response.Stream, response.ControlToken
}

func TestCreateStreamReturnsTokenAndHidesHash(t *testing.T) {
	handler, _ := newTestHandler(t)

	stream, token := createStreamViaHTTP(t, handler, "match-1")
	if stream.StreamKey == "" {
		t.Fatal("expected a stream key")
	}
	if stream.Status != models.StreamStatusStarting {
		t.Fatalf("expected status starting, got %s", stream.Status)
	}
	if token == stream.StreamKey {
		t.Fatal("control token must differ from the stream key")
	}

	// The persisted hash must never leak through the response view.
	body, _ := json.Marshal(map[string]interface{}{"matchId": "match-2", "ownerId": "owner-1"})
	req := httptest.NewRequest(http.MethodPost, "/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	var raw map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode raw response: %v", err)
	}
	streamField, ok := raw["stream"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected stream object in response, got %s", rec.Body.String())
	}
	if _, leaked := streamField["controlTokenHash"]; leaked {
		t.Fatal("controlTokenHash leaked into the API response")
	}
}

func TestCreateStreamRejectsMissingMatch(t *testing.T) {
	handler, _ := newTestHandler(t)

	body, _ := json.Marshal(map[string]interface{}{"matchId": "  ", "ownerId": "owner-1"})
	req := httptest.NewRequest(http.MethodPost, "/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	var response struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if response.Success {
		t.Fatal("expected success=false")
	}
	if response.Error == "" {
		t.Fatal("expected an error message")
	}
}

func TestListStreamsReturnsLiveSessionsForMatch(t *testing.T) {
	handler, store := newTestHandler(t)

	first, _ := createStreamViaHTTP(t, handler, "match-1")
	createStreamViaHTTP(t, handler, "match-2")
	ended, _ := createStreamViaHTTP(t, handler, "match-1")
	if _, err := store.SetStreamStatus(context.Background(), ended.StreamKey, models.StreamStatusEnded); err != nil {
		t.Fatalf("SetStreamStatus: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stream?matchId=match-1", nil)
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var streams []streamResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &streams); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 live stream for match-1, got %d", len(streams))
	}
	if streams[0].ID != first.ID {
		t.Fatalf("expected stream %s, got %s", first.ID, streams[0].ID)
	}
	if streams[0].PlaybackURL != "https://cdn.example.com/streams/"+first.StreamKey+"/playlist.m3u8" {
		t.Fatalf("unexpected playback URL %s", streams[0].PlaybackURL)
	}
}

func TestDeleteStreamVerifiesOwnership(t *testing.T) {
	handler, _ := newTestHandler(t)
	queue := broadcast.NewMemoryQueue(4)
	handler.Queue = queue
	sub := queue.Subscribe()
	defer sub.Close()

	stream, token := createStreamViaHTTP(t, handler, "match-1")

	body, _ := json.Marshal(map[string]string{"id": stream.ID, "controlToken": "wrong"})
	req := httptest.NewRequest(http.MethodDelete, "/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for bad token, got %d", rec.Code)
	}

	body, _ = json.Marshal(map[string]string{"id": stream.ID, "controlToken": token})
	req = httptest.NewRequest(http.MethodDelete, "/stream", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case event := <-sub.Events():
		if event.Type != broadcast.EventTypeEnded {
			t.Fatalf("expected ended event, got %s", event.Type)
		}
		if event.StreamKey != stream.StreamKey {
			t.Fatalf("expected event for %s, got %s", stream.StreamKey, event.StreamKey)
		}
		if event.Reason != "deleted" {
			t.Fatalf("expected reason deleted, got %q", event.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the ended event")
	}

	req = httptest.NewRequest(http.MethodDelete, "/stream", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for a deleted stream, got %d", rec.Code)
	}
}

func TestStreamPlaylistEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	stream, _ := createStreamViaHTTP(t, handler, "match-1")

	req := httptest.NewRequest(http.MethodGet, "/stream/"+stream.StreamKey+"/playlist", nil)
	rec := httptest.NewRecorder()
	handler.StreamByPath(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode playlist response: %v", err)
	}
	want := "https://cdn.example.com/streams/" + stream.StreamKey + "/playlist.m3u8"
	if response["url"] != want {
		t.Fatalf("expected url %s, got %s", want, response["url"])
	}

	req = httptest.NewRequest(http.MethodGet, "/stream/UNKNOWNKEY/playlist", nil)
	rec = httptest.NewRecorder()
	handler.StreamByPath(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown key, got %d", rec.Code)
	}
}

func TestStreamViewersEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	stream, _ := createStreamViaHTTP(t, handler, "match-1")

	body, _ := json.Marshal(map[string]int{"viewers": 42})
	req := httptest.NewRequest(http.MethodPut, "/stream/"+stream.ID+"/viewers", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.StreamByPath(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated streamResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode viewers response: %v", err)
	}
	if updated.ViewerCount != 42 {
		t.Fatalf("expected 42 viewers, got %d", updated.ViewerCount)
	}

	body, _ = json.Marshal(map[string]int{"viewers": -1})
	req = httptest.NewRequest(http.MethodPut, "/stream/"+stream.ID+"/viewers", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.StreamByPath(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for negative viewers, got %d", rec.Code)
	}

	body, _ = json.Marshal(map[string]int{"viewers": 7})
	req = httptest.NewRequest(http.MethodPut, "/stream/missing/viewers", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.StreamByPath(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown stream, got %d", rec.Code)
	}
}

func TestHealthReportsStoreStatus(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if response["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", response["status"])
	}
}
