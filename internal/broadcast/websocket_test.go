package broadcast_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courtside-live/internal/broadcast"
)

// The transport has to round-trip broadcaster traffic: a start command out,
// an ack back.
func TestDialWS(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := broadcast.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		payload, err := conn.ReadMessage(r.Context())
		if err != nil {
			t.Errorf("ReadMessage: %v", err)
			return
		}
		var msg struct {
			Type      string `json:"type"`
			StreamKey string `json:"streamKey"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Errorf("Unmarshal: %v", err)
			return
		}
		ack, _ := json.Marshal(map[string]string{"type": "stream:started", "streamKey": msg.StreamKey})
		if err := conn.WriteText(ack); err != nil {
			t.Errorf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := broadcast.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	start, _ := json.Marshal(map[string]string{"type": "stream:start", "streamKey": "court-1"})
	if err := conn.WriteText(start); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	message, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(message), `"stream:started"`) {
		t.Fatalf("unexpected ack %q", message)
	}
}

// Video chunks are well past the 125-byte frame payload boundary, so the
// extended-length encoding has to survive a round trip intact.
func TestWebSocketCarriesChunkSizedFrames(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := broadcast.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		payload, err := conn.ReadMessage(r.Context())
		if err != nil {
			t.Errorf("ReadMessage: %v", err)
			return
		}
		if err := conn.WriteText(payload); err != nil {
			t.Errorf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := broadcast.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	frame := bytes.Repeat([]byte{0x47}, 64*1024)
	chunk, _ := json.Marshal(map[string]string{
		"type":      "stream:data",
		"streamKey": "court-1",
		"chunk":     base64.StdEncoding.EncodeToString(frame),
	})
	if err := conn.WriteText(chunk); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	echoed, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(echoed, chunk) {
		t.Fatalf("chunk corrupted in transit: got %d bytes, want %d", len(echoed), len(chunk))
	}
}

// Broadcasters on locked-down networks connect over TLS.
func TestDialWSS(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := broadcast.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		ack, _ := json.Marshal(map[string]string{"type": "stream:started", "streamKey": "court-1"})
		if err := conn.WriteText(ack); err != nil {
			t.Errorf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wssURL := "wss" + strings.TrimPrefix(server.URL, "https")
	conn, err := broadcast.Dial(ctx, wssURL, http.Header{}, &tls.Config{RootCAs: pool})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	message, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(message), `"stream:started"`) {
		t.Fatalf("unexpected ack %q", message)
	}
}
