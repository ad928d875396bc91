package broadcast

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"courtside-live/internal/models"
	"courtside-live/internal/observability/metrics"
	"courtside-live/internal/relay"
)

// Pipeline is the relay surface the gateway drives. Feed calls are
// fire-and-forget: data for an absent key is dropped without error.
type Pipeline interface {
	Start(streamKey string) error
	FeedVideo(streamKey string, frame []byte)
	FeedAudio(streamKey string, samples []int16, sampleRate int)
	Stop(streamKey string)
}

// Store exposes the read-only lookup the gateway requires from the backing
// datastore. A nil Store disables the registration check.
type Store interface {
	GetStreamByKey(ctx context.Context, streamKey string) (models.Stream, error)
}

// GatewayConfig configures an ingestion Gateway.
type GatewayConfig struct {
	Pipeline Pipeline
	Store    Store
	Queue    Queue
	Logger   *slog.Logger
	// HeartbeatInterval controls how often the gateway sends WebSocket ping
	// frames to connected broadcasters. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway terminates broadcaster WebSocket connections, validates the inbound
// event set, and translates it into pipeline calls. Each connection tracks the
// sessions it started so a dropped broadcaster tears its own streams down
// without touching anyone else's.
type Gateway struct {
	pipeline Pipeline
	store    Store
	queue    Queue
	logger   *slog.Logger

	heartbeatInterval time.Duration
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		pipeline:          cfg.Pipeline,
		store:             cfg.Store,
		queue:             cfg.Queue,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// HandleConnection upgrades the HTTP request to a WebSocket connection for a
// broadcaster.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	c := &client{
		gateway: g,
		conn:    conn,
		send:    make(chan outboundMessage, 16),
		quit:    make(chan struct{}),
		keys:    make(map[string]struct{}),
		cancel:  cancel,
	}

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

func (g *Gateway) publish(ctx context.Context, event Event) {
	if g.queue == nil {
		return
	}
	if err := g.queue.Publish(ctx, event); err != nil && g.logger != nil {
		g.logger.Warn("failed to publish lifecycle event", "stream_key", event.StreamKey, "error", err)
	}
}

// ensureRegistered rejects start requests for stream keys that no session
// record backs. Data and audio for unknown keys never reach here; the pipeline
// drops them silently.
func (g *Gateway) ensureRegistered(ctx context.Context, streamKey string) error {
	if g.store == nil {
		return nil
	}
	if _, err := g.store.GetStreamByKey(ctx, streamKey); err != nil {
		return fmt.Errorf("unknown stream key")
	}
	return nil
}

// client holds the per-connection state. keys and closed are shared between
// the read loop, the write loop, and the heartbeat loop, so every access goes
// through mu. quit is closed exactly once, inside close, and unblocks any
// goroutine waiting to hand a message to the writer.
type client struct {
	gateway *Gateway
	conn    *Conn
	send    chan outboundMessage
	quit    chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	keys   map[string]struct{}
	closed bool
}

type inboundMessage struct {
	Type       string  `json:"type"`
	StreamKey  string  `json:"streamKey"`
	Chunk      string  `json:"chunk"`
	AudioData  []int16 `json:"audioData"`
	SampleRate int     `json:"sampleRate"`
}

type outboundMessage struct {
	Type      string `json:"type,omitempty"`
	StreamKey string `json:"streamKey,omitempty"`
	Error     string `json:"error,omitempty"`
	Raw       []byte `json:"-"`
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.send:
			payload := msg.Raw
			if payload == nil {
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				payload = data
			}
			if err := c.conn.WriteText(payload); err != nil {
				return
			}
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid payload")
			continue
		}
		metrics.Default().ObserveGatewayEvent(msg.Type)
		switch msg.Type {
		case "stream:start":
			c.handleStart(ctx, msg)
		case "stream:data":
			c.handleData(msg)
		case "stream:audio":
			c.handleAudio(msg)
		case "stream:end":
			c.handleEnd(msg)
		default:
			c.sendError("unknown command")
		}
	}
}

func (c *client) handleStart(ctx context.Context, msg inboundMessage) {
	key := strings.TrimSpace(msg.StreamKey)
	if key == "" {
		c.sendError("streamKey required")
		return
	}
	if err := c.gateway.ensureRegistered(ctx, key); err != nil {
		c.sendError(err.Error())
		return
	}
	if err := c.gateway.pipeline.Start(key); err != nil {
		if errors.Is(err, relay.ErrAlreadyActive) {
			// Idempotent from the broadcaster's perspective; the
			// session belongs to whoever started it first.
			c.sendAck(key)
			return
		}
		c.sendError(err.Error())
		return
	}
	if !c.trackKey(key) {
		// The connection went away while the start was in flight; the
		// teardown sweep has already run, so the session is ours to
		// reap.
		c.gateway.pipeline.Stop(key)
		return
	}
	c.gateway.publish(ctx, Event{
		Type:       EventTypeStarted,
		StreamKey:  key,
		OccurredAt: time.Now().UTC(),
	})
	c.sendAck(key)
}

func (c *client) handleData(msg inboundMessage) {
	if msg.StreamKey == "" {
		return
	}
	if msg.Chunk == "" {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(msg.Chunk)
	if err != nil {
		c.sendError("invalid chunk encoding")
		return
	}
	c.gateway.pipeline.FeedVideo(msg.StreamKey, frame)
}

func (c *client) handleAudio(msg inboundMessage) {
	if msg.StreamKey == "" || len(msg.AudioData) == 0 {
		return
	}
	c.gateway.pipeline.FeedAudio(msg.StreamKey, msg.AudioData, msg.SampleRate)
}

func (c *client) handleEnd(msg inboundMessage) {
	key := strings.TrimSpace(msg.StreamKey)
	if key == "" {
		return
	}
	c.gateway.pipeline.Stop(key)
	if c.untrackKey(key) {
		c.gateway.publish(context.Background(), Event{
			Type:       EventTypeEnded,
			StreamKey:  key,
			OccurredAt: time.Now().UTC(),
		})
	}
}

// trackKey records the session under this connection. It reports false when
// the connection has already been torn down, in which case the caller owns
// the cleanup.
func (c *client) trackKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.keys[key] = struct{}{}
	return true
}

func (c *client) untrackKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, owned := c.keys[key]; !owned {
		return false
	}
	delete(c.keys, key)
	return true
}

// sendAck blocks until the writer accepts the acknowledgement or the
// connection is torn down. The broadcaster treats a missing ack as a failed
// start, so the ack cannot be dropped just because the send buffer is busy.
func (c *client) sendAck(key string) {
	payload, _ := json.Marshal(outboundMessage{Type: "stream:started", StreamKey: key})
	select {
	case c.send <- outboundMessage{Raw: payload}:
	case <-c.quit:
	}
}

// sendError is best effort. Errors are advisory and a slow broadcaster does
// not get to stall the read loop over one.
func (c *client) sendError(message string) {
	payload, _ := json.Marshal(outboundMessage{Type: "stream:error", Error: message})
	select {
	case c.send <- outboundMessage{Raw: payload}:
	case <-c.quit:
	default:
	}
}

// close tears the connection down and stops every session this broadcaster
// started. A dropped connection is an implicit end for its streams. Safe to
// call from any of the connection goroutines; only the first call acts.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	keys := make([]string, 0, len(c.keys))
	for key := range c.keys {
		keys = append(keys, key)
	}
	c.keys = map[string]struct{}{}
	c.mu.Unlock()

	close(c.quit)
	if c.cancel != nil {
		c.cancel()
	}
	for _, key := range keys {
		c.gateway.pipeline.Stop(key)
		c.gateway.publish(context.Background(), Event{
			Type:       EventTypeEnded,
			StreamKey:  key,
			Reason:     "disconnect",
			OccurredAt: time.Now().UTC(),
		})
		c.gateway.logger.Info("broadcaster disconnected, session stopped", "stream_key", key)
	}
	_ = c.conn.Close()
}
