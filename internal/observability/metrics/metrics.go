package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, stream lifecycle events, relay throughput, and encoder exits. It
// coordinates concurrent writers via a RWMutex while exposing a thread-safe
// gauge for active stream tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	gatewayEvents   map[string]uint64
	encoderExits    map[string]uint64
	activeStreams   atomic.Int64
	framesRelayed   atomic.Uint64
	audioRelayed    atomic.Uint64
	audioDropped    atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		gatewayEvents:   make(map[string]uint64),
		encoderExits:    make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder shared by all components.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted records a start lifecycle event and increments the active
// stream gauge atomically so concurrent sessions remain consistent.
func (r *Recorder) StreamStarted() {
	r.incrementStreamEvent("start")
	r.activeStreams.Add(1)
}

// StreamStopped records a stop lifecycle event and decrements the active
// stream gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.incrementStreamEvent("stop")
	r.decrementGauge(&r.activeStreams)
}

// StreamStartFailed records a provisioning failure surfaced to the caller.
func (r *Recorder) StreamStartFailed() {
	r.incrementStreamEvent("start_failed")
}

func (r *Recorder) incrementStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// ObserveGatewayEvent counts one inbound broadcaster event by type.
func (r *Recorder) ObserveGatewayEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.gatewayEvents[normalized]++
	r.mu.Unlock()
}

// EncoderExited records an encoder process exit classified as "clean",
// "signal", or "error".
func (r *Recorder) EncoderExited(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.encoderExits[normalized]++
	r.mu.Unlock()
}

// FrameRelayed counts one video frame forwarded to an encoder.
func (r *Recorder) FrameRelayed() {
	r.framesRelayed.Add(1)
}

// AudioChunkRelayed counts one audio chunk handed to a relay connection.
func (r *Recorder) AudioChunkRelayed() {
	r.audioRelayed.Add(1)
}

// AudioChunkDropped counts one audio chunk discarded under backpressure.
func (r *Recorder) AudioChunkDropped() {
	r.audioDropped.Add(1)
}

// ActiveStreams reports the current live stream gauge.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// Reset clears all recorded values; intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.gatewayEvents = make(map[string]uint64)
	r.encoderExits = make(map[string]uint64)
	r.mu.Unlock()
	r.activeStreams.Store(0)
	r.framesRelayed.Store(0)
	r.audioRelayed.Store(0)
	r.audioDropped.Store(0)
}

// Handler exposes the recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := sortedKeys(r.streamEvents)
	gatewayEvents := sortedKeys(r.gatewayEvents)
	encoderExits := sortedKeys(r.encoderExits)

	fmt.Fprintln(w, "# HELP courtside_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE courtside_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "courtside_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP courtside_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE courtside_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "courtside_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP courtside_stream_events_total Stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE courtside_stream_events_total counter")
	for _, event := range streamEvents {
		fmt.Fprintf(w, "courtside_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP courtside_active_streams Current number of live relay sessions")
	fmt.Fprintln(w, "# TYPE courtside_active_streams gauge")
	fmt.Fprintf(w, "courtside_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP courtside_gateway_events_total Inbound broadcaster events by type")
	fmt.Fprintln(w, "# TYPE courtside_gateway_events_total counter")
	for _, event := range gatewayEvents {
		fmt.Fprintf(w, "courtside_gateway_events_total{event=\"%s\"} %d\n", event, r.gatewayEvents[event])
	}

	fmt.Fprintln(w, "# HELP courtside_encoder_exits_total Encoder process exits by classification")
	fmt.Fprintln(w, "# TYPE courtside_encoder_exits_total counter")
	for _, kind := range encoderExits {
		fmt.Fprintf(w, "courtside_encoder_exits_total{kind=\"%s\"} %d\n", kind, r.encoderExits[kind])
	}

	fmt.Fprintln(w, "# HELP courtside_relay_frames_total Video frames forwarded to encoder stdin")
	fmt.Fprintln(w, "# TYPE courtside_relay_frames_total counter")
	fmt.Fprintf(w, "courtside_relay_frames_total %d\n", r.framesRelayed.Load())

	fmt.Fprintln(w, "# HELP courtside_relay_audio_chunks_total Audio chunks forwarded to relay connections")
	fmt.Fprintln(w, "# TYPE courtside_relay_audio_chunks_total counter")
	fmt.Fprintf(w, "courtside_relay_audio_chunks_total %d\n", r.audioRelayed.Load())

	fmt.Fprintln(w, "# HELP courtside_relay_audio_dropped_total Audio chunks discarded under backpressure")
	fmt.Fprintln(w, "# TYPE courtside_relay_audio_dropped_total counter")
	fmt.Fprintf(w, "courtside_relay_audio_dropped_total %d\n", r.audioDropped.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
