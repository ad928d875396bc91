package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/stream/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/stream/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "streams/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestStreamGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	stops := 150

	wg.Add(starts + stops)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.StreamStarted()
		}()
	}
	for i := 0; i < stops; i++ {
		go func() {
			defer wg.Done()
			recorder.StreamStopped()
		}()
	}

	wg.Wait()

	if active := recorder.ActiveStreams(); active != 0 {
		t.Fatalf("active streams should not go negative; got %d", active)
	}

	if count := recorder.streamEvents["start"]; count != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", count, starts)
	}
	if count := recorder.streamEvents["stop"]; count != uint64(stops) {
		t.Fatalf("unexpected stop events: got %d want %d", count, stops)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/stream/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/stream/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/stream", 201, time.Second)

	recorder.StreamStarted()
	recorder.StreamStarted()
	recorder.StreamStopped()
	recorder.StreamStartFailed()

	recorder.ObserveGatewayEvent("stream:data")
	recorder.ObserveGatewayEvent("stream:data")
	recorder.ObserveGatewayEvent("stream:audio")

	recorder.EncoderExited("clean")
	recorder.EncoderExited("Signal")
	recorder.EncoderExited("signal")

	recorder.FrameRelayed()
	recorder.FrameRelayed()
	recorder.AudioChunkRelayed()
	recorder.AudioChunkDropped()

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP courtside_http_requests_total Total number of HTTP requests processed by the API
# TYPE courtside_http_requests_total counter
courtside_http_requests_total{method="GET",path="/stream/:id",status="200"} 2
courtside_http_requests_total{method="POST",path="/stream",status="201"} 1
# HELP courtside_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE courtside_http_request_duration_seconds_sum counter
courtside_http_request_duration_seconds_sum{method="GET",path="/stream/:id",status="200"} 0.200000
courtside_http_request_duration_seconds_sum{method="POST",path="/stream",status="201"} 1.000000
# HELP courtside_stream_events_total Stream lifecycle events by type
# TYPE courtside_stream_events_total counter
courtside_stream_events_total{event="start"} 2
courtside_stream_events_total{event="start_failed"} 1
courtside_stream_events_total{event="stop"} 1
# HELP courtside_active_streams Current number of live relay sessions
# TYPE courtside_active_streams gauge
courtside_active_streams 1
# HELP courtside_gateway_events_total Inbound broadcaster events by type
# TYPE courtside_gateway_events_total counter
courtside_gateway_events_total{event="stream:audio"} 1
courtside_gateway_events_total{event="stream:data"} 2
# HELP courtside_encoder_exits_total Encoder process exits by classification
# TYPE courtside_encoder_exits_total counter
courtside_encoder_exits_total{kind="clean"} 1
courtside_encoder_exits_total{kind="signal"} 2
# HELP courtside_relay_frames_total Video frames forwarded to encoder stdin
# TYPE courtside_relay_frames_total counter
courtside_relay_frames_total 2
# HELP courtside_relay_audio_chunks_total Audio chunks forwarded to relay connections
# TYPE courtside_relay_audio_chunks_total counter
courtside_relay_audio_chunks_total 1
# HELP courtside_relay_audio_dropped_total Audio chunks discarded under backpressure
# TYPE courtside_relay_audio_dropped_total counter
courtside_relay_audio_dropped_total 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.StreamStarted()
	recorder.FrameRelayed()
	recorder.EncoderExited("error")
	recorder.Reset()

	if recorder.ActiveStreams() != 0 {
		t.Fatalf("active streams should be zero after reset")
	}
	if recorder.framesRelayed.Load() != 0 {
		t.Fatalf("frame counter should be zero after reset")
	}
	if len(recorder.encoderExits) != 0 {
		t.Fatalf("encoder exits should be empty after reset")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
