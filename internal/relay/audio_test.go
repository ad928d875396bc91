package relay

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, deadline time.Duration, check func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialRelay(t *testing.T, relay *AudioRelay) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", relay.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	return conn
}

func TestAudioRelayDeliversChunksInOrder(t *testing.T) {
	relay, err := newAudioRelay(0, 8, slog.Default(), nil)
	if err != nil {
		t.Fatalf("newAudioRelay failed: %v", err)
	}
	defer relay.Close()

	if relay.Port() == 0 {
		t.Fatal("expected a bound listener port")
	}
	if relay.Push([]byte{1, 2}) {
		t.Fatal("push before any connection should be discarded")
	}

	conn := dialRelay(t, relay)
	defer conn.Close()
	waitFor(t, "relay connection", time.Second, relay.Connected)

	samples := []int16{0, 1, -1, 32767, -32768}
	if !relay.Push(pcmBytes(samples)) {
		t.Fatal("push with an accepted connection should be queued")
	}

	buf := make([]byte, len(samples)*2)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read relayed chunk: %v", err)
	}
	for i, want := range samples {
		got := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		if got != want {
			t.Fatalf("sample %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestAudioRelayReplacesConnection(t *testing.T) {
	relay, err := newAudioRelay(0, 8, slog.Default(), nil)
	if err != nil {
		t.Fatalf("newAudioRelay failed: %v", err)
	}
	defer relay.Close()

	first := dialRelay(t, relay)
	defer first.Close()
	waitFor(t, "first relay connection", time.Second, relay.Connected)

	second := dialRelay(t, relay)
	defer second.Close()

	// The accept loop closes the replaced connection, so the first dialer
	// observes EOF.
	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the first connection to be closed")
	}

	waitFor(t, "replacement connection", time.Second, relay.Connected)
	if !relay.Push(pcmBytes([]int16{42})) {
		t.Fatal("push after replacement should be queued")
	}
	buf := make([]byte, 2)
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(second, buf); err != nil {
		t.Fatalf("read on replacement connection: %v", err)
	}
	if got := int16(binary.LittleEndian.Uint16(buf)); got != 42 {
		t.Fatalf("expected sample 42, got %d", got)
	}
}

func TestAudioRelayCloseMakesPushNoOp(t *testing.T) {
	relay, err := newAudioRelay(0, 8, slog.Default(), nil)
	if err != nil {
		t.Fatalf("newAudioRelay failed: %v", err)
	}
	conn := dialRelay(t, relay)
	defer conn.Close()
	waitFor(t, "relay connection", time.Second, relay.Connected)

	if err := relay.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if relay.Push(pcmBytes([]int16{7})) {
		t.Fatal("push after close should be discarded")
	}
	if relay.Connected() {
		t.Fatal("closed relay should report no connection")
	}
}

// When the encoder side stalls, the queue must hold exactly its configured
// depth with the oldest chunks discarded first.
func TestAudioRelayQueueOverflowDropsOldest(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	var drops int
	relay := &AudioRelay{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		depth:  3,
		onDrop: func() { drops++ },
		wake:   make(chan struct{}, 1),
	}
	// No write loop is running, so pushed chunks stay queued as if the
	// encoder connection had stalled.
	relay.conn = local

	for i := 1; i <= 5; i++ {
		if !relay.Push([]byte{byte(i)}) {
			t.Fatalf("push %d rejected", i)
		}
	}

	relay.mu.Lock()
	queued := make([]byte, 0, len(relay.queue))
	for _, chunk := range relay.queue {
		queued = append(queued, chunk[0])
	}
	relay.mu.Unlock()

	if len(queued) != 3 {
		t.Fatalf("queue holds %d chunks, want 3", len(queued))
	}
	for i, got := range queued {
		if want := byte(i + 3); got != want {
			t.Fatalf("queue[%d] = chunk %d, want %d", i, got, want)
		}
	}
	if drops != 2 {
		t.Fatalf("recorded %d drops, want 2", drops)
	}
}

func TestPCMBytesLittleEndian(t *testing.T) {
	got := pcmBytes([]int16{256, -2})
	want := []byte{0x00, 0x01, 0xfe, 0xff}
	if len(got) != len(want) {
		t.Fatalf("unexpected length %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: expected %#x, got %#x", i, want[i], got[i])
		}
	}
}
