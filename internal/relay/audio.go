package relay

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// AudioRelay bridges one inbound connection from the encoder process to the
// stream of audio chunks pushed by the broadcaster. The listener accepts a
// single connection; a later connection replaces the current one, which keeps
// encoder restarts within a session deterministic.
//
// Writes happen on a dedicated goroutine draining a bounded FIFO, so Push
// never blocks the caller: while the socket keeps up chunks are written as
// they arrive, and under backpressure they queue up to the cap with the
// oldest discarded first.
type AudioRelay struct {
	listener net.Listener
	logger   *slog.Logger
	depth    int
	onDrop   func()

	mu     sync.Mutex
	conn   net.Conn
	queue  [][]byte
	wake   chan struct{}
	closed bool
}

func newAudioRelay(port, queueDepth int, logger *slog.Logger, onDrop func()) (*AudioRelay, error) {
	if queueDepth <= 0 {
		queueDepth = defaultAudioQueueDepth
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind audio listener on port %d: %w", port, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	relay := &AudioRelay{
		listener: listener,
		logger:   logger,
		depth:    queueDepth,
		onDrop:   onDrop,
		wake:     make(chan struct{}, 1),
	}
	go relay.acceptLoop()
	go relay.writeLoop()
	return relay, nil
}

// Port reports the bound listener port.
func (a *AudioRelay) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

// Connected reports whether the encoder has an accepted relay connection.
func (a *AudioRelay) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Push hands a chunk to the relay. It reports false when no connection has
// been accepted yet or the relay is closed, in which case the chunk is
// silently discarded. On queue overflow the oldest queued chunk is dropped
// with a warning; chunk loss under sustained backpressure is an accepted
// degradation.
func (a *AudioRelay) Push(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	a.mu.Lock()
	if a.closed || a.conn == nil {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, chunk)
	var dropped int
	for len(a.queue) > a.depth {
		a.queue = a.queue[1:]
		dropped++
	}
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("audio queue overflow, oldest chunk discarded",
			"dropped", dropped, "depth", a.depth)
		if a.onDrop != nil {
			for i := 0; i < dropped; i++ {
				a.onDrop()
			}
		}
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

// Close tears down the listener, the accepted connection, and any queued
// chunks. Push becomes a no-op afterwards.
func (a *AudioRelay) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.queue = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	err := a.listener.Close()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return err
}

func (a *AudioRelay) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			// Live path: deliver small PCM writes without coalescing.
			_ = tcpConn.SetNoDelay(true)
		}
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			_ = conn.Close()
			return
		}
		previous := a.conn
		a.conn = conn
		a.queue = nil
		a.mu.Unlock()
		if previous != nil {
			a.logger.Warn("audio relay connection replaced by new inbound connection")
			_ = previous.Close()
		} else {
			a.logger.Debug("audio relay connection accepted", "remote", conn.RemoteAddr().String())
		}
	}
}

// writeLoop drains the queue in FIFO order on a single goroutine, which
// preserves arrival order and guarantees no chunk is written twice. A write
// error clears the queue and drops the connection; pushes then no-op until
// the encoder reconnects or the session is torn down.
func (a *AudioRelay) writeLoop() {
	for range a.wake {
		for {
			a.mu.Lock()
			if a.closed {
				a.mu.Unlock()
				return
			}
			if a.conn == nil || len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			chunk := a.queue[0]
			a.queue = a.queue[1:]
			conn := a.conn
			a.mu.Unlock()

			if _, err := conn.Write(chunk); err != nil {
				a.mu.Lock()
				if a.conn == conn {
					a.conn = nil
					a.queue = nil
				}
				a.mu.Unlock()
				a.logger.Debug("audio relay write failed, dropping connection", "error", err)
				break
			}
		}
	}
}

// pcmBytes encodes signed 16-bit samples as the little-endian byte stream the
// encoder consumes.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}
