package relay

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrAlreadyActive is returned by Create when a session with the same key is
// still live. Callers treat it as a logged no-op rather than a failure.
var ErrAlreadyActive = errors.New("stream session already active")

// Session aggregates exclusive ownership of everything one broadcaster's
// pipeline holds: the encoder process, its stdin pipe, the audio relay, and
// the terminal exit signal. Cleanup is a single structured walk over these
// fields instead of independent map deletions.
type Session struct {
	Key       string
	OutputDir string
	CreatedAt time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	audio  *AudioRelay
	stderr *tailWriter

	// done is closed exactly once by the exit watcher when the encoder
	// process has been reaped, whatever the cause. All cleanup paths wait
	// on it rather than on process state directly.
	done chan struct{}

	// finalize guards the terminal cleanup walk so that an explicit stop
	// and the exit watcher cannot run it twice.
	finalize sync.Once

	stdinMu     sync.Mutex
	stdinClosed bool
}

// Done is closed when the encoder process has exited and been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AudioPort reports the audio relay listener port, or 0 when the session runs
// in the silent degraded mode.
func (s *Session) AudioPort() int {
	if s.audio == nil {
		return 0
	}
	return s.audio.Port()
}

func (s *Session) setStdin(stdin io.WriteCloser) {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	s.stdin = stdin
}

func (s *Session) writeVideo(frame []byte) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdinClosed || s.stdin == nil {
		return io.ErrClosedPipe
	}
	_, err := s.stdin.Write(frame)
	return err
}

func (s *Session) closeStdin() {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdinClosed || s.stdin == nil {
		s.stdinClosed = true
		return
	}
	s.stdinClosed = true
	_ = s.stdin.Close()
}

// Registry is the in-memory table of live sessions and the single source of
// truth for whether a key is alive. It owns no network or process behaviour.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ending   map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ending:   make(map[string]struct{}),
	}
}

// Create registers a new session for key. It fails with ErrAlreadyActive when
// the key is already present.
func (r *Registry) Create(key, outputDir string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; exists {
		return nil, ErrAlreadyActive
	}
	// A key whose previous session is mid-teardown is still claimed: letting
	// a new session in here would let the old stop's ending mark swallow the
	// new session's first stop.
	if _, ending := r.ending[key]; ending {
		return nil, ErrAlreadyActive
	}
	sess := &Session{
		Key:       key,
		OutputDir: outputDir,
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	r.sessions[key] = sess
	return sess, nil
}

// Get looks up a live session.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[key]
	return sess, ok
}

// Remove drops a session from the table. Idempotent; safe to call from the
// explicit stop path, the exit watcher, and error handlers.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}

// BeginEnding marks key as stop-in-progress. It reports false when another
// stop already claimed the key, which makes the ending->ended transition
// happen exactly once under concurrent stop requests.
func (r *Registry) BeginEnding(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ending := r.ending[key]; ending {
		return false
	}
	r.ending[key] = struct{}{}
	return true
}

// FinishEnding clears the stop-in-progress mark.
func (r *Registry) FinishEnding(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ending, key)
}

// Keys returns the keys of all live sessions.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	return keys
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
