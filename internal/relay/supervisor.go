package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"courtside-live/internal/models"
	"courtside-live/internal/observability/metrics"
)

// ErrStreamStartFailed wraps resource provisioning failures (listener bind,
// encoder spawn) surfaced to the caller. Everything else the pipeline absorbs.
var ErrStreamStartFailed = errors.New("stream start failed")

// StatusReporter receives lifecycle status transitions for the session's
// external record. Implementations must tolerate unknown keys.
type StatusReporter interface {
	SetStreamStatus(ctx context.Context, streamKey, status string) (models.Stream, error)
}

// commandBuilder constructs the encoder command for a session. Tests swap it
// for a stub process.
type commandBuilder func(sess *Session, audioPort int) *exec.Cmd

// Supervisor owns one encoder subprocess per session together with its input
// pipes, supervises its lifetime, and performs graceful-then-forced shutdown.
// Each session's pipeline is independent: a crash, broken pipe, or socket
// error in one never touches another.
type Supervisor struct {
	cfg      Config
	registry *Registry
	status   StatusReporter
	logger   *slog.Logger
	ports    *portAllocator

	newCommand commandBuilder
}

func NewSupervisor(cfg Config, registry *Registry, status StatusReporter, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		registry: registry,
		status:   status,
		logger:   logger,
		ports:    newPortAllocator(cfg.AudioPortBase, cfg.AudioPortLimit),
	}
	s.newCommand = s.encoderCommand
	return s
}

// Start provisions a session pipeline for key: output directory, audio relay
// listener, encoder process, exit watcher. A start for a key that is already
// live is a logged no-op reported as ErrAlreadyActive; callers treat it as
// success.
func (s *Supervisor) Start(key string) error {
	dir, err := EnsureOutputDir(s.cfg.OutputRoot, key)
	if err != nil {
		metrics.Default().StreamStartFailed()
		return fmt.Errorf("%w: %v", ErrStreamStartFailed, err)
	}
	sess, err := s.registry.Create(key, dir)
	if err != nil {
		s.logger.Info("start ignored, session already active", "stream_key", key)
		return err
	}

	audioPort := 0
	if s.cfg.AudioEnabled {
		relay, err := newAudioRelay(s.ports.Next(), s.cfg.AudioQueueDepth, s.logger.With("stream_key", key), func() {
			metrics.Default().AudioChunkDropped()
		})
		if err != nil {
			// Listener provisioning failed before any process was
			// spawned; the registry entry is the only thing to undo.
			s.registry.Remove(key)
			s.reportStatus(key, models.StreamStatusEnded)
			metrics.Default().StreamStartFailed()
			return fmt.Errorf("%w: %v", ErrStreamStartFailed, err)
		}
		// The listener is bound and accepting before the encoder is
		// spawned, so its connect attempt cannot race the bind.
		sess.audio = relay
		audioPort = relay.Port()
	}

	sess.stderr = newTailWriter(s.cfg.StderrTailLines, s.logger.With("stream_key", key))
	cmd := s.newCommand(sess, audioPort)
	stdin, err := cmd.StdinPipe()
	if err == nil {
		sess.cmd = cmd
		sess.setStdin(stdin)
		err = cmd.Start()
	}
	if err != nil {
		if sess.audio != nil {
			_ = sess.audio.Close()
		}
		s.registry.Remove(key)
		s.reportStatus(key, models.StreamStatusEnded)
		metrics.Default().StreamStartFailed()
		return fmt.Errorf("%w: spawn encoder: %v", ErrStreamStartFailed, err)
	}

	go s.watch(sess)
	s.reportStatus(key, models.StreamStatusActive)
	metrics.Default().StreamStarted()
	s.logger.Info("encoder started",
		"stream_key", key, "pid", cmd.Process.Pid, "audio_port", audioPort, "output_dir", dir)
	return nil
}

// FeedVideo forwards one encoded frame to the session's encoder stdin. Frames
// for an absent key are dropped silently: data arriving after end or before
// start is not an error. A broken pipe is the expected shutdown race and
// drops the session quietly; any other write error is logged.
func (s *Supervisor) FeedVideo(key string, frame []byte) {
	sess, ok := s.registry.Get(key)
	if !ok {
		return
	}
	if err := sess.writeVideo(frame); err != nil {
		if isBrokenPipe(err) {
			s.registry.Remove(key)
			return
		}
		s.logger.Error("video frame write failed", "stream_key", key, "error", err)
		return
	}
	metrics.Default().FrameRelayed()
}

// FeedAudio forwards PCM samples to the session's audio relay. Sessions in
// the silent degraded mode, absent keys, and relays without an accepted
// connection all no-op.
func (s *Supervisor) FeedAudio(key string, samples []int16, sampleRate int) {
	sess, ok := s.registry.Get(key)
	if !ok {
		return
	}
	if sess.audio == nil {
		s.logger.Debug("audio chunk ignored, session has no audio relay", "stream_key", key)
		return
	}
	if sampleRate > 0 && sampleRate != s.cfg.SampleRate {
		s.logger.Debug("audio chunk declares non-default sample rate",
			"stream_key", key, "declared", sampleRate, "configured", s.cfg.SampleRate)
	}
	if !sess.audio.Push(pcmBytes(samples)) {
		s.logger.Debug("audio chunk dropped, relay connection not ready", "stream_key", key)
		return
	}
	metrics.Default().AudioChunkRelayed()
}

// Stop tears a session down: end-of-video on stdin, audio relay shutdown,
// graceful termination signal, forced kill after the stop timeout. Each step
// is best-effort. Stop is idempotent under concurrency: only one caller per
// key performs the walk, later callers return immediately.
func (s *Supervisor) Stop(key string) {
	sess, ok := s.registry.Get(key)
	if !ok {
		return
	}
	if !s.registry.BeginEnding(key) {
		s.logger.Debug("stop ignored, session already ending", "stream_key", key)
		return
	}
	defer s.registry.FinishEnding(key)

	s.reportStatus(key, models.StreamStatusEnding)
	sess.closeStdin()
	if sess.audio != nil {
		_ = sess.audio.Close()
	}
	if sess.cmd != nil && sess.cmd.Process != nil {
		if err := sess.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("terminate signal failed", "stream_key", key, "error", err)
		}
		select {
		case <-sess.done:
		case <-time.After(s.cfg.StopTimeout):
			s.logger.Warn("encoder did not exit in time, killing", "stream_key", key)
			_ = sess.cmd.Process.Kill()
			<-sess.done
		}
	}
	s.finalize(sess)
}

// StopAll stops every live session, used during process shutdown.
func (s *Supervisor) StopAll() {
	var wg sync.WaitGroup
	for _, key := range s.registry.Keys() {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(key)
		}()
	}
	wg.Wait()
}

// watch reaps the encoder process and publishes the single terminal exit
// signal every cleanup path waits on. It runs once per session.
func (s *Supervisor) watch(sess *Session) {
	err := sess.cmd.Wait()
	close(sess.done)

	state := sess.cmd.ProcessState
	switch {
	case err == nil:
		metrics.Default().EncoderExited("clean")
		s.logger.Info("encoder completed", "stream_key", sess.Key)
	case exitedOnSignal(state):
		// Expected during an explicit stop.
		metrics.Default().EncoderExited("signal")
		s.logger.Info("encoder exited on signal", "stream_key", sess.Key, "signal", exitSignal(state))
	default:
		metrics.Default().EncoderExited("error")
		s.logger.Error("encoder exited abnormally",
			"stream_key", sess.Key,
			"exit_code", state.ExitCode(),
			"stderr_tail", sess.stderr.Tail())
	}
	s.finalize(sess)
}

// finalize is the exactly-once terminal cleanup walk: audio relay closed,
// session out of the registry, record marked ended. Both the explicit stop
// and the exit watcher funnel through it.
func (s *Supervisor) finalize(sess *Session) {
	sess.finalize.Do(func() {
		sess.closeStdin()
		if sess.audio != nil {
			_ = sess.audio.Close()
		}
		s.registry.Remove(sess.Key)
		s.reportStatus(sess.Key, models.StreamStatusEnded)
		metrics.Default().StreamStopped()
	})
}

func (s *Supervisor) reportStatus(key, status string) {
	if s.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.status.SetStreamStatus(ctx, key, status); err != nil {
		s.logger.Warn("stream status report failed", "stream_key", key, "status", status, "error", err)
	}
}

// encoderCommand builds the ffmpeg invocation: raw frames on stdin, PCM audio
// from the relay listener (or a generated silent source in the degraded
// mode), segmented HLS output in the session directory.
func (s *Supervisor) encoderCommand(sess *Session, audioPort int) *exec.Cmd {
	args := []string{
		"-y",
		"-loglevel", "warning",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(s.cfg.FrameRate),
		"-i", "pipe:0",
	}
	if audioPort > 0 {
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(s.cfg.SampleRate),
			"-ac", "1",
			"-i", fmt.Sprintf("tcp://127.0.0.1:%d", audioPort),
		)
	} else {
		args = append(args,
			"-f", "lavfi",
			"-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", s.cfg.SampleRate),
		)
	}
	args = append(args,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(s.cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(s.cfg.PlaylistSize),
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_filename", OutputDir(s.cfg.OutputRoot, sess.Key)+"/"+segmentPattern,
		PlaylistPath(s.cfg.OutputRoot, sess.Key),
	)
	cmd := exec.Command(s.cfg.EncoderPath, args...)
	cmd.Stderr = sess.stderr
	return cmd
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func exitedOnSignal(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		return ws.Signaled()
	}
	return state.ExitCode() == -1
}

func exitSignal(state *os.ProcessState) string {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return "unknown"
}

// tailWriter splits encoder diagnostic output into lines, logs each at debug
// level, and retains the most recent lines for abnormal-exit reporting.
type tailWriter struct {
	logger *slog.Logger

	mu    sync.Mutex
	limit int
	lines []string
	rest  []byte
}

func newTailWriter(limit int, logger *slog.Logger) *tailWriter {
	if limit <= 0 {
		limit = defaultStderrTailLines
	}
	return &tailWriter{limit: limit, logger: logger}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.rest, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		line := bytes.TrimSpace(data[:idx])
		data = data[idx+1:]
		if len(line) == 0 {
			continue
		}
		w.lines = append(w.lines, string(line))
		if len(w.lines) > w.limit {
			w.lines = w.lines[1:]
		}
		if w.logger != nil {
			w.logger.Debug("encoder stderr", "line", string(line))
		}
	}
	w.rest = append([]byte(nil), data...)
	return total, nil
}

// Tail returns the retained diagnostic lines joined for log output.
func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return joinLines(w.lines)
}

func joinLines(lines []string) string {
	var b bytes.Buffer
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}
