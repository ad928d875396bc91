package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Segment store path conventions. Each session owns one directory under the
// output root holding the playlist and its segment files; the janitor removes
// the directory wholesale once the session has been ended past the retention
// window.
const (
	playlistName   = "playlist.m3u8"
	segmentPattern = "segment_%05d.ts"
)

// OutputDir returns the session's segment directory.
func OutputDir(root, streamKey string) string {
	return filepath.Join(root, sanitizeKey(streamKey))
}

// PlaylistPath returns the on-disk playlist location for a session.
func PlaylistPath(root, streamKey string) string {
	return filepath.Join(OutputDir(root, streamKey), playlistName)
}

// PlaybackURL constructs the externally reachable playlist URL.
func PlaybackURL(baseURL, streamKey string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	return fmt.Sprintf("%s/streams/%s/%s", trimmed, sanitizeKey(streamKey), playlistName)
}

// EnsureOutputDir creates the session directory if absent.
func EnsureOutputDir(root, streamKey string) (string, error) {
	dir := OutputDir(root, streamKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// RemoveArtifacts deletes a session's segment directory and everything in it.
func RemoveArtifacts(root, streamKey string) error {
	key := sanitizeKey(streamKey)
	if key == "" {
		return fmt.Errorf("stream key is required")
	}
	return os.RemoveAll(filepath.Join(root, key))
}

// sanitizeKey strips path separators and relative components so a session key
// can never escape the output root.
func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
