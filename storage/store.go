// Package storage owns the on-disk artifact tree: one directory per track
// holding its separated stems and a metadata file, plus the optional
// publisher that mirrors finished stems to an S3-compatible bucket.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// TrackDir returns the artifact directory for a track without creating it.
func (s *Store) TrackDir(track string) string {
	return filepath.Join(s.root, filepath.Base(track))
}

func (s *Store) EnsureTrackDir(track string) (string, error) {
	dir := s.TrackDir(track)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// PersistStem moves a produced stem file into the track's directory and
// returns its final path. Rename first, copy across filesystems.
func (s *Store) PersistStem(srcPath, track, stem string) (string, error) {
	dir, err := s.EnsureTrackDir(track)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, stem+".wav")

	if err := os.Rename(srcPath, dst); err == nil {
		return dst, nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	os.Remove(srcPath)
	return dst, nil
}

// Metadata is written next to the stems, mirroring what a client needs to
// rebuild its view of a processed track without hitting the API.
type Metadata struct {
	Track     string   `json:"track"`
	Key       string   `json:"key"`
	BPM       float64  `json:"bpm,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Stems     []string `json:"stems"`
}

func (s *Store) WriteMetadata(track string, meta Metadata) error {
	dir, err := s.EnsureTrackDir(track)
	if err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644)
}

// RemoveTrack deletes a track's artifact directory. Removing a track that
// was never written (or already removed) is not an error, so the cleanup
// path stays idempotent.
func (s *Store) RemoveTrack(track string) error {
	return os.RemoveAll(s.TrackDir(track))
}

// StemPath resolves a stem file inside a track dir, refusing traversal.
func (s *Store) StemPath(track, name string) (string, error) {
	if filepath.Base(track) != track || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid path component")
	}
	full := filepath.Join(s.root, track, name)
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("file not found")
	}
	return full, nil
}

// Sweep removes track directories whose contents have not been touched for
// longer than age. Returns how many were removed.
func (s *Store) Sweep(age time.Duration) int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-age)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.RemoveAll(filepath.Join(s.root, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
