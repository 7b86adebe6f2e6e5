// stemapi/storage/store_test.go
package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	return s
}

func TestStore_PersistStem(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "drums.wav")
	require.NoError(t, os.WriteFile(src, []byte("pcm"), 0o644))

	dst, err := s.PersistStem(src, "song", "drums")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "song", "drums.wav"), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(data))

	// Source was consumed by the move.
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RemoveTrackIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnsureTrackDir("song")
	require.NoError(t, err)

	assert.NoError(t, s.RemoveTrack("song"))
	// Second removal of the same track must not error.
	assert.NoError(t, s.RemoveTrack("song"))
	// Nor removal of a track that never existed.
	assert.NoError(t, s.RemoveTrack("never-there"))
}

func TestStore_Metadata(t *testing.T) {
	s := newTestStore(t)
	err := s.WriteMetadata("song", Metadata{
		Track: "song",
		Key:   "F# Minor",
		BPM:   128,
		Stems: []string{"drums", "bass"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.TrackDir("song"), "metadata.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"F# Minor"`)
	assert.Contains(t, string(data), `"drums"`)
}

func TestStore_StemPathTraversalGuard(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.EnsureTrackDir("song")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drums.wav"), []byte("x"), 0o644))

	got, err := s.StemPath("song", "drums.wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "drums.wav"), got)

	_, err = s.StemPath("../song", "drums.wav")
	assert.Error(t, err)
	_, err = s.StemPath("song", "../../etc/passwd")
	assert.Error(t, err)
	_, err = s.StemPath("song", "missing.wav")
	assert.Error(t, err)
}

func writeWav(t *testing.T, path string, data []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestScanSilence(t *testing.T) {
	dir := t.TempDir()

	loud := make([]int, 800)
	for i := range loud {
		loud[i] = 1000 * (i%3 - 1)
	}
	writeWav(t, filepath.Join(dir, "drums.wav"), loud)
	writeWav(t, filepath.Join(dir, "bass.wav"), make([]int, 800))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.wav"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644))

	findings, err := ScanSilence(dir)
	require.NoError(t, err)

	byStem := map[string]string{}
	for _, f := range findings {
		byStem[f.Stem] = f.Reason
	}
	assert.NotContains(t, byStem, "drums.wav")
	assert.Contains(t, byStem["bass.wav"], "silent")
	assert.Contains(t, byStem, "other.wav")
	assert.NotContains(t, byStem, "notes.txt")
}

func TestStore_Sweep(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.EnsureTrackDir("stale")
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	_, err = s.EnsureTrackDir("fresh")
	require.NoError(t, err)

	assert.Equal(t, 1, s.Sweep(time.Hour))
	_, err = os.Stat(s.TrackDir("stale"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.TrackDir("fresh"))
	assert.NoError(t, err)
}
