package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemapi/analysis"
	"stemapi/config"
	"stemapi/separate"
	"stemapi/storage"
	"stemapi/task"
)

type stubAnalyzer struct {
	report analysis.Report
	err    error
}

func (s *stubAnalyzer) Analyze(ctx context.Context, path string) (analysis.Report, error) {
	return s.report, s.err
}

// stubEngine produces a scripted job: a fixed number of chunks, an optional
// hook fired after a given chunk, and stem files written into the work dir
// when the last chunk finishes.
type stubEngine struct {
	chunks    int
	stems     []string
	afterStep func(chunk int)
	openErr   error
}

func (e *stubEngine) Open(ctx context.Context, inputPath, workDir string) (separate.Job, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	return &stubJob{engine: e, workDir: workDir}, nil
}

type stubJob struct {
	engine  *stubEngine
	workDir string
	done    int
}

func (j *stubJob) TotalChunks() int { return j.engine.chunks }

func (j *stubJob) Step(ctx context.Context) (bool, error) {
	if j.done >= j.engine.chunks {
		return true, nil
	}
	j.done++
	if j.engine.afterStep != nil {
		j.engine.afterStep(j.done)
	}
	if j.done == j.engine.chunks {
		for _, name := range j.engine.stems {
			path := filepath.Join(j.workDir, name+".wav")
			if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (j *stubJob) Stems() (map[string]string, error) {
	out := make(map[string]string, len(j.engine.stems))
	for _, name := range j.engine.stems {
		out[name] = filepath.Join(j.workDir, name+".wav")
	}
	return out, nil
}

func (j *stubJob) Close() error { return nil }

func newTestPipeline(t *testing.T, engine separate.Engine, an Analyzer) (*Pipeline, *task.Registry, *storage.Store, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		TempDir:        t.TempDir(),
		OutputDir:      t.TempDir(),
		MaxInputSize:   1 << 20,
		MaxConcurrency: 1,
	}
	store, err := storage.NewStore(cfg.OutputDir)
	require.NoError(t, err)

	registry := task.NewRegistry()
	logger := log.New(os.Stderr)
	return New(cfg, registry, an, engine, store, nil, logger), registry, store, cfg
}

func TestRunCompletesTask(t *testing.T) {
	engine := &stubEngine{chunks: 4, stems: []string{"drums", "bass"}}
	an := &stubAnalyzer{report: analysis.Report{Key: "A Minor", BPM: 120}}
	p, registry, store, cfg := newTestPipeline(t, engine, an)

	res, err := p.Run(context.Background(), "t1", bytes.NewReader([]byte("audio-bytes")), "groove.wav")
	require.NoError(t, err)

	assert.Equal(t, "A Minor", res.Key)
	assert.Equal(t, 120.0, res.BPM)
	assert.Len(t, res.Stems, 2)
	for _, path := range res.Stems {
		_, statErr := os.Stat(path)
		assert.NoError(t, statErr)
	}
	assert.FileExists(t, filepath.Join(store.TrackDir(res.Track), "metadata.json"))

	got, ok := registry.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	// Staged input and the separation work dir are gone.
	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCancelledMidSeparation(t *testing.T) {
	engine := &stubEngine{chunks: 4, stems: []string{"drums"}}
	an := &stubAnalyzer{report: analysis.Report{Key: "C Major"}}
	p, registry, store, cfg := newTestPipeline(t, engine, an)
	engine.afterStep = func(chunk int) {
		if chunk == 2 {
			registry.RequestCancel("t1")
		}
	}

	res, err := p.Run(context.Background(), "t1", bytes.NewReader([]byte("audio")), "groove.wav")
	require.ErrorIs(t, err, separate.ErrCancelled)
	assert.Empty(t, res.Stems)

	// Cancelled tasks vanish from the registry immediately.
	_, ok := registry.Get("t1")
	assert.False(t, ok)

	// No partial artifacts, no staged input left behind.
	outEntries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assert.Empty(t, outEntries)
	tmpEntries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, tmpEntries)
}

func TestRunCancelledDuringUpload(t *testing.T) {
	engine := &stubEngine{chunks: 2, stems: []string{"drums"}}
	p, registry, _, _ := newTestPipeline(t, engine, &stubAnalyzer{})

	// A reader that cancels the task as soon as the first chunk is pulled:
	// the checkpoint before the second chunk must catch it.
	r := &cancellingReader{
		data:   bytes.NewReader(bytes.Repeat([]byte("x"), 64)),
		cancel: func() { registry.RequestCancel("t1") },
	}

	_, err := p.Run(context.Background(), "t1", r, "groove.wav")
	require.ErrorIs(t, err, separate.ErrCancelled)

	_, ok := registry.Get("t1")
	assert.False(t, ok)
}

type cancellingReader struct {
	data   *bytes.Reader
	cancel func()
	fired  bool
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if !r.fired {
		r.fired = true
		r.cancel()
	}
	return n, err
}

func TestRunAnalysisFailureContinues(t *testing.T) {
	engine := &stubEngine{chunks: 2, stems: []string{"drums"}}
	an := &stubAnalyzer{err: errors.New("decoder choked")}
	p, registry, _, _ := newTestPipeline(t, engine, an)

	res, err := p.Run(context.Background(), "t1", bytes.NewReader([]byte("audio")), "groove.wav")
	require.NoError(t, err)
	assert.Equal(t, "Unknown", res.Key)

	got, ok := registry.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "Unknown", got.DetectedKey)
}

func TestRunInputTooLarge(t *testing.T) {
	engine := &stubEngine{chunks: 2, stems: []string{"drums"}}
	p, registry, _, cfg := newTestPipeline(t, engine, &stubAnalyzer{})
	cfg.MaxInputSize = 16

	_, err := p.Run(context.Background(), "t1", bytes.NewReader(bytes.Repeat([]byte("x"), 64)), "big.wav")
	require.ErrorIs(t, err, ErrInputTooLarge)

	got, ok := registry.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "too large")

	// Failed tasks keep no files around.
	entries, rerr := os.ReadDir(cfg.TempDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries)
}

func TestRunSeparatorFailure(t *testing.T) {
	engine := &stubEngine{openErr: fmt.Errorf("separator binary missing")}
	p, registry, store, _ := newTestPipeline(t, engine, &stubAnalyzer{})

	_, err := p.Run(context.Background(), "t1", bytes.NewReader([]byte("audio")), "groove.wav")
	require.Error(t, err)

	got, ok := registry.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, got.Status)

	outEntries, rerr := os.ReadDir(store.Root())
	require.NoError(t, rerr)
	assert.Empty(t, outEntries)
}

func TestProgressUnknownTaskDefaults(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, &stubEngine{}, &stubAnalyzer{})

	percent, status := p.Progress("nope")
	assert.Equal(t, 0, percent)
	assert.Equal(t, task.StatusPending, status)
}

func TestRequestCancelUnknownTask(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, &stubEngine{}, &stubAnalyzer{})

	_, err := p.RequestCancel("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResultStates(t *testing.T) {
	p, registry, _, _ := newTestPipeline(t, &stubEngine{}, &stubAnalyzer{})

	_, err := p.Result("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	registry.Create("t1")
	registry.Advance("t1", task.StatusUploading)
	_, err = p.Result("t1")
	assert.ErrorIs(t, err, ErrNotReady)

	registry.Fail("t1", "boom")
	_, err = p.Result("t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTrackName(t *testing.T) {
	track, staged := trackName("My Song (live).mp3", 1700000000)
	assert.Equal(t, "My_Song__live__1700000000", track)
	assert.Equal(t, "My_Song__live__1700000000.mp3", staged)

	track, staged = trackName("../../etc/passwd", 1700000000)
	assert.False(t, strings.Contains(track, "/"))
	assert.False(t, strings.Contains(staged, "/"))

	track, staged = trackName("", 1700000000)
	assert.Equal(t, "track_1700000000", track)
	assert.Equal(t, "track_1700000000.wav", staged)
}
