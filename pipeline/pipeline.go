// Package pipeline drives one task end to end: stage the upload, analyze
// key and tempo, run the separation through the cancellable adapter, and
// persist or clean up artifacts. All task state flows through the shared
// registry so progress polls and cancel requests from other goroutines
// never touch pipeline internals.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"stemapi/analysis"
	"stemapi/config"
	"stemapi/separate"
	"stemapi/storage"
	"stemapi/task"
)

var (
	ErrInputTooLarge   = errors.New("input too large")
	ErrInputUnreadable = errors.New("input unreadable")
	ErrNotFound        = errors.New("task not found")
	ErrNotReady        = errors.New("result not ready")
)

// Analyzer is the analysis stage capability. Failures here are swallowed:
// a track without a detected key still gets separated.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (analysis.Report, error)
}

// Result is what a completed task hands back to the caller.
type Result struct {
	Track string            `json:"track"`
	Key   string            `json:"key"`
	BPM   float64           `json:"bpm,omitempty"`
	Stems map[string]string `json:"stems"`
}

type Pipeline struct {
	cfg       *config.Config
	registry  *task.Registry
	analyzer  Analyzer
	engine    separate.Engine
	store     *storage.Store
	publisher storage.Publisher
	logger    *log.Logger
	sem       chan struct{}
}

func New(cfg *config.Config, registry *task.Registry, analyzer Analyzer, engine separate.Engine,
	store *storage.Store, publisher storage.Publisher, logger *log.Logger) *Pipeline {

	workers := cfg.MaxConcurrency
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		cfg:       cfg,
		registry:  registry,
		analyzer:  analyzer,
		engine:    engine,
		store:     store,
		publisher: publisher,
		logger:    logger,
		sem:       make(chan struct{}, workers),
	}
}

const uploadChunkSize = 1 << 20 // 1 MiB per upload chunk, one cancel check each

// Run executes the whole task in the calling goroutine. Cancellation is
// checked before each upload chunk, between stages, per separation chunk
// inside the adapter, and before each stem is persisted, so the wasted
// work after a cancel request is bounded by a single chunk.
func (p *Pipeline) Run(ctx context.Context, taskID string, input io.Reader, filename string) (Result, error) {
	logger := p.logger.With("task", taskID)

	p.registry.Create(taskID)

	// Bounded worker pool: polling and cancellation are served elsewhere,
	// only the heavy work queues here.
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return Result{}, p.finishFailed(taskID, "", "", ctx.Err())
	}

	track, stagedName := trackName(filename, time.Now().Unix())

	p.registry.Advance(taskID, task.StatusUploading)
	inputPath, err := p.stageInput(taskID, input, stagedName)
	if err != nil {
		if errors.Is(err, separate.ErrCancelled) {
			return Result{}, p.finishCancelled(taskID, inputPath, track)
		}
		return Result{}, p.finishFailed(taskID, inputPath, track, err)
	}

	if p.registry.Cancelled(taskID) {
		return Result{}, p.finishCancelled(taskID, inputPath, track)
	}

	p.registry.Advance(taskID, task.StatusAnalyzing)
	report, err := p.analyzer.Analyze(ctx, inputPath)
	if err != nil {
		// Analysis failure must never abort the pipeline.
		logger.Warn("analysis failed, continuing with unknown key", "err", err)
		report.Key = "Unknown"
	}
	p.registry.SetAnalysis(taskID, report.Key, report.BPM)
	logger.Info("analysis done", "key", report.Key, "bpm", report.BPM)

	if p.registry.Cancelled(taskID) {
		return Result{}, p.finishCancelled(taskID, inputPath, track)
	}

	p.registry.Advance(taskID, task.StatusSeparating)

	if err := separate.CheckResources(separate.Thresholds{
		IdleCPU:  p.cfg.ThrottleCPU,
		FreeMem:  p.cfg.ThrottleFreeMem,
		FreeDisk: p.cfg.ThrottleFreeDisk,
		Path:     p.store.Root(),
	}, logger); err != nil {
		return Result{}, p.finishFailed(taskID, inputPath, track, fmt.Errorf("insufficient system resources: %w", err))
	}

	workDir := filepath.Join(p.cfg.TempDir, track+"_sep")
	job, err := p.engine.Open(ctx, inputPath, workDir)
	if err != nil {
		return Result{}, p.finishFailed(taskID, inputPath, track, err)
	}
	defer job.Close()
	defer os.RemoveAll(workDir)

	err = separate.Run(ctx, job,
		func(percent int) { p.registry.UpdateProgress(taskID, percent) },
		func() bool { return p.registry.Cancelled(taskID) })
	if err != nil {
		if errors.Is(err, separate.ErrCancelled) {
			return Result{}, p.finishCancelled(taskID, inputPath, track)
		}
		return Result{}, p.finishFailed(taskID, inputPath, track, err)
	}

	staged, err := job.Stems()
	if err != nil {
		return Result{}, p.finishFailed(taskID, inputPath, track, err)
	}

	artifacts := make(map[string]string, len(staged))
	for _, name := range sortedKeys(staged) {
		if p.registry.Cancelled(taskID) {
			return Result{}, p.finishCancelled(taskID, inputPath, track)
		}
		dst, perr := p.store.PersistStem(staged[name], track, name)
		if perr != nil {
			return Result{}, p.finishFailed(taskID, inputPath, track, perr)
		}
		artifacts[name] = dst
	}

	if err := p.store.WriteMetadata(track, storage.Metadata{
		Track:     track,
		Key:       report.Key,
		BPM:       report.BPM,
		Timestamp: time.Now().Unix(),
		Stems:     sortedKeys(artifacts),
	}); err != nil {
		logger.Warn("could not write metadata", "err", err)
	}

	if findings, serr := storage.ScanSilence(p.store.TrackDir(track)); serr == nil {
		for _, f := range findings {
			logger.Warn("suspicious stem", "stem", f.Stem, "reason", f.Reason)
		}
	}

	if !p.registry.Complete(taskID, artifacts) {
		// A cancel slipped in after the last per-stem checkpoint.
		return Result{}, p.finishCancelled(taskID, inputPath, track)
	}

	if err := os.Remove(inputPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not delete input file", "path", inputPath, "err", err)
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, track, artifacts); err != nil {
			logger.Warn("publishing stems failed", "err", err)
		}
	}

	logger.Info("task completed", "track", track, "stems", len(artifacts))
	return Result{Track: track, Key: report.Key, BPM: report.BPM, Stems: artifacts}, nil
}

// stageInput streams the upload into the temp dir in fixed chunks, with a
// cancellation checkpoint before every chunk and the size cap enforced as
// bytes arrive, not after.
func (p *Pipeline) stageInput(taskID string, input io.Reader, name string) (string, error) {
	path := filepath.Join(p.cfg.TempDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInputUnreadable, err)
	}
	defer f.Close()

	var written int64
	buf := make([]byte, uploadChunkSize)
	for {
		if p.registry.Cancelled(taskID) {
			return path, separate.ErrCancelled
		}

		n, rerr := input.Read(buf)
		if n > 0 {
			written += int64(n)
			if p.cfg.MaxInputSize > 0 && written > p.cfg.MaxInputSize {
				return path, ErrInputTooLarge
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return path, werr
			}
		}
		if rerr == io.EOF {
			return path, nil
		}
		if rerr != nil {
			return path, fmt.Errorf("%w: %v", ErrInputUnreadable, rerr)
		}
	}
}

// finishCancelled and finishFailed share one cleanup path so the two
// terminal branches can never drift apart.

func (p *Pipeline) finishCancelled(taskID, inputPath, track string) error {
	p.cleanup(taskID, inputPath, track)
	p.registry.Remove(taskID)
	p.logger.Info("task cancelled", "task", taskID)
	return separate.ErrCancelled
}

func (p *Pipeline) finishFailed(taskID, inputPath, track string, cause error) error {
	p.cleanup(taskID, inputPath, track)
	p.registry.Fail(taskID, cause.Error())
	p.logger.Error("task failed", "task", taskID, "err", cause)
	return cause
}

// cleanup deletes the staged input and any partial artifacts. Best-effort
// and idempotent: missing paths are fine, failures are logged because the
// task already reached its terminal state and nothing may re-raise here.
func (p *Pipeline) cleanup(taskID, inputPath, track string) {
	if inputPath != "" {
		if err := os.Remove(inputPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("could not delete input file", "task", taskID, "path", inputPath, "err", err)
		}
	}
	if track != "" {
		if err := p.store.RemoveTrack(track); err != nil {
			p.logger.Warn("could not delete output dir", "task", taskID, "track", track, "err", err)
		}
	}
}

// Progress returns the poll shape for a task. Unknown ids report a default
// pending/0 rather than an error: clients may poll before registration.
func (p *Pipeline) Progress(taskID string) (int, task.Status) {
	t, ok := p.registry.Get(taskID)
	if !ok {
		return 0, task.StatusPending
	}
	return t.Progress, t.Status
}

// RequestCancel asks for cooperative cancellation and reports whether the
// request took effect.
func (p *Pipeline) RequestCancel(taskID string) (bool, error) {
	if _, ok := p.registry.Get(taskID); !ok {
		return false, ErrNotFound
	}
	return p.registry.RequestCancel(taskID), nil
}

// Result fetches the outcome of a finished task.
func (p *Pipeline) Result(taskID string) (Result, error) {
	t, ok := p.registry.Get(taskID)
	if !ok {
		return Result{}, ErrNotFound
	}
	switch {
	case t.Status == task.StatusCompleted:
		return Result{Key: t.DetectedKey, BPM: t.DetectedBPM, Stems: t.Artifacts}, nil
	case t.Status == task.StatusFailed:
		return Result{}, fmt.Errorf("task failed: %s", t.Error)
	default:
		return Result{}, ErrNotReady
	}
}

// trackName builds the output directory name and the staged input filename
// from the client-supplied name: unsafe runes replaced, a timestamp
// appended for uniqueness.
func trackName(filename string, ts int64) (track, staged string) {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	base = strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".wav"
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	safe := b.String()
	if safe == "" || safe == "." {
		safe = "track"
	}

	track = fmt.Sprintf("%s_%d", safe, ts)
	return track, track + ext
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
