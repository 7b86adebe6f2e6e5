// Package separate bridges an opaque, chunked source-separation engine
// into the pipeline's progress and cancellation model. The engine has no
// native cancellation and cannot be interrupted mid-chunk, so cancellation
// is cooperative: polled once per chunk boundary.
package separate

import (
	"context"
	"errors"
)

// ErrCancelled is raised when a cancellation request is observed at a
// chunk boundary. It is a distinct terminal branch, not a failure.
var ErrCancelled = errors.New("separation cancelled")

// Job is one separation expressed as a sequence of discrete chunks.
type Job interface {
	// TotalChunks returns the number of chunks, or 0 when unknown in
	// advance (progress reporting is then skipped rather than guessed).
	TotalChunks() int

	// Step processes the next chunk. done reports that all chunks have
	// been consumed and no work happened this call.
	Step(ctx context.Context) (done bool, err error)

	// Stems returns the produced stem name -> path mapping. Valid only
	// after Step reported done.
	Stems() (map[string]string, error)

	// Close releases the job's resources. Safe to call at any point,
	// including after a cancelled or failed run.
	Close() error
}

// Run drives a job to completion. Before each chunk it polls isCancelled
// and abandons the remaining chunks with ErrCancelled; after each chunk it
// reports percent = chunks done / total x 100. Progress is reported at most
// once per chunk boundary and never exceeds 100. Errors from the job
// propagate unchanged with no further progress updates.
func Run(ctx context.Context, job Job, onProgress func(percent int), isCancelled func() bool) error {
	total := job.TotalChunks()

	for chunk := 1; ; chunk++ {
		if isCancelled != nil && isCancelled() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := job.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if total > 0 && onProgress != nil {
			percent := chunk * 100 / total
			if percent > 100 {
				percent = 100
			}
			onProgress(percent)
		}
	}
}
