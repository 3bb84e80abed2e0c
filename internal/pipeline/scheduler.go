package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"relpose/internal/logging"
)

// DefaultChunks is the number of sequential chunks a run is split into.
const DefaultChunks = 10

// Range is the half-open task index range [Start, End) of one chunk.
type Range struct {
	Start int
	End   int
}

// Len is the number of tasks in the range.
func (r Range) Len() int { return r.End - r.Start }

// Partition splits n tasks into exactly chunks ranges of ceil(n/chunks)
// tasks each. Trailing ranges are shorter or empty.
func Partition(n, chunks int) []Range {
	if chunks < 1 {
		chunks = 1
	}
	if n < 0 {
		n = 0
	}
	interval := (n + chunks - 1) / chunks
	out := make([]Range, chunks)
	for c := range out {
		out[c] = Range{Start: min(c*interval, n), End: min((c+1)*interval, n)}
	}
	return out
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as fatal for the whole run. A task returning a fatal error
// stops the scheduler after the current chunk.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// Stats summarises a scheduler run.
type Stats struct {
	Tasks     int
	Completed int
	Failed    int
	Skipped   int
	Chunks    int
	Workers   int
}

// Scheduler executes tasks in sequential chunks on a bounded worker pool.
// Tasks inside a chunk run concurrently; every task of a chunk finishes
// before the next chunk starts. There is no per-task timeout: a task that
// never returns stalls the run.
type Scheduler struct {
	// Chunks is the number of sequential chunks, DefaultChunks when < 1.
	Chunks int
	// Workers caps the pool size; < 1 means one worker per CPU.
	Workers int
	// Serial forces a single worker regardless of Workers.
	Serial   bool
	Progress Reporter
	Log      *slog.Logger
}

// PoolSize is the number of workers a run will use.
func (s *Scheduler) PoolSize() int {
	if s.Serial {
		return 1
	}
	available := runtime.NumCPU()
	if s.Workers < 1 || s.Workers > available {
		return available
	}
	return s.Workers
}

// NumChunks is the number of chunks a run is split into.
func (s *Scheduler) NumChunks() int {
	if s.Chunks < 1 {
		return DefaultChunks
	}
	return s.Chunks
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Scheduler) report(percent int) {
	if s.Progress != nil {
		s.Progress.Update(percent)
	}
}

// Run executes tasks. Non-fatal task errors and panics are logged and counted;
// they never stop sibling tasks or later chunks. A fatal error, or
// cancellation of ctx, stops submission and is returned once the running
// chunk has drained.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) (Stats, error) {
	log := s.logger()
	pool, err := NewPool(s.PoolSize(), log)
	if err != nil {
		return Stats{}, err
	}
	defer pool.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ranges := Partition(len(tasks), s.NumChunks())
	stats := Stats{Tasks: len(tasks), Chunks: len(ranges), Workers: pool.Size()}

	var (
		mu    sync.Mutex
		fatal error
	)

	for c, rg := range ranges {
		var wg sync.WaitGroup
		for i := rg.Start; i < rg.End; i++ {
			if ctx.Err() != nil {
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				continue
			}
			chunk, index := c, i
			wg.Add(1)
			pool.Submit(ctx, tasks[i], func(worker int, err error) {
				defer wg.Done()
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					stats.Completed++
				case errors.Is(err, ErrSkipped):
					stats.Skipped++
				case IsFatal(err):
					stats.Failed++
					if fatal == nil {
						fatal = err
						cancel()
					}
				default:
					stats.Failed++
					logging.LogTaskError(log, chunk, index, worker, err)
				}
			})
		}
		wg.Wait()

		mu.Lock()
		abort := fatal
		mu.Unlock()
		if abort != nil {
			stats.Skipped += len(tasks) - rg.End
			log.Error("run aborted", "chunk", c, "error", abort)
			return stats, abort
		}
		if err := ctx.Err(); err != nil {
			stats.Skipped += len(tasks) - rg.End
			return stats, err
		}

		log.Debug("chunk complete", "chunk", c, "tasks", rg.Len())
		if c < len(ranges)-1 {
			s.report((c + 1) * 100 / len(ranges))
		}
	}

	s.report(100)
	return stats, nil
}
