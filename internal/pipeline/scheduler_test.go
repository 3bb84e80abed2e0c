package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sizes(rs []Range) []int {
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = r.Len()
	}
	return out
}

func TestPartition(t *testing.T) {
	cases := []struct {
		n, chunks int
		want      []int
	}{
		{25, 10, []int{3, 3, 3, 3, 3, 3, 3, 3, 1, 0}},
		{10, 10, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
		{0, 3, []int{0, 0, 0}},
		{7, 1, []int{7}},
		{5, 0, []int{5}},
	}
	for _, tc := range cases {
		got := Partition(tc.n, tc.chunks)
		if !reflect.DeepEqual(sizes(got), tc.want) {
			t.Fatalf("Partition(%d, %d) sizes = %v want %v", tc.n, tc.chunks, sizes(got), tc.want)
		}
		next := 0
		for _, r := range got {
			if r.Start != next {
				t.Fatalf("Partition(%d, %d) not contiguous: %v", tc.n, tc.chunks, got)
			}
			next = r.End
		}
		if next != tc.n {
			t.Fatalf("Partition(%d, %d) covers %d tasks", tc.n, tc.chunks, next)
		}
	}
}

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, quietLogger()); !errors.Is(err, ErrPoolSize) {
		t.Fatalf("expected ErrPoolSize, got %v", err)
	}
}

func TestSchedulerRunsEveryTaskOnce(t *testing.T) {
	const n = 200
	var counts [n]int32
	tasks := make([]Task, n)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context, worker int) error {
			atomic.AddInt32(&counts[i], 1)
			return nil
		}
	}
	s := &Scheduler{Workers: 8, Log: quietLogger()}
	stats, err := s.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("task %d ran %d times", i, c)
		}
	}
	if stats.Completed != n || stats.Failed != 0 || stats.Chunks != DefaultChunks {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSchedulerProgressSequence(t *testing.T) {
	var got []int
	s := &Scheduler{Chunks: 10, Log: quietLogger(), Progress: ReporterFunc(func(p int) { got = append(got, p) })}
	tasks := make([]Task, 25)
	for i := range tasks {
		tasks[i] = func(context.Context, int) error { return nil }
	}
	if _, err := s.Run(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	want := []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %v want %v", got, want)
	}

	// Rounding must not prevent the final 100.
	got = nil
	s.Chunks = 3
	if _, err := s.Run(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{33, 66, 100}) {
		t.Fatalf("progress = %v", got)
	}
}

func TestSchedulerChunkBarrier(t *testing.T) {
	const n = 40
	var (
		mu       sync.Mutex
		finished = make(map[int]bool)
		violated bool
	)
	ranges := Partition(n, 4)
	chunkOf := func(i int) int {
		for c, r := range ranges {
			if i >= r.Start && i < r.End {
				return c
			}
		}
		return -1
	}
	tasks := make([]Task, n)
	for i := range tasks {
		i := i
		tasks[i] = func(context.Context, int) error {
			mu.Lock()
			for j := 0; j < ranges[chunkOf(i)].Start; j++ {
				if !finished[j] {
					violated = true
				}
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			finished[i] = true
			mu.Unlock()
			return nil
		}
	}
	s := &Scheduler{Chunks: 4, Workers: 4, Log: quietLogger()}
	if _, err := s.Run(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	if violated {
		t.Fatalf("a task started before the previous chunk finished")
	}
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	const n = 50
	var ran int32
	tasks := make([]Task, n)
	for i := range tasks {
		i := i
		tasks[i] = func(context.Context, int) error {
			atomic.AddInt32(&ran, 1)
			switch i {
			case 7:
				return errors.New("boom")
			case 23:
				panic("kaboom")
			}
			return nil
		}
	}
	s := &Scheduler{Chunks: 1, Workers: 4, Log: quietLogger()}
	stats, err := s.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("non-fatal failures must not fail the run: %v", err)
	}
	if ran != n {
		t.Fatalf("expected all %d tasks to run, got %d", n, ran)
	}
	if stats.Failed != 2 || stats.Completed != n-2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSchedulerFatalStopsLaterChunks(t *testing.T) {
	sentinel := errors.New("corrupt input")
	var lastChunkRan int32
	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = func(context.Context, int) error {
			if i == 2 {
				return Fatal(sentinel)
			}
			if i >= 5 {
				atomic.AddInt32(&lastChunkRan, 1)
			}
			return nil
		}
	}
	var progress []int
	s := &Scheduler{Chunks: 2, Workers: 1, Log: quietLogger(), Progress: ReporterFunc(func(p int) { progress = append(progress, p) })}
	stats, err := s.Run(context.Background(), tasks)
	if !errors.Is(err, sentinel) || !IsFatal(err) {
		t.Fatalf("expected fatal sentinel, got %v", err)
	}
	if lastChunkRan != 0 {
		t.Fatalf("second chunk ran %d tasks after a fatal error", lastChunkRan)
	}
	if stats.Skipped == 0 {
		t.Fatalf("expected skipped tasks, stats %+v", stats)
	}
	if len(progress) != 0 {
		t.Fatalf("no progress expected for an aborted first chunk, got %v", progress)
	}
}

func TestSchedulerSerialUsesOneWorker(t *testing.T) {
	var active, peak int32
	tasks := make([]Task, 30)
	for i := range tasks {
		tasks[i] = func(_ context.Context, worker int) error {
			if worker != 0 {
				t.Errorf("serial run used worker %d", worker)
			}
			cur := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&active, -1)
			return nil
		}
	}
	s := &Scheduler{Workers: 16, Serial: true, Log: quietLogger()}
	if s.PoolSize() != 1 {
		t.Fatalf("serial pool size = %d", s.PoolSize())
	}
	stats, err := s.Run(context.Background(), tasks)
	if err != nil {
		t.Fatal(err)
	}
	if peak != 1 || stats.Workers != 1 {
		t.Fatalf("peak concurrency %d, workers %d", peak, stats.Workers)
	}
}

func TestSchedulerWorkerIDsWithinPool(t *testing.T) {
	s := &Scheduler{Workers: 3, Log: quietLogger()}
	size := s.PoolSize()
	tasks := make([]Task, 60)
	for i := range tasks {
		tasks[i] = func(_ context.Context, worker int) error {
			if worker < 0 || worker >= size {
				t.Errorf("worker id %d outside pool of %d", worker, size)
			}
			return nil
		}
	}
	if _, err := s.Run(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerEmptyRunReportsCompletion(t *testing.T) {
	var got []int
	s := &Scheduler{Log: quietLogger(), Progress: ReporterFunc(func(p int) { got = append(got, p) })}
	stats, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tasks != 0 || got[len(got)-1] != 100 {
		t.Fatalf("stats %+v progress %v", stats, got)
	}
}
