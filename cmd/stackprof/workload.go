package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/stackprof/internal/goroutine"
	"github.com/getsentry/stackprof/internal/profiler"
	"github.com/getsentry/stackprof/internal/registry"
	"github.com/getsentry/stackprof/internal/session"
	"github.com/getsentry/stackprof/internal/task"
)

// workload runs a recursive computation on a goroutine while cooperative
// tasks alternate between computing and sleeping, with the main task
// awaiting each of them.
type workload struct {
	duration time.Duration
	interval time.Duration
	workers  int
}

func (w workload) run() (*session.Session, error) {
	reg := registry.New(nil)
	loop := task.NewLoop(task.WithRegistrar(reg), task.WithDumper(reg.Dumper()))
	p := profiler.New(
		profiler.WithProgram("stackprof demo"),
		profiler.WithInterval(w.interval),
		profiler.WithRegistry(reg),
	)

	var (
		sess   *session.Session
		runErr error
	)
	err := loop.Run("main", func(t *task.Task) {
		if runErr = p.Start(); runErr != nil {
			return
		}
		deadline := time.Now().Add(w.duration)

		stop := make(chan struct{})
		ids := make(chan int64, 1)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- goroutine.CurrentID()
			spin(stop)
		}()
		if runErr = p.Track(reg.Dumper().Handle(<-ids)); runErr != nil {
			close(stop)
			wg.Wait()
			_, _ = p.Stop()
			return
		}

		workers := make([]*task.Task, 0, w.workers)
		for i := 0; i < w.workers; i++ {
			workers = append(workers, t.Loop().Go(fmt.Sprintf("worker-%d", i), func(t *task.Task) {
				poll(t, deadline)
			}))
		}
		for _, worker := range workers {
			t.Await(worker)
		}

		close(stop)
		wg.Wait()
		sess, runErr = p.Stop()
	})
	if err != nil {
		return nil, err
	}
	return sess, runErr
}

func spin(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			_ = fib(22)
		}
	}
}

func fib(n int) int {
	if n < 2 {
		return n
	}
	return fib(n-1) + fib(n-2)
}

// poll computes a checksum, yields, then waits for more input until the
// deadline.
func poll(t *task.Task, deadline time.Time) {
	for time.Now().Before(deadline) {
		_ = checksum(1 << 16)
		t.Yield()
		t.Sleep(5 * time.Millisecond)
	}
}

func checksum(n int) uint32 {
	var sum uint32
	for i := 0; i < n; i++ {
		sum = sum*31 + uint32(i)
	}
	return sum
}
