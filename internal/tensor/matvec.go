package tensor

import (
	"runtime"
	"sync"
)

// rowPool runs row ranges of a kernel on long-lived workers so the hot path
// never spawns goroutines.
type rowPool struct {
	workers int
	jobs    chan rowJob
	// latches are reused completion channels, one per concurrent caller.
	latches chan chan struct{}
}

type rowJob struct {
	fn     func(rs, re int)
	rs, re int
	done   chan<- struct{}
}

var (
	sharedRows     *rowPool
	sharedRowsOnce sync.Once
)

func rows() *rowPool {
	sharedRowsOnce.Do(func() {
		sharedRows = newRowPool(max(runtime.GOMAXPROCS(0), 1))
	})
	return sharedRows
}

func newRowPool(workers int) *rowPool {
	p := &rowPool{
		workers: workers,
		jobs:    make(chan rowJob, workers*2),
		latches: make(chan chan struct{}, workers),
	}
	for range workers {
		p.latches <- make(chan struct{}, workers)
		go func() {
			for j := range p.jobs {
				j.fn(j.rs, j.re)
				j.done <- struct{}{}
			}
		}()
	}
	return p
}

// parallelMinRows is the row count below which kernels stay on the calling
// goroutine.
const parallelMinRows = 64

// forRows calls fn over [0, n) split into contiguous ranges.
func (p *rowPool) forRows(n int, fn func(rs, re int)) {
	parts := min(p.workers, n)
	if parts <= 1 || n < parallelMinRows {
		fn(0, n)
		return
	}
	chunk := (n + parts - 1) / parts
	latch := <-p.latches
	sent := 0
	for rs := 0; rs < n; rs += chunk {
		p.jobs <- rowJob{fn: fn, rs: rs, re: min(rs+chunk, n), done: latch}
		sent++
	}
	for range sent {
		<-latch
	}
	p.latches <- latch
}

// MatVec computes dst = w * x. Large matrices are split across a shared
// worker pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("tensor: matvec shape mismatch")
	}
	rows().forRows(w.R, func(rs, re int) {
		matVecRange(dst, w, x, rs, re)
	})
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	for i := rs; i < re; i++ {
		dst[i] = Dot(w.Row(i), x[:w.C])
	}
}
