package tensor

import (
	"runtime"
	"sync"
)

// Rows below this count are computed on the calling goroutine.
const parallelRowThreshold = 512

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	wg     *sync.WaitGroup
}

type matVecPool struct {
	size  int
	tasks chan matVecTask
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		size := max(runtime.GOMAXPROCS(0), 1)
		p := &matVecPool{size: size, tasks: make(chan matVecTask, size*2)}
		for range size {
			go func() {
				for task := range p.tasks {
					matVecRange(task.dst, task.w, task.x, task.rs, task.re)
					task.wg.Done()
				}
			}()
		}
		matVecWorkPool = p
	})
	return matVecWorkPool
}

// MatVec computes dst = w * x. len(dst) must be >= w.R and len(x) >= w.C.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec: dimension mismatch")
	}
	if w.R < parallelRowThreshold {
		matVecRange(dst, w, x, 0, w.R)
		return
	}
	p := getMatVecPool()
	chunk := (w.R + p.size - 1) / p.size
	var wg sync.WaitGroup
	for rs := 0; rs < w.R; rs += chunk {
		wg.Add(1)
		p.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: min(rs+chunk, w.R), wg: &wg}
	}
	wg.Wait()
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	c := w.C
	if w.Raw == nil {
		for r := rs; r < re; r++ {
			dst[r] = Dot(w.Data[r*c:(r+1)*c], x[:c])
		}
		return
	}
	for r := rs; r < re; r++ {
		off := r * c * 2
		var sum float32
		for j := 0; j < c; j++ {
			sum += f16At(w.Raw, off+j*2) * x[j]
		}
		dst[r] = sum
	}
}
