package rim

import (
	"sync"
)

// scratch slices for the per-step moment updates and gradient accumulation,
// pooled by length.
var (
	scratchMu   sync.Mutex
	scratchPool = make(map[int]*sync.Pool)
)

func borrowScratch(n int) []float32 {
	scratchMu.Lock()
	p, ok := scratchPool[n]
	scratchMu.Unlock()
	if ok {
		return p.Get().([]float32)
	}
	return make([]float32, n)
}

func returnScratch(xs []float32) {
	n := len(xs)
	scratchMu.Lock()
	p, ok := scratchPool[n]
	if !ok {
		p = &sync.Pool{
			New: func() interface{} { return make([]float32, n) },
		}
		scratchPool[n] = p
	}
	scratchMu.Unlock()
	p.Put(xs)
}
