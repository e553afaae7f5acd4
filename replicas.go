package rim

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"

	"github.com/asterope/rim/physics"
)

// Replicas is a data-parallel group of engines with identical parameters.
// A super-batch is sharded across the replicas, each computes its gradient
// contribution independently, the contributions are summed on the primary
// replica and the updated parameters are broadcast back.
type Replicas struct {
	rims     []*RIM
	trainers []*Trainer
}

// NewReplicas builds n engines and trainers from the given configurations.
// The configurations describe ONE replica: its batch size is the per-shard
// size. All replicas start from the primary's initial parameters.
func NewReplicas(n int, conf Config, tconf TrainConfig, phys physics.Model) (*Replicas, error) {
	if n < 1 {
		return nil, errors.Errorf("need at least one replica, got %d", n)
	}
	g := &Replicas{}
	for i := 0; i < n; i++ {
		r, err := New(conf, phys)
		if err != nil {
			return nil, err
		}
		t, err := NewTrainer(tconf, r)
		if err != nil {
			return nil, err
		}
		g.rims = append(g.rims, r)
		g.trainers = append(g.trainers, t)
	}
	for i := 1; i < n; i++ {
		if err := g.rims[i].model.CopyWeightsFrom(g.rims[0].model); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Primary returns the replica whose parameters are authoritative.
func (g *Replicas) Primary() *RIM { return g.rims[0] }

// Size returns the number of replicas.
func (g *Replicas) Size() int { return len(g.rims) }

// FitBatch shards a super-batch across the replicas, sums their gradient
// contributions and applies one optimizer step on the primary. Reported
// costs are averaged over the replicas.
func (g *Replicas) FitBatch(obs Observation, truthSource, truthKappa *tensor.Dense) (Report, error) {
	n := len(g.rims)
	shard := g.rims[0].conf.BatchSize
	if obs.Lens.Shape()[0] != n*shard {
		return Report{}, errors.Errorf("super-batch has %d samples, want %d replicas x %d", obs.Lens.Shape()[0], n, shard)
	}

	reports := make([]Report, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var sl slicer
			part := Observation{
				Lens:     sl.shard(obs.Lens, i, shard),
				NoiseRMS: obs.NoiseRMS[i*shard : (i+1)*shard],
				PSF:      sl.shard(obs.PSF, i, shard),
			}
			ts := sl.shard(truthSource, i, shard)
			tk := sl.shard(truthKappa, i, shard)
			if sl.err != nil {
				errs[i] = sl.err
				return
			}
			reports[i], errs[i] = g.trainers[i].accumulateBatch(part, ts, tk)
		}(i)
	}
	wg.Wait()

	var allErrs manyErr
	for _, err := range errs {
		if err != nil {
			allErrs = append(allErrs, err)
		}
	}
	if len(allErrs) > 0 {
		return Report{}, allErrs
	}

	primary := g.trainers[0]
	for i := 1; i < n; i++ {
		for j := range primary.acc {
			vecf32.Add(primary.acc[j], g.trainers[i].acc[j])
		}
	}
	if primary.conf.Clip > 0 {
		clipByGlobalNorm(primary.acc, primary.conf.Clip)
	}
	if err := primary.applyGradients(); err != nil {
		return Report{}, err
	}
	primary.batches++

	for i := 1; i < n; i++ {
		if err := g.rims[i].model.CopyWeightsFrom(g.rims[0].model); err != nil {
			return Report{}, err
		}
		g.trainers[i].batches = primary.batches
	}

	var rep Report
	for _, r := range reports {
		rep.Cost += r.Cost
		rep.ChiSquared += r.ChiSquared
		rep.SourceCost += r.SourceCost
		rep.KappaCost += r.KappaCost
	}
	rep.Cost /= float32(n)
	rep.ChiSquared /= float32(n)
	rep.SourceCost /= float32(n)
	rep.KappaCost /= float32(n)
	return rep, nil
}

// Close releases all replicas.
func (g *Replicas) Close() error {
	var allErrs manyErr
	for i := range g.rims {
		if err := g.trainers[i].Close(); err != nil {
			allErrs = append(allErrs, err)
		}
		if err := g.rims[i].Close(); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	if len(allErrs) > 0 {
		return allErrs
	}
	return nil
}

type slicer struct {
	v   tensor.View
	err error
}

func (s *slicer) Slice(a *tensor.Dense, slices ...tensor.Slice) *tensor.Dense {
	if s.err != nil {
		return nil
	}
	if s.v, s.err = a.Slice(slices...); s.err != nil {
		s.err = errors.Wrapf(s.err, "Slicer failed") // get a stack trace
		return nil
	}
	return s.v.(*tensor.Dense).Materialize().(*tensor.Dense)
}

// shard cuts one replica's rows out of a batched tensor. A width-1 range
// collapses the batch axis, so the cut is reshaped back to the full rank.
func (s *slicer) shard(a *tensor.Dense, i, n int) *tensor.Dense {
	out := s.Slice(a, sli(i*n, (i+1)*n))
	if s.err != nil {
		return nil
	}
	shape := append(tensor.Shape{n}, a.Shape()[1:]...)
	if err := out.Reshape(shape...); err != nil {
		s.err = errors.WithStack(err)
		return nil
	}
	return out
}

type rs struct {
	start, end, step int
}

func (s rs) Start() int { return s.start }
func (s rs) End() int   { return s.end }
func (s rs) Step() int  { return s.step }

// sli creates a ranged slice. It takes an optional step param.
func sli(start, end int, opts ...int) rs {
	step := 1
	if len(opts) > 0 {
		step = opts[0]
	}
	return rs{
		start: start,
		end:   end,
		step:  step,
	}
}

type manyErr []error

func (err manyErr) Error() string {
	var buf bytes.Buffer
	for _, e := range err {
		fmt.Fprintln(&buf, e.Error())
	}
	return buf.String()
}
