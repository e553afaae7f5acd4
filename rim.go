// Package rim implements a recurrent inference machine for strong
// gravitational lens reconstruction: a fixed number of learned refinement
// steps that invert a single lensed observation into a background source
// map and a foreground convergence map, driven by the gradient of a
// physical forward simulator.
package rim

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/asterope/rim/physics"
	"github.com/asterope/rim/unet"
)

// ErrFlagged reports a run aborted after a step produced a domain-invalid or
// non-finite diagnostic.
var ErrFlagged = errors.New("run aborted on flagged step")

// Config configures the inference engine.
type Config struct {
	Steps     int
	BatchSize int

	SourcePixels int
	KappaPixels  int

	SourceLink Link
	KappaLink  Link

	// Adaptive preconditions the data-fidelity gradient with elementwise
	// first/second-moment running averages before it reaches the network.
	Adaptive bool

	// AbortOnFlagged stops a run after the first flagged step instead of
	// continuing to refine a diverged estimate.
	AbortOnFlagged bool

	Unet unet.Config
}

// DefaultConf holds the convergence field in log space, which keeps it
// strictly positive without constraining the network output.
func DefaultConf(steps, batchSize, sourcePixels, kappaPixels int) Config {
	uconf := unet.DefaultConf(2)
	uconf.BatchSize = batchSize
	return Config{
		Steps:        steps,
		BatchSize:    batchSize,
		SourcePixels: sourcePixels,
		KappaPixels:  kappaPixels,
		SourceLink:   LinkIdentity,
		KappaLink:    LinkExponential,
		Unet:         uconf,
	}
}

func (conf Config) IsValid() bool {
	d := conf.Unet.Downsampling()
	return conf.Steps >= 0 &&
		conf.BatchSize >= 1 &&
		conf.BatchSize == conf.Unet.BatchSize &&
		conf.SourcePixels >= d && conf.SourcePixels%d == 0 &&
		conf.KappaPixels >= d && conf.KappaPixels%d == 0 &&
		conf.SourceLink.valid() && conf.KappaLink.valid() &&
		conf.Unet.Channels == 2 &&
		conf.Unet.IsValid()
}

// Observation is the immutable input of one inference run.
type Observation struct {
	Lens     *tensor.Dense // (batch, 1, pixels, pixels)
	NoiseRMS []float32     // per-sample noise level
	PSF      *tensor.Dense // (batch, 1, k, k), odd k
}

// Step is one entry of the trace: the model-space estimates after the step,
// the chi-squared diagnostic per sample, and whether anything in the step
// left its valid domain or went non-finite.
type Step struct {
	Source     *tensor.Dense
	Kappa      *tensor.Dense
	ChiSquared []float32
	Flagged    bool
}

// Trace is the full record of a run. Steps is append-only during the run
// and never mutated afterwards; with zero refinement steps it stays empty
// and only the initial estimates are populated.
type Trace struct {
	InitialSource *tensor.Dense
	InitialKappa  *tensor.Dense
	Steps         []Step
}

// Last returns the final step, or nil for an empty trace.
func (t *Trace) Last() *Step {
	if len(t.Steps) == 0 {
		return nil
	}
	return &t.Steps[len(t.Steps)-1]
}

// fieldIO groups the graph nodes of one field's step transition.
type fieldIO struct {
	est, grad, state *G.Node
	newEst, newState *G.Node
}

// RIM is the iterative inference engine. The network parameters are shared,
// read-only, across concurrent runs; the hidden state and trace of a run
// are private to it.
type RIM struct {
	conf  Config
	model *unet.Model
	phys  physics.Model

	g      *G.ExprGraph
	source fieldIO
	kappa  fieldIO
	evalVM G.VM
}

// New builds the engine: the network, the one-step evaluation subgraph and
// its compiled program.
func New(conf Config, phys physics.Model) (*RIM, error) {
	if !conf.IsValid() {
		return nil, errors.Errorf("invalid rim config %+v", conf)
	}
	if phys == nil {
		return nil, errors.Errorf("nil physical model")
	}
	model, err := unet.New(conf.Unet)
	if err != nil {
		return nil, err
	}
	r := &RIM{
		conf:  conf,
		model: model,
		phys:  phys,
		g:     model.Graph(),
	}
	if err := r.wireField(&r.source, "source", conf.SourcePixels); err != nil {
		return nil, err
	}
	if err := r.wireField(&r.kappa, "kappa", conf.KappaPixels); err != nil {
		return nil, err
	}

	inputs := G.Nodes{
		r.source.est, r.source.grad, r.source.state,
		r.kappa.est, r.kappa.grad, r.kappa.state,
	}
	inputs = append(inputs, model.EvalStatInputs()...)
	outputs := G.Nodes{
		r.source.newEst, r.source.newState,
		r.kappa.newEst, r.kappa.newState,
	}
	prog, locMap, err := G.CompileFunction(r.g, inputs, outputs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	r.evalVM = G.NewTapeMachine(r.g, G.WithPrecompiled(prog, locMap))
	return r, nil
}

// wireField builds one field's step transition on the evaluation path.
func (r *RIM) wireField(io *fieldIO, name string, pixels int) error {
	b := r.conf.BatchSize
	io.est = G.NewTensor(r.g, unet.Float, 4, G.WithShape(b, 1, pixels, pixels), G.WithName(name+"_est"))
	io.grad = G.NewTensor(r.g, unet.Float, 4, G.WithShape(b, 1, pixels, pixels), G.WithName(name+"_grad"))
	io.state = G.NewTensor(r.g, unet.Float, 4, G.WithShape(r.conf.Unet.StateShape(pixels)...), G.WithName(name+"_state"))

	in, err := G.Concat(1, io.est, io.grad)
	if err != nil {
		return errors.WithStack(err)
	}
	delta, newState, err := r.model.Apply(in, io.state, false)
	if err != nil {
		return err
	}
	if io.newEst, err = G.Add(io.est, delta); err != nil {
		return errors.WithStack(err)
	}
	io.newState = newState
	return nil
}

// Model exposes the network, for persistence and sharing.
func (r *RIM) Model() *unet.Model { return r.model }

// Config returns the engine configuration.
func (r *RIM) Config() Config { return r.conf }

// Run executes the T-step refinement for one observation and returns the
// trace. The trace so far is returned even when a run aborts on a flagged
// step.
func (r *RIM) Run(obs Observation) (*Trace, error) {
	if err := r.checkObservation(obs); err != nil {
		return nil, err
	}
	trace := &Trace{
		InitialSource: r.newEstimate(r.conf.SourcePixels),
		InitialKappa:  r.newEstimate(r.conf.KappaPixels),
	}
	if r.conf.Steps == 0 {
		return trace, nil
	}
	if err := r.model.FeedRunningStats(); err != nil {
		return nil, err
	}

	estS, estK := trace.InitialSource, trace.InitialKappa
	hS := r.model.NewState(r.conf.SourcePixels)
	hK := r.model.NewState(r.conf.KappaPixels)

	var adaS, adaK *adaptiveState
	if r.conf.Adaptive {
		adaS = newAdaptiveState(len(estS.Data().([]float32)))
		adaK = newAdaptiveState(len(estK.Data().([]float32)))
	}

	for t := 0; t < r.conf.Steps; t++ {
		grads, flagged, err := r.gradientSignal(estS, estK, obs, adaS, adaK)
		if err != nil {
			return nil, err
		}

		if err := r.feedStep(estS, estK, hS, hK, grads); err != nil {
			return nil, err
		}
		if err := r.evalVM.RunAll(); err != nil {
			return nil, errors.WithStack(err)
		}
		newEstS := cloneValue(r.source.newEst.Value())
		newHS := cloneValue(r.source.newState.Value())
		newEstK := cloneValue(r.kappa.newEst.Value())
		newHK := cloneValue(r.kappa.newState.Value())
		r.evalVM.Reset()

		trace.Steps = append(trace.Steps, Step{
			Source:     newEstS,
			Kappa:      newEstK,
			ChiSquared: append([]float32(nil), grads.ChiSquared...),
			Flagged:    flagged,
		})
		if flagged && r.conf.AbortOnFlagged {
			return trace, ErrFlagged
		}
		estS, estK, hS, hK = newEstS, newEstK, newHS, newHK
	}
	return trace, nil
}

// Predict runs the refinement and returns the final estimates mapped back
// into physical space, with the final chi-squared diagnostics.
func (r *RIM) Predict(obs Observation) (source, kappa *tensor.Dense, chiSquared []float32, err error) {
	trace, err := r.Run(obs)
	if err != nil {
		return nil, nil, nil, err
	}
	last := trace.Last()
	if last == nil {
		last = &Step{Source: trace.InitialSource, Kappa: trace.InitialKappa}
	}
	if source, _, err = r.conf.SourceLink.Inverse(last.Source); err != nil {
		return nil, nil, nil, err
	}
	if kappa, _, err = r.conf.KappaLink.Inverse(last.Kappa); err != nil {
		return nil, nil, nil, err
	}
	return source, kappa, last.ChiSquared, nil
}

// gradientSignal maps the model-space estimates to physical space, queries
// the physical model, and preconditions the gradients when the adaptive
// update is enabled. The gradient tensors are modified in place by the
// preconditioner.
func (r *RIM) gradientSignal(estS, estK *tensor.Dense, obs Observation, adaS, adaK *adaptiveState) (*physics.Gradients, bool, error) {
	physS, flagS, err := r.conf.SourceLink.Inverse(estS)
	if err != nil {
		return nil, false, err
	}
	physK, flagK, err := r.conf.KappaLink.Inverse(estK)
	if err != nil {
		return nil, false, err
	}
	grads, err := r.phys.Gradient(physS, physK, obs.Lens, obs.NoiseRMS, obs.PSF)
	if err != nil {
		return nil, false, err
	}
	flagged := flagS || flagK ||
		hasNonFinite(grads.Source.Data().([]float32)) ||
		hasNonFinite(grads.Kappa.Data().([]float32)) ||
		hasNonFinite(grads.ChiSquared)
	if adaS != nil {
		adaS.precondition(grads.Source.Data().([]float32))
		adaK.precondition(grads.Kappa.Data().([]float32))
	}
	return grads, flagged, nil
}

func (r *RIM) feedStep(estS, estK, hS, hK *tensor.Dense, grads *physics.Gradients) error {
	pairs := []struct {
		n *G.Node
		v *tensor.Dense
	}{
		{r.source.est, estS}, {r.source.grad, grads.Source}, {r.source.state, hS},
		{r.kappa.est, estK}, {r.kappa.grad, grads.Kappa}, {r.kappa.state, hK},
	}
	for _, p := range pairs {
		if err := G.Let(p.n, p.v); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (r *RIM) checkObservation(obs Observation) error {
	p := r.conf.KappaPixels
	want := tensor.Shape{r.conf.BatchSize, 1, p, p}
	if obs.Lens == nil || !obs.Lens.Shape().Eq(want) {
		return errors.Errorf("observation shape mismatch: want %v", want)
	}
	if len(obs.NoiseRMS) != r.conf.BatchSize {
		return errors.Errorf("noise level has %d entries for a batch of %d", len(obs.NoiseRMS), r.conf.BatchSize)
	}
	if obs.PSF == nil {
		return errors.Errorf("missing psf")
	}
	return nil
}

// newEstimate returns the link-space neutral (zero) initial estimate.
func (r *RIM) newEstimate(pixels int) *tensor.Dense {
	return tensor.New(tensor.WithShape(r.conf.BatchSize, 1, pixels, pixels), tensor.Of(unet.Float))
}

// Close releases the execution machinery.
func (r *RIM) Close() error { return r.evalVM.Close() }

func cloneValue(v G.Value) *tensor.Dense {
	return v.(*tensor.Dense).Clone().(*tensor.Dense)
}

func hasNonFinite(xs []float32) bool {
	for _, x := range xs {
		if math32.IsNaN(x) || math32.IsInf(x, 0) {
			return true
		}
	}
	return false
}
