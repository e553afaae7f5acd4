package rim

import (
	"strconv"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"

	"github.com/asterope/rim/unet"
)

// ErrDiverged reports a non-finite training cost. The parameters are left
// untouched for the batch that diverged.
var ErrDiverged = errors.New("training cost diverged")

// Mode selects how far gradients flow through the refinement loop.
type Mode byte

const (
	// ModeTruncated backpropagates each step in isolation. The hidden
	// state crosses step boundaries as data, not as a differentiable
	// dependency.
	ModeTruncated Mode = iota
	// ModeUnrolled backpropagates through the full chain of steps. The
	// gradient signals from the physical model are treated as constants
	// recorded during a replay pass.
	ModeUnrolled
)

func (m Mode) String() string {
	switch m {
	case ModeTruncated:
		return "truncated"
	case ModeUnrolled:
		return "unrolled"
	}
	return "unknown"
}

// ParseMode parses a training mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "truncated":
		return ModeTruncated, nil
	case "unrolled":
		return ModeUnrolled, nil
	}
	return ModeTruncated, errors.Errorf("unknown training mode %q", s)
}

// TrainConfig configures the trainer.
type TrainConfig struct {
	Mode      Mode
	Loss      Loss
	LearnRate float64
	Decay     *ExponentialDecay // optional schedule, overrides LearnRate
	Clip      float32           // global gradient norm cap, 0 disables
}

func (conf TrainConfig) IsValid() bool {
	return conf.Loss.valid() && conf.LearnRate > 0 && conf.Clip >= 0
}

// trainField groups the graph nodes of one field's training path.
type trainField struct {
	est, state *G.Node
	truth      *G.Node // link-space target
	weight     *G.Node // per-pixel loss weight
	grads      G.Nodes // one signal placeholder per unrolled step
	newEst     *G.Node // truncated mode: estimate after the step
	newState   *G.Node
	cost       *G.Node
}

// Trainer drives gradient descent on a RIM's network. Build exactly one
// trainer per engine: the training subgraph lives on the engine's graph.
type Trainer struct {
	conf TrainConfig
	rim  *RIM

	source trainField
	kappa  trainField
	cost   *G.Node

	vm        G.VM
	gradNodes G.Nodes
	weights   G.Nodes
	acc       [][]float32 // per-weight gradient accumulators

	solver  G.Solver
	rate    float64
	batches int
}

// NewTrainer builds the training subgraph for the configured mode and
// compiles it.
func NewTrainer(conf TrainConfig, r *RIM) (*Trainer, error) {
	if !conf.IsValid() {
		return nil, errors.Errorf("invalid train config %+v", conf)
	}
	t := &Trainer{
		conf:    conf,
		rim:     r,
		weights: r.model.Weights(),
		rate:    conf.LearnRate,
	}
	var err error
	switch conf.Mode {
	case ModeTruncated:
		err = t.buildTruncated()
	case ModeUnrolled:
		err = t.buildUnrolled()
	default:
		err = errors.Errorf("unknown training mode %v", conf.Mode)
	}
	if err != nil {
		return nil, err
	}
	t.acc = make([][]float32, len(t.weights))
	for i, w := range t.weights {
		t.acc[i] = make([]float32, len(w.Value().Data().([]float32)))
	}
	t.solver = G.NewAdamSolver(G.WithLearnRate(t.rate))
	return t, nil
}

// buildTruncated wires a single training step with an in-graph loss and
// compiles it together with the symbolic weight gradients.
func (t *Trainer) buildTruncated() error {
	r := t.rim
	if err := t.wireFieldIn(&t.source, "source", r.conf.SourcePixels, 1); err != nil {
		return err
	}
	if err := t.wireFieldIn(&t.kappa, "kappa", r.conf.KappaPixels, 1); err != nil {
		return err
	}

	m := wire{g: r.g}
	for _, f := range []*trainField{&t.source, &t.kappa} {
		in := m.concat(f.est, f.grads[0])
		delta, newState, err := r.model.Apply(in, f.state, true)
		if err != nil {
			return err
		}
		f.newEst = m.add(f.est, delta)
		f.newState = newState
		f.cost = m.weightedSq(f.newEst, f.truth, f.weight, r.conf.BatchSize)
	}
	t.cost = m.add(t.source.cost, t.kappa.cost)
	if m.err != nil {
		return m.err
	}
	return t.compile(
		G.Nodes{
			t.source.est, t.source.grads[0], t.source.state, t.source.truth, t.source.weight,
			t.kappa.est, t.kappa.grads[0], t.kappa.state, t.kappa.truth, t.kappa.weight,
		},
		G.Nodes{
			t.source.newEst, t.source.newState, t.source.cost,
			t.kappa.newEst, t.kappa.newState, t.kappa.cost,
		},
	)
}

// buildUnrolled wires the full T-step chain with the recorded gradient
// signals as constant inputs and a step-weighted total loss.
func (t *Trainer) buildUnrolled() error {
	r := t.rim
	steps := r.conf.Steps
	if steps == 0 {
		return errors.Errorf("unrolled training needs at least one step")
	}
	if err := t.wireFieldIn(&t.source, "source", r.conf.SourcePixels, steps); err != nil {
		return err
	}
	if err := t.wireFieldIn(&t.kappa, "kappa", r.conf.KappaPixels, steps); err != nil {
		return err
	}

	wt := t.conf.Loss.Steps.Weights(steps)
	m := wire{g: r.g}
	for _, f := range []*trainField{&t.source, &t.kappa} {
		est, state := f.est, f.state
		shape := f.est.Shape()
		for k := 0; k < steps; k++ {
			// Concat's backward pass collapses a width-1 channel section
			// to rank 3. The reshape restores rank 4 so the deconcat
			// contribution sums with the additive-update one.
			in := m.concat(m.reshape(est, shape), f.grads[k])
			delta, newState, err := r.model.Apply(in, state, true)
			if err != nil {
				return err
			}
			est = m.add(est, delta)
			state = newState
			stepCost := m.weightedSq(est, f.truth, f.weight, r.conf.BatchSize)
			stepCost = m.scale(stepCost, wt[k])
			if f.cost == nil {
				f.cost = stepCost
			} else {
				f.cost = m.add(f.cost, stepCost)
			}
		}
		f.newEst = est
		f.newState = state
	}
	t.cost = m.add(t.source.cost, t.kappa.cost)
	if m.err != nil {
		return m.err
	}

	inputs := G.Nodes{t.source.est, t.source.state, t.source.truth, t.source.weight}
	inputs = append(inputs, t.source.grads...)
	inputs = append(inputs, t.kappa.est, t.kappa.state, t.kappa.truth, t.kappa.weight)
	inputs = append(inputs, t.kappa.grads...)
	return t.compile(inputs, G.Nodes{t.source.cost, t.kappa.cost})
}

// wireFieldIn creates the input placeholders of one field's training path.
func (t *Trainer) wireFieldIn(f *trainField, name string, pixels, signals int) error {
	r := t.rim
	b := r.conf.BatchSize
	shape := G.WithShape(b, 1, pixels, pixels)
	f.est = G.NewTensor(r.g, unet.Float, 4, shape, G.WithName(name+"_tr_est"))
	f.state = G.NewTensor(r.g, unet.Float, 4, G.WithShape(r.conf.Unet.StateShape(pixels)...), G.WithName(name+"_tr_state"))
	f.truth = G.NewTensor(r.g, unet.Float, 4, shape, G.WithName(name+"_tr_truth"))
	f.weight = G.NewTensor(r.g, unet.Float, 4, shape, G.WithName(name+"_tr_weight"))
	for k := 0; k < signals; k++ {
		f.grads = append(f.grads, G.NewTensor(r.g, unet.Float, 4, shape, G.WithName(name+"_tr_grad_"+strconv.Itoa(k))))
	}
	return nil
}

// compile takes the symbolic gradient of the total cost and compiles the
// training program with the gradients and batch statistics as outputs.
func (t *Trainer) compile(inputs, extraOutputs G.Nodes) error {
	var err error
	if t.gradNodes, err = G.Grad(t.cost, t.weights...); err != nil {
		return errors.WithStack(err)
	}
	outputs := G.Nodes{t.cost}
	outputs = append(outputs, extraOutputs...)
	outputs = append(outputs, t.gradNodes...)
	outputs = append(outputs, t.rim.model.TrainStatOutputs()...)
	prog, locMap, err := G.CompileFunction(t.rim.g, inputs, outputs)
	if err != nil {
		return errors.WithStack(err)
	}
	t.vm = G.NewTapeMachine(t.rim.g, G.WithPrecompiled(prog, locMap))
	return nil
}

// FitBatch runs one optimizer step on a batch of observations with known
// ground truth (in physical space) and reports the training cost.
func (t *Trainer) FitBatch(obs Observation, truthSource, truthKappa *tensor.Dense) (Report, error) {
	rep, err := t.accumulateBatch(obs, truthSource, truthKappa)
	if err != nil {
		return rep, err
	}
	if t.conf.Clip > 0 {
		clipByGlobalNorm(t.acc, t.conf.Clip)
	}
	if err := t.applyGradients(); err != nil {
		return rep, err
	}
	t.batches++
	return rep, nil
}

// accumulateBatch fills the gradient accumulators for one batch without
// touching the parameters.
func (t *Trainer) accumulateBatch(obs Observation, truthSource, truthKappa *tensor.Dense) (Report, error) {
	r := t.rim
	if err := r.checkObservation(obs); err != nil {
		return Report{}, err
	}
	linkS, err := r.conf.SourceLink.Forward(truthSource)
	if err != nil {
		return Report{}, err
	}
	linkK, err := r.conf.KappaLink.Forward(truthKappa)
	if err != nil {
		return Report{}, err
	}
	wS := t.conf.Loss.Source.Map(truthSource)
	wK := t.conf.Loss.Kappa.Map(truthKappa)
	for i := range t.acc {
		for j := range t.acc[i] {
			t.acc[i][j] = 0
		}
	}

	var rep Report
	switch t.conf.Mode {
	case ModeTruncated:
		rep, err = t.fitTruncated(obs, linkS, linkK, wS, wK)
	case ModeUnrolled:
		rep, err = t.fitUnrolled(obs, linkS, linkK, wS, wK)
	}
	if err != nil {
		return rep, err
	}
	if math32.IsNaN(rep.Cost) || math32.IsInf(rep.Cost, 0) {
		return rep, ErrDiverged
	}
	return rep, nil
}

// fitTruncated runs the refinement numerically, one optimizer-visible step
// at a time, accumulating step-weighted gradients.
func (t *Trainer) fitTruncated(obs Observation, linkS, linkK, wS, wK *tensor.Dense) (Report, error) {
	r := t.rim
	wt := t.conf.Loss.Steps.Weights(r.conf.Steps)

	estS := r.newEstimate(r.conf.SourcePixels)
	estK := r.newEstimate(r.conf.KappaPixels)
	hS := r.model.NewState(r.conf.SourcePixels)
	hK := r.model.NewState(r.conf.KappaPixels)
	var adaS, adaK *adaptiveState
	if r.conf.Adaptive {
		adaS = newAdaptiveState(len(estS.Data().([]float32)))
		adaK = newAdaptiveState(len(estK.Data().([]float32)))
	}

	var rep Report
	for k := 0; k < r.conf.Steps; k++ {
		grads, _, err := r.gradientSignal(estS, estK, obs, adaS, adaK)
		if err != nil {
			return rep, err
		}
		lets := []struct {
			n *G.Node
			v *tensor.Dense
		}{
			{t.source.est, estS}, {t.source.grads[0], grads.Source}, {t.source.state, hS},
			{t.source.truth, linkS}, {t.source.weight, wS},
			{t.kappa.est, estK}, {t.kappa.grads[0], grads.Kappa}, {t.kappa.state, hK},
			{t.kappa.truth, linkK}, {t.kappa.weight, wK},
		}
		for _, p := range lets {
			if err := G.Let(p.n, p.v); err != nil {
				return rep, errors.WithStack(err)
			}
		}
		if err := t.vm.RunAll(); err != nil {
			return rep, errors.WithStack(err)
		}

		estS = cloneValue(t.source.newEst.Value())
		hS = cloneValue(t.source.newState.Value())
		estK = cloneValue(t.kappa.newEst.Value())
		hK = cloneValue(t.kappa.newState.Value())
		cs := scalarAt(t.source.cost)
		ck := scalarAt(t.kappa.cost)
		t.accumulate(wt[k])
		if err := r.model.UpdateRunningStats(); err != nil {
			return rep, err
		}
		t.vm.Reset()

		rep.SourceCost = cs
		rep.KappaCost = ck
		rep.Cost += wt[k] * (cs + ck)
		rep.ChiSquared = meanOf(grads.ChiSquared)
	}
	return rep, nil
}

// fitUnrolled replays the refinement to record the gradient signals, then
// backpropagates through the whole chain in a single pass.
func (t *Trainer) fitUnrolled(obs Observation, linkS, linkK, wS, wK *tensor.Dense) (Report, error) {
	r := t.rim
	sigS, sigK, chi2, err := t.replay(obs)
	if err != nil {
		return Report{}, err
	}

	estS := r.newEstimate(r.conf.SourcePixels)
	estK := r.newEstimate(r.conf.KappaPixels)
	lets := []struct {
		n *G.Node
		v *tensor.Dense
	}{
		{t.source.est, estS}, {t.source.state, r.model.NewState(r.conf.SourcePixels)},
		{t.source.truth, linkS}, {t.source.weight, wS},
		{t.kappa.est, estK}, {t.kappa.state, r.model.NewState(r.conf.KappaPixels)},
		{t.kappa.truth, linkK}, {t.kappa.weight, wK},
	}
	for k := 0; k < r.conf.Steps; k++ {
		lets = append(lets,
			struct {
				n *G.Node
				v *tensor.Dense
			}{t.source.grads[k], sigS[k]},
			struct {
				n *G.Node
				v *tensor.Dense
			}{t.kappa.grads[k], sigK[k]},
		)
	}
	for _, p := range lets {
		if err := G.Let(p.n, p.v); err != nil {
			return Report{}, errors.WithStack(err)
		}
	}
	if err := t.vm.RunAll(); err != nil {
		return Report{}, errors.WithStack(err)
	}
	rep := Report{
		SourceCost: scalarAt(t.source.cost),
		KappaCost:  scalarAt(t.kappa.cost),
		Cost:       scalarAt(t.cost),
		ChiSquared: chi2,
	}
	t.accumulate(1)
	if err := r.model.UpdateRunningStats(); err != nil {
		return rep, err
	}
	t.vm.Reset()
	return rep, nil
}

// replay runs the evaluation path to record the preconditioned gradient
// signals the unrolled pass will consume.
func (t *Trainer) replay(obs Observation) (sigS, sigK []*tensor.Dense, chi2 float32, err error) {
	r := t.rim
	if err = r.model.FeedRunningStats(); err != nil {
		return nil, nil, 0, err
	}
	estS := r.newEstimate(r.conf.SourcePixels)
	estK := r.newEstimate(r.conf.KappaPixels)
	hS := r.model.NewState(r.conf.SourcePixels)
	hK := r.model.NewState(r.conf.KappaPixels)
	var adaS, adaK *adaptiveState
	if r.conf.Adaptive {
		adaS = newAdaptiveState(len(estS.Data().([]float32)))
		adaK = newAdaptiveState(len(estK.Data().([]float32)))
	}
	for k := 0; k < r.conf.Steps; k++ {
		grads, _, gerr := r.gradientSignal(estS, estK, obs, adaS, adaK)
		if gerr != nil {
			return nil, nil, 0, gerr
		}
		sigS = append(sigS, grads.Source.Clone().(*tensor.Dense))
		sigK = append(sigK, grads.Kappa.Clone().(*tensor.Dense))
		chi2 = meanOf(grads.ChiSquared)

		if err = r.feedStep(estS, estK, hS, hK, grads); err != nil {
			return nil, nil, 0, err
		}
		if err = r.evalVM.RunAll(); err != nil {
			return nil, nil, 0, errors.WithStack(err)
		}
		estS = cloneValue(r.source.newEst.Value())
		hS = cloneValue(r.source.newState.Value())
		estK = cloneValue(r.kappa.newEst.Value())
		hK = cloneValue(r.kappa.newState.Value())
		r.evalVM.Reset()
	}
	return sigS, sigK, chi2, nil
}

// accumulate folds the current symbolic gradients into the accumulators,
// scaled by the step weight.
func (t *Trainer) accumulate(scale float32) {
	for i, gn := range t.gradNodes {
		gs := gn.Value().Data().([]float32)
		if scale == 1 {
			vecf32.Add(t.acc[i], gs)
			continue
		}
		buf := borrowScratch(len(gs))
		copy(buf, gs)
		vecf32.Scale(buf, scale)
		vecf32.Add(t.acc[i], buf)
		returnScratch(buf)
	}
}

// applyGradients hands the accumulated gradients to the solver, recreating
// it first when the decay schedule moved the learning rate.
func (t *Trainer) applyGradients() error {
	if t.conf.Decay != nil {
		if rate := t.conf.Decay.At(t.batches); rate != t.rate {
			t.rate = rate
			t.solver = G.NewAdamSolver(G.WithLearnRate(rate))
		}
	}
	vgs := make([]G.ValueGrad, len(t.weights))
	for i, w := range t.weights {
		gv := tensor.New(tensor.WithShape(w.Shape()...), tensor.WithBacking(t.acc[i]))
		vgs[i] = &valueGrad{v: w.Value(), g: gv}
	}
	return errors.WithStack(t.solver.Step(vgs))
}

// Validate evaluates the loss on a batch without touching the parameters.
func (t *Trainer) Validate(obs Observation, truthSource, truthKappa *tensor.Dense) (Report, error) {
	trace, err := t.rim.Run(obs)
	if err != nil {
		return Report{}, err
	}
	return t.conf.Loss.Eval(trace, truthSource, truthKappa, t.rim.conf.SourceLink, t.rim.conf.KappaLink)
}

// Rate returns the learning rate the next batch will use.
func (t *Trainer) Rate() float64 {
	if t.conf.Decay != nil {
		return t.conf.Decay.At(t.batches)
	}
	return t.rate
}

// Batches returns the number of optimizer steps taken so far.
func (t *Trainer) Batches() int { return t.batches }

// Close releases the execution machinery.
func (t *Trainer) Close() error { return t.vm.Close() }

// valueGrad pairs a parameter value with an externally accumulated
// gradient for the solver.
type valueGrad struct {
	v G.Value
	g G.Value
}

func (vg *valueGrad) Value() G.Value         { return vg.v }
func (vg *valueGrad) Grad() (G.Value, error) { return vg.g, nil }

// wire threads errors through graph construction so the wiring reads
// linearly. First error wins, later calls become no-ops.
type wire struct {
	g   *G.ExprGraph
	err error
}

func (m *wire) check(err error) {
	if m.err == nil && err != nil {
		m.err = errors.WithStack(err)
	}
}

func (m *wire) do(f func() (*G.Node, error)) *G.Node {
	if m.err != nil {
		return nil
	}
	n, err := f()
	m.check(err)
	return n
}

func (m *wire) concat(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Concat(1, a, b) })
}

func (m *wire) reshape(a *G.Node, shape tensor.Shape) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Reshape(a, shape) })
}

func (m *wire) add(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Add(a, b) })
}

func (m *wire) scale(a *G.Node, s float32) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Mul(a, G.NewConstant(s)) })
}

// weightedSq builds sum(w * (est-truth)^2) / batch.
func (m *wire) weightedSq(est, truth, weight *G.Node, batch int) *G.Node {
	d := m.do(func() (*G.Node, error) { return G.Sub(est, truth) })
	sq := m.do(func() (*G.Node, error) { return G.Square(d) })
	wsq := m.do(func() (*G.Node, error) { return G.HadamardProd(weight, sq) })
	total := m.do(func() (*G.Node, error) { return G.Sum(wsq) })
	return m.do(func() (*G.Node, error) { return G.Div(total, G.NewConstant(float32(batch))) })
}

func scalarAt(n *G.Node) float32 {
	switch v := n.Value().Data().(type) {
	case float32:
		return v
	case []float32:
		return v[0]
	}
	return math32.NaN()
}

func meanOf(xs []float32) float32 {
	if len(xs) == 0 {
		return 0
	}
	var s float32
	for _, x := range xs {
		s += x
	}
	return s / float32(len(xs))
}

func clipByGlobalNorm(gs [][]float32, limit float32) {
	var sq float32
	for _, g := range gs {
		for _, x := range g {
			sq += x * x
		}
	}
	norm := math32.Sqrt(sq)
	if norm <= limit || norm == 0 {
		return
	}
	s := limit / norm
	for _, g := range gs {
		vecf32.Scale(g, s)
	}
}
