package unet

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.99
)

// BatchNorm normalizes over the batch and spatial axes with learned scale and
// offset. Training applications normalize with batch statistics and expose
// them so running averages can be folded in after each run; evaluation
// applications normalize with the running statistics, fed through placeholder
// nodes.
type BatchNorm struct {
	channels      int
	scale, offset *G.Node
	meanIn, varIn *G.Node

	runningMean, runningVar *tensor.Dense

	// batch statistics of training applications since the last fold
	stats []statPair
}

type statPair struct {
	mean, variance *G.Node
}

func newBatchNorm(g *G.ExprGraph, name string, channels int) *BatchNorm {
	rv := tensor.New(tensor.WithShape(1, channels, 1, 1), tensor.Of(Float))
	vs := rv.Data().([]float32)
	for i := range vs {
		vs[i] = 1
	}
	return &BatchNorm{
		channels: channels,
		scale: G.NewTensor(g, Float, 4, G.WithShape(1, channels, 1, 1),
			G.WithName(fmt.Sprintf("%s_scale", name)), G.WithInit(G.Ones())),
		offset: G.NewTensor(g, Float, 4, G.WithShape(1, channels, 1, 1),
			G.WithName(fmt.Sprintf("%s_offset", name)), G.WithInit(G.Zeroes())),
		meanIn: G.NewTensor(g, Float, 4, G.WithShape(1, channels, 1, 1),
			G.WithName(fmt.Sprintf("%s_running_mean", name))),
		varIn: G.NewTensor(g, Float, 4, G.WithShape(1, channels, 1, 1),
			G.WithName(fmt.Sprintf("%s_running_var", name))),
		runningMean: tensor.New(tensor.WithShape(1, channels, 1, 1), tensor.Of(Float)),
		runningVar:  rv,
	}
}

func (bn *BatchNorm) apply(w *wiring, x *G.Node, training bool) *G.Node {
	var mu, v *G.Node
	if training {
		mu = w.do(func() (*G.Node, error) { return G.Mean(x, 0, 2, 3) })
		mu = w.do(func() (*G.Node, error) { return G.Reshape(mu, tensor.Shape{1, bn.channels, 1, 1}) })
		sq := w.do(func() (*G.Node, error) { return G.Square(x) })
		musq := w.do(func() (*G.Node, error) { return G.Mean(sq, 0, 2, 3) })
		musq = w.do(func() (*G.Node, error) { return G.Reshape(musq, tensor.Shape{1, bn.channels, 1, 1}) })
		musqd := w.do(func() (*G.Node, error) { return G.Square(mu) })
		v = w.do(func() (*G.Node, error) { return G.Sub(musq, musqd) })
		if w.err == nil {
			bn.stats = append(bn.stats, statPair{mean: mu, variance: v})
		}
	} else {
		mu, v = bn.meanIn, bn.varIn
	}

	eps := G.NewConstant(float32(bnEpsilon))
	denom := w.do(func() (*G.Node, error) { return G.Add(v, eps) })
	denom = w.do(func() (*G.Node, error) { return G.Sqrt(denom) })

	out := w.do(func() (*G.Node, error) { return G.BroadcastSub(x, mu, nil, []byte{0, 2, 3}) })
	out = w.do(func() (*G.Node, error) { return G.BroadcastHadamardDiv(out, denom, nil, []byte{0, 2, 3}) })
	out = w.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(out, bn.scale, nil, []byte{0, 2, 3}) })
	return w.do(func() (*G.Node, error) { return G.BroadcastAdd(out, bn.offset, nil, []byte{0, 2, 3}) })
}

func (bn *BatchNorm) weights() G.Nodes { return G.Nodes{bn.scale, bn.offset} }

// StatOutputs lists the batch-statistic nodes that a training program must
// evaluate so UpdateRunning can fold them.
func (bn *BatchNorm) StatOutputs() G.Nodes {
	var retVal G.Nodes
	for _, s := range bn.stats {
		retVal = append(retVal, s.mean, s.variance)
	}
	return retVal
}

// EvalInputs lists the running-statistic placeholders of the evaluation path.
func (bn *BatchNorm) EvalInputs() G.Nodes { return G.Nodes{bn.meanIn, bn.varIn} }

// FeedRunning binds the running statistics to the evaluation placeholders.
func (bn *BatchNorm) FeedRunning() error {
	if err := G.Let(bn.meanIn, bn.runningMean); err != nil {
		return errors.WithStack(err)
	}
	if err := G.Let(bn.varIn, bn.runningVar); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// UpdateRunning folds the batch statistics of the latest training run into
// the running averages.
func (bn *BatchNorm) UpdateRunning() error {
	rm := bn.runningMean.Data().([]float32)
	rv := bn.runningVar.Data().([]float32)
	for _, s := range bn.stats {
		mv, ok := s.mean.Value().(tensor.Tensor)
		if !ok || mv == nil {
			return errors.Errorf("batch mean was not evaluated")
		}
		vv, ok := s.variance.Value().(tensor.Tensor)
		if !ok || vv == nil {
			return errors.Errorf("batch variance was not evaluated")
		}
		m := mv.Data().([]float32)
		v := vv.Data().([]float32)
		vecf32.Scale(rm, bnMomentum)
		vecf32.Scale(rv, bnMomentum)
		for i := range rm {
			rm[i] += (1 - bnMomentum) * m[i]
			rv[i] += (1 - bnMomentum) * v[i]
		}
	}
	return nil
}
