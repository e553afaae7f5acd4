package unet

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Model is the refinement network: an input convolution, a stack of encoding
// stages with skip connections, a recurrent block at the bottleneck, the
// mirrored decoding stages and a linear output convolution producing a
// one-channel delta for the link-space estimate.
//
// Apply builds graph nodes and may be called any number of times on the same
// Model; every application shares the same weight nodes, which is what makes
// weight-tied multi-step unrolls possible.
type Model struct {
	Config

	g        *G.ExprGraph
	input    *convLayer
	encoders []*encodeStage
	bneck    *convLayer
	gru      *recurrentBlock
	decoders []*decodeStage
	output   *convLayer
}

// New builds the model's weight nodes on a fresh expression graph.
func New(conf Config) (*Model, error) {
	if !conf.IsValid() {
		return nil, errors.Errorf("invalid unet config %+v", conf)
	}
	g := G.NewGraph()
	m := &Model{
		Config: conf,
		g:      g,
		input: newConv(g, "input", conf.Channels, conf.Filters, conf.InputKernelSize, 1,
			conf.Activation, conf.Initializer),
	}
	for i := 0; i < conf.Layers; i++ {
		m.encoders = append(m.encoders, newEncodeStage(g, fmt.Sprintf("enc%d", i), conf,
			conf.FiltersAt(i), conf.FiltersAt(i), conf.FiltersAt(i+1)))
	}
	bf := conf.BottleneckFilters()
	m.bneck = newConv(g, "bottleneck", bf, bf, conf.BottleneckKernelSize, 1,
		conf.Activation, conf.Initializer)
	m.gru = newRecurrentBlock(g, "block", bf, bf, conf.GRUKernelSize, conf.GRUArch, conf.Initializer)
	for i := conf.Layers - 1; i >= 0; i-- {
		in := conf.FiltersAt(i + 1)
		m.decoders = append(m.decoders, newDecodeStage(g, fmt.Sprintf("dec%d", i), conf,
			in, conf.FiltersAt(i), conf.FiltersAt(i)))
	}
	m.output = newConv(g, "output", conf.Filters, 1, conf.KernelSize, 1,
		ActivationLinear, conf.Initializer)
	return m, nil
}

// Graph exposes the expression graph so callers can create their input nodes
// on it.
func (m *Model) Graph() *G.ExprGraph { return m.g }

// NewState returns a zeroed hidden-state tensor for a field grid of the
// given pixel size.
func (m *Model) NewState(pixels int) *tensor.Dense {
	return tensor.New(tensor.WithShape(m.StateShape(pixels)...), tensor.Of(Float))
}

// Apply wires one forward pass: x is the input feature grid, state the
// double-width hidden state at bottleneck resolution. It returns the decoded
// delta and the new hidden state.
func (m *Model) Apply(x, state *G.Node, training bool) (delta, newState *G.Node, err error) {
	if x.Shape()[1] != m.Channels {
		return nil, nil, errors.Errorf("input has %d channels, configured for %d", x.Shape()[1], m.Channels)
	}
	w := new(wiring)
	out := m.input.apply(w, x)

	skips := make([]*G.Node, len(m.encoders))
	for i, enc := range m.encoders {
		skips[i], out = enc.applySkip(w, out, training)
	}

	out = m.bneck.apply(w, out)
	out, newState = m.gru.step(w, out, state)

	for i, dec := range m.decoders {
		out = dec.apply(w, out, skips[len(skips)-1-i], training)
	}
	delta = m.output.apply(w, out)
	if w.err != nil {
		return nil, nil, w.err
	}
	return delta, newState, nil
}

// Weights lists every trainable node.
func (m *Model) Weights() G.Nodes {
	retVal := m.input.weights()
	for _, enc := range m.encoders {
		retVal = append(retVal, enc.weights()...)
	}
	retVal = append(retVal, m.bneck.weights()...)
	retVal = append(retVal, m.gru.weights()...)
	for _, dec := range m.decoders {
		retVal = append(retVal, dec.weights()...)
	}
	retVal = append(retVal, m.output.weights()...)
	return retVal
}

// NormLayers lists every normalization layer, in a stable order.
func (m *Model) NormLayers() []*BatchNorm {
	var retVal []*BatchNorm
	for _, enc := range m.encoders {
		retVal = append(retVal, enc.normLayers()...)
	}
	for _, dec := range m.decoders {
		retVal = append(retVal, dec.normLayers()...)
	}
	return retVal
}

// FeedRunningStats binds running statistics to every normalization layer's
// evaluation placeholders. Call before running an evaluation program.
func (m *Model) FeedRunningStats() error {
	for _, bn := range m.NormLayers() {
		if err := bn.FeedRunning(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRunningStats folds the batch statistics of the latest training run.
func (m *Model) UpdateRunningStats() error {
	for _, bn := range m.NormLayers() {
		if err := bn.UpdateRunning(); err != nil {
			return err
		}
	}
	return nil
}

// EvalStatInputs lists the placeholder nodes an evaluation program reads.
func (m *Model) EvalStatInputs() G.Nodes {
	var retVal G.Nodes
	for _, bn := range m.NormLayers() {
		retVal = append(retVal, bn.EvalInputs()...)
	}
	return retVal
}

// TrainStatOutputs lists the batch-statistic nodes a training program must
// evaluate.
func (m *Model) TrainStatOutputs() G.Nodes {
	var retVal G.Nodes
	for _, bn := range m.NormLayers() {
		retVal = append(retVal, bn.StatOutputs()...)
	}
	return retVal
}

// CopyWeightsFrom copies parameter values and running statistics from src.
// Both models must share a configuration.
func (m *Model) CopyWeightsFrom(src *Model) error {
	from := src.Weights()
	to := m.Weights()
	if len(from) != len(to) {
		return errors.Errorf("weight count mismatch: %d vs %d", len(from), len(to))
	}
	for i, n := range from {
		dst := to[i].Value().Data().([]float32)
		copy(dst, n.Value().Data().([]float32))
	}
	srcNorms := src.NormLayers()
	for i, bn := range m.NormLayers() {
		copy(bn.runningMean.Data().([]float32), srcNorms[i].runningMean.Data().([]float32))
		copy(bn.runningVar.Data().([]float32), srcNorms[i].runningVar.Data().([]float32))
	}
	return nil
}
