package unet

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// encodeStage applies a block of same-scale convolutions followed by one
// strided downsampling convolution. Normalization and dropout are decided at
// construction: a stage built without them carries no placeholder layers.
type encodeStage struct {
	convs    []*convLayer
	norms    []*BatchNorm // nil entries never exist; empty when disabled
	down     *convLayer
	downNorm *BatchNorm
	act      Activation
	dropout  float64
}

func newEncodeStage(g *G.ExprGraph, name string, conf Config, in, filters, downFilters int) *encodeStage {
	s := &encodeStage{
		act:     conf.Activation,
		dropout: conf.DropoutRate,
	}
	for i := 0; i < conf.BlockConvLayers; i++ {
		layerIn := filters
		if i == 0 {
			layerIn = in
		}
		s.convs = append(s.convs, newConv(g, fmt.Sprintf("%s_conv%d", name, i),
			layerIn, filters, conf.KernelSize, 1, ActivationLinear, conf.Initializer))
		if conf.BatchNorm {
			s.norms = append(s.norms, newBatchNorm(g, fmt.Sprintf("%s_bn%d", name, i), filters))
		}
	}
	s.down = newConv(g, name+"_down", filters, downFilters, conf.ResamplingKernelSize,
		conf.Strides, ActivationLinear, conf.Initializer)
	if conf.BatchNorm {
		s.downNorm = newBatchNorm(g, name+"_down_bn", downFilters)
	}
	return s
}

// apply returns the downsampled features.
func (s *encodeStage) apply(w *wiring, x *G.Node, training bool) *G.Node {
	_, down := s.applySkip(w, x, training)
	return down
}

// applySkip additionally returns the pre-downsampling features for the skip
// connection into the decoding path.
func (s *encodeStage) applySkip(w *wiring, x *G.Node, training bool) (pre, down *G.Node) {
	for i, conv := range s.convs {
		x = conv.apply(w, x)
		if len(s.norms) > 0 {
			x = s.norms[i].apply(w, x, training)
		}
		x = w.activate(s.act, x)
		if training {
			x = w.dropout(x, s.dropout)
		}
	}
	pre = x
	down = s.down.apply(w, x)
	if s.downNorm != nil {
		down = s.downNorm.apply(w, down, training)
	}
	down = w.activate(s.act, down)
	return pre, down
}

func (s *encodeStage) weights() G.Nodes {
	var retVal G.Nodes
	for _, c := range s.convs {
		retVal = append(retVal, c.weights()...)
	}
	for _, n := range s.norms {
		retVal = append(retVal, n.weights()...)
	}
	retVal = append(retVal, s.down.weights()...)
	if s.downNorm != nil {
		retVal = append(retVal, s.downNorm.weights()...)
	}
	return retVal
}

func (s *encodeStage) normLayers() []*BatchNorm {
	retVal := append([]*BatchNorm{}, s.norms...)
	if s.downNorm != nil {
		retVal = append(retVal, s.downNorm)
	}
	return retVal
}
