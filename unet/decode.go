package unet

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// decodeStage restores one scale: repeat-upsample, resampling convolution,
// concatenation with the matching skip features, then a block of same-scale
// convolutions.
type decodeStage struct {
	resample *convLayer
	convs    []*convLayer
	norms    []*BatchNorm
	act      Activation
	dropout  float64
	strides  int
	smooth   bool
}

func newDecodeStage(g *G.ExprGraph, name string, conf Config, in, filters, skip int) *decodeStage {
	s := &decodeStage{
		act:     conf.Activation,
		dropout: conf.DropoutRate,
		strides: conf.Strides,
		smooth:  conf.UpsamplingInterpolation,
		resample: newConv(g, name+"_resample", in, filters, conf.ResamplingKernelSize, 1,
			ActivationLinear, conf.Initializer),
	}
	for i := 0; i < conf.BlockConvLayers; i++ {
		layerIn := filters
		if i == 0 {
			layerIn = filters + skip
		}
		s.convs = append(s.convs, newConv(g, fmt.Sprintf("%s_conv%d", name, i),
			layerIn, filters, conf.KernelSize, 1, ActivationLinear, conf.Initializer))
		if conf.BatchNorm {
			s.norms = append(s.norms, newBatchNorm(g, fmt.Sprintf("%s_bn%d", name, i), filters))
		}
	}
	return s
}

func (s *decodeStage) apply(w *wiring, x, skip *G.Node, training bool) *G.Node {
	x = w.upsample(x, s.strides)
	x = s.resample.apply(w, x)
	if s.smooth {
		x = w.activate(s.act, x)
	}
	x = w.concat(x, skip)
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
	return x
}

func (s *decodeStage) weights() G.Nodes {
	retVal := s.resample.weights()
	for _, c := range s.convs {
		retVal = append(retVal, c.weights()...)
	}
	for _, n := range s.norms {
		retVal = append(retVal, n.weights()...)
	}
	return retVal
}

func (s *decodeStage) normLayers() []*BatchNorm {
	return append([]*BatchNorm{}, s.norms...)
}
