package unet

import (
	G "gorgonia.org/gorgonia"
)

// cell is one convolutional gated recurrence step. Input features and prior
// state share spatial dimensions; the new state always has the cell's filter
// count as its channel width.
type cell interface {
	step(w *wiring, x, state *G.Node) *G.Node
	weights() G.Nodes
}

// convGRU computes reset and update gates from a single convolution over the
// channel-concatenation of input and state, and the candidate from input and
// the reset-masked state:
//
//	r = σ(conv_r([x, h]))
//	z = σ(conv_z([x, h]))
//	c = tanh(conv_c([x, r ⊙ h]))
//	h' = (1 - z) ⊙ h + z ⊙ c
type convGRU struct {
	resetGate  *convLayer
	updateGate *convLayer
	candidate  *convLayer
}

func newConvGRU(g *G.ExprGraph, name string, in, filters, size int, init Initializer) *convGRU {
	return &convGRU{
		resetGate:  newConv(g, name+"_reset", in+filters, filters, size, 1, ActivationLinear, init),
		updateGate: newConv(g, name+"_update", in+filters, filters, size, 1, ActivationLinear, init),
		candidate:  newConv(g, name+"_candidate", in+filters, filters, size, 1, ActivationLinear, init),
	}
}

func (c *convGRU) step(w *wiring, x, state *G.Node) *G.Node {
	stacked := w.concat(x, state)
	r := w.sigmoid(c.resetGate.apply(w, stacked))
	z := w.sigmoid(c.updateGate.apply(w, stacked))

	masked := w.concat(x, w.hadamard(r, state))
	cand := w.tanh(c.candidate.apply(w, masked))

	keep := w.hadamard(w.oneMinus(z), state)
	take := w.hadamard(z, cand)
	return w.add(keep, take)
}

func (c *convGRU) weights() G.Nodes {
	retVal := c.resetGate.weights()
	retVal = append(retVal, c.updateGate.weights()...)
	retVal = append(retVal, c.candidate.weights()...)
	return retVal
}
