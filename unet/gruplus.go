package unet

import (
	G "gorgonia.org/gorgonia"
)

// convGRUPlus is the additive gating variant: each gate sums separate input
// and state convolutions instead of convolving a concatenation. The update
// rule is otherwise identical to convGRU, so the saturation limits of the
// update gate carry over.
type convGRUPlus struct {
	resetX, resetH         *convLayer
	updateX, updateH       *convLayer
	candidateX, candidateH *convLayer
}

func newConvGRUPlus(g *G.ExprGraph, name string, in, filters, size int, init Initializer) *convGRUPlus {
	return &convGRUPlus{
		resetX:     newConv(g, name+"_reset_x", in, filters, size, 1, ActivationLinear, init),
		resetH:     newConv(g, name+"_reset_h", filters, filters, size, 1, ActivationLinear, init),
		updateX:    newConv(g, name+"_update_x", in, filters, size, 1, ActivationLinear, init),
		updateH:    newConv(g, name+"_update_h", filters, filters, size, 1, ActivationLinear, init),
		candidateX: newConv(g, name+"_candidate_x", in, filters, size, 1, ActivationLinear, init),
		candidateH: newConv(g, name+"_candidate_h", filters, filters, size, 1, ActivationLinear, init),
	}
}

func (c *convGRUPlus) step(w *wiring, x, state *G.Node) *G.Node {
	r := w.sigmoid(w.add(c.resetX.apply(w, x), c.resetH.apply(w, state)))
	z := w.sigmoid(w.add(c.updateX.apply(w, x), c.updateH.apply(w, state)))

	masked := w.hadamard(r, state)
	cand := w.tanh(w.add(c.candidateX.apply(w, x), c.candidateH.apply(w, masked)))

	keep := w.hadamard(w.oneMinus(z), state)
	take := w.hadamard(z, cand)
	return w.add(keep, take)
}

func (c *convGRUPlus) weights() G.Nodes {
	retVal := c.resetX.weights()
	for _, l := range []*convLayer{c.resetH, c.updateX, c.updateH, c.candidateX, c.candidateH} {
		retVal = append(retVal, l.weights()...)
	}
	return retVal
}
