package unet

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// recurrentBlock cascades two gated cells with an intermediate tanh
// convolution. Its hidden state is twice the filter width: the first half
// feeds the first cell, the second half the second cell, and the two cell
// outputs concatenated form the next state.
type recurrentBlock struct {
	filters int
	gru1    cell
	gru2    cell
	conv1   *convLayer
}

func newRecurrentBlock(g *G.ExprGraph, name string, in, filters, size int, arch GRUArch, init Initializer) *recurrentBlock {
	b := &recurrentBlock{
		filters: filters,
		conv1:   newConv(g, name+"_conv1", filters, filters, size, 1, ActivationTanh, init),
	}
	switch arch {
	case GRUPlus:
		b.gru1 = newConvGRUPlus(g, name+"_gru1", in, filters, size, init)
		b.gru2 = newConvGRUPlus(g, name+"_gru2", filters, filters, size, init)
	default:
		b.gru1 = newConvGRU(g, name+"_gru1", in, filters, size, init)
		b.gru2 = newConvGRU(g, name+"_gru2", filters, filters, size, init)
	}
	return b
}

// step consumes a feature grid and the double-width state, and returns the
// output features together with the recombined double-width state.
func (b *recurrentBlock) step(w *wiring, x, state *G.Node) (out, newState *G.Node) {
	if w.err == nil && state.Shape()[1] != 2*b.filters {
		w.err = errors.Errorf("recurrent state has %d channels, want %d", state.Shape()[1], 2*b.filters)
		return nil, nil
	}
	ht11 := w.channels(state, 0, b.filters)
	ht12 := w.channels(state, b.filters, 2*b.filters)

	gru1Out := b.gru1.step(w, x, ht11)
	gru1OutE := b.conv1.apply(w, gru1Out)
	gru2Out := b.gru2.step(w, gru1OutE, ht12)

	newState = w.concat(gru1Out, gru2Out)
	return gru2Out, newState
}

func (b *recurrentBlock) weights() G.Nodes {
	retVal := b.gru1.weights()
	retVal = append(retVal, b.conv1.weights()...)
	retVal = append(retVal, b.gru2.weights()...)
	return retVal
}
