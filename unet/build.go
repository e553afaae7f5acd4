package unet

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/gorgonia/ops/nn"
)

// Float is the element type of every tensor in the network.
var Float = G.Float32

// wiring threads the first graph-construction error through a chain of ops,
// so layer code reads as straight-line tensor algebra.
type wiring struct {
	err error
}

func (w *wiring) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if w.err != nil {
		return nil
	}
	if retVal, w.err = f(); w.err != nil {
		w.err = errors.WithStack(w.err)
	}
	return
}

func (w *wiring) conv2d(x, filter *G.Node, size, stride int) (retVal *G.Node) {
	if w.err != nil {
		return nil
	}
	padding := findPadding(x.Shape()[2], x.Shape()[3], size, size)
	if retVal, w.err = nnops.Conv2d(x, filter, []int{size, size}, padding, []int{stride, stride}, []int{1, 1}); w.err != nil {
		w.err = errors.WithStack(w.err)
	}
	return
}

func (w *wiring) biasAdd(x, b *G.Node) *G.Node {
	return w.do(func() (*G.Node, error) { return G.BroadcastAdd(x, b, nil, []byte{0, 2, 3}) })
}

func (w *wiring) concat(ns ...*G.Node) *G.Node {
	return w.do(func() (*G.Node, error) { return G.Concat(1, ns...) })
}

// channels slices [from, to) along the channel axis.
func (w *wiring) channels(x *G.Node, from, to int) *G.Node {
	return w.do(func() (*G.Node, error) { return G.Slice(x, nil, G.S(from, to)) })
}

func (w *wiring) sigmoid(x *G.Node) *G.Node {
	return w.do(func() (*G.Node, error) { return G.Sigmoid(x) })
}

func (w *wiring) tanh(x *G.Node) *G.Node {
	return w.do(func() (*G.Node, error) { return G.Tanh(x) })
}

func (w *wiring) hadamard(a, b *G.Node) *G.Node {
	return w.do(func() (*G.Node, error) { return G.HadamardProd(a, b) })
}

func (w *wiring) add(a, b *G.Node) *G.Node {
	return w.do(func() (*G.Node, error) { return G.Add(a, b) })
}

func (w *wiring) oneMinus(x *G.Node) *G.Node {
	one := onesLike(x)
	return w.do(func() (*G.Node, error) { return G.Sub(one, x) })
}

func (w *wiring) activate(a Activation, x *G.Node) *G.Node {
	return w.do(func() (*G.Node, error) { return a.fn()(x) })
}

func (w *wiring) upsample(x *G.Node, scale int) *G.Node {
	return w.do(func() (*G.Node, error) { return G.Upsample2D(x, scale) })
}

func (w *wiring) dropout(x *G.Node, rate float64) *G.Node {
	if rate == 0 {
		return x
	}
	return w.do(func() (*G.Node, error) { return G.Dropout(x, rate) })
}

func onesLike(x *G.Node) *G.Node {
	switch Float {
	case G.Float64:
		return G.NewConstant(float64(1))
	default:
		return G.NewConstant(float32(1))
	}
}

func findPadding(inputX, inputY, kernelX, kernelY int) []int {
	return []int{
		(inputX - 1 - inputX + kernelX) / 2,
		(inputY - 1 - inputY + kernelY) / 2,
	}
}

// convLayer is a re-invocable 2D convolution: the weight nodes are created
// once, apply may be called any number of times so unrolled steps share
// parameters.
type convLayer struct {
	w, b   *G.Node
	size   int
	stride int
	act    Activation
}

func newConv(g *G.ExprGraph, name string, in, out, size, stride int, act Activation, init Initializer) *convLayer {
	w := G.NewTensor(g, Float, 4,
		G.WithShape(out, in, size, size),
		G.WithName(fmt.Sprintf("%s_w", name)),
		G.WithInit(init.initFn()))
	b := G.NewTensor(g, Float, 4,
		G.WithShape(1, out, 1, 1),
		G.WithName(fmt.Sprintf("%s_b", name)),
		G.WithInit(G.Zeroes()))
	return &convLayer{w: w, b: b, size: size, stride: stride, act: act}
}

func (l *convLayer) apply(w *wiring, x *G.Node) *G.Node {
	out := w.conv2d(x, l.w, l.size, l.stride)
	out = w.biasAdd(out, l.b)
	return w.activate(l.act, out)
}

func (l *convLayer) weights() G.Nodes { return G.Nodes{l.w, l.b} }

