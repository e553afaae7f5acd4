package unet

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
)

// ToDot renders the layer topology as a graphviz document: one node per
// stage, labelled with its filter counts, and edges for the feature path,
// the skip connections and the recurrent state loop.
func (m *Model) ToDot() string {
	g := gographviz.NewGraph()
	if err := g.SetName("unet"); err != nil {
		panic(err)
	}
	g.SetDir(true)

	node := func(name, label string) {
		g.AddNode("unet", name, map[string]string{
			"shape": "box",
			"label": fmt.Sprintf("%q", label),
		})
	}
	edge := func(from, to string, attrs map[string]string) {
		g.AddEdge(from, to, true, attrs)
	}

	node("input", fmt.Sprintf("input conv %dx%d, %d filters", m.InputKernelSize, m.InputKernelSize, m.Filters))
	prev := "input"
	for i := range m.encoders {
		name := fmt.Sprintf("enc%d", i)
		node(name, fmt.Sprintf("encode %d: %d conv x%d, down to %d", i,
			m.FiltersAt(i), m.BlockConvLayers, m.FiltersAt(i+1)))
		edge(prev, name, nil)
		prev = name
	}
	node("bottleneck", fmt.Sprintf("bottleneck conv %dx%d", m.BottleneckKernelSize, m.BottleneckKernelSize))
	edge(prev, "bottleneck", nil)
	node("gru", fmt.Sprintf("recurrent block (%s), %d filters, state %d",
		m.GRUArch, m.BottleneckFilters(), 2*m.BottleneckFilters()))
	edge("bottleneck", "gru", nil)
	edge("gru", "gru", map[string]string{"style": "dashed", "label": "state"})
	prev = "gru"
	for i := range m.decoders {
		lvl := m.Layers - 1 - i
		name := fmt.Sprintf("dec%d", lvl)
		node(name, fmt.Sprintf("decode %d: up x%d, %d filters", lvl, m.Strides, m.FiltersAt(lvl)))
		edge(prev, name, nil)
		edge(fmt.Sprintf("enc%d", lvl), name, map[string]string{"style": "dotted", "label": "skip"})
		prev = name
	}
	node("output", "output conv, 1 channel delta")
	edge(prev, "output", nil)
	return g.String()
}
