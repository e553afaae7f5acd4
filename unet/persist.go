package unet

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// GobEncode serializes the weight values and running statistics.
func (m *Model) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, n := range m.Weights() {
		v := n.Value()
		if err := enc.Encode(&v); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, bn := range m.NormLayers() {
		if err := enc.Encode(bn.runningMean); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := enc.Encode(bn.runningVar); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode restores weight values and running statistics into an already
// constructed model. The configuration must match the one the weights were
// saved with.
func (m *Model) GobDecode(p []byte) error {
	buf := bytes.NewBuffer(p)
	dec := gob.NewDecoder(buf)
	for _, n := range m.Weights() {
		var v G.Value
		if err := dec.Decode(&v); err != nil {
			return errors.WithStack(err)
		}
		if err := G.Let(n, v); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, bn := range m.NormLayers() {
		if err := dec.Decode(bn.runningMean); err != nil {
			return errors.WithStack(err)
		}
		if err := dec.Decode(bn.runningVar); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Save writes the weights to filename.
func (m *Model) Save(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return m.WriteTo(f)
}

// Load restores weights from filename into the model.
func (m *Model) Load(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return m.ReadFrom(f)
}

func (m *Model) WriteTo(w io.Writer) error {
	return gob.NewEncoder(w).Encode(m)
}

func (m *Model) ReadFrom(r io.Reader) error {
	return gob.NewDecoder(r).Decode(m)
}
