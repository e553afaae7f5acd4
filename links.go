package rim

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Link is an invertible reparameterization between a physical field and the
// model space the recurrence operates in. Forward maps physical to model
// space, Inverse maps model space back to physical. Inverse∘Forward is the
// identity on the physical field's valid domain.
type Link int

const (
	// LinkIdentity leaves the field untouched.
	LinkIdentity Link = iota
	// LinkExponential holds the field in log10 space; the physical field
	// must be strictly positive.
	LinkExponential
	// LinkRectified maps model space onto the non-negative reals.
	LinkRectified
	// LinkNormalized maps the unit interval affinely onto [-1, 1].
	LinkNormalized

	maxLink
)

var linkNames = [...]string{
	LinkIdentity:    "identity",
	LinkExponential: "exponential",
	LinkRectified:   "rectified",
	LinkNormalized:  "normalized",
}

func (l Link) String() string {
	if l < 0 || l >= maxLink {
		return "unknown"
	}
	return linkNames[l]
}

// ParseLink resolves a link-function name; unrecognized names are a
// configuration error.
func ParseLink(name string) (Link, error) {
	for l, n := range linkNames {
		if n == name {
			return Link(l), nil
		}
	}
	return 0, errors.Errorf("unknown link function %q", name)
}

func (l Link) valid() bool { return l >= 0 && l < maxLink }

// Forward maps a physical-space field into model space. Values outside the
// link's physical domain are a domain error.
func (l Link) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	out := x.Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	for i, v := range data {
		m, ok := l.forwardScalar(v)
		if !ok {
			return nil, errors.Errorf("%v link: physical value %v outside valid domain", l, v)
		}
		data[i] = m
	}
	return out, nil
}

// Inverse maps a model-space field back to physical space. Values the link
// has to clamp, and non-finite results, are reported through flagged rather
// than silently coerced.
func (l Link) Inverse(x *tensor.Dense) (out *tensor.Dense, flagged bool, err error) {
	out = x.Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	for i, v := range data {
		p, f := l.inverseScalar(v)
		flagged = flagged || f
		data[i] = p
	}
	return out, flagged, nil
}

func (l Link) forwardScalar(v float32) (float32, bool) {
	switch l {
	case LinkExponential:
		if v <= 0 {
			return 0, false
		}
		return math32.Log10(v), true
	case LinkRectified:
		if v < 0 {
			return 0, false
		}
		return v, true
	case LinkNormalized:
		if v < 0 || v > 1 {
			return 0, false
		}
		return 2*v - 1, true
	default:
		return v, true
	}
}

func (l Link) inverseScalar(v float32) (p float32, flagged bool) {
	if math32.IsNaN(v) || math32.IsInf(v, 0) {
		return v, true
	}
	switch l {
	case LinkExponential:
		p = math32.Pow(10, v)
		return p, math32.IsInf(p, 0)
	case LinkRectified:
		if v < 0 {
			return 0, false
		}
		return v, false
	case LinkNormalized:
		p = (v + 1) / 2
		if p < 0 {
			return 0, true
		}
		if p > 1 {
			return 1, true
		}
		return p, false
	default:
		return v, false
	}
}
