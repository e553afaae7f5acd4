package physics

import (
	"math"

	"gorgonia.org/tensor"
)

// GaussianSource fills a batch of source grids with elliptical gaussian
// blobs. Positions and widths are in the source field-of-view units.
func GaussianSource(batch, pixels int, fov, x0, y0, sigma, amplitude float64) *tensor.Dense {
	out := tensor.New(tensor.WithShape(batch, 1, pixels, pixels), tensor.Of(tensor.Float32))
	data := out.Data().([]float32)
	delta := fov / float64(pixels)
	plane := pixels * pixels
	for i := 0; i < pixels; i++ {
		for j := 0; j < pixels; j++ {
			x := -fov/2 + (float64(j)+0.5)*delta
			y := -fov/2 + (float64(i)+0.5)*delta
			r2 := (x-x0)*(x-x0) + (y-y0)*(y-y0)
			v := float32(amplitude * math.Exp(-r2/(2*sigma*sigma)))
			for s := 0; s < batch; s++ {
				data[s*plane+i*pixels+j] = v
			}
		}
	}
	return out
}

// IsothermalKappa fills a batch of convergence grids with the softened
// isothermal profile κ(θ) = θ_E / (2 sqrt(|θ|² + s²)).
func IsothermalKappa(batch, pixels int, fov, einsteinRadius, core float64) *tensor.Dense {
	out := tensor.New(tensor.WithShape(batch, 1, pixels, pixels), tensor.Of(tensor.Float32))
	data := out.Data().([]float32)
	delta := fov / float64(pixels)
	plane := pixels * pixels
	for i := 0; i < pixels; i++ {
		for j := 0; j < pixels; j++ {
			x := -fov/2 + (float64(j)+0.5)*delta
			y := -fov/2 + (float64(i)+0.5)*delta
			v := float32(einsteinRadius / (2 * math.Sqrt(x*x+y*y+core*core)))
			for s := 0; s < batch; s++ {
				data[s*plane+i*pixels+j] = v
			}
		}
	}
	return out
}

// GaussianPSF fills a batch of normalized gaussian blur kernels. The kernel
// size must be odd; fwhm is in pixels.
func GaussianPSF(batch, size int, fwhm float64) *tensor.Dense {
	out := tensor.New(tensor.WithShape(batch, 1, size, size), tensor.Of(tensor.Float32))
	data := out.Data().([]float32)
	sigma := fwhm / (2 * math.Sqrt(2*math.Log(2)))
	c := size / 2
	var sum float64
	kernel := make([]float64, size*size)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			dy := float64(i - c)
			dx := float64(j - c)
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			kernel[i*size+j] = v
			sum += v
		}
	}
	plane := size * size
	for i, v := range kernel {
		for s := 0; s < batch; s++ {
			data[s*plane+i] = float32(v / sum)
		}
	}
	return out
}
