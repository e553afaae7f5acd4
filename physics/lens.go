package physics

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// LensConfig describes the simulator geometry. The convergence field shares
// the image-plane grid; the source lives on its own grid and field of view.
type LensConfig struct {
	Pixels       int     // image-plane (and convergence) grid size
	SourcePixels int     // source-plane grid size
	ImageFOV     float64 // image-plane field of view, arcsec
	SourceFOV    float64 // source-plane field of view, arcsec
	Method       Method

	// FluxMultiplier weighs the total-flux constraint folded into the
	// likelihood gradient. Zero disables the constraint.
	FluxMultiplier float32
}

func (conf LensConfig) IsValid() bool {
	return conf.Pixels >= 4 &&
		conf.SourcePixels >= 4 &&
		conf.ImageFOV > 0 &&
		conf.SourceFOV > 0 &&
		conf.Method >= 0 && conf.Method < maxMethod &&
		conf.FluxMultiplier >= 0
}

// Lens is an analytic-convolution lens simulator: deflection angles are the
// convolution of the convergence with the fixed kernels of the thin-lens
// integral, ray tracing is bilinear interpolation of the source at the
// deflected positions, and the instrument blur is the PSF correlation.
type Lens struct {
	conf LensConfig

	kernelX, kernelY []float32 // (2*Pixels-1)^2 deflection kernels
	kn               int
	thetaX, thetaY   []float32 // image-plane pixel coordinates
	srcDelta         float64   // source pixel scale
}

var _ Model = (*Lens)(nil)

// NewLens precomputes the deflection kernels and the image-plane grid.
func NewLens(conf LensConfig) (*Lens, error) {
	if !conf.IsValid() {
		return nil, errors.Errorf("invalid lens config %+v", conf)
	}
	np := conf.Pixels
	delta := conf.ImageFOV / float64(np)
	area := delta * delta

	l := &Lens{
		conf:     conf,
		kn:       2*np - 1,
		kernelX:  make([]float32, (2*np-1)*(2*np-1)),
		kernelY:  make([]float32, (2*np-1)*(2*np-1)),
		thetaX:   make([]float32, np*np),
		thetaY:   make([]float32, np*np),
		srcDelta: conf.SourceFOV / float64(conf.SourcePixels),
	}

	c := np - 1
	for di := -c; di <= c; di++ {
		for dj := -c; dj <= c; dj++ {
			idx := (di+c)*l.kn + (dj + c)
			dx := float64(dj) * delta
			dy := float64(di) * delta
			r2 := dx*dx + dy*dy
			if r2 == 0 {
				continue
			}
			l.kernelX[idx] = float32(dx / r2 * area / math.Pi)
			l.kernelY[idx] = float32(dy / r2 * area / math.Pi)
		}
	}
	for i := 0; i < np; i++ {
		for j := 0; j < np; j++ {
			l.thetaX[i*np+j] = float32(-conf.ImageFOV/2 + (float64(j)+0.5)*delta)
			l.thetaY[i*np+j] = float32(-conf.ImageFOV/2 + (float64(i)+0.5)*delta)
		}
	}
	return l, nil
}

// Forward simulates the lensed, PSF-blurred image.
func (l *Lens) Forward(source, kappa, psf *tensor.Dense) (*tensor.Dense, error) {
	b, err := l.checkShapes(source, kappa, psf)
	if err != nil {
		return nil, err
	}
	np := l.conf.Pixels
	out := tensor.New(tensor.WithShape(b, 1, np, np), tensor.Of(tensor.Float32))

	srcData := source.Data().([]float32)
	kapData := kappa.Data().([]float32)
	psfData := psf.Data().([]float32)
	outData := out.Data().([]float32)
	pn := psf.Shape()[2]

	plane := np * np
	srcPlane := l.conf.SourcePixels * l.conf.SourcePixels
	ax := make([]float32, plane)
	ay := make([]float32, plane)
	ideal := make([]float32, plane)
	fy := make([]float32, plane)
	fx := make([]float32, plane)
	for s := 0; s < b; s++ {
		kap := kapData[s*plane : (s+1)*plane]
		src := srcData[s*srcPlane : (s+1)*srcPlane]
		p := psfData[s*pn*pn : (s+1)*pn*pn]

		l.deflect(kap, ax, ay)
		l.rayTrace(ax, ay, fy, fx)
		sampleBilinear(src, l.conf.SourcePixels, fy, fx, ideal)
		l.correlate(ideal, np, p, pn, outData[s*plane:(s+1)*plane])
	}
	return out, nil
}

// Gradient evaluates the gradient of
//
//	1/2 Σ ((sim-obs)/σ)² + λ (Σsim - Σobs)²
//
// with respect to source and convergence, by applying the adjoints of the
// PSF correlation, the ray-trace interpolation and the deflection
// convolution to the weighted residual.
func (l *Lens) Gradient(source, kappa, observed *tensor.Dense, noiseRMS []float32, psf *tensor.Dense) (*Gradients, error) {
	b, err := l.checkShapes(source, kappa, psf)
	if err != nil {
		return nil, err
	}
	np := l.conf.Pixels
	ns := l.conf.SourcePixels
	if !observed.Shape().Eq(tensor.Shape{b, 1, np, np}) {
		return nil, errors.Errorf("observation shape %v, want %v", observed.Shape(), tensor.Shape{b, 1, np, np})
	}
	if len(noiseRMS) != b {
		return nil, errors.Errorf("noise level has %d entries for a batch of %d", len(noiseRMS), b)
	}

	gs := tensor.New(tensor.WithShape(b, 1, ns, ns), tensor.Of(tensor.Float32))
	gk := tensor.New(tensor.WithShape(b, 1, np, np), tensor.Of(tensor.Float32))
	chi2 := make([]float32, b)

	srcData := source.Data().([]float32)
	kapData := kappa.Data().([]float32)
	obsData := observed.Data().([]float32)
	psfData := psf.Data().([]float32)
	gsData := gs.Data().([]float32)
	gkData := gk.Data().([]float32)
	pn := psf.Shape()[2]

	plane := np * np
	srcPlane := ns * ns
	ax := make([]float32, plane)
	ay := make([]float32, plane)
	fy := make([]float32, plane)
	fx := make([]float32, plane)
	ideal := make([]float32, plane)
	sim := make([]float32, plane)
	wr := make([]float32, plane)
	t1 := make([]float32, plane)
	sgx := make([]float32, srcPlane)
	sgy := make([]float32, srcPlane)
	sxb := make([]float32, plane)
	syb := make([]float32, plane)
	adjX := make([]float32, plane)
	adjY := make([]float32, plane)
	tmp := make([]float32, plane)

	for s := 0; s < b; s++ {
		kap := kapData[s*plane : (s+1)*plane]
		src := srcData[s*srcPlane : (s+1)*srcPlane]
		obs := obsData[s*plane : (s+1)*plane]
		p := psfData[s*pn*pn : (s+1)*pn*pn]

		l.deflect(kap, ax, ay)
		l.rayTrace(ax, ay, fy, fx)
		sampleBilinear(src, ns, fy, fx, ideal)
		l.correlate(ideal, np, p, pn, sim)

		sigma2 := noiseRMS[s] * noiseRMS[s]
		var flux float32
		for i, v := range sim {
			r := v - obs[i]
			chi2[s] += 0.5 * r * r / sigma2
			flux += r
			wr[i] = r / sigma2
		}
		if l.conf.FluxMultiplier > 0 {
			for i := range wr {
				wr[i] += 2 * l.conf.FluxMultiplier * flux
			}
		}

		// adjoint of the PSF correlation
		l.convolve(wr, np, p, pn, t1)

		// adjoint of the ray-trace interpolation
		scatterBilinear(t1, fy, fx, ns, gsData[s*srcPlane:(s+1)*srcPlane])

		// chain through the deflection field
		centralDiff(src, ns, float32(l.srcDelta), sgx, sgy)
		sampleBilinear(sgx, ns, fy, fx, sxb)
		sampleBilinear(sgy, ns, fy, fx, syb)
		for i := range t1 {
			adjX[i] = -t1[i] * sxb[i]
			adjY[i] = -t1[i] * syb[i]
		}
		gkOut := gkData[s*plane : (s+1)*plane]
		l.correlateAdj(adjX, np, l.kernelX, l.kn, gkOut)
		l.correlateAdj(adjY, np, l.kernelY, l.kn, tmp)
		for i := range gkOut {
			gkOut[i] += tmp[i]
		}
	}
	return &Gradients{Source: gs, Kappa: gk, ChiSquared: chi2}, nil
}

func (l *Lens) checkShapes(source, kappa, psf *tensor.Dense) (batch int, err error) {
	np := l.conf.Pixels
	ns := l.conf.SourcePixels
	ks := kappa.Shape()
	if len(ks) != 4 || ks[1] != 1 || ks[2] != np || ks[3] != np {
		return 0, errors.Errorf("convergence shape %v, want (b, 1, %d, %d)", ks, np, np)
	}
	batch = ks[0]
	if !source.Shape().Eq(tensor.Shape{batch, 1, ns, ns}) {
		return 0, errors.Errorf("source shape %v, want %v", source.Shape(), tensor.Shape{batch, 1, ns, ns})
	}
	ps := psf.Shape()
	if len(ps) != 4 || ps[0] != batch || ps[1] != 1 || ps[2] != ps[3] || ps[2]%2 == 0 {
		return 0, errors.Errorf("psf shape %v, want (%d, 1, k, k) with odd k", ps, batch)
	}
	return batch, nil
}

// deflect convolves the convergence with the deflection kernels.
func (l *Lens) deflect(kappa, ax, ay []float32) {
	np := l.conf.Pixels
	l.convolve(kappa, np, l.kernelX, l.kn, ax)
	l.convolve(kappa, np, l.kernelY, l.kn, ay)
}

// rayTrace maps each image pixel to fractional source-grid coordinates via
// the lens equation β = θ - α.
func (l *Lens) rayTrace(ax, ay, fy, fx []float32) {
	half := float32(l.conf.SourceFOV / 2)
	d := float32(l.srcDelta)
	for i := range ax {
		bx := l.thetaX[i] - ax[i]
		by := l.thetaY[i] - ay[i]
		fx[i] = (bx+half)/d - 0.5
		fy[i] = (by+half)/d - 0.5
	}
}

func (l *Lens) convolve(in []float32, n int, k []float32, kn int, out []float32) {
	if l.conf.Method == MethodFFT {
		fftConvolve(in, n, k, kn, out, false)
		return
	}
	convSame(in, n, k, kn, out)
}

func (l *Lens) correlate(in []float32, n int, k []float32, kn int, out []float32) {
	if l.conf.Method == MethodFFT {
		fftConvolve(in, n, k, kn, out, true)
		return
	}
	correlateSame(in, n, k, kn, out)
}

// correlateAdj is the adjoint of convolve.
func (l *Lens) correlateAdj(in []float32, n int, k []float32, kn int, out []float32) {
	l.correlate(in, n, k, kn, out)
}

// convSame computes out[i] = Σ_d k[d] in[i-d] over the centered kernel
// window, with zero padding.
func convSame(in []float32, n int, k []float32, kn int, out []float32) {
	c := kn / 2
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for di := -c; di <= c; di++ {
				si := i - di
				if si < 0 || si >= n {
					continue
				}
				for dj := -c; dj <= c; dj++ {
					sj := j - dj
					if sj < 0 || sj >= n {
						continue
					}
					acc += k[(di+c)*kn+(dj+c)] * in[si*n+sj]
				}
			}
			out[i*n+j] = acc
		}
	}
}

// correlateSame computes out[i] = Σ_d k[d] in[i+d].
func correlateSame(in []float32, n int, k []float32, kn int, out []float32) {
	c := kn / 2
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for di := -c; di <= c; di++ {
				si := i + di
				if si < 0 || si >= n {
					continue
				}
				for dj := -c; dj <= c; dj++ {
					sj := j + dj
					if sj < 0 || sj >= n {
						continue
					}
					acc += k[(di+c)*kn+(dj+c)] * in[si*n+sj]
				}
			}
			out[i*n+j] = acc
		}
	}
}

// sampleBilinear reads src at fractional coordinates (fy, fx); rays landing
// outside the source grid contribute zero flux.
func sampleBilinear(src []float32, n int, fy, fx, out []float32) {
	for i := range fy {
		y, x := fy[i], fx[i]
		y0 := int(math32.Floor(y))
		x0 := int(math32.Floor(x))
		wy := y - float32(y0)
		wx := x - float32(x0)

		var acc float32
		acc += pick(src, n, y0, x0) * (1 - wy) * (1 - wx)
		acc += pick(src, n, y0, x0+1) * (1 - wy) * wx
		acc += pick(src, n, y0+1, x0) * wy * (1 - wx)
		acc += pick(src, n, y0+1, x0+1) * wy * wx
		out[i] = acc
	}
}

// scatterBilinear is the exact adjoint of sampleBilinear: each image-plane
// value is distributed onto the four source pixels it sampled.
func scatterBilinear(vals, fy, fx []float32, n int, out []float32) {
	for i := range out {
		out[i] = 0
	}
	put := func(y, x int, v float32) {
		if y < 0 || y >= n || x < 0 || x >= n {
			return
		}
		out[y*n+x] += v
	}
	for i, v := range vals {
		y, x := fy[i], fx[i]
		y0 := int(math32.Floor(y))
		x0 := int(math32.Floor(x))
		wy := y - float32(y0)
		wx := x - float32(x0)

		put(y0, x0, v*(1-wy)*(1-wx))
		put(y0, x0+1, v*(1-wy)*wx)
		put(y0+1, x0, v*wy*(1-wx))
		put(y0+1, x0+1, v*wy*wx)
	}
}

// centralDiff computes the spatial gradients of a grid, central differences
// inside, one-sided at the borders.
func centralDiff(in []float32, n int, delta float32, gx, gy []float32) {
	clamp := func(i int) int {
		if i < 0 {
			return 0
		}
		if i >= n {
			return n - 1
		}
		return i
	}
	for y := 0; y < n; y++ {
		ym, yp := clamp(y-1), clamp(y+1)
		for x := 0; x < n; x++ {
			xm, xp := clamp(x-1), clamp(x+1)
			// spans one pixel at the borders, two inside
			if xp > xm {
				gx[y*n+x] = (in[y*n+xp] - in[y*n+xm]) / (float32(xp-xm) * delta)
			} else {
				gx[y*n+x] = 0
			}
			if yp > ym {
				gy[y*n+x] = (in[yp*n+x] - in[ym*n+x]) / (float32(yp-ym) * delta)
			} else {
				gy[y*n+x] = 0
			}
		}
	}
}

func pick(src []float32, n, y, x int) float32 {
	if y < 0 || y >= n || x < 0 || x >= n {
		return 0
	}
	return src[y*n+x]
}
