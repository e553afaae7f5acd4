package physics

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fftConvolve evaluates the same centered convolution as convSame (or
// correlateSame when correlate is set) in the frequency domain. The grids
// are zero-padded to the next power of two that prevents circular
// wraparound.
func fftConvolve(in []float32, n int, k []float32, kn int, out []float32, correlate bool) {
	m := 1
	for m < n+kn {
		m <<= 1
	}
	fft := fourier.NewCmplxFFT(m)

	a := make([]complex128, m*m)
	b := make([]complex128, m*m)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a[i*m+j] = complex(float64(in[i*n+j]), 0)
		}
	}
	// place the kernel so its center sits at the origin
	c := kn / 2
	for di := -c; di <= c; di++ {
		for dj := -c; dj <= c; dj++ {
			v := k[(di+c)*kn+(dj+c)]
			if v == 0 {
				continue
			}
			si, sj := di, dj
			if correlate {
				si, sj = -di, -dj
			}
			b[((si+m)%m)*m+((sj+m)%m)] = complex(float64(v), 0)
		}
	}

	fft2(fft, a, m, false)
	fft2(fft, b, m, false)
	for i := range a {
		a[i] *= b[i]
	}
	fft2(fft, a, m, true)

	norm := float64(m * m)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = float32(real(a[i*m+j]) / norm)
		}
	}
}

// fft2 transforms a square grid in place, rows then columns. The inverse
// pass leaves the gonum normalization to the caller.
func fft2(fft *fourier.CmplxFFT, a []complex128, m int, inverse bool) {
	row := make([]complex128, m)
	for i := 0; i < m; i++ {
		copy(row, a[i*m:(i+1)*m])
		if inverse {
			fft.Sequence(a[i*m:(i+1)*m], row)
		} else {
			fft.Coefficients(a[i*m:(i+1)*m], row)
		}
	}
	col := make([]complex128, m)
	dst := make([]complex128, m)
	for j := 0; j < m; j++ {
		for i := 0; i < m; i++ {
			col[i] = a[i*m+j]
		}
		if inverse {
			fft.Sequence(dst, col)
		} else {
			fft.Coefficients(dst, col)
		}
		for i := 0; i < m; i++ {
			a[i*m+j] = dst[i]
		}
	}
}
