// Package viz renders reconstruction traces as labelled heatmap panels,
// for eyeballing training progress.
package viz

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"

	"github.com/chewxy/math32"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/tensor"
)

var regular *truetype.Font

const (
	dpi        = 144.0
	fontsize   = 10.0
	lineheight = 1.2
	padding    = 8
	cellScale  = 2 // screen pixels per map pixel
)

func init() {
	var err error
	if regular, err = truetype.Parse(gomono.TTF); err != nil {
		panic(err)
	}
}

// Panel is one heatmap with a caption.
type Panel struct {
	Title string
	Data  *tensor.Dense // (batch, 1, h, w); sample 0 is drawn
}

// Renderer draws rows of panels into a PNG.
type Renderer struct {
	font.Drawer
	face font.Face
}

// NewRenderer readies the fonts.
func NewRenderer() *Renderer {
	r := &Renderer{}
	r.face = truetype.NewFace(regular, &truetype.Options{
		Size:    fontsize,
		DPI:     dpi,
		Hinting: font.HintingFull,
	})
	r.Drawer.Src = image.Black
	r.Drawer.Face = r.face
	return r
}

// Render draws the panels side by side and writes the PNG.
func (r *Renderer) Render(w io.Writer, panels ...Panel) error {
	if len(panels) == 0 {
		return errors.New("nothing to render")
	}
	dy := int(math32.Ceil(fontsize * lineheight * dpi / 72))

	var totalW, maxH int
	sizes := make([]image.Point, len(panels))
	for i, p := range panels {
		h, pw, err := mapSize(p.Data)
		if err != nil {
			return err
		}
		sizes[i] = image.Pt(pw*cellScale, h*cellScale)
		totalW += sizes[i].X + padding
		if sizes[i].Y > maxH {
			maxH = sizes[i].Y
		}
	}
	canvas := image.NewRGBA(image.Rect(0, 0, totalW+padding, maxH+dy+2*padding))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	x := padding
	for i, p := range panels {
		if err := drawHeatmap(canvas, p.Data, x, padding, cellScale); err != nil {
			return err
		}
		r.Drawer.Dst = canvas
		r.Drawer.Dot = fixed.P(x, maxH+padding+dy)
		r.Drawer.DrawString(p.Title)
		x += sizes[i].X + padding
	}
	return errors.WithStack(png.Encode(w, canvas))
}

// RenderFile renders to the named PNG file.
func (r *Renderer) RenderFile(filename string, panels ...Panel) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return r.Render(f, panels...)
}

func mapSize(t *tensor.Dense) (h, w int, err error) {
	if t == nil || t.Dims() != 4 {
		return 0, 0, errors.Errorf("panel wants a (batch, 1, h, w) tensor")
	}
	s := t.Shape()
	return s[2], s[3], nil
}

// drawHeatmap maps sample 0 of the tensor onto a blue-white-red ramp
// normalized to the sample's own range.
func drawHeatmap(dst *image.RGBA, t *tensor.Dense, x0, y0, scale int) error {
	s := t.Shape()
	h, w := s[2], s[3]
	data := t.Data().([]float32)[:h*w]

	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			c := ramp((data[i*w+j] - lo) / span)
			for di := 0; di < scale; di++ {
				for dj := 0; dj < scale; dj++ {
					dst.SetRGBA(x0+j*scale+dj, y0+i*scale+di, c)
				}
			}
		}
	}
	return nil
}

// ramp maps [0,1] onto blue through white to red.
func ramp(v float32) color.RGBA {
	if math32.IsNaN(v) {
		return color.RGBA{0, 255, 0, 255} // NaNs glow green
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	if v < 0.5 {
		u := uint8(2 * v * 255)
		return color.RGBA{u, u, 255, 255}
	}
	u := uint8(2 * (1 - v) * 255)
	return color.RGBA{255, u, u, 255}
}
