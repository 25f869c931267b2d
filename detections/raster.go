package detections

import (
	"fmt"
	"image"
	"image/color"
)

type ChannelOrder string

const (
	RGB ChannelOrder = "RGB"
	BGR ChannelOrder = "BGR"
)

// Raster is a dense height x width x 3 pixel buffer. Order tells consumers how
// to interpret the three bytes of every pixel.
type Raster struct {
	Width  int
	Height int
	Order  ChannelOrder
	Pix    []uint8
}

func NewRaster(width, height int, order ChannelOrder) *Raster {
	return &Raster{
		Width:  width,
		Height: height,
		Order:  order,
		Pix:    make([]uint8, width*height*3),
	}
}

// RasterFromImage copies img into a new raster laid out in the given order.
func RasterFromImage(img image.Image, order ChannelOrder) *Raster {
	b := img.Bounds()
	r := NewRaster(b.Dx(), b.Dy(), order)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < r.Height; y++ {
			off := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			src := rgba.Pix[off : off+r.Width*4]
			dst := r.Pix[y*r.Width*3 : (y+1)*r.Width*3]
			for x := 0; x < r.Width; x++ {
				r.put(dst[x*3:x*3+3], src[x*4], src[x*4+1], src[x*4+2])
			}
		}
		return r
	}

	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*r.Width + x) * 3
			r.put(r.Pix[i:i+3], c.R, c.G, c.B)
		}
	}
	return r
}

func (r *Raster) put(px []uint8, red, green, blue uint8) {
	if r.Order == BGR {
		px[0], px[1], px[2] = blue, green, red
		return
	}
	px[0], px[1], px[2] = red, green, blue
}

// Shape returns (height, width, channels).
func (r *Raster) Shape() (int, int, int) {
	return r.Height, r.Width, 3
}

func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*3 {
		return fmt.Errorf("raster buffer length %d does not match %dx%dx3", len(r.Pix), r.Height, r.Width)
	}
	if r.Order != RGB && r.Order != BGR {
		return fmt.Errorf("unknown channel order %q", r.Order)
	}
	return nil
}

// At returns the pixel at (x, y) as RGB regardless of the storage order.
func (r *Raster) At(x, y int) color.RGBA {
	i := (y*r.Width + x) * 3
	if r.Order == BGR {
		return color.RGBA{R: r.Pix[i+2], G: r.Pix[i+1], B: r.Pix[i], A: 255}
	}
	return color.RGBA{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2], A: 255}
}

// ToImage converts the raster to an opaque RGBA image, honouring Order.
func (r *Raster) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			c := r.At(x, y)
			o := y*img.Stride + x*4
			img.Pix[o] = c.R
			img.Pix[o+1] = c.G
			img.Pix[o+2] = c.B
			img.Pix[o+3] = 255
		}
	}
	return img
}
