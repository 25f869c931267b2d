package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/Tutortoise/object-detection-demo/models"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var palette = []color.RGBA{
	hexColor(0xFF3838), hexColor(0xFF9D97), hexColor(0xFF701F), hexColor(0xFFB21D),
	hexColor(0xCFD231), hexColor(0x48F90A), hexColor(0x92CC17), hexColor(0x3DDB86),
	hexColor(0x1A9334), hexColor(0x00D4BB), hexColor(0x2C99A8), hexColor(0x00C2FF),
	hexColor(0x344593), hexColor(0x6473FF), hexColor(0x0018EC), hexColor(0x8438FF),
	hexColor(0x520085), hexColor(0xCB38FF), hexColor(0xFF95C8), hexColor(0xFF37C7),
}

func hexColor(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// ClassColor returns the box colour used for a class id.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

const labelPadding = 2

// annotate draws every detection over a copy of img.
func annotate(img image.Image, detections []models.Detection) *image.RGBA {
	bounds := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), img, bounds.Min, draw.Src)

	lineWidth := int(math.Max(math.Round(float64(bounds.Dx()+bounds.Dy())/2*0.003), 2))

	for _, det := range detections {
		col := ClassColor(det.ClassID)
		x1, y1, x2, y2 := int(det.BBox[0]), int(det.BBox[1]), int(det.BBox[2]), int(det.BBox[3])
		drawRect(canvas, x1, y1, x2, y2, lineWidth, col)
		drawLabel(canvas, x1, y1, fmt.Sprintf("%s %.2f", det.Label, det.Confidence), col)
	}

	return canvas
}

func drawRect(img *image.RGBA, x1, y1, x2, y2, thickness int, col color.Color) {
	bounds := img.Bounds()

	setPixel := func(x, y int) {
		if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
			img.Set(x, y, col)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(x, y1+t)
			setPixel(x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			setPixel(x1+t, y)
			setPixel(x2-t, y)
		}
	}
}

// drawLabel writes text on a filled box above (x, y), or just inside the box
// when there is no room above it.
func drawLabel(img *image.RGBA, x, y int, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(textColor(bg)), Face: face}

	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	height := metrics.Height.Ceil() + 2*labelPadding
	width := d.MeasureString(text).Ceil() + 2*labelPadding

	top := y - height
	if top < img.Bounds().Min.Y {
		top = y
	}
	box := image.Rect(x, top, x+width, top+height).Intersect(img.Bounds())
	draw.Draw(img, box, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.P(x+labelPadding, top+labelPadding+ascent)
	d.DrawString(text)
}

func textColor(bg color.RGBA) color.Color {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 160 {
		return color.Black
	}
	return color.White
}
