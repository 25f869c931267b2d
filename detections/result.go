package detections

import (
	"image"

	"github.com/Tutortoise/object-detection-demo/models"
)

// Result is the output of one inference call on one image.
type Result struct {
	OrigImage image.Image
	InputSize int
	Boxes     []models.Detection
	Names     ClassNames
	Timings   models.ProcessingTimings
}

// NewEmptyResult wraps img in a result with no detections.
func NewEmptyResult(img image.Image, names ClassNames) *Result {
	return &Result{OrigImage: img, Names: names}
}

func (r *Result) Width() int {
	return r.OrigImage.Bounds().Dx()
}

func (r *Result) Height() int {
	return r.OrigImage.Bounds().Dy()
}

// Plot draws the detections over the original image and returns the
// annotated pixels in BGR order.
func (r *Result) Plot() *Raster {
	return RasterFromImage(annotate(r.OrigImage, r.Boxes), BGR)
}

// Counts returns the number of detections per label.
func (r *Result) Counts() map[string]int {
	counts := make(map[string]int, len(r.Boxes))
	for _, b := range r.Boxes {
		counts[b.Label]++
	}
	return counts
}
