package detections

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/Tutortoise/object-detection-demo/models"
)

type postprocessOptions struct {
	inputSize      int
	numClasses     int
	confThreshold  float32
	iouThreshold   float64
	maxDetections  int
	originalWidth  int
	originalHeight int
	names          ClassNames
}

// processPredictions decodes a (4+numClasses) x anchors output tensor into
// boxes in original image coordinates, followed by per-class NMS.
func processPredictions(predictions []float32, opts postprocessOptions) ([]models.Detection, error) {
	channels := BoxChannels + opts.numClasses
	if opts.numClasses <= 0 {
		return nil, fmt.Errorf("model reports %d classes", opts.numClasses)
	}
	if len(predictions)%channels != 0 {
		return nil, fmt.Errorf("unexpected predictions length: %d is not a multiple of %d channels", len(predictions), channels)
	}
	numPredictions := len(predictions) / channels

	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []models.Detection, numWorkers)

	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			localDetections := make([]models.Detection, 0, 16)

			for start := range jobs {
				end := min(start+chunkSize, numPredictions)

				for i := start; i < end; i++ {
					classID, confidence := bestClass(predictions, numPredictions, opts.numClasses, i)
					if confidence < opts.confThreshold {
						continue
					}
					bbox := calculateBBox(
						[4]float32{
							predictions[i],
							predictions[numPredictions+i],
							predictions[2*numPredictions+i],
							predictions[3*numPredictions+i],
						},
						opts.inputSize,
						float32(opts.originalWidth),
						float32(opts.originalHeight),
					)
					if bbox[2] <= bbox[0] || bbox[3] <= bbox[1] {
						continue
					}
					localDetections = append(localDetections, models.Detection{
						BBox:       bbox,
						Confidence: confidence,
						ClassID:    classID,
						Label:      opts.names.Name(classID),
					})
				}
			}

			if len(localDetections) > 0 {
				results <- localDetections
			}
		}()
	}

	go func() {
		for i := 0; i < numPredictions; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var detections []models.Detection
	for chunk := range results {
		detections = append(detections, chunk...)
	}

	sortDetectionsByConfidence(detections)
	return nonMaxSuppression(detections, opts.iouThreshold, opts.maxDetections), nil
}

func bestClass(predictions []float32, numPredictions, numClasses, i int) (int, float32) {
	best, score := 0, float32(-1)
	for c := 0; c < numClasses; c++ {
		if v := predictions[(BoxChannels+c)*numPredictions+i]; v > score {
			best, score = c, v
		}
	}
	return best, score
}

// calculateBBox converts a centre-format box in input pixels to corners in
// original image pixels, clamped to the image.
func calculateBBox(coords [4]float32, inputSize int, origWidth, origHeight float32) [4]int32 {
	scaleX := origWidth / float32(inputSize)
	scaleY := origHeight / float32(inputSize)

	centerX, centerY := coords[0], coords[1]
	width, height := coords[2], coords[3]

	x1 := (centerX - width/2) * scaleX
	y1 := (centerY - height/2) * scaleY
	x2 := (centerX + width/2) * scaleX
	y2 := (centerY + height/2) * scaleY

	return [4]int32{
		int32(max(0, x1)),
		int32(max(0, y1)),
		int32(min(origWidth, x2)),
		int32(min(origHeight, y2)),
	}
}
