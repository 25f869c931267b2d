package detections

import (
	"math"
	"sort"

	"github.com/Tutortoise/object-detection-demo/models"
)

// nonMaxSuppression keeps the highest scoring box of every group of
// same-class boxes overlapping by more than iouThreshold. The input must be
// sorted by descending confidence; the output keeps that order.
func nonMaxSuppression(detections []models.Detection, iouThreshold float64, maxDetections int) []models.Detection {
	if len(detections) == 0 {
		return nil
	}

	kept := make([]models.Detection, 0, len(detections))
	suppressed := make([]bool, len(detections))

	for i := range detections {
		if suppressed[i] {
			continue
		}
		kept = append(kept, detections[i])
		if maxDetections > 0 && len(kept) >= maxDetections {
			break
		}

		for j := i + 1; j < len(detections); j++ {
			if suppressed[j] || detections[j].ClassID != detections[i].ClassID {
				continue
			}
			if calculateIOU(detections[i].BBox, detections[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func calculateIOU(box1, box2 [4]int32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}
