package models

import "time"

// Detection is one box in original image pixel coordinates (x1, y1, x2, y2).
type Detection struct {
	BBox       [4]int32 `json:"bbox"`
	Confidence float32  `json:"confidence"`
	ClassID    int      `json:"class_id"`
	Label      string   `json:"label"`
}

func (d Detection) Width() int32 {
	return d.BBox[2] - d.BBox[0]
}

func (d Detection) Height() int32 {
	return d.BBox[3] - d.BBox[1]
}

type ProcessingTimings struct {
	RequestID   string        `json:"request_id"`
	ImageDecode time.Duration `json:"image_decode"`
	TempWrite   time.Duration `json:"temp_write"`
	Resize      time.Duration `json:"resize"`
	Preprocess  time.Duration `json:"preprocess"`
	Inference   time.Duration `json:"inference"`
	Postprocess time.Duration `json:"postprocess"`
	Render      time.Duration `json:"render"`
	Total       time.Duration `json:"total"`
}
