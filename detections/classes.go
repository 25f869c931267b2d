package detections

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ClassNames maps class ids to human readable labels.
type ClassNames []string

func (n ClassNames) Name(id int) string {
	if id >= 0 && id < len(n) {
		return n[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// datasetFile is the subset of an Ultralytics data.yaml we care about. Names
// may be written as a list or as an {id: name} mapping.
type datasetFile struct {
	Names yaml.Node `yaml:"names"`
}

// LoadClassNames reads class names from a data.yaml style file.
func LoadClassNames(path string) (ClassNames, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class names: %w", err)
	}
	return ParseClassNames(raw)
}

func ParseClassNames(raw []byte) (ClassNames, error) {
	var ds datasetFile
	if err := yaml.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("parse class names: %w", err)
	}

	switch ds.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := ds.Names.Decode(&names); err != nil {
			return nil, fmt.Errorf("decode class name list: %w", err)
		}
		return names, nil
	case yaml.MappingNode:
		var byID map[int]string
		if err := ds.Names.Decode(&byID); err != nil {
			return nil, fmt.Errorf("decode class name map: %w", err)
		}
		ids := make([]int, 0, len(byID))
		for id := range byID {
			if id < 0 {
				return nil, fmt.Errorf("negative class id %d", id)
			}
			ids = append(ids, id)
		}
		sort.Ints(ids)
		if len(ids) == 0 {
			return nil, fmt.Errorf("no class names found")
		}
		names := make(ClassNames, ids[len(ids)-1]+1)
		for i := range names {
			names[i] = fmt.Sprintf("class_%d", i)
		}
		for id, name := range byID {
			names[id] = name
		}
		return names, nil
	default:
		return nil, fmt.Errorf("no class names found")
	}
}

// CocoClassNames are the labels of the pretrained COCO checkpoints, used when
// no dataset file is configured and the model has 80 classes.
var CocoClassNames = ClassNames{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog",
	"horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich",
	"orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote",
	"keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
