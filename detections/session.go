package detections

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
	Size    int
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// sessionParams carries everything needed to build a session for one input size.
type sessionParams struct {
	modelPath   string
	inputName   string
	outputName  string
	size        int
	outChannels int
	threads     int
}

// numAnchors is the number of prediction columns a YOLO head emits for a
// square input of the given side.
func numAnchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := size / stride
		n += side * side
	}
	return n
}

func initSession(params sessionParams) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if params.threads > 0 {
		options.SetIntraOpNumThreads(params.threads)
		options.SetInterOpNumThreads(params.threads)
	}

	size := int64(params.size)
	inputShape := ort.NewShape(1, 3, size, size)
	outputShape := ort.NewShape(1, int64(params.outChannels), int64(numAnchors(params.size)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		params.modelPath,
		[]string{params.inputName},
		[]string{params.outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session for size %d: %w", params.size, err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		Size:    params.size,
	}, nil
}

// warmUp runs one inference on a zeroed input so the first request does not
// pay for lazy graph initialisation.
func (m *ModelSession) warmUp() error {
	data := m.Input.GetData()
	for i := range data {
		data[i] = 0
	}
	return m.Session.Run()
}
