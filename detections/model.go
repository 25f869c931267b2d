package detections

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

type ModelOptions struct {
	ModelPath         string
	SharedLibraryPath string
	ClassNamesPath    string
	ConfThreshold     float32
	IouThreshold      float64
	MaxDetections     int
	PoolSize          int
	Threads           int
	Logger            logrus.FieldLogger
}

// ModelInfo describes a loaded model for display.
type ModelInfo struct {
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	DefaultSize int      `json:"default_size"`
	Dynamic     bool     `json:"dynamic"`
	NumClasses  int      `json:"num_classes"`
	Names       []string `json:"names"`
}

// Model is the process-wide handle on a loaded YOLO network. It is created
// once by LoadModel and only read afterwards; sessions are handed out per
// request through pools keyed by input size.
type Model struct {
	info          ModelInfo
	outChannels   int
	names         ClassNames
	confThreshold float32
	iouThreshold  float64
	maxDetections int
	poolSize      int
	threads       int
	preprocessor  *Preprocessor
	log           logrus.FieldLogger
	ownsEnv       bool
	newSession    func(sessionParams) (*ModelSession, error)

	mu    sync.Mutex
	pools map[int]*ModelSessionPool
	// recent lists the pooled sizes, least recently used first.
	recent []int
}

func loadError(message string, cause error) error {
	return NewProcessingError(StageLoad, message, cause)
}

// LoadModel opens the ONNX model at opts.ModelPath and prepares a warmed-up
// session pool for its default input size.
func LoadModel(opts ModelOptions) (*Model, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, loadError(fmt.Sprintf("model file not found: %s", opts.ModelPath), err)
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		if opts.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(opts.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, loadError("failed to initialize ONNX runtime", err)
		}
		ownsEnv = true
	}

	m, err := newModel(opts)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, err
	}
	m.ownsEnv = ownsEnv

	return m, nil
}

func newModel(opts ModelOptions) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, loadError("failed to read model inputs and outputs", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, loadError(fmt.Sprintf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs)), nil)
	}

	in, out := inputs[0], outputs[0]
	if len(in.Dimensions) != 4 {
		return nil, loadError(fmt.Sprintf("input %q has shape %v, expected NCHW", in.Name, in.Dimensions), nil)
	}
	if len(out.Dimensions) != 3 {
		return nil, loadError(fmt.Sprintf("output %q has shape %v, expected (batch, 4+classes, anchors)", out.Name, out.Dimensions), nil)
	}

	defaultSize, dynamic := DefaultInputSize, true
	if h, w := in.Dimensions[2], in.Dimensions[3]; h > 0 && w > 0 {
		if h != w {
			return nil, loadError(fmt.Sprintf("non-square input %dx%d is not supported", w, h), nil)
		}
		defaultSize, dynamic = int(h), false
	}

	var names ClassNames
	if opts.ClassNamesPath != "" {
		names, err = LoadClassNames(opts.ClassNamesPath)
		if err != nil {
			return nil, loadError("failed to load class names", err)
		}
	}

	outChannels := int(out.Dimensions[1])
	if outChannels <= 0 {
		if len(names) == 0 {
			return nil, loadError("model output has a dynamic class dimension and no class names were configured", nil)
		}
		outChannels = BoxChannels + len(names)
	}
	numClasses := outChannels - BoxChannels
	if numClasses <= 0 {
		return nil, loadError(fmt.Sprintf("output %q has %d channels, expected more than %d", out.Name, outChannels, BoxChannels), nil)
	}

	if names == nil && numClasses == len(CocoClassNames) {
		names = CocoClassNames
	}
	if len(names) > 0 && len(names) != numClasses {
		opts.Logger.WithFields(logrus.Fields{
			"names":   len(names),
			"classes": numClasses,
		}).Warn("class name count does not match model output")
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	m := &Model{
		info: ModelInfo{
			Path:        opts.ModelPath,
			Name:        filepath.Base(opts.ModelPath),
			InputName:   in.Name,
			OutputName:  out.Name,
			DefaultSize: defaultSize,
			Dynamic:     dynamic,
			NumClasses:  numClasses,
			Names:       names,
		},
		outChannels:   outChannels,
		names:         names,
		confThreshold: orDefault(opts.ConfThreshold, DefaultConfThreshold),
		iouThreshold:  orDefault(opts.IouThreshold, DefaultIouThreshold),
		maxDetections: orDefault(opts.MaxDetections, DefaultMaxDetections),
		poolSize:      opts.PoolSize,
		threads:       threads,
		preprocessor:  NewPreprocessor(),
		log:           opts.Logger,
		newSession:    initSession,
		pools:         make(map[int]*ModelSessionPool),
	}

	pool, err := m.poolFor(defaultSize)
	if err != nil {
		return nil, loadError("failed to create model session pool", err)
	}
	if err := m.warmUp(pool); err != nil {
		m.Destroy()
		return nil, loadError("model warm-up inference failed", err)
	}

	m.log.WithFields(logrus.Fields{
		"model":      m.info.Name,
		"input_size": defaultSize,
		"dynamic":    dynamic,
		"classes":    numClasses,
	}).Info("model loaded")

	return m, nil
}

func orDefault[T float32 | float64 | int](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (m *Model) Info() ModelInfo {
	return m.info
}

// ResolveSize maps a resize hint to the input side actually used. Zero means
// no hint. Hints are rounded up to the head stride; models exported with a
// fixed input only ever run at that size.
func (m *Model) ResolveSize(targetSize int) int {
	if targetSize <= 0 || !m.info.Dynamic {
		return m.info.DefaultSize
	}
	return roundUpToStride(targetSize)
}

func roundUpToStride(size int) int {
	return (size + MaxStride - 1) / MaxStride * MaxStride
}

// poolFor returns the session pool for size, creating it on first use.
// Pools for sizes other than the default hold a single session and at most
// MaxCachedPools pools are kept; the least recently used non-default pool
// is destroyed to make room.
func (m *Model) poolFor(size int) (*ModelSessionPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[size]; ok {
		m.touch(size)
		return pool, nil
	}

	params := sessionParams{
		modelPath:   m.info.Path,
		inputName:   m.info.InputName,
		outputName:  m.info.OutputName,
		size:        size,
		outChannels: m.outChannels,
		threads:     m.threads,
	}
	poolSize := m.poolSize
	if size != m.info.DefaultSize {
		poolSize = 1
	}

	m.evict()
	pool, err := NewModelSessionPool(size, poolSize, func() (*ModelSession, error) {
		return m.newSession(params)
	})
	if err != nil {
		return nil, err
	}
	m.pools[size] = pool
	m.recent = append(m.recent, size)
	return pool, nil
}

func (m *Model) touch(size int) {
	m.forget(size)
	m.recent = append(m.recent, size)
}

func (m *Model) forget(size int) {
	for i, s := range m.recent {
		if s == size {
			m.recent = append(m.recent[:i], m.recent[i+1:]...)
			return
		}
	}
}

// evict destroys least recently used pools until one more fits. Requests
// still holding a session of an evicted pool finish normally; the session
// is destroyed on release.
func (m *Model) evict() {
	for len(m.pools) >= MaxCachedPools {
		victim := -1
		for _, s := range m.recent {
			if s != m.info.DefaultSize {
				victim = s
				break
			}
		}
		if victim < 0 {
			return
		}

		m.pools[victim].Destroy()
		delete(m.pools, victim)
		m.forget(victim)
		m.log.WithField("input_size", victim).Debug("evicted session pool")
	}
}

func (m *Model) warmUp(pool *ModelSessionPool) error {
	ctx, cancel := context.WithTimeout(context.Background(), AcquireTimeout)
	defer cancel()

	session, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(session)
	return session.warmUp()
}

// Predict runs the model on the image stored at path. targetSize is an
// optional resize hint (0 for the model default). It always returns exactly
// one result on success.
func (m *Model) Predict(ctx context.Context, path string, targetSize int) ([]*Result, error) {
	inferenceError := func(message string, cause error) error {
		return NewProcessingError(StageInference, message, cause)
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, inferenceError("failed to read image for inference", err)
	}

	size := m.ResolveSize(targetSize)
	if targetSize > 0 && size != targetSize {
		m.log.WithFields(logrus.Fields{
			"requested": targetSize,
			"used":      size,
		}).Debug("adjusted inference size")
	}

	result := &Result{
		OrigImage: img,
		InputSize: size,
		Names:     m.names,
	}

	resizeStart := time.Now()
	resized := m.preprocessor.Resize(img, size)
	result.Timings.Resize = time.Since(resizeStart)

	pool, err := m.poolFor(size)
	if err != nil {
		return nil, inferenceError(fmt.Sprintf("no session available for input size %d", size), err)
	}

	session, err := pool.Acquire(ctx)
	if err != nil {
		return nil, inferenceError("failed to acquire model session", err)
	}
	discarded := false
	defer func() {
		if !discarded {
			pool.Release(session)
		}
	}()

	prepStart := time.Now()
	m.preprocessor.Process(resized, size, session.Input.GetData())
	result.Timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Session.Run(); err != nil {
		pool.Discard(session, err)
		discarded = true
		return nil, inferenceError("model inference", err)
	}
	result.Timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	boxes, err := processPredictions(session.Output.GetData(), postprocessOptions{
		inputSize:      size,
		numClasses:     m.info.NumClasses,
		confThreshold:  m.confThreshold,
		iouThreshold:   m.iouThreshold,
		maxDetections:  m.maxDetections,
		originalWidth:  img.Bounds().Dx(),
		originalHeight: img.Bounds().Dy(),
		names:          m.names,
	})
	if err != nil {
		return nil, inferenceError("process predictions", err)
	}
	result.Timings.Postprocess = time.Since(postStart)
	result.Boxes = boxes

	return []*Result{result}, nil
}

// Metrics returns one snapshot per session pool, ordered by input size.
func (m *Model) Metrics() []PoolSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]PoolSnapshot, 0, len(m.pools))
	for _, pool := range m.pools {
		snapshots = append(snapshots, pool.GetMetrics())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].InputSize < snapshots[j].InputSize
	})
	return snapshots
}

func (m *Model) Destroy() {
	m.mu.Lock()
	for size, pool := range m.pools {
		pool.Destroy()
		delete(m.pools, size)
	}
	m.recent = nil
	m.mu.Unlock()

	if m.ownsEnv {
		ort.DestroyEnvironment()
		m.ownsEnv = false
	}
}
