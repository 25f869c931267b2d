package main

import (
	"errors"
	"html/template"
	"net/http"
	"runtime"
	"time"

	"github.com/Tutortoise/object-detection-demo/config"
	"github.com/Tutortoise/object-detection-demo/detections"
	"github.com/Tutortoise/object-detection-demo/models"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const pageTitle = "YOLO Object Detection App"

// ModelInspector exposes what the monitoring routes report about the model.
type ModelInspector interface {
	Info() detections.ModelInfo
	Metrics() []detections.PoolSnapshot
}

type AppState struct {
	Model     ModelInspector
	Flow      *DetectionDemoFlow
	Templates *template.Template
	Config    *config.Config
	Log       *logrus.Logger
	StartedAt time.Time
}

type pageData struct {
	Title       string
	Model       detections.ModelInfo
	MaxUploadMB int
	Outcome     *Outcome
}

type DetectResponse struct {
	RequestID      string             `json:"request_id"`
	Filename       string             `json:"filename"`
	Width          int                `json:"width"`
	Height         int                `json:"height"`
	TargetSize     int                `json:"target_size"`
	InputSize      int                `json:"input_size"`
	Detections     []models.Detection `json:"detections"`
	Counts         map[string]int     `json:"counts"`
	AnnotatedImage string             `json:"annotated_image"`
	Timings        map[string]float64 `json:"timings_ms"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewRouter wires every route and middleware of the demo.
func NewRouter(state *AppState) (*mux.Router, error) {
	static, err := staticHandler()
	if err != nil {
		return nil, err
	}

	limiter := newRateLimiter(rate.Limit(state.Config.RateLimit), state.Config.RateBurst)

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware(state.Log))

	r.HandleFunc("/", state.handleIndex).Methods(http.MethodGet)
	r.Handle("/", limiter.middleware(state.Log)(http.HandlerFunc(state.handleIndex))).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(limiter.middleware(state.Log))
	api.HandleFunc("/detect", state.handleDetect).Methods(http.MethodPost)

	r.PathPrefix("/static/").Handler(static).Methods(http.MethodGet)
	state.addMonitoringRoutes(r)

	return r, nil
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// handleIndex renders the page. Processing errors are shown inside the page,
// so the response status stays 200 and the upload form is always present.
func (s *AppState) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadBytes())
	}

	out := s.Flow.Run(r.Context(), r, RequestIDFrom(r.Context()))
	logTimings(s.Log, &out.Timings)

	data := pageData{
		Title:       pageTitle,
		Model:       s.Model.Info(),
		MaxUploadMB: s.Config.MaxUploadMB,
		Outcome:     out,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.Templates.ExecuteTemplate(w, "index.html", data); err != nil {
		s.Log.WithError(err).Error("failed to render page")
	}
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadBytes())

	requestID := RequestIDFrom(r.Context())
	out := s.Flow.Run(r.Context(), r, requestID)
	logTimings(s.Log, &out.Timings)

	switch out.State {
	case StateDisplaying:
	case StateError:
		code, status := errorStatus(out.Err)
		sendErrorResponse(w, code, userMessage(out.Err), status)
		return
	default:
		sendErrorResponse(w, "missing_file", MsgUploadPrompt, http.StatusBadRequest)
		return
	}

	detected := out.Detections()
	if detected == nil {
		detected = []models.Detection{}
	}

	response := DetectResponse{
		RequestID:      requestID,
		Filename:       out.Filename,
		Width:          out.Result.Width(),
		Height:         out.Result.Height(),
		TargetSize:     out.TargetSize,
		InputSize:      out.Result.InputSize,
		Detections:     detected,
		Counts:         out.Result.Counts(),
		AnnotatedImage: string(out.AnnotatedImage),
		Timings:        timingsMillis(&out.Timings),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// errorStatus maps a failed cycle to an API error code and HTTP status.
func errorStatus(err error) (string, int) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return "file_too_large", http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedExtension):
		return "unsupported_type", http.StatusUnsupportedMediaType
	case errors.Is(err, detections.ErrUpload):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, detections.ErrDecode):
		return "invalid_image", http.StatusBadRequest
	case errors.Is(err, detections.ErrPoolClosed):
		return "session_error", http.StatusServiceUnavailable
	case errors.Is(err, detections.ErrInference):
		return "processing_error", http.StatusInternalServerError
	case errors.Is(err, detections.ErrRender):
		return "render_error", http.StatusInternalServerError
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

func timingsMillis(t *models.ProcessingTimings) map[string]float64 {
	ms := func(d time.Duration) float64 {
		return float64(d.Microseconds()) / 1000
	}
	return map[string]float64{
		"image_decode": ms(t.ImageDecode),
		"temp_write":   ms(t.TempWrite),
		"resize":       ms(t.Resize),
		"preprocess":   ms(t.Preprocess),
		"inference":    ms(t.Inference),
		"postprocess":  ms(t.Postprocess),
		"render":       ms(t.Render),
		"total":        ms(t.Total),
	}
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := map[string]interface{}{
		"model":          s.Model.Info(),
		"pools":          s.Model.Metrics(),
		"uptime_seconds": int64(time.Since(s.StartedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     mem.HeapAlloc,
		"cpu":            cpuFeatures(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"model":  s.Model.Info().Name,
	})
}

// cpuFeatures reports the SIMD extensions ONNX Runtime can pick up on this host.
func cpuFeatures() map[string]bool {
	return map[string]bool{
		"avx":     cpu.X86.HasAVX,
		"avx2":    cpu.X86.HasAVX2,
		"avx512f": cpu.X86.HasAVX512F,
		"fma":     cpu.X86.HasFMA,
		"sse41":   cpu.X86.HasSSE41,
		"asimd":   cpu.ARM64.HasASIMD,
	}
}

func logTimings(logger *logrus.Logger, t *models.ProcessingTimings) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logger.Debugf("RequestID: %s - Processing times:\n"+
		"\tImage Decode: %v\n"+
		"\tTemp Write:  %v\n"+
		"\tResize:      %v\n"+
		"\tPreprocess:  %v\n"+
		"\tInference:   %v\n"+
		"\tPostprocess: %v\n"+
		"\tRender:      %v\n"+
		"\tTotal:       %v",
		t.RequestID,
		t.ImageDecode,
		t.TempWrite,
		t.Resize,
		t.Preprocess,
		t.Inference,
		t.Postprocess,
		t.Render,
		t.Total)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
