package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Tutortoise/object-detection-demo/detections"
	"github.com/Tutortoise/object-detection-demo/models"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Predictor is the inference entry point of a loaded model. Implementations
// read the image stored at path; targetSize 0 means no resize hint.
type Predictor interface {
	Predict(ctx context.Context, path string, targetSize int) ([]*detections.Result, error)
}

type State string

const (
	StateIdle           State = "idle"
	StateAwaitingUpload State = "awaiting_upload"
	StateDecoding       State = "decoding"
	StateDetecting      State = "detecting"
	StateDisplaying     State = "displaying"
	StateError          State = "error"
)

const (
	uploadField     = "file"
	targetSizeField = "imgsz"
	maxUploadMemory = 10 << 20
)

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

var allowedContentTypes = []string{"image/jpeg", "image/png"}

var (
	errUnsupportedExtension = errors.New("unsupported file extension")
	errInvalidTargetSize    = errors.New("invalid target size")
)

var validate = validator.New()

// uploadForm holds the optional form fields sent next to the file.
type uploadForm struct {
	TargetSize int `validate:"omitempty,min=32,max=1280"`
}

type Upload struct {
	Filename string
	Data     []byte
	// TargetSize is the per-request resize hint, 0 when not given.
	TargetSize int
}

type BannerKind string

const (
	BannerInfo    BannerKind = "info"
	BannerSuccess BannerKind = "success"
	BannerError   BannerKind = "error"
)

type Banner struct {
	Kind   BannerKind
	Text   string
	Detail string
}

// Outcome is everything one request produced, ready for display.
type Outcome struct {
	State          State
	Banners        []Banner
	Filename       string
	TargetSize     int
	UploadedImage  template.URL
	AnnotatedImage template.URL
	Result         *detections.Result
	Raster         *detections.Raster
	Err            error
	Timings        models.ProcessingTimings
}

func (o *Outcome) addBanner(kind BannerKind, text, detail string) {
	o.Banners = append(o.Banners, Banner{Kind: kind, Text: text, Detail: detail})
}

func (o *Outcome) Detections() []models.Detection {
	if o.Result == nil {
		return nil
	}
	return o.Result.Boxes
}

// DetectionDemoFlow runs one upload -> detect -> display cycle per request.
type DetectionDemoFlow struct {
	predictor  Predictor
	targetSize int
	tempDir    string
	log        logrus.FieldLogger
}

func NewDetectionDemoFlow(predictor Predictor, targetSize int, tempDir string, log logrus.FieldLogger) *DetectionDemoFlow {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &DetectionDemoFlow{
		predictor:  predictor,
		targetSize: targetSize,
		tempDir:    tempDir,
		log:        log,
	}
}

// Run executes the whole cycle for r. Failures never escape: they end the
// cycle in StateError with a banner describing the failed step.
func (f *DetectionDemoFlow) Run(ctx context.Context, r *http.Request, requestID string) *Outcome {
	start := time.Now()
	out := &Outcome{State: StateIdle, TargetSize: f.targetSize}
	out.Timings.RequestID = requestID
	log := f.log.WithField("request_id", requestID)

	fail := func(err error) *Outcome {
		out.State = StateError
		out.Err = err
		out.addBanner(BannerError, userMessage(err), err.Error())
		log.WithError(err).Warn("detection cycle failed")
		return out
	}

	out.State = StateAwaitingUpload
	upload, err := f.AcceptUpload(r)
	if err != nil {
		return fail(err)
	}
	if upload == nil {
		out.addBanner(BannerInfo, MsgUploadPrompt, "")
		return out
	}
	out.Filename = upload.Filename
	if upload.TargetSize > 0 {
		out.TargetSize = upload.TargetSize
	}

	out.State = StateDecoding
	decodeStart := time.Now()
	img, err := f.DecodeImage(upload.Data)
	out.Timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return fail(err)
	}
	out.UploadedImage = dataURI(mimetype.Detect(upload.Data).String(), upload.Data)

	out.State = StateDetecting
	result, err := f.RunDetection(ctx, img, out.TargetSize)
	if err != nil {
		return fail(err)
	}
	out.Result = result
	out.Timings.TempWrite = result.Timings.TempWrite
	out.Timings.Resize = result.Timings.Resize
	out.Timings.Preprocess = result.Timings.Preprocess
	out.Timings.Inference = result.Timings.Inference
	out.Timings.Postprocess = result.Timings.Postprocess

	renderStart := time.Now()
	raster, err := f.RenderResult(result)
	if err != nil {
		return fail(err)
	}
	out.Raster = raster
	out.AnnotatedImage, err = rasterDataURI(raster)
	out.Timings.Render = time.Since(renderStart)
	if err != nil {
		return fail(detections.NewProcessingError(detections.StageRender, "failed to encode annotated image", err))
	}

	out.State = StateDisplaying
	if len(result.Boxes) == 0 {
		out.addBanner(BannerInfo, MsgNoDetections, "")
	} else {
		out.addBanner(BannerSuccess, fmt.Sprintf("Detected %d object(s).", len(result.Boxes)), "")
	}
	out.Timings.Total = time.Since(start)

	log.WithFields(logrus.Fields{
		"file":        upload.Filename,
		"detections":  len(result.Boxes),
		"input_size":  result.InputSize,
		"total_ms":    out.Timings.Total.Milliseconds(),
		"inference_s": out.Timings.Inference.Seconds(),
	}).Info("detection cycle finished")

	return out
}

// AcceptUpload returns the uploaded file, or nil without an error when the
// request carries none.
func (f *DetectionDemoFlow) AcceptUpload(r *http.Request) (*Upload, error) {
	uploadError := func(message string, cause error) error {
		return detections.NewProcessingError(detections.StageUpload, message, cause)
	}

	if r.Method != http.MethodPost {
		return nil, nil
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, uploadError("failed to read upload", err)
	}

	file, header, err := r.FormFile(uploadField)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return nil, nil
	case err != nil:
		return nil, uploadError("failed to read upload", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		return nil, uploadError(fmt.Sprintf("file %q rejected", header.Filename), errUnsupportedExtension)
	}

	form := uploadForm{}
	if v := strings.TrimSpace(r.FormValue(targetSizeField)); v != "" {
		if form.TargetSize, err = strconv.Atoi(v); err != nil {
			return nil, uploadError(fmt.Sprintf("invalid %s %q", targetSizeField, v), errInvalidTargetSize)
		}
	}
	if err := validate.Struct(form); err != nil {
		return nil, uploadError(err.Error(), errInvalidTargetSize)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, uploadError("failed to read upload", err)
	}

	return &Upload{Filename: header.Filename, Data: data, TargetSize: form.TargetSize}, nil
}

// DecodeImage decodes JPEG or PNG bytes into an opaque RGB raster.
func (f *DetectionDemoFlow) DecodeImage(data []byte) (*image.NRGBA, error) {
	decodeError := func(message string, cause error) error {
		return detections.NewProcessingError(detections.StageDecode, message, cause)
	}

	if len(data) == 0 {
		return nil, decodeError("uploaded file is empty", nil)
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), allowedContentTypes...) {
		return nil, decodeError(fmt.Sprintf("uploaded file is %s, not a JPEG or PNG image", mt.String()), nil)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, decodeError("failed to decode image", err)
	}

	return toRGB(img), nil
}

// toRGB drops the alpha channel, keeping the colour values as stored.
func toRGB(img image.Image) *image.NRGBA {
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb
}

// RunDetection stores img in a temporary file for the lifetime of one
// predict call and returns the first result. The file is removed on every
// exit path.
func (f *DetectionDemoFlow) RunDetection(ctx context.Context, img image.Image, targetSize int) (*detections.Result, error) {
	var (
		results   []*detections.Result
		tempWrite time.Duration
	)

	start := time.Now()
	err := withTempImage(f.tempDir, img, func(path string) (err error) {
		tempWrite = time.Since(start)
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic during prediction: %v", rec)
			}
		}()
		results, err = f.predictor.Predict(ctx, path, targetSize)
		return err
	})
	if err != nil {
		if errors.Is(err, detections.ErrInference) {
			return nil, err
		}
		return nil, detections.NewProcessingError(detections.StageInference, "prediction failed", err)
	}

	if len(results) == 0 || results[0] == nil {
		result := detections.NewEmptyResult(img, nil)
		result.Timings.TempWrite = tempWrite
		return result, nil
	}

	result := results[0]
	if result.OrigImage == nil {
		result.OrigImage = img
	}
	result.Timings.TempWrite = tempWrite
	return result, nil
}

// RenderResult draws the detections and returns the BGR raster.
func (f *DetectionDemoFlow) RenderResult(result *detections.Result) (raster *detections.Raster, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = detections.NewProcessingError(detections.StageRender, "panic while rendering", fmt.Errorf("%v", rec))
		}
	}()

	raster = result.Plot()
	if err := raster.Validate(); err != nil {
		return nil, detections.NewProcessingError(detections.StageRender, "invalid annotated raster", err)
	}
	return raster, nil
}

func withTempImage(dir string, img image.Image, fn func(path string) error) error {
	tmp, err := os.CreateTemp(dir, "upload-*.jpg")
	if err != nil {
		return fmt.Errorf("create temporary image: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if err := imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		tmp.Close()
		return fmt.Errorf("write temporary image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary image: %w", err)
	}

	return fn(path)
}

// userMessage picks the banner text for a failed step.
func userMessage(err error) string {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, errUnsupportedExtension):
		return MsgUnsupportedType
	case errors.Is(err, errInvalidTargetSize):
		return MsgInvalidTargetSize
	case errors.As(err, &tooLarge):
		return MsgFileTooLarge
	case errors.Is(err, detections.ErrUpload):
		return MsgUploadError
	case errors.Is(err, detections.ErrDecode):
		return MsgDecodeError
	case errors.Is(err, detections.ErrInference):
		return MsgInferenceError
	case errors.Is(err, detections.ErrRender):
		return MsgRenderError
	default:
		return MsgProcessingError
	}
}

func dataURI(mime string, data []byte) template.URL {
	return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
}

// rasterDataURI converts the raster to RGB according to its channel order and
// encodes it as a PNG data URI.
func rasterDataURI(raster *detections.Raster) (template.URL, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, raster.ToImage(), imaging.PNG); err != nil {
		return "", err
	}
	return dataURI("image/png", buf.Bytes()), nil
}
