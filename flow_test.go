package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/Tutortoise/object-detection-demo/detections"
	"github.com/Tutortoise/object-detection-demo/logging"
	"github.com/Tutortoise/object-detection-demo/models"
	"github.com/disintegration/imaging"
)

// fakePredictor records what the flow handed it and answers with canned boxes.
type fakePredictor struct {
	boxes     []models.Detection
	err       error
	panicWith any
	noResults bool

	calls       int
	gotPath     string
	gotSize     int
	fileExisted bool
}

func (f *fakePredictor) Predict(_ context.Context, path string, targetSize int) ([]*detections.Result, error) {
	f.calls++
	f.gotPath = path
	f.gotSize = targetSize
	_, statErr := os.Stat(path)
	f.fileExisted = statErr == nil

	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.noResults {
		return nil, nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, err
	}
	return []*detections.Result{{
		OrigImage: img,
		InputSize: targetSize,
		Boxes:     f.boxes,
	}}, nil
}

func (f *fakePredictor) Info() detections.ModelInfo {
	return detections.ModelInfo{Name: "fake.onnx", DefaultSize: 640, NumClasses: 80}
}

func (f *fakePredictor) Metrics() []detections.PoolSnapshot {
	return []detections.PoolSnapshot{{InputSize: 640, PoolSize: 2, Available: 2}}
}

func personBox() []models.Detection {
	return []models.Detection{{BBox: [4]int32{8, 8, 40, 40}, Confidence: 0.91, ClassID: 0, Label: "person"}}
}

func encodeImage(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, target, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	part, err := mw.CreateFormFile(uploadField, filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newTestFlow(t *testing.T, p Predictor, targetSize int) (*DetectionDemoFlow, string) {
	t.Helper()
	dir := t.TempDir()
	return NewDetectionDemoFlow(p, targetSize, dir, logging.NewDiscardLogger()), dir
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temporary files to be removed, found %d", len(entries))
	}
}

func hasBanner(out *Outcome, kind BannerKind, text string) bool {
	for _, b := range out.Banners {
		if b.Kind == kind && b.Text == text {
			return true
		}
	}
	return false
}

func TestRun_NoUploadPrompts(t *testing.T) {
	p := &fakePredictor{}
	flow, _ := newTestFlow(t, p, 640)

	out := flow.Run(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), "req-1")
	if out.State != StateAwaitingUpload {
		t.Fatalf("expected awaiting upload, got %s", out.State)
	}
	if !hasBanner(out, BannerInfo, MsgUploadPrompt) {
		t.Fatalf("expected upload prompt, got %+v", out.Banners)
	}
	if p.calls != 0 {
		t.Fatalf("predictor must not run without an upload")
	}
}

func TestRun_JPEGDisplaysBGRRaster(t *testing.T) {
	p := &fakePredictor{boxes: personBox()}
	flow, dir := newTestFlow(t, p, 640)

	req := uploadRequest(t, "/", "street.jpg", encodeImage(t, 640, 480, imaging.JPEG), nil)
	out := flow.Run(context.Background(), req, "req-2")

	if out.State != StateDisplaying {
		t.Fatalf("expected displaying, got %s (%v)", out.State, out.Err)
	}
	if h, w, c := out.Raster.Shape(); h != 480 || w != 640 || c != 3 {
		t.Fatalf("expected (480, 640, 3), got (%d, %d, %d)", h, w, c)
	}
	if out.Raster.Order != detections.BGR {
		t.Fatalf("expected BGR raster, got %s", out.Raster.Order)
	}
	if !strings.HasPrefix(string(out.AnnotatedImage), "data:image/png;base64,") {
		t.Fatalf("expected PNG data URI for the annotated image")
	}
	if !strings.HasPrefix(string(out.UploadedImage), "data:image/jpeg;base64,") {
		t.Fatalf("expected JPEG data URI for the uploaded image")
	}
	if len(out.Detections()) != 1 || out.Timings.RequestID != "req-2" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !p.fileExisted || p.gotSize != 640 {
		t.Fatalf("predictor saw existed=%v size=%d", p.fileExisted, p.gotSize)
	}
	if _, err := os.Stat(p.gotPath); !os.IsNotExist(err) {
		t.Fatalf("temporary file %s still exists", p.gotPath)
	}
	assertDirEmpty(t, dir)
}

func TestRun_PNGUpload(t *testing.T) {
	p := &fakePredictor{boxes: personBox()}
	flow, _ := newTestFlow(t, p, 640)

	out := flow.Run(context.Background(), uploadRequest(t, "/", "scan.PNG", encodeImage(t, 64, 48, imaging.PNG), nil), "req")
	if out.State != StateDisplaying {
		t.Fatalf("expected displaying, got %s (%v)", out.State, out.Err)
	}
	if !hasBanner(out, BannerSuccess, "Detected 1 object(s).") {
		t.Fatalf("expected success banner, got %+v", out.Banners)
	}
}

func TestRun_ZeroResultsIsSuccess(t *testing.T) {
	p := &fakePredictor{noResults: true}
	flow, dir := newTestFlow(t, p, 640)

	out := flow.Run(context.Background(), uploadRequest(t, "/", "empty.png", encodeImage(t, 32, 16, imaging.PNG), nil), "req")
	if out.State != StateDisplaying {
		t.Fatalf("expected displaying, got %s (%v)", out.State, out.Err)
	}
	if !hasBanner(out, BannerInfo, MsgNoDetections) {
		t.Fatalf("expected no-detections banner, got %+v", out.Banners)
	}
	if h, w, _ := out.Raster.Shape(); h != 16 || w != 32 {
		t.Fatalf("expected raster of the uploaded image, got %dx%d", w, h)
	}
	assertDirEmpty(t, dir)
}

func TestRun_PredictorErrorCleansUp(t *testing.T) {
	p := &fakePredictor{err: errors.New("session exploded")}
	flow, dir := newTestFlow(t, p, 640)

	out := flow.Run(context.Background(), uploadRequest(t, "/", "a.jpg", encodeImage(t, 32, 32, imaging.JPEG), nil), "req")
	if out.State != StateError || !errors.Is(out.Err, detections.ErrInference) {
		t.Fatalf("expected inference error, got %s (%v)", out.State, out.Err)
	}
	if !hasBanner(out, BannerError, MsgInferenceError) {
		t.Fatalf("expected inference banner, got %+v", out.Banners)
	}
	if !p.fileExisted {
		t.Fatalf("temporary file should exist while predicting")
	}
	assertDirEmpty(t, dir)
}

func TestRun_PredictorPanicCleansUp(t *testing.T) {
	p := &fakePredictor{panicWith: "index out of range"}
	flow, dir := newTestFlow(t, p, 640)

	out := flow.Run(context.Background(), uploadRequest(t, "/", "a.jpg", encodeImage(t, 32, 32, imaging.JPEG), nil), "req")
	if out.State != StateError || !errors.Is(out.Err, detections.ErrInference) {
		t.Fatalf("expected inference error after panic, got %s (%v)", out.State, out.Err)
	}
	assertDirEmpty(t, dir)
}

func TestRun_CorruptedUpload(t *testing.T) {
	p := &fakePredictor{}
	flow, dir := newTestFlow(t, p, 640)

	out := flow.Run(context.Background(), uploadRequest(t, "/", "broken.jpg", []byte("definitely not a jpeg"), nil), "req")
	if out.State != StateError || !errors.Is(out.Err, detections.ErrDecode) {
		t.Fatalf("expected decode error, got %s (%v)", out.State, out.Err)
	}
	if !hasBanner(out, BannerError, MsgDecodeError) {
		t.Fatalf("expected decode banner, got %+v", out.Banners)
	}
	if p.calls != 0 {
		t.Fatalf("predictor must not run on undecodable input")
	}
	assertDirEmpty(t, dir)
}

func TestRun_TruncatedJPEG(t *testing.T) {
	p := &fakePredictor{}
	flow, _ := newTestFlow(t, p, 640)

	data := encodeImage(t, 64, 64, imaging.JPEG)
	out := flow.Run(context.Background(), uploadRequest(t, "/", "cut.jpg", data[:len(data)/3], nil), "req")
	if !errors.Is(out.Err, detections.ErrDecode) {
		t.Fatalf("expected decode error, got %v", out.Err)
	}
}

func TestRun_UnsupportedExtension(t *testing.T) {
	p := &fakePredictor{}
	flow, _ := newTestFlow(t, p, 640)

	out := flow.Run(context.Background(), uploadRequest(t, "/", "anim.gif", []byte("GIF89a"), nil), "req")
	if out.State != StateError || !errors.Is(out.Err, detections.ErrUpload) {
		t.Fatalf("expected upload error, got %s (%v)", out.State, out.Err)
	}
	if !hasBanner(out, BannerError, MsgUnsupportedType) {
		t.Fatalf("expected unsupported type banner, got %+v", out.Banners)
	}
}

func TestRun_TargetSize(t *testing.T) {
	jpeg := encodeImage(t, 32, 32, imaging.JPEG)

	t.Run("no hint passes zero", func(t *testing.T) {
		p := &fakePredictor{}
		flow, _ := newTestFlow(t, p, 0)
		flow.Run(context.Background(), uploadRequest(t, "/", "a.jpg", jpeg, nil), "req")
		if p.calls != 1 || p.gotSize != 0 {
			t.Fatalf("expected size 0, got %d", p.gotSize)
		}
	})

	t.Run("form field overrides", func(t *testing.T) {
		p := &fakePredictor{}
		flow, _ := newTestFlow(t, p, 640)
		out := flow.Run(context.Background(), uploadRequest(t, "/", "a.jpg", jpeg, map[string]string{"imgsz": "320"}), "req")
		if p.gotSize != 320 || out.TargetSize != 320 {
			t.Fatalf("expected size 320, got %d", p.gotSize)
		}
	})

	t.Run("invalid field rejected", func(t *testing.T) {
		for _, v := range []string{"abc", "8", "1312", "100000"} {
			p := &fakePredictor{}
			flow, _ := newTestFlow(t, p, 640)
			out := flow.Run(context.Background(), uploadRequest(t, "/", "a.jpg", jpeg, map[string]string{"imgsz": v}), "req")
			if !hasBanner(out, BannerError, MsgInvalidTargetSize) || p.calls != 0 {
				t.Fatalf("imgsz=%q: expected rejection, got %+v", v, out.Banners)
			}
		}
	})
}

func TestDecodeImage_DropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatal(err)
	}

	flow, _ := newTestFlow(t, &fakePredictor{}, 640)
	decoded, err := flow.DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a := decoded.Pix[3]; a != 255 {
		t.Fatalf("expected opaque pixel, got alpha %d", a)
	}

	if _, err := flow.DecodeImage(nil); !errors.Is(err, detections.ErrDecode) {
		t.Fatalf("expected decode error for empty input, got %v", err)
	}
}

func TestRenderResult_RecoversPanic(t *testing.T) {
	flow, _ := newTestFlow(t, &fakePredictor{}, 640)
	// a result without an image cannot be plotted
	if _, err := flow.RenderResult(&detections.Result{}); !errors.Is(err, detections.ErrRender) {
		t.Fatalf("expected render error, got %v", err)
	}
}
