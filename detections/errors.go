package detections

import (
	"errors"
	"fmt"
)

// Stage names the step of the upload-detect-display cycle that failed.
type Stage string

const (
	StageLoad      Stage = "load"
	StageUpload    Stage = "upload"
	StageDecode    Stage = "decode"
	StageInference Stage = "inference"
	StageRender    Stage = "render"
)

var (
	ErrModelLoad = errors.New("model load failed")
	ErrUpload    = errors.New("upload rejected")
	ErrDecode    = errors.New("image decode failed")
	ErrInference = errors.New("inference failed")
	ErrRender    = errors.New("render failed")
)

var stageSentinels = map[Stage]error{
	StageLoad:      ErrModelLoad,
	StageUpload:    ErrUpload,
	StageDecode:    ErrDecode,
	StageInference: ErrInference,
	StageRender:    ErrRender,
}

type ProcessingError struct {
	Stage   Stage
	Message string
	Cause   error
}

func NewProcessingError(stage Stage, message string, cause error) *ProcessingError {
	return &ProcessingError{Stage: stage, Message: message, Cause: cause}
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's stage, so callers can write
// errors.Is(err, ErrDecode) without caring about the concrete cause.
func (e *ProcessingError) Is(target error) bool {
	sentinel, ok := stageSentinels[e.Stage]
	return ok && sentinel == target
}

// StageOf reports the stage of the first ProcessingError in err's chain.
func StageOf(err error) (Stage, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return "", false
}
