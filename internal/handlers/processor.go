package handlers

import (
	"bytes"
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/services"
)

// Replies sent to a client in place of a detection result.
const (
	ReplyInvalidMetadata = "Invalid metadata format"
	ReplyNoImage         = "No image data received"
	ReplyInvalidImage    = "Invalid image data"
	ReplyPrediction      = "Prediction error"
)

// DefaultModelInput is the square size frames are resized to for the model.
const DefaultModelInput = 640

// FrameError carries the reply the client gets for a frame that could not
// be processed.
type FrameError struct {
	Reply string
	Err   error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return e.Reply
	}
	return e.Reply + ": " + e.Err.Error()
}

func (e *FrameError) Unwrap() error { return e.Err }

// FrameProcessor runs one received JPEG through the detector and returns
// detections in the coordinates of that JPEG.
type FrameProcessor struct {
	Detector    services.Detector
	ModelInput  int // 0 sends frames at their own size
	JPEGQuality int
}

func (p *FrameProcessor) Process(ctx context.Context, payload []byte, threshold float64) ([]models.Detection, error) {
	if len(payload) == 0 {
		return nil, &FrameError{Reply: ReplyNoImage}
	}
	img, err := imaging.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, &FrameError{Reply: ReplyInvalidImage, Err: err}
	}
	if p.Detector == nil {
		return nil, &FrameError{Reply: ReplyPrediction, Err: errors.New("no detector configured")}
	}

	size := img.Bounds().Size()
	input := size
	data := payload
	if p.ModelInput > 0 && size != image.Pt(p.ModelInput, p.ModelInput) {
		input = image.Pt(p.ModelInput, p.ModelInput)
		resized := imaging.Resize(img, input.X, input.Y, imaging.Linear)
		quality := p.JPEGQuality
		if quality == 0 {
			quality = 92
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, &FrameError{Reply: ReplyPrediction, Err: errors.Wrap(err, "encode model input")}
		}
		data = buf.Bytes()
	}

	dets, err := p.Detector.Detect(ctx, data, threshold)
	if err != nil {
		return nil, &FrameError{Reply: ReplyPrediction, Err: err}
	}
	dets = services.ScaleDetections(dets, input, size)
	return services.FilterByThreshold(dets, threshold), nil
}
