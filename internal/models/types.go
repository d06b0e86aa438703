package models

import (
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/pkg/errors"
)

// DefaultThreshold is applied when a client omits the threshold field.
const DefaultThreshold = 0.5

// FrameMetadata is the text half of a frame message. Latitude and longitude
// serialize as null when the client has no fix.
type FrameMetadata struct {
	Threshold float64  `json:"threshold"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Box is [x1, y1, x2, y2] in pixel coordinates of the frame that was sent.
type Box [4]int

func (b Box) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

func (b Box) Width() int  { return b[2] - b[0] }
func (b Box) Height() int { return b[3] - b[1] }

// UnmarshalJSON accepts fractional coordinates, which some model backends
// emit, and truncates them the way the service does.
func (b *Box) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return errors.Errorf("box must have 4 coordinates, got %d", len(raw))
	}
	for i, v := range raw {
		b[i] = int(v)
	}
	return nil
}

type Detection struct {
	ClassID int     `json:"class_id"`
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
	Box     Box     `json:"box"`
}

// Caption is the overlay text, confidence as a percentage with one decimal.
func (d Detection) Caption() string {
	return fmt.Sprintf("%s (%.1f%%)", d.Label, d.Score*100)
}

// DetectionResult is one reply of the streaming endpoint, in service order.
type DetectionResult []Detection

// ErrorReply is what the service sends instead of a result when it cannot
// process a frame.
type ErrorReply struct {
	Error string `json:"error"`
}

type HealthStatus struct {
	Status            string        `json:"status"`
	DetectorBackend   string        `json:"detector_backend"`
	DetectorHealthy   bool          `json:"detector_healthy"`
	ActiveConnections int64         `json:"active_connections"`
	Uptime            time.Duration `json:"uptime"`
	Version           string        `json:"version,omitempty"`
}
