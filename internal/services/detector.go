package services

import (
	"context"
	"image"

	"github.com/samber/lo"

	"github.com/roadlens/roadlens/internal/models"
)

// DefaultClasses are the road damage classes of the detection model, indexed
// by class id.
var DefaultClasses = []string{
	"Longitudinal Crack",
	"Transverse Crack",
	"Alligator Crack",
	"Potholes",
}

// Detector runs the detection model on one JPEG frame.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte, threshold float64) ([]models.Detection, error)
	Health(ctx context.Context) error
	Name() string
	Close() error
}

// LabelDetections fills in missing labels from the class list.
func LabelDetections(dets []models.Detection, classes []string) []models.Detection {
	return lo.Map(dets, func(d models.Detection, _ int) models.Detection {
		if d.Label == "" {
			if d.ClassID >= 0 && d.ClassID < len(classes) {
				d.Label = classes[d.ClassID]
			} else {
				d.Label = "Unknown"
			}
		}
		return d
	})
}

// FilterByThreshold keeps detections scoring at least threshold.
func FilterByThreshold(dets []models.Detection, threshold float64) []models.Detection {
	return lo.Filter(dets, func(d models.Detection, _ int) bool {
		return d.Score >= threshold
	})
}

// ScaleDetections maps boxes found on an image of size from back onto an
// image of size to.
func ScaleDetections(dets []models.Detection, from, to image.Point) []models.Detection {
	if from == to || from.X <= 0 || from.Y <= 0 {
		return dets
	}
	sx := float64(to.X) / float64(from.X)
	sy := float64(to.Y) / float64(from.Y)
	return lo.Map(dets, func(d models.Detection, _ int) models.Detection {
		d.Box = models.Box{
			int(float64(d.Box[0]) * sx),
			int(float64(d.Box[1]) * sy),
			int(float64(d.Box[2]) * sx),
			int(float64(d.Box[3]) * sy),
		}
		return d
	})
}
