package frame

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

const DefaultJPEGQuality = 92

// ErrEmptyFrame is returned for nil or zero-sized images; no payload is produced.
var ErrEmptyFrame = errors.New("frame has no pixels")

type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// JPEGEncoder compresses frames at a fixed quality so equal inputs always
// produce equal payloads.
type JPEGEncoder struct {
	Quality int
}

func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{Quality: quality}
}

func (e *JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.Quality)); err != nil {
		return nil, errors.Wrap(err, "jpeg encode")
	}
	return buf.Bytes(), nil
}
