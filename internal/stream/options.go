package stream

import (
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/services"
)

const (
	DefaultEndpoint       = "ws://localhost:8000/ws"
	DefaultPacingInterval = 200 * time.Millisecond
)

// Renderer produces the overlay for a published result.
type Renderer interface {
	Annotate(frame image.Image, dets []models.Detection) *image.RGBA
}

type options struct {
	endpoint       string
	pacingInterval time.Duration
	replyTimeout   time.Duration
	threshold      float64
	latitude       *float64
	longitude      *float64

	dial     Dialer
	renderer Renderer
	onResult func(Result)
	onStatus func(Status, error)
	logger   *zap.Logger
	metrics  *services.Metrics
}

func defaultOptions() options {
	return options{
		endpoint:       DefaultEndpoint,
		pacingInterval: DefaultPacingInterval,
		threshold:      models.DefaultThreshold,
		dial:           DialWebSocket,
		logger:         zap.NewNop(),
	}
}

type Option func(*options)

func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithPacingInterval sets the fixed delay between frame attempts.
func WithPacingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pacingInterval = d
		}
	}
}

// WithReplyTimeout bounds the wait for each reply. Zero waits forever. A
// timeout ends the session, since a late reply would pair with the wrong frame.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *options) { o.replyTimeout = d }
}

func WithThreshold(t float64) Option {
	return func(o *options) { o.threshold = t }
}

func WithLocation(lat, lon float64) Option {
	return func(o *options) { o.latitude, o.longitude = &lat, &lon }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dial = d }
}

func WithRenderer(r Renderer) Option {
	return func(o *options) { o.renderer = r }
}

// WithResultHandler is called from the pacing loop after every applied reply.
func WithResultHandler(fn func(Result)) Option {
	return func(o *options) { o.onResult = fn }
}

// WithStatusHandler is called on every status change with the session error, if any.
func WithStatusHandler(fn func(Status, error)) Option {
	return func(o *options) { o.onStatus = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *services.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
