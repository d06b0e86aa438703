package handlers

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roadlens/roadlens/internal/models"
)

// Recorder keeps answered frames somewhere: a database, a topic, a bucket.
type Recorder interface {
	Name() string
	Record(ctx context.Context, rec models.FrameRecord) error
	Close() error
}

// MultiRecorder hands each frame to every recorder concurrently. A failing
// recorder is logged and does not stop the others.
type MultiRecorder struct {
	recorders []Recorder
	logger    *zap.Logger
}

func NewMultiRecorder(logger *zap.Logger, recorders ...Recorder) *MultiRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiRecorder{recorders: recorders, logger: logger.Named("recorder")}
}

func (m *MultiRecorder) Name() string { return "multi" }

func (m *MultiRecorder) Len() int { return len(m.recorders) }

// Record returns the first recorder error after all recorders finished.
func (m *MultiRecorder) Record(ctx context.Context, rec models.FrameRecord) error {
	var g errgroup.Group
	for _, r := range m.recorders {
		r := r
		g.Go(func() error {
			if err := r.Record(ctx, rec); err != nil {
				m.logger.Warn("record failed",
					zap.String("recorder", r.Name()),
					zap.String("session", rec.SessionID),
					zap.Uint64("seq", rec.Seq),
					zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *MultiRecorder) Close() error {
	var first error
	for _, r := range m.recorders {
		if err := r.Close(); err != nil {
			m.logger.Warn("close recorder", zap.String("recorder", r.Name()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
