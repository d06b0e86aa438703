package stream

import (
	"context"
	"encoding/json"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/frame"
	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/services"
)

type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusStreaming
	StatusDisconnected // ended by a session-level failure, see Err
	StatusClosed       // ended by Disconnect
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Result is one reply applied to the frame that produced it. Box coordinates
// in Detections refer to Frame, not to whatever the source holds now.
type Result struct {
	Seq        uint64
	Frame      image.Image
	Detections []models.Detection
	Annotated  *image.RGBA
	SentAt     time.Time
	ReceivedAt time.Time
}

// Session streams frames from a Source over one duplex connection and pairs
// every sent frame with the next reply. The service must answer frame n
// before frame n+1 is sent, so no request ids travel on the wire.
type Session struct {
	id      string
	opts    options
	source  frame.Source
	encoder frame.Encoder
	log     *zap.Logger
	metrics *services.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	queue   *PendingQueue
	running atomic.Bool

	mu          sync.Mutex
	conn        Transport
	status      Status
	err         error
	latest      Result
	threshold   float64
	latitude    *float64
	longitude   *float64
	loopStarted bool

	done     chan struct{}
	doneOnce sync.Once

	seq uint64 // owned by the pacing loop
}

func New(source frame.Source, encoder frame.Encoder, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		opts:      o,
		source:    source,
		encoder:   encoder,
		log:       o.logger.Named("stream").With(zap.String("session", id)),
		metrics:   o.metrics,
		ctx:       ctx,
		cancel:    cancel,
		queue:     NewPendingQueue(),
		threshold: o.threshold,
		latitude:  o.latitude,
		longitude: o.longitude,
		done:      make(chan struct{}),
	}
	if s.metrics == nil {
		s.metrics = services.NewMetrics()
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Connect opens the connection and starts streaming. It returns once the
// pacing loop is running; use Done or Wait to follow the session after that.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusConnecting, StatusStreaming:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case StatusDisconnected, StatusClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.status = StatusConnecting
	s.mu.Unlock()
	s.notify(StatusConnecting, nil)

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	stop := context.AfterFunc(s.ctx, cancelDial)
	defer stop()

	s.log.Info("connecting", zap.String("endpoint", s.opts.endpoint))
	conn, err := s.opts.dial(dialCtx, s.opts.endpoint)

	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.finish()
		return ErrSessionClosed
	}
	if err != nil {
		err = &Error{Kind: ErrConnectionOpen, Err: err}
		s.status = StatusDisconnected
		s.err = err
		s.mu.Unlock()

		s.log.Error("connect failed", zap.Error(err))
		s.metrics.IncrementErrors()
		s.cancel()
		s.finish()
		s.notify(StatusDisconnected, err)
		return err
	}
	s.conn = conn
	s.status = StatusStreaming
	s.loopStarted = true
	s.running.Store(true)
	s.mu.Unlock()

	s.log.Info("streaming", zap.Duration("interval", s.opts.pacingInterval))
	s.notify(StatusStreaming, nil)

	go s.receive(conn)
	go s.run(conn)
	return nil
}

// Disconnect stops the loop and closes the connection. It may be called at
// any time, from any goroutine, any number of times.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	prev := s.status
	if prev == StatusClosed || prev == StatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusClosed
	conn := s.conn
	loopStarted := s.loopStarted
	s.mu.Unlock()

	s.running.Store(false)
	s.cancel()
	s.queue.Close()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug("close connection", zap.Error(err))
		}
	}
	// A pending Connect finishes the session itself once its dial returns.
	if !loopStarted && prev != StatusConnecting {
		s.finish()
	}

	s.log.Info("disconnected", zap.Int64("frames", s.metrics.GetFramesSent()))
	s.notify(StatusClosed, nil)
	return nil
}

// Done is closed once the session can no longer stream.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends or ctx is done and returns Err.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the failure that ended the session; nil while streaming or
// after a plain Disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Latest returns the most recently applied result. Frames whose reply failed
// leave it unchanged.
func (s *Session) Latest() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// SetThreshold takes effect on the next frame sent.
func (s *Session) SetThreshold(t float64) {
	s.mu.Lock()
	s.threshold = t
	s.mu.Unlock()
}

func (s *Session) SetLocation(lat, lon float64) {
	s.mu.Lock()
	s.latitude, s.longitude = &lat, &lon
	s.mu.Unlock()
}

func (s *Session) ClearLocation() {
	s.mu.Lock()
	s.latitude, s.longitude = nil, nil
	s.mu.Unlock()
}

func (s *Session) metadata() models.FrameMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := models.FrameMetadata{Threshold: s.threshold}
	if s.latitude != nil && s.longitude != nil {
		lat, lon := *s.latitude, *s.longitude
		md.Latitude, md.Longitude = &lat, &lon
	}
	return md
}

// receive only ever appends to the queue. Pairing is left to the loop.
func (s *Session) receive(conn Transport) {
	defer s.queue.Close()
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if s.running.Load() {
				var se *Error
				if !errors.As(err, &se) {
					err = &Error{Kind: ErrTransportClosed, Err: err}
				}
				s.fail(err)
			}
			return
		}
		if !s.queue.Push(msg) {
			return
		}
	}
}

func (s *Session) run(conn Transport) {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			s.fail(&Error{Kind: ErrLoopAborted, Seq: s.seq, Err: errors.Errorf("panic: %v", r)})
		}
	}()

	pace := time.NewTimer(s.opts.pacingInterval)
	defer pace.Stop()

	for s.running.Load() {
		if err := s.step(conn); err != nil {
			s.fail(err)
			return
		}
		if !s.running.Load() {
			return
		}

		pace.Reset(s.opts.pacingInterval)
		select {
		case <-s.ctx.Done():
			return
		case <-pace.C:
		}
	}
}

// step handles one frame. Per-frame failures are logged and swallowed; the
// returned error ends the session.
func (s *Session) step(conn Transport) error {
	img, err := s.source.Frame(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, frame.ErrNotReady) {
			s.log.Warn("frame source", zap.Error(err))
		}
		s.metrics.IncrementFramesSkipped()
		return nil
	}

	s.seq++
	seq := s.seq
	log := s.log.With(zap.Uint64("seq", seq))

	payload, err := s.encoder.Encode(img)
	if err != nil {
		s.skip(&Error{Kind: ErrEncode, Seq: seq, Err: err})
		return nil
	}
	md := s.metadata()
	meta, err := json.Marshal(md)
	if err != nil {
		s.skip(&Error{Kind: ErrEncode, Seq: seq, Err: errors.Wrap(err, "metadata")})
		return nil
	}

	sentAt := time.Now()
	if err := conn.WriteText(meta); err != nil {
		if !s.running.Load() {
			return nil
		}
		if errors.Is(err, ErrTransportClosed) {
			return &Error{Kind: ErrTransportClosed, Seq: seq, Err: errors.Wrap(err, "metadata write")}
		}
		s.skip(&Error{Kind: ErrSend, Seq: seq, Err: err})
		return nil
	}
	if err := conn.WriteBinary(payload); err != nil {
		if !s.running.Load() {
			return nil
		}
		// The service already holds the metadata, so the next pair would be misread.
		return &Error{Kind: ErrTransportClosed, Seq: seq, Err: errors.Wrap(err, "payload write")}
	}
	s.metrics.IncrementFramesSent()
	log.Debug("frame sent", zap.Int("bytes", len(payload)), zap.Float64("threshold", md.Threshold))

	msg, err := s.awaitReply(seq)
	if err != nil {
		if !s.running.Load() {
			return nil
		}
		return err
	}

	dets, perr := parseReply(msg)
	if perr != nil {
		perr.Seq = seq
		s.skip(perr)
		return nil
	}

	res := Result{
		Seq:        seq,
		Frame:      img,
		Detections: dets,
		SentAt:     sentAt,
		ReceivedAt: time.Now(),
	}
	if s.opts.renderer != nil {
		res.Annotated = s.opts.renderer.Annotate(img, dets)
	}
	s.mu.Lock()
	s.latest = res
	s.mu.Unlock()

	s.metrics.RecordReply(res.ReceivedAt.Sub(sentAt))
	s.metrics.AddDetections(len(dets))
	log.Debug("reply applied", zap.Int("detections", len(dets)), zap.Duration("rtt", res.ReceivedAt.Sub(sentAt)))

	if s.opts.onResult != nil {
		s.opts.onResult(res)
	}
	return nil
}

func (s *Session) awaitReply(seq uint64) ([]byte, error) {
	ctx := s.ctx
	if s.opts.replyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.replyTimeout)
		defer cancel()
	}

	msg, err := s.queue.Pop(ctx)
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, ErrQueueClosed):
		return nil, &Error{Kind: ErrTransportClosed, Seq: seq}
	case errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil:
		return nil, &Error{Kind: ErrStalled, Seq: seq, Err: errors.Errorf("waited %s", s.opts.replyTimeout)}
	}
	return nil, err
}

// parseReply accepts a detection array or the service's {"error": ...} object.
func parseReply(msg []byte) ([]models.Detection, *Error) {
	var dets models.DetectionResult
	err := json.Unmarshal(msg, &dets)
	if err == nil {
		return dets, nil
	}

	var reply models.ErrorReply
	if json.Unmarshal(msg, &reply) == nil && reply.Error != "" {
		return nil, &Error{Kind: ErrServiceReply, Err: errors.New(reply.Error)}
	}
	return nil, &Error{Kind: ErrReplyParse, Err: err}
}

func (s *Session) skip(err *Error) {
	s.log.Warn("frame failed", zap.Uint64("seq", err.Seq), zap.Error(err))
	switch err.Kind {
	case ErrSend:
		s.metrics.IncrementSendErrors()
	case ErrReplyParse, ErrServiceReply:
		s.metrics.IncrementReplyErrors()
	default:
		s.metrics.IncrementFramesSkipped()
		s.metrics.IncrementErrors()
	}
}

// fail ends a streaming session on a session-level error. Only the first
// failure is kept, and a user Disconnect takes precedence.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.status != StatusStreaming {
		s.mu.Unlock()
		return
	}
	s.status = StatusDisconnected
	s.err = err
	conn := s.conn
	s.mu.Unlock()

	s.running.Store(false)
	s.cancel()
	s.queue.Close()
	_ = conn.Close()

	if IsNormalClose(err) {
		s.log.Info("service closed the connection", zap.Error(err))
	} else {
		s.log.Error("session ended", zap.Error(err))
	}
	s.metrics.IncrementErrors()
	s.notify(StatusDisconnected, err)
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) notify(status Status, err error) {
	if s.opts.onStatus != nil {
		s.opts.onStatus(status, err)
	}
}
