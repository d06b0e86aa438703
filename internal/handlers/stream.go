package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/services"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	recordTimeout  = 10 * time.Second
	defaultMaxSize = 16 * 1024 * 1024
)

type StreamConfig struct {
	MaxConnections int
	RatePerMin     int
	MaxMessageSize int64
}

// StreamHandler serves the frame streaming endpoint: each text metadata
// message followed by one binary JPEG gets exactly one text reply.
type StreamHandler struct {
	processor *FrameProcessor
	recorder  Recorder
	metrics   *services.Metrics
	logger    *zap.Logger
	cfg       StreamConfig
	upgrader  websocket.Upgrader

	active    atomic.Int64
	mu        sync.Mutex
	clients   map[string]*wsClient
	recording sync.WaitGroup
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

func NewStreamHandler(processor *FrameProcessor, recorder Recorder, metrics *services.Metrics, cfg StreamConfig, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = services.GetMetrics()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxSize
	}
	return &StreamHandler{
		processor: processor,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.Named("handlers.ws"),
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Active is the number of open streaming connections.
func (h *StreamHandler) Active() int64 { return h.active.Load() }

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the slot is taken before the upgrade so concurrent dials cannot overshoot
	if n := h.active.Add(1); h.cfg.MaxConnections > 0 && n > int64(h.cfg.MaxConnections) {
		h.active.Add(-1)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.active.Add(-1)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn}
	h.register(client)
	defer h.unregister(client)

	log := h.logger.With(zap.String("client", client.id))
	log.Info("client connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.ping(ctx, client)

	h.serve(ctx, client, log)
	log.Info("client disconnected")
}

func (h *StreamHandler) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.IncrementWebSocketConnections()
}

func (h *StreamHandler) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.active.Add(-1)
	h.metrics.DecrementWebSocketConnections()
	_ = c.conn.Close()
}

func (h *StreamHandler) limiter() *rate.Limiter {
	if h.cfg.RatePerMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(h.cfg.RatePerMin)/60), max(1, h.cfg.RatePerMin/60))
}

func (h *StreamHandler) serve(ctx context.Context, c *wsClient, log *zap.Logger) {
	conn := c.conn
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := h.limiter()
	var seq uint64
	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		md, ok := parseMetadata(kind, raw)
		if !ok {
			if kind == websocket.TextMessage && !h.skipPayload(c, log) {
				return
			}
			h.replyError(c, log, ReplyInvalidMetadata, nil)
			continue
		}

		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		seq++
		h.metrics.IncrementWebSocketMessages()
		if kind != websocket.BinaryMessage || len(payload) == 0 {
			h.replyError(c, log, ReplyNoImage, nil)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		start := time.Now()
		dets, err := h.processor.Process(ctx, payload, md.Threshold)
		if err != nil {
			reply := ReplyPrediction
			if fe, ok := err.(*FrameError); ok {
				reply = fe.Reply
			}
			h.replyError(c, log, reply, err)
			continue
		}

		out, _ := json.Marshal(models.DetectionResult(dets))
		if err := c.write(websocket.TextMessage, out); err != nil {
			log.Warn("write failed", zap.Error(err))
			return
		}
		h.metrics.RecordReply(time.Since(start))
		h.metrics.AddDetections(len(dets))
		log.Debug("frame answered", zap.Uint64("seq", seq), zap.Int("detections", len(dets)))

		if len(dets) > 0 && h.recorder != nil {
			h.record(models.FrameRecord{
				SessionID:  c.id,
				Seq:        seq,
				Metadata:   md,
				Frame:      payload,
				Detections: dets,
				ReceivedAt: start,
			})
		}
	}
}

// skipPayload consumes the binary that follows unreadable metadata so the pair
// gets a single reply. Anything else leaves the stream out of step and the
// connection is closed.
func (h *StreamHandler) skipPayload(c *wsClient, log *zap.Logger) bool {
	kind, _, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	if kind == websocket.BinaryMessage {
		return true
	}
	h.metrics.IncrementWebSocketErrors()
	log.Warn("metadata not followed by a frame, closing")
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, ReplyInvalidMetadata))
	return false
}

// parseMetadata decodes the text half of a frame. A missing threshold means
// models.DefaultThreshold.
func parseMetadata(kind int, raw []byte) (models.FrameMetadata, bool) {
	if kind != websocket.TextMessage {
		return models.FrameMetadata{}, false
	}
	var in struct {
		Threshold *float64 `json:"threshold"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.FrameMetadata{}, false
	}
	md := models.FrameMetadata{Threshold: models.DefaultThreshold, Latitude: in.Latitude, Longitude: in.Longitude}
	if in.Threshold != nil {
		md.Threshold = *in.Threshold
	}
	return md, true
}

func (h *StreamHandler) replyError(c *wsClient, log *zap.Logger, reply string, cause error) {
	h.metrics.IncrementWebSocketErrors()
	log.Warn("frame rejected", zap.String("reply", reply), zap.Error(cause))
	out, _ := json.Marshal(models.ErrorReply{Error: reply})
	if err := c.write(websocket.TextMessage, out); err != nil {
		log.Warn("write failed", zap.Error(err))
	}
}

func (h *StreamHandler) record(rec models.FrameRecord) {
	h.recording.Add(1)
	go func() {
		defer h.recording.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		// failures are logged by the recorder
		_ = h.recorder.Record(ctx, rec)
	}()
}

func (h *StreamHandler) ping(ctx context.Context, c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseAll sends a going-away close to every client and drops the connections.
func (h *StreamHandler) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		_ = c.write(websocket.CloseMessage, msg)
		_ = c.conn.Close()
		h.logger.Info("closed connection", zap.String("client", c.id))
	}
}

// Wait blocks until in-flight recordings are done.
func (h *StreamHandler) Wait() {
	h.recording.Wait()
}
