package services

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts frame traffic for both ends of the streaming protocol. It
// is safe for concurrent use and doubles as a prometheus.Collector.
type Metrics struct {
	framesSent     atomic.Int64
	framesSkipped  atomic.Int64
	repliesApplied atomic.Int64
	replyErrors    atomic.Int64
	sendErrors     atomic.Int64
	totalErrors    atomic.Int64
	totalLatency   atomic.Int64
	lastFrameTime  atomic.Int64

	wsConnections atomic.Int64
	wsMessages    atomic.Int64
	wsErrors      atomic.Int64
	detections    atomic.Int64
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

func NewMetrics() *Metrics {
	return &Metrics{}
}

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics()
	})
	return metricsInstance
}

func (m *Metrics) IncrementFramesSent() {
	m.framesSent.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementFramesSkipped() {
	m.framesSkipped.Add(1)
}

// RecordReply counts a reply applied to its frame and the round trip it took.
func (m *Metrics) RecordReply(latency time.Duration) {
	m.repliesApplied.Add(1)
	m.totalLatency.Add(latency.Milliseconds())
}

func (m *Metrics) IncrementReplyErrors() {
	m.replyErrors.Add(1)
	m.totalErrors.Add(1)
}

func (m *Metrics) IncrementSendErrors() {
	m.sendErrors.Add(1)
	m.totalErrors.Add(1)
}

func (m *Metrics) IncrementErrors() {
	m.totalErrors.Add(1)
}

func (m *Metrics) AddDetections(n int) {
	m.detections.Add(int64(n))
}

func (m *Metrics) GetFramesSent() int64     { return m.framesSent.Load() }
func (m *Metrics) GetFramesSkipped() int64  { return m.framesSkipped.Load() }
func (m *Metrics) GetRepliesApplied() int64 { return m.repliesApplied.Load() }
func (m *Metrics) GetReplyErrors() int64    { return m.replyErrors.Load() }
func (m *Metrics) GetSendErrors() int64     { return m.sendErrors.Load() }
func (m *Metrics) GetTotalErrors() int64    { return m.totalErrors.Load() }
func (m *Metrics) GetDetections() int64     { return m.detections.Load() }
func (m *Metrics) GetLastFrameTime() int64  { return m.lastFrameTime.Load() }

func (m *Metrics) GetAvgLatency() float64 {
	replies := m.repliesApplied.Load()
	if replies == 0 {
		return 0
	}
	return float64(m.totalLatency.Load()) / float64(replies)
}

func (m *Metrics) IncrementWebSocketConnections() {
	m.wsConnections.Add(1)
}

// DecrementWebSocketConnections decrements WebSocket connection count
func (m *Metrics) DecrementWebSocketConnections() {
	m.wsConnections.Add(-1)
}

// GetWebSocketConnections returns current WebSocket connections
func (m *Metrics) GetWebSocketConnections() int64 {
	return m.wsConnections.Load()
}

func (m *Metrics) IncrementWebSocketMessages() {
	m.wsMessages.Add(1)
}

func (m *Metrics) GetWebSocketMessages() int64 {
	return m.wsMessages.Load()
}

func (m *Metrics) IncrementWebSocketErrors() {
	m.wsErrors.Add(1)
}

func (m *Metrics) GetWebSocketErrors() int64 {
	return m.wsErrors.Load()
}

// Snapshot returns every counter keyed by its JSON name.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"frames_sent":     m.GetFramesSent(),
		"frames_skipped":  m.GetFramesSkipped(),
		"replies_applied": m.GetRepliesApplied(),
		"reply_errors":    m.GetReplyErrors(),
		"send_errors":     m.GetSendErrors(),
		"total_errors":    m.GetTotalErrors(),
		"detections":      m.GetDetections(),
		"avg_latency_ms":  m.GetAvgLatency(),
		"last_frame_time": m.GetLastFrameTime(),
		"websocket": map[string]interface{}{
			"connections": m.GetWebSocketConnections(),
			"messages":    m.GetWebSocketMessages(),
			"errors":      m.GetWebSocketErrors(),
		},
	}
}

var (
	descFramesSent    = prometheus.NewDesc("roadlens_frames_sent_total", "Frames sent or answered.", nil, nil)
	descFramesSkipped = prometheus.NewDesc("roadlens_frames_skipped_total", "Pacing iterations that sent nothing.", nil, nil)
	descReplies       = prometheus.NewDesc("roadlens_replies_applied_total", "Detection replies paired with a frame.", nil, nil)
	descErrors        = prometheus.NewDesc("roadlens_errors_total", "Per-frame errors by stage.", []string{"stage"}, nil)
	descDetections    = prometheus.NewDesc("roadlens_detections_total", "Detections returned.", nil, nil)
	descLatency       = prometheus.NewDesc("roadlens_reply_latency_avg_ms", "Average send-to-reply latency.", nil, nil)
	descConnections   = prometheus.NewDesc("roadlens_websocket_connections", "Open websocket connections.", nil, nil)
	descMessages      = prometheus.NewDesc("roadlens_websocket_messages_total", "Websocket messages read.", nil, nil)
)

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descFramesSent
	ch <- descFramesSkipped
	ch <- descReplies
	ch <- descErrors
	ch <- descDetections
	ch <- descLatency
	ch <- descConnections
	ch <- descMessages
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descFramesSent, prometheus.CounterValue, float64(m.GetFramesSent()))
	ch <- prometheus.MustNewConstMetric(descFramesSkipped, prometheus.CounterValue, float64(m.GetFramesSkipped()))
	ch <- prometheus.MustNewConstMetric(descReplies, prometheus.CounterValue, float64(m.GetRepliesApplied()))
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(m.GetReplyErrors()), "reply")
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(m.GetSendErrors()), "send")
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(m.GetWebSocketErrors()), "websocket")
	ch <- prometheus.MustNewConstMetric(descDetections, prometheus.CounterValue, float64(m.GetDetections()))
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, m.GetAvgLatency())
	ch <- prometheus.MustNewConstMetric(descConnections, prometheus.GaugeValue, float64(m.GetWebSocketConnections()))
	ch <- prometheus.MustNewConstMetric(descMessages, prometheus.CounterValue, float64(m.GetWebSocketMessages()))
}
