package models

import "time"

// FrameRecord is one answered frame as handed to the recorders on the
// service side.
type FrameRecord struct {
	SessionID  string
	Seq        uint64
	Metadata   FrameMetadata
	Frame      []byte
	Detections []Detection
	ReceivedAt time.Time
}

// DetectionRecord is one persisted detection row.
type DetectionRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Threshold  float64   `json:"threshold"`
	DamageType string    `json:"damage_type"`
	Score      float64   `json:"score"`
	Box        Box       `json:"box"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	CreatedAt  time.Time `json:"created_at"`
}

// DetectionEvent is the message published for every answered frame.
type DetectionEvent struct {
	SessionID  string      `json:"session_id"`
	Seq        uint64      `json:"seq"`
	Threshold  float64     `json:"threshold"`
	Latitude   *float64    `json:"latitude"`
	Longitude  *float64    `json:"longitude"`
	Detections []Detection `json:"detections"`
	Timestamp  time.Time   `json:"timestamp"`
}
