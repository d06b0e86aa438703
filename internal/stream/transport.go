package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultCloseGracePeriod = time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024
)

// Transport is one duplex, message-oriented connection to the detection
// service. Writes may be called from one goroutine while another blocks in
// ReadMessage.
type Transport interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	// ReadMessage blocks for the next inbound message. After Close, or when
	// the peer goes away, it returns an error wrapping ErrTransportClosed.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a Transport to endpoint.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// WebSocketDialer dials the service with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	CloseGracePeriod time.Duration
	MaxMessageSize   int64
	Header           http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = DefaultDialTimeout
	}
	if d.WriteWait == 0 {
		d.WriteWait = DefaultWriteWait
	}
	if d.CloseGracePeriod == 0 {
		d.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if d.MaxMessageSize == 0 {
		d.MaxMessageSize = DefaultMaxMessageSize
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", endpoint, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	conn.SetReadLimit(d.MaxMessageSize)

	return &wsTransport{conn: conn, writeWait: d.WriteWait, grace: d.CloseGracePeriod}, nil
}

// DialWebSocket dials with the default WebSocketDialer settings.
func DialWebSocket(ctx context.Context, endpoint string) (Transport, error) {
	return WebSocketDialer{}.Dial(ctx, endpoint)
}

type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	grace     time.Duration

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	broken    error      // first write failure, guarded by writeMu
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) WriteText(data []byte) error {
	return t.write(websocket.TextMessage, data)
}

func (t *wsTransport) WriteBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

// write fails for good after the first error: gorilla leaves the connection
// unusable once a write has failed, including on a deadline.
func (t *wsTransport) write(kind int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.broken != nil {
		return t.broken
	}
	err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	if err == nil {
		err = t.conn.WriteMessage(kind, data)
	}
	if err != nil {
		t.broken = &Error{Kind: ErrTransportClosed, Err: err}
		return t.broken
	}
	return nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, &Error{Kind: ErrTransportClosed, Err: err}
	}
	return data, nil
}

// Close sends a normal-closure frame and tears the connection down. If a
// frame write is in flight the close frame is skipped so Close never waits on it.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.writeMu.TryLock() {
			if t.broken == nil {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = t.conn.SetWriteDeadline(time.Now().Add(t.grace))
				_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
			}
			t.writeMu.Unlock()
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// IsNormalClose reports whether err is the peer closing the connection cleanly.
func IsNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}
