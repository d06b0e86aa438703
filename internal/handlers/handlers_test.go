package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/roadlens/roadlens/internal/frame"
	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/render"
	"github.com/roadlens/roadlens/internal/services"
	"github.com/roadlens/roadlens/internal/stream"
)

// fakeDetector reports a full-frame pothole and a weak crack on whatever
// size it is given.
type fakeDetector struct {
	mu      sync.Mutex
	sizes   []image.Point
	err     error
	healthy error
}

func (d *fakeDetector) Detect(_ context.Context, data []byte, _ float64) ([]models.Detection, error) {
	if d.err != nil {
		return nil, d.err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	size := img.Bounds().Size()
	d.mu.Lock()
	d.sizes = append(d.sizes, size)
	d.mu.Unlock()
	return []models.Detection{
		{ClassID: 3, Label: "Potholes", Score: 0.9, Box: models.Box{0, 0, size.X, size.Y}},
		{ClassID: 0, Label: "Longitudinal Crack", Score: 0.3, Box: models.Box{0, 0, size.X / 2, size.Y / 2}},
	}, nil
}

func (d *fakeDetector) Health(context.Context) error { return d.healthy }
func (d *fakeDetector) Name() string                 { return "fake" }
func (d *fakeDetector) Close() error                 { return nil }

func (d *fakeDetector) seen() []image.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]image.Point(nil), d.sizes...)
}

type fakeRecorder struct {
	name    string
	err     error
	mu      sync.Mutex
	records []models.FrameRecord
}

func (r *fakeRecorder) Name() string { return r.name }
func (r *fakeRecorder) Close() error { return nil }

func (r *fakeRecorder) Record(_ context.Context, rec models.FrameRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return r.err
}

func (r *fakeRecorder) all() []models.FrameRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.FrameRecord(nil), r.records...)
}

type fakeLister struct {
	records []models.DetectionRecord
	err     error
	limit   int
}

func (l *fakeLister) List(_ context.Context, limit int) ([]models.DetectionRecord, error) {
	l.limit = limit
	return l.records, l.err
}

func jpegOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.Gray{Y: 90}), imaging.JPEG))
	return buf.Bytes()
}

func newServer(t *testing.T, api *API, cfg StreamConfig) (*httptest.Server, *StreamHandler) {
	t.Helper()
	if api.Metrics == nil {
		api.Metrics = services.NewMetrics()
	}
	proc := &FrameProcessor{Detector: api.Detector, ModelInput: DefaultModelInput}
	if api.Stream == nil {
		api.Stream = NewStreamHandler(proc, nil, api.Metrics, cfg, nil)
	}
	srv := httptest.NewServer(NewRouter(api, "*"))
	t.Cleanup(srv.Close)
	return srv, api.Stream
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestProcessorResizesAndScalesBack(t *testing.T) {
	det := &fakeDetector{}
	p := &FrameProcessor{Detector: det, ModelInput: DefaultModelInput}

	dets, err := p.Process(context.Background(), jpegOf(t, 320, 240), 0.5)
	require.NoError(t, err)

	assert.Equal(t, []image.Point{{640, 640}}, det.seen())
	require.Len(t, dets, 1, "weak crack filtered out")
	assert.Equal(t, "Potholes", dets[0].Label)
	assert.Equal(t, models.Box{0, 0, 320, 240}, dets[0].Box)

	dets, err = p.Process(context.Background(), jpegOf(t, 640, 640), 0.2)
	require.NoError(t, err)
	assert.Len(t, dets, 2)
	assert.Equal(t, models.Box{0, 0, 320, 320}, dets[1].Box)
}

func TestProcessorErrors(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		proc    *FrameProcessor
		payload []byte
		reply   string
	}{
		{"empty", &FrameProcessor{Detector: &fakeDetector{}}, nil, ReplyNoImage},
		{"not a jpeg", &FrameProcessor{Detector: &fakeDetector{}}, []byte("garbage"), ReplyInvalidImage},
		{"no detector", &FrameProcessor{}, jpegOf(t, 8, 8), ReplyPrediction},
		{"detector fails", &FrameProcessor{Detector: &fakeDetector{err: errors.New("cuda oom")}}, jpegOf(t, 8, 8), ReplyPrediction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.proc.Process(ctx, tc.payload, 0.5)
			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.reply, fe.Reply)
		})
	}
}

func TestStreamEndToEnd(t *testing.T) {
	det := &fakeDetector{}
	rec := &fakeRecorder{name: "mem"}
	metrics := services.NewMetrics()
	h := NewStreamHandler(&FrameProcessor{Detector: det, ModelInput: DefaultModelInput}, rec, metrics, StreamConfig{}, nil)
	srv, _ := newServer(t, &API{Detector: det, Stream: h, Metrics: metrics}, StreamConfig{})

	src := frame.NewMailbox()
	src.Publish(imaging.New(320, 240, color.Black))

	results := make(chan stream.Result, 16)
	s := stream.New(src, frame.NewJPEGEncoder(frame.DefaultJPEGQuality),
		stream.WithEndpoint(wsURL(srv)),
		stream.WithPacingInterval(10*time.Millisecond),
		stream.WithThreshold(0.5),
		stream.WithLocation(48.1, 11.5),
		stream.WithRenderer(render.New()),
		stream.WithResultHandler(func(r stream.Result) {
			select {
			case results <- r:
			default:
			}
		}),
	)
	require.NoError(t, s.Connect(context.Background()))

	var got stream.Result
	select {
	case got = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("no result")
	}
	require.Eventually(t, func() bool { return len(rec.all()) > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Disconnect())
	<-s.Done()
	h.Wait()

	require.Len(t, got.Detections, 1)
	assert.Equal(t, models.Box{0, 0, 320, 240}, got.Detections[0].Box)
	require.NotNil(t, got.Annotated)
	assert.Equal(t, image.Pt(320, 240), got.Annotated.Bounds().Size())

	records := rec.all()
	assert.NotEmpty(t, records[0].SessionID)
	assert.GreaterOrEqual(t, records[0].Seq, uint64(1))
	assert.Equal(t, 0.5, records[0].Metadata.Threshold)
	require.NotNil(t, records[0].Metadata.Latitude)
	assert.Equal(t, 48.1, *records[0].Metadata.Latitude)
	assert.NotEmpty(t, records[0].Frame)
	assert.GreaterOrEqual(t, metrics.GetDetections(), int64(1))
}

func TestStreamProtocolErrors(t *testing.T) {
	det := &fakeDetector{}
	srv, _ := newServer(t, &API{Detector: det}, StreamConfig{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	readError := func() string {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		kind, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, kind)
		var reply models.ErrorReply
		require.NoError(t, json.Unmarshal(msg, &reply))
		return reply.Error
	}
	send := func(kind int, data string) {
		t.Helper()
		require.NoError(t, conn.WriteMessage(kind, []byte(data)))
	}

	send(websocket.BinaryMessage, "jpeg before metadata")
	assert.Equal(t, ReplyInvalidMetadata, readError())

	// the frame after bad metadata is consumed, so the pair gets one reply
	send(websocket.TextMessage, "{not json")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, jpegOf(t, 32, 32)))
	assert.Equal(t, ReplyInvalidMetadata, readError())

	send(websocket.TextMessage, `{"threshold":0.5}`)
	send(websocket.TextMessage, "second text")
	assert.Equal(t, ReplyNoImage, readError())

	send(websocket.TextMessage, `{"threshold":0.5}`)
	send(websocket.BinaryMessage, "")
	assert.Equal(t, ReplyNoImage, readError())

	send(websocket.TextMessage, `{"threshold":0.5,"latitude":null,"longitude":null}`)
	send(websocket.BinaryMessage, "not a jpeg")
	assert.Equal(t, ReplyInvalidImage, readError())

	// the connection is still usable after every error
	send(websocket.TextMessage, `{}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, jpegOf(t, 64, 64)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var dets models.DetectionResult
	require.NoError(t, json.Unmarshal(msg, &dets))
	require.Len(t, dets, 1, "default threshold drops the weak crack")
	assert.Equal(t, models.Box{0, 0, 64, 64}, dets[0].Box)
	assert.Len(t, det.seen(), 1, "the frame after bad metadata is never detected")
}

func TestStreamBadMetadataWithoutFrameCloses(t *testing.T) {
	det := &fakeDetector{}
	srv, _ := newServer(t, &API{Detector: det}, StreamConfig{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"threshold":0.5}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
	assert.Empty(t, det.seen())
}

func TestStreamEmptyResultIsArray(t *testing.T) {
	srv, _ := newServer(t, &API{Detector: &fakeDetector{}}, StreamConfig{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"threshold":0.95}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, jpegOf(t, 32, 32)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(msg))
}

func TestStreamMaxConnections(t *testing.T) {
	srv, h := newServer(t, &API{Detector: &fakeDetector{}}, StreamConfig{MaxConnections: 1})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return h.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamMaxConnectionsConcurrentDials(t *testing.T) {
	const limit, dials = 2, 10
	srv, h := newServer(t, &API{Detector: &fakeDetector{}}, StreamConfig{MaxConnections: limit})

	var (
		mu       sync.Mutex
		conns    []*websocket.Conn
		rejected int
		wg       sync.WaitGroup
	)
	for i := 0; i < dials; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				conns = append(conns, conn)
				return
			}
			if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
				rejected++
			}
		}()
	}
	wg.Wait()
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	assert.Len(t, conns, limit)
	assert.Equal(t, dials-limit, rejected)
	assert.Equal(t, int64(limit), h.Active())
}

func TestStreamCloseAll(t *testing.T) {
	srv, h := newServer(t, &API{Detector: &fakeDetector{}}, StreamConfig{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.CloseAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return h.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestGetDetections(t *testing.T) {
	lat := 50.0
	lister := &fakeLister{records: []models.DetectionRecord{
		{ID: 1, DamageType: "Potholes", Score: 0.8, Threshold: 0.5, Latitude: &lat},
	}}
	srv, _ := newServer(t, &API{Detector: &fakeDetector{}, Store: lister}, StreamConfig{})

	resp, err := http.Get(srv.URL + "/detections/?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Detections []models.DetectionRecord `json:"detections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Detections, 1)
	assert.Equal(t, "Potholes", body.Detections[0].DamageType)
	assert.Equal(t, 5, lister.limit)

	resp2, err := http.Get(srv.URL + "/detections/?limit=abc")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestGetDetectionsFailures(t *testing.T) {
	srv, _ := newServer(t, &API{Detector: &fakeDetector{}, Store: &fakeLister{err: errors.New("connection refused")}}, StreamConfig{})
	resp, err := http.Get(srv.URL + "/detections/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Failed to retrieve detections: connection refused"}`, string(body))

	srv2, _ := newServer(t, &API{Detector: &fakeDetector{}}, StreamConfig{})
	resp, err = http.Get(srv2.URL + "/detections/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	det := &fakeDetector{}
	metrics := services.NewMetrics()
	metrics.AddDetections(3)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics)
	srv, _ := newServer(t, &API{Detector: det, Metrics: metrics, Registry: reg, Version: "test"}, StreamConfig{})

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var st models.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "fake", st.DetectorBackend)
	assert.True(t, st.DetectorHealthy)
	assert.Equal(t, "test", st.Version)

	det.healthy = errors.New("model not loaded")
	resp, err = http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", st.Status)

	resp, err = http.Get(srv.URL + "/api/metrics")
	require.NoError(t, err)
	var snap map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.EqualValues(t, 3, snap["detections"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(text), "roadlens_detections_total 3")
}

func TestCORS(t *testing.T) {
	srv := httptest.NewServer(NewRouter(&API{Detector: &fakeDetector{}}, "http://dash.local"))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/metrics", nil)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://dash.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMultiRecorder(t *testing.T) {
	ok := &fakeRecorder{name: "ok"}
	bad := &fakeRecorder{name: "bad", err: errors.New("broker down")}
	m := NewMultiRecorder(nil, ok, bad)
	assert.Equal(t, 2, m.Len())

	err := m.Record(context.Background(), models.FrameRecord{SessionID: "s", Seq: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.all(), 1)
	assert.Len(t, bad.all(), 1)
	assert.NoError(t, m.Close())
}

func TestGRPCHandler(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterGRPCHandler(s, NewGRPCHandler(&FrameProcessor{Detector: &fakeDetector{}, ModelInput: DefaultModelInput}, services.NewMetrics(), nil))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	client, err := services.NewGRPCDetector("passthrough:///bufnet", 2*time.Second, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	defer client.Close()

	dets, err := client.Detect(context.Background(), jpegOf(t, 100, 50), 0.2)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "Potholes", dets[0].Label)
	assert.Equal(t, models.Box{0, 0, 100, 50}, dets[0].Box)

	dets, err = client.Detect(context.Background(), jpegOf(t, 100, 50), 0.5)
	require.NoError(t, err)
	assert.Len(t, dets, 1)

	_, err = client.Detect(context.Background(), []byte("nope"), 0.5)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Detect(context.Background(), nil, 0.5)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
