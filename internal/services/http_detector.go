package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/models"
)

// HTTPDetector posts frames as multipart forms to a model server.
type HTTPDetector struct {
	URL       string
	HealthURL string
	Classes   []string

	client *http.Client
	logger *zap.Logger
}

func NewHTTPDetector(predictURL string, timeout time.Duration, logger *zap.Logger) (*HTTPDetector, error) {
	u, err := url.Parse(predictURL)
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid detector url %q", predictURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	health := *u
	health.Path = "/health"
	health.RawQuery = ""

	return &HTTPDetector{
		URL:       predictURL,
		HealthURL: health.String(),
		Classes:   DefaultClasses,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.Named("detector.http"),
	}, nil
}

func (d *HTTPDetector) Name() string { return "http" }

func (d *HTTPDetector) Detect(ctx context.Context, jpeg []byte, threshold float64) ([]models.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, errors.Wrap(err, "create form part")
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, errors.Wrap(err, "write image data")
	}
	if err := writer.WriteField("threshold", strconv.FormatFloat(threshold, 'f', -1, 64)); err != nil {
		return nil, errors.Wrap(err, "write threshold")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "close writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, &buf)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bad status: %s, error: %s", resp.Status, body)
	}

	dets, err := decodeDetections(body)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("detected", zap.Int("detections", len(dets)), zap.Int("bytes", len(jpeg)))
	return LabelDetections(dets, d.Classes), nil
}

// decodeDetections accepts {"detections": [...]} as well as a bare array.
func decodeDetections(body []byte) ([]models.Detection, error) {
	var wrapped struct {
		Detections []models.Detection `json:"detections"`
		Error      string             `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped.Error != "" {
			return nil, errors.Errorf("detector error: %s", wrapped.Error)
		}
		return wrapped.Detections, nil
	}

	var dets []models.Detection
	if err := json.Unmarshal(body, &dets); err != nil {
		return nil, errors.Wrap(err, "decode detections")
	}
	return dets, nil
}

func (d *HTTPDetector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.HealthURL, nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "health request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("detector unhealthy: %s", resp.Status)
	}
	return nil
}

func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
