package services

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/roadlens/roadlens/internal/models"
)

const (
	DetectorService      = "roadlens.detector.v1.Detector"
	DetectMethod         = "/" + DetectorService + "/Detect"
	ThresholdMetadataKey = "x-roadlens-threshold"

	maxGRPCMessageSize = 50 * 1024 * 1024
)

// GRPCDetector calls a model server over gRPC. The request is the raw JPEG
// as a BytesValue and the reply a Struct holding a "detections" list, so no
// generated stubs are needed on either side.
type GRPCDetector struct {
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	target  string
	timeout time.Duration
	Classes []string
	logger  *zap.Logger
}

func NewGRPCDetector(target string, timeout time.Duration, logger *zap.Logger, extra ...grpc.DialOption) (*GRPCDetector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("detector.grpc")
	logger.Info("connecting to detector", zap.String("target", target))

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxGRPCMessageSize),
			grpc.MaxCallSendMsgSize(maxGRPCMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to detector at %s", target)
	}

	return &GRPCDetector{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		target:  target,
		timeout: timeout,
		Classes: DefaultClasses,
		logger:  logger,
	}, nil
}

func (d *GRPCDetector) Name() string { return "grpc" }

func (d *GRPCDetector) Detect(ctx context.Context, jpeg []byte, threshold float64) ([]models.Detection, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, ThresholdMetadataKey, strconv.FormatFloat(threshold, 'f', -1, 64))

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(jpeg), resp); err != nil {
		return nil, errors.Wrap(err, "could not detect")
	}

	list, ok := resp.GetFields()["detections"]
	if !ok {
		return nil, nil
	}
	raw, err := protojson.Marshal(list)
	if err != nil {
		return nil, errors.Wrap(err, "encode detections")
	}
	var dets []models.Detection
	if err := json.Unmarshal(raw, &dets); err != nil {
		return nil, errors.Wrap(err, "decode detections")
	}
	return LabelDetections(dets, d.Classes), nil
}

func (d *GRPCDetector) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := d.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: DetectorService})
	if err != nil {
		return errors.Wrap(err, "health check")
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return errors.Errorf("detector status %s", resp.GetStatus())
	}
	return nil
}

func (d *GRPCDetector) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
