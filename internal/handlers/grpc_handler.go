package handlers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/services"
)

// GRPCHandler answers the unary Detect call with the same processing as the
// websocket endpoint, so one roadlens server can front another.
type GRPCHandler struct {
	processor *FrameProcessor
	metrics   *services.Metrics
	logger    *zap.Logger
}

func NewGRPCHandler(processor *FrameProcessor, metrics *services.Metrics, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = services.GetMetrics()
	}
	return &GRPCHandler{processor: processor, metrics: metrics, logger: logger.Named("handlers.grpc")}
}

type detectServer interface {
	Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var detectServiceDesc = grpc.ServiceDesc{
	ServiceName: services.DetectorService,
	HandlerType: (*detectServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Detect",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(detectServer).Detect(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: services.DetectMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return srv.(detectServer).Detect(ctx, req.(*wrapperspb.BytesValue))
			})
		},
	}},
	Metadata: "roadlens/detector.proto",
}

// RegisterGRPCHandler exposes h on s under the detector service name.
func RegisterGRPCHandler(s grpc.ServiceRegistrar, h *GRPCHandler) {
	s.RegisterService(&detectServiceDesc, h)
}

func (h *GRPCHandler) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	start := time.Now()

	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "frame is required")
	}
	if h.processor == nil || h.processor.Detector == nil {
		return nil, status.Error(codes.Unavailable, "no detector configured")
	}

	threshold := thresholdFromContext(ctx)
	dets, err := h.processor.Process(ctx, req.GetValue(), threshold)
	if err != nil {
		h.logger.Warn("detect failed", zap.Int("bytes", len(req.GetValue())), zap.Error(err))
		h.metrics.IncrementErrors()
		if fe, ok := err.(*FrameError); ok && fe.Reply == ReplyInvalidImage {
			return nil, status.Error(codes.InvalidArgument, fe.Reply)
		}
		return nil, status.Error(codes.Internal, "processing failed")
	}

	out, err := detectionsStruct(dets)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode reply")
	}

	h.metrics.RecordReply(time.Since(start))
	h.metrics.AddDetections(len(dets))
	h.logger.Debug("frame processed", zap.Duration("took", time.Since(start)), zap.Int("detections", len(dets)))
	return out, nil
}

func thresholdFromContext(ctx context.Context) float64 {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return models.DefaultThreshold
	}
	vals := md.Get(services.ThresholdMetadataKey)
	if len(vals) == 0 {
		return models.DefaultThreshold
	}
	t, err := strconv.ParseFloat(vals[0], 64)
	if err != nil || t < 0 || t > 1 {
		return models.DefaultThreshold
	}
	return t
}

// detectionsStruct builds {"detections": [...]} through JSON so the field
// names match the websocket reply.
func detectionsStruct(dets []models.Detection) (*structpb.Struct, error) {
	if dets == nil {
		dets = []models.Detection{}
	}
	data, err := json.Marshal(map[string]interface{}{"detections": dets})
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
