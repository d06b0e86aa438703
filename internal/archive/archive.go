package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/models"
)

// Archive keeps frames that produced detections, next to their predictions,
// in an S3-compatible bucket:
//
//	<bucket>/frames/<session>/<seq>.jpg
//	<bucket>/predictions/<session>/<seq>.json
type Archive struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

func New(opts Options, logger *zap.Logger) (*Archive, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MinIO client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{client: client, bucket: opts.Bucket, logger: logger.Named("archive")}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", a.bucket)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrapf(err, "create bucket %s", a.bucket)
	}
	a.logger.Info("bucket created", zap.String("bucket", a.bucket))
	return nil
}

func (a *Archive) Name() string { return "minio" }

func (a *Archive) Record(ctx context.Context, rec models.FrameRecord) error {
	if len(rec.Frame) > 0 {
		if err := a.put(ctx, FrameKey(rec.SessionID, rec.Seq), rec.Frame, "image/jpeg"); err != nil {
			return err
		}
	}

	data, err := json.Marshal(rec.Detections)
	if err != nil {
		return errors.Wrap(err, "marshal detections")
	}
	return a.put(ctx, PredictionKey(rec.SessionID, rec.Seq), data, "application/json")
}

func (a *Archive) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	a.logger.Debug("object stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

func (a *Archive) Close() error { return nil }

func FrameKey(session string, seq uint64) string {
	return fmt.Sprintf("frames/%s/%06d.jpg", session, seq)
}

func PredictionKey(session string, seq uint64) string {
	return fmt.Sprintf("predictions/%s/%06d.json", session, seq)
}
