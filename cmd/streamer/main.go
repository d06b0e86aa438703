// Package main is the streaming client: it replays a directory of road
// images to a detection endpoint at camera pace and saves annotated frames.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/config"
	"github.com/roadlens/roadlens/internal/frame"
	"github.com/roadlens/roadlens/internal/logging"
	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/render"
	"github.com/roadlens/roadlens/internal/stream"
)

const (
	flagConfig       = "config"
	flagFrames       = "frames"
	flagEndpoint     = "endpoint"
	flagThreshold    = "threshold"
	flagLatitude     = "lat"
	flagLongitude    = "lon"
	flagInterval     = "interval"
	flagReplyTimeout = "reply-timeout"
	flagLoop         = "loop"
	flagOut          = "out"
)

func main() {
	app := &cli.App{
		Name:            "streamer",
		Usage:           "stream road frames to a roadlens detection endpoint",
		HideHelpCommand: true,
		Commands: []*cli.Command{{
			Name:      "run",
			Usage:     "replay a directory of frames and print detections",
			UsageText: "streamer run --frames DIR [other options]",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: flagConfig, Usage: "path to YAML config"},
				&cli.StringFlag{Name: flagFrames, Required: true, Usage: "directory of JPEG/PNG frames"},
				&cli.StringFlag{Name: flagEndpoint, Usage: "websocket endpoint, overrides config"},
				&cli.Float64Flag{Name: flagThreshold, Usage: "confidence threshold in [0,1]"},
				&cli.Float64Flag{Name: flagLatitude, Usage: "latitude sent with every frame"},
				&cli.Float64Flag{Name: flagLongitude, Usage: "longitude sent with every frame"},
				&cli.DurationFlag{Name: flagInterval, Usage: "pacing interval between frames"},
				&cli.DurationFlag{Name: flagReplyTimeout, Usage: "give up on a reply after this long, 0 waits forever"},
				&cli.BoolFlag{Name: flagLoop, Usage: "restart from the first frame when the directory ends"},
				&cli.StringFlag{Name: flagOut, Usage: "write annotated frames to this directory"},
			},
			Action: runAction,
		}},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg)
	if err != nil {
		return errors.Wrap(err, "logger")
	}
	defer func() { _ = logger.Sync() }()

	src, err := frame.NewDirSource(c.String(flagFrames), c.Bool(flagLoop))
	if err != nil {
		return err
	}

	out := c.String(flagOut)
	if out != "" {
		if err := os.MkdirAll(out, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", out)
		}
	}

	opts := []stream.Option{
		stream.WithEndpoint(cfg.Stream.Endpoint),
		stream.WithPacingInterval(cfg.Stream.PacingInterval),
		stream.WithReplyTimeout(cfg.Stream.ReplyTimeout),
		stream.WithThreshold(cfg.Stream.Threshold),
		stream.WithDialer(stream.WebSocketDialer{HandshakeTimeout: cfg.Stream.DialTimeout}.Dial),
		stream.WithRenderer(render.New()),
		stream.WithLogger(logger),
		stream.WithResultHandler(func(r stream.Result) { handleResult(logger, out, r) }),
		stream.WithStatusHandler(func(st stream.Status, err error) {
			logger.Info("session status", zap.Stringer("status", st), zap.Error(err))
		}),
	}
	if c.IsSet(flagLatitude) && c.IsSet(flagLongitude) {
		opts = append(opts, stream.WithLocation(c.Float64(flagLatitude), c.Float64(flagLongitude)))
	}

	s := stream.New(src, frame.NewJPEGEncoder(cfg.Stream.JPEGQuality), opts...)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	logger.Info("streaming",
		zap.String("session", s.ID()),
		zap.String("endpoint", cfg.Stream.Endpoint),
		zap.Int("frames", src.Len()))

	select {
	case <-ctx.Done():
		logger.Info("interrupted")
	case <-s.Done():
	case <-src.Done():
		// the loop asked past the last file, so its reply was handled
	}

	_ = s.Disconnect()
	<-s.Done()

	if err := s.Err(); err != nil {
		return err
	}
	return nil
}

// applyFlags layers explicit flags over the loaded config.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(flagEndpoint) {
		cfg.Stream.Endpoint = c.String(flagEndpoint)
	}
	if c.IsSet(flagThreshold) {
		cfg.Stream.Threshold = c.Float64(flagThreshold)
	}
	if c.IsSet(flagInterval) {
		cfg.Stream.PacingInterval = c.Duration(flagInterval)
	}
	if c.IsSet(flagReplyTimeout) {
		cfg.Stream.ReplyTimeout = c.Duration(flagReplyTimeout)
	}
}

func handleResult(logger *zap.Logger, out string, r stream.Result) {
	labels := lo.Map(r.Detections, func(d models.Detection, _ int) string { return d.Caption() })
	fmt.Printf("frame %d: %d detections (%s) %v\n",
		r.Seq, len(r.Detections), strings.Join(labels, ", "), r.ReceivedAt.Sub(r.SentAt).Round(time.Millisecond))

	if out == "" || r.Annotated == nil {
		return
	}
	path := filepath.Join(out, fmt.Sprintf("frame_%06d.jpg", r.Seq))
	if err := imaging.Save(r.Annotated, path); err != nil {
		logger.Warn("save annotated frame", zap.String("path", path), zap.Error(err))
	}
}
