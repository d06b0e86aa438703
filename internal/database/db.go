package database

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" database/sql driver for goose
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

const insertDetection = `
	INSERT INTO detections
		(session_id, seq, threshold, damage_type, score, x1, y1, x2, y2, latitude, longitude, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const listDetections = `
	SELECT id, session_id, threshold, damage_type, score, x1, y1, x2, y2, latitude, longitude, created_at
	FROM detections
	ORDER BY created_at DESC, id DESC
	LIMIT $1`

// Store keeps detections in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	cfg.MaxConns = 25
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("database")
	logger.Info("postgres connected", zap.Int32("max_conns", cfg.MaxConns))
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate applies the embedded migrations.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return errors.Wrap(goose.Up(db, migrationsDir), "migrate")
}

// Record stores one row per detection of the frame.
func (s *Store) Record(ctx context.Context, rec models.FrameRecord) error {
	rows := ToRecords(rec)
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertDetection,
			r.SessionID, rec.Seq, r.Threshold, r.DamageType, r.Score,
			r.Box[0], r.Box[1], r.Box[2], r.Box[3],
			r.Latitude, r.Longitude, r.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return errors.Wrap(err, "insert detection")
		}
	}
	s.logger.Debug("detections stored", zap.String("session", rec.SessionID), zap.Int("rows", len(rows)))
	return nil
}

// List returns the newest detections first.
func (s *Store) List(ctx context.Context, limit int) ([]models.DetectionRecord, error) {
	rows, err := s.pool.Query(ctx, listDetections, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query detections")
	}
	defer rows.Close()

	var out []models.DetectionRecord
	for rows.Next() {
		var r models.DetectionRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Threshold, &r.DamageType, &r.Score,
			&r.Box[0], &r.Box[1], &r.Box[2], &r.Box[3],
			&r.Latitude, &r.Longitude, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan detection")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "read detections")
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("postgres closed")
	}
	return nil
}

// ToRecords flattens an answered frame into detection rows.
func ToRecords(rec models.FrameRecord) []models.DetectionRecord {
	return lo.Map(rec.Detections, func(d models.Detection, _ int) models.DetectionRecord {
		return models.DetectionRecord{
			SessionID:  rec.SessionID,
			Threshold:  rec.Metadata.Threshold,
			DamageType: d.Label,
			Score:      d.Score,
			Box:        d.Box,
			Latitude:   rec.Metadata.Latitude,
			Longitude:  rec.Metadata.Longitude,
			CreatedAt:  rec.ReceivedAt,
		}
	})
}
