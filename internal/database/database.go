package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/siteops/internal/models"
)

// Store is the sqlite history of deployment runs and notification
// deliveries, plus the desired flags deployments hand to the monitor.
type Store struct {
	db *gorm.DB
}

// Open opens (creating when needed) the database at path and migrates the
// schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.DeploymentRun{},
		&models.PhaseRecord{},
		&models.NotificationRecord{},
		&models.DesiredState{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("history database opened", zap.String("path", path))
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// RecordRun stores a finished run together with its phases.
func (s *Store) RecordRun(ctx context.Context, run *models.DeploymentRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.RunID, err)
	}
	return nil
}

// RecentRuns returns the newest runs first, optionally for one plan only.
func (s *Store) RecentRuns(ctx context.Context, plan string, limit int) ([]models.DeploymentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Order("started_at desc").
		Limit(limit)
	if plan != "" {
		q = q.Where("plan = ?", plan)
	}

	var runs []models.DeploymentRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *Store) RecordNotification(ctx context.Context, rec *models.NotificationRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record notification for %s: %w", rec.Receiver, err)
	}
	return nil
}

// RecentNotifications returns the newest delivery attempts first.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []models.NotificationRecord
	if err := s.db.WithContext(ctx).Order("sent_at desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return recs, nil
}

// RunsBetween returns the runs started in [from, to), oldest first.
func (s *Store) RunsBetween(ctx context.Context, from, to time.Time) ([]models.DeploymentRun, error) {
	var runs []models.DeploymentRun
	err := s.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("started_at >= ? AND started_at < ?", from, to).
		Order("started_at").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// NotificationsBetween returns the delivery attempts made in [from, to),
// oldest first.
func (s *Store) NotificationsBetween(ctx context.Context, from, to time.Time) ([]models.NotificationRecord, error) {
	var recs []models.NotificationRecord
	err := s.db.WithContext(ctx).
		Where("sent_at >= ? AND sent_at < ?", from, to).
		Order("sent_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return recs, nil
}

// SetDesired upserts the desired flag of the named services.
func (s *Store) SetDesired(ctx context.Context, runID string, names []string, desired bool) error {
	if len(names) == 0 {
		return nil
	}
	now := time.Now().UTC()
	states := make([]models.DesiredState, 0, len(names))
	for _, name := range names {
		states = append(states, models.DesiredState{Service: name, Desired: desired, RunID: runID, UpdatedAt: now})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service"}},
			DoUpdates: clause.AssignmentColumns([]string{"desired", "run_id", "updated_at"}),
		}).
		Create(&states).Error
	if err != nil {
		return fmt.Errorf("failed to store desired state: %w", err)
	}
	return nil
}

// DesiredStates returns the persisted desired flags by service.
func (s *Store) DesiredStates(ctx context.Context) (map[string]bool, error) {
	var states []models.DesiredState
	if err := s.db.WithContext(ctx).Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to load desired state: %w", err)
	}
	out := make(map[string]bool, len(states))
	for _, st := range states {
		out[st.Service] = st.Desired
	}
	return out, nil
}
