package store

import (
	"context"
	"time"

	"github.com/smallbiznis/collectr/internal/idempotency/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyRecord is the relational form of domain.Record.
type IdempotencyRecord struct {
	Key       string `gorm:"column:idem_key;type:text;primaryKey"`
	State     string `gorm:"type:text;not null"`
	Value     []byte
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// GormStore uses the primary key as the reservation primitive.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB, now func() time.Time) *GormStore {
	if now == nil {
		now = time.Now
	}
	return &GormStore{db: db, now: now}
}

func (s *GormStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)

	if err := db.Exec(
		`DELETE FROM idempotency_records WHERE idem_key = ? AND expires_at <= ?`,
		key, now,
	).Error; err != nil {
		return false, err
	}

	rec := IdempotencyRecord{
		Key:       key,
		State:     string(domain.StatePending),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idem_key"}},
		DoNothing: true,
	}).Create(&rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) Get(ctx context.Context, key string) (*domain.Record, error) {
	var row IdempotencyRecord
	err := s.db.WithContext(ctx).Raw(
		`SELECT idem_key, state, value, expires_at, created_at, updated_at
		 FROM idempotency_records
		 WHERE idem_key = ? AND expires_at > ?`,
		key, s.now().UTC(),
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Key == "" {
		return nil, nil
	}
	return &domain.Record{
		Key:       row.Key,
		State:     domain.State(row.State),
		Value:     row.Value,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

func (s *GormStore) Complete(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now().UTC()
	rec := IdempotencyRecord{
		Key:       key,
		State:     string(domain.StateCompleted),
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idem_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "value", "expires_at", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) Release(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE idem_key = ? AND state = ?`,
		key, string(domain.StatePending),
	).Error
}
