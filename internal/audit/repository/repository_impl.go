package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/collectr/internal/audit/domain"
	"gorm.io/gorm"
)

const insertAuditLog = `
INSERT INTO audit_logs (
	id, actor_type, actor_id, action, target_type, target_id,
	metadata, ip_address, user_agent, request_id, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, log *domain.AuditLog) error {
	if log == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(insertAuditLog,
		log.ID, log.ActorType, log.ActorID, log.Action, log.TargetType, log.TargetID,
		log.Metadata, log.IPAddress, log.UserAgent, log.RequestID, log.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	q := scoped(db.WithContext(ctx).Model(&domain.AuditLog{}), filter)

	// Keyset on (created_at, id) so pages stay stable while new rows arrive.
	if c := filter.Cursor; c != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt, c.CreatedAt, c.ID)
	}
	q = q.Order("created_at DESC").Order("id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit + 1)
	}

	var out []*domain.AuditLog
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func scoped(q *gorm.DB, filter domain.ListFilter) *gorm.DB {
	equals := []struct {
		column string
		value  string
	}{
		{"action", filter.Action},
		{"target_type", filter.TargetType},
		{"target_id", filter.TargetID},
		{"actor_type", filter.ActorType},
	}
	for _, eq := range equals {
		if v := strings.TrimSpace(eq.value); v != "" {
			q = q.Where(eq.column+" = ?", v)
		}
	}

	if filter.StartAt != nil {
		q = q.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		q = q.Where("created_at <= ?", filter.EndAt.UTC())
	}
	return q
}
