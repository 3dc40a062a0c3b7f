package repository

import (
	"context"
	"time"

	"DealSync/internal/model"
)

// AppendAudit 追加一条审计日志。日志只增不改，回滚以新条目表达
func (r *reconRepository) AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *reconRepository) GetAuditByIDs(ctx context.Context, ids []uint64) ([]*model.AuditLogEntry, error) {
	if len(ids) == 0 {
		return []*model.AuditLogEntry{}, nil
	}
	var entries []*model.AuditLogEntry
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).
		Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListAuditAfter 按时间阈值拉取 owner 的审计条目（回滚用，新的在前）
func (r *reconRepository) ListAuditAfter(ctx context.Context, ownerID string, after time.Time) ([]*model.AuditLogEntry, error) {
	var entries []*model.AuditLogEntry
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND created_at > ?", ownerID, after).
		Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *reconRepository) ListRecentAudit(ctx context.Context, ownerID string, limit int) ([]*model.AuditLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	db := r.db.WithContext(ctx).Model(&model.AuditLogEntry{})
	if ownerID != "" {
		db = db.Where("owner_id = ?", ownerID)
	}
	var entries []*model.AuditLogEntry
	if err := db.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
