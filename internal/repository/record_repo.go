package repository

import (
	"context"
	"time"

	"DealSync/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecordFilter 记录查询过滤条件
type RecordFilter struct {
	OwnerID string     // 归属人（空=全部）
	From    *time.Time // 日期范围起
	To      *time.Time // 日期范围止
}

// SideStats 单侧集合的汇总统计
type SideStats struct {
	Total   int64   // 活跃记录总数
	Orphans int64   // 无对端关联的记录数
	Revenue float64 // 活跃记录金额合计
}

// ReconRepository 对账仓储：两张记录表 + 审计日志的唯一读写路径。
// 写方法只允许在 Transaction 内调用，事务是仅有的写入口。
type ReconRepository interface {
	// 读
	ActivityStats(ctx context.Context, f RecordFilter) (SideStats, error)
	DealStats(ctx context.Context, f RecordFilter) (SideStats, error)
	ListOwnerIDs(ctx context.Context) ([]string, error)
	ListOrphanActivities(ctx context.Context, f RecordFilter, limit int) ([]*model.SalesActivity, error)
	ListOrphanDeals(ctx context.Context, f RecordFilter, limit int) ([]*model.Deal, error)
	ListActiveActivities(ctx context.Context, f RecordFilter, limit int) ([]*model.SalesActivity, error)
	GetActivity(ctx context.Context, id uint64) (*model.SalesActivity, error)
	GetDeal(ctx context.Context, id uint64) (*model.Deal, error)

	// 写（仅事务内使用）
	LinkPair(ctx context.Context, activityID, dealID uint64) (bool, error)
	UnlinkPair(ctx context.Context, activityID, dealID uint64) error
	CreateActivity(ctx context.Context, a *model.SalesActivity) error
	CreateDeal(ctx context.Context, d *model.Deal) error
	DeleteActivity(ctx context.Context, id uint64) error
	DeleteDeal(ctx context.Context, id uint64) error
	MarkActivityMerged(ctx context.Context, id, survivorID uint64) error
	RestoreActivity(ctx context.Context, snap *model.SalesActivity) error
	RestoreDeal(ctx context.Context, snap *model.Deal) error

	// 审计（audit_repo.go）
	AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error
	GetAuditByIDs(ctx context.Context, ids []uint64) ([]*model.AuditLogEntry, error)
	ListAuditAfter(ctx context.Context, ownerID string, after time.Time) ([]*model.AuditLogEntry, error)
	ListRecentAudit(ctx context.Context, ownerID string, limit int) ([]*model.AuditLogEntry, error)

	// Transaction 在一个数据库事务内执行 fn，fn 返回错误则整体回滚
	Transaction(ctx context.Context, fn func(tx ReconRepository) error) error
}

type reconRepository struct {
	db *gorm.DB
}

// NewReconRepository 创建 ReconRepository 实例
func NewReconRepository(db *gorm.DB) ReconRepository {
	return &reconRepository{db: db}
}

func (r *reconRepository) Transaction(ctx context.Context, fn func(tx ReconRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&reconRepository{db: tx})
	})
}

// applyFilter 通用过滤：仅活跃记录 + 可选 owner + 可选日期范围
func applyFilter(db *gorm.DB, f RecordFilter, dateColumn string) *gorm.DB {
	db = db.Where("status = ?", model.RecordStatusActive)
	if f.OwnerID != "" {
		db = db.Where("owner_id = ?", f.OwnerID)
	}
	if f.From != nil {
		db = db.Where(dateColumn+" >= ?", *f.From)
	}
	if f.To != nil {
		db = db.Where(dateColumn+" <= ?", *f.To)
	}
	return db
}

type sideStatsRow struct {
	Total   int64
	Orphans int64
	Revenue float64
}

func (r *reconRepository) ActivityStats(ctx context.Context, f RecordFilter) (SideStats, error) {
	var row sideStatsRow
	db := applyFilter(r.db.WithContext(ctx).Model(&model.SalesActivity{}), f, "activity_date")
	if err := db.Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE deal_id IS NULL) AS orphans, COALESCE(SUM(amount), 0) AS revenue").
		Scan(&row).Error; err != nil {
		return SideStats{}, err
	}
	return SideStats{Total: row.Total, Orphans: row.Orphans, Revenue: row.Revenue}, nil
}

func (r *reconRepository) DealStats(ctx context.Context, f RecordFilter) (SideStats, error) {
	var row sideStatsRow
	db := applyFilter(r.db.WithContext(ctx).Model(&model.Deal{}), f, "stage_changed_at")
	if err := db.Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE activity_id IS NULL) AS orphans, COALESCE(SUM(value), 0) AS revenue").
		Scan(&row).Error; err != nil {
		return SideStats{}, err
	}
	return SideStats{Total: row.Total, Orphans: row.Orphans, Revenue: row.Revenue}, nil
}

func (r *reconRepository) ListOwnerIDs(ctx context.Context) ([]string, error) {
	var owners []string
	if err := r.db.WithContext(ctx).Model(&model.SalesActivity{}).
		Distinct("owner_id").Pluck("owner_id", &owners).Error; err != nil {
		return nil, err
	}
	var dealOwners []string
	if err := r.db.WithContext(ctx).Model(&model.Deal{}).
		Distinct("owner_id").Pluck("owner_id", &dealOwners).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		seen[o] = struct{}{}
	}
	for _, o := range dealOwners {
		if _, ok := seen[o]; !ok {
			owners = append(owners, o)
			seen[o] = struct{}{}
		}
	}
	return owners, nil
}

func (r *reconRepository) ListOrphanActivities(ctx context.Context, f RecordFilter, limit int) ([]*model.SalesActivity, error) {
	if limit <= 0 {
		limit = 2000
	}
	var list []*model.SalesActivity
	db := applyFilter(r.db.WithContext(ctx).Model(&model.SalesActivity{}), f, "activity_date").
		Where("deal_id IS NULL")
	if err := db.Order("activity_date ASC, id ASC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *reconRepository) ListOrphanDeals(ctx context.Context, f RecordFilter, limit int) ([]*model.Deal, error) {
	if limit <= 0 {
		limit = 2000
	}
	var list []*model.Deal
	db := applyFilter(r.db.WithContext(ctx).Model(&model.Deal{}), f, "stage_changed_at").
		Where("activity_id IS NULL")
	if err := db.Order("stage_changed_at ASC, id ASC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *reconRepository) ListActiveActivities(ctx context.Context, f RecordFilter, limit int) ([]*model.SalesActivity, error) {
	if limit <= 0 {
		limit = 5000
	}
	var list []*model.SalesActivity
	db := applyFilter(r.db.WithContext(ctx).Model(&model.SalesActivity{}), f, "activity_date")
	if err := db.Order("activity_date ASC, id ASC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *reconRepository) GetActivity(ctx context.Context, id uint64) (*model.SalesActivity, error) {
	var a model.SalesActivity
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *reconRepository) GetDeal(ctx context.Context, id uint64) (*model.Deal, error) {
	var d model.Deal
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// LinkPair 条件更新建立双向关联。任一侧已被关联或已合并时返回 false（不算存储错误），
// 且保证不留下单侧关联。
func (r *reconRepository) LinkPair(ctx context.Context, activityID, dealID uint64) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.SalesActivity{}).
		Where("id = ? AND deal_id IS NULL AND status = ?", activityID, model.RecordStatusActive).
		Updates(map[string]interface{}{"deal_id": dealID, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	res = r.db.WithContext(ctx).Model(&model.Deal{}).
		Where("id = ? AND activity_id IS NULL AND status = ?", dealID, model.RecordStatusActive).
		Updates(map[string]interface{}{"activity_id": activityID, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// Deal 侧冲突：撤回活动侧的关联，保持"至多一个活跃关联"不变式
		if err := r.db.WithContext(ctx).Model(&model.SalesActivity{}).
			Where("id = ? AND deal_id = ?", activityID, dealID).
			Updates(map[string]interface{}{"deal_id": nil, "updated_at": now}).Error; err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *reconRepository) UnlinkPair(ctx context.Context, activityID, dealID uint64) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).Model(&model.SalesActivity{}).
		Where("id = ? AND deal_id = ?", activityID, dealID).
		Updates(map[string]interface{}{"deal_id": nil, "updated_at": now}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.Deal{}).
		Where("id = ? AND activity_id = ?", dealID, activityID).
		Updates(map[string]interface{}{"activity_id": nil, "updated_at": now}).Error
}

func (r *reconRepository) CreateActivity(ctx context.Context, a *model.SalesActivity) error {
	if a.ActivityUUID == "" {
		a.ActivityUUID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.RecordStatusActive
	}
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *reconRepository) CreateDeal(ctx context.Context, d *model.Deal) error {
	if d.DealUUID == "" {
		d.DealUUID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = model.RecordStatusActive
	}
	return r.db.WithContext(ctx).Create(d).Error
}

// DeleteActivity 仅供回滚删除引擎补建的记录，外部录入的记录永不走到这里
func (r *reconRepository) DeleteActivity(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.SalesActivity{}).Error
}

func (r *reconRepository) DeleteDeal(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Deal{}).Error
}

// MarkActivityMerged 软删除：状态置 merged 并指向存活记录
func (r *reconRepository) MarkActivityMerged(ctx context.Context, id, survivorID uint64) error {
	return r.db.WithContext(ctx).Model(&model.SalesActivity{}).
		Where("id = ? AND status = ?", id, model.RecordStatusActive).
		Updates(map[string]interface{}{
			"status":      model.RecordStatusMerged,
			"merged_into": survivorID,
			"updated_at":  time.Now(),
		}).Error
}

// RestoreActivity 按快照整行还原（回滚合并/关联用）
func (r *reconRepository) RestoreActivity(ctx context.Context, snap *model.SalesActivity) error {
	return r.db.WithContext(ctx).Model(&model.SalesActivity{}).
		Where("id = ?", snap.ID).
		Updates(map[string]interface{}{
			"counterparty_name": snap.CounterpartyName,
			"amount":            snap.Amount,
			"activity_date":     snap.ActivityDate,
			"deal_id":           snap.DealID,
			"status":            snap.Status,
			"merged_into":       snap.MergedInto,
			"updated_at":        time.Now(),
		}).Error
}

func (r *reconRepository) RestoreDeal(ctx context.Context, snap *model.Deal) error {
	return r.db.WithContext(ctx).Model(&model.Deal{}).
		Where("id = ?", snap.ID).
		Updates(map[string]interface{}{
			"company_name":     snap.CompanyName,
			"value":            snap.Value,
			"stage":            snap.Stage,
			"stage_changed_at": snap.StageChangedAt,
			"activity_id":      snap.ActivityID,
			"status":           snap.Status,
			"merged_into":      snap.MergedInto,
			"updated_at":       time.Now(),
		}).Error
}
