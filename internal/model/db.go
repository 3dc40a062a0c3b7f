package model

import (
	"time"
)

// 记录生命周期状态
const (
	RecordStatusActive = "active" // 正常记录
	RecordStatusMerged = "merged" // 已被合并（软删除，保留 merged_into 指针）
)

// 表名常量（审计条目 source_table/target_table 使用）
const (
	TableActivities = "sales_activities"
	TableDeals      = "deals"
)

// SalesActivity 已完成销售活动（外部录入/导入，引擎只在关联、补建、合并时改写，绝不物理删除）
type SalesActivity struct {
	ID               uint64    `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	ActivityUUID     string    `gorm:"column:activity_uuid;type:varchar(64);uniqueIndex;not null;comment:全局唯一ID"`
	OwnerID          string    `gorm:"column:owner_id;type:varchar(64);not null;index;comment:归属人ID"`
	CounterpartyName string    `gorm:"column:counterparty_name;type:varchar(256);not null;comment:交易对手名称（自由文本）"`
	Amount           float64   `gorm:"column:amount;type:numeric(18,6);default:0;comment:成交金额"`
	ActivityDate     time.Time `gorm:"column:activity_date;type:timestamp;not null;comment:活动日期"`
	DealID           *uint64   `gorm:"column:deal_id;type:bigint;index;comment:关联的Deal ID（可空）"`
	Status           string    `gorm:"column:status;type:varchar(16);default:active;comment:生命周期状态：active/merged"`
	MergedInto       *uint64   `gorm:"column:merged_into;type:bigint;comment:被合并后指向的存活记录ID"`
	CreatedAt        time.Time `gorm:"column:created_at;type:timestamp;default:now();comment:创建时间"`
	UpdatedAt        time.Time `gorm:"column:updated_at;type:timestamp;default:now();comment:更新时间"`
}

// Deal 管道中的交易（pipeline deal），生命周期规则与 SalesActivity 相同
type Deal struct {
	ID             uint64    `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	DealUUID       string    `gorm:"column:deal_uuid;type:varchar(64);uniqueIndex;not null;comment:全局唯一ID"`
	OwnerID        string    `gorm:"column:owner_id;type:varchar(64);not null;index;comment:归属人ID"`
	CompanyName    string    `gorm:"column:company_name;type:varchar(256);not null;comment:交易对手公司名称"`
	Value          float64   `gorm:"column:value;type:numeric(18,6);default:0;comment:交易金额"`
	Stage          string    `gorm:"column:stage;type:varchar(32);default:open;comment:管道阶段：open/won/lost"`
	StageChangedAt time.Time `gorm:"column:stage_changed_at;type:timestamp;not null;comment:阶段最后变更时间"`
	ActivityID     *uint64   `gorm:"column:activity_id;type:bigint;index;comment:反向关联的SalesActivity ID（可空）"`
	Status         string    `gorm:"column:status;type:varchar(16);default:active;comment:生命周期状态：active/merged"`
	MergedInto     *uint64   `gorm:"column:merged_into;type:bigint;comment:被合并后指向的存活记录ID"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamp;default:now();comment:创建时间"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamp;default:now();comment:更新时间"`
}

func (SalesActivity) TableName() string { return "sales_activities" }
func (Deal) TableName() string          { return "deals" }
