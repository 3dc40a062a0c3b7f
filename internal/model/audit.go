package model

import (
	"time"

	"gorm.io/datatypes"
)

// 审计动作类型
const (
	ActionAutoLink               = "auto_link"                  // 引擎按置信策略自动关联
	ActionManualLink             = "manual_link"                // 调用方显式指定的手工关联
	ActionCreateDealFromActivity = "create_deal_from_activity"  // 由孤儿活动补建 Deal
	ActionCreateActivityFromDeal = "create_activity_from_deal"  // 由孤儿 Deal 补建活动
	ActionMergeDuplicate         = "merge_duplicate"            // 重复组合并（metadata 即合并前全量快照）
	ActionRollback               = "rollback"                   // 回滚动作，metadata 引用被回滚的条目
)

// AuditLogEntry 对账审计日志（append-only，回滚的唯一依据）。
// metadata 保存动作前快照，保证每个自动动作都可精确撤销。
type AuditLogEntry struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	OwnerID     string         `gorm:"column:owner_id;type:varchar(64);not null;index;comment:归属人ID"`
	Action      string         `gorm:"column:action;type:varchar(32);not null;comment:动作类型"`
	SourceTable string         `gorm:"column:source_table;type:varchar(32);not null;comment:源记录表名"`
	SourceID    uint64         `gorm:"column:source_id;type:bigint;not null;comment:源记录ID"`
	TargetTable string         `gorm:"column:target_table;type:varchar(32);comment:目标记录表名"`
	TargetID    *uint64        `gorm:"column:target_id;type:bigint;comment:目标记录ID（可空）"`
	Confidence  int            `gorm:"column:confidence;type:int;default:0;comment:动作发生时的置信分（0-100）"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb;comment:动作前快照等元数据"`
	CreatedAt   time.Time      `gorm:"column:created_at;type:timestamp;default:now();index;comment:创建时间"`
}

func (AuditLogEntry) TableName() string { return "audit_log_entries" }
