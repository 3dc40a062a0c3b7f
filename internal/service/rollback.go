package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"DealSync/internal/interfaces"
	"DealSync/internal/model"
	"DealSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// RollbackManager 按审计条目撤销引擎做过的事：解除关联、删除补建记录、
// 还原被合并记录。全部在一个事务里回放，且自身也落一条 rollback 审计。
type RollbackManager struct {
	repo    repository.ReconRepository
	limiter interfaces.RateLimiter
	logger  *logrus.Logger
}

// NewRollbackManager 创建回滚管理器
func NewRollbackManager(repo repository.ReconRepository, limiter interfaces.RateLimiter, logger *logrus.Logger) *RollbackManager {
	return &RollbackManager{repo: repo, limiter: limiter, logger: logger}
}

// RollbackRequest 回滚请求：显式条目 ID 列表，或按时间阈值（二选一，可并用）
type RollbackRequest struct {
	OwnerID       string     // 调用方的授权范围，归属不符的条目不会被回滚
	AuditLogIDs   []uint64   // 显式条目列表
	TimeThreshold *time.Time // 回滚该时刻之后的全部条目
	Confirm       bool       // 必须显式确认
	Origin        string     // 来源地址（限流）
}

// RollbackResult 回滚结果计数
type RollbackResult struct {
	EntriesReverted int      `json:"entries_reverted"`
	RecordsRestored int      `json:"records_restored"`
	LinksRemoved    int      `json:"links_removed"`
	Skipped         int      `json:"skipped"` // 归属不符或本身不可回滚的条目
	RevertedIDs     []uint64 `json:"reverted_ids"`
}

// Rollback 校验 → 收集目标条目 → 一个事务内逆序回放快照 → 写 rollback 审计
func (m *RollbackManager) Rollback(ctx context.Context, req *RollbackRequest) (*RollbackResult, error) {
	if !req.Confirm {
		return nil, ValidationErr("回滚必须显式传 confirmRollback: true")
	}
	if req.OwnerID == "" {
		return nil, ValidationErr("ownerId 不能为空")
	}
	if len(req.AuditLogIDs) == 0 && req.TimeThreshold == nil {
		return nil, ValidationErr("必须提供 auditLogIds 或 timeThreshold 之一")
	}
	if req.TimeThreshold != nil && req.TimeThreshold.After(time.Now()) {
		return nil, ValidationErr("timeThreshold 不能是未来时间")
	}

	if req.Origin != "" {
		if err := m.limiter.AllowOrigin(ctx, req.Origin); err != nil {
			return nil, WrapRateLimit(err)
		}
	}
	if err := m.limiter.AllowAction(ctx, req.OwnerID, interfaces.ClassHeavy); err != nil {
		return nil, WrapRateLimit(err)
	}

	// 收集目标条目（仓储返回新条目在前，天然满足逆序回放）
	entries := make([]*model.AuditLogEntry, 0)
	seen := make(map[uint64]bool)
	if len(req.AuditLogIDs) > 0 {
		byIDs, err := m.repo.GetAuditByIDs(ctx, req.AuditLogIDs)
		if err != nil {
			return nil, PersistenceErr("查询审计条目失败", err)
		}
		for _, e := range byIDs {
			if !seen[e.ID] {
				seen[e.ID] = true
				entries = append(entries, e)
			}
		}
	}
	if req.TimeThreshold != nil {
		byTime, err := m.repo.ListAuditAfter(ctx, req.OwnerID, *req.TimeThreshold)
		if err != nil {
			return nil, PersistenceErr("查询审计条目失败", err)
		}
		for _, e := range byTime {
			if !seen[e.ID] {
				seen[e.ID] = true
				entries = append(entries, e)
			}
		}
	}

	result := &RollbackResult{RevertedIDs: []uint64{}}
	txErr := m.repo.Transaction(ctx, func(tx repository.ReconRepository) error {
		for _, entry := range entries {
			if entry.OwnerID != req.OwnerID {
				// 归属不符：不回滚他人的条目
				result.Skipped++
				continue
			}
			reverted, err := m.revertEntry(ctx, tx, entry, result)
			if err != nil {
				return fmt.Errorf("回放审计条目 %d 失败: %w", entry.ID, err)
			}
			if !reverted {
				result.Skipped++
				continue
			}
			result.EntriesReverted++
			result.RevertedIDs = append(result.RevertedIDs, entry.ID)
		}
		if result.EntriesReverted == 0 {
			return nil // 没动任何东西就不写 rollback 条目
		}
		meta, _ := json.Marshal(rollbackMetadata{RevertedIDs: result.RevertedIDs})
		return tx.AppendAudit(ctx, &model.AuditLogEntry{
			OwnerID:     req.OwnerID,
			Action:      model.ActionRollback,
			SourceTable: model.AuditLogEntry{}.TableName(),
			SourceID:    result.RevertedIDs[0],
			Metadata:    datatypes.JSON(meta),
		})
	})
	if txErr != nil {
		return nil, PersistenceErr("回滚事务失败", txErr)
	}

	m.logger.Infof("回滚完成：owner=%s 撤销%d条 还原%d记录 解除%d关联 跳过%d",
		req.OwnerID, result.EntriesReverted, result.RecordsRestored, result.LinksRemoved, result.Skipped)
	return result, nil
}

// revertEntry 按动作类型逆向回放单个条目。返回 false 表示该条目不可回滚
func (m *RollbackManager) revertEntry(ctx context.Context, tx repository.ReconRepository, entry *model.AuditLogEntry, result *RollbackResult) (bool, error) {
	switch entry.Action {
	case model.ActionAutoLink, model.ActionManualLink:
		if entry.TargetID == nil {
			return false, nil
		}
		if err := tx.UnlinkPair(ctx, entry.SourceID, *entry.TargetID); err != nil {
			return false, err
		}
		result.LinksRemoved++
		return true, nil

	case model.ActionCreateDealFromActivity:
		if entry.TargetID == nil {
			return false, nil
		}
		if err := tx.UnlinkPair(ctx, entry.SourceID, *entry.TargetID); err != nil {
			return false, err
		}
		if err := tx.DeleteDeal(ctx, *entry.TargetID); err != nil {
			return false, err
		}
		result.LinksRemoved++
		return true, nil

	case model.ActionCreateActivityFromDeal:
		if entry.TargetID == nil {
			return false, nil
		}
		if err := tx.UnlinkPair(ctx, *entry.TargetID, entry.SourceID); err != nil {
			return false, err
		}
		if err := tx.DeleteActivity(ctx, *entry.TargetID); err != nil {
			return false, err
		}
		result.LinksRemoved++
		return true, nil

	case model.ActionMergeDuplicate:
		var meta mergeMetadata
		if err := json.Unmarshal(entry.Metadata, &meta); err != nil {
			return false, fmt.Errorf("解析合并快照失败: %w", err)
		}
		for _, snap := range meta.Merged {
			if err := tx.RestoreActivity(ctx, snap); err != nil {
				return false, err
			}
			result.RecordsRestored++
		}
		return true, nil

	default:
		// rollback 条目本身不可再回滚
		return false, nil
	}
}
