package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"DealSync/internal/interfaces"
	"DealSync/internal/model"
	"DealSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// 批大小边界
const (
	MinBatchSize = 1
	MaxBatchSize = 1000
)

// ExecutionEngine 对账执行引擎：按模式策略对候选逐个决策，
// 整批持久化效果包在一个事务里，动过的每条记录都有审计条目。
// 依赖全部在构造时注入，锁/限流/事务缝都可用假实现单测。
type ExecutionEngine struct {
	repo      repository.ReconRepository
	analysis  *AnalysisService
	lock      interfaces.LockCoordinator
	limiter   interfaces.RateLimiter
	logger    *logrus.Logger
	threshold int // 候选纳入执行的最低总分
}

// NewExecutionEngine 创建执行引擎
func NewExecutionEngine(
	repo repository.ReconRepository,
	analysis *AnalysisService,
	lock interfaces.LockCoordinator,
	limiter interfaces.RateLimiter,
	logger *logrus.Logger,
	threshold int,
) *ExecutionEngine {
	return &ExecutionEngine{
		repo:      repo,
		analysis:  analysis,
		lock:      lock,
		limiter:   limiter,
		logger:    logger,
		threshold: threshold,
	}
}

// ExecuteRequest 单批执行请求
type ExecuteRequest struct {
	OwnerID   string
	Mode      string // safe / aggressive / dry_run
	BatchSize int    // [1,1000]
	Origin    string // 来源地址（限流用，可空）
}

// ExecutionSummary 单批执行结果
type ExecutionSummary struct {
	Mode             string         `json:"mode"`
	OwnerID          string         `json:"owner_id"`
	TotalProcessed   int            `json:"total_processed"`
	Linked           int            `json:"linked"`
	Created          int            `json:"created"`
	Merged           int            `json:"merged"` // 被并入存活记录的条数
	Errors           int            `json:"errors"`
	Actions          map[string]int `json:"actions"` // 按动作类型计数
	SuccessRate      float64        `json:"success_rate"`
	ChangesSimulated bool           `json:"changes_simulated"`
	ActualChanges    int            `json:"actual_changes_made"`
}

// 审计条目 metadata 的快照结构（回滚的还原依据）
type linkMetadata struct {
	NameScore   int     `json:"name_score"`
	DateScore   int     `json:"date_score"`
	AmountScore int     `json:"amount_score"`
	NameRatio   float64 `json:"name_ratio"`
	DaysDiff    int     `json:"days_diff"`
}

type createMetadata struct {
	FromTable string  `json:"from_table"`
	FromID    uint64  `json:"from_id"`
	Name      string  `json:"name"`
	Amount    float64 `json:"amount"`
}

type mergeMetadata struct {
	SurvivorID uint64                 `json:"survivor_id"`
	Merged     []*model.SalesActivity `json:"merged"` // 合并前全量快照
}

type rollbackMetadata struct {
	RevertedIDs []uint64 `json:"reverted_ids"`
}

// plannedAction 一次批处理内的单个待执行动作
type plannedAction struct {
	action   string
	cand     *model.MatchCandidate // 关联动作
	activity *model.SalesActivity  // 由活动补建 Deal
	deal     *model.Deal           // 由 Deal 补建活动
	group    *DuplicateGroup       // 重复组合并
}

// validateExecuteRequest 模式与批大小的入参校验
func validateExecuteRequest(req *ExecuteRequest) error {
	switch req.Mode {
	case model.ModeSafe, model.ModeAggressive, model.ModeDryRun:
	default:
		return ValidationErr(fmt.Sprintf("非法的执行模式: %q（可选 safe/aggressive/dry_run）", req.Mode))
	}
	if req.BatchSize < MinBatchSize || req.BatchSize > MaxBatchSize {
		return ValidationErr(fmt.Sprintf("批大小 %d 超出允许范围 [%d,%d]", req.BatchSize, MinBatchSize, MaxBatchSize))
	}
	if req.OwnerID == "" {
		return ValidationErr("ownerId 不能为空")
	}
	return nil
}

// classForMode 执行模式对应的限流类别：
// safe/dry_run 走 standard，aggressive（会补建记录、合并）走 bulk
func classForMode(mode string) string {
	if mode == model.ModeAggressive {
		return interfaces.ClassBulk
	}
	return interfaces.ClassStandard
}

// Execute 执行一个批次。流程：校验 → 限流 → 抢 owner 锁 → 取候选 →
// 按模式决策 → 一个事务落库（dry_run 只计数）→ 释放锁
func (e *ExecutionEngine) Execute(ctx context.Context, req *ExecuteRequest) (*ExecutionSummary, error) {
	if err := validateExecuteRequest(req); err != nil {
		return nil, err
	}

	if req.Origin != "" {
		if err := e.limiter.AllowOrigin(ctx, req.Origin); err != nil {
			return nil, WrapRateLimit(err)
		}
	}
	if err := e.limiter.AllowAction(ctx, req.OwnerID, classForMode(req.Mode)); err != nil {
		return nil, WrapRateLimit(err)
	}

	lease, err := e.lock.TryAcquire(ctx, req.OwnerID)
	if err != nil {
		if errors.Is(err, interfaces.ErrLockHeld) {
			return nil, ContentionErr(req.OwnerID)
		}
		return nil, PersistenceErr("获取owner锁失败", err)
	}
	// 成功或失败路径都必须释放锁
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			e.logger.WithError(relErr).WithField("owner_id", req.OwnerID).Warn("释放owner锁失败")
		}
	}()

	plan, err := e.buildPlan(ctx, req)
	if err != nil {
		return nil, err
	}

	summary := &ExecutionSummary{
		Mode:    req.Mode,
		OwnerID: req.OwnerID,
		Actions: map[string]int{},
	}

	if req.Mode == model.ModeDryRun {
		// 与 aggressive 相同的决策与计数，但一条都不落库
		for _, p := range plan {
			summary.TotalProcessed++
			summary.Actions[p.action]++
			e.countAction(summary, p)
		}
		summary.ChangesSimulated = true
		summary.ActualChanges = 0
		summary.SuccessRate = 100
		e.logger.Infof("dry_run 完成：owner=%s 模拟 %d 个动作", req.OwnerID, summary.TotalProcessed)
		return summary, nil
	}

	// 整批的持久化效果在一个事务内：单条冲突跳过计错，事务本身失败则整批回滚
	txErr := e.repo.Transaction(ctx, func(tx repository.ReconRepository) error {
		for _, p := range plan {
			summary.TotalProcessed++
			applied, err := e.applyAction(ctx, tx, req.OwnerID, p, summary)
			if err != nil {
				return err // 存储层错误：整批回滚
			}
			if !applied {
				summary.Errors++ // 单条冲突（如已被关联）：跳过，不中断本批
				continue
			}
			summary.Actions[p.action]++
			e.countAction(summary, p)
			summary.ActualChanges++
		}
		return nil
	})
	if txErr != nil {
		e.logger.WithError(txErr).WithField("owner_id", req.OwnerID).Error("批次事务失败，已整批回滚")
		return nil, PersistenceErr("批次执行失败", txErr)
	}

	if summary.TotalProcessed == 0 {
		summary.SuccessRate = 100
	} else {
		summary.SuccessRate = float64(summary.TotalProcessed-summary.Errors) / float64(summary.TotalProcessed) * 100
	}
	e.logger.Infof("批次完成：owner=%s mode=%s 处理%d 关联%d 补建%d 合并%d 错误%d",
		req.OwnerID, req.Mode, summary.TotalProcessed, summary.Linked, summary.Created, summary.Merged, summary.Errors)
	return summary, nil
}

func (e *ExecutionEngine) countAction(summary *ExecutionSummary, p *plannedAction) {
	switch p.action {
	case model.ActionAutoLink:
		summary.Linked++
	case model.ActionCreateDealFromActivity, model.ActionCreateActivityFromDeal:
		summary.Created++
	case model.ActionMergeDuplicate:
		summary.Merged += len(p.group.ActivityIDs) - 1
	}
}

// buildPlan 汇总本批待执行动作：先按置信策略选关联，aggressive 再合并
// 重复组、为没有任何候选的孤儿补建对端；总量受 batchSize 约束
func (e *ExecutionEngine) buildPlan(ctx context.Context, req *ExecuteRequest) ([]*plannedAction, error) {
	filter := repository.RecordFilter{OwnerID: req.OwnerID}
	matching, err := e.analysis.Matching(ctx, filter, e.threshold)
	if err != nil {
		return nil, PersistenceErr("拉取匹配候选失败", err)
	}

	aggressive := req.Mode != model.ModeSafe // dry_run 按 aggressive 决策
	plan := make([]*plannedAction, 0, req.BatchSize)
	budget := func() int { return req.BatchSize - len(plan) }

	// 1. 自动关联：safe 只收 high，aggressive/dry_run 收 high+medium。
	// 同一批内每条活动/Deal 至多出现一次，不会产生双重关联
	usedActivities := make(map[uint64]bool)
	usedDeals := make(map[uint64]bool)
	for _, cand := range matching.Candidates {
		if budget() == 0 {
			break
		}
		if cand.Level == model.ConfidenceLow {
			continue
		}
		if cand.Level == model.ConfidenceMedium && !aggressive {
			continue
		}
		if usedActivities[cand.ActivityID] || usedDeals[cand.DealID] {
			continue
		}
		usedActivities[cand.ActivityID] = true
		usedDeals[cand.DealID] = true
		plan = append(plan, &plannedAction{action: model.ActionAutoLink, cand: cand})
	}

	if !aggressive {
		return plan, nil
	}

	// 2. 重复组合并先于补建：同一真实事件先收敛成一条，再考虑补对端。
	// 给组员各补一个 Deal 再合并会把重复放大到对端，所以组员本批一律
	// 不参与补建；存活者若仍是孤儿，下一批自然轮到它
	groups, err := e.analysis.Duplicates(ctx, filter)
	if err != nil {
		return nil, PersistenceErr("查询重复组失败", err)
	}
	inMergeGroup := make(map[uint64]bool)
	for i := range groups {
		if budget() == 0 {
			break
		}
		plan = append(plan, &plannedAction{action: model.ActionMergeDuplicate, group: &groups[i]})
		for _, id := range groups[i].ActivityIDs {
			inMergeGroup[id] = true
		}
	}

	// 3. 补建对端：候选列表里完全没出现过（穷尽了所有候选）、
	// 也不在本批合并组里的孤儿
	inAnyCandidate := func() (map[uint64]bool, map[uint64]bool) {
		acts, deals := make(map[uint64]bool), make(map[uint64]bool)
		for _, c := range matching.Candidates {
			acts[c.ActivityID] = true
			deals[c.DealID] = true
		}
		return acts, deals
	}
	candActs, candDeals := inAnyCandidate()

	orphanActs, err := e.repo.ListOrphanActivities(ctx, filter, 0)
	if err != nil {
		return nil, PersistenceErr("查询孤儿活动失败", err)
	}
	for _, a := range orphanActs {
		if budget() == 0 {
			break
		}
		if candActs[a.ID] || inMergeGroup[a.ID] {
			continue
		}
		plan = append(plan, &plannedAction{action: model.ActionCreateDealFromActivity, activity: a})
	}

	orphanDeals, err := e.repo.ListOrphanDeals(ctx, filter, 0)
	if err != nil {
		return nil, PersistenceErr("查询孤儿Deal失败", err)
	}
	for _, d := range orphanDeals {
		if budget() == 0 {
			break
		}
		if candDeals[d.ID] {
			continue
		}
		plan = append(plan, &plannedAction{action: model.ActionCreateActivityFromDeal, deal: d})
	}
	return plan, nil
}

// applyAction 在事务内执行单个动作并写审计。
// 返回 (false, nil) 表示单条冲突（计错跳过），error 表示存储层失败（整批回滚）
func (e *ExecutionEngine) applyAction(ctx context.Context, tx repository.ReconRepository, ownerID string, p *plannedAction, _ *ExecutionSummary) (bool, error) {
	switch p.action {
	case model.ActionAutoLink:
		return e.applyLink(ctx, tx, ownerID, p.cand, model.ActionAutoLink)
	case model.ActionCreateDealFromActivity:
		return e.applyCreateDeal(ctx, tx, p.activity)
	case model.ActionCreateActivityFromDeal:
		return e.applyCreateActivity(ctx, tx, p.deal)
	case model.ActionMergeDuplicate:
		return e.applyMerge(ctx, tx, p.group)
	default:
		return false, fmt.Errorf("未知的动作类型: %s", p.action)
	}
}

func (e *ExecutionEngine) applyLink(ctx context.Context, tx repository.ReconRepository, ownerID string, cand *model.MatchCandidate, action string) (bool, error) {
	ok, err := tx.LinkPair(ctx, cand.ActivityID, cand.DealID)
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"activity_id": cand.ActivityID,
			"deal_id":     cand.DealID,
		}).Warn("关联冲突：记录已被关联或已合并，跳过")
		return false, nil
	}
	meta, _ := json.Marshal(linkMetadata{
		NameScore:   cand.NameScore,
		DateScore:   cand.DateScore,
		AmountScore: cand.AmountScore,
		NameRatio:   cand.NameRatio,
		DaysDiff:    cand.DaysDiff,
	})
	dealID := cand.DealID
	return true, tx.AppendAudit(ctx, &model.AuditLogEntry{
		OwnerID:     ownerID,
		Action:      action,
		SourceTable: model.TableActivities,
		SourceID:    cand.ActivityID,
		TargetTable: model.TableDeals,
		TargetID:    &dealID,
		Confidence:  cand.Total,
		Metadata:    datatypes.JSON(meta),
	})
}

// applyCreateDeal 由孤儿活动补建 Deal（复制名称/金额/日期）并立即关联
func (e *ExecutionEngine) applyCreateDeal(ctx context.Context, tx repository.ReconRepository, a *model.SalesActivity) (bool, error) {
	deal := &model.Deal{
		OwnerID:        a.OwnerID,
		CompanyName:    a.CounterpartyName,
		Value:          a.Amount,
		Stage:          "open",
		StageChangedAt: a.ActivityDate,
	}
	if err := tx.CreateDeal(ctx, deal); err != nil {
		return false, err
	}
	ok, err := tx.LinkPair(ctx, a.ID, deal.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		// 活动在决策与执行之间被他人关联：删掉刚补建的 Deal，计为单条冲突
		if err := tx.DeleteDeal(ctx, deal.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	meta, _ := json.Marshal(createMetadata{
		FromTable: model.TableActivities,
		FromID:    a.ID,
		Name:      a.CounterpartyName,
		Amount:    a.Amount,
	})
	dealID := deal.ID
	return true, tx.AppendAudit(ctx, &model.AuditLogEntry{
		OwnerID:     a.OwnerID,
		Action:      model.ActionCreateDealFromActivity,
		SourceTable: model.TableActivities,
		SourceID:    a.ID,
		TargetTable: model.TableDeals,
		TargetID:    &dealID,
		Metadata:    datatypes.JSON(meta),
	})
}

func (e *ExecutionEngine) applyCreateActivity(ctx context.Context, tx repository.ReconRepository, d *model.Deal) (bool, error) {
	activity := &model.SalesActivity{
		OwnerID:          d.OwnerID,
		CounterpartyName: d.CompanyName,
		Amount:           d.Value,
		ActivityDate:     d.StageChangedAt,
	}
	if err := tx.CreateActivity(ctx, activity); err != nil {
		return false, err
	}
	ok, err := tx.LinkPair(ctx, activity.ID, d.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		if err := tx.DeleteActivity(ctx, activity.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	meta, _ := json.Marshal(createMetadata{
		FromTable: model.TableDeals,
		FromID:    d.ID,
		Name:      d.CompanyName,
		Amount:    d.Value,
	})
	activityID := activity.ID
	return true, tx.AppendAudit(ctx, &model.AuditLogEntry{
		OwnerID:     d.OwnerID,
		Action:      model.ActionCreateActivityFromDeal,
		SourceTable: model.TableDeals,
		SourceID:    d.ID,
		TargetTable: model.TableActivities,
		TargetID:    &activityID,
		Metadata:    datatypes.JSON(meta),
	})
}

// pickSurvivor 合并存活者选择策略：创建时间最新者优先，平局取更新时间最新。
// 业务口径若改为"最完整/最早创建"，只需改这里
func pickSurvivor(members []*model.SalesActivity) *model.SalesActivity {
	sorted := make([]*model.SalesActivity, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	return sorted[0]
}

// applyMerge 合并一个重复组：先落合并前全量快照的审计条目，再软删除败者。
// 快照先行保证合并永远可精确撤销
func (e *ExecutionEngine) applyMerge(ctx context.Context, tx repository.ReconRepository, group *DuplicateGroup) (bool, error) {
	members := make([]*model.SalesActivity, 0, len(group.ActivityIDs))
	for _, id := range group.ActivityIDs {
		a, err := tx.GetActivity(ctx, id)
		if err != nil {
			return false, err
		}
		if a.Status != model.RecordStatusActive {
			// 组员在决策与执行之间已被合并：整组跳过
			return false, nil
		}
		members = append(members, a)
	}
	if len(members) < 2 {
		return false, nil
	}

	survivor := pickSurvivor(members)
	losers := make([]*model.SalesActivity, 0, len(members)-1)
	for _, m := range members {
		if m.ID != survivor.ID {
			losers = append(losers, m)
		}
	}

	meta, err := json.Marshal(mergeMetadata{SurvivorID: survivor.ID, Merged: losers})
	if err != nil {
		return false, err
	}
	if err := tx.AppendAudit(ctx, &model.AuditLogEntry{
		OwnerID:     survivor.OwnerID,
		Action:      model.ActionMergeDuplicate,
		SourceTable: model.TableActivities,
		SourceID:    survivor.ID,
		Metadata:    datatypes.JSON(meta),
	}); err != nil {
		return false, err
	}
	for _, loser := range losers {
		if err := tx.MarkActivityMerged(ctx, loser.ID, survivor.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ManualLink 手工关联：显式指定活动与 Deal，校验同 owner 且双方都是孤儿。
// 走 standard 限流类别，成功写一条 manual_link 审计
func (e *ExecutionEngine) ManualLink(ctx context.Context, ownerID string, activityID, dealID uint64, origin string) (*model.MatchCandidate, error) {
	if activityID == 0 || dealID == 0 {
		return nil, ValidationErr("activityId 与 dealId 均不能为空")
	}
	if origin != "" {
		if err := e.limiter.AllowOrigin(ctx, origin); err != nil {
			return nil, WrapRateLimit(err)
		}
	}
	if err := e.limiter.AllowAction(ctx, ownerID, interfaces.ClassStandard); err != nil {
		return nil, WrapRateLimit(err)
	}

	activity, err := e.repo.GetActivity(ctx, activityID)
	if err != nil {
		return nil, PersistenceErr("查询活动失败", err)
	}
	deal, err := e.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, PersistenceErr("查询Deal失败", err)
	}
	if activity.OwnerID != ownerID || deal.OwnerID != ownerID {
		return nil, AuthorizationErr("记录不属于当前归属人")
	}
	if activity.DealID != nil || deal.ActivityID != nil {
		return nil, ValidationErr("记录已有关联，不能重复关联")
	}

	// 手工关联不受窗口/相似度门槛约束，但照常记录评分供审计
	confidence := 0
	var meta linkMetadata
	if cand, ok := ScorePair(activity, deal); ok {
		confidence = cand.Total
		meta = linkMetadata{
			NameScore:   cand.NameScore,
			DateScore:   cand.DateScore,
			AmountScore: cand.AmountScore,
			NameRatio:   cand.NameRatio,
			DaysDiff:    cand.DaysDiff,
		}
	}

	txErr := e.repo.Transaction(ctx, func(tx repository.ReconRepository) error {
		ok, err := tx.LinkPair(ctx, activityID, dealID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("关联冲突: 记录已被并发关联")
		}
		metaRaw, _ := json.Marshal(meta)
		return tx.AppendAudit(ctx, &model.AuditLogEntry{
			OwnerID:     ownerID,
			Action:      model.ActionManualLink,
			SourceTable: model.TableActivities,
			SourceID:    activityID,
			TargetTable: model.TableDeals,
			TargetID:    &dealID,
			Confidence:  confidence,
			Metadata:    datatypes.JSON(metaRaw),
		})
	})
	if txErr != nil {
		return nil, PersistenceErr("手工关联失败", txErr)
	}

	return &model.MatchCandidate{
		ActivityID: activityID,
		DealID:     dealID,
		Total:      confidence,
		Level:      model.ConfidenceLevel(confidence),
	}, nil
}

// ProgressResult 当前进展：剩余孤儿数量 + 最近的审计条目
type ProgressResult struct {
	OwnerID          string                 `json:"owner_id"`
	OrphanActivities int64                  `json:"orphan_activities"`
	OrphanDeals      int64                  `json:"orphan_deals"`
	RecentAudit      []*model.AuditLogEntry `json:"recent_audit"`
	AsOf             time.Time              `json:"as_of"`
}

// Progress 从存储侧回答当前进展（跨进程可见，不依赖进程内状态）
func (e *ExecutionEngine) Progress(ctx context.Context, ownerID string) (*ProgressResult, error) {
	filter := repository.RecordFilter{OwnerID: ownerID}
	actStats, err := e.repo.ActivityStats(ctx, filter)
	if err != nil {
		return nil, PersistenceErr("统计活动侧失败", err)
	}
	dealStats, err := e.repo.DealStats(ctx, filter)
	if err != nil {
		return nil, PersistenceErr("统计Deal侧失败", err)
	}
	recent, err := e.repo.ListRecentAudit(ctx, ownerID, 20)
	if err != nil {
		return nil, PersistenceErr("查询审计日志失败", err)
	}
	return &ProgressResult{
		OwnerID:          ownerID,
		OrphanActivities: actStats.Orphans,
		OrphanDeals:      dealStats.Orphans,
		RecentAudit:      recent,
		AsOf:             time.Now(),
	}, nil
}
