package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"DealSync/internal/model"
	"DealSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// 孤儿记录优先级
const (
	PriorityRevenueRisk   = "revenue_risk"   // 金额超过配置下限，漏关联直接影响营收口径
	PriorityDataIntegrity = "data_integrity" // 其余孤儿记录
)

// FlagSameDayDuplicates 重复组标记
const FlagSameDayDuplicates = "same_day_multiple_activities"

// AnalysisService 只读分析服务：概览、孤儿、重复组、匹配候选、按 owner 统计。
// 绝不修改任何状态。
type AnalysisService struct {
	repo         repository.ReconRepository
	logger       *logrus.Logger
	revenueFloor float64 // 孤儿记录标为 revenue_risk 的金额下限
}

// NewAnalysisService 创建只读分析服务
func NewAnalysisService(repo repository.ReconRepository, logger *logrus.Logger, revenueFloor float64) *AnalysisService {
	return &AnalysisService{
		repo:         repo,
		logger:       logger,
		revenueFloor: revenueFloor,
	}
}

// OverviewResult 两侧集合的错配规模概览
type OverviewResult struct {
	TotalActivities         int64   `json:"total_activities"`
	TotalDeals              int64   `json:"total_deals"`
	OrphanActivities        int64   `json:"orphan_activities"`
	OrphanDeals             int64   `json:"orphan_deals"`
	ActivityRevenue         float64 `json:"activity_revenue"`
	DealRevenue             float64 `json:"deal_revenue"`
	ActivityLinkageRate     float64 `json:"activity_linkage_rate"`
	DealLinkageRate         float64 `json:"deal_linkage_rate"`
	OverallDataQualityScore float64 `json:"overall_data_quality_score"`
}

// OrphanRecord 单条孤儿记录（活动或 Deal 的统一视图）
type OrphanRecord struct {
	RecordType string    `json:"record_type"` // activity / deal
	ID         uint64    `json:"id"`
	UUID       string    `json:"uuid"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Amount     float64   `json:"amount"`
	Date       time.Time `json:"date"`
	Priority   string    `json:"priority"` // revenue_risk / data_integrity
}

// OrphansResult 孤儿记录清单
type OrphansResult struct {
	Activities []OrphanRecord `json:"orphan_activities"`
	Deals      []OrphanRecord `json:"orphan_deals"`
	Total      int            `json:"total"`
}

// DuplicateGroup 同 owner、同规范化名称、同日历日的活动重复组
type DuplicateGroup struct {
	OwnerID        string   `json:"owner_id"`
	NormalizedName string   `json:"normalized_name"`
	Date           string   `json:"date"` // YYYY-MM-DD
	ActivityCount  int      `json:"activity_count"`
	ActivityIDs    []uint64 `json:"activity_ids"`
	Flag           string   `json:"flag"` // same_day_multiple_activities
}

// MatchingResult 匹配候选，按置信等级分桶 + 平铺列表
type MatchingResult struct {
	High       []*model.MatchCandidate `json:"high_confidence"`
	Medium     []*model.MatchCandidate `json:"medium_confidence"`
	Low        []*model.MatchCandidate `json:"low_confidence"`
	Candidates []*model.MatchCandidate `json:"candidates"`
	Total      int                     `json:"total"`
}

// OwnerStatistics 单个 owner 的概览
type OwnerStatistics struct {
	OwnerID  string         `json:"owner_id"`
	Overview OverviewResult `json:"overview"`
}

// linkageRate 关联率：分母为 0 时恒为 0，绝不除零
func linkageRate(total, orphans int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-orphans) / float64(total) * 100
}

// Overview 概览统计：两侧总量、孤儿数、营收合计、关联率与整体数据质量分
func (s *AnalysisService) Overview(ctx context.Context, f repository.RecordFilter) (*OverviewResult, error) {
	actStats, err := s.repo.ActivityStats(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("统计活动侧失败: %w", err)
	}
	dealStats, err := s.repo.DealStats(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("统计Deal侧失败: %w", err)
	}

	actRate := linkageRate(actStats.Total, actStats.Orphans)
	dealRate := linkageRate(dealStats.Total, dealStats.Orphans)
	return &OverviewResult{
		TotalActivities:         actStats.Total,
		TotalDeals:              dealStats.Total,
		OrphanActivities:        actStats.Orphans,
		OrphanDeals:             dealStats.Orphans,
		ActivityRevenue:         actStats.Revenue,
		DealRevenue:             dealStats.Revenue,
		ActivityLinkageRate:     actRate,
		DealLinkageRate:         dealRate,
		OverallDataQualityScore: (actRate + dealRate) / 2,
	}, nil
}

// Orphans 无对端关联的活动与 Deal，按金额标注优先级
func (s *AnalysisService) Orphans(ctx context.Context, f repository.RecordFilter) (*OrphansResult, error) {
	activities, err := s.repo.ListOrphanActivities(ctx, f, 0)
	if err != nil {
		return nil, fmt.Errorf("查询孤儿活动失败: %w", err)
	}
	deals, err := s.repo.ListOrphanDeals(ctx, f, 0)
	if err != nil {
		return nil, fmt.Errorf("查询孤儿Deal失败: %w", err)
	}

	result := &OrphansResult{
		Activities: make([]OrphanRecord, 0, len(activities)),
		Deals:      make([]OrphanRecord, 0, len(deals)),
	}
	for _, a := range activities {
		result.Activities = append(result.Activities, OrphanRecord{
			RecordType: "activity",
			ID:         a.ID,
			UUID:       a.ActivityUUID,
			OwnerID:    a.OwnerID,
			Name:       a.CounterpartyName,
			Amount:     a.Amount,
			Date:       a.ActivityDate,
			Priority:   s.orphanPriority(a.Amount),
		})
	}
	for _, d := range deals {
		result.Deals = append(result.Deals, OrphanRecord{
			RecordType: "deal",
			ID:         d.ID,
			UUID:       d.DealUUID,
			OwnerID:    d.OwnerID,
			Name:       d.CompanyName,
			Amount:     d.Value,
			Date:       d.StageChangedAt,
			Priority:   s.orphanPriority(d.Value),
		})
	}
	result.Total = len(result.Activities) + len(result.Deals)
	return result, nil
}

func (s *AnalysisService) orphanPriority(amount float64) string {
	if amount > s.revenueFloor {
		return PriorityRevenueRisk
	}
	return PriorityDataIntegrity
}

// Duplicates 同 owner + 同规范化名称 + 同日历日的活动分组（组内 >= 2 条），
// 独立于与 Deal 的匹配，作为合并候选
func (s *AnalysisService) Duplicates(ctx context.Context, f repository.RecordFilter) ([]DuplicateGroup, error) {
	activities, err := s.repo.ListActiveActivities(ctx, f, 0)
	if err != nil {
		return nil, fmt.Errorf("查询活动失败: %w", err)
	}

	// 按 owner|规范化名称|日历日 分组（内存分组，与聚合查询同样的套路）
	groupByKey := make(map[string][]*model.SalesActivity)
	for _, a := range activities {
		key := fmt.Sprintf("%s|%s|%s", a.OwnerID, NormalizeName(a.CounterpartyName), a.ActivityDate.Format("2006-01-02"))
		groupByKey[key] = append(groupByKey[key], a)
	}

	groups := make([]DuplicateGroup, 0)
	for _, members := range groupByKey {
		if len(members) < 2 {
			continue
		}
		ids := make([]uint64, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		groups = append(groups, DuplicateGroup{
			OwnerID:        members[0].OwnerID,
			NormalizedName: NormalizeName(members[0].CounterpartyName),
			Date:           members[0].ActivityDate.Format("2006-01-02"),
			ActivityCount:  len(members),
			ActivityIDs:    ids,
			Flag:           FlagSameDayDuplicates,
		})
	}
	// 输出顺序稳定，便于测试与翻页
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].OwnerID != groups[j].OwnerID {
			return groups[i].OwnerID < groups[j].OwnerID
		}
		if groups[i].Date != groups[j].Date {
			return groups[i].Date < groups[j].Date
		}
		return groups[i].NormalizedName < groups[j].NormalizedName
	})
	return groups, nil
}

// Matching 对同 owner 的孤儿活动 × 孤儿 Deal 逐对打分，
// 过滤 30 天窗口外与名称相似度 0.70 以下的配对，按置信等级分桶
func (s *AnalysisService) Matching(ctx context.Context, f repository.RecordFilter, confidenceThreshold int) (*MatchingResult, error) {
	activities, err := s.repo.ListOrphanActivities(ctx, f, 0)
	if err != nil {
		return nil, fmt.Errorf("查询孤儿活动失败: %w", err)
	}
	deals, err := s.repo.ListOrphanDeals(ctx, f, 0)
	if err != nil {
		return nil, fmt.Errorf("查询孤儿Deal失败: %w", err)
	}

	dealsByOwner := make(map[string][]*model.Deal)
	for _, d := range deals {
		dealsByOwner[d.OwnerID] = append(dealsByOwner[d.OwnerID], d)
	}

	result := &MatchingResult{
		High:       []*model.MatchCandidate{},
		Medium:     []*model.MatchCandidate{},
		Low:        []*model.MatchCandidate{},
		Candidates: []*model.MatchCandidate{},
	}
	for _, a := range activities {
		for _, d := range dealsByOwner[a.OwnerID] {
			cand, ok := ScorePair(a, d)
			if !ok || cand.Total < confidenceThreshold {
				continue
			}
			result.Candidates = append(result.Candidates, cand)
		}
	}

	// 分数高的优先参与后续执行决策
	sort.Slice(result.Candidates, func(i, j int) bool {
		if result.Candidates[i].Total != result.Candidates[j].Total {
			return result.Candidates[i].Total > result.Candidates[j].Total
		}
		return result.Candidates[i].ActivityID < result.Candidates[j].ActivityID
	})
	for _, c := range result.Candidates {
		switch c.Level {
		case model.ConfidenceHigh:
			result.High = append(result.High, c)
		case model.ConfidenceMedium:
			result.Medium = append(result.Medium, c)
		default:
			result.Low = append(result.Low, c)
		}
	}
	result.Total = len(result.Candidates)
	return result, nil
}

// Statistics 按 owner 汇总概览指标。ownerFilter 非空时只看单个 owner
func (s *AnalysisService) Statistics(ctx context.Context, ownerFilter string) ([]OwnerStatistics, error) {
	var owners []string
	if ownerFilter != "" {
		owners = []string{ownerFilter}
	} else {
		var err error
		owners, err = s.repo.ListOwnerIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("查询owner列表失败: %w", err)
		}
		sort.Strings(owners)
	}

	stats := make([]OwnerStatistics, 0, len(owners))
	for _, owner := range owners {
		overview, err := s.Overview(ctx, repository.RecordFilter{OwnerID: owner})
		if err != nil {
			return nil, err
		}
		stats = append(stats, OwnerStatistics{OwnerID: owner, Overview: *overview})
	}
	return stats, nil
}
