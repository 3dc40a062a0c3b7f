package model

// 置信等级
const (
	ConfidenceHigh   = "high"   // 总分 >= 80
	ConfidenceMedium = "medium" // 50 <= 总分 < 80
	ConfidenceLow    = "low"    // 总分 < 50
)

// 执行模式
const (
	ModeSafe       = "safe"       // 仅自动关联 high 置信候选
	ModeAggressive = "aggressive" // high+medium 自动关联，补建缺失记录并合并重复组
	ModeDryRun     = "dry_run"    // 与 aggressive 同样的决策与计数，但不落库
)

// MatchCandidate 一对活动/Deal 的匹配候选（临时计算结果，不落库）
type MatchCandidate struct {
	ActivityID  uint64  `json:"activity_id"`
	DealID      uint64  `json:"deal_id"`
	NameScore   int     `json:"name_score"`   // 0-40
	DateScore   int     `json:"date_score"`   // 0-30
	AmountScore int     `json:"amount_score"` // 0-30
	Total       int     `json:"total_score"`  // 三项之和，截断到 [0,100]
	Level       string  `json:"confidence_level"`
	NameRatio   float64 `json:"name_ratio"` // 诊断用：归一化名称相似度
	DaysDiff    int     `json:"days_diff"`  // 诊断用：日期差（整天）
}

// ConfidenceLevel 按总分推导置信等级
func ConfidenceLevel(total int) string {
	switch {
	case total >= 80:
		return ConfidenceHigh
	case total >= 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
