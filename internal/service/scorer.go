package service

import (
	"math"
	"regexp"
	"strings"

	"DealSync/internal/model"

	"github.com/agnivade/levenshtein"
)

// 匹配硬性门槛：名称相似度低于 0.70 或日期差超过 30 天的配对直接不作为候选
const (
	nameRatioFloor = 0.70
	dateWindowDays = 30
)

var (
	nonAlphaNum = regexp.MustCompile(`[^a-z0-9\s]+`)
	multiSpace  = regexp.MustCompile(`\s+`)
)

// NormalizeName 交易对手名称规范化：小写、去首尾空白、去非字母数字、折叠连续空白
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonAlphaNum.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NameRatio 规范化后的编辑距离相似度（0-1）
func NameRatio(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" && nb == "" {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	maxLen := len([]rune(na))
	if l := len([]rune(nb)); l > maxLen {
		maxLen = l
	}
	return 1 - float64(dist)/float64(maxLen)
}

// nameScore 名称相似度得分（0-40）
func nameScore(ratio float64) int {
	switch {
	case ratio >= 0.95:
		return 40
	case ratio >= 0.85:
		return 30
	case ratio >= 0.75:
		return 20
	case ratio >= nameRatioFloor:
		return 10
	default:
		return 0
	}
}

// dateScore 日期接近度得分（0-30），daysDiff 为整天绝对差
func dateScore(daysDiff int) int {
	switch {
	case daysDiff == 0:
		return 30
	case daysDiff <= 1:
		return 25
	case daysDiff <= 3:
		return 20
	case daysDiff <= 7:
		return 10
	default:
		return 0
	}
}

// amountScore 金额相似度得分（0-30）。任一侧为 0 时不贡献分数
// （零金额记录仍可参与匹配，只是金额项记 0）
func amountScore(a, b float64) int {
	if a == 0 || b == 0 {
		return 0
	}
	maxAmount := math.Max(math.Abs(a), math.Abs(b))
	pctDiff := math.Abs(a-b) / maxAmount
	switch {
	case pctDiff <= 0.05:
		return 30
	case pctDiff <= 0.10:
		return 20
	case pctDiff <= 0.20:
		return 10
	default:
		return 0
	}
}

// ScorePair 计算一对活动/Deal 的匹配候选。纯函数，无任何 I/O。
// 名称相似度低于 0.70 或日期差超过 30 天时返回 (nil, false)。
func ScorePair(activity *model.SalesActivity, deal *model.Deal) (*model.MatchCandidate, bool) {
	ratio := NameRatio(activity.CounterpartyName, deal.CompanyName)
	if ratio < nameRatioFloor {
		return nil, false
	}

	daysDiff := int(math.Abs(activity.ActivityDate.Sub(deal.StageChangedAt).Hours()) / 24)
	if daysDiff > dateWindowDays {
		return nil, false
	}

	total := nameScore(ratio) + dateScore(daysDiff) + amountScore(activity.Amount, deal.Value)
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}

	return &model.MatchCandidate{
		ActivityID:  activity.ID,
		DealID:      deal.ID,
		NameScore:   nameScore(ratio),
		DateScore:   dateScore(daysDiff),
		AmountScore: amountScore(activity.Amount, deal.Value),
		Total:       total,
		Level:       model.ConfidenceLevel(total),
		NameRatio:   ratio,
		DaysDiff:    daysDiff,
	}, true
}
