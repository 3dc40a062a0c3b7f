package interfaces

import (
	"context"
	"fmt"
)

// 动作限流类别
const (
	ClassStandard = "standard" // 手工关联等普通动作：30次/分钟/owner
	ClassBulk     = "bulk"     // 补建记录等批量动作：10次/小时/owner
	ClassHeavy    = "heavy"    // 合并、回滚等重动作：5次/小时/owner
)

// RateLimitError 超出限额，Class 标明触发的动作类别（来源限额时为 "origin"）
type RateLimitError struct {
	Class string
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("超出 %s 类请求限额（%d）", e.Class, e.Limit)
}

// RateLimiter 滑动窗口限流：按 (owner, 动作类别) 与来源地址分别计数
type RateLimiter interface {
	// AllowAction 校验并记一次 owner+类别 请求，超限返回 *RateLimitError
	AllowAction(ctx context.Context, ownerID, class string) error
	// AllowOrigin 校验并记一次来源地址请求（与 owner 无关的粗粒度防滥用）
	AllowOrigin(ctx context.Context, addr string) error
}
