package api

import (
	"net/http"
	"strconv"
	"time"

	"DealSync/internal/repository"
	"DealSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AnalysisHandler 只读分析接口
type AnalysisHandler struct {
	analysis         *service.AnalysisService
	defaultThreshold int
	logger           *logrus.Logger
}

// NewAnalysisHandler 创建分析接口处理器
func NewAnalysisHandler(analysis *service.AnalysisService, defaultThreshold int, logger *logrus.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		analysis:         analysis,
		defaultThreshold: defaultThreshold,
		logger:           logger,
	}
}

// parseDateRange 解析 startDate/endDate（YYYY-MM-DD），格式错误返回 false
func parseDateRange(c *gin.Context) (*time.Time, *time.Time, bool) {
	var from, to *time.Time
	if s := c.Query("startDate"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, nil, false
		}
		from = &t
	}
	if s := c.Query("endDate"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, nil, false
		}
		// endDate 含当天整天
		t = t.Add(24*time.Hour - time.Nanosecond)
		to = &t
	}
	return from, to, true
}

// Analyze 分析查询入口
// GET /reconcile/analysis?analysisType=overview&ownerId=&startDate=&endDate=&confidenceThreshold=
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	owner, ok := resolveOwnerScope(c, c.Query("ownerId"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无权查看该归属人的数据"})
		return
	}
	from, to, ok := parseDateRange(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "日期格式非法，应为 YYYY-MM-DD"})
		return
	}
	filter := repository.RecordFilter{OwnerID: owner, From: from, To: to}
	ctx := c.Request.Context()

	var (
		data interface{}
		err  error
	)
	analysisType := c.DefaultQuery("analysisType", "overview")
	switch analysisType {
	case "overview":
		data, err = h.analysis.Overview(ctx, filter)
	case "orphans":
		data, err = h.analysis.Orphans(ctx, filter)
	case "duplicates":
		data, err = h.analysis.Duplicates(ctx, filter)
	case "matching":
		threshold := h.defaultThreshold
		if s := c.Query("confidenceThreshold"); s != "" {
			v, convErr := strconv.Atoi(s)
			if convErr != nil || v < 0 || v > 100 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "confidenceThreshold 必须是 [0,100] 的整数"})
				return
			}
			threshold = v
		}
		data, err = h.analysis.Matching(ctx, filter, threshold)
	case "statistics":
		data, err = h.analysis.Statistics(ctx, owner)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法的 analysisType: " + analysisType})
		return
	}

	if err != nil {
		h.logger.WithError(err).Errorf("分析查询失败: type=%s owner=%s", analysisType, owner)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}
