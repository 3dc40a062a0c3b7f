package api

import (
	"net/http"
	"time"

	"DealSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ExecuteHandler 执行/批量/回滚/手工关联接口
type ExecuteHandler struct {
	engine   *service.ExecutionEngine
	runner   *service.BatchRunner
	rollback *service.RollbackManager
	defaults ExecuteDefaults
	logger   *logrus.Logger
}

// ExecuteDefaults 执行请求的默认参数（来自配置）
type ExecuteDefaults struct {
	BatchSize  int
	MaxBatches int
	BatchDelay time.Duration
}

// NewExecuteHandler 创建执行接口处理器
func NewExecuteHandler(
	engine *service.ExecutionEngine,
	runner *service.BatchRunner,
	rollback *service.RollbackManager,
	defaults ExecuteDefaults,
	logger *logrus.Logger,
) *ExecuteHandler {
	return &ExecuteHandler{
		engine:   engine,
		runner:   runner,
		rollback: rollback,
		defaults: defaults,
		logger:   logger,
	}
}

// executeBody POST /reconcile/execute 请求体
type executeBody struct {
	Mode                string   `json:"mode"`
	OwnerID             string   `json:"ownerId"`
	BatchSize           int      `json:"batchSize"`
	Action              string   `json:"action"` // ""=单批 / batch / rollback / link
	MaxBatches          int      `json:"maxBatches"`
	DelayBetweenBatches int      `json:"delayBetweenBatches"` // 秒
	AuditLogIDs         []uint64 `json:"auditLogIds"`
	TimeThreshold       string   `json:"timeThreshold"` // RFC3339
	ConfirmRollback     bool     `json:"confirmRollback"`
	ActivityID          uint64   `json:"activityId"`
	DealID              uint64   `json:"dealId"`
}

// statusForError 错误分类 → HTTP 状态码
func statusForError(err error) int {
	switch service.KindOf(err) {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindAuthorization:
		return http.StatusUnauthorized
	case service.KindContention:
		return http.StatusConflict
	case service.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *ExecuteHandler) fail(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("执行接口失败")
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// Execute 执行入口 POST /reconcile/execute
func (h *ExecuteHandler) Execute(c *gin.Context) {
	var body executeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "请求体解析失败: " + err.Error()})
		return
	}
	owner, ok := resolveOwnerScope(c, body.OwnerID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "无权操作该归属人的数据"})
		return
	}
	if body.BatchSize == 0 {
		body.BatchSize = h.defaults.BatchSize
	}

	switch body.Action {
	case "":
		h.runSingle(c, owner, &body)
	case "batch":
		h.runBatches(c, owner, &body)
	case "rollback":
		h.runRollback(c, owner, &body)
	case "link":
		h.runManualLink(c, owner, &body)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "非法的 action: " + body.Action})
	}
}

func (h *ExecuteHandler) runSingle(c *gin.Context, owner string, body *executeBody) {
	summary, err := h.engine.Execute(c.Request.Context(), &service.ExecuteRequest{
		OwnerID:   owner,
		Mode:      body.Mode,
		BatchSize: body.BatchSize,
		Origin:    c.ClientIP(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"mode":      summary.Mode,
		"execution": summary,
		"summary": gin.H{
			"total_processed":     summary.TotalProcessed,
			"linked":              summary.Linked,
			"created":             summary.Created,
			"merged":              summary.Merged,
			"errors":              summary.Errors,
			"success_rate":        summary.SuccessRate,
			"changes_simulated":   summary.ChangesSimulated,
			"actual_changes_made": summary.ActualChanges,
		},
	})
}

func (h *ExecuteHandler) runBatches(c *gin.Context, owner string, body *executeBody) {
	maxBatches := body.MaxBatches
	if maxBatches == 0 {
		maxBatches = h.defaults.MaxBatches
	}
	delay := h.defaults.BatchDelay
	if body.DelayBetweenBatches > 0 {
		delay = time.Duration(body.DelayBetweenBatches) * time.Second
	}

	result, err := h.runner.Run(c.Request.Context(), &service.BatchRequest{
		ExecuteRequest: service.ExecuteRequest{
			OwnerID:   owner,
			Mode:      body.Mode,
			BatchSize: body.BatchSize,
			Origin:    c.ClientIP(),
		},
		MaxBatches:   maxBatches,
		DelayBetween: delay,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"batchesExecuted": result.BatchesExecuted,
		"totalProcessed":  result.TotalProcessed,
		"totalErrors":     result.TotalErrors,
		"results":         result.Results,
	})
}

func (h *ExecuteHandler) runRollback(c *gin.Context, owner string, body *executeBody) {
	req := &service.RollbackRequest{
		OwnerID:     owner,
		AuditLogIDs: body.AuditLogIDs,
		Confirm:     body.ConfirmRollback,
		Origin:      c.ClientIP(),
	}
	if body.TimeThreshold != "" {
		t, err := time.Parse(time.RFC3339, body.TimeThreshold)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "timeThreshold 格式非法，应为 RFC3339"})
			return
		}
		req.TimeThreshold = &t
	}

	result, err := h.rollback.Rollback(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rollback": result})
}

func (h *ExecuteHandler) runManualLink(c *gin.Context, owner string, body *executeBody) {
	cand, err := h.engine.ManualLink(c.Request.Context(), owner, body.ActivityID, body.DealID, c.ClientIP())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "link": cand})
}

// Progress 当前进展 GET /reconcile/execute?ownerId=
func (h *ExecuteHandler) Progress(c *gin.Context) {
	owner, ok := resolveOwnerScope(c, c.Query("ownerId"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "无权查看该归属人的数据"})
		return
	}
	progress, err := h.engine.Progress(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "progress": progress})
}
