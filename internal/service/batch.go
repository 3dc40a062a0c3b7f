package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchRunner 重复调用执行引擎跑多批：一批处理数为 0（没活了）
// 或一批整体失败时提前停止；批与批之间留一个可配置的间隔。
// 循环由调用方驱动，不是常驻 worker。
type BatchRunner struct {
	engine *ExecutionEngine
	logger *logrus.Logger
}

// NewBatchRunner 创建批量运行器
func NewBatchRunner(engine *ExecutionEngine, logger *logrus.Logger) *BatchRunner {
	return &BatchRunner{engine: engine, logger: logger}
}

// BatchRequest 多批运行请求
type BatchRequest struct {
	ExecuteRequest
	MaxBatches   int           // 最多跑多少批
	DelayBetween time.Duration // 批间延迟
}

// BatchResult 多批运行聚合结果，Results 保留每批明细便于观测
type BatchResult struct {
	BatchesExecuted int                 `json:"batches_executed"`
	TotalProcessed  int                 `json:"total_processed"`
	TotalLinked     int                 `json:"total_linked"`
	TotalCreated    int                 `json:"total_created"`
	TotalMerged     int                 `json:"total_merged"`
	TotalErrors     int                 `json:"total_errors"`
	StoppedEarly    bool                `json:"stopped_early"`
	Results         []*ExecutionSummary `json:"results"`
}

// Run 跑最多 MaxBatches 批。首批失败直接返回错误；
// 后续批失败时返回已累计的结果（已提交的批不自动回滚，需要时走回滚管理器）
func (r *BatchRunner) Run(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	if req.MaxBatches < 1 {
		return nil, ValidationErr("maxBatches 必须 >= 1")
	}

	result := &BatchResult{Results: []*ExecutionSummary{}}
	for i := 0; i < req.MaxBatches; i++ {
		if i > 0 && req.DelayBetween > 0 {
			select {
			case <-time.After(req.DelayBetween):
			case <-ctx.Done():
				result.StoppedEarly = true
				return result, nil
			}
		}

		summary, err := r.engine.Execute(ctx, &req.ExecuteRequest)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			r.logger.WithError(err).Warnf("第 %d 批失败，停止批量运行（已提交批次不回滚）", i+1)
			result.StoppedEarly = true
			return result, nil
		}

		result.BatchesExecuted++
		result.TotalProcessed += summary.TotalProcessed
		result.TotalLinked += summary.Linked
		result.TotalCreated += summary.Created
		result.TotalMerged += summary.Merged
		result.TotalErrors += summary.Errors
		result.Results = append(result.Results, summary)

		if summary.TotalProcessed == 0 {
			// 没有可处理的记录了
			break
		}
	}

	r.logger.Infof("批量运行完成：owner=%s 共%d批 处理%d 错误%d",
		req.OwnerID, result.BatchesExecuted, result.TotalProcessed, result.TotalErrors)
	return result, nil
}
