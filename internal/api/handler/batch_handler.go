package handler

import (
	"context"
	"strconv"
	"time"

	"resume-batch-go/internal/coordinator"
	"resume-batch-go/internal/errs"
	"resume-batch-go/internal/logger"
	"resume-batch-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// BatchHandler 批次相关接口的处理器
type BatchHandler struct {
	batches  *coordinator.BatchCoordinator
	analysis *coordinator.AnalysisCoordinator
}

// NewBatchHandler 创建批次接口处理器
func NewBatchHandler(batches *coordinator.BatchCoordinator, analysis *coordinator.AnalysisCoordinator) *BatchHandler {
	return &BatchHandler{
		batches:  batches,
		analysis: analysis,
	}
}

// CreateBatchRequest 创建批次请求体
type CreateBatchRequest struct {
	Resumes        []types.ResumeInput `json:"resumes"`
	TotalSizeBytes int64               `json:"total_size_bytes"`
}

// CallbackRequest 工作进程终态回调请求体
type CallbackRequest struct {
	ResumeProcessingID string `json:"resume_processing_id"`
	BatchID            string `json:"batch_id"`
	Status             string `json:"status"`
}

// AnalysisRequest 深度分析请求体
type AnalysisRequest struct {
	Force bool `json:"force"`
}

// writeError 把错误类别映射为HTTP状态码并输出
func writeError(ctx *app.RequestContext, err error) {
	var status int
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindInvalidStatus:
		status = consts.StatusBadRequest
	case errs.KindNotFound:
		status = consts.StatusNotFound
	case errs.KindConflict:
		status = consts.StatusConflict
	case errs.KindDelivery:
		// 记录已持久化，投递由补偿扫描兜底，不算请求失败
		status = consts.StatusAccepted
	default:
		status = consts.StatusInternalServerError
	}
	ctx.JSON(status, utils.H{"error": err.Error(), "kind": string(errs.KindOf(err))})
}

// CreateBatch 创建批次
// POST /api/v1/jobs/:job_id/batches
func (h *BatchHandler) CreateBatch(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("job_id")

	var req CreateBatchRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
		return
	}

	batch, err := h.batches.CreateBatch(c, jobID, req.Resumes, req.TotalSizeBytes)
	if err != nil {
		if errs.KindOf(err) == errs.KindDelivery && batch != nil {
			// 批次已落库，部分任务投递失败
			ctx.JSON(consts.StatusAccepted, utils.H{
				"batch":   batch,
				"warning": err.Error(),
			})
			return
		}
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, utils.H{"batch": batch})
}

// GetBatch 查询批次
// GET /api/v1/batches/:batch_id
func (h *BatchHandler) GetBatch(c context.Context, ctx *app.RequestContext) {
	batch, err := h.batches.GetBatch(c, ctx.Param("batch_id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"batch": batch})
}

// HandleCallback 工作进程终态回调
// POST /api/v1/worker/callback
func (h *BatchHandler) HandleCallback(c context.Context, ctx *app.RequestContext) {
	var req CallbackRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
		return
	}
	if req.ResumeProcessingID == "" || req.BatchID == "" {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "resume_processing_id和batch_id不能为空"})
		return
	}

	result, err := h.batches.HandleCallback(c, req.ResumeProcessingID, req.BatchID, req.Status)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, result)
}

// UpdateProcessing 工作进程写入处理记录的中间状态
// PATCH /api/v1/worker/processings/:processing_id
func (h *BatchHandler) UpdateProcessing(c context.Context, ctx *app.RequestContext) {
	var upd types.ProcessingUpdate
	if err := ctx.BindJSON(&upd); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
		return
	}

	if err := h.batches.UpdateProcessing(c, ctx.Param("processing_id"), upd); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
}

// GetJobResumes 分页查询岗位下的简历
// GET /api/v1/jobs/:job_id/resumes
func (h *BatchHandler) GetJobResumes(c context.Context, ctx *app.RequestContext) {
	q := types.JobResumesQuery{
		Page:     queryInt(ctx, "page", 1),
		Limit:    queryInt(ctx, "limit", 20),
		Status:   ctx.Query("status"),
		PassFail: ctx.Query("pass_fail"),
	}

	items, total, err := h.batches.GetJobResumes(c, ctx.Param("job_id"), q)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{
		"items": items,
		"total": total,
		"page":  q.Page,
		"limit": q.Limit,
	})
}

// GetJobUpdates 查询岗位下的增量更新
// GET /api/v1/jobs/:job_id/updates?since=RFC3339
func (h *BatchHandler) GetJobUpdates(c context.Context, ctx *app.RequestContext) {
	var since *time.Time
	if raw := ctx.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "since参数必须是RFC3339时间格式"})
			return
		}
		since = &t
	}

	deltas, err := h.batches.GetJobUpdates(c, ctx.Param("job_id"), since)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"updates": deltas, "count": len(deltas)})
}

// RequestAnalysis 请求深度分析
// POST /api/v1/processings/:processing_id/analysis
func (h *BatchHandler) RequestAnalysis(c context.Context, ctx *app.RequestContext) {
	var req AnalysisRequest
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
			return
		}
	}

	result, err := h.analysis.RequestAnalysis(c, ctx.Param("processing_id"), req.Force)
	if err != nil {
		if errs.KindOf(err) == errs.KindDelivery && result != nil {
			logger.Ctx(c).Warn().Err(err).Msg("分析任务投递延迟")
			ctx.JSON(consts.StatusAccepted, result)
			return
		}
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, result)
}

// GetAnalysisStatus 查询分析状态
// GET /api/v1/processings/:processing_id/analysis
func (h *BatchHandler) GetAnalysisStatus(c context.Context, ctx *app.RequestContext) {
	view, err := h.analysis.GetAnalysisStatus(c, ctx.Param("processing_id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, view)
}

// queryInt 读取整数查询参数，缺失或非法时返回默认值
func queryInt(ctx *app.RequestContext, key string, def int) int {
	raw := ctx.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
