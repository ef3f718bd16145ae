package coordinator

import (
	"context"
	"errors"
	"time"

	"resume-batch-go/internal/config"
	"resume-batch-go/internal/constants"
	"resume-batch-go/internal/errs"
	"resume-batch-go/internal/logger"
	"resume-batch-go/internal/storage"
	"resume-batch-go/internal/storage/models"
	"resume-batch-go/internal/types"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var batchTracer = otel.Tracer("resume-batch-go/coordinator/batch")

// BatchStore 批次协调器需要的持久化操作
type BatchStore interface {
	CreateBatchWithProcessings(ctx context.Context, batch *models.Batch, processings []*models.ResumeProcessing) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	GetProcessing(ctx context.Context, processingID string) (*models.ResumeProcessing, error)
	ApplyCallbackResult(ctx context.Context, batchID string, completed bool) (bool, error)
	MarkBatchAccounted(ctx context.Context, processingID string) (bool, error)
	ListJobResumes(ctx context.Context, jobID string, q types.JobResumesQuery) ([]models.ResumeProcessing, int64, error)
	ListJobUpdates(ctx context.Context, jobID string, since *time.Time) ([]types.ResumeDelta, error)
	UpdateProcessingFields(ctx context.Context, processingID string, updates map[string]interface{}) (bool, error)
	FindDuplicateCandidate(ctx context.Context, resumeHash, jobHash, excludeProcessingID string) (*models.ResumeProcessing, error)
}

// TaskSink 任务投递接口
type TaskSink interface {
	PublishProcessingTask(ctx context.Context, msg *storage.ResumeTaskMessage) (string, error)
	PublishAnalysisTask(ctx context.Context, msg *storage.AnalysisTaskMessage) (string, error)
}

// DedupCache 简历内容哈希的快速预检缓存，可选依赖
type DedupCache interface {
	AddResumeHash(ctx context.Context, hashHex string) error
	CheckResumeHashExists(ctx context.Context, hashHex string) (bool, error)
}

// BatchCoordinator 负责批次的创建、回调记账和查询。
// 协调器本身无状态，所有并发控制都下沉到存储层的原子原语。
type BatchCoordinator struct {
	store      BatchStore
	allocator  CounterAllocator
	publisher  TaskSink
	dedupCache DedupCache // 可为nil，去重的权威判定始终走MySQL
	cfg        *config.BatchConfig
	validate   *validator.Validate
}

// NewBatchCoordinator 创建批次协调器
func NewBatchCoordinator(store BatchStore, allocator CounterAllocator, publisher TaskSink, dedupCache DedupCache, cfg *config.BatchConfig) *BatchCoordinator {
	return &BatchCoordinator{
		store:      store,
		allocator:  allocator,
		publisher:  publisher,
		dedupCache: dedupCache,
		cfg:        cfg,
		validate:   validator.New(),
	}
}

// CreateBatch 创建一个批次：铸造ID、落库批次和全部处理记录、逐份投递任务。
// 投递失败不回滚已落库的记录，返回的错误为delivery类别且批次对象非nil，
// 卡在queued状态的记录由补偿扫描重新投递。
func (c *BatchCoordinator) CreateBatch(ctx context.Context, jobID string, resumes []types.ResumeInput, totalSizeBytes int64) (*models.Batch, error) {
	ctx, span := batchTracer.Start(ctx, "BatchCoordinator.CreateBatch", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("batch.size", len(resumes)),
	)

	if err := c.validateCreateBatch(jobID, resumes, totalSizeBytes); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	batchID, err := c.allocator.NextBatchID(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	externalIDs, err := c.allocator.NextResumeIDs(ctx, len(resumes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("batch.id", batchID))

	processings := make([]*models.ResumeProcessing, len(resumes))
	refs := make([]models.BatchResumeRef, len(resumes))
	for i, r := range resumes {
		pid, err := uuid.NewV7()
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "生成处理记录ID失败", err)
		}
		processings[i] = &models.ResumeProcessing{
			ProcessingID:     pid.String(),
			ExternalResumeID: externalIDs[i],
			ResumeObjectID:   r.ResumeObjectID,
			JobDescriptionID: jobID,
			BatchID:          batchID,
			ResumeURL:        r.ResumeURL,
			Status:           constants.ProcessingStatusQueued,
			RankingStatus:    constants.RankingStatusPending,
			AnalysisStatus:   constants.AnalysisStatusNotRequested,
		}
		refs[i] = models.BatchResumeRef{
			ResumeObjectID:     r.ResumeObjectID,
			ResumeURL:          r.ResumeURL,
			ResumeProcessingID: pid.String(),
			ExternalResumeID:   externalIDs[i],
		}
	}

	batch := &models.Batch{
		BatchID:      batchID,
		JobID:        jobID,
		TotalResumes: len(resumes),
		SizeBytes:    totalSizeBytes,
		Status:       constants.BatchStatusQueued,
	}
	if err := batch.SetResumeRefs(refs); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "序列化批次成员列表失败", err)
	}

	if err := c.store.CreateBatchWithProcessings(ctx, batch, processings); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errs.Wrap(errs.KindInternal, "持久化批次失败", err)
	}

	// 记录已落库，此后的投递失败只降级为警告
	var publishErrs int
	for i, p := range processings {
		msg := &storage.ResumeTaskMessage{
			BatchID:            batchID,
			JobID:              jobID,
			ResumeProcessingID: p.ProcessingID,
			ResumeURL:          p.ResumeURL,
			ExternalResumeID:   p.ExternalResumeID,
		}
		if _, err := c.publisher.PublishProcessingTask(ctx, msg); err != nil {
			publishErrs++
			logger.Ctx(ctx).Warn().Err(err).
				Str("batch_id", batchID).
				Str("processing_id", p.ProcessingID).
				Int("index", i).
				Msg("简历处理任务投递失败，等待补偿扫描重发")
		}
	}

	logger.Ctx(ctx).Info().
		Str("batch_id", batchID).
		Str("job_id", jobID).
		Int("total", len(resumes)).
		Int("publish_failures", publishErrs).
		Msg("批次已创建")

	if publishErrs > 0 {
		span.SetStatus(codes.Error, "部分任务投递失败")
		return batch, errs.Newf(errs.KindDelivery, "批次 %s 已创建，但 %d/%d 个任务投递失败", batchID, publishErrs, len(resumes))
	}
	span.SetStatus(codes.Ok, "")
	return batch, nil
}

// validateCreateBatch 校验批次创建入参，任何失败都发生在写入之前
func (c *BatchCoordinator) validateCreateBatch(jobID string, resumes []types.ResumeInput, totalSizeBytes int64) error {
	if jobID == "" {
		return errs.New(errs.KindValidation, "jobId不能为空")
	}
	if len(resumes) == 0 {
		return errs.New(errs.KindValidation, "简历列表不能为空")
	}
	if len(resumes) > c.cfg.MaxResumesPerBatch {
		return errs.Newf(errs.KindValidation, "单批次简历数 %d 超过上限 %d", len(resumes), c.cfg.MaxResumesPerBatch)
	}
	if totalSizeBytes < 0 {
		return errs.New(errs.KindValidation, "批次总大小不能为负数")
	}
	if totalSizeBytes > c.cfg.MaxTotalBytesPerBatch {
		return errs.Newf(errs.KindValidation, "批次总大小 %d 字节超过上限 %d 字节", totalSizeBytes, c.cfg.MaxTotalBytesPerBatch)
	}
	for i := range resumes {
		if err := c.validate.Struct(&resumes[i]); err != nil {
			return errs.Wrap(errs.KindValidation, "简历入参非法", err)
		}
	}
	return nil
}

// HandleCallback 处理工作进程的终态回调，保证同一回调任意次投递只记账一次。
// 记账顺序是刻意的：先持久化批次计数，后翻转batchAccounted标志。
// 两步之间崩溃时标志仍为false，重投的回调会走防御路径而不是丢失计数。
func (c *BatchCoordinator) HandleCallback(ctx context.Context, processingID, batchID, status string) (*types.CallbackResult, error) {
	ctx, span := batchTracer.Start(ctx, "BatchCoordinator.HandleCallback", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("processing.id", processingID),
		attribute.String("batch.id", batchID),
		attribute.String("callback.status", status),
	)

	if status != constants.ProcessingStatusCompleted && status != constants.ProcessingStatusFailed {
		return nil, errs.Newf(errs.KindInvalidStatus, "回调状态 %q 不是合法的终态", status)
	}

	rp, err := c.store.GetProcessing(ctx, processingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "处理记录 %s 不存在", processingID)
		}
		return nil, errs.Wrap(errs.KindInternal, "读取处理记录失败", err)
	}
	if rp.BatchID != batchID {
		return nil, errs.Newf(errs.KindValidation, "处理记录 %s 不属于批次 %s", processingID, batchID)
	}

	// 幂等守卫：已记账的回调直接返回，不产生任何状态变更
	if rp.BatchAccounted {
		span.SetAttributes(attribute.Bool("callback.duplicate", true))
		return c.buildCallbackResult(ctx, processingID, batchID, true)
	}

	completed := status == constants.ProcessingStatusCompleted

	// 单条原子UPDATE完成计数累加和终态判定，锁竞争错误重试一次
	applied, err := c.applyWithRetry(ctx, batchID, completed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !applied {
		// 守卫未命中：批次不存在，或批次已满（迟到/重复回调的防御路径）
		if _, err := c.store.GetBatch(ctx, batchID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errs.Newf(errs.KindNotFound, "批次 %s 不存在", batchID)
			}
			return nil, errs.Wrap(errs.KindInternal, "读取批次失败", err)
		}
		logger.Ctx(ctx).Warn().
			Str("batch_id", batchID).
			Str("processing_id", processingID).
			Msg("批次计数已满，回调走防御路径记账")
	}

	// 计数已持久化，现在才翻转幂等标志
	marked, err := c.store.MarkBatchAccounted(ctx, processingID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "设置记账标志失败", err)
	}

	duplicate := !marked
	span.SetAttributes(attribute.Bool("callback.duplicate", duplicate))
	span.SetStatus(codes.Ok, "")
	return c.buildCallbackResult(ctx, processingID, batchID, duplicate)
}

// applyWithRetry 执行原子记账，死锁或锁等待超时时内部重试一次
func (c *BatchCoordinator) applyWithRetry(ctx context.Context, batchID string, completed bool) (bool, error) {
	applied, err := c.store.ApplyCallbackResult(ctx, batchID, completed)
	if err != nil && storage.IsRetryableError(err) {
		logger.Ctx(ctx).Warn().Err(err).
			Str("batch_id", batchID).
			Msg("批次记账遇到锁竞争，重试一次")
		applied, err = c.store.ApplyCallbackResult(ctx, batchID, completed)
		if err != nil {
			return false, errs.Wrap(errs.KindConflict, "批次记账重试后仍失败", err)
		}
	}
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, "批次记账失败", err)
	}
	return applied, nil
}

// buildCallbackResult 读取最新批次状态组装回调响应
func (c *BatchCoordinator) buildCallbackResult(ctx context.Context, processingID, batchID string, duplicate bool) (*types.CallbackResult, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "批次 %s 不存在", batchID)
		}
		return nil, errs.Wrap(errs.KindInternal, "读取批次失败", err)
	}
	return &types.CallbackResult{
		ResumeProcessingID: processingID,
		BatchID:            batchID,
		Duplicate:          duplicate,
		BatchStatus:        batch.Status,
		ProcessedResumes:   batch.ProcessedResumes,
		CompletedResumes:   batch.CompletedResumes,
		FailedResumes:      batch.FailedResumes,
		TotalResumes:       batch.TotalResumes,
	}, nil
}

// GetBatch 查询批次
func (c *BatchCoordinator) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	if batchID == "" {
		return nil, errs.New(errs.KindValidation, "batchId不能为空")
	}
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "批次 %s 不存在", batchID)
		}
		return nil, errs.Wrap(errs.KindInternal, "读取批次失败", err)
	}
	return batch, nil
}

// GetJobResumes 分页查询岗位下的简历处理记录
func (c *BatchCoordinator) GetJobResumes(ctx context.Context, jobID string, q types.JobResumesQuery) ([]models.ResumeProcessing, int64, error) {
	if jobID == "" {
		return nil, 0, errs.New(errs.KindValidation, "jobId不能为空")
	}
	items, total, err := c.store.ListJobResumes(ctx, jobID, q)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindInternal, "查询岗位简历列表失败", err)
	}
	return items, total, nil
}

// GetJobUpdates 查询岗位下since之后有变更的记录投影
func (c *BatchCoordinator) GetJobUpdates(ctx context.Context, jobID string, since *time.Time) ([]types.ResumeDelta, error) {
	if jobID == "" {
		return nil, errs.New(errs.KindValidation, "jobId不能为空")
	}
	deltas, err := c.store.ListJobUpdates(ctx, jobID, since)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "查询岗位增量更新失败", err)
	}
	return deltas, nil
}

// UpdateProcessing 应用工作进程对处理记录的中间状态写入。
// 当本次写入带来简历和岗位的哈希对时顺带做去重检测：
// 命中同哈希对的已完成记录则标记isDuplicate并指向对方。
func (c *BatchCoordinator) UpdateProcessing(ctx context.Context, processingID string, upd types.ProcessingUpdate) error {
	rp, err := c.store.GetProcessing(ctx, processingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.Newf(errs.KindNotFound, "处理记录 %s 不存在", processingID)
		}
		return errs.Wrap(errs.KindInternal, "读取处理记录失败", err)
	}

	updates := map[string]interface{}{}
	if upd.Status != nil {
		if !isValidProcessingStatus(*upd.Status) {
			return errs.Newf(errs.KindInvalidStatus, "非法的处理状态 %q", *upd.Status)
		}
		updates["status"] = *upd.Status
	}
	if upd.ResumeHash != nil {
		updates["resume_hash"] = *upd.ResumeHash
	}
	if upd.JobHash != nil {
		updates["job_hash"] = *upd.JobHash
	}
	if upd.PreFilter != nil {
		updates["pre_filter"] = []byte(upd.PreFilter)
	}
	if upd.FinalScore != nil {
		updates["final_score"] = *upd.FinalScore
	}
	if upd.Rank != nil {
		updates["rank"] = *upd.Rank
	}
	if upd.RankingStatus != nil {
		updates["ranking_status"] = *upd.RankingStatus
	}
	if upd.PassFail != nil {
		updates["pass_fail"] = *upd.PassFail
	}
	if upd.Explanation != nil {
		updates["explanation"] = []byte(upd.Explanation)
	}
	if upd.ParsedResume != nil {
		updates["parsed_resume"] = []byte(upd.ParsedResume)
	}
	if upd.Error != nil {
		updates["error"] = *upd.Error
	}

	// 哈希对齐全时做去重检测
	if upd.ResumeHash != nil && upd.JobHash != nil {
		if dup, derr := c.store.FindDuplicateCandidate(ctx, *upd.ResumeHash, *upd.JobHash, processingID); derr != nil {
			logger.Ctx(ctx).Warn().Err(derr).Str("processing_id", processingID).Msg("去重查询失败，跳过去重标记")
		} else if dup != nil {
			updates["is_duplicate"] = true
			updates["duplicate_of"] = dup.ProcessingID
		}
		if c.dedupCache != nil {
			if cerr := c.dedupCache.AddResumeHash(ctx, *upd.ResumeHash); cerr != nil {
				// 缓存失败只影响预检速度，不影响正确性
				logger.Ctx(ctx).Debug().Err(cerr).Msg("去重哈希写入缓存失败")
			}
		}
	}

	if _, err := c.store.UpdateProcessingFields(ctx, rp.ProcessingID, updates); err != nil {
		return errs.Wrap(errs.KindInternal, "更新处理记录失败", err)
	}
	return nil
}

// isValidProcessingStatus 校验流水线状态取值
func isValidProcessingStatus(s string) bool {
	switch s {
	case constants.ProcessingStatusQueued,
		constants.ProcessingStatusProcessing,
		constants.ProcessingStatusTextExtracted,
		constants.ProcessingStatusNormalized,
		constants.ProcessingStatusDedupChecked,
		constants.ProcessingStatusCompleted,
		constants.ProcessingStatusFailed:
		return true
	}
	return false
}
