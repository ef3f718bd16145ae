package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"resume-batch-go/internal/constants"
	"resume-batch-go/internal/errs"
	"resume-batch-go/internal/logger"
	"resume-batch-go/internal/storage"
	"resume-batch-go/internal/storage/models"
	"resume-batch-go/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var analysisTracer = otel.Tracer("resume-batch-go/coordinator/analysis")

// AnalysisStore 分析协调器需要的持久化操作
type AnalysisStore interface {
	GetProcessing(ctx context.Context, processingID string) (*models.ResumeProcessing, error)
	TransitionAnalysisStatus(ctx context.Context, processingID string, from string, requestedAt time.Time) (bool, error)
}

// AnalysisCoordinator 管理按需深度分析的子状态机。
// 只负责发起和读取；queued之后的状态推进由外部分析工作进程完成。
type AnalysisCoordinator struct {
	store     AnalysisStore
	publisher TaskSink
	now       func() time.Time
}

// NewAnalysisCoordinator 创建分析协调器
func NewAnalysisCoordinator(store AnalysisStore, publisher TaskSink) *AnalysisCoordinator {
	return &AnalysisCoordinator{
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// RequestAnalysis 请求对一条处理记录执行深度分析。
// 状态机：completed默认返回缓存结果，queued/processing永不重复入队，
// failed需要force才重试，not_requested直接入队。
// 入队前先把状态迁移持久化，发布失败时记录仍停留在queued，可被补偿扫描重发。
func (a *AnalysisCoordinator) RequestAnalysis(ctx context.Context, processingID string, force bool) (*types.AnalysisRequestResult, error) {
	ctx, span := analysisTracer.Start(ctx, "AnalysisCoordinator.RequestAnalysis", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("processing.id", processingID),
		attribute.Bool("analysis.force", force),
	)

	if processingID == "" {
		return nil, errs.New(errs.KindValidation, "resumeProcessingId不能为空")
	}

	rp, err := a.store.GetProcessing(ctx, processingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "处理记录 %s 不存在", processingID)
		}
		return nil, errs.Wrap(errs.KindInternal, "读取处理记录失败", err)
	}

	span.SetAttributes(attribute.String("analysis.status", rp.AnalysisStatus))

	switch rp.AnalysisStatus {
	case constants.AnalysisStatusCompleted:
		if !force {
			// 命中缓存，直接返回已有结果
			return &types.AnalysisRequestResult{
				Status:   constants.AnalysisStatusCompleted,
				Analysis: json.RawMessage(rp.Analysis),
			}, nil
		}
	case constants.AnalysisStatusQueued, constants.AnalysisStatusProcessing:
		// 进行中的分析永远不重复入队，force也不例外
		return &types.AnalysisRequestResult{
			Status:  rp.AnalysisStatus,
			Message: "分析正在进行中",
		}, nil
	case constants.AnalysisStatusFailed:
		if !force {
			return &types.AnalysisRequestResult{
				Status:  constants.AnalysisStatusFailed,
				Message: "上次分析失败，使用force=true重试",
			}, nil
		}
	case constants.AnalysisStatusNotRequested:
		// 直接入队
	default:
		return nil, errs.Newf(errs.KindInvalidStatus, "未知的分析状态 %q", rp.AnalysisStatus)
	}

	// from状态守卫下迁移到queued，守卫持久化成功后才发布任务
	ok, err := a.store.TransitionAnalysisStatus(ctx, processingID, rp.AnalysisStatus, a.now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errs.Wrap(errs.KindInternal, "迁移分析状态失败", err)
	}
	if !ok {
		// 并发请求者抢先完成了迁移，本次视为"进行中"
		return &types.AnalysisRequestResult{
			Status:  constants.AnalysisStatusQueued,
			Message: "分析正在进行中",
		}, nil
	}

	triggeredBy := "user"
	if rp.AnalysisStatus == constants.AnalysisStatusFailed || (force && rp.AnalysisStatus == constants.AnalysisStatusCompleted) {
		triggeredBy = "retry"
	}
	msg := &storage.AnalysisTaskMessage{
		ResumeProcessingID: processingID,
		Attempt:            rp.AnalysisRetryCount + 1,
		TriggeredBy:        triggeredBy,
	}
	if _, err := a.publisher.PublishAnalysisTask(ctx, msg); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("processing_id", processingID).
			Msg("分析任务投递失败，记录停留在queued等待补偿扫描")
		span.SetStatus(codes.Error, err.Error())
		result := &types.AnalysisRequestResult{
			Status:  constants.AnalysisStatusQueued,
			Message: "已接受分析请求，任务投递延迟",
		}
		return result, errs.Wrap(errs.KindDelivery, "分析任务投递失败", err)
	}

	span.SetStatus(codes.Ok, "")
	return &types.AnalysisRequestResult{
		Status:  constants.AnalysisStatusQueued,
		Message: "已加入分析队列",
	}, nil
}

// GetAnalysisStatus 查询分析子状态，按状态返回不同的响应形态
func (a *AnalysisCoordinator) GetAnalysisStatus(ctx context.Context, processingID string) (*types.AnalysisStatusView, error) {
	if processingID == "" {
		return nil, errs.New(errs.KindValidation, "resumeProcessingId不能为空")
	}

	rp, err := a.store.GetProcessing(ctx, processingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "处理记录 %s 不存在", processingID)
		}
		return nil, errs.Wrap(errs.KindInternal, "读取处理记录失败", err)
	}

	view := &types.AnalysisStatusView{Status: rp.AnalysisStatus}
	switch rp.AnalysisStatus {
	case constants.AnalysisStatusCompleted:
		view.Analysis = json.RawMessage(rp.Analysis)
		view.CompletedAt = rp.AnalysisCompletedAt
	case constants.AnalysisStatusFailed:
		view.Error = rp.AnalysisError
	}
	return view, nil
}
