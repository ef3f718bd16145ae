package reconcile

import (
	"context"
	"time"

	"resume-batch-go/internal/config"
	"resume-batch-go/internal/constants"
	"resume-batch-go/internal/coordinator"
	"resume-batch-go/internal/logger"
	"resume-batch-go/internal/storage"
	"resume-batch-go/internal/storage/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Sweeper 补偿扫描服务，周期性重发卡住的队列任务。
// 批次创建和分析请求都遵循"先落库后投递"，投递失败的记录会停留在queued，
// 本服务把停留超时的记录重新投递，使投递失败最终可恢复。
// FOR UPDATE SKIP LOCKED 让多实例部署时不会重复扫描同一批记录。
type Sweeper struct {
	db           *gorm.DB
	mysql        *storage.MySQL
	publisher    coordinator.TaskSink
	interval     time.Duration
	stuckTimeout time.Duration
	batchSize    int
	done         chan struct{}
	tracer       trace.Tracer
}

// NewSweeper 创建补偿扫描服务
func NewSweeper(mysql *storage.MySQL, publisher coordinator.TaskSink, cfg *config.ReconcileConfig) *Sweeper {
	return &Sweeper{
		db:           mysql.DB(),
		mysql:        mysql,
		publisher:    publisher,
		interval:     config.GetDuration(cfg.PollingInterval, 30*time.Second),
		stuckTimeout: config.GetDuration(cfg.StuckTimeout, 10*time.Minute),
		batchSize:    cfg.BatchSize,
		done:         make(chan struct{}),
		tracer:       otel.Tracer("resume-batch-go/reconcile"),
	}
}

// Start 启动后台扫描循环
func (s *Sweeper) Start() {
	logger.Info().
		Dur("interval", s.interval).
		Dur("stuck_timeout", s.stuckTimeout).
		Int("batch_size", s.batchSize).
		Msg("补偿扫描服务启动")

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-s.done:
				ticker.Stop()
				logger.Info().Msg("补偿扫描服务已停止")
				return
			case <-ticker.C:
				ctx := context.Background()
				if err := s.sweepProcessingTasks(ctx); err != nil {
					logger.Error().Err(err).Msg("扫描卡住的处理任务失败")
				}
				if err := s.sweepAnalysisTasks(ctx); err != nil {
					logger.Error().Err(err).Msg("扫描卡住的分析任务失败")
				}
			}
		}
	}()
}

// Stop 优雅停止扫描服务
func (s *Sweeper) Stop() {
	close(s.done)
}

// sweepProcessingTasks 重发停留在queued超时的简历处理任务。
// 重发后推进updated_at，把下一次重发推迟一个超时周期。
func (s *Sweeper) sweepProcessingTasks(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.stuckTimeout)

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()

	rows, err := s.mysql.FindStuckProcessingTasks(ctx, tx, cutoff, s.batchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return tx.Commit().Error
	}

	// 空轮询不产生Span，只有捞到记录时才开始追踪
	ctx, span := s.tracer.Start(ctx, "reconcile.SweepProcessingTasks",
		trace.WithAttributes(attribute.Int("reconcile.stuck_count", len(rows))))
	defer span.End()

	republished := 0
	for i := range rows {
		rp := &rows[i]
		msg := &storage.ResumeTaskMessage{
			BatchID:            rp.BatchID,
			JobID:              rp.JobDescriptionID,
			ResumeProcessingID: rp.ProcessingID,
			ResumeURL:          rp.ResumeURL,
			ExternalResumeID:   rp.ExternalResumeID,
		}
		if _, err := s.publisher.PublishProcessingTask(ctx, msg); err != nil {
			// 投递仍然失败，保持原状等待下一轮
			logger.Ctx(ctx).Warn().Err(err).
				Str("processing_id", rp.ProcessingID).
				Msg("补偿重发处理任务失败")
			continue
		}
		if err := tx.Model(&models.ResumeProcessing{}).
			Where("processing_id = ?", rp.ProcessingID).
			Update("updated_at", time.Now().UTC()).Error; err != nil {
			return err
		}
		republished++
	}

	if republished > 0 {
		logger.Ctx(ctx).Info().
			Int("republished", republished).
			Int("stuck", len(rows)).
			Msg("已补偿重发卡住的处理任务")
	}
	return tx.Commit().Error
}

// sweepAnalysisTasks 重发分析子状态停留在queued超时的任务
func (s *Sweeper) sweepAnalysisTasks(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.stuckTimeout)

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()

	rows, err := s.mysql.FindStuckAnalysisTasks(ctx, tx, cutoff, s.batchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return tx.Commit().Error
	}

	ctx, span := s.tracer.Start(ctx, "reconcile.SweepAnalysisTasks",
		trace.WithAttributes(attribute.Int("reconcile.stuck_count", len(rows))))
	defer span.End()

	republished := 0
	for i := range rows {
		rp := &rows[i]
		msg := &storage.AnalysisTaskMessage{
			ResumeProcessingID: rp.ProcessingID,
			Attempt:            rp.AnalysisRetryCount + 1,
			TriggeredBy:        "reconcile",
		}
		if _, err := s.publisher.PublishAnalysisTask(ctx, msg); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("processing_id", rp.ProcessingID).
				Msg("补偿重发分析任务失败")
			continue
		}
		if err := tx.Model(&models.ResumeProcessing{}).
			Where("processing_id = ? AND analysis_status = ?", rp.ProcessingID, constants.AnalysisStatusQueued).
			Update("analysis_requested_at", time.Now().UTC()).Error; err != nil {
			return err
		}
		republished++
	}

	if republished > 0 {
		logger.Ctx(ctx).Info().
			Int("republished", republished).
			Int("stuck", len(rows)).
			Msg("已补偿重发卡住的分析任务")
	}
	return tx.Commit().Error
}
