package queue

import (
	"context"
	"fmt"
	"time"

	"resume-batch-go/internal/config"
	"resume-batch-go/internal/logger"
	"resume-batch-go/internal/storage"

	"github.com/google/uuid"
)

// TaskPublisher 负责把处理任务和分析任务投递到消息队列。
// 每次投递都生成新的task_id，重发的消息是不同的投递、相同的记录。
type TaskPublisher struct {
	mq             storage.MessageQueue
	cfg            *config.RabbitMQConfig
	publishTimeout time.Duration
}

// NewTaskPublisher 创建任务发布器并声明队列拓扑
func NewTaskPublisher(mq storage.MessageQueue, cfg *config.RabbitMQConfig) (*TaskPublisher, error) {
	if mq == nil {
		return nil, fmt.Errorf("消息队列不能为空")
	}
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}

	p := &TaskPublisher{
		mq:             mq,
		cfg:            cfg,
		publishTimeout: config.GetDuration(cfg.PublishTimeout, 5*time.Second),
	}

	if err := p.declareTopology(); err != nil {
		return nil, err
	}
	return p, nil
}

// declareTopology 声明交换机、队列和绑定关系。
// 工作进程侧也会做同样的声明，声明是幂等的。
func (p *TaskPublisher) declareTopology() error {
	if err := p.mq.EnsureExchange(p.cfg.BatchTaskExchange, "direct", true); err != nil {
		return fmt.Errorf("声明批次任务交换机失败: %w", err)
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{p.cfg.ProcessingQueue, p.cfg.ProcessRoutingKey},
		{p.cfg.AnalysisQueue, p.cfg.AnalysisRoutingKey},
	}
	for _, b := range bindings {
		if err := p.mq.EnsureQueue(b.queue, true); err != nil {
			return fmt.Errorf("声明队列 %s 失败: %w", b.queue, err)
		}
		if err := p.mq.BindQueue(b.queue, p.cfg.BatchTaskExchange, b.routingKey); err != nil {
			return fmt.Errorf("绑定队列 %s 失败: %w", b.queue, err)
		}
	}

	logger.Info().
		Str("exchange", p.cfg.BatchTaskExchange).
		Str("processing_queue", p.cfg.ProcessingQueue).
		Str("analysis_queue", p.cfg.AnalysisQueue).
		Msg("消息队列拓扑已就绪")
	return nil
}

// PublishProcessingTask 投递一条简历处理任务，返回本次投递的task_id
func (p *TaskPublisher) PublishProcessingTask(ctx context.Context, msg *storage.ResumeTaskMessage) (string, error) {
	msg.TaskID = uuid.New().String()

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	if err := p.mq.PublishJSON(pubCtx, p.cfg.BatchTaskExchange, p.cfg.ProcessRoutingKey, msg, true); err != nil {
		return "", fmt.Errorf("投递简历处理任务失败 (processing_id=%s): %w", msg.ResumeProcessingID, err)
	}

	logger.Debug().
		Str("task_id", msg.TaskID).
		Str("batch_id", msg.BatchID).
		Str("processing_id", msg.ResumeProcessingID).
		Msg("已投递简历处理任务")
	return msg.TaskID, nil
}

// PublishAnalysisTask 投递一条深度分析任务，返回本次投递的task_id
func (p *TaskPublisher) PublishAnalysisTask(ctx context.Context, msg *storage.AnalysisTaskMessage) (string, error) {
	msg.TaskID = uuid.New().String()

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	if err := p.mq.PublishJSON(pubCtx, p.cfg.BatchTaskExchange, p.cfg.AnalysisRoutingKey, msg, true); err != nil {
		return "", fmt.Errorf("投递深度分析任务失败 (processing_id=%s): %w", msg.ResumeProcessingID, err)
	}

	logger.Debug().
		Str("task_id", msg.TaskID).
		Str("processing_id", msg.ResumeProcessingID).
		Int("attempt", msg.Attempt).
		Msg("已投递深度分析任务")
	return msg.TaskID, nil
}
