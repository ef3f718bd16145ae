package coordinator

import (
	"context"
	"fmt"
	"time"

	"resume-batch-go/internal/constants"
	"resume-batch-go/internal/errs"
)

// CounterStore 原子计数器的底层存储
type CounterStore interface {
	// IncrCounterBy 把key对应的计数值加delta并返回新值，操作必须原子
	IncrCounterBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// CounterAllocator 负责发放按UTC日期滚动的人类可读序列ID。
// 序列号只通过原子的增量读取产生，应用代码从不做读-改-写。
type CounterAllocator interface {
	// NextBatchID 发放一个批次ID，格式 BATCH_20250118_0001
	NextBatchID(ctx context.Context) (string, error)
	// NextResumeIDs 一次性发放count个连续的简历外部ID
	NextResumeIDs(ctx context.Context, count int) ([]string, error)
}

// RedisCounterAllocator 基于Redis INCRBY实现的计数器分配器
type RedisCounterAllocator struct {
	store CounterStore
	now   func() time.Time // 可注入，测试时固定日期
}

// NewRedisCounterAllocator 创建计数器分配器
func NewRedisCounterAllocator(store CounterStore) *RedisCounterAllocator {
	return &RedisCounterAllocator{
		store: store,
		now:   time.Now,
	}
}

// dateKey 返回当前UTC日期串，跨天后自然切换到新的计数器Key
func (a *RedisCounterAllocator) dateKey() string {
	return a.now().UTC().Format(constants.CounterDateLayout)
}

// NextBatchID 发放一个批次ID
func (a *RedisCounterAllocator) NextBatchID(ctx context.Context) (string, error) {
	date := a.dateKey()
	key := fmt.Sprintf(constants.KeyBatchCounter, date)

	seq, err := a.store.IncrCounterBy(ctx, key, 1, constants.CounterKeyTTL)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "分配批次序列号失败", err)
	}
	return formatExternalID(constants.BatchIDPrefix, date, seq), nil
}

// NextResumeIDs 一次性发放count个连续的简历外部ID。
// 单条INCRBY划走整个区间 [end-count+1, end]，并发调用者之间不会交叠。
func (a *RedisCounterAllocator) NextResumeIDs(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, errs.Newf(errs.KindValidation, "简历ID数量必须为正数: %d", count)
	}

	date := a.dateKey()
	key := fmt.Sprintf(constants.KeyResumeCounter, date)

	end, err := a.store.IncrCounterBy(ctx, key, int64(count), constants.CounterKeyTTL)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "分配简历序列号区间失败", err)
	}

	ids := make([]string, count)
	start := end - int64(count) + 1
	for i := 0; i < count; i++ {
		ids[i] = formatExternalID(constants.ResumeIDPrefix, date, start+int64(i))
	}
	return ids, nil
}

// formatExternalID 组合前缀、日期和4位零填充序列号。
// 序列号超过9999时位数自然增长，不截断。
func formatExternalID(prefix, date string, seq int64) string {
	return fmt.Sprintf("%s_%s_%04d", prefix, date, seq)
}
