package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"resume-batch-go/internal/config"
	"resume-batch-go/internal/constants"
	"resume-batch-go/internal/errs"
	"resume-batch-go/internal/storage/models"
	"resume-batch-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBatchCoordinator(t *testing.T) (*BatchCoordinator, *memStore, *fakeSink) {
	t.Helper()
	store := newMemStore()
	sink := &fakeSink{}
	allocator := NewRedisCounterAllocator(newMemCounterStore())
	cfg := &config.BatchConfig{
		MaxResumesPerBatch:    100,
		MaxTotalBytesPerBatch: 200 << 20,
	}
	return NewBatchCoordinator(store, allocator, sink, nil, cfg), store, sink
}

func makeResumes(n int) []types.ResumeInput {
	resumes := make([]types.ResumeInput, n)
	for i := range resumes {
		resumes[i] = types.ResumeInput{
			ResumeObjectID: fmt.Sprintf("obj-%d", i),
			ResumeURL:      fmt.Sprintf("https://files.example.com/resume-%d.pdf", i),
		}
	}
	return resumes
}

// createTestBatch 创建一个批次并返回批次对象和成员引用
func createTestBatch(t *testing.T, c *BatchCoordinator, jobID string, n int) (*models.Batch, []models.BatchResumeRef) {
	t.Helper()
	batch, err := c.CreateBatch(context.Background(), jobID, makeResumes(n), int64(n)*1024)
	require.NoError(t, err)
	refs, err := batch.ResumeRefs()
	require.NoError(t, err)
	require.Len(t, refs, n)
	return batch, refs
}

func TestCreateBatch_Success(t *testing.T) {
	c, store, sink := newTestBatchCoordinator(t)

	batch, refs := createTestBatch(t, c, "job-1", 3)

	assert.Equal(t, constants.BatchStatusQueued, batch.Status)
	assert.Equal(t, 3, batch.TotalResumes)
	assert.Equal(t, 0, batch.ProcessedResumes)
	assert.Equal(t, 0, batch.CompletedResumes)
	assert.Equal(t, 0, batch.FailedResumes)
	assert.Equal(t, 3, sink.processingCount(), "每份简历投递一个任务")

	// 处理记录逐条落库且为queued状态
	for i, ref := range refs {
		rp, err := store.GetProcessing(context.Background(), ref.ResumeProcessingID)
		require.NoError(t, err)
		assert.Equal(t, constants.ProcessingStatusQueued, rp.Status)
		assert.Equal(t, batch.BatchID, rp.BatchID)
		assert.False(t, rp.BatchAccounted)
		assert.Equal(t, fmt.Sprintf("obj-%d", i), rp.ResumeObjectID, "引用列表应保持提交顺序")
	}
}

func TestCreateBatch_ValidationErrors(t *testing.T) {
	c, store, sink := newTestBatchCoordinator(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		jobID   string
		resumes []types.ResumeInput
		size    int64
	}{
		{"空jobId", "", makeResumes(1), 100},
		{"空简历列表", "job-1", nil, 100},
		{"超过简历数上限", "job-1", makeResumes(101), 100},
		{"超过总大小上限", "job-1", makeResumes(1), (200 << 20) + 1},
		{"负的总大小", "job-1", makeResumes(1), -1},
		{"缺少resumeUrl", "job-1", []types.ResumeInput{{ResumeObjectID: "obj-0"}}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateBatch(ctx, tc.jobID, tc.resumes, tc.size)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation), "应为validation类别: %v", err)
		})
	}

	// 所有失败都发生在写入之前
	assert.Empty(t, store.batches, "校验失败不应落库批次")
	assert.Empty(t, store.processings, "校验失败不应落库处理记录")
	assert.Zero(t, sink.processingCount(), "校验失败不应投递任务")
}

func TestCreateBatch_PublishFailureIsNonFatal(t *testing.T) {
	c, store, sink := newTestBatchCoordinator(t)
	sink.failPublish = true
	sink.publishErr = errors.New("broker unavailable")

	batch, err := c.CreateBatch(context.Background(), "job-1", makeResumes(2), 2048)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDelivery), "投递失败应为delivery类别")
	require.NotNil(t, batch, "批次对象应随错误一起返回")

	// 记录已落库，停留在queued等待补偿扫描
	persisted, err := store.GetBatch(context.Background(), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, constants.BatchStatusQueued, persisted.Status)
	assert.Len(t, store.processings, 2)
}

func TestHandleCallback_InvalidStatus(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	_, err := c.HandleCallback(context.Background(), "p-1", "b-1", "processing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidStatus))
}

func TestHandleCallback_NotFound(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	_, err := c.HandleCallback(context.Background(), "missing", "b-1", constants.ProcessingStatusCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestHandleCallback_BatchMismatch(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	_, refs := createTestBatch(t, c, "job-1", 1)

	_, err := c.HandleCallback(context.Background(), refs[0].ResumeProcessingID, "BATCH_OTHER", constants.ProcessingStatusCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestHandleCallback_SingleCompleted(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	batch, refs := createTestBatch(t, c, "job-1", 2)

	result, err := c.HandleCallback(context.Background(), refs[0].ResumeProcessingID, batch.BatchID, constants.ProcessingStatusCompleted)
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Equal(t, 1, result.ProcessedResumes)
	assert.Equal(t, 1, result.CompletedResumes)
	assert.Equal(t, 0, result.FailedResumes)
	assert.Equal(t, constants.BatchStatusProcessing, result.BatchStatus, "未满的批次应处于processing")
	assert.Equal(t, result.ProcessedResumes, result.CompletedResumes+result.FailedResumes)
}

func TestHandleCallback_IdempotentUnderRedelivery(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	batch, refs := createTestBatch(t, c, "job-1", 3)

	// 同一回调投递5次，只有第一次改变计数
	for i := 0; i < 5; i++ {
		result, err := c.HandleCallback(context.Background(), refs[0].ResumeProcessingID, batch.BatchID, constants.ProcessingStatusCompleted)
		require.NoError(t, err)
		if i == 0 {
			assert.False(t, result.Duplicate, "首次投递不是重复")
		} else {
			assert.True(t, result.Duplicate, "第%d次投递应标记为重复", i+1)
		}
		assert.Equal(t, 1, result.ProcessedResumes, "计数只记一次")
		assert.Equal(t, 1, result.CompletedResumes)
	}
}

func TestHandleCallback_FinalizationMixedConcurrent(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	batch, refs := createTestBatch(t, c, "job-1", 3)

	statuses := []string{
		constants.ProcessingStatusCompleted,
		constants.ProcessingStatusCompleted,
		constants.ProcessingStatusFailed,
	}

	// 三个回调并发到达，任意交错下终态都应一致
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := c.HandleCallback(context.Background(), refs[idx].ResumeProcessingID, batch.BatchID, statuses[idx])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, err := c.GetBatch(context.Background(), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.ProcessedResumes)
	assert.Equal(t, 2, final.CompletedResumes)
	assert.Equal(t, 1, final.FailedResumes)
	assert.Equal(t, constants.BatchStatusFailed, final.Status, "存在失败时终态为failed")
}

func TestHandleCallback_AllSuccess(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	batch, refs := createTestBatch(t, c, "job-1", 5)

	for _, ref := range refs {
		_, err := c.HandleCallback(context.Background(), ref.ResumeProcessingID, batch.BatchID, constants.ProcessingStatusCompleted)
		require.NoError(t, err)
	}

	final, err := c.GetBatch(context.Background(), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 5, final.ProcessedResumes)
	assert.Equal(t, 5, final.CompletedResumes)
	assert.Equal(t, 0, final.FailedResumes)
	assert.Equal(t, constants.BatchStatusCompleted, final.Status)
}

func TestHandleCallback_InvariantHoldsAtEveryStep(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	batch, refs := createTestBatch(t, c, "job-1", 4)

	statuses := []string{
		constants.ProcessingStatusFailed,
		constants.ProcessingStatusCompleted,
		constants.ProcessingStatusFailed,
		constants.ProcessingStatusCompleted,
	}
	for i, ref := range refs {
		result, err := c.HandleCallback(context.Background(), ref.ResumeProcessingID, batch.BatchID, statuses[i])
		require.NoError(t, err)
		// 每一步观察到的计数都满足不变式
		assert.Equal(t, result.ProcessedResumes, result.CompletedResumes+result.FailedResumes)
		assert.LessOrEqual(t, result.ProcessedResumes, result.TotalResumes)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	_, err := c.GetBatch(context.Background(), "BATCH_20250118_9999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestGetJobResumes_RankOrdering(t *testing.T) {
	c, store, _ := newTestBatchCoordinator(t)
	_, refs := createTestBatch(t, c, "job-1", 3)

	// 第0份rank=2，第1份rank=1，第2份未排名
	rank2, rank1 := 2, 1
	store.UpdateProcessingFields(context.Background(), refs[0].ResumeProcessingID, map[string]interface{}{"rank": rank2})
	store.UpdateProcessingFields(context.Background(), refs[1].ResumeProcessingID, map[string]interface{}{"rank": rank1})

	items, total, err := c.GetJobResumes(context.Background(), "job-1", types.JobResumesQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 3)
	assert.Equal(t, refs[1].ResumeProcessingID, items[0].ProcessingID, "rank=1排最前")
	assert.Equal(t, refs[0].ResumeProcessingID, items[1].ProcessingID, "rank=2其次")
	assert.Equal(t, refs[2].ResumeProcessingID, items[2].ProcessingID, "未排名排最后")
}

func TestGetJobUpdates_SinceFilter(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	_, refs := createTestBatch(t, c, "job-1", 2)

	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	status := constants.ProcessingStatusCompleted
	require.NoError(t, c.UpdateProcessing(context.Background(), refs[1].ResumeProcessingID, types.ProcessingUpdate{Status: &status}))

	deltas, err := c.GetJobUpdates(context.Background(), "job-1", &cutoff)
	require.NoError(t, err)
	require.Len(t, deltas, 1, "只返回since之后有变更的记录")
	assert.Equal(t, refs[1].ResumeProcessingID, deltas[0].ProcessingID)
	assert.Equal(t, constants.ProcessingStatusCompleted, deltas[0].Status)

	all, err := c.GetJobUpdates(context.Background(), "job-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2, "省略since返回全部记录")
}

func TestUpdateProcessing_DedupMarking(t *testing.T) {
	c, store, _ := newTestBatchCoordinator(t)
	_, refs := createTestBatch(t, c, "job-1", 2)

	resumeHash := "aaaa1111"
	jobHash := "bbbb2222"
	completed := constants.ProcessingStatusCompleted

	// 第一份简历带哈希完成处理
	require.NoError(t, c.UpdateProcessing(context.Background(), refs[0].ResumeProcessingID, types.ProcessingUpdate{
		Status:     &completed,
		ResumeHash: &resumeHash,
		JobHash:    &jobHash,
	}))
	first, err := store.GetProcessing(context.Background(), refs[0].ResumeProcessingID)
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate, "首份简历不应标记为重复")

	// 第二份携带相同哈希对，应标记为重复并指向第一份
	require.NoError(t, c.UpdateProcessing(context.Background(), refs[1].ResumeProcessingID, types.ProcessingUpdate{
		Status:     &completed,
		ResumeHash: &resumeHash,
		JobHash:    &jobHash,
	}))
	second, err := store.GetProcessing(context.Background(), refs[1].ResumeProcessingID)
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, refs[0].ResumeProcessingID, *second.DuplicateOf, "duplicateOf应指向最早的同哈希记录")
}

func TestUpdateProcessing_InvalidStatus(t *testing.T) {
	c, _, _ := newTestBatchCoordinator(t)
	_, refs := createTestBatch(t, c, "job-1", 1)

	bad := "exploded"
	err := c.UpdateProcessing(context.Background(), refs[0].ResumeProcessingID, types.ProcessingUpdate{Status: &bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidStatus))
}
